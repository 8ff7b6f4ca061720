package relay

import (
	"sync"
	"time"
)

// DefaultTransferTTL is how long an idle transfer entry survives before the
// monitor sweeps it.
const DefaultTransferTTL = 10 * time.Minute

// PendingTransfer is the advisory bookkeeping kept per offered file. The
// relay never stores chunk data; the entry only resolves requests to the
// owner and validates that chunks reference a known transfer.
type PendingTransfer struct {
	FileID    string
	Owner     string
	Filename  string
	TotalSize int64
	Mode      string
	ToUsers   []string

	lastActivity time.Time
}

// transferTable tracks in-flight file transfers keyed by file id.
type transferTable struct {
	mu        sync.Mutex
	transfers map[string]*PendingTransfer
	ttl       time.Duration
}

func newTransferTable(ttl time.Duration) *transferTable {
	if ttl <= 0 {
		ttl = DefaultTransferTTL
	}
	return &transferTable{
		transfers: make(map[string]*PendingTransfer),
		ttl:       ttl,
	}
}

// Offer records or refreshes a transfer from a file_offer message.
func (t *transferTable) Offer(fileID, owner, filename string, totalSize int64, mode string, toUsers []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.transfers[fileID] = &PendingTransfer{
		FileID:       fileID,
		Owner:        owner,
		Filename:     filename,
		TotalSize:    totalSize,
		Mode:         mode,
		ToUsers:      append([]string(nil), toUsers...),
		lastActivity: time.Now(),
	}
}

// Resolve returns a copy of the transfer for a file id and refreshes its
// activity clock.
func (t *transferTable) Resolve(fileID string) (PendingTransfer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	transfer, exists := t.transfers[fileID]
	if !exists {
		return PendingTransfer{}, false
	}
	transfer.lastActivity = time.Now()
	out := *transfer
	out.ToUsers = append([]string(nil), transfer.ToUsers...)
	return out, true
}

// DropOwner removes every transfer owned by a departed user.
func (t *transferTable) DropOwner(owner string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for fileID, transfer := range t.transfers {
		if transfer.Owner == owner {
			delete(t.transfers, fileID)
		}
	}
}

// Sweep removes transfers idle past the TTL and returns their file ids.
func (t *transferTable) Sweep(now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []string
	for fileID, transfer := range t.transfers {
		if now.Sub(transfer.lastActivity) > t.ttl {
			delete(t.transfers, fileID)
			expired = append(expired, fileID)
		}
	}
	return expired
}

// Len returns the number of tracked transfers.
func (t *transferTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.transfers)
}
