package discovery

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

// DiscoveredSession is one relay session seen on the LAN.
type DiscoveredSession struct {
	SessionID string
	Name      string
	Version   int
	HostName  string
	TCPPort   int
	UDPPort   int
	Addresses []string
	LastSeen  time.Time
}

// Scan browses the LAN once and returns the relay sessions that answered
// within the scan window. A session advertising the caller's own SessionID
// is filtered out.
func Scan(ctx context.Context, config Config) ([]DiscoveredSession, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]DiscoveredSession)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				session, ok := parseEntry(entry, cfg.SessionID)
				if !ok {
					continue
				}
				session.LastSeen = time.Now()
				collectedMu.Lock()
				collected[session.SessionID] = session
				collectedMu.Unlock()
			}
		}
	}()

	if err := browse(scanCtx, cfg.Service, cfg.Domain, entries); err != nil {
		return nil, err
	}

	<-scanCtx.Done()
	<-collectorDone

	collectedMu.Lock()
	defer collectedMu.Unlock()

	out := make([]DiscoveredSession, 0, len(collected))
	for _, session := range collected {
		out = append(out, session)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].Name < out[j].Name
	})

	// Hitting the window deadline is the normal way a scan ends.
	if err := scanCtx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return out, err
	}
	return out, nil
}

func parseEntry(entry *zeroconf.ServiceEntry, selfSessionID string) (DiscoveredSession, bool) {
	txt := txtToMap(entry.Text)

	sessionID := strings.TrimSpace(txt["session_id"])
	if sessionID == "" || sessionID == selfSessionID {
		return DiscoveredSession{}, false
	}

	udpPort := 0
	if txt["udp_port"] != "" {
		if parsed, err := strconv.Atoi(txt["udp_port"]); err == nil {
			udpPort = parsed
		}
	}
	version := 0
	if txt["version"] != "" {
		if parsed, err := strconv.Atoi(txt["version"]); err == nil {
			version = parsed
		}
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if raw == "" {
			continue
		}
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = sessionID
	}

	return DiscoveredSession{
		SessionID: sessionID,
		Name:      name,
		Version:   version,
		HostName:  entry.HostName,
		TCPPort:   entry.Port,
		UDPPort:   udpPort,
		Addresses: addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
