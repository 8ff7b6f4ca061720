package relay

import (
	"errors"
	"net"
	"sort"
	"sync"

	"lanrelay/protocol"
)

var (
	// ErrUsernameTaken indicates the username is already registered.
	ErrUsernameTaken = errors.New("relay: username already in use")
	// ErrUnknownUser indicates no active client holds the username.
	ErrUnknownUser = errors.New("relay: unknown user")
)

// Registry is the authoritative table of admitted clients. It is the single
// shared mutable structure in the server: the acceptor, every per-client
// handler, the UDP loop, and the heartbeat monitor all go through it, so
// every operation holds the one mutex. Routing iterates over Snapshot
// copies, never over the live map.
type Registry struct {
	mu      sync.Mutex
	clients map[string]*ClientConn
}

// NewRegistry returns an empty client registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]*ClientConn)}
}

// Register adds a client under its username. A duplicate username fails
// with ErrUsernameTaken and leaves the existing entry untouched.
func (r *Registry) Register(client *ClientConn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.clients[client.username]; exists {
		return ErrUsernameTaken
	}
	r.clients[client.username] = client
	return nil
}

// Deregister removes and returns the client for a username.
func (r *Registry) Deregister(username string) (*ClientConn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	client, exists := r.clients[username]
	if !exists {
		return nil, ErrUnknownUser
	}
	delete(r.clients, username)
	return client, nil
}

// Lookup returns the client for a username.
func (r *Registry) Lookup(username string) (*ClientConn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	client, exists := r.clients[username]
	if !exists {
		return nil, ErrUnknownUser
	}
	return client, nil
}

// Snapshot returns a point-in-time copy of all active clients. A client
// disconnecting mid-broadcast cannot corrupt iteration over the copy.
func (r *Registry) Snapshot() []*ClientConn {
	r.mu.Lock()
	defer r.mu.Unlock()

	clients := make([]*ClientConn, 0, len(r.clients))
	for _, client := range r.clients {
		if client.State() == StateActive {
			clients = append(clients, client)
		}
	}
	return clients
}

// Usernames returns the sorted usernames of all active clients.
func (r *Registry) Usernames() []string {
	snapshot := r.Snapshot()
	names := make([]string, 0, len(snapshot))
	for _, client := range snapshot {
		names = append(names, client.username)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered clients.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// TouchHeartbeat records heartbeat activity for a username.
func (r *Registry) TouchHeartbeat(username string) {
	if client, err := r.Lookup(username); err == nil {
		client.TouchHeartbeat()
	}
}

// LearnUDPAddr stores the media address observed for a username.
func (r *Registry) LearnUDPAddr(username string, addr *net.UDPAddr) error {
	client, err := r.Lookup(username)
	if err != nil {
		return err
	}
	client.setUDPAddr(addr)
	return nil
}

// FindByStreamID identifies the active client whose derived audio or video
// stream identity matches id. Returns ErrUnknownUser when no client
// matches.
func (r *Registry) FindByStreamID(id uint32) (*ClientConn, error) {
	for _, client := range r.Snapshot() {
		if id == protocol.StreamID(client.username, protocol.MediaAudio) ||
			id == protocol.StreamID(client.username, protocol.MediaVideo) {
			return client, nil
		}
	}
	return nil, ErrUnknownUser
}
