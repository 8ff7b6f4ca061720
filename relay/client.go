package relay

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"lanrelay/protocol"
)

// ClientState is the lifecycle state of one admitted connection. The
// progression is Connecting -> Authenticating -> Active -> Disconnected;
// Disconnected is terminal.
type ClientState string

const (
	StateConnecting     ClientState = "CONNECTING"
	StateAuthenticating ClientState = "AUTHENTICATING"
	StateActive         ClientState = "ACTIVE"
	StateDisconnected   ClientState = "DISCONNECTED"
)

// ClientConn is one participant's control-channel connection plus the
// per-client state the relay tracks for it. The net.Conn is read only by
// the client's own handler goroutine; writes may come from any goroutine
// through the router and are serialized by sendMu so concurrent relays
// never interleave partial frames.
type ClientConn struct {
	username string
	conn     net.Conn

	sendMu sync.Mutex

	stateMu sync.RWMutex
	state   ClientState

	udpMu   sync.RWMutex
	udpAddr *net.UDPAddr

	lastHeartbeat atomic.Int64 // unix nanoseconds

	closeOnce sync.Once
}

func newClientConn(username string, conn net.Conn) *ClientConn {
	cc := &ClientConn{
		username: username,
		conn:     conn,
		state:    StateConnecting,
	}
	cc.TouchHeartbeat()
	return cc
}

// Username returns the unique name the client authenticated with.
func (c *ClientConn) Username() string {
	return c.username
}

// State returns the current lifecycle state.
func (c *ClientConn) State() ClientState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

func (c *ClientConn) setState(state ClientState) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.state == StateDisconnected {
		return
	}
	c.state = state
}

// SendMessage encodes one control message and writes it as a single frame
// under the connection's outbound lock.
func (c *ClientConn) SendMessage(message protocol.Message) error {
	payload, err := protocol.EncodeMessage(message)
	if err != nil {
		return err
	}
	return c.SendPayload(payload)
}

// SendPayload writes a pre-encoded frame payload under the outbound lock.
func (c *ClientConn) SendPayload(payload []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return protocol.WriteFrame(c.conn, payload)
}

// TouchHeartbeat records heartbeat activity now.
func (c *ClientConn) TouchHeartbeat() {
	c.lastHeartbeat.Store(time.Now().UnixNano())
}

// LastHeartbeat returns the time of the most recent heartbeat activity.
func (c *ClientConn) LastHeartbeat() time.Time {
	return time.Unix(0, c.lastHeartbeat.Load())
}

// MarkStale zeroes the heartbeat clock so the next monitor scan evicts the
// client. Used when a relay write to this destination fails.
func (c *ClientConn) MarkStale() {
	c.lastHeartbeat.Store(0)
}

// UDPAddr returns the learned media address, or nil if the client has not
// sent any UDP packet yet.
func (c *ClientConn) UDPAddr() *net.UDPAddr {
	c.udpMu.RLock()
	defer c.udpMu.RUnlock()
	return c.udpAddr
}

func (c *ClientConn) setUDPAddr(addr *net.UDPAddr) {
	c.udpMu.Lock()
	defer c.udpMu.Unlock()
	c.udpAddr = addr
}

// Close transitions to Disconnected and closes the control channel. It is
// safe to call from any goroutine and more than once; closing unblocks the
// handler's pending read.
func (c *ClientConn) Close() {
	c.closeOnce.Do(func() {
		c.stateMu.Lock()
		c.state = StateDisconnected
		c.stateMu.Unlock()
		_ = c.conn.Close()
	})
}
