package relay

import (
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"lanrelay/protocol"
)

const testSessionID = "S1"

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// startTestServer binds a relay server on loopback with ephemeral ports.
func startTestServer(t *testing.T, options Options) *Server {
	t.Helper()

	options.SessionID = testSessionID
	options.TCPAddress = "127.0.0.1:0"
	options.UDPAddress = "127.0.0.1:0"
	if options.Logger == nil {
		options.Logger = quietLogger()
	}

	server, err := Listen(options)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	t.Cleanup(func() {
		_ = server.Close()
	})
	return server
}

// testClient is one connected control-channel participant. Writes go
// through writeMu so the background pinger and the test body never
// interleave frames.
type testClient struct {
	t        *testing.T
	username string
	conn     net.Conn

	writeMu  sync.Mutex
	pingStop chan struct{}
	pingOnce sync.Once
}

func dialControl(t *testing.T, server *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", server.TCPAddr().String())
	if err != nil {
		t.Fatalf("dial control channel: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func (c *testClient) send(t *testing.T, message protocol.Message) {
	t.Helper()
	if err := c.writeMessage(message); err != nil {
		t.Fatalf("send %s: %v", message.MessageType(), err)
	}
}

func (c *testClient) writeMessage(message protocol.Message) error {
	payload, err := protocol.EncodeMessage(message)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WriteFrame(c.conn, payload)
}

// readMessage reads the next frame within the timeout.
func readMessage(t *testing.T, conn net.Conn, timeout time.Duration) protocol.Message {
	t.Helper()
	payload, err := protocol.ReadFrameWithTimeout(conn, timeout)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	message, err := protocol.DecodeMessage(payload)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return message
}

// waitForMessageType reads frames until one of the wanted type arrives,
// discarding everything else (pongs, presence churn).
func waitForMessageType(t *testing.T, conn net.Conn, msgType string, timeout time.Duration) protocol.Message {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			t.Fatalf("timed out waiting for %s", msgType)
		}
		payload, err := protocol.ReadFrameWithTimeout(conn, remaining)
		if err != nil {
			t.Fatalf("read while waiting for %s: %v", msgType, err)
		}
		message, err := protocol.DecodeMessage(payload)
		if err != nil {
			t.Fatalf("decode while waiting for %s: %v", msgType, err)
		}
		if message.MessageType() == msgType {
			return message
		}
	}
}

// expectSilence asserts no frame arrives within the window.
func expectSilence(t *testing.T, conn net.Conn, window time.Duration) {
	t.Helper()
	payload, err := protocol.ReadFrameWithTimeout(conn, window)
	if err == nil {
		message, decodeErr := protocol.DecodeMessage(payload)
		if decodeErr == nil {
			t.Fatalf("expected silence, got %s", message.MessageType())
		}
		t.Fatalf("expected silence, got undecodable frame")
	}
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("expected read timeout, got %v", err)
	}
}

// joinSession dials, authenticates, and consumes the admission traffic
// (auth_response and user_list).
func joinSession(t *testing.T, server *Server, username string) *testClient {
	t.Helper()

	client := &testClient{
		t:        t,
		username: username,
		conn:     dialControl(t, server),
		pingStop: make(chan struct{}),
	}

	client.send(t, protocol.AuthRequest{
		Type:      protocol.TypeAuthRequest,
		Username:  username,
		SessionID: testSessionID,
	})

	response := readMessage(t, client.conn, 2*time.Second)
	auth, ok := response.(protocol.AuthResponse)
	if !ok {
		t.Fatalf("expected auth_response, got %s", response.MessageType())
	}
	if !auth.Success {
		t.Fatalf("auth rejected: %s", auth.Reason)
	}

	waitForMessageType(t, client.conn, protocol.TypeUserList, 2*time.Second)
	return client
}

// keepAlive pings in the background so the client survives short
// heartbeat timeouts. Resulting pongs are left in the stream for readers
// to skip.
func (c *testClient) keepAlive(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := c.writeMessage(protocol.Ping{
					Type:     protocol.TypePing,
					Username: c.username,
				}); err != nil {
					return
				}
			case <-c.pingStop:
				return
			}
		}
	}()
}

func (c *testClient) stopKeepAlive() {
	c.pingOnce.Do(func() {
		close(c.pingStop)
	})
}

// dialMedia opens a UDP socket toward the server's media port and
// announces the username so the relay learns the address.
func dialMedia(t *testing.T, server *Server, username string) *net.UDPConn {
	t.Helper()

	serverAddr, err := net.ResolveUDPAddr("udp", server.UDPAddr().String())
	if err != nil {
		t.Fatalf("resolve media address: %v", err)
	}
	conn, err := net.DialUDP("udp", nil, serverAddr)
	if err != nil {
		t.Fatalf("dial media channel: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})

	hello, err := protocol.HelloPacket(username).Pack()
	if err != nil {
		t.Fatalf("pack hello: %v", err)
	}
	if _, err := conn.Write(hello); err != nil {
		t.Fatalf("send hello: %v", err)
	}

	// Wait until the relay has recorded the address.
	waitFor(t, 2*time.Second, func() bool {
		client, err := server.registry.Lookup(username)
		return err == nil && client.UDPAddr() != nil
	})
	return conn
}

// waitFor polls a condition until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}
