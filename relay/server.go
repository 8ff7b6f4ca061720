// Package relay implements the session relay core: the TCP control-channel
// acceptor and authentication gate, the client registry, the message
// router, the heartbeat monitor, and the UDP media relay. One server
// process hosts exactly one session; all session state is in memory and
// lost on exit.
package relay

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"lanrelay/protocol"
)

const (
	// DefaultAuthTimeout bounds the wait for the first (auth) frame.
	DefaultAuthTimeout = 30 * time.Second
	// DefaultHeartbeatInterval is the monitor scan period.
	DefaultHeartbeatInterval = 5 * time.Second
	// DefaultHeartbeatTimeout evicts clients silent for this long. Clients
	// ping far more often, so this allows several missed pings.
	DefaultHeartbeatTimeout = 30 * time.Second
)

// errClientLeft signals a graceful leave_session inside the receive loop.
var errClientLeft = errors.New("relay: client left session")

// CredentialValidator is the external profile collaborator consulted
// during authentication. The password hash is opaque to the relay core.
type CredentialValidator interface {
	Validate(username, passwordHash string) error
}

// AllowAll accepts every credential. It is the default when no profile
// store is configured, matching open-join sessions.
type AllowAll struct{}

// Validate always accepts.
func (AllowAll) Validate(username, passwordHash string) error { return nil }

// Options configures a relay server.
type Options struct {
	// SessionID is the opaque id clients must present to authenticate.
	SessionID string
	// TCPAddress is the control-channel listen address, e.g. ":5555".
	TCPAddress string
	// UDPAddress is the media-channel listen address, e.g. ":5556".
	UDPAddress string

	AuthTimeout       time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	TransferTTL       time.Duration

	Validator CredentialValidator
	Logger    *logrus.Logger
}

func (o Options) withDefaults() Options {
	out := o
	if out.AuthTimeout <= 0 {
		out.AuthTimeout = DefaultAuthTimeout
	}
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if out.HeartbeatTimeout <= 0 {
		out.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if out.TransferTTL <= 0 {
		out.TransferTTL = DefaultTransferTTL
	}
	if out.Validator == nil {
		out.Validator = AllowAll{}
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	return out
}

// Server hosts one live session: it accepts control connections, admits
// clients against the session id, routes control messages, and relays
// media packets.
type Server struct {
	opts      Options
	log       *logrus.Logger
	createdAt time.Time

	registry  *Registry
	router    *Router
	transfers *transferTable

	tcpListener net.Listener
	udpConn     *net.UDPConn

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen binds the control and media sockets and starts the accept, UDP,
// and heartbeat loops. A bind failure on either socket is returned to the
// caller; it is the only fatal error surface.
func Listen(options Options) (*Server, error) {
	opts := options.withDefaults()
	if opts.SessionID == "" {
		return nil, errors.New("relay: session id is required")
	}

	tcpListener, err := net.Listen("tcp", opts.TCPAddress)
	if err != nil {
		return nil, fmt.Errorf("bind control socket on %q: %w", opts.TCPAddress, err)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", opts.UDPAddress)
	if err != nil {
		_ = tcpListener.Close()
		return nil, fmt.Errorf("resolve media address %q: %w", opts.UDPAddress, err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		_ = tcpListener.Close()
		return nil, fmt.Errorf("bind media socket on %q: %w", opts.UDPAddress, err)
	}

	registry := NewRegistry()
	server := &Server{
		opts:        opts,
		log:         opts.Logger,
		createdAt:   time.Now(),
		registry:    registry,
		router:      NewRouter(registry, opts.Logger),
		transfers:   newTransferTable(opts.TransferTTL),
		tcpListener: tcpListener,
		udpConn:     udpConn,
		closed:      make(chan struct{}),
	}

	server.wg.Add(3)
	go server.acceptLoop()
	go server.udpLoop()
	go server.monitorLoop()

	server.log.WithFields(logrus.Fields{
		"session": opts.SessionID,
		"tcp":     tcpListener.Addr().String(),
		"udp":     udpConn.LocalAddr().String(),
	}).Info("relay server listening")

	return server, nil
}

// SessionID returns the session id this server admits clients into.
func (s *Server) SessionID() string { return s.opts.SessionID }

// CreatedAt returns when the session was created.
func (s *Server) CreatedAt() time.Time { return s.createdAt }

// TCPAddr returns the bound control-channel address.
func (s *Server) TCPAddr() net.Addr { return s.tcpListener.Addr() }

// UDPAddr returns the bound media-channel address.
func (s *Server) UDPAddr() net.Addr { return s.udpConn.LocalAddr() }

// ActiveUsers returns the sorted usernames of admitted clients.
func (s *Server) ActiveUsers() []string { return s.registry.Usernames() }

// Close stops the listeners, disconnects every client, and waits for all
// server goroutines to finish.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.tcpListener.Close()
		_ = s.udpConn.Close()

		for _, client := range s.registry.Snapshot() {
			if removed, err := s.registry.Deregister(client.Username()); err == nil {
				removed.Close()
			}
		}

		s.wg.Wait()
		s.log.Info("relay server stopped")
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.tcpListener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.WithError(err).Warn("accept failed")
			continue
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// handleConn runs the full lifecycle of one control connection: the auth
// handshake, then the frame receive loop until the client leaves, errors
// out, or is evicted.
func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()

	client, err := s.authenticate(conn)
	if err != nil {
		_ = conn.Close()
		return
	}

	s.serveClient(client)
}

// authenticate reads the first frame and runs the session gate. A rejected
// connection receives exactly one auth_response or error frame before the
// caller closes the socket.
func (s *Server) authenticate(conn net.Conn) (*ClientConn, error) {
	remote := conn.RemoteAddr().String()

	payload, err := protocol.ReadFrameWithTimeout(conn, s.opts.AuthTimeout)
	if err != nil {
		s.log.WithField("remote", remote).WithError(err).Debug("auth: no frame")
		return nil, err
	}

	message, err := protocol.DecodeMessage(payload)
	if err != nil {
		s.rejectWithError(conn, protocol.CodeAuthRequired, "expected auth_request")
		return nil, err
	}

	request, ok := message.(protocol.AuthRequest)
	if !ok {
		s.rejectWithError(conn, protocol.CodeAuthRequired, "expected auth_request, got "+message.MessageType())
		return nil, fmt.Errorf("relay: %s before authentication", message.MessageType())
	}

	if request.SessionID != s.opts.SessionID {
		s.log.WithFields(logrus.Fields{
			"remote":  remote,
			"session": request.SessionID,
		}).Warn("auth: session id mismatch")
		s.rejectAuth(conn, protocol.CodeInvalidSession)
		return nil, fmt.Errorf("relay: invalid session id %q", request.SessionID)
	}

	if request.Username == "" {
		s.rejectAuth(conn, protocol.CodeInvalidCredentials)
		return nil, errors.New("relay: empty username")
	}

	if err := s.opts.Validator.Validate(request.Username, request.PasswordHash); err != nil {
		s.log.WithField("user", request.Username).WithError(err).Warn("auth: credentials rejected")
		s.rejectAuth(conn, protocol.CodeInvalidCredentials)
		return nil, err
	}

	client := newClientConn(request.Username, conn)
	client.setState(StateAuthenticating)

	// Register is the atomic uniqueness check; a lost race never
	// overwrites the winner's entry.
	if err := s.registry.Register(client); err != nil {
		s.log.WithField("user", request.Username).Warn("auth: username taken")
		s.rejectAuth(conn, protocol.CodeUsernameTaken)
		return nil, err
	}
	client.setState(StateActive)

	if err := client.SendMessage(protocol.AuthResponse{
		Type:     protocol.TypeAuthResponse,
		Success:  true,
		Username: request.Username,
	}); err != nil {
		s.removeClient(request.Username, "auth response write failed")
		return nil, err
	}

	_ = client.SendMessage(protocol.UserList{
		Type:  protocol.TypeUserList,
		Users: s.registry.Usernames(),
	})

	s.router.Broadcast(protocol.UserJoined{
		Type:     protocol.TypeUserJoined,
		Username: request.Username,
	}, request.Username)

	s.log.WithFields(logrus.Fields{
		"user":   request.Username,
		"remote": remote,
	}).Info("client joined session")

	return client, nil
}

func (s *Server) rejectAuth(conn net.Conn, reason string) {
	payload, err := protocol.EncodeMessage(protocol.AuthResponse{
		Type:    protocol.TypeAuthResponse,
		Success: false,
		Reason:  reason,
	})
	if err != nil {
		return
	}
	_ = protocol.WriteFrame(conn, payload)
}

func (s *Server) rejectWithError(conn net.Conn, code, detail string) {
	payload, err := protocol.EncodeMessage(protocol.ErrorMessage{
		Type:      protocol.TypeError,
		ErrorCode: code,
		Message:   detail,
	})
	if err != nil {
		return
	}
	_ = protocol.WriteFrame(conn, payload)
}

// serveClient is the per-connection receive loop. Malformed messages are
// logged and skipped; framing or transport errors end the loop and evict
// the client.
func (s *Server) serveClient(client *ClientConn) {
	username := client.Username()

	for {
		payload, err := protocol.ReadFrame(client.conn)
		if err != nil {
			if client.State() != StateDisconnected {
				s.log.WithField("user", username).WithError(err).Debug("control channel closed")
			}
			s.removeClient(username, "connection lost")
			return
		}

		message, err := protocol.DecodeMessage(payload)
		if err != nil {
			s.log.WithField("user", username).WithError(err).Warn("dropping malformed message")
			continue
		}

		if err := s.handleMessage(client, message); err != nil {
			if errors.Is(err, errClientLeft) {
				s.removeClient(username, "left session")
				return
			}
			s.log.WithField("user", username).WithError(err).Warn("message handling failed")
		}
	}
}

// handleMessage dispatches one authenticated control message. Heartbeats
// are answered inline, never through the router.
func (s *Server) handleMessage(client *ClientConn, message protocol.Message) error {
	sender := client.Username()

	switch m := message.(type) {
	case protocol.Ping:
		client.TouchHeartbeat()
		return client.SendMessage(protocol.Pong{
			Type:      protocol.TypePong,
			Timestamp: time.Now().UnixMilli(),
		})

	case protocol.ChatMessage:
		delivered := s.router.Route(m, sender, m.Mode, m.ToUsers)
		s.log.WithFields(logrus.Fields{
			"user":      sender,
			"mode":      m.Mode,
			"delivered": len(delivered),
		}).Debug("chat routed")
		return nil

	case protocol.MediaStart:
		s.router.Broadcast(m, sender)
		return nil

	case protocol.MediaStop:
		s.router.Broadcast(m, sender)
		return nil

	case protocol.ScreenFrame:
		s.router.Broadcast(m, sender)
		return nil

	case protocol.FileOffer:
		s.transfers.Offer(m.FileID, sender, m.Filename, m.FileSize, m.Mode, m.ToUsers)
		s.router.Route(m, sender, m.Mode, m.ToUsers)
		s.log.WithFields(logrus.Fields{
			"user": sender,
			"file": m.Filename,
		}).Info("file offer routed")
		return nil

	case protocol.FileChunk:
		transfer, ok := s.transfers.Resolve(m.FileID)
		if !ok {
			s.log.WithFields(logrus.Fields{
				"user":    sender,
				"file_id": m.FileID,
			}).Warn("dropping chunk for unknown transfer")
			return nil
		}
		s.router.Route(m, sender, transfer.Mode, transfer.ToUsers)
		return nil

	case protocol.FileRequest:
		transfer, ok := s.transfers.Resolve(m.FileID)
		if !ok {
			return client.SendMessage(protocol.ErrorMessage{
				Type:      protocol.TypeError,
				ErrorCode: protocol.CodeFileNotFound,
				Message:   fmt.Sprintf("file %s not found", m.FileID),
			})
		}
		m.FromUser = sender
		m.ToUser = transfer.Owner
		s.router.Unicast(m, sender, transfer.Owner)
		return nil

	case protocol.FileComplete:
		if transfer, ok := s.transfers.Resolve(m.FileID); ok {
			s.router.Route(m, sender, transfer.Mode, transfer.ToUsers)
		} else {
			s.router.Broadcast(m, sender)
		}
		return nil

	case protocol.LeaveSession:
		return errClientLeft

	case protocol.AuthRequest:
		s.log.WithField("user", sender).Warn("ignoring repeated auth_request")
		return nil

	default:
		s.log.WithFields(logrus.Fields{
			"user": sender,
			"type": message.MessageType(),
		}).Warn("ignoring unexpected message type")
		return nil
	}
}

// removeClient deregisters a client, closes its channel, drops its
// transfers, and broadcasts one user_left. Deregister succeeds exactly
// once per client, so concurrent removal paths (handler error, heartbeat
// eviction, graceful leave) produce exactly one broadcast.
func (s *Server) removeClient(username, reason string) {
	client, err := s.registry.Deregister(username)
	if err != nil {
		return
	}
	client.Close()
	s.transfers.DropOwner(username)

	s.router.Broadcast(protocol.UserLeft{
		Type:     protocol.TypeUserLeft,
		Username: username,
	}, username)

	s.log.WithFields(logrus.Fields{
		"user":   username,
		"reason": reason,
	}).Info("client removed")
}

// udpLoop receives media packets on the shared socket, learns sender
// addresses, and relays raw datagrams. Malformed packets are dropped,
// never fatal.
func (s *Server) udpLoop() {
	defer s.wg.Done()

	buf := make([]byte, 64*1024)
	for {
		n, addr, err := s.udpConn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.WithError(err).Warn("udp receive failed")
			continue
		}

		// The relayed bytes must outlive the next read.
		data := append([]byte(nil), buf[:n]...)

		packet, err := protocol.UnpackPacket(data)
		if err != nil {
			s.log.WithField("remote", addr.String()).WithError(err).Debug("dropping malformed packet")
			continue
		}

		if packet.StreamID == 0 {
			s.handleHello(packet, addr)
			continue
		}

		client, err := s.registry.FindByStreamID(packet.StreamID)
		if err != nil {
			s.log.WithFields(logrus.Fields{
				"stream": packet.StreamID,
				"remote": addr.String(),
			}).Debug("dropping packet from unknown stream")
			continue
		}

		if current := client.UDPAddr(); current == nil || current.String() != addr.String() {
			_ = s.registry.LearnUDPAddr(client.Username(), addr)
			s.log.WithFields(logrus.Fields{
				"user": client.Username(),
				"addr": addr.String(),
			}).Info("learned media address")
		}

		s.router.RelayPacket(s.udpConn, data, client.Username())
	}
}

// handleHello learns a client's media address from its announce packet.
func (s *Server) handleHello(packet protocol.Packet, addr *net.UDPAddr) {
	username, err := protocol.ParseHello(packet)
	if err != nil {
		s.log.WithField("remote", addr.String()).WithError(err).Debug("dropping bad hello")
		return
	}
	if err := s.registry.LearnUDPAddr(username, addr); err != nil {
		s.log.WithField("user", username).Warn("hello from unknown user")
		return
	}
	s.log.WithFields(logrus.Fields{
		"user": username,
		"addr": addr.String(),
	}).Info("learned media address")
}

// monitorLoop evicts clients past the heartbeat timeout and sweeps idle
// transfer entries.
func (s *Server) monitorLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			for _, client := range s.registry.Snapshot() {
				if now.Sub(client.LastHeartbeat()) > s.opts.HeartbeatTimeout {
					s.log.WithField("user", client.Username()).Warn("heartbeat timeout")
					s.removeClient(client.Username(), "heartbeat timeout")
				}
			}
			for _, fileID := range s.transfers.Sweep(now) {
				s.log.WithField("file_id", fileID).Debug("expired idle transfer")
			}
		case <-s.closed:
			return
		}
	}
}
