package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	TypeAuthRequest  = "auth_request"
	TypeAuthResponse = "auth_response"
	TypeUserList     = "user_list"
	TypeUserJoined   = "user_joined"
	TypeUserLeft     = "user_left"
	TypeChatMessage  = "chat_message"
	TypeFileOffer    = "file_offer"
	TypeFileRequest  = "file_request"
	TypeFileChunk    = "file_chunk"
	TypeFileComplete = "file_complete"
	TypeMediaStart   = "media_start"
	TypeMediaStop    = "media_stop"
	TypeScreenFrame  = "screen_frame"
	TypeLeaveSession = "leave_session"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeError        = "error"
)

// Delivery modes carried by routable messages.
const (
	ModeBroadcast = "broadcast"
	ModeMulticast = "multicast"
	ModeUnicast   = "unicast"
)

// Error codes carried by auth_response.reason and error.error_code.
const (
	CodeInvalidSession     = "INVALID_SESSION"
	CodeUsernameTaken      = "USERNAME_TAKEN"
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeAuthRequired       = "AUTH_REQUIRED"
	CodeFileNotFound       = "FILE_NOT_FOUND"
)

var (
	// ErrMissingMessageType indicates the payload has no "type" field.
	ErrMissingMessageType = errors.New("protocol: missing message type")
	// ErrUnknownMessageType indicates the "type" value is not in the catalog.
	ErrUnknownMessageType = errors.New("protocol: unknown message type")
)

// Message is one decoded control-channel message. The set of
// implementations is closed: DecodeMessage rejects any type value outside
// the catalog above.
type Message interface {
	MessageType() string
}

// Envelope identifies the message type of an undecoded payload.
type Envelope struct {
	Type string `json:"type"`
}

// AuthRequest opens the authentication handshake. It must be the first
// frame on every connection.
type AuthRequest struct {
	Type         string `json:"type"`
	Username     string `json:"username"`
	PasswordHash string `json:"password_hash"`
	SessionID    string `json:"session_id"`
}

// AuthResponse reports the handshake outcome.
type AuthResponse struct {
	Type     string `json:"type"`
	Success  bool   `json:"success"`
	Username string `json:"username,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// UserList carries the full set of active usernames to a newly admitted
// client.
type UserList struct {
	Type  string   `json:"type"`
	Users []string `json:"users"`
}

// UserJoined announces a newly admitted client.
type UserJoined struct {
	Type     string `json:"type"`
	Username string `json:"username"`
}

// UserLeft announces a departed or evicted client.
type UserLeft struct {
	Type     string `json:"type"`
	Username string `json:"username"`
}

// ChatMessage is a routed text message.
type ChatMessage struct {
	Type      string   `json:"type"`
	FromUser  string   `json:"from_user"`
	Mode      string   `json:"mode"`
	ToUsers   []string `json:"to_users,omitempty"`
	Payload   string   `json:"payload"`
	Timestamp int64    `json:"timestamp"`
}

// FileOffer announces an upcoming file transfer.
type FileOffer struct {
	Type     string   `json:"type"`
	FromUser string   `json:"from_user"`
	FileID   string   `json:"file_id"`
	Filename string   `json:"filename"`
	FileSize int64    `json:"file_size"`
	Mode     string   `json:"mode"`
	ToUsers  []string `json:"to_users,omitempty"`
}

// FileRequest asks the owner of a previously offered file to start sending
// it to the requester.
type FileRequest struct {
	Type     string `json:"type"`
	FromUser string `json:"from_user"`
	ToUser   string `json:"to_user,omitempty"`
	FileID   string `json:"file_id"`
}

// FileChunk carries one chunk of an in-flight transfer. The data encoding
// is opaque to the relay.
type FileChunk struct {
	Type        string `json:"type"`
	FileID      string `json:"file_id"`
	ChunkIndex  int    `json:"chunk_index"`
	TotalChunks int    `json:"total_chunks"`
	Data        string `json:"data"`
}

// FileComplete marks the end of a transfer.
type FileComplete struct {
	Type   string `json:"type"`
	FileID string `json:"file_id"`
}

// MediaStart announces a client starting an audio or video stream.
type MediaStart struct {
	Type      string `json:"type"`
	Username  string `json:"username"`
	MediaType string `json:"media_type"`
	StreamID  uint32 `json:"stream_id"`
}

// MediaStop announces a client stopping an audio or video stream.
type MediaStop struct {
	Type      string `json:"type"`
	Username  string `json:"username"`
	MediaType string `json:"media_type"`
	StreamID  uint32 `json:"stream_id"`
}

// ScreenFrame carries one encoded screen-share frame over the control
// channel.
type ScreenFrame struct {
	Type     string `json:"type"`
	FromUser string `json:"from_user"`
	Data     string `json:"data"`
}

// LeaveSession is a graceful departure notice.
type LeaveSession struct {
	Type     string `json:"type"`
	Username string `json:"username,omitempty"`
}

// Ping is a client heartbeat.
type Ping struct {
	Type      string `json:"type"`
	Username  string `json:"username,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// Pong acknowledges a Ping.
type Pong struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// ErrorMessage reports a protocol error to a client.
type ErrorMessage struct {
	Type      string `json:"type"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

func (m AuthRequest) MessageType() string  { return TypeAuthRequest }
func (m AuthResponse) MessageType() string { return TypeAuthResponse }
func (m UserList) MessageType() string     { return TypeUserList }
func (m UserJoined) MessageType() string   { return TypeUserJoined }
func (m UserLeft) MessageType() string     { return TypeUserLeft }
func (m ChatMessage) MessageType() string  { return TypeChatMessage }
func (m FileOffer) MessageType() string    { return TypeFileOffer }
func (m FileRequest) MessageType() string  { return TypeFileRequest }
func (m FileChunk) MessageType() string    { return TypeFileChunk }
func (m FileComplete) MessageType() string { return TypeFileComplete }
func (m MediaStart) MessageType() string   { return TypeMediaStart }
func (m MediaStop) MessageType() string    { return TypeMediaStop }
func (m ScreenFrame) MessageType() string  { return TypeScreenFrame }
func (m LeaveSession) MessageType() string { return TypeLeaveSession }
func (m Ping) MessageType() string         { return TypePing }
func (m Pong) MessageType() string         { return TypePong }
func (m ErrorMessage) MessageType() string { return TypeError }

// EncodeMessage marshals a protocol message to its JSON frame payload.
func EncodeMessage(message Message) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal %s message: %w", message.MessageType(), err)
	}
	return payload, nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrMissingMessageType
	}
	return envelope.Type, nil
}

// DecodeMessage decodes a frame payload into its typed message. Payloads
// with no recognized type are rejected rather than passed through.
func DecodeMessage(payload []byte) (Message, error) {
	msgType, err := DecodeMessageType(payload)
	if err != nil {
		return nil, err
	}

	switch msgType {
	case TypeAuthRequest:
		return decodeAs[AuthRequest](payload, msgType)
	case TypeAuthResponse:
		return decodeAs[AuthResponse](payload, msgType)
	case TypeUserList:
		return decodeAs[UserList](payload, msgType)
	case TypeUserJoined:
		return decodeAs[UserJoined](payload, msgType)
	case TypeUserLeft:
		return decodeAs[UserLeft](payload, msgType)
	case TypeChatMessage:
		return decodeAs[ChatMessage](payload, msgType)
	case TypeFileOffer:
		return decodeAs[FileOffer](payload, msgType)
	case TypeFileRequest:
		return decodeAs[FileRequest](payload, msgType)
	case TypeFileChunk:
		return decodeAs[FileChunk](payload, msgType)
	case TypeFileComplete:
		return decodeAs[FileComplete](payload, msgType)
	case TypeMediaStart:
		return decodeAs[MediaStart](payload, msgType)
	case TypeMediaStop:
		return decodeAs[MediaStop](payload, msgType)
	case TypeScreenFrame:
		return decodeAs[ScreenFrame](payload, msgType)
	case TypeLeaveSession:
		return decodeAs[LeaveSession](payload, msgType)
	case TypePing:
		return decodeAs[Ping](payload, msgType)
	case TypePong:
		return decodeAs[Pong](payload, msgType)
	case TypeError:
		return decodeAs[ErrorMessage](payload, msgType)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, msgType)
	}
}

func decodeAs[T Message](payload []byte, msgType string) (Message, error) {
	var message T
	if err := json.Unmarshal(payload, &message); err != nil {
		return nil, fmt.Errorf("decode %s message: %w", msgType, err)
	}
	return message, nil
}
