package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
)

const (
	// PacketHeaderSize is the fixed UDP media header length:
	// stream_id(4) seq_num(4) timestamp(8) payload_size(4), big-endian.
	PacketHeaderSize = 20
	// MaxPacketPayload keeps relayed packets under the common LAN MTU.
	MaxPacketPayload = 1400

	// helloPrefix marks an address-learning packet payload.
	helloPrefix = "HELLO:"
)

// MediaType tags a stream identity as audio or video.
type MediaType uint32

const (
	MediaAudio MediaType = 0x1
	MediaVideo MediaType = 0x2
)

var (
	// ErrShortPacket indicates a datagram shorter than the fixed header.
	ErrShortPacket = errors.New("protocol: packet shorter than header")
	// ErrPayloadSizeMismatch indicates the header's payload_size does not
	// match the remaining datagram length.
	ErrPayloadSizeMismatch = errors.New("protocol: payload size mismatch")
	// ErrPayloadTooLarge indicates a payload above MaxPacketPayload.
	ErrPayloadTooLarge = errors.New("protocol: packet payload too large")
	// ErrNotHello indicates the packet is not an address-learning hello.
	ErrNotHello = errors.New("protocol: not a hello packet")
)

// Packet is one decoded UDP media packet. The payload is opaque to the
// relay; it is forwarded byte-for-byte inside the original datagram.
type Packet struct {
	StreamID  uint32
	SeqNum    uint32
	Timestamp uint64 // microseconds since epoch
	Payload   []byte
}

// Pack serializes the packet into header + payload.
func (p Packet) Pack() ([]byte, error) {
	if len(p.Payload) > MaxPacketPayload {
		return nil, ErrPayloadTooLarge
	}

	buf := make([]byte, PacketHeaderSize+len(p.Payload))
	binary.BigEndian.PutUint32(buf[0:4], p.StreamID)
	binary.BigEndian.PutUint32(buf[4:8], p.SeqNum)
	binary.BigEndian.PutUint64(buf[8:16], p.Timestamp)
	binary.BigEndian.PutUint32(buf[16:20], uint32(len(p.Payload)))
	copy(buf[PacketHeaderSize:], p.Payload)
	return buf, nil
}

// UnpackPacket parses one datagram. Malformed datagrams return an error;
// the relay drops them without closing anything.
func UnpackPacket(data []byte) (Packet, error) {
	if len(data) < PacketHeaderSize {
		return Packet{}, ErrShortPacket
	}

	payloadSize := binary.BigEndian.Uint32(data[16:20])
	if int(payloadSize) != len(data)-PacketHeaderSize {
		return Packet{}, fmt.Errorf("%w: header says %d, datagram carries %d",
			ErrPayloadSizeMismatch, payloadSize, len(data)-PacketHeaderSize)
	}

	return Packet{
		StreamID:  binary.BigEndian.Uint32(data[0:4]),
		SeqNum:    binary.BigEndian.Uint32(data[4:8]),
		Timestamp: binary.BigEndian.Uint64(data[8:16]),
		Payload:   data[PacketHeaderSize:],
	}, nil
}

// StreamID derives the 32-bit stream identity for a (username, media type)
// pair. The derivation is deterministic so the relay can identify a sender
// without a per-packet handshake: a truncated FNV-1a hash of the username
// shifted left four bits, with the media type in the low nibble.
func StreamID(username string, media MediaType) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(username))
	return ((h.Sum32() & 0x07FFFFFF) << 4) | uint32(media)
}

// HelloPacket builds the address-learning packet a client sends before any
// media. Stream id zero is reserved for it.
func HelloPacket(username string) Packet {
	return Packet{
		StreamID: 0,
		Payload:  []byte(helloPrefix + username),
	}
}

// ParseHello extracts the username from a stream-id-zero hello payload.
func ParseHello(p Packet) (string, error) {
	if p.StreamID != 0 {
		return "", ErrNotHello
	}
	payload := string(p.Payload)
	if !strings.HasPrefix(payload, helloPrefix) {
		return "", fmt.Errorf("%w: bad payload %q", ErrNotHello, payload)
	}
	username := payload[len(helloPrefix):]
	if username == "" {
		return "", fmt.Errorf("%w: empty username", ErrNotHello)
	}
	return username, nil
}
