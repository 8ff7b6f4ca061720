package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestPacketRoundTrip(t *testing.T) {
	original := Packet{
		StreamID:  StreamID("alice", MediaAudio),
		SeqNum:    17,
		Timestamp: 1700000000000123,
		Payload:   []byte{0xde, 0xad, 0xbe, 0xef},
	}

	data, err := original.Pack()
	if err != nil {
		t.Fatalf("Pack failed: %v", err)
	}
	if len(data) != PacketHeaderSize+len(original.Payload) {
		t.Fatalf("unexpected packed length %d", len(data))
	}

	got, err := UnpackPacket(data)
	if err != nil {
		t.Fatalf("UnpackPacket failed: %v", err)
	}
	if got.StreamID != original.StreamID || got.SeqNum != original.SeqNum ||
		got.Timestamp != original.Timestamp || !bytes.Equal(got.Payload, original.Payload) {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestUnpackPacketRejectsShortDatagram(t *testing.T) {
	if _, err := UnpackPacket(make([]byte, PacketHeaderSize-1)); !errors.Is(err, ErrShortPacket) {
		t.Fatalf("expected ErrShortPacket, got %v", err)
	}
}

func TestUnpackPacketRejectsPayloadSizeMismatch(t *testing.T) {
	data, err := Packet{StreamID: 1, Payload: []byte("abc")}.Pack()
	if err != nil {
		t.Fatalf("Pack failed: %v", err)
	}

	if _, err := UnpackPacket(data[:len(data)-1]); !errors.Is(err, ErrPayloadSizeMismatch) {
		t.Fatalf("expected ErrPayloadSizeMismatch, got %v", err)
	}
}

func TestStreamIDDeterministicAndTagged(t *testing.T) {
	audio := StreamID("alice", MediaAudio)
	if audio != StreamID("alice", MediaAudio) {
		t.Fatalf("stream id is not deterministic")
	}

	video := StreamID("alice", MediaVideo)
	if audio == video {
		t.Fatalf("audio and video ids collide for the same user")
	}
	if audio&0xF != uint32(MediaAudio) || video&0xF != uint32(MediaVideo) {
		t.Fatalf("media tag not in low nibble: audio=%x video=%x", audio, video)
	}
	if StreamID("bob", MediaAudio) == audio {
		t.Fatalf("different users share a stream id")
	}
}

func TestHelloRoundTrip(t *testing.T) {
	hello := HelloPacket("alice")
	if hello.StreamID != 0 {
		t.Fatalf("hello stream id must be zero, got %d", hello.StreamID)
	}

	username, err := ParseHello(hello)
	if err != nil {
		t.Fatalf("ParseHello failed: %v", err)
	}
	if username != "alice" {
		t.Fatalf("unexpected username %q", username)
	}
}

func TestParseHelloRejectsMediaPackets(t *testing.T) {
	p := Packet{StreamID: StreamID("alice", MediaAudio), Payload: []byte("HELLO:alice")}
	if _, err := ParseHello(p); !errors.Is(err, ErrNotHello) {
		t.Fatalf("expected ErrNotHello, got %v", err)
	}

	if _, err := ParseHello(Packet{StreamID: 0, Payload: []byte("HI:alice")}); !errors.Is(err, ErrNotHello) {
		t.Fatalf("expected ErrNotHello for bad prefix, got %v", err)
	}
}
