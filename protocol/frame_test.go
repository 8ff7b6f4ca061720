package protocol

import (
	"bytes"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"type":"ping","username":"alice"}`)

	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, payload); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	got, err := ReadFrame(&buffer)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: %q", got)
	}
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	payload := make([]byte, MaxFrameSize+1)
	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, payload); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadFrameFailsOnTruncatedPayload(t *testing.T) {
	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, []byte(`{"type":"pong"}`)); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	truncated := buffer.Bytes()[:buffer.Len()-3]
	if _, err := ReadFrame(bytes.NewReader(truncated)); err == nil {
		t.Fatalf("expected error for truncated payload")
	}
}

func TestReadFrameFailsOnShortLengthPrefix(t *testing.T) {
	if _, err := ReadFrame(bytes.NewReader([]byte{0x00, 0x01})); err == nil {
		t.Fatalf("expected error for short length prefix")
	}
}

func TestEmptyFrameRoundTrip(t *testing.T) {
	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, nil); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	got, err := ReadFrame(&buffer)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty payload, got %d bytes", len(got))
	}
}
