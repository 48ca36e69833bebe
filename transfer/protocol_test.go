package transfer

import (
	"bytes"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"
)

func TestFrameRoundTrip(t *testing.T) {
	request := RequestTransfer{
		Type:       TypeRequestTransfer,
		ID:         "t1",
		SenderName: "Alice",
		FileName:   "photo.jpg",
		FileSize:   1000,
		FileCount:  1,
		TotalSize:  1000,
	}

	var buf bytes.Buffer
	if err := WriteMessage(&buf, request); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	payload, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}

	msgType, err := DecodeMessageType(payload)
	if err != nil {
		t.Fatalf("DecodeMessageType failed: %v", err)
	}
	if msgType != TypeRequestTransfer {
		t.Fatalf("expected type %q, got %q", TypeRequestTransfer, msgType)
	}

	var decoded RequestTransfer
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if decoded != request {
		t.Fatalf("round trip mismatch: %+v vs %+v", decoded, request)
	}
}

func TestWriteFrameRejectsOversizePayload(t *testing.T) {
	var buf bytes.Buffer
	payload := make([]byte, MaxFrameSize+1)

	if err := WriteFrame(&buf, payload); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadFrameRejectsOversizeHeader(t *testing.T) {
	raw := []byte{0xFF, 0xFF, 0xFF, 0xFF}

	if _, err := ReadFrame(bytes.NewReader(raw)); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestDecodeMessageTypeRequiresType(t *testing.T) {
	if _, err := DecodeMessageType([]byte(`{}`)); !errors.Is(err, ErrInvalidMessageType) {
		t.Fatalf("expected ErrInvalidMessageType, got %v", err)
	}
	if _, err := DecodeMessageType([]byte(`not json`)); err == nil {
		t.Fatalf("expected error for malformed payload")
	}
}

func TestReadFrameWithTimeoutExpires(t *testing.T) {
	server, client := net.Pipe()
	defer func() {
		_ = server.Close()
		_ = client.Close()
	}()

	_, err := ReadFrameWithTimeout(client, 30*time.Millisecond)
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("expected timeout error, got %v", err)
	}
}
