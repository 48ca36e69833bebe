// Package transfer implements the file transfer protocol: a TLS control
// channel carrying length-prefixed JSON messages, an HTTPS upload channel for
// file bytes, and the pending-decision bookkeeping that correlates a transfer
// request with its eventual accept/decline outcome.
package transfer

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	// MaxFrameSize is the maximum accepted control frame payload size.
	MaxFrameSize = 1 * 1024 * 1024
	// DefaultDecisionTimeout bounds the wait for an accept/decline decision.
	DefaultDecisionTimeout = 30 * time.Second
	// DefaultDialTimeout bounds TCP dial plus TLS handshake duration.
	DefaultDialTimeout = 10 * time.Second
	// DefaultFrameReadTimeout bounds each control frame read on the listener.
	DefaultFrameReadTimeout = 60 * time.Second
)

// Control message types.
const (
	TypeRequestTransfer  = "request-transfer"
	TypeTransferDecision = "transfer-decision"
	TypeCancelTransfer   = "cancel-transfer"
)

// Envelope identifies the control message type.
type Envelope struct {
	Type string `json:"type"`
}

// RequestTransfer asks the receiving host to accept a set of files.
// Immutable once sent; all later events correlate by ID.
type RequestTransfer struct {
	Type       string `json:"type"`
	ID         string `json:"id"`
	SenderName string `json:"sender_name"`
	FileName   string `json:"file_name"`
	FileSize   int64  `json:"file_size"`
	FileType   string `json:"file_type"`
	FileCount  int    `json:"file_count"`
	TotalSize  int64  `json:"total_size"`
}

// TransferDecision carries the receiver's accept/decline outcome. When
// allowed, UploadPort names the HTTPS endpoint accepting the file bytes.
type TransferDecision struct {
	Type       string `json:"type"`
	ID         string `json:"id"`
	Allowed    bool   `json:"allowed"`
	UploadPort int    `json:"upload_port,omitempty"`
}

// CancelTransfer withdraws a transfer request before a decision is made.
type CancelTransfer struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// EncodeJSON marshals a control message for framing.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return payload, nil
}

// DecodeMessageType extracts the type field from a raw control payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode message envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

// WriteFrame writes one length-prefixed payload.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}

	return nil
}

// ReadFrame reads one length-prefixed payload.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

// ReadFrameWithTimeout reads one frame under a read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}
	defer func() {
		_ = conn.SetReadDeadline(time.Time{})
	}()

	return ReadFrame(conn)
}

// WriteMessage encodes and frames one control message.
func WriteMessage(w io.Writer, message any) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}
