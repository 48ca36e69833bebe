package transfer

import (
	"errors"
	"fmt"
)

var (
	// ErrDecisionTimeout indicates no accept/decline decision arrived within
	// the decision window. Distinct from an explicit decline.
	ErrDecisionTimeout = errors.New("transfer: no decision within timeout")
	// ErrDeclined indicates the receiver explicitly declined the transfer.
	ErrDeclined = errors.New("transfer: declined by receiver")
	// ErrAlreadyPending indicates a decision is already outstanding for the
	// transfer ID.
	ErrAlreadyPending = errors.New("transfer: decision already pending for transfer")
	// ErrFrameTooLarge indicates a control frame exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("transfer: frame exceeds max size")
	// ErrInvalidMessageType indicates the message type is missing or unknown.
	ErrInvalidMessageType = errors.New("transfer: invalid message type")
)

// TrustError reports a certificate fingerprint mismatch. The connection is
// aborted before any application data is exchanged and the transfer is never
// retried automatically.
type TrustError struct {
	PeerName string
	Expected string
	Got      string
}

func (e *TrustError) Error() string {
	return fmt.Sprintf("transfer: fingerprint mismatch for %q: expected %s, got %s", e.PeerName, e.Expected, e.Got)
}

// IOError reports a read/write failure mid-stream. Partial output is left in
// place and the transfer is not retried automatically.
type IOError struct {
	TransferID string
	Filename   string
	Err        error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("transfer %s: stream %q failed: %v", e.TransferID, e.Filename, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}
