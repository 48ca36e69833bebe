package transfer

// StatusPhase classifies a transfer status event.
type StatusPhase string

const (
	// PhaseProgress carries a percentage update.
	PhaseProgress StatusPhase = "progress"
	// PhaseCompleted carries the saved path (receiving side) or final
	// confirmation (sending side).
	PhaseCompleted StatusPhase = "completed"
	// PhaseError carries a failure message.
	PhaseError StatusPhase = "error"
	// PhaseDenied reports an explicit decline by the receiver.
	PhaseDenied StatusPhase = "denied"
	// PhaseTimedOut reports that no decision arrived within the window.
	PhaseTimedOut StatusPhase = "timed_out"
)

// IndeterminateProgress is reported when no total size was declared, so no
// percentage is computable.
const IndeterminateProgress = -1

// Status is an ephemeral per-transfer event consumed by the caller; it is
// not persisted.
type Status struct {
	TransferID string
	Phase      StatusPhase
	// Percentage is 0-100 for progress events, or IndeterminateProgress.
	Percentage int
	SavedPath  string
	Message    string
}

// Incoming event types emitted by the listener's approval surface.
const (
	// IncomingRequested signals a new transfer request awaiting a decision.
	IncomingRequested = "incoming_requested"
	// IncomingWithdrawn signals the request was cancelled or its connection
	// dropped before a decision was made.
	IncomingWithdrawn = "incoming_withdrawn"
)

// IncomingEvent notifies the approval surface about inbound transfer
// requests and their withdrawal.
type IncomingEvent struct {
	Type       string
	Request    RequestTransfer
	RemoteAddr string
}
