package transfer

import (
	"sync"
)

// State is the lifecycle phase of one transfer attempt.
type State string

const (
	StateOpen         State = "open"
	StateAccepted     State = "accepted"
	StateTransferring State = "transferring"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateDeclined     State = "declined"
	StateCancelled    State = "cancelled"
	StateTimedOut     State = "timed_out"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateDeclined, StateCancelled, StateTimedOut:
		return true
	default:
		return false
	}
}

var validTransitions = map[State][]State{
	StateOpen:         {StateAccepted, StateDeclined, StateCancelled, StateTimedOut},
	StateAccepted:     {StateTransferring, StateCancelled, StateFailed},
	StateTransferring: {StateCompleted, StateFailed},
}

func transitionAllowed(from, to State) bool {
	for _, candidate := range validTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// StateTracker holds the per-transfer state machine. Each transfer's state is
// independent; terminal states absorb all later signals.
type StateTracker struct {
	mu     sync.Mutex
	states map[string]State
}

// NewStateTracker creates an empty tracker.
func NewStateTracker() *StateTracker {
	return &StateTracker{
		states: make(map[string]State),
	}
}

// Begin records a new transfer in the open state. Fails when the ID is
// already tracked.
func (t *StateTracker) Begin(transferID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.states[transferID]; exists {
		return ErrAlreadyPending
	}
	t.states[transferID] = StateOpen
	return nil
}

// Advance moves a transfer to the next state. Returns false, with no state
// change, for unknown IDs, invalid transitions, and transfers already in a
// terminal state.
func (t *StateTracker) Advance(transferID string, next State) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	current, exists := t.states[transferID]
	if !exists || !transitionAllowed(current, next) {
		return false
	}
	t.states[transferID] = next
	return true
}

// State returns the tracked state for an ID.
func (t *StateTracker) State(transferID string) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, exists := t.states[transferID]
	return state, exists
}

// Forget drops a transfer from the tracker once its terminal state has been
// consumed.
func (t *StateTracker) Forget(transferID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, transferID)
}
