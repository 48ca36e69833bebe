package transfer

import (
	"sync"
)

// Outcome is the terminal result of a pending decision.
type Outcome int

const (
	// OutcomeAllowed means the receiver accepted the transfer.
	OutcomeAllowed Outcome = iota
	// OutcomeDenied means the receiver explicitly declined.
	OutcomeDenied
	// OutcomeWithdrawn means the request was cancelled by the sender or the
	// connection dropped before a decision was made.
	OutcomeWithdrawn
)

// PendingDecision is the outstanding approval state for one transfer
// request. It is resolved exactly once; the outcome channel is buffered so
// resolution never blocks.
type PendingDecision struct {
	Request RequestTransfer

	outcome chan Outcome
}

// Outcome delivers the single terminal outcome.
func (p *PendingDecision) Outcome() <-chan Outcome {
	return p.outcome
}

// DecisionRegistry correlates transfer requests with their eventual
// accept/decline decisions. At most one PendingDecision exists per transfer
// ID; resolution and withdrawal remove the entry under lock before signaling,
// so a second signal for the same ID is a no-op rather than an error.
type DecisionRegistry struct {
	mu      sync.Mutex
	pending map[string]*PendingDecision
}

// NewDecisionRegistry creates an empty registry.
func NewDecisionRegistry() *DecisionRegistry {
	return &DecisionRegistry{
		pending: make(map[string]*PendingDecision),
	}
}

// Register creates the PendingDecision for a request. Registering an ID that
// is already pending fails with ErrAlreadyPending.
func (r *DecisionRegistry) Register(request RequestTransfer) (*PendingDecision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.pending[request.ID]; exists {
		return nil, ErrAlreadyPending
	}

	decision := &PendingDecision{
		Request: request,
		outcome: make(chan Outcome, 1),
	}
	r.pending[request.ID] = decision
	return decision, nil
}

// Resolve delivers an accept/decline outcome. Returns false without effect
// when no decision is pending for the ID (already resolved, withdrawn, or
// unknown).
func (r *DecisionRegistry) Resolve(transferID string, allowed bool) bool {
	r.mu.Lock()
	decision, exists := r.pending[transferID]
	if exists {
		delete(r.pending, transferID)
	}
	r.mu.Unlock()

	if !exists {
		return false
	}

	if allowed {
		decision.outcome <- OutcomeAllowed
	} else {
		decision.outcome <- OutcomeDenied
	}
	return true
}

// Withdraw discards a pending decision after a cancel or disconnect. Returns
// the discarded decision, or false when none is pending.
func (r *DecisionRegistry) Withdraw(transferID string) (*PendingDecision, bool) {
	r.mu.Lock()
	decision, exists := r.pending[transferID]
	if exists {
		delete(r.pending, transferID)
	}
	r.mu.Unlock()

	if !exists {
		return nil, false
	}

	decision.outcome <- OutcomeWithdrawn
	return decision, true
}

// Pending reports whether a decision is outstanding for the ID.
func (r *DecisionRegistry) Pending(transferID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.pending[transferID]
	return exists
}

// Len returns the number of outstanding decisions.
func (r *DecisionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
