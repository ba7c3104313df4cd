package agentpay

import (
	"fmt"
	"time"
)

// Phase is one step of the payment protocol state machine.
type Phase string

const (
	PhaseIntent        Phase = "intent"
	PhaseAuthorization Phase = "authorization"
	PhaseSettlement    Phase = "settlement"
	PhaseDelivery      Phase = "delivery"
)

var phaseOrder = []Phase{PhaseIntent, PhaseAuthorization, PhaseSettlement, PhaseDelivery}

// PhaseStatus is the state of a single phase. Transitions are monotonic:
// pending may become complete or failed, and terminal states never change.
type PhaseStatus string

const (
	PhasePending  PhaseStatus = "pending"
	PhaseComplete PhaseStatus = "complete"
	PhaseFailed   PhaseStatus = "failed"
)

// PhaseRecord is one entry of a call receipt's phase log.
type PhaseRecord struct {
	Phase     Phase       `json:"phase"`
	Status    PhaseStatus `json:"status"`
	Timestamp time.Time   `json:"timestamp,omitempty"`
	TxHash    string      `json:"txHash,omitempty"`
	Error     string      `json:"error,omitempty"`

	started bool
}

// CallReceipt is the client-side ordered phase log of one tool call:
// intent, authorization, settlement, delivery. It enforces that no phase
// completes out of order and that terminal statuses are final.
type CallReceipt struct {
	Tool    string    `json:"tool"`
	Started time.Time `json:"started"`

	phases []PhaseRecord
}

// NewCallReceipt creates a receipt with all four phases pending.
func NewCallReceipt(tool string) *CallReceipt {
	phases := make([]PhaseRecord, len(phaseOrder))
	for i, p := range phaseOrder {
		phases[i] = PhaseRecord{Phase: p, Status: PhasePending}
	}
	return &CallReceipt{Tool: tool, Started: time.Now(), phases: phases}
}

func (r *CallReceipt) index(phase Phase) (int, error) {
	for i, p := range phaseOrder {
		if p == phase {
			return i, nil
		}
	}
	return -1, fmt.Errorf("unknown phase %q", phase)
}

// Begin marks a phase as started. Every earlier phase must already be
// complete; a terminal phase cannot restart.
func (r *CallReceipt) Begin(phase Phase) error {
	i, err := r.index(phase)
	if err != nil {
		return err
	}
	if r.phases[i].Status != PhasePending {
		return fmt.Errorf("phase %s already %s", phase, r.phases[i].Status)
	}
	for j := 0; j < i; j++ {
		if r.phases[j].Status != PhaseComplete {
			return fmt.Errorf("cannot start %s: phase %s is %s", phase, r.phases[j].Phase, r.phases[j].Status)
		}
	}
	r.phases[i].started = true
	r.phases[i].Timestamp = time.Now()
	return nil
}

// Complete marks a started phase as complete, optionally recording the
// transaction that settled it.
func (r *CallReceipt) Complete(phase Phase, txHash string) error {
	i, err := r.index(phase)
	if err != nil {
		return err
	}
	if !r.phases[i].started {
		return fmt.Errorf("phase %s has not started", phase)
	}
	if r.phases[i].Status != PhasePending {
		return fmt.Errorf("phase %s already %s", phase, r.phases[i].Status)
	}
	r.phases[i].Status = PhaseComplete
	r.phases[i].Timestamp = time.Now()
	r.phases[i].TxHash = txHash
	return nil
}

// Fail marks a phase as failed. The state machine never advances past a
// failed phase.
func (r *CallReceipt) Fail(phase Phase, cause error) error {
	i, err := r.index(phase)
	if err != nil {
		return err
	}
	if r.phases[i].Status != PhasePending {
		return fmt.Errorf("phase %s already %s", phase, r.phases[i].Status)
	}
	r.phases[i].Status = PhaseFailed
	r.phases[i].Timestamp = time.Now()
	if cause != nil {
		r.phases[i].Error = cause.Error()
	}
	return nil
}

// Phases returns a snapshot of the phase log.
func (r *CallReceipt) Phases() []PhaseRecord {
	out := make([]PhaseRecord, len(r.phases))
	copy(out, r.phases)
	return out
}

// Succeeded reports whether every phase completed.
func (r *CallReceipt) Succeeded() bool {
	for _, p := range r.phases {
		if p.Status != PhaseComplete {
			return false
		}
	}
	return true
}

// FailedPhase returns the phase that failed, if any.
func (r *CallReceipt) FailedPhase() (Phase, bool) {
	for _, p := range r.phases {
		if p.Status == PhaseFailed {
			return p.Phase, true
		}
	}
	return "", false
}
