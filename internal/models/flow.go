package models

import (
	"time"

	"github.com/google/uuid"
)

// FlowKind selects one of the two payout flows.
type FlowKind string

const (
	FlowEnroll  FlowKind = "enroll"
	FlowRollout FlowKind = "rollout"
)

func (k FlowKind) Valid() bool {
	return k == FlowEnroll || k == FlowRollout
}

// FlowState is the single source of truth for where a payout run stands.
// The dashboard's scattered loading/dialog booleans are collapsed into
// this enum so invalid combinations cannot be expressed.
type FlowState string

const (
	// StateIdle: no run open.
	StateIdle FlowState = "idle"
	// StateBlocked: an unresolved upstream payout session exists (or the
	// guard check itself failed). Hard stop; only a reset leaves it.
	StateBlocked FlowState = "blocked"
	// StateReady: guard passed, preview not yet fetched.
	StateReady FlowState = "ready"
	// StateConfirming: a preview snapshot is held for operator review.
	StateConfirming FlowState = "confirming"
	// StateAwaitingOTP: step-up challenge issued and delivered out of band.
	StateAwaitingOTP FlowState = "awaiting_otp"
	// StateVerifying: one OTP submission is in flight.
	StateVerifying FlowState = "verifying"
	// StateCommitting: the irreversible payout call is in flight.
	StateCommitting FlowState = "committing"
	// StateDone: commit acknowledged by upstream.
	StateDone FlowState = "done"
	// StateFailed: commit rejected or transport failed; monetary state is
	// unchanged from the operator's perspective and the flow must be
	// re-entered through the guard.
	StateFailed FlowState = "failed"
)

// Terminal reports whether a run in this state can only be reset.
func (s FlowState) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateBlocked
}

// FlowSnapshot is the read model served to the dashboard.
type FlowSnapshot struct {
	RunID          uuid.UUID       `json:"run_id,omitempty"`
	Kind           FlowKind        `json:"kind"`
	State          FlowState       `json:"state"`
	Session        *PayoutSession  `json:"session,omitempty"`
	EnrollPreview  *EnrollPreview  `json:"enroll_preview,omitempty"`
	RolloutSummary *RolloutSummary `json:"rollout_summary,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	LastMessage    string          `json:"last_message,omitempty"`
	OpenedAt       time.Time       `json:"opened_at,omitempty"`
}

// OTPChallenge tracks the lifecycle of one step-up challenge. The code
// itself is never stored, logged or echoed; only issuance and consumption
// are recorded.
type OTPChallenge struct {
	ID        uuid.UUID `json:"id"`
	RunID     uuid.UUID `json:"run_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Consumed  bool      `json:"consumed"`
}

// Expired reports whether the local defensive TTL has elapsed.
func (c *OTPChallenge) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// AuditRun is the journal record of one payout flow run.
type AuditRun struct {
	ID       uuid.UUID  `json:"id"`
	Kind     FlowKind   `json:"kind"`
	State    FlowState  `json:"state"`
	OpenedAt time.Time  `json:"opened_at"`
	ClosedAt *time.Time `json:"closed_at,omitempty"`
	Detail   string     `json:"detail,omitempty"`
}

// AuditTransition is one recorded state change within a run.
type AuditTransition struct {
	RunID      uuid.UUID `json:"run_id"`
	FromState  FlowState `json:"from_state"`
	ToState    FlowState `json:"to_state"`
	Detail     string    `json:"detail,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// CommitAttempt is the journal record of one irreversible payout call.
type CommitAttempt struct {
	RunID          uuid.UUID `json:"run_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	Outcome        string    `json:"outcome"` // succeeded | rejected | errored
	Message        string    `json:"message,omitempty"`
	RecordedAt     time.Time `json:"recorded_at"`
}
