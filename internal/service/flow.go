package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/digitalbillionaire/payrollops/internal/models"
)

// Flow is one payout flow's state machine. Every transition happens
// under the mutex, but the mutex is never held across an upstream call:
// verify and commit park the flow in their explicit in-flight state,
// the guard, preview and OTP-send calls park behind the fetching flag.
// Either way a second operator action is refused instead of queued, and
// status or ledger reads never stall behind an outstanding request.
type Flow struct {
	kind   models.FlowKind
	stepUp bool
	svc    *Service
	now    func() time.Time

	mu             sync.Mutex
	runID          uuid.UUID
	state          models.FlowState
	openedAt       time.Time
	session        *models.PayoutSession
	enrollPreview  *models.EnrollPreview
	rolloutSummary *models.RolloutSummary
	challenge      *models.OTPChallenge
	idempotencyKey string
	lastErr        string
	lastMsg        string
	fetching       bool
}

func newFlow(kind models.FlowKind, stepUp bool, svc *Service) *Flow {
	return &Flow{
		kind:   kind,
		stepUp: stepUp,
		svc:    svc,
		now:    time.Now,
		state:  models.StateIdle,
	}
}

// Open runs the session guard and opens a fresh run. An existing open
// session, or a failure of the guard check itself, leaves the flow
// blocked: monetary stakes make failing open indefensible.
func (f *Flow) Open(ctx context.Context) error {
	f.mu.Lock()

	switch f.state {
	case models.StateVerifying:
		f.mu.Unlock()
		return ErrVerifyInFlight
	case models.StateCommitting:
		f.mu.Unlock()
		return ErrCommitInFlight
	}
	if f.fetching {
		f.mu.Unlock()
		return ErrRequestInFlight
	}

	// a challenge left over from an abandoned run can never gate a
	// commit in the new one
	if f.challenge != nil && !f.challenge.Consumed {
		f.consumeChallengeLocked(ctx, "superseded")
	}
	f.resetLocked()
	f.runID = uuid.New()
	f.openedAt = f.now()
	f.fetching = true
	f.mu.Unlock()

	session, err := f.svc.up.InprocessSession(ctx)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetching = false

	if err != nil {
		f.state = models.StateBlocked
		f.lastErr = fmt.Sprintf("session check failed: %v", err)
		guardBlocksTotal.Inc()
		f.recordRunLocked(ctx, "guard check failed")
		return fmt.Errorf("%w: %v", ErrFlowBlocked, err)
	}
	if session != nil {
		f.state = models.StateBlocked
		f.session = session
		f.lastErr = "an open transaction session exists; clear it before initiating a payout"
		guardBlocksTotal.Inc()
		f.recordRunLocked(ctx, "open session "+session.Filename)
		return ErrFlowBlocked
	}

	f.state = models.StateReady
	f.recordRunLocked(ctx, "")
	return nil
}

// Preview fetches the immutable review snapshot. A zero pending amount
// short-circuits with ErrNothingToProcess and the confirmation step is
// never entered.
func (f *Flow) Preview(ctx context.Context) error {
	f.mu.Lock()

	if f.fetching {
		f.mu.Unlock()
		return ErrRequestInFlight
	}
	if f.state != models.StateReady && f.state != models.StateConfirming {
		err := f.invalidStateLocked()
		f.mu.Unlock()
		return err
	}
	f.fetching = true
	f.mu.Unlock()

	if f.kind == models.FlowEnroll {
		preview, err := f.svc.up.EnrollPreview(ctx)
		f.mu.Lock()
		defer f.mu.Unlock()
		f.fetching = false
		if err != nil {
			f.lastErr = fmt.Sprintf("failed to fetch preview: %v", err)
			return err
		}
		if preview.TotalPendingAmount <= 0 {
			f.lastMsg = "No pending payroll to process this week."
			return ErrNothingToProcess
		}
		f.enrollPreview = preview
	} else {
		summary, err := f.svc.up.RolloutSummary(ctx)
		f.mu.Lock()
		defer f.mu.Unlock()
		f.fetching = false
		if err != nil {
			f.lastErr = fmt.Sprintf("failed to fetch payroll summary: %v", err)
			return err
		}
		if summary.TotalAmount <= 0 {
			f.lastMsg = "No pending payroll to process this week."
			return ErrNothingToProcess
		}
		f.rolloutSummary = summary
	}

	// One idempotency key per confirmed snapshot: a retried commit for
	// this same review can never settle twice.
	f.idempotencyKey = uuid.NewString()
	f.lastErr = ""
	f.lastMsg = ""
	f.transitionLocked(ctx, models.StateConfirming, "preview fetched")
	return nil
}

// Confirm advances past operator review. With step-up configured it
// requests the OTP and opens the verification step; without it the
// commit runs directly.
func (f *Flow) Confirm(ctx context.Context) error {
	f.mu.Lock()

	if f.fetching {
		f.mu.Unlock()
		return ErrRequestInFlight
	}
	switch f.state {
	case models.StateCommitting:
		f.mu.Unlock()
		return ErrCommitInFlight
	case models.StateVerifying:
		f.mu.Unlock()
		return ErrVerifyInFlight
	case models.StateConfirming:
	default:
		err := f.invalidStateLocked()
		f.mu.Unlock()
		return err
	}

	if !f.stepUp {
		return f.commitLocked(ctx)
	}

	f.fetching = true
	f.mu.Unlock()

	ack, err := f.svc.up.SendPayoutOTP(ctx)

	f.mu.Lock()
	f.fetching = false
	if err != nil {
		f.lastErr = fmt.Sprintf("failed to send OTP: %v", err)
		f.mu.Unlock()
		return err
	}
	if !ack.Success {
		f.lastErr = ack.Message
		f.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrOTPSendRejected, ack.Message)
	}

	ch := &models.OTPChallenge{
		ID:        uuid.New(),
		RunID:     f.runID,
		IssuedAt:  f.now(),
		ExpiresAt: f.now().Add(f.svc.opts.OTPChallengeTTL),
	}
	f.challenge = ch
	f.lastErr = ""
	f.lastMsg = "OTP sent to admin email"
	journalSafe("challenge issued", func() error {
		return f.svc.journal.ChallengeIssued(ctx, *ch)
	})
	f.transitionLocked(ctx, models.StateAwaitingOTP, "otp requested")
	f.mu.Unlock()
	return nil
}

// VerifyOTP submits exactly one verification attempt. A rejection keeps
// the flow on the OTP step without touching the commit; a success chains
// straight into the commit with no window for a second submission.
func (f *Flow) VerifyOTP(ctx context.Context, code string) error {
	f.mu.Lock()

	switch f.state {
	case models.StateVerifying:
		f.mu.Unlock()
		return ErrVerifyInFlight
	case models.StateCommitting:
		f.mu.Unlock()
		return ErrCommitInFlight
	case models.StateAwaitingOTP:
	default:
		err := f.invalidStateLocked()
		f.mu.Unlock()
		return err
	}
	if f.challenge == nil {
		f.mu.Unlock()
		return ErrNoChallenge
	}
	if f.challenge.Expired(f.now()) {
		f.consumeChallengeLocked(ctx, "expired")
		f.lastErr = "OTP challenge expired; request a new code"
		f.transitionLocked(ctx, models.StateConfirming, "challenge expired")
		f.mu.Unlock()
		return ErrChallengeExpired
	}

	f.transitionLocked(ctx, models.StateVerifying, "otp submitted")
	f.mu.Unlock()

	ack, err := f.svc.up.VerifyPayoutOTP(ctx, code)

	f.mu.Lock()
	if err != nil {
		otpVerificationsTotal.WithLabelValues("error").Inc()
		f.lastErr = fmt.Sprintf("OTP verification error: %v", err)
		f.transitionLocked(ctx, models.StateAwaitingOTP, "verification errored")
		f.mu.Unlock()
		return err
	}
	if !ack.Success {
		otpVerificationsTotal.WithLabelValues("rejected").Inc()
		f.lastErr = ack.Message
		f.transitionLocked(ctx, models.StateAwaitingOTP, "verification rejected")
		f.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrOTPRejected, ack.Message)
	}

	otpVerificationsTotal.WithLabelValues("verified").Inc()
	f.consumeChallengeLocked(ctx, "verified")
	return f.commitLocked(ctx)
}

// Cancel abandons the current run. It refuses while an irreversible call
// is in flight, and consumes any open challenge so it can never gate a
// later commit.
func (f *Flow) Cancel(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fetching {
		return ErrRequestInFlight
	}
	switch f.state {
	case models.StateVerifying:
		return ErrVerifyInFlight
	case models.StateCommitting:
		return ErrCommitInFlight
	case models.StateIdle:
		return nil
	}

	if f.challenge != nil && !f.challenge.Consumed {
		f.consumeChallengeLocked(ctx, "cancelled")
	}
	f.transitionLocked(ctx, models.StateIdle, "cancelled by operator")
	f.resetLocked()
	return nil
}

// State returns the current state without the rest of the snapshot.
func (f *Flow) State() models.FlowState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Snapshot returns the dashboard read model.
func (f *Flow) Snapshot() models.FlowSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()

	snap := models.FlowSnapshot{
		Kind:        f.kind,
		State:       f.state,
		LastError:   f.lastErr,
		LastMessage: f.lastMsg,
		OpenedAt:    f.openedAt,
	}
	if f.runID != uuid.Nil {
		snap.RunID = f.runID
	}
	if f.session != nil {
		sess := *f.session
		snap.Session = &sess
	}
	if f.enrollPreview != nil {
		p := *f.enrollPreview
		snap.EnrollPreview = &p
	}
	if f.rolloutSummary != nil {
		sum := *f.rolloutSummary
		snap.RolloutSummary = &sum
	}
	return snap
}

// commitLocked performs the irreversible payout call. The caller holds
// the mutex; it is released for the duration of the network call with
// the flow parked in StateCommitting, then reacquired to finalize.
func (f *Flow) commitLocked(ctx context.Context) error {
	key := f.idempotencyKey
	f.transitionLocked(ctx, models.StateCommitting, "commit started")
	f.mu.Unlock()

	var ack *models.Ack
	var err error
	if f.kind == models.FlowEnroll {
		ack, err = f.svc.up.CommitEnroll(ctx, key)
	} else {
		ack, err = f.svc.up.CommitRollout(ctx, key)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	attempt := models.CommitAttempt{
		RunID:          f.runID,
		IdempotencyKey: key,
		RecordedAt:     f.now(),
	}

	if err != nil {
		attempt.Outcome = "errored"
		attempt.Message = err.Error()
		commitsTotal.WithLabelValues(string(f.kind), "errored").Inc()
		f.lastErr = fmt.Sprintf("payout commit error: %v", err)
		f.transitionLocked(ctx, models.StateFailed, "commit errored")
		journalSafe("commit recorded", func() error { return f.svc.journal.CommitRecorded(ctx, attempt) })
		f.svc.notifyOutcome(f.kind, false, f.lastErr)
		return err
	}
	if !ack.Success {
		attempt.Outcome = "rejected"
		attempt.Message = ack.Message
		commitsTotal.WithLabelValues(string(f.kind), "rejected").Inc()
		f.lastErr = ack.Message
		f.transitionLocked(ctx, models.StateFailed, "commit rejected")
		journalSafe("commit recorded", func() error { return f.svc.journal.CommitRecorded(ctx, attempt) })
		f.svc.notifyOutcome(f.kind, false, ack.Message)
		return fmt.Errorf("%w: %s", ErrCommitRejected, ack.Message)
	}

	attempt.Outcome = "succeeded"
	attempt.Message = ack.Message
	commitsTotal.WithLabelValues(string(f.kind), "succeeded").Inc()
	f.lastErr = ""
	f.lastMsg = ack.Message
	if f.lastMsg == "" {
		f.lastMsg = "Processed successfully"
	}
	f.transitionLocked(ctx, models.StateDone, "commit acknowledged")
	journalSafe("commit recorded", func() error { return f.svc.journal.CommitRecorded(ctx, attempt) })
	if f.kind == models.FlowRollout {
		// every cached payout_status is stale now
		f.svc.poller.Invalidate()
	}
	f.svc.notifyOutcome(f.kind, true, f.lastMsg)
	return nil
}

func (f *Flow) consumeChallengeLocked(ctx context.Context, reason string) {
	if f.challenge == nil {
		return
	}
	f.challenge.Consumed = true
	ch := *f.challenge
	journalSafe("challenge consumed", func() error {
		return f.svc.journal.ChallengeConsumed(ctx, ch, reason)
	})
}

func (f *Flow) invalidStateLocked() error {
	return fmt.Errorf("%w (state %s)", ErrInvalidState, f.state)
}

func (f *Flow) transitionLocked(ctx context.Context, to models.FlowState, detail string) {
	from := f.state
	f.state = to
	journalSafe("transition", func() error {
		return f.svc.journal.Transition(ctx, models.AuditTransition{
			RunID:      f.runID,
			FromState:  from,
			ToState:    to,
			Detail:     detail,
			RecordedAt: f.now(),
		})
	})
}

func (f *Flow) recordRunLocked(ctx context.Context, detail string) {
	journalSafe("run opened", func() error {
		return f.svc.journal.RunOpened(ctx, models.AuditRun{
			ID:       f.runID,
			Kind:     f.kind,
			State:    f.state,
			OpenedAt: f.openedAt,
			Detail:   detail,
		})
	})
}

func (f *Flow) resetLocked() {
	f.runID = uuid.Nil
	f.state = models.StateIdle
	f.openedAt = time.Time{}
	f.session = nil
	f.enrollPreview = nil
	f.rolloutSummary = nil
	f.challenge = nil
	f.idempotencyKey = ""
	f.lastErr = ""
	f.lastMsg = ""
}
