package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digitalbillionaire/payrollops/internal/models"
)

// fakeUpstream records every call in order and lets individual endpoints
// be overridden per test.
type fakeUpstream struct {
	mu    sync.Mutex
	calls []string

	sessionFn       func(ctx context.Context) (*models.PayoutSession, error)
	enrollPreviewFn func(ctx context.Context) (*models.EnrollPreview, error)
	summaryFn       func(ctx context.Context) (*models.RolloutSummary, error)
	enrollLedgerFn  func(ctx context.Context, q models.LedgerQuery) (*models.EnrollLedgerPage, error)
	rolloutLedgerFn func(ctx context.Context, q models.LedgerQuery) (*models.RolloutLedgerPage, error)
	statsFn         func(ctx context.Context) (*models.RolloutStats, error)
	sendOTPFn       func(ctx context.Context) (*models.Ack, error)
	verifyOTPFn     func(ctx context.Context, code string) (*models.Ack, error)
	commitEnrollFn  func(ctx context.Context, key string) (*models.Ack, error)
	commitRolloutFn func(ctx context.Context, key string) (*models.Ack, error)
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{}
}

func (f *fakeUpstream) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeUpstream) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeUpstream) countCalls(name string) int {
	n := 0
	for _, c := range f.callLog() {
		if c == name {
			n++
		}
	}
	return n
}

func (f *fakeUpstream) InprocessSession(ctx context.Context) (*models.PayoutSession, error) {
	f.record("session")
	if f.sessionFn != nil {
		return f.sessionFn(ctx)
	}
	return nil, nil
}

func (f *fakeUpstream) EnrollPreview(ctx context.Context) (*models.EnrollPreview, error) {
	f.record("enroll_preview")
	if f.enrollPreviewFn != nil {
		return f.enrollPreviewFn(ctx)
	}
	return &models.EnrollPreview{
		TotalPendingAmount: 12500.50,
		TotalPendingUsers:  42,
		FromDate:           time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		ToDate:             time.Date(2025, 1, 7, 0, 0, 0, 0, time.UTC),
	}, nil
}

func (f *fakeUpstream) RolloutSummary(ctx context.Context) (*models.RolloutSummary, error) {
	f.record("rollout_summary")
	if f.summaryFn != nil {
		return f.summaryFn(ctx)
	}
	return &models.RolloutSummary{TotalCount: 10, TotalAmount: 5000}, nil
}

func (f *fakeUpstream) EnrollLedger(ctx context.Context, q models.LedgerQuery) (*models.EnrollLedgerPage, error) {
	f.record("enroll_ledger")
	if f.enrollLedgerFn != nil {
		return f.enrollLedgerFn(ctx, q)
	}
	return &models.EnrollLedgerPage{
		TotalPendingAmount: 300,
		Verified:           models.BucketStats{UserCount: 2, TotalAmount: 200},
		Unverified:         models.BucketStats{UserCount: 1, TotalAmount: 100},
	}, nil
}

func (f *fakeUpstream) RolloutLedger(ctx context.Context, q models.LedgerQuery) (*models.RolloutLedgerPage, error) {
	f.record("rollout_ledger")
	if f.rolloutLedgerFn != nil {
		return f.rolloutLedgerFn(ctx, q)
	}
	return &models.RolloutLedgerPage{Success: true}, nil
}

func (f *fakeUpstream) RolloutStats(ctx context.Context) (*models.RolloutStats, error) {
	f.record("rollout_stats")
	if f.statsFn != nil {
		return f.statsFn(ctx)
	}
	return &models.RolloutStats{}, nil
}

func (f *fakeUpstream) SendPayoutOTP(ctx context.Context) (*models.Ack, error) {
	f.record("send_otp")
	if f.sendOTPFn != nil {
		return f.sendOTPFn(ctx)
	}
	return &models.Ack{Success: true, Message: "OTP sent"}, nil
}

func (f *fakeUpstream) VerifyPayoutOTP(ctx context.Context, code string) (*models.Ack, error) {
	f.record("verify_otp")
	if f.verifyOTPFn != nil {
		return f.verifyOTPFn(ctx, code)
	}
	return &models.Ack{Success: true}, nil
}

func (f *fakeUpstream) CommitEnroll(ctx context.Context, key string) (*models.Ack, error) {
	f.record("commit_enroll")
	if f.commitEnrollFn != nil {
		return f.commitEnrollFn(ctx, key)
	}
	return &models.Ack{Success: true, Message: "Processed successfully"}, nil
}

func (f *fakeUpstream) CommitRollout(ctx context.Context, key string) (*models.Ack, error) {
	f.record("commit_rollout")
	if f.commitRolloutFn != nil {
		return f.commitRolloutFn(ctx, key)
	}
	return &models.Ack{Success: true, Message: "Payouts processed"}, nil
}

// recordingJournal captures audit writes for assertions.
type recordingJournal struct {
	mu          sync.Mutex
	runs        []models.AuditRun
	transitions []models.AuditTransition
	issued      []models.OTPChallenge
	consumed    map[string]string // challenge id -> reason
	commits     []models.CommitAttempt
}

func newRecordingJournal() *recordingJournal {
	return &recordingJournal{consumed: make(map[string]string)}
}

func (j *recordingJournal) RunOpened(_ context.Context, run models.AuditRun) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.runs = append(j.runs, run)
	return nil
}

func (j *recordingJournal) Transition(_ context.Context, tr models.AuditTransition) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.transitions = append(j.transitions, tr)
	return nil
}

func (j *recordingJournal) ChallengeIssued(_ context.Context, ch models.OTPChallenge) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.issued = append(j.issued, ch)
	return nil
}

func (j *recordingJournal) ChallengeConsumed(_ context.Context, ch models.OTPChallenge, reason string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.consumed[ch.ID.String()] = reason
	return nil
}

func (j *recordingJournal) CommitRecorded(_ context.Context, att models.CommitAttempt) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.commits = append(j.commits, att)
	return nil
}

func newTestService(up *fakeUpstream, journal Journal) *Service {
	if journal == nil {
		journal = NopJournal{}
	}
	return NewService(up, journal, nil, Options{
		PollInterval:    time.Hour, // background polling irrelevant in flow tests
		OTPChallengeTTL: 10 * time.Minute,
	})
}

func TestFlow_GuardBlocksOnOpenSession(t *testing.T) {
	up := newFakeUpstream()
	up.sessionFn = func(context.Context) (*models.PayoutSession, error) {
		return &models.PayoutSession{
			Filename:  "batch_20250101.csv",
			CreatedAt: time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC),
		}, nil
	}
	svc := newTestService(up, nil)

	snap, err := svc.OpenFlow(context.Background(), models.FlowEnroll)
	require.ErrorIs(t, err, ErrFlowBlocked)
	assert.Equal(t, models.StateBlocked, snap.State)
	require.NotNil(t, snap.Session)
	assert.Equal(t, "batch_20250101.csv", snap.Session.Filename)

	// the guarded view must never fetch table or preview data
	_, err = svc.EnrollLedger(context.Background(), models.LedgerQuery{})
	assert.ErrorIs(t, err, ErrFlowBlocked)
	_, err = svc.Preview(context.Background(), models.FlowEnroll)
	assert.ErrorIs(t, err, ErrInvalidState)

	assert.Zero(t, up.countCalls("enroll_ledger"))
	assert.Zero(t, up.countCalls("enroll_preview"))
}

func TestFlow_GuardFailsClosed(t *testing.T) {
	up := newFakeUpstream()
	up.sessionFn = func(context.Context) (*models.PayoutSession, error) {
		return nil, context.DeadlineExceeded
	}
	svc := newTestService(up, nil)

	snap, err := svc.OpenFlow(context.Background(), models.FlowRollout)
	require.ErrorIs(t, err, ErrFlowBlocked)
	assert.Equal(t, models.StateBlocked, snap.State)
	assert.Contains(t, snap.LastError, "session check failed")
}

func TestFlow_EnrollNothingToProcess(t *testing.T) {
	up := newFakeUpstream()
	up.enrollPreviewFn = func(context.Context) (*models.EnrollPreview, error) {
		return &models.EnrollPreview{TotalPendingAmount: 0}, nil
	}
	svc := newTestService(up, nil)

	_, err := svc.OpenFlow(context.Background(), models.FlowEnroll)
	require.NoError(t, err)

	snap, err := svc.Preview(context.Background(), models.FlowEnroll)
	require.ErrorIs(t, err, ErrNothingToProcess)
	// the confirmation step must not open
	assert.Equal(t, models.StateReady, snap.State)
	assert.Equal(t, "No pending payroll to process this week.", snap.LastMessage)
	assert.Zero(t, up.countCalls("commit_enroll"))
}

func TestFlow_EnrollCommitHappyPath(t *testing.T) {
	up := newFakeUpstream()
	var gotKey string
	up.commitEnrollFn = func(_ context.Context, key string) (*models.Ack, error) {
		gotKey = key
		return &models.Ack{Success: true, Message: "Processed successfully"}, nil
	}
	journal := newRecordingJournal()
	svc := newTestService(up, journal)

	_, err := svc.OpenFlow(context.Background(), models.FlowEnroll)
	require.NoError(t, err)
	snap, err := svc.Preview(context.Background(), models.FlowEnroll)
	require.NoError(t, err)
	assert.Equal(t, models.StateConfirming, snap.State)
	require.NotNil(t, snap.EnrollPreview)
	assert.InDelta(t, 12500.50, snap.EnrollPreview.TotalPendingAmount, 0.001)

	snap, err = svc.Confirm(context.Background(), models.FlowEnroll)
	require.NoError(t, err)
	assert.Equal(t, models.StateDone, snap.State)
	assert.NotEmpty(t, gotKey, "commit must carry an idempotency key")

	assert.Equal(t, []string{"session", "enroll_preview", "commit_enroll"}, up.callLog())

	require.Len(t, journal.commits, 1)
	assert.Equal(t, "succeeded", journal.commits[0].Outcome)
	assert.Equal(t, gotKey, journal.commits[0].IdempotencyKey)
}

func TestFlow_RolloutCommitRequiresVerifiedOTP(t *testing.T) {
	up := newFakeUpstream()
	svc := newTestService(up, nil)

	_, err := svc.OpenFlow(context.Background(), models.FlowRollout)
	require.NoError(t, err)
	_, err = svc.Preview(context.Background(), models.FlowRollout)
	require.NoError(t, err)

	snap, err := svc.Confirm(context.Background(), models.FlowRollout)
	require.NoError(t, err)
	assert.Equal(t, models.StateAwaitingOTP, snap.State)
	// confirm must never reach settlement directly
	assert.Zero(t, up.countCalls("commit_rollout"))

	snap, err = svc.VerifyOTP(context.Background(), "482910")
	require.NoError(t, err)
	assert.Equal(t, models.StateDone, snap.State)

	// exactly one successful verification strictly before the commit
	calls := up.callLog()
	require.Equal(t, []string{"session", "rollout_summary", "send_otp", "verify_otp", "commit_rollout"}, calls)
	svc.Close()
}

func TestFlow_OTPRejectionDoesNotCommit(t *testing.T) {
	up := newFakeUpstream()
	up.verifyOTPFn = func(_ context.Context, code string) (*models.Ack, error) {
		return &models.Ack{Success: false, Message: "invalid code"}, nil
	}
	svc := newTestService(up, nil)
	defer svc.Close()

	_, err := svc.OpenFlow(context.Background(), models.FlowRollout)
	require.NoError(t, err)
	_, err = svc.Preview(context.Background(), models.FlowRollout)
	require.NoError(t, err)
	_, err = svc.Confirm(context.Background(), models.FlowRollout)
	require.NoError(t, err)

	snap, err := svc.VerifyOTP(context.Background(), "000000")
	require.ErrorIs(t, err, ErrOTPRejected)
	// flow stays on the OTP step with the server's message
	assert.Equal(t, models.StateAwaitingOTP, snap.State)
	assert.Equal(t, "invalid code", snap.LastError)
	assert.Zero(t, up.countCalls("commit_rollout"))

	// a later, correct submission still goes through
	up.verifyOTPFn = nil
	snap, err = svc.VerifyOTP(context.Background(), "482910")
	require.NoError(t, err)
	assert.Equal(t, models.StateDone, snap.State)
	assert.Equal(t, 1, up.countCalls("commit_rollout"))
}

func TestFlow_OTPSendRejectedKeepsConfirming(t *testing.T) {
	up := newFakeUpstream()
	up.sendOTPFn = func(context.Context) (*models.Ack, error) {
		return &models.Ack{Success: false, Message: "rate limited"}, nil
	}
	svc := newTestService(up, nil)
	defer svc.Close()

	_, err := svc.OpenFlow(context.Background(), models.FlowRollout)
	require.NoError(t, err)
	_, err = svc.Preview(context.Background(), models.FlowRollout)
	require.NoError(t, err)

	snap, err := svc.Confirm(context.Background(), models.FlowRollout)
	require.ErrorIs(t, err, ErrOTPSendRejected)
	assert.Equal(t, models.StateConfirming, snap.State)
	assert.Equal(t, "rate limited", snap.LastError)
}

func TestFlow_DoubleConfirmYieldsSingleCommit(t *testing.T) {
	up := newFakeUpstream()
	release := make(chan struct{})
	started := make(chan struct{})
	up.commitEnrollFn = func(_ context.Context, key string) (*models.Ack, error) {
		close(started)
		<-release
		return &models.Ack{Success: true}, nil
	}
	svc := newTestService(up, nil)

	_, err := svc.OpenFlow(context.Background(), models.FlowEnroll)
	require.NoError(t, err)
	_, err = svc.Preview(context.Background(), models.FlowEnroll)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := svc.Confirm(context.Background(), models.FlowEnroll)
		done <- err
	}()
	<-started

	// second click while the first commit is still in flight
	_, err = svc.Confirm(context.Background(), models.FlowEnroll)
	assert.ErrorIs(t, err, ErrCommitInFlight)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, up.countCalls("commit_enroll"))
}

func TestFlow_PreviewFetchDoesNotBlockReads(t *testing.T) {
	up := newFakeUpstream()
	release := make(chan struct{})
	started := make(chan struct{})
	up.enrollPreviewFn = func(context.Context) (*models.EnrollPreview, error) {
		close(started)
		<-release
		return &models.EnrollPreview{TotalPendingAmount: 100}, nil
	}
	svc := newTestService(up, nil)

	_, err := svc.OpenFlow(context.Background(), models.FlowEnroll)
	require.NoError(t, err)

	previewDone := make(chan error, 1)
	go func() {
		_, err := svc.Preview(context.Background(), models.FlowEnroll)
		previewDone <- err
	}()
	<-started

	// a search-driven ledger fetch must not stall behind the in-flight
	// preview call
	ledgerDone := make(chan error, 1)
	go func() {
		_, err := svc.EnrollLedger(context.Background(), models.LedgerQuery{Search: "ravi"})
		ledgerDone <- err
	}()
	select {
	case err := <-ledgerDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ledger read stalled behind the in-flight preview fetch")
	}

	// same for the status read model
	snap, err := svc.FlowStatus(models.FlowEnroll)
	require.NoError(t, err)
	assert.Equal(t, models.StateReady, snap.State)

	// a second operator action is refused, never queued
	_, err = svc.Preview(context.Background(), models.FlowEnroll)
	assert.ErrorIs(t, err, ErrRequestInFlight)
	_, err = svc.CancelFlow(context.Background(), models.FlowEnroll)
	assert.ErrorIs(t, err, ErrRequestInFlight)

	close(release)
	require.NoError(t, <-previewDone)
	assert.Equal(t, 1, up.countCalls("enroll_preview"))
}

func TestFlow_GuardFetchDoesNotBlockReads(t *testing.T) {
	up := newFakeUpstream()
	release := make(chan struct{})
	started := make(chan struct{})
	up.sessionFn = func(context.Context) (*models.PayoutSession, error) {
		close(started)
		<-release
		return nil, nil
	}
	svc := newTestService(up, nil)

	openDone := make(chan error, 1)
	go func() {
		_, err := svc.OpenFlow(context.Background(), models.FlowRollout)
		openDone <- err
	}()
	<-started

	statusDone := make(chan models.FlowSnapshot, 1)
	go func() {
		snap, _ := svc.FlowStatus(models.FlowRollout)
		statusDone <- snap
	}()
	select {
	case <-statusDone:
	case <-time.After(2 * time.Second):
		t.Fatal("status read stalled behind the in-flight guard check")
	}

	_, err := svc.OpenFlow(context.Background(), models.FlowRollout)
	assert.ErrorIs(t, err, ErrRequestInFlight)

	close(release)
	require.NoError(t, <-openDone)
	assert.Equal(t, 1, up.countCalls("session"))
}

func TestFlow_ReopenSupersedesChallenge(t *testing.T) {
	up := newFakeUpstream()
	journal := newRecordingJournal()
	svc := newTestService(up, journal)
	defer svc.Close()

	_, err := svc.OpenFlow(context.Background(), models.FlowRollout)
	require.NoError(t, err)
	_, err = svc.Preview(context.Background(), models.FlowRollout)
	require.NoError(t, err)
	_, err = svc.Confirm(context.Background(), models.FlowRollout)
	require.NoError(t, err)
	require.Len(t, journal.issued, 1)

	// abandoning the OTP step by starting over must retire the challenge
	snap, err := svc.OpenFlow(context.Background(), models.FlowRollout)
	require.NoError(t, err)
	assert.Equal(t, models.StateReady, snap.State)
	assert.Equal(t, "superseded", journal.consumed[journal.issued[0].ID.String()])
}

func TestFlow_CancelConsumesChallenge(t *testing.T) {
	up := newFakeUpstream()
	journal := newRecordingJournal()
	svc := newTestService(up, journal)

	_, err := svc.OpenFlow(context.Background(), models.FlowRollout)
	require.NoError(t, err)
	_, err = svc.Preview(context.Background(), models.FlowRollout)
	require.NoError(t, err)
	_, err = svc.Confirm(context.Background(), models.FlowRollout)
	require.NoError(t, err)
	require.Len(t, journal.issued, 1)

	snap, err := svc.CancelFlow(context.Background(), models.FlowRollout)
	require.NoError(t, err)
	assert.Equal(t, models.StateIdle, snap.State)
	assert.Equal(t, "cancelled", journal.consumed[journal.issued[0].ID.String()])

	// the cancelled challenge can never gate a commit
	_, err = svc.VerifyOTP(context.Background(), "482910")
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Zero(t, up.countCalls("commit_rollout"))
}

func TestFlow_ExpiredChallengeRejected(t *testing.T) {
	up := newFakeUpstream()
	journal := newRecordingJournal()
	svc := newTestService(up, journal)
	defer svc.Close()

	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	svc.rollout.now = func() time.Time { return now }

	_, err := svc.OpenFlow(context.Background(), models.FlowRollout)
	require.NoError(t, err)
	_, err = svc.Preview(context.Background(), models.FlowRollout)
	require.NoError(t, err)
	_, err = svc.Confirm(context.Background(), models.FlowRollout)
	require.NoError(t, err)

	now = now.Add(11 * time.Minute)

	snap, err := svc.VerifyOTP(context.Background(), "482910")
	require.ErrorIs(t, err, ErrChallengeExpired)
	assert.Equal(t, models.StateConfirming, snap.State)
	assert.Zero(t, up.countCalls("verify_otp"))
	assert.Zero(t, up.countCalls("commit_rollout"))
	assert.Equal(t, "expired", journal.consumed[journal.issued[0].ID.String()])

	// re-requesting a code issues a fresh challenge
	snap, err = svc.Confirm(context.Background(), models.FlowRollout)
	require.NoError(t, err)
	assert.Equal(t, models.StateAwaitingOTP, snap.State)
	require.Len(t, journal.issued, 2)
}

func TestFlow_CommitRejectedFailsRun(t *testing.T) {
	up := newFakeUpstream()
	up.commitEnrollFn = func(_ context.Context, key string) (*models.Ack, error) {
		return &models.Ack{Success: false, Message: "week already processed"}, nil
	}
	journal := newRecordingJournal()
	svc := newTestService(up, journal)

	_, err := svc.OpenFlow(context.Background(), models.FlowEnroll)
	require.NoError(t, err)
	_, err = svc.Preview(context.Background(), models.FlowEnroll)
	require.NoError(t, err)

	snap, err := svc.Confirm(context.Background(), models.FlowEnroll)
	require.ErrorIs(t, err, ErrCommitRejected)
	assert.Equal(t, models.StateFailed, snap.State)
	assert.Equal(t, "week already processed", snap.LastError)
	require.Len(t, journal.commits, 1)
	assert.Equal(t, "rejected", journal.commits[0].Outcome)

	// re-entry restarts at the guard
	snap, err = svc.OpenFlow(context.Background(), models.FlowEnroll)
	require.NoError(t, err)
	assert.Equal(t, models.StateReady, snap.State)
	assert.Equal(t, 2, up.countCalls("session"))
}

func TestService_EnrollLedgerRejectsInconsistentTotals(t *testing.T) {
	up := newFakeUpstream()
	up.enrollLedgerFn = func(_ context.Context, q models.LedgerQuery) (*models.EnrollLedgerPage, error) {
		return &models.EnrollLedgerPage{
			TotalPendingAmount: 500,
			Verified:           models.BucketStats{TotalAmount: 200},
			Unverified:         models.BucketStats{TotalAmount: 100},
		}, nil
	}
	svc := newTestService(up, nil)

	_, err := svc.EnrollLedger(context.Background(), models.LedgerQuery{Page: 1, Limit: 10})
	assert.ErrorIs(t, err, ErrInconsistentTotals)
}

func TestFlow_JournalRecordsLifecycle(t *testing.T) {
	up := newFakeUpstream()
	journal := newRecordingJournal()
	svc := newTestService(up, journal)
	defer svc.Close()

	_, err := svc.OpenFlow(context.Background(), models.FlowRollout)
	require.NoError(t, err)
	_, err = svc.Preview(context.Background(), models.FlowRollout)
	require.NoError(t, err)
	_, err = svc.Confirm(context.Background(), models.FlowRollout)
	require.NoError(t, err)
	_, err = svc.VerifyOTP(context.Background(), "482910")
	require.NoError(t, err)

	require.Len(t, journal.runs, 1)
	assert.Equal(t, models.FlowRollout, journal.runs[0].Kind)

	var states []models.FlowState
	for _, tr := range journal.transitions {
		states = append(states, tr.ToState)
	}
	assert.Equal(t, []models.FlowState{
		models.StateConfirming,
		models.StateAwaitingOTP,
		models.StateVerifying,
		models.StateCommitting,
		models.StateDone,
	}, states)
	assert.Equal(t, "verified", journal.consumed[journal.issued[0].ID.String()])
}
