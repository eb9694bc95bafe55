// Package service owns the payout coordination protocol: the two flow
// state machines (Payment Enroll and Rollout Payout), the session guard,
// the step-up challenge lifecycle and the rollout ledger poller. All
// settlement happens upstream; this package decides when a call is
// allowed to happen.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/digitalbillionaire/payrollops/internal/models"
	"github.com/digitalbillionaire/payrollops/internal/notify"
)

var (
	ErrFlowBlocked        = errors.New("an unresolved payout session is open")
	ErrInvalidState       = errors.New("operation not allowed in current flow state")
	ErrNothingToProcess   = errors.New("no pending payroll to process")
	ErrVerifyInFlight     = errors.New("an OTP verification is already in flight")
	ErrCommitInFlight     = errors.New("a payout commit is already in flight")
	ErrRequestInFlight    = errors.New("another upstream request for this flow is in flight")
	ErrNoChallenge        = errors.New("no open OTP challenge")
	ErrChallengeExpired   = errors.New("OTP challenge expired; request a new code")
	ErrOTPSendRejected    = errors.New("OTP issuance rejected")
	ErrOTPRejected        = errors.New("OTP verification failed")
	ErrCommitRejected     = errors.New("payout commit rejected")
	ErrInconsistentTotals = errors.New("verified and unverified totals do not reconcile with the grand total")
)

var (
	guardBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payroll_guard_blocks_total",
		Help: "Payout initiations refused because an open session was found or the guard check failed",
	})

	commitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payroll_commits_total",
		Help: "Payout commit attempts by flow and outcome",
	}, []string{"flow", "outcome"})

	otpVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payroll_otp_verifications_total",
		Help: "Step-up OTP verification attempts by outcome",
	}, []string{"outcome"})
)

// Upstream is the slice of the admin payroll API this service consumes.
type Upstream interface {
	InprocessSession(ctx context.Context) (*models.PayoutSession, error)
	EnrollPreview(ctx context.Context) (*models.EnrollPreview, error)
	RolloutSummary(ctx context.Context) (*models.RolloutSummary, error)
	EnrollLedger(ctx context.Context, q models.LedgerQuery) (*models.EnrollLedgerPage, error)
	RolloutLedger(ctx context.Context, q models.LedgerQuery) (*models.RolloutLedgerPage, error)
	RolloutStats(ctx context.Context) (*models.RolloutStats, error)
	SendPayoutOTP(ctx context.Context) (*models.Ack, error)
	VerifyPayoutOTP(ctx context.Context, code string) (*models.Ack, error)
	CommitEnroll(ctx context.Context, idempotencyKey string) (*models.Ack, error)
	CommitRollout(ctx context.Context, idempotencyKey string) (*models.Ack, error)
}

// Journal records the audit trail of every run. Journal failures are
// logged and never interrupt the money path.
type Journal interface {
	RunOpened(ctx context.Context, run models.AuditRun) error
	Transition(ctx context.Context, tr models.AuditTransition) error
	ChallengeIssued(ctx context.Context, ch models.OTPChallenge) error
	ChallengeConsumed(ctx context.Context, ch models.OTPChallenge, reason string) error
	CommitRecorded(ctx context.Context, att models.CommitAttempt) error
}

// NopJournal discards all audit records. Used when no database is
// configured in development.
type NopJournal struct{}

func (NopJournal) RunOpened(context.Context, models.AuditRun) error { return nil }

func (NopJournal) Transition(context.Context, models.AuditTransition) error { return nil }

func (NopJournal) ChallengeIssued(context.Context, models.OTPChallenge) error { return nil }

func (NopJournal) ChallengeConsumed(context.Context, models.OTPChallenge, string) error { return nil }

func (NopJournal) CommitRecorded(context.Context, models.CommitAttempt) error { return nil }

// Options configures a Service.
type Options struct {
	PollInterval    time.Duration
	OTPChallengeTTL time.Duration
	NotifyFrom      string
	NotifyAdmins    []string
}

type Service struct {
	up       Upstream
	journal  Journal
	notifier notify.Service
	opts     Options

	enroll  *Flow
	rollout *Flow
	poller  *Poller
}

func NewService(up Upstream, journal Journal, notifier notify.Service, opts Options) *Service {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.OTPChallengeTTL <= 0 {
		opts.OTPChallengeTTL = 10 * time.Minute
	}
	s := &Service{
		up:       up,
		journal:  journal,
		notifier: notifier,
		opts:     opts,
	}
	s.enroll = newFlow(models.FlowEnroll, false, s)
	s.rollout = newFlow(models.FlowRollout, true, s)
	s.poller = NewPoller(up.RolloutLedger, up.RolloutStats, opts.PollInterval)
	return s
}

func (s *Service) flow(kind models.FlowKind) (*Flow, error) {
	switch kind {
	case models.FlowEnroll:
		return s.enroll, nil
	case models.FlowRollout:
		return s.rollout, nil
	default:
		return nil, fmt.Errorf("unknown flow kind %q", kind)
	}
}

// OpenFlow runs the session guard and, when it passes, opens a new run.
func (s *Service) OpenFlow(ctx context.Context, kind models.FlowKind) (models.FlowSnapshot, error) {
	f, err := s.flow(kind)
	if err != nil {
		return models.FlowSnapshot{}, err
	}
	openErr := f.Open(ctx)
	return f.Snapshot(), openErr
}

// FlowStatus returns the current read model of a flow.
func (s *Service) FlowStatus(kind models.FlowKind) (models.FlowSnapshot, error) {
	f, err := s.flow(kind)
	if err != nil {
		return models.FlowSnapshot{}, err
	}
	return f.Snapshot(), nil
}

// Preview fetches the commit-gating projection for a flow.
func (s *Service) Preview(ctx context.Context, kind models.FlowKind) (models.FlowSnapshot, error) {
	f, err := s.flow(kind)
	if err != nil {
		return models.FlowSnapshot{}, err
	}
	prevErr := f.Preview(ctx)
	return f.Snapshot(), prevErr
}

// Confirm advances past operator review: the enroll flow commits
// directly, the rollout flow requests the step-up OTP.
func (s *Service) Confirm(ctx context.Context, kind models.FlowKind) (models.FlowSnapshot, error) {
	f, err := s.flow(kind)
	if err != nil {
		return models.FlowSnapshot{}, err
	}
	confErr := f.Confirm(ctx)
	return f.Snapshot(), confErr
}

// VerifyOTP submits one step-up code; on success the commit is chained
// immediately and irreversibly.
func (s *Service) VerifyOTP(ctx context.Context, code string) (models.FlowSnapshot, error) {
	verr := s.rollout.VerifyOTP(ctx, code)
	return s.rollout.Snapshot(), verr
}

// CancelFlow abandons a run before any irreversible call is in flight.
func (s *Service) CancelFlow(ctx context.Context, kind models.FlowKind) (models.FlowSnapshot, error) {
	f, err := s.flow(kind)
	if err != nil {
		return models.FlowSnapshot{}, err
	}
	cancelErr := f.Cancel(ctx)
	if kind == models.FlowRollout && cancelErr == nil {
		s.poller.Stop()
	}
	return f.Snapshot(), cancelErr
}

// EnrollLedger fetches one page of the enroll ledger with aggregate
// stats. It refuses to fetch while the flow is blocked and rejects any
// response whose buckets do not reconcile.
func (s *Service) EnrollLedger(ctx context.Context, q models.LedgerQuery) (*models.EnrollLedgerPage, error) {
	if s.enroll.State() == models.StateBlocked {
		return nil, ErrFlowBlocked
	}
	page, err := s.up.EnrollLedger(ctx, q.Normalize())
	if err != nil {
		return nil, err
	}
	if !page.Consistent() {
		return nil, ErrInconsistentTotals
	}
	return page, nil
}

// RolloutLedger serves the poller-backed rollout ledger snapshot. The
// first read starts the background refresh loop; a page or search change
// re-targets the poller and fetches synchronously, and an unchanged
// query is served from the cache the silent polls keep warm. The loop
// stops when the run is cancelled or the service shuts down.
func (s *Service) RolloutLedger(ctx context.Context, q models.LedgerQuery) (*LedgerSnapshot, error) {
	if s.rollout.State() == models.StateBlocked {
		return nil, ErrFlowBlocked
	}
	s.poller.Start()
	return s.poller.Rows(ctx, q.Normalize())
}

// Close stops background work.
func (s *Service) Close() {
	s.poller.Stop()
}

func (s *Service) notifyOutcome(kind models.FlowKind, ok bool, message string) {
	if s.notifier == nil || len(s.opts.NotifyAdmins) == 0 {
		return
	}
	subject := fmt.Sprintf("Payout %s commit succeeded", kind)
	if !ok {
		subject = fmt.Sprintf("Payout %s commit FAILED", kind)
	}
	s.notifier.Send(&notify.Message{
		From:    s.opts.NotifyFrom,
		To:      s.opts.NotifyAdmins,
		Subject: subject,
		Body:    message,
	})
}

// journalSafe runs a journal write and downgrades failures to a log line.
func journalSafe(what string, fn func() error) {
	if err := fn(); err != nil {
		log.Printf("audit journal %s failed: %v", what, err)
	}
}
