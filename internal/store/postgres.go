package store

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/digitalbillionaire/payrollops/internal/models"
)

// Store is the postgres-backed audit journal. It records every flow run,
// state transition, OTP challenge and commit attempt so a payout batch
// can be reconstructed after the fact. OTP codes themselves are never
// written anywhere.
type Store struct {
	Db *pgxpool.Pool
}

func NewStore(connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Store{Db: pool}, nil
}

func (s *Store) Close() {
	s.Db.Close()
}

func (s *Store) RunOpened(ctx context.Context, run models.AuditRun) error {
	_, err := s.Db.Exec(ctx,
		"INSERT INTO payout_runs (id, kind, state, opened_at, detail) VALUES ($1, $2, $3, $4, $5)",
		run.ID, run.Kind, run.State, run.OpenedAt, run.Detail)
	return err
}

func (s *Store) Transition(ctx context.Context, tr models.AuditTransition) error {
	_, err := s.Db.Exec(ctx,
		"INSERT INTO payout_transitions (run_id, from_state, to_state, detail, recorded_at) VALUES ($1, $2, $3, $4, $5)",
		tr.RunID, tr.FromState, tr.ToState, tr.Detail, tr.RecordedAt)
	if err != nil {
		return err
	}

	if tr.ToState.Terminal() {
		_, err = s.Db.Exec(ctx,
			"UPDATE payout_runs SET state = $1, closed_at = $2 WHERE id = $3",
			tr.ToState, tr.RecordedAt, tr.RunID)
	} else {
		_, err = s.Db.Exec(ctx,
			"UPDATE payout_runs SET state = $1 WHERE id = $2",
			tr.ToState, tr.RunID)
	}
	return err
}

func (s *Store) ChallengeIssued(ctx context.Context, ch models.OTPChallenge) error {
	_, err := s.Db.Exec(ctx,
		"INSERT INTO otp_challenges (id, run_id, issued_at, expires_at, consumed) VALUES ($1, $2, $3, $4, false)",
		ch.ID, ch.RunID, ch.IssuedAt, ch.ExpiresAt)
	return err
}

func (s *Store) ChallengeConsumed(ctx context.Context, ch models.OTPChallenge, reason string) error {
	_, err := s.Db.Exec(ctx,
		"UPDATE otp_challenges SET consumed = true, consumed_reason = $1, consumed_at = now() WHERE id = $2",
		reason, ch.ID)
	return err
}

func (s *Store) CommitRecorded(ctx context.Context, att models.CommitAttempt) error {
	_, err := s.Db.Exec(ctx,
		"INSERT INTO commit_attempts (run_id, idempotency_key, outcome, message, recorded_at) VALUES ($1, $2, $3, $4, $5)",
		att.RunID, att.IdempotencyKey, att.Outcome, att.Message, att.RecordedAt)
	return err
}

// ListRuns returns the most recent flow runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]models.AuditRun, error) {
	if limit < 1 || limit > 200 {
		limit = 50
	}
	rows, err := s.Db.Query(ctx,
		"SELECT id, kind, state, opened_at, closed_at, detail FROM payout_runs ORDER BY opened_at DESC LIMIT $1",
		limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.AuditRun
	for rows.Next() {
		var run models.AuditRun
		if err := rows.Scan(&run.ID, &run.Kind, &run.State, &run.OpenedAt, &run.ClosedAt, &run.Detail); err != nil {
			log.Printf("Error scanning run: %v", err)
			continue
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// RunDetail bundles one run with its full transition and commit history.
type RunDetail struct {
	Run         models.AuditRun          `json:"run"`
	Transitions []models.AuditTransition `json:"transitions"`
	Commits     []models.CommitAttempt   `json:"commits"`
}

var ErrRunNotFound = fmt.Errorf("run not found")

func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (*RunDetail, error) {
	var detail RunDetail
	err := s.Db.QueryRow(ctx,
		"SELECT id, kind, state, opened_at, closed_at, detail FROM payout_runs WHERE id = $1", id).
		Scan(&detail.Run.ID, &detail.Run.Kind, &detail.Run.State, &detail.Run.OpenedAt, &detail.Run.ClosedAt, &detail.Run.Detail)
	if err != nil {
		return nil, ErrRunNotFound
	}

	trRows, err := s.Db.Query(ctx,
		"SELECT run_id, from_state, to_state, detail, recorded_at FROM payout_transitions WHERE run_id = $1 ORDER BY recorded_at",
		id)
	if err != nil {
		return nil, err
	}
	defer trRows.Close()
	for trRows.Next() {
		var tr models.AuditTransition
		if err := trRows.Scan(&tr.RunID, &tr.FromState, &tr.ToState, &tr.Detail, &tr.RecordedAt); err != nil {
			log.Printf("Error scanning transition: %v", err)
			continue
		}
		detail.Transitions = append(detail.Transitions, tr)
	}
	if err := trRows.Err(); err != nil {
		return nil, err
	}

	caRows, err := s.Db.Query(ctx,
		"SELECT run_id, idempotency_key, outcome, message, recorded_at FROM commit_attempts WHERE run_id = $1 ORDER BY recorded_at",
		id)
	if err != nil {
		return nil, err
	}
	defer caRows.Close()
	for caRows.Next() {
		var att models.CommitAttempt
		if err := caRows.Scan(&att.RunID, &att.IdempotencyKey, &att.Outcome, &att.Message, &att.RecordedAt); err != nil {
			log.Printf("Error scanning commit attempt: %v", err)
			continue
		}
		detail.Commits = append(detail.Commits, att)
	}
	return &detail, caRows.Err()
}
