package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/averyhochheiser/carbon-gate/gate-engine/internal/models"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS gate_events (
	seq BIGSERIAL PRIMARY KEY,
	id UUID NOT NULL UNIQUE,
	org_id TEXT NOT NULL,
	pr_number INTEGER NOT NULL,
	repo TEXT NOT NULL,
	branch TEXT NOT NULL,
	kg_co2e DOUBLE PRECISION NOT NULL,
	gpu_type TEXT NOT NULL,
	status TEXT NOT NULL,
	warned BOOLEAN NOT NULL DEFAULT FALSE,
	recommended_model TEXT,
	grid_intensity_g_kwh DOUBLE PRECISION NOT NULL DEFAULT 0,
	emitted_at TIMESTAMPTZ NOT NULL,
	overridden_by TEXT,
	justification TEXT
);
ALTER TABLE gate_events ADD COLUMN IF NOT EXISTS overridden_by TEXT;
ALTER TABLE gate_events ADD COLUMN IF NOT EXISTS justification TEXT;
CREATE INDEX IF NOT EXISTS gate_events_emitted_idx ON gate_events (emitted_at, seq);
CREATE INDEX IF NOT EXISTS gate_events_org_idx ON gate_events (org_id, emitted_at);
CREATE INDEX IF NOT EXISTS gate_events_org_repo_idx ON gate_events (org_id, repo, emitted_at);

CREATE TABLE IF NOT EXISTS gate_event_outbox (
	event_id UUID PRIMARY KEY REFERENCES gate_events (id),
	stream_status TEXT NOT NULL DEFAULT 'pending',
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT,
	archived_key TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS gate_event_outbox_status_idx ON gate_event_outbox (stream_status, created_at);

CREATE TABLE IF NOT EXISTS budget_policies (
	org_id TEXT PRIMARY KEY,
	budget_kg DOUBLE PRECISION NOT NULL,
	warning_pct DOUBLE PRECISION NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`

// PGStore is the Postgres ledger. Every append also writes an outbox row in the
// same transaction so the streamer never has to touch gate_events.
type PGStore struct {
	db    *sql.DB
	clock *monotonicClock
	now   func() time.Time
}

func NewPGStore(db *sql.DB, opts ...Option) *PGStore {
	o := buildOptions(opts)
	return &PGStore{db: db, clock: newMonotonicClock(o.now), now: o.now}
}

// OpenPG opens a lib/pq connection pool.
func OpenPG(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

func (s *PGStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, pgSchema); err != nil {
		return fmt.Errorf("migrate gate schema: %w", err)
	}
	return nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PGStore) ledger(q querier) *sqlLedger {
	return &sqlLedger{q: q, d: postgresDialect, clock: s.clock}
}

func (s *PGStore) Append(ctx context.Context, ev *models.GateEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", ErrStoreWrite, err)
	}
	if err := s.ledger(tx).Append(ctx, ev); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", ErrStoreWrite, err)
	}
	return nil
}

func (s *PGStore) ListRecent(ctx context.Context, limit int) ([]models.GateEvent, error) {
	return s.ledger(s.db).ListRecent(ctx, limit)
}

func (s *PGStore) ListBetween(ctx context.Context, start, end time.Time) ([]models.GateEvent, error) {
	return s.ledger(s.db).ListBetween(ctx, start, end)
}

func (s *PGStore) CountByStatus(ctx context.Context, status models.GateStatus, start, end time.Time) (int, error) {
	return s.ledger(s.db).CountByStatus(ctx, status, start, end)
}

func (s *PGStore) UsageKg(ctx context.Context, orgID string, start, end time.Time) (float64, error) {
	return s.ledger(s.db).UsageKg(ctx, orgID, start, end)
}

func (s *PGStore) LatestForRepo(ctx context.Context, orgID, repo string) (models.GateEvent, error) {
	return s.ledger(s.db).LatestForRepo(ctx, orgID, repo)
}

func (s *PGStore) GetPolicy(ctx context.Context, orgID string) (models.BudgetPolicy, error) {
	return getPolicy(ctx, s.db, postgresDialect, orgID)
}

func (s *PGStore) PutPolicy(ctx context.Context, p models.BudgetPolicy) (models.BudgetPolicy, error) {
	return putPolicy(ctx, s.db, postgresDialect, p, s.now())
}

// WithPolicyLock serialises fn per organisation with a transaction-scoped
// advisory lock. The lock is released on commit or rollback.
func (s *PGStore) WithPolicyLock(ctx context.Context, orgID string, fn func(ctx context.Context, l Ledger) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", ErrStoreWrite, err)
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "carbon-gate:"+orgID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("acquire policy lock: %w", err)
	}
	if err := fn(ctx, s.ledger(tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", ErrStoreWrite, err)
	}
	return nil
}

// OutboxMaxAttempts bounds how often a failed event is re-streamed.
const OutboxMaxAttempts = 10

// FetchPendingOutbox claims up to limit pending (or retryable) outbox rows and
// returns their events. Claimed rows move to in_progress; rows stuck in that
// state for five minutes are reclaimed.
func (s *PGStore) FetchPendingOutbox(ctx context.Context, limit int) ([]models.GateEvent, error) {
	claim := `
		WITH claimed AS (
			SELECT event_id FROM gate_event_outbox
			WHERE stream_status = 'pending'
				OR (stream_status = 'failed' AND attempts < $2)
				OR (stream_status = 'in_progress' AND updated_at < now() - interval '5 minutes')
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE gate_event_outbox o
		SET stream_status = 'in_progress', attempts = o.attempts + 1, updated_at = now()
		FROM claimed
		WHERE o.event_id = claimed.event_id
		RETURNING o.event_id
	`
	rows, err := s.db.QueryContext(ctx, claim, limit, OutboxMaxAttempts)
	if err != nil {
		return nil, fmt.Errorf("claim outbox: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("claim outbox: scan: %w", err)
		}
		ids = append(ids, id.String())
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim outbox: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	query := `SELECT ` + eventColumns + ` FROM gate_events WHERE id = ANY($1::uuid[]) ORDER BY emitted_at, seq`
	return s.ledger(s.db).list(ctx, "load outbox events", query, pq.Array(ids))
}

// MarkOutboxResult records the outcome of streaming one event.
func (s *PGStore) MarkOutboxResult(ctx context.Context, id uuid.UUID, archivedKey sql.NullString, success bool, errMsg sql.NullString) error {
	var err error
	if success {
		_, err = s.db.ExecContext(ctx, `
			UPDATE gate_event_outbox
			SET stream_status = 'done', archived_key = $1, last_error = NULL, updated_at = now()
			WHERE event_id = $2
		`, archivedKey, id)
	} else {
		_, err = s.db.ExecContext(ctx, `
			UPDATE gate_event_outbox
			SET stream_status = 'failed', last_error = $1, updated_at = now()
			WHERE event_id = $2
		`, errMsg, id)
	}
	if err != nil {
		return fmt.Errorf("mark outbox result: %w", err)
	}
	return nil
}
