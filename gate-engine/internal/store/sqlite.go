package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/averyhochheiser/carbon-gate/gate-engine/internal/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS gate_events (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	org_id TEXT NOT NULL,
	pr_number INTEGER NOT NULL,
	repo TEXT NOT NULL,
	branch TEXT NOT NULL,
	kg_co2e REAL NOT NULL,
	gpu_type TEXT NOT NULL,
	status TEXT NOT NULL,
	warned INTEGER NOT NULL DEFAULT 0,
	recommended_model TEXT,
	grid_intensity_g_kwh REAL NOT NULL DEFAULT 0,
	emitted_at INTEGER NOT NULL,
	overridden_by TEXT,
	justification TEXT
);
CREATE INDEX IF NOT EXISTS gate_events_emitted_idx ON gate_events (emitted_at, seq);
CREATE INDEX IF NOT EXISTS gate_events_org_idx ON gate_events (org_id, emitted_at);

CREATE TABLE IF NOT EXISTS budget_policies (
	org_id TEXT PRIMARY KEY,
	budget_kg REAL NOT NULL,
	warning_pct REAL NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// SQLiteStore keeps the ledger in a single local file. It is meant for one
// gate process; the policy lock is in-process.
type SQLiteStore struct {
	db     *sql.DB
	ledger *sqlLedger
	locks  *keyedMutex
	now    func() time.Time
}

// OpenSQLite opens (creating if needed) the ledger at path and migrates it.
// ":memory:" gives a private in-memory ledger.
func OpenSQLite(ctx context.Context, path string, opts ...Option) (*SQLiteStore, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create ledger dir: %w", err)
			}
		}
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: serialises writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)
	s := NewSQLiteStore(db, opts...)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func NewSQLiteStore(db *sql.DB, opts ...Option) *SQLiteStore {
	o := buildOptions(opts)
	return &SQLiteStore{
		db:     db,
		ledger: &sqlLedger{q: db, d: sqliteDialect, clock: newMonotonicClock(o.now)},
		locks:  newKeyedMutex(),
		now:    o.now,
	}
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("migrate sqlite ledger: %w", err)
	}
	// Ledgers created before overrides existed lack the override columns.
	for _, col := range []string{"overridden_by", "justification"} {
		if err := s.addColumnIfMissing(ctx, "gate_events", col, "TEXT"); err != nil {
			return fmt.Errorf("migrate sqlite ledger: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS gate_events_org_repo_idx ON gate_events (org_id, repo, emitted_at)`); err != nil {
		return fmt.Errorf("migrate sqlite ledger: %w", err)
	}
	return nil
}

func (s *SQLiteStore) addColumnIfMissing(ctx context.Context, table, column, typ string) error {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, typ))
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Append(ctx context.Context, ev *models.GateEvent) error {
	return s.ledger.Append(ctx, ev)
}

func (s *SQLiteStore) ListRecent(ctx context.Context, limit int) ([]models.GateEvent, error) {
	return s.ledger.ListRecent(ctx, limit)
}

func (s *SQLiteStore) ListBetween(ctx context.Context, start, end time.Time) ([]models.GateEvent, error) {
	return s.ledger.ListBetween(ctx, start, end)
}

func (s *SQLiteStore) CountByStatus(ctx context.Context, status models.GateStatus, start, end time.Time) (int, error) {
	return s.ledger.CountByStatus(ctx, status, start, end)
}

func (s *SQLiteStore) UsageKg(ctx context.Context, orgID string, start, end time.Time) (float64, error) {
	return s.ledger.UsageKg(ctx, orgID, start, end)
}

func (s *SQLiteStore) LatestForRepo(ctx context.Context, orgID, repo string) (models.GateEvent, error) {
	return s.ledger.LatestForRepo(ctx, orgID, repo)
}

func (s *SQLiteStore) GetPolicy(ctx context.Context, orgID string) (models.BudgetPolicy, error) {
	return getPolicy(ctx, s.db, sqliteDialect, orgID)
}

func (s *SQLiteStore) PutPolicy(ctx context.Context, p models.BudgetPolicy) (models.BudgetPolicy, error) {
	return putPolicy(ctx, s.db, sqliteDialect, p, s.now())
}

func (s *SQLiteStore) WithPolicyLock(ctx context.Context, orgID string, fn func(ctx context.Context, l Ledger) error) error {
	unlock, err := s.locks.Lock(ctx, orgID)
	if err != nil {
		return fmt.Errorf("acquire policy lock: %w", err)
	}
	defer unlock()
	return fn(ctx, s.ledger)
}
