package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/averyhochheiser/carbon-gate/gate-engine/internal/models"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// dialect captures the few differences between the Postgres and SQLite ledgers.
// Queries are written with ? placeholders.
type dialect struct {
	numbered bool
	outbox   bool
	// encodeTime converts a timestamp into the column's storage form.
	encodeTime func(time.Time) any
}

var postgresDialect = dialect{
	numbered:   true,
	outbox:     true,
	encodeTime: func(t time.Time) any { return t.UTC() },
}

var sqliteDialect = dialect{
	encodeTime: func(t time.Time) any { return t.UTC().UnixNano() },
}

func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// timestamp scans either a native timestamp or unix nanoseconds.
type timestamp struct {
	time.Time
}

func (t *timestamp) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		t.Time = v.UTC()
	case int64:
		t.Time = time.Unix(0, v).UTC()
	case []byte:
		return t.parse(string(v))
	case string:
		return t.parse(v)
	case nil:
		t.Time = time.Time{}
	default:
		return fmt.Errorf("unsupported timestamp type %T", src)
	}
	return nil
}

func (t *timestamp) parse(s string) error {
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	t.Time = parsed.UTC()
	return nil
}

const eventColumns = `id, org_id, pr_number, repo, branch, kg_co2e, gpu_type, status, warned, recommended_model, grid_intensity_g_kwh, emitted_at, overridden_by, justification`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (models.GateEvent, error) {
	var (
		ev        models.GateEvent
		status    string
		model     sql.NullString
		emittedAt timestamp
		overrider sql.NullString
		reason    sql.NullString
	)
	if err := row.Scan(&ev.ID, &ev.OrgID, &ev.PRNumber, &ev.Repo, &ev.Branch, &ev.KgCO2e, &ev.GPUType,
		&status, &ev.Warned, &model, &ev.GridIntensityGPerKWh, &emittedAt, &overrider, &reason); err != nil {
		return models.GateEvent{}, err
	}
	ev.OverriddenBy = overrider.String
	ev.Justification = reason.String
	ev.Status = models.GateStatus(status)
	if model.Valid {
		m := model.String
		ev.RecommendedModel = &m
	}
	ev.EmittedAt = emittedAt.Time
	return ev, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// sqlLedger implements Ledger over a *sql.DB or *sql.Tx.
type sqlLedger struct {
	q     querier
	d     dialect
	clock *monotonicClock
}

func (l *sqlLedger) Append(ctx context.Context, ev *models.GateEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	ev.EmittedAt = l.clock.Next()

	var model sql.NullString
	if ev.RecommendedModel != nil {
		model = sql.NullString{String: *ev.RecommendedModel, Valid: true}
	}
	query := l.d.rebind(`
		INSERT INTO gate_events (` + eventColumns + `)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	`)
	if _, err := l.q.ExecContext(ctx, query, ev.ID, ev.OrgID, ev.PRNumber, ev.Repo, ev.Branch, ev.KgCO2e,
		ev.GPUType, string(ev.Status), ev.Warned, model, ev.GridIntensityGPerKWh, l.d.encodeTime(ev.EmittedAt),
		nullString(ev.OverriddenBy), nullString(ev.Justification)); err != nil {
		return fmt.Errorf("%w: insert gate event: %w", ErrStoreWrite, err)
	}
	if l.d.outbox {
		if _, err := l.q.ExecContext(ctx, l.d.rebind(`INSERT INTO gate_event_outbox (event_id) VALUES (?)`), ev.ID); err != nil {
			return fmt.Errorf("%w: insert outbox row: %w", ErrStoreWrite, err)
		}
	}
	return nil
}

func (l *sqlLedger) ListRecent(ctx context.Context, limit int) ([]models.GateEvent, error) {
	if limit <= 0 {
		return []models.GateEvent{}, nil
	}
	query := l.d.rebind(`SELECT ` + eventColumns + ` FROM gate_events ORDER BY emitted_at DESC, seq DESC LIMIT ?`)
	return l.list(ctx, "list recent events", query, limit)
}

func (l *sqlLedger) ListBetween(ctx context.Context, start, end time.Time) ([]models.GateEvent, error) {
	query := l.d.rebind(`
		SELECT ` + eventColumns + `
		FROM gate_events
		WHERE emitted_at >= ? AND emitted_at < ?
		ORDER BY emitted_at ASC, seq ASC
	`)
	return l.list(ctx, "list events between", query, l.d.encodeTime(start), l.d.encodeTime(end))
}

func (l *sqlLedger) list(ctx context.Context, op, query string, args ...any) ([]models.GateEvent, error) {
	rows, err := l.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	out := []models.GateEvent{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

func (l *sqlLedger) CountByStatus(ctx context.Context, status models.GateStatus, start, end time.Time) (int, error) {
	var (
		filter string
		args   []any
	)
	switch status {
	case models.StatusWarned:
		filter = "warned = ?"
		args = append(args, true)
	case models.StatusPassed, models.StatusRerouteRecommended:
		filter = "status = ?"
		args = append(args, string(status))
	default:
		return 0, fmt.Errorf("count by status: unknown status %q", status)
	}
	args = append(args, l.d.encodeTime(start), l.d.encodeTime(end))
	query := l.d.rebind(`SELECT COUNT(*) FROM gate_events WHERE ` + filter + ` AND emitted_at >= ? AND emitted_at < ?`)

	var n int
	if err := l.q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count by status: %w", err)
	}
	return n, nil
}

func (l *sqlLedger) UsageKg(ctx context.Context, orgID string, start, end time.Time) (float64, error) {
	query := l.d.rebind(`
		SELECT COALESCE(SUM(kg_co2e), 0)
		FROM gate_events
		WHERE org_id = ? AND emitted_at >= ? AND emitted_at < ?
	`)
	var total float64
	if err := l.q.QueryRowContext(ctx, query, orgID, l.d.encodeTime(start), l.d.encodeTime(end)).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum usage: %w", err)
	}
	return total, nil
}

func (l *sqlLedger) LatestForRepo(ctx context.Context, orgID, repo string) (models.GateEvent, error) {
	query := l.d.rebind(`SELECT ` + eventColumns + ` FROM gate_events WHERE org_id = ? AND repo = ? ORDER BY emitted_at DESC, seq DESC LIMIT 1`)
	ev, err := scanEvent(l.q.QueryRowContext(ctx, query, orgID, repo))
	if errors.Is(err, sql.ErrNoRows) {
		return models.GateEvent{}, ErrNotFound
	}
	if err != nil {
		return models.GateEvent{}, fmt.Errorf("latest event for repo: %w", err)
	}
	return ev, nil
}

func getPolicy(ctx context.Context, q querier, d dialect, orgID string) (models.BudgetPolicy, error) {
	query := d.rebind(`SELECT org_id, budget_kg, warning_pct, updated_at FROM budget_policies WHERE org_id = ?`)
	var (
		p         models.BudgetPolicy
		updatedAt timestamp
	)
	err := q.QueryRowContext(ctx, query, orgID).Scan(&p.OrgID, &p.BudgetKg, &p.WarningPct, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.BudgetPolicy{}, ErrNotFound
	}
	if err != nil {
		return models.BudgetPolicy{}, fmt.Errorf("get policy: %w", err)
	}
	p.UpdatedAt = updatedAt.Time
	return p, nil
}

func putPolicy(ctx context.Context, q querier, d dialect, p models.BudgetPolicy, now time.Time) (models.BudgetPolicy, error) {
	p.UpdatedAt = now.UTC().Truncate(time.Microsecond)
	query := d.rebind(`
		INSERT INTO budget_policies (org_id, budget_kg, warning_pct, updated_at)
		VALUES (?,?,?,?)
		ON CONFLICT (org_id)
		DO UPDATE SET budget_kg = EXCLUDED.budget_kg,
			warning_pct = EXCLUDED.warning_pct,
			updated_at = EXCLUDED.updated_at
	`)
	if _, err := q.ExecContext(ctx, query, p.OrgID, p.BudgetKg, p.WarningPct, d.encodeTime(p.UpdatedAt)); err != nil {
		return models.BudgetPolicy{}, fmt.Errorf("%w: upsert policy: %w", ErrStoreWrite, err)
	}
	return p, nil
}
