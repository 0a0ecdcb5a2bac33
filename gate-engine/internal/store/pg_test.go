package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/averyhochheiser/carbon-gate/gate-engine/internal/models"
)

func newMockPG(t *testing.T, now time.Time) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPGStore(db, WithClock(func() time.Time { return now })), mock
}

var eventColumnNames = []string{"id", "org_id", "pr_number", "repo", "branch", "kg_co2e", "gpu_type", "status", "warned", "recommended_model", "grid_intensity_g_kwh", "emitted_at", "overridden_by", "justification"}

func TestRebindNumbersPlaceholders(t *testing.T) {
	assert.Equal(t, "a = $1 AND b < $2", postgresDialect.rebind("a = ? AND b < ?"))
	assert.Equal(t, "a = ? AND b < ?", sqliteDialect.rebind("a = ? AND b < ?"))
}

func TestPGAppendWritesEventAndOutbox(t *testing.T) {
	now := time.Date(2026, 10, 19, 9, 30, 0, 0, time.UTC)
	s, mock := newMockPG(t, now)
	ev := event("acme", "ml/trainer", 4.5, models.StatusWarned)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO gate_events").
		WithArgs(sqlmock.AnyArg(), "acme", 7, "ml/trainer", "main", 4.5, "H100", "Passed", true, sql.NullString{}, 0.0, now, sql.NullString{}, sql.NullString{}).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO gate_event_outbox").
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, s.Append(context.Background(), ev))
	assert.NotEqual(t, uuid.Nil, ev.ID)
	assert.True(t, ev.EmittedAt.Equal(now))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGAppendFailureIsStoreWrite(t *testing.T) {
	s, mock := newMockPG(t, time.Now())

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO gate_events").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := s.Append(context.Background(), event("acme", "r", 1, models.StatusPassed))
	require.ErrorIs(t, err, ErrStoreWrite)
	assert.Contains(t, err.Error(), "disk full")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGWithPolicyLockUsesAdvisoryLock(t *testing.T) {
	s, mock := newMockPG(t, time.Now())
	start := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs("carbon-gate:acme").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(kg_co2e\), 0\)`).
		WithArgs("acme", start, end).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(42.5))
	mock.ExpectCommit()

	var usage float64
	err := s.WithPolicyLock(context.Background(), "acme", func(ctx context.Context, l Ledger) error {
		var err error
		usage, err = l.UsageKg(ctx, "acme", start, end)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 42.5, usage)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGWithPolicyLockRollsBackOnError(t *testing.T) {
	s, mock := newMockPG(t, time.Now())
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.WithPolicyLock(context.Background(), "acme", func(ctx context.Context, l Ledger) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGListRecentScansRows(t *testing.T) {
	s, mock := newMockPG(t, time.Now())
	id := uuid.New()
	emitted := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT .* FROM gate_events ORDER BY emitted_at DESC, seq DESC LIMIT \$1`).
		WithArgs(5).
		WillReturnRows(sqlmock.NewRows(eventColumnNames).
			AddRow(id.String(), "acme", 3, "ml/trainer", "feat", 9.5, "A100", "RerouteRecommended", false, "meta/llama-3.1-70b-instruct", 380.0, emitted, nil, nil))

	events, err := s.ListRecent(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, id, events[0].ID)
	assert.Equal(t, models.StatusRerouteRecommended, events[0].Status)
	require.NotNil(t, events[0].RecommendedModel)
	assert.Equal(t, "meta/llama-3.1-70b-instruct", *events[0].RecommendedModel)
	assert.True(t, events[0].EmittedAt.Equal(emitted))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGLatestForRepoNotFound(t *testing.T) {
	s, mock := newMockPG(t, time.Now())
	mock.ExpectQuery("SELECT .* FROM gate_events WHERE org_id = \\$1 AND repo = \\$2").
		WithArgs("acme", "none").
		WillReturnRows(sqlmock.NewRows(eventColumnNames))

	_, err := s.LatestForRepo(context.Background(), "acme", "none")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGFetchPendingOutboxClaimsThenLoads(t *testing.T) {
	s, mock := newMockPG(t, time.Now())
	id := uuid.New()
	emitted := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("WITH claimed AS").
		WithArgs(5, OutboxMaxAttempts).
		WillReturnRows(sqlmock.NewRows([]string{"event_id"}).AddRow(id.String()))
	mock.ExpectQuery(`SELECT .* FROM gate_events WHERE id = ANY`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(eventColumnNames).
			AddRow(id.String(), "acme", 3, "ml/trainer", "main", 1.5, "A100", "Passed", false, nil, 0.0, emitted, "release-manager", "urgent security retrain"))

	events, err := s.FetchPendingOutbox(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, id, events[0].ID)
	assert.Nil(t, events[0].RecommendedModel)
	assert.Equal(t, "release-manager", events[0].OverriddenBy)
	assert.Equal(t, "urgent security retrain", events[0].Justification)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGFetchPendingOutboxEmpty(t *testing.T) {
	s, mock := newMockPG(t, time.Now())
	mock.ExpectQuery("WITH claimed AS").
		WillReturnRows(sqlmock.NewRows([]string{"event_id"}))

	events, err := s.FetchPendingOutbox(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, events)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGPutPolicyUpserts(t *testing.T) {
	now := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)
	s, mock := newMockPG(t, now)
	mock.ExpectExec("INSERT INTO budget_policies").
		WithArgs("acme", 100.0, 80.0, now).
		WillReturnResult(sqlmock.NewResult(1, 1))

	p, err := s.PutPolicy(context.Background(), models.BudgetPolicy{OrgID: "acme", BudgetKg: 100, WarningPct: 80})
	require.NoError(t, err)
	assert.True(t, p.UpdatedAt.Equal(now))
	require.NoError(t, mock.ExpectationsWereMet())
}
