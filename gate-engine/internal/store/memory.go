package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/averyhochheiser/carbon-gate/gate-engine/internal/models"
)

// MemoryStore provides an in-memory implementation useful for tests.
type MemoryStore struct {
	mu       sync.RWMutex
	events   []models.GateEvent
	policies map[string]models.BudgetPolicy
	clock    *monotonicClock
	locks    *keyedMutex
	now      func() time.Time

	// failAppend, when set, makes Append fail with ErrStoreWrite.
	failAppend error
}

func NewMemoryStore(opts ...Option) *MemoryStore {
	o := buildOptions(opts)
	return &MemoryStore{
		policies: map[string]models.BudgetPolicy{},
		clock:    newMonotonicClock(o.now),
		locks:    newKeyedMutex(),
		now:      o.now,
	}
}

// FailAppends makes subsequent appends fail with err wrapped in ErrStoreWrite.
// A nil err restores normal behaviour.
func (m *MemoryStore) FailAppends(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAppend = err
}

func copyEvent(ev models.GateEvent) models.GateEvent {
	if ev.RecommendedModel != nil {
		model := *ev.RecommendedModel
		ev.RecommendedModel = &model
	}
	return ev
}

func (m *MemoryStore) Append(ctx context.Context, ev *models.GateEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAppend != nil {
		return fmt.Errorf("%w: %w", ErrStoreWrite, m.failAppend)
	}
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	ev.EmittedAt = m.clock.Next()
	m.events = append(m.events, copyEvent(*ev))
	return nil
}

func (m *MemoryStore) ListRecent(ctx context.Context, limit int) ([]models.GateEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []models.GateEvent{}
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, copyEvent(m.events[i]))
	}
	return out, nil
}

func inWindow(t, start, end time.Time) bool {
	return !t.Before(start) && t.Before(end)
}

func (m *MemoryStore) ListBetween(ctx context.Context, start, end time.Time) ([]models.GateEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []models.GateEvent{}
	for _, ev := range m.events {
		if inWindow(ev.EmittedAt, start, end) {
			out = append(out, copyEvent(ev))
		}
	}
	return out, nil
}

func (m *MemoryStore) CountByStatus(ctx context.Context, status models.GateStatus, start, end time.Time) (int, error) {
	if status.Rank() < 0 {
		return 0, fmt.Errorf("count by status: unknown status %q", status)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, ev := range m.events {
		if !inWindow(ev.EmittedAt, start, end) {
			continue
		}
		if (status == models.StatusWarned && ev.Warned) || ev.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) UsageKg(ctx context.Context, orgID string, start, end time.Time) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0.0
	for _, ev := range m.events {
		if ev.OrgID == orgID && inWindow(ev.EmittedAt, start, end) {
			total += ev.KgCO2e
		}
	}
	return total, nil
}

func (m *MemoryStore) LatestForRepo(ctx context.Context, orgID, repo string) (models.GateEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.events) - 1; i >= 0; i-- {
		if m.events[i].OrgID == orgID && m.events[i].Repo == repo {
			return copyEvent(m.events[i]), nil
		}
	}
	return models.GateEvent{}, ErrNotFound
}

func (m *MemoryStore) GetPolicy(ctx context.Context, orgID string) (models.BudgetPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.policies[orgID]
	if !ok {
		return models.BudgetPolicy{}, ErrNotFound
	}
	return p, nil
}

func (m *MemoryStore) PutPolicy(ctx context.Context, p models.BudgetPolicy) (models.BudgetPolicy, error) {
	p.UpdatedAt = m.now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[p.OrgID] = p
	return p, nil
}

func (m *MemoryStore) WithPolicyLock(ctx context.Context, orgID string, fn func(ctx context.Context, l Ledger) error) error {
	unlock, err := m.locks.Lock(ctx, orgID)
	if err != nil {
		return fmt.Errorf("acquire policy lock: %w", err)
	}
	defer unlock()
	return fn(ctx, m)
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}
