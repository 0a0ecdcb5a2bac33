package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/averyhochheiser/carbon-gate/gate-engine/internal/models"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrStoreWrite = errors.New("store write failed")
)

// Ledger is the append-only gate event log. Appends are the only mutation.
type Ledger interface {
	// Append assigns ID (when nil) and EmittedAt, then persists ev.
	Append(ctx context.Context, ev *models.GateEvent) error
	// ListRecent returns at most limit events, newest first.
	ListRecent(ctx context.Context, limit int) ([]models.GateEvent, error)
	// ListBetween returns events with start <= emittedAt < end, oldest first.
	ListBetween(ctx context.Context, start, end time.Time) ([]models.GateEvent, error)
	// CountByStatus counts events in [start, end). StatusWarned counts rows
	// flagged warned; StatusPassed counts every Passed row, warned or not.
	CountByStatus(ctx context.Context, status models.GateStatus, start, end time.Time) (int, error)
	// UsageKg sums kgCO2e of every event for orgID in [start, end).
	UsageKg(ctx context.Context, orgID string, start, end time.Time) (float64, error)
	// LatestForRepo returns orgID's newest event for repo, or ErrNotFound.
	LatestForRepo(ctx context.Context, orgID, repo string) (models.GateEvent, error)
}

type PolicyStore interface {
	GetPolicy(ctx context.Context, orgID string) (models.BudgetPolicy, error)
	PutPolicy(ctx context.Context, p models.BudgetPolicy) (models.BudgetPolicy, error)
}

type Store interface {
	Ledger
	PolicyStore
	// WithPolicyLock runs fn while holding the exclusive lock for orgID. The
	// ledger passed to fn must be used for every read and append inside fn.
	WithPolicyLock(ctx context.Context, orgID string, fn func(ctx context.Context, l Ledger) error) error
	Ping(ctx context.Context) error
}

type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces the wall clock used to stamp appended events.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// monotonicClock never hands out a timestamp earlier than the previous one.
type monotonicClock struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

func newMonotonicClock(now func() time.Time) *monotonicClock {
	return &monotonicClock{now: now}
}

func (c *monotonicClock) Next() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now().UTC().Truncate(time.Microsecond)
	if t.Before(c.last) {
		t = c.last
	}
	c.last = t
	return t
}

// keyedMutex is a set of per-key locks whose waits honour context cancellation.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: map[string]*keyedEntry{}}
}

func (k *keyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
		return func() {
			<-e.ch
			k.release(key, e)
		}, nil
	case <-ctx.Done():
		k.release(key, e)
		return nil, ctx.Err()
	}
}

func (k *keyedMutex) release(key string, e *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
}
