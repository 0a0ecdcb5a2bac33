package stream

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/averyhochheiser/carbon-gate/gate-engine/internal/models"
)

type Producer interface {
	Produce(ctx context.Context, key, value []byte) (partition int, offset int64, producedAt time.Time, err error)
	Close() error
}

// OutboxStore is implemented by store.PGStore.
type OutboxStore interface {
	FetchPendingOutbox(ctx context.Context, limit int) ([]models.GateEvent, error)
	MarkOutboxResult(ctx context.Context, id uuid.UUID, archivedKey sql.NullString, success bool, errMsg sql.NullString) error
}

type StreamerConfig struct {
	BatchSize      int
	PollInterval   time.Duration
	MaxConcurrency int
	// EventTimeout bounds produce plus archive for one event.
	EventTimeout time.Duration
}

// Streamer drains the gate event outbox: each claimed event is produced to
// Kafka, archived to S3, then marked done. Failures are marked on the outbox
// row and retried on a later claim.
type Streamer struct {
	store    OutboxStore
	producer Producer
	archiver Archiver
	cfg      StreamerConfig
}

func NewStreamer(store OutboxStore, producer Producer, archiver Archiver, cfg StreamerConfig) *Streamer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	if cfg.EventTimeout <= 0 {
		cfg.EventTimeout = 30 * time.Second
	}
	return &Streamer{store: store, producer: producer, archiver: archiver, cfg: cfg}
}

// Run blocks until ctx is cancelled, then closes the producer.
func (s *Streamer) Run(ctx context.Context) error {
	log.Info().Int("batch", s.cfg.BatchSize).Int("concurrency", s.cfg.MaxConcurrency).Msg("gate event streamer starting")
	defer func() {
		if s.producer != nil {
			_ = s.producer.Close()
		}
		log.Info().Msg("gate event streamer stopped")
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := s.RunOnce(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("fetch pending outbox")
		}
		if err != nil || n == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.PollInterval):
			}
		}
	}
}

// RunOnce claims one batch and processes it, returning the number claimed.
func (s *Streamer) RunOnce(ctx context.Context) (int, error) {
	events, err := s.store.FetchPendingOutbox(ctx, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	sem := make(chan struct{}, s.cfg.MaxConcurrency)
	var wg sync.WaitGroup
	for _, ev := range events {
		sem <- struct{}{}
		wg.Add(1)
		go func(ev models.GateEvent) {
			defer func() {
				<-sem
				wg.Done()
			}()
			if err := s.processEvent(ctx, ev); err != nil {
				log.Warn().Err(err).Str("event_id", ev.ID.String()).Msg("stream gate event")
			}
		}(ev)
	}
	wg.Wait()
	return len(events), nil
}

func (s *Streamer) processEvent(parent context.Context, ev models.GateEvent) error {
	ctx, cancel := context.WithTimeout(parent, s.cfg.EventTimeout)
	defer cancel()

	fail := func(stage string, err error) error {
		msg := sql.NullString{String: fmt.Sprintf("%s: %v", stage, err), Valid: true}
		if markErr := s.store.MarkOutboxResult(parent, ev.ID, sql.NullString{}, false, msg); markErr != nil {
			log.Error().Err(markErr).Str("event_id", ev.ID.String()).Msg("mark outbox failure")
		}
		return fmt.Errorf("%s: %w", stage, err)
	}

	canon, digest, err := Canonical(ev)
	if err != nil {
		return fail("canonicalize", err)
	}
	_, _, producedAt, err := s.producer.Produce(ctx, []byte(ev.Repo), canon)
	if err != nil {
		return fail("kafka produce", err)
	}
	key, err := s.archiver.Archive(ctx, ev, canon, digest)
	if err != nil {
		return fail("s3 archive", err)
	}
	if err := s.store.MarkOutboxResult(parent, ev.ID, sql.NullString{String: key, Valid: true}, true, sql.NullString{}); err != nil {
		return fmt.Errorf("mark outbox success: %w", err)
	}
	log.Debug().
		Str("event_id", ev.ID.String()).
		Time("produced_at", producedAt).
		Str("archived_key", key).
		Msg("gate event streamed")
	return nil
}
