package stream

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/averyhochheiser/carbon-gate/gate-engine/internal/models"
	"github.com/averyhochheiser/carbon-gate/gate-engine/internal/store"
)

type fakeProducer struct {
	mu     sync.Mutex
	keys   []string
	values [][]byte
	err    error
	closed bool
}

func (f *fakeProducer) Produce(ctx context.Context, key, value []byte) (int, int64, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return -1, -1, time.Time{}, f.err
	}
	f.keys = append(f.keys, string(key))
	f.values = append(f.values, value)
	return -1, -1, time.Now().UTC(), nil
}

func (f *fakeProducer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakeArchiver struct {
	err error
}

func (f *fakeArchiver) Archive(ctx context.Context, ev models.GateEvent, canonical []byte, digest string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return ObjectKey("archive", ev), nil
}

func sampleEvent() models.GateEvent {
	model := "meta/llama-3.3-70b-instruct"
	return models.GateEvent{
		ID:               uuid.MustParse("7f1c3c2e-4d43-4a59-9c1e-2f7f7b1d9a10"),
		OrgID:            "acme",
		PRNumber:         12,
		Repo:             "ml/trainer",
		Branch:           "main",
		KgCO2e:           42.5,
		GPUType:          "H100",
		Status:           models.StatusRerouteRecommended,
		RecommendedModel: &model,
		EmittedAt:        time.Date(2026, 10, 19, 9, 30, 0, 0, time.UTC),
	}
}

func newPGStreamer(t *testing.T, prod Producer, arch Archiver) (*Streamer, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s := NewStreamer(store.NewPGStore(db), prod, arch, StreamerConfig{BatchSize: 1, MaxConcurrency: 1, PollInterval: time.Second})
	return s, mock
}

func TestProcessEventSuccess(t *testing.T) {
	prod := &fakeProducer{}
	s, mock := newPGStreamer(t, prod, &fakeArchiver{})
	ev := sampleEvent()

	mock.ExpectExec("UPDATE\\s+gate_event_outbox\\s+SET stream_status = 'done'").
		WithArgs("archive/gate-events/2026/10/19/"+ev.ID.String()+".json", ev.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.processEvent(context.Background(), ev))
	require.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, []string{"ml/trainer"}, prod.keys)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(prod.values[0], &got))
	assert.Equal(t, EventType, got["eventType"])
	assert.Equal(t, "RerouteRecommended", got["status"])
}

func TestProcessEventProducerFailure(t *testing.T) {
	s, mock := newPGStreamer(t, &fakeProducer{err: errors.New("broker down")}, &fakeArchiver{})
	ev := sampleEvent()

	mock.ExpectExec("UPDATE\\s+gate_event_outbox\\s+SET stream_status = 'failed'").
		WithArgs(sqlmock.AnyArg(), ev.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.processEvent(context.Background(), ev)
	assert.ErrorContains(t, err, "kafka produce")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessEventArchiveFailure(t *testing.T) {
	s, mock := newPGStreamer(t, &fakeProducer{}, &fakeArchiver{err: errors.New("access denied")})
	ev := sampleEvent()

	mock.ExpectExec("UPDATE\\s+gate_event_outbox").
		WithArgs(sqlmock.AnyArg(), ev.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.processEvent(context.Background(), ev)
	assert.ErrorContains(t, err, "s3 archive")
	require.NoError(t, mock.ExpectationsWereMet())
}

type memOutbox struct {
	mu      sync.Mutex
	pending []models.GateEvent
	results map[uuid.UUID]bool
}

func (m *memOutbox) FetchPendingOutbox(ctx context.Context, limit int) ([]models.GateEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit > len(m.pending) {
		limit = len(m.pending)
	}
	out := m.pending[:limit]
	m.pending = m.pending[limit:]
	return out, nil
}

func (m *memOutbox) MarkOutboxResult(ctx context.Context, id uuid.UUID, _ sql.NullString, success bool, _ sql.NullString) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[id] = success
	return nil
}

func TestRunOnceDrainsBatch(t *testing.T) {
	outbox := &memOutbox{results: map[uuid.UUID]bool{}}
	for i := 0; i < 4; i++ {
		ev := sampleEvent()
		ev.ID = uuid.New()
		outbox.pending = append(outbox.pending, ev)
	}
	prod := &fakeProducer{}
	s := NewStreamer(outbox, prod, &fakeArchiver{}, StreamerConfig{BatchSize: 3, MaxConcurrency: 2})

	n, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Len(t, outbox.results, 4)
	for _, ok := range outbox.results {
		assert.True(t, ok)
	}
}

func TestRunClosesProducerOnCancel(t *testing.T) {
	outbox := &memOutbox{results: map[uuid.UUID]bool{}}
	prod := &fakeProducer{}
	s := NewStreamer(outbox, prod, &fakeArchiver{}, StreamerConfig{PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("streamer did not stop")
	}
	assert.True(t, prod.closed)
}

func TestCanonicalIsStable(t *testing.T) {
	ev := sampleEvent()
	a, digestA, err := Canonical(ev)
	require.NoError(t, err)
	b, digestB, err := Canonical(ev)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, digestA, digestB)
	assert.Len(t, digestA, 64)
	assert.Contains(t, string(a), `"branch":"main","emittedAt":"2026-10-19T09:30:00Z"`)
}

type captureUploader struct {
	input *s3.PutObjectInput
}

func (c *captureUploader) Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	c.input = input
	return &manager.UploadOutput{}, nil
}

func TestS3ArchiverKeyAndEncryption(t *testing.T) {
	up := &captureUploader{}
	a := &S3Archiver{bucket: "gate-archive", prefix: "prod", uploader: up}
	ev := sampleEvent()

	key, err := a.Archive(context.Background(), ev, []byte(`{}`), "abc")
	require.NoError(t, err)
	assert.Equal(t, "prod/gate-events/2026/10/19/"+ev.ID.String()+".json", key)
	require.NotNil(t, up.input)
	assert.Equal(t, "gate-archive", *up.input.Bucket)
	assert.Equal(t, s3types.ServerSideEncryptionAes256, up.input.ServerSideEncryption)
	assert.Equal(t, "abc", up.input.Metadata["sha256"])
}
