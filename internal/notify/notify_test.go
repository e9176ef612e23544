package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"esign-workflow/internal/db/dbtest"
	"esign-workflow/internal/domain"
	"esign-workflow/internal/worker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

type recordingSender struct {
	mu   sync.Mutex
	seen []string
	err  error
}

func (s *recordingSender) Send(ctx context.Context, ev *domain.OutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, ev.ID)
	return s.err
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

func TestRecord_WritesRowInTransaction(t *testing.T) {
	db := dbtest.Open(t)

	err := db.Transaction(func(tx *gorm.DB) error {
		return Record(tx, domain.EventVersionLocked, "v1", VersionLockedPayload{VersionID: "v1", Recipients: []string{"alice@example.com"}})
	})
	require.NoError(t, err)

	var rows []domain.OutboxEvent
	require.NoError(t, db.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, domain.EventVersionLocked, rows[0].Kind)
	assert.Equal(t, "v1", rows[0].AggregateID)
	assert.Nil(t, rows[0].DispatchedAt)

	var payload VersionLockedPayload
	require.NoError(t, json.Unmarshal(rows[0].Payload, &payload))
	assert.Equal(t, []string{"alice@example.com"}, payload.Recipients)
}

func TestRecord_RolledBackWithTransaction(t *testing.T) {
	db := dbtest.Open(t)

	boom := errors.New("boom")
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := Record(tx, domain.EventStatusChanged, "v1", StatusChangedPayload{VersionID: "v1"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var count int64
	require.NoError(t, db.Model(&domain.OutboxEvent{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestDispatcher_MarksDeliveredRows(t *testing.T) {
	db := dbtest.Open(t)
	require.NoError(t, Record(db, domain.EventStatusChanged, "v1", StatusChangedPayload{VersionID: "v1", From: "draft", To: "locked"}))
	require.NoError(t, Record(db, domain.EventVersionLocked, "v1", VersionLockedPayload{VersionID: "v1"}))

	sender := &recordingSender{}
	pool := worker.NewWorkerPool(1, 10, zap.NewNop())
	d := NewDispatcher(db, sender, pool, zap.NewNop(), time.Second)

	queued, err := d.DispatchPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, queued)
	pool.Shutdown(context.Background())

	assert.Equal(t, 2, sender.count())

	var pending int64
	require.NoError(t, db.Model(&domain.OutboxEvent{}).Where("dispatched_at IS NULL").Count(&pending).Error)
	assert.Zero(t, pending)
}

func TestDispatcher_FailedDeliveryStaysPending(t *testing.T) {
	db := dbtest.Open(t)
	require.NoError(t, Record(db, domain.EventVersionCompleted, "v1", VersionCompletedPayload{VersionID: "v1"}))

	sender := &recordingSender{err: errors.New("endpoint down")}
	pool := worker.NewWorkerPool(1, 10, zap.NewNop())
	d := NewDispatcher(db, sender, pool, zap.NewNop(), time.Second)

	_, err := d.DispatchPending(context.Background())
	require.NoError(t, err)
	pool.Shutdown(context.Background())

	var row domain.OutboxEvent
	require.NoError(t, db.First(&row).Error)
	assert.Nil(t, row.DispatchedAt)
	assert.Equal(t, 1, row.Attempts)
}

func TestDispatcher_LogsUnrecordedAttempt(t *testing.T) {
	db := dbtest.Open(t)
	require.NoError(t, Record(db, domain.EventVersionCompleted, "v1", VersionCompletedPayload{VersionID: "v1"}))
	var ev domain.OutboxEvent
	require.NoError(t, db.First(&ev).Error)
	require.NoError(t, db.Migrator().DropTable(&domain.OutboxEvent{}))

	core, logs := observer.New(zap.WarnLevel)
	sender := &recordingSender{err: errors.New("endpoint down")}
	d := NewDispatcher(db, sender, nil, zap.New(core), time.Second)

	err := d.deliver(context.Background(), &ev)
	assert.EqualError(t, err, "endpoint down")
	assert.Equal(t, 1, logs.FilterMessage("notification delivery failed").Len())
	assert.Equal(t, 1, logs.FilterMessage("failed to record delivery attempt").Len())
}

func TestWebhookClient_SignsBody(t *testing.T) {
	var (
		gotSig  string
		gotID   string
		gotType string
		gotBody []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(SignatureHeader)
		gotID = r.Header.Get(EventIDHeader)
		gotType = r.Header.Get(EventTypeHeader)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ev := &domain.OutboxEvent{
		ID:          "e1",
		Kind:        domain.EventSignatureCreated,
		AggregateID: "v1",
		Payload:     []byte(`{"version_id":"v1"}`),
		CreatedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	c := NewWebhookClient(srv.URL, "s3cret")
	require.NoError(t, c.Send(context.Background(), ev))

	assert.Equal(t, "e1", gotID)
	assert.Equal(t, "signature_created", gotType)
	assert.Equal(t, Sign("s3cret", gotBody), gotSig)

	var env Envelope
	require.NoError(t, json.Unmarshal(gotBody, &env))
	assert.Equal(t, "v1", env.AggregateID)
	assert.JSONEq(t, `{"version_id":"v1"}`, string(env.Payload))
}

func TestWebhookClient_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewWebhookClient(srv.URL, "")
	err := c.Send(context.Background(), &domain.OutboxEvent{ID: "e1", Payload: []byte(`{}`)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=503")
}
