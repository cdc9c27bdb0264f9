package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/avatar-render/internal/billing"
	"github.com/cuongbtq/avatar-render/internal/domain"
	"github.com/cuongbtq/avatar-render/internal/reconciler"
	"github.com/cuongbtq/avatar-render/internal/storage/memstore"
	"github.com/cuongbtq/avatar-render/shared/clock"
	"github.com/cuongbtq/avatar-render/shared/rabbitmq"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 5, 14, 10, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ackRecorder implements amqp.Acknowledger
type ackRecorder struct {
	mu     sync.Mutex
	acked  []uint64
	nacked map[uint64]bool
	done   chan struct{}
}

func newAckRecorder(expected int) *ackRecorder {
	return &ackRecorder{nacked: map[uint64]bool{}, done: make(chan struct{}, expected)}
}

func (a *ackRecorder) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	a.acked = append(a.acked, tag)
	a.mu.Unlock()
	a.done <- struct{}{}
	return nil
}

func (a *ackRecorder) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	a.nacked[tag] = requeue
	a.mu.Unlock()
	a.done <- struct{}{}
	return nil
}

func (a *ackRecorder) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *ackRecorder) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-a.done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %d acknowledgements, got %d", n, i)
		}
	}
}

type chanConsumer struct {
	deliveries chan amqp.Delivery
}

func (c *chanConsumer) Consume(string) (<-chan amqp.Delivery, error) {
	return c.deliveries, nil
}

type stubReconciler struct {
	mode     domain.ProcessingMode
	sweeps   int
	expiries int
}

func (s *stubReconciler) Mode() domain.ProcessingMode { return s.mode }

func (s *stubReconciler) Sweep(context.Context) (reconciler.SweepStats, error) {
	s.sweeps++
	return reconciler.SweepStats{}, nil
}

func (s *stubReconciler) ExpireStale(context.Context) (int, error) {
	s.expiries++
	return 0, nil
}

type failingSettler struct {
	err error
}

func (f failingSettler) SettleJob(context.Context, string) (*domain.CommissionEvent, error) {
	return nil, f.err
}

func (f failingSettler) Backfill(context.Context, int) (int, error) { return 0, nil }

func completedJob(t *testing.T, store *memstore.Store, price int64) string {
	t.Helper()
	id := uuid.NewString()
	require.NoError(t, store.CreateJob(context.Background(), &domain.RenderJob{
		ID:         id,
		CloneID:    "clone-1",
		ProducerID: "producer-1",
		State:      domain.JobStateCompleted,
		Cost:       1,
		PriceCents: price,
		Currency:   "USD",
		CreatedAt:  testNow,
		UpdatedAt:  testNow,
	}))
	return id
}

func delivery(acks *ackRecorder, tag uint64, body []byte) amqp.Delivery {
	return amqp.Delivery{Acknowledger: acks, DeliveryTag: tag, Body: body}
}

func settlementBody(t *testing.T, jobID string) []byte {
	t.Helper()
	body, err := json.Marshal(SettlementMessage{JobID: jobID})
	require.NoError(t, err)
	return body
}

func startWorker(t *testing.T, settler Settler, consumer Consumer) (cancel func()) {
	t.Helper()
	w := NewWorker(&Config{
		Logger:      discardLogger(),
		WorkerID:    "worker-test",
		Consumer:    consumer,
		Settler:     settler,
		Concurrency: 2,
		JobTimeout:  time.Second,
	})

	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, w.Start(ctx))
	}()
	return func() {
		stop()
		<-done
		w.Stop()
	}
}

func TestWorker_SettlesQueuedJobs(t *testing.T) {
	store := memstore.New()
	calc := billing.New(store, billing.FeePolicy{Kind: billing.FeePercentage, BasisPoints: 1000}, clock.Fake(testNow), discardLogger())

	paid := completedJob(t, store, 1000)
	free := completedJob(t, store, 0)

	acks := newAckRecorder(4)
	consumer := &chanConsumer{deliveries: make(chan amqp.Delivery, 4)}
	consumer.deliveries <- delivery(acks, 1, settlementBody(t, paid))
	consumer.deliveries <- delivery(acks, 2, settlementBody(t, paid))
	consumer.deliveries <- delivery(acks, 3, settlementBody(t, free))
	consumer.deliveries <- delivery(acks, 4, []byte("{not json"))

	stop := startWorker(t, calc, consumer)
	acks.wait(t, 4)
	stop()

	assert.ElementsMatch(t, []uint64{1, 2, 3}, acks.acked)
	assert.Equal(t, map[uint64]bool{4: false}, acks.nacked)

	count, err := store.CountCommissions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count, "duplicate deliveries settle once and free jobs record nothing")

	event, err := store.GetCommissionByJob(context.Background(), paid)
	require.NoError(t, err)
	assert.Equal(t, int64(100), event.FeeCents)
	assert.Equal(t, domain.CommissionPending, event.Status)
}

func TestWorker_RejectsInvalidJobID(t *testing.T) {
	acks := newAckRecorder(1)
	consumer := &chanConsumer{deliveries: make(chan amqp.Delivery, 1)}
	consumer.deliveries <- delivery(acks, 7, settlementBody(t, "not-a-uuid"))

	stop := startWorker(t, failingSettler{}, consumer)
	acks.wait(t, 1)
	stop()

	assert.Empty(t, acks.acked)
	assert.Equal(t, map[uint64]bool{7: false}, acks.nacked)
}

func TestWorker_RequeuesTransientFailureOnce(t *testing.T) {
	acks := newAckRecorder(2)
	consumer := &chanConsumer{deliveries: make(chan amqp.Delivery, 2)}
	first := delivery(acks, 1, settlementBody(t, uuid.NewString()))
	again := delivery(acks, 2, settlementBody(t, uuid.NewString()))
	again.Redelivered = true
	consumer.deliveries <- first
	consumer.deliveries <- again

	stop := startWorker(t, failingSettler{err: errors.New("connection reset")}, consumer)
	acks.wait(t, 2)
	stop()

	assert.Equal(t, map[uint64]bool{1: true, 2: false}, acks.nacked)
}

func TestShouldRequeueJob(t *testing.T) {
	w := NewWorker(&Config{Logger: discardLogger()})

	tests := []struct {
		name        string
		err         error
		redelivered bool
		want        bool
	}{
		{name: "transient", err: NewRetryableError(errors.New("timeout")), want: true},
		{name: "transient after redelivery", err: NewRetryableError(errors.New("timeout")), redelivered: true, want: false},
		{name: "missing job", err: domain.ErrJobNotFound, want: false},
		{name: "job not completed", err: domain.ErrInvalidTransition, want: false},
		{name: "fee misconfigured", err: domain.ErrInvalidFeeConfiguration, want: false},
		{name: "unknown", err: errors.New("boom"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, w.shouldRequeueJob(tt.err, tt.redelivered))
		})
	}
}

func TestRunSweepOnce(t *testing.T) {
	store := memstore.New()
	calc := billing.New(store, billing.FeePolicy{Kind: billing.FeeFlat, FlatCents: 25}, clock.Fake(testNow), discardLogger())
	jobID := completedJob(t, store, 500)

	tests := []struct {
		mode       domain.ProcessingMode
		wantSweeps int
	}{
		{mode: domain.ModePush, wantSweeps: 0},
		{mode: domain.ModePoll, wantSweeps: 1},
		{mode: domain.ModeHybrid, wantSweeps: 1},
	}

	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			rec := &stubReconciler{mode: tt.mode}
			w := NewWorker(&Config{Logger: discardLogger(), Settler: calc, Reconciler: rec})

			require.NoError(t, w.RunSweepOnce(context.Background()))
			assert.Equal(t, tt.wantSweeps, rec.sweeps)
			assert.Equal(t, 1, rec.expiries)
		})
	}

	event, err := store.GetCommissionByJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, int64(25), event.FeeCents)
}

type recordingPublisher struct {
	messages []rabbitmq.Message
	err      error
}

func (p *recordingPublisher) PublishWithRetry(_ context.Context, msg rabbitmq.Message) error {
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, msg)
	return nil
}

func TestQueueSettler_Dispatch(t *testing.T) {
	completed := testNow.Add(time.Minute)
	job := &domain.RenderJob{ID: "job-1", ProducerID: "producer-1", CompletedAt: &completed}

	pub := &recordingPublisher{}
	settler := NewQueueSettler(pub, discardLogger())
	require.NoError(t, settler.Dispatch(context.Background(), job))

	require.Len(t, pub.messages, 1)
	msg := pub.messages[0]
	assert.Equal(t, "settle-job-1", msg.MessageID)
	assert.Equal(t, SettlementMessageType, msg.Type)

	var decoded SettlementMessage
	require.NoError(t, json.Unmarshal(msg.Body, &decoded))
	assert.Equal(t, "job-1", decoded.JobID)
	assert.Equal(t, "producer-1", decoded.ProducerID)
	assert.True(t, completed.Equal(decoded.CompletedAt))

	pub.err = rabbitmq.ErrNotConnected
	err := settler.Dispatch(context.Background(), job)
	assert.ErrorIs(t, err, rabbitmq.ErrNotConnected)
}

func TestWorker_StartReturnsWhenDeliveriesClose(t *testing.T) {
	consumer := &chanConsumer{deliveries: make(chan amqp.Delivery)}
	w := NewWorker(&Config{
		Logger:      discardLogger(),
		WorkerID:    "worker-test",
		Consumer:    consumer,
		Settler:     failingSettler{},
		Concurrency: 1,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- w.Start(context.Background()) }()

	close(consumer.deliveries)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrConsumerClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Start kept blocking after the delivery channel closed")
	}
	w.Stop()
}
