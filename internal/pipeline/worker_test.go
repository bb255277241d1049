package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avtolov/avtolov/internal/config"
	"github.com/avtolov/avtolov/internal/telemetry"
)

// One registry per test binary; Prometheus rejects duplicate registration.
var testMetrics = telemetry.NewMetricsRegistry()

func newTestWorker(f *orchFixture) *Worker {
	return NewWorker(f.broker, f.orch, testMetrics, config.Default().Pipeline)
}

func TestBackoffDoublesPerAttempt(t *testing.T) {
	w := &Worker{cfg: config.PipelineConfig{BaseBackoff: time.Minute}}

	assert.Equal(t, time.Minute, w.backoff(1))
	assert.Equal(t, 2*time.Minute, w.backoff(2))
	assert.Equal(t, 4*time.Minute, w.backoff(3))
	assert.Equal(t, 32*time.Minute, w.backoff(6))
}

func TestProcessSuccessAcksAndFansOut(t *testing.T) {
	f := newOrchFixture(t)
	w := newTestWorker(f)
	ctx := context.Background()

	raw := f.addRawWithParsed(`{"title":"VW Golf","price":19000}`, time.Now().UTC())
	require.NoError(t, f.broker.Enqueue(ctx, NewJob(StageExtract, raw.ID)))

	d, err := f.broker.Dequeue(ctx, StageExtract)
	require.NoError(t, err)
	w.process(ctx, d)

	n, err := f.broker.Depth(ctx, StageExtract)
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = f.broker.Depth(ctx, StageNormalize)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestProcessRetryableGoesBackDelayed(t *testing.T) {
	f := newOrchFixture(t)
	w := newTestWorker(f)
	ctx := context.Background()

	// Normalize before extract produced output: transient, so the job is
	// redelivered after backoff rather than dropped.
	raw := f.fix.AddRaw(f.src, "111", time.Now().UTC())
	require.NoError(t, f.broker.Enqueue(ctx, NewJob(StageNormalize, raw.ID)))

	d, err := f.broker.Dequeue(ctx, StageNormalize)
	require.NoError(t, err)
	w.process(ctx, d)

	n, err := f.broker.Depth(ctx, StageNormalize)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Still invisible: the backoff has not elapsed.
	redelivered, err := f.broker.Dequeue(ctx, StageNormalize)
	require.NoError(t, err)
	assert.Nil(t, redelivered)
}

func TestProcessExhaustedAttemptsDrops(t *testing.T) {
	f := newOrchFixture(t)
	w := newTestWorker(f)
	ctx := context.Background()

	raw := f.fix.AddRaw(f.src, "111", time.Now().UTC())
	job := NewJob(StageNormalize, raw.ID)
	job.Attempt = w.cfg.MaxAttempts
	require.NoError(t, f.broker.Enqueue(ctx, job))

	d, err := f.broker.Dequeue(ctx, StageNormalize)
	require.NoError(t, err)
	w.process(ctx, d)

	n, err := f.broker.Depth(ctx, StageNormalize)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestProcessPermanentErrorDrops(t *testing.T) {
	f := newOrchFixture(t)
	w := newTestWorker(f)
	ctx := context.Background()

	// Unknown entity: not found is permanent, the job must not loop.
	require.NoError(t, f.broker.Enqueue(ctx, NewJob(StageScore, uuid.New())))

	d, err := f.broker.Dequeue(ctx, StageScore)
	require.NoError(t, err)
	w.process(ctx, d)

	n, err := f.broker.Depth(ctx, StageScore)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// countingBroker wraps the in-memory broker and counts Dequeue calls.
type countingBroker struct {
	*MemBroker
	mu       sync.Mutex
	dequeues int
}

func (b *countingBroker) Dequeue(ctx context.Context, stage string) (*Delivery, error) {
	b.mu.Lock()
	b.dequeues++
	b.mu.Unlock()
	return b.MemBroker.Dequeue(ctx, stage)
}

func (b *countingBroker) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dequeues
}

func TestRunIdlesWithoutBusyPolling(t *testing.T) {
	f := newOrchFixture(t)
	broker := &countingBroker{MemBroker: f.broker}
	cfg := config.Default().Pipeline
	w := NewWorker(broker, f.orch, testMetrics, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(500 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}

	// Every consumer pauses between empty polls, so half a second of idling
	// yields a handful of dequeues each, not a hot loop.
	consumers := cfg.IOConcurrency + (len(Stages)-1)*cfg.DBConcurrency
	assert.Less(t, broker.count(), consumers*10)
}

func TestPoolSizes(t *testing.T) {
	w := &Worker{cfg: config.PipelineConfig{IOConcurrency: 32, DBConcurrency: 8}}
	assert.Equal(t, 32, w.poolSize(StageExtract))
	assert.Equal(t, 8, w.poolSize(StageScore))
}
