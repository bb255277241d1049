package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemBrokerFIFO(t *testing.T) {
	b := NewMemBroker()
	ctx := context.Background()

	first := NewJob(StageExtract, uuid.New())
	second := NewJob(StageExtract, uuid.New())
	require.NoError(t, b.Enqueue(ctx, first))
	require.NoError(t, b.Enqueue(ctx, second))

	d1, err := b.Dequeue(ctx, StageExtract)
	require.NoError(t, err)
	assert.Equal(t, first.EntityID, d1.Job.EntityID)

	d2, err := b.Dequeue(ctx, StageExtract)
	require.NoError(t, err)
	assert.Equal(t, second.EntityID, d2.Job.EntityID)

	empty, err := b.Dequeue(ctx, StageExtract)
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestMemBrokerStagesIsolated(t *testing.T) {
	b := NewMemBroker()
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, NewJob(StageScore, uuid.New())))

	d, err := b.Dequeue(ctx, StageNotify)
	require.NoError(t, err)
	assert.Nil(t, d)

	n, err := b.Depth(ctx, StageScore)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMemBrokerDelayedPromotion(t *testing.T) {
	b := NewMemBroker()
	ctx := context.Background()

	require.NoError(t, b.EnqueueAfter(ctx, NewJob(StageScore, uuid.New()), time.Hour))

	d, err := b.Dequeue(ctx, StageScore)
	require.NoError(t, err)
	assert.Nil(t, d)

	// Delayed jobs count toward depth even while invisible.
	n, err := b.Depth(ctx, StageScore)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, b.EnqueueAfter(ctx, NewJob(StageScore, uuid.New()), -time.Second))
	d, err = b.Dequeue(ctx, StageScore)
	require.NoError(t, err)
	require.NotNil(t, d)
}

func TestMemBrokerNackIncrementsAttempt(t *testing.T) {
	b := NewMemBroker()
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, NewJob(StageDedupe, uuid.New())))
	d, err := b.Dequeue(ctx, StageDedupe)
	require.NoError(t, err)
	require.Equal(t, 1, d.Job.Attempt)

	require.NoError(t, b.Nack(ctx, d, -time.Second))

	redelivered, err := b.Dequeue(ctx, StageDedupe)
	require.NoError(t, err)
	require.NotNil(t, redelivered)
	assert.Equal(t, 2, redelivered.Job.Attempt)
	assert.Equal(t, d.Job.ID, redelivered.Job.ID)
}

func TestNewJob(t *testing.T) {
	id := uuid.New()
	job := NewJob(StageNormalize, id)

	assert.Equal(t, StageNormalize, job.Stage)
	assert.Equal(t, id, job.EntityID)
	assert.Equal(t, 1, job.Attempt)
	assert.NotEqual(t, uuid.Nil, job.ID)
	assert.WithinDuration(t, time.Now(), job.Enqueued, time.Minute)
}
