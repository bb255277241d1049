// Package pipeline schedules the stage DAG over a durable broker:
// raw -> extract -> normalize -> dedupe -> score -> notify. Delivery is
// at-least-once; every stage handler is idempotent.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/avtolov/avtolov/internal/model"
)

// Stage names, in DAG order.
const (
	StageExtract   = "extract"
	StageNormalize = "normalize"
	StageDedupe    = "dedupe"
	StageScore     = "score"
	StageNotify    = "notify"
)

// Stages lists every queue a worker consumes.
var Stages = []string{StageExtract, StageNormalize, StageDedupe, StageScore, StageNotify}

// Job is one work unit: a stage applied to one entity id (raw listing for
// extract/normalize, normalized listing for the rest).
type Job struct {
	ID       uuid.UUID `json:"id"`
	Stage    string    `json:"stage"`
	EntityID uuid.UUID `json:"entity_id"`
	Attempt  int       `json:"attempt"`
	Enqueued time.Time `json:"enqueued"`
}

// Delivery is a dequeued job plus the broker bookkeeping needed to settle it.
type Delivery struct {
	Job     Job
	payload string
}

// Broker is the stage queue abstraction. Redis in production, in-memory in
// tests.
type Broker interface {
	Enqueue(ctx context.Context, job Job) error
	// EnqueueAfter schedules the job to become visible after delay.
	EnqueueAfter(ctx context.Context, job Job, delay time.Duration) error
	// Dequeue blocks up to the broker's poll interval; a nil delivery means
	// the queue was empty.
	Dequeue(ctx context.Context, stage string) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	// Nack returns the job for redelivery after delay.
	Nack(ctx context.Context, d *Delivery, delay time.Duration) error
	Depth(ctx context.Context, stage string) (int64, error)
}

// NewJob builds a work unit for a stage.
func NewJob(stage string, entityID uuid.UUID) Job {
	return Job{ID: uuid.New(), Stage: stage, EntityID: entityID, Attempt: 1, Enqueued: time.Now().UTC()}
}

// RedisBroker keeps one list per stage, a lease set for in-flight
// deliveries and a sorted set for delayed redelivery. Crash recovery: a
// reaper requeues leases whose visibility timeout expired.
type RedisBroker struct {
	rdb        *redis.Client
	visibility time.Duration
	poll       time.Duration
}

func NewRedisBroker(rdb *redis.Client, visibility time.Duration) *RedisBroker {
	return &RedisBroker{rdb: rdb, visibility: visibility, poll: 2 * time.Second}
}

func queueKey(stage string) string   { return "pipe:q:" + stage }
func leaseKey(stage string) string   { return "pipe:lease:" + stage }
func delayedKey(stage string) string { return "pipe:delay:" + stage }

func (b *RedisBroker) Enqueue(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	if err := b.rdb.LPush(ctx, queueKey(job.Stage), payload).Err(); err != nil {
		return model.Transient("broker enqueue", err)
	}
	return nil
}

func (b *RedisBroker) EnqueueAfter(ctx context.Context, job Job, delay time.Duration) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	due := float64(time.Now().Add(delay).UnixMilli())
	if err := b.rdb.ZAdd(ctx, delayedKey(job.Stage), redis.Z{Score: due, Member: payload}).Err(); err != nil {
		return model.Transient("broker enqueue delayed", err)
	}
	return nil
}

func (b *RedisBroker) Dequeue(ctx context.Context, stage string) (*Delivery, error) {
	payload, err := b.rdb.BRPopLPush(ctx, queueKey(stage), leaseKey(stage)+":list", b.poll).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, model.Transient("broker dequeue", err)
	}

	// Record the lease deadline so the reaper can recover after a crash.
	deadline := float64(time.Now().Add(b.visibility).UnixMilli())
	if err := b.rdb.ZAdd(ctx, leaseKey(stage), redis.Z{Score: deadline, Member: payload}).Err(); err != nil {
		log.Warn().Str("stage", stage).Err(err).Msg("lease record failed")
	}

	var job Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		// Poison payload: drop it rather than loop forever.
		b.settle(ctx, stage, payload)
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &Delivery{Job: job, payload: payload}, nil
}

func (b *RedisBroker) Ack(ctx context.Context, d *Delivery) error {
	b.settle(ctx, d.Job.Stage, d.payload)
	return nil
}

func (b *RedisBroker) Nack(ctx context.Context, d *Delivery, delay time.Duration) error {
	b.settle(ctx, d.Job.Stage, d.payload)
	job := d.Job
	job.Attempt++
	return b.EnqueueAfter(ctx, job, delay)
}

func (b *RedisBroker) settle(ctx context.Context, stage, payload string) {
	pipe := b.rdb.TxPipeline()
	pipe.LRem(ctx, leaseKey(stage)+":list", 1, payload)
	pipe.ZRem(ctx, leaseKey(stage), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn().Str("stage", stage).Err(err).Msg("lease settle failed")
	}
}

func (b *RedisBroker) Depth(ctx context.Context, stage string) (int64, error) {
	n, err := b.rdb.LLen(ctx, queueKey(stage)).Result()
	if err != nil {
		return 0, model.Transient("broker depth", err)
	}
	return n, nil
}

// Reap moves due delayed jobs onto their queues and requeues expired
// leases. Called periodically by the worker runtime.
func (b *RedisBroker) Reap(ctx context.Context) {
	now := float64(time.Now().UnixMilli())
	for _, stage := range Stages {
		b.drainDue(ctx, delayedKey(stage), "", queueKey(stage), now, "delayed")
		b.drainDue(ctx, leaseKey(stage), leaseKey(stage)+":list", queueKey(stage), now, "expired lease")
	}
}

// drainDue moves zset members scored before now onto the target queue,
// removing them from the companion list when one exists.
func (b *RedisBroker) drainDue(ctx context.Context, from, fromList, to string, now float64, kind string) {
	members, err := b.rdb.ZRangeByScore(ctx, from, &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%f", now), Count: 100,
	}).Result()
	if err != nil || len(members) == 0 {
		return
	}
	for _, m := range members {
		pipe := b.rdb.TxPipeline()
		pipe.ZRem(ctx, from, m)
		if fromList != "" {
			pipe.LRem(ctx, fromList, 1, m)
		}
		pipe.LPush(ctx, to, m)
		if _, err := pipe.Exec(ctx); err != nil {
			log.Warn().Str("kind", kind).Err(err).Msg("requeue failed")
			continue
		}
	}
	log.Debug().Str("kind", kind).Int("count", len(members)).Msg("jobs requeued")
}
