package pipeline

import (
	"context"
	"sync"
	"time"
)

// MemBroker is an in-process Broker for tests and the ad-hoc score
// subcommand. Delayed jobs become visible on the next Dequeue after their
// due time; there is no visibility timeout because nothing crashes
// in-process.
type MemBroker struct {
	mu      sync.Mutex
	queues  map[string][]Job
	delayed map[string][]delayedJob
}

type delayedJob struct {
	job Job
	due time.Time
}

func NewMemBroker() *MemBroker {
	return &MemBroker{
		queues:  make(map[string][]Job),
		delayed: make(map[string][]delayedJob),
	}
}

func (b *MemBroker) Enqueue(_ context.Context, job Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queues[job.Stage] = append(b.queues[job.Stage], job)
	return nil
}

func (b *MemBroker) EnqueueAfter(_ context.Context, job Job, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delayed[job.Stage] = append(b.delayed[job.Stage], delayedJob{job: job, due: time.Now().Add(delay)})
	return nil
}

func (b *MemBroker) Dequeue(_ context.Context, stage string) (*Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.promoteDue(stage)
	q := b.queues[stage]
	if len(q) == 0 {
		return nil, nil
	}
	job := q[0]
	b.queues[stage] = q[1:]
	return &Delivery{Job: job}, nil
}

func (b *MemBroker) promoteDue(stage string) {
	now := time.Now()
	var still []delayedJob
	for _, d := range b.delayed[stage] {
		if d.due.After(now) {
			still = append(still, d)
			continue
		}
		b.queues[stage] = append(b.queues[stage], d.job)
	}
	b.delayed[stage] = still
}

func (b *MemBroker) Ack(context.Context, *Delivery) error { return nil }

func (b *MemBroker) Nack(ctx context.Context, d *Delivery, delay time.Duration) error {
	job := d.Job
	job.Attempt++
	return b.EnqueueAfter(ctx, job, delay)
}

func (b *MemBroker) Depth(_ context.Context, stage string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.queues[stage]) + len(b.delayed[stage])), nil
}
