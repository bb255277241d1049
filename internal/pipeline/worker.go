package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/avtolov/avtolov/internal/config"
	"github.com/avtolov/avtolov/internal/model"
	"github.com/avtolov/avtolov/internal/telemetry"
)

// idlePause is how long a consumer sleeps after a dequeue returns nothing.
const idlePause = 200 * time.Millisecond

// Reaper recovers delayed jobs and expired leases. The Redis broker
// implements it; the in-memory broker has nothing to reap.
type Reaper interface {
	Reap(ctx context.Context)
}

// Worker consumes the stage queues and drives jobs through the
// orchestrator. Extract gets the wide pool since it is bound on parsing
// and image fetches; the DB-heavy stages share the narrow one.
type Worker struct {
	broker  Broker
	orch    *Orchestrator
	metrics *telemetry.MetricsRegistry
	cfg     config.PipelineConfig
}

func NewWorker(broker Broker, orch *Orchestrator, metrics *telemetry.MetricsRegistry, cfg config.PipelineConfig) *Worker {
	return &Worker{broker: broker, orch: orch, metrics: metrics, cfg: cfg}
}

// Run blocks until ctx is cancelled. Every consumer loop and the
// housekeeping ticker run under one errgroup.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, stage := range Stages {
		stage := stage
		for i := 0; i < w.poolSize(stage); i++ {
			g.Go(func() error { return w.consume(ctx, stage) })
		}
	}
	g.Go(func() error { return w.housekeeping(ctx) })

	log.Info().
		Int("io_concurrency", w.cfg.IOConcurrency).
		Int("db_concurrency", w.cfg.DBConcurrency).
		Msg("pipeline worker started")
	return g.Wait()
}

func (w *Worker) poolSize(stage string) int {
	if stage == StageExtract {
		return w.cfg.IOConcurrency
	}
	return w.cfg.DBConcurrency
}

func (w *Worker) consume(ctx context.Context, stage string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		d, err := w.broker.Dequeue(ctx, stage)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn().Str("stage", stage).Err(err).Msg("dequeue failed")
			time.Sleep(time.Second)
			continue
		}
		if d == nil {
			// Empty queue. The Redis broker blocks in Dequeue, but the
			// in-memory one returns immediately; pause so an idle consumer
			// does not spin.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(idlePause):
			}
			continue
		}
		w.process(ctx, d)
	}
}

// process runs one delivery under the soft timeout and settles it.
// Retryable failures go back on the queue with exponential backoff until
// the attempt budget is spent; everything else is recorded and dropped.
func (w *Worker) process(ctx context.Context, d *Delivery) {
	timer := w.metrics.StartStageTimer(d.Job.Stage)

	runCtx, cancel := context.WithTimeout(ctx, w.cfg.SoftTimeout)
	err := w.orch.Handle(runCtx, d.Job)
	cancel()

	if err == nil {
		timer.Stop("ok")
		if ackErr := w.broker.Ack(ctx, d); ackErr != nil {
			log.Warn().Str("stage", d.Job.Stage).Err(ackErr).Msg("ack failed")
		}
		return
	}

	retryable := model.IsRetryable(err) || errors.Is(err, context.DeadlineExceeded)
	if retryable && d.Job.Attempt < w.cfg.MaxAttempts {
		delay := w.backoff(d.Job.Attempt)
		timer.Stop("retry")
		w.metrics.StageErrors.WithLabelValues(d.Job.Stage, "transient").Inc()
		log.Warn().
			Str("stage", d.Job.Stage).
			Str("entity_id", d.Job.EntityID.String()).
			Int("attempt", d.Job.Attempt).
			Dur("backoff", delay).
			Err(err).
			Msg("stage failed, will retry")
		if nackErr := w.broker.Nack(ctx, d, delay); nackErr != nil {
			log.Error().Str("stage", d.Job.Stage).Err(nackErr).Msg("nack failed")
		}
		return
	}

	timer.Stop("error")
	kind := "permanent"
	if retryable {
		kind = "exhausted"
	}
	w.metrics.StageErrors.WithLabelValues(d.Job.Stage, kind).Inc()
	log.Error().
		Str("stage", d.Job.Stage).
		Str("entity_id", d.Job.EntityID.String()).
		Int("attempt", d.Job.Attempt).
		Err(err).
		Msg("stage failed permanently")
	if ackErr := w.broker.Ack(ctx, d); ackErr != nil {
		log.Warn().Str("stage", d.Job.Stage).Err(ackErr).Msg("ack failed")
	}
}

// backoff doubles per attempt starting from the base: 60s, 120s, 240s...
func (w *Worker) backoff(attempt int) time.Duration {
	d := w.cfg.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

// housekeeping reaps expired leases and publishes queue depths.
func (w *Worker) housekeeping(ctx context.Context) error {
	reaper, _ := w.broker.(Reaper)
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if reaper != nil {
				reaper.Reap(ctx)
			}
			for _, stage := range Stages {
				n, err := w.broker.Depth(ctx, stage)
				if err != nil {
					continue
				}
				w.metrics.QueueDepth.WithLabelValues(stage).Set(float64(n))
			}
		}
	}
}
