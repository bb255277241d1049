// Package sched owns the periodic jobs: the monitor pass, stale approved
// rescoring and the brand/model index refresh.
package sched

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/avtolov/avtolov/internal/config"
	"github.com/avtolov/avtolov/internal/monitor"
	"github.com/avtolov/avtolov/internal/normalize"
	"github.com/avtolov/avtolov/internal/pipeline"
	"github.com/avtolov/avtolov/internal/store"
)

// Scheduler wires the cron jobs. Each job body takes a fresh context; a
// slow run never blocks the next tick because cron skips re-entry per job
// via the SkipIfStillRunning wrapper.
type Scheduler struct {
	cron    *cron.Cron
	store   *store.Store
	broker  pipeline.Broker
	monitor *monitor.Monitor
	index   *normalize.BrandModelIndex
	cfg     config.PipelineConfig
	mcfg    config.MonitorConfig
}

func New(st *store.Store, broker pipeline.Broker, mon *monitor.Monitor,
	index *normalize.BrandModelIndex, cfg config.PipelineConfig, mcfg config.MonitorConfig) *Scheduler {
	logger := cron.VerbosePrintfLogger(&cronLogger{})
	return &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.SkipIfStillRunning(logger),
			cron.Recover(logger),
		)),
		store:   st,
		broker:  broker,
		monitor: mon,
		index:   index,
		cfg:     cfg,
		mcfg:    mcfg,
	}
}

// Start registers the jobs and starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	monitorSpec := fmt.Sprintf("@every %s", s.mcfg.Window)
	if _, err := s.cron.AddFunc(monitorSpec, func() { s.runMonitor(ctx) }); err != nil {
		return fmt.Errorf("schedule monitor: %w", err)
	}
	if _, err := s.cron.AddFunc("@hourly", func() { s.rescoreStale(ctx) }); err != nil {
		return fmt.Errorf("schedule rescore: %w", err)
	}
	if _, err := s.cron.AddFunc("@every 1h", func() { s.reloadIndex(ctx) }); err != nil {
		return fmt.Errorf("schedule index reload: %w", err)
	}

	s.cron.Start()
	log.Info().Str("monitor_every", s.mcfg.Window.String()).Msg("scheduler started")
	return nil
}

// Stop halts the cron loop and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) runMonitor(ctx context.Context) {
	if err := s.monitor.Run(ctx); err != nil {
		log.Error().Err(err).Msg("monitor pass failed")
	}
}

// rescoreStale requeues approved listings whose score is older than the
// staleness cutoff, so market drift demotes deals that stopped being deals.
func (s *Scheduler) rescoreStale(ctx context.Context) {
	now := time.Now().UTC()
	ids, err := s.store.Listings.StaleApproved(ctx,
		now.Add(-s.cfg.RescoreStaleAfter), now.Add(-s.cfg.RescoreMaxAge))
	if err != nil {
		log.Error().Err(err).Msg("stale approved query failed")
		return
	}
	for _, id := range ids {
		if err := s.broker.Enqueue(ctx, pipeline.NewJob(pipeline.StageScore, id)); err != nil {
			log.Warn().Str("listing_id", id.String()).Err(err).Msg("rescore enqueue failed")
		}
	}
	if len(ids) > 0 {
		log.Info().Int("count", len(ids)).Msg("stale approved listings requeued")
	}
}

func (s *Scheduler) reloadIndex(ctx context.Context) {
	if err := s.index.Reload(ctx, s.store.BrandModel); err != nil {
		log.Error().Err(err).Msg("brand/model index reload failed")
	}
}

// cronLogger adapts cron's printf logging onto zerolog.
type cronLogger struct{}

func (cronLogger) Printf(format string, args ...any) {
	log.Debug().Msgf(format, args...)
}
