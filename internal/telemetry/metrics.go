// Package telemetry exports the Prometheus metrics surface.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// MetricsRegistry holds all Prometheus metrics for AvtoLov.
type MetricsRegistry struct {
	// Stage execution
	StageDuration *prometheus.HistogramVec
	StageRuns     *prometheus.CounterVec
	StageErrors   *prometheus.CounterVec
	QueueDepth    *prometheus.GaugeVec

	// Domain outcomes
	ScoreDistribution prometheus.Histogram
	Decisions         *prometheus.CounterVec
	DuplicatesFound   *prometheus.CounterVec
	NotificationsSent prometheus.Counter
	IngestedListings  *prometheus.CounterVec
	LLMCalls          *prometheus.CounterVec
}

// NewMetricsRegistry creates the registry and registers every metric.
func NewMetricsRegistry() *MetricsRegistry {
	registry := &MetricsRegistry{
		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "avtolov_stage_duration_seconds",
				Help:    "Duration of each pipeline stage in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"stage", "result"},
		),

		StageRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "avtolov_stage_runs_total",
				Help: "Total stage executions by stage and status",
			},
			[]string{"stage", "status"},
		),

		StageErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "avtolov_stage_errors_total",
				Help: "Total stage errors by stage and error class",
			},
			[]string{"stage", "error_type"},
		),

		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "avtolov_queue_depth",
				Help: "Jobs waiting per stage queue",
			},
			[]string{"stage"},
		),

		ScoreDistribution: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "avtolov_score_distribution",
				Help:    "Distribution of final listing scores",
				Buckets: []float64{3, 6, 7.5},
			},
		),

		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "avtolov_decisions_total",
				Help: "Final scoring decisions by state",
			},
			[]string{"state"},
		),

		DuplicatesFound: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "avtolov_duplicates_total",
				Help: "Duplicate verdicts by detection method",
			},
			[]string{"method"},
		),

		NotificationsSent: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "avtolov_notifications_sent_total",
				Help: "Deals delivered to the notification collaborator",
			},
		),

		IngestedListings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "avtolov_ingested_total",
				Help: "Raw listing submissions by source and outcome",
			},
			[]string{"source", "outcome"},
		),

		LLMCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "avtolov_llm_calls_total",
				Help: "LLM evaluator calls by outcome",
			},
			[]string{"outcome"},
		),
	}

	prometheus.MustRegister(
		registry.StageDuration,
		registry.StageRuns,
		registry.StageErrors,
		registry.QueueDepth,
		registry.ScoreDistribution,
		registry.Decisions,
		registry.DuplicatesFound,
		registry.NotificationsSent,
		registry.IngestedListings,
		registry.LLMCalls,
	)

	return registry
}

// StageTimer tracks execution time for one stage run.
type StageTimer struct {
	metrics *MetricsRegistry
	stage   string
	start   time.Time
}

// StartStageTimer begins timing a stage run.
func (m *MetricsRegistry) StartStageTimer(stage string) *StageTimer {
	return &StageTimer{metrics: m, stage: stage, start: time.Now()}
}

// Stop records the run with its result label.
func (t *StageTimer) Stop(result string) {
	duration := time.Since(t.start)
	t.metrics.StageDuration.WithLabelValues(t.stage, result).Observe(duration.Seconds())
	t.metrics.StageRuns.WithLabelValues(t.stage, result).Inc()

	log.Debug().
		Str("stage", t.stage).
		Str("result", result).
		Dur("duration", duration).
		Msg("stage completed")
}
