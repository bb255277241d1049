package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/avtolov/avtolov/internal/comps"
	"github.com/avtolov/avtolov/internal/config"
	"github.com/avtolov/avtolov/internal/dedupe"
	"github.com/avtolov/avtolov/internal/extract"
	"github.com/avtolov/avtolov/internal/httpapi"
	"github.com/avtolov/avtolov/internal/ingest"
	"github.com/avtolov/avtolov/internal/monitor"
	"github.com/avtolov/avtolov/internal/normalize"
	"github.com/avtolov/avtolov/internal/notify"
	"github.com/avtolov/avtolov/internal/pipeline"
	"github.com/avtolov/avtolov/internal/risk"
	"github.com/avtolov/avtolov/internal/sched"
	"github.com/avtolov/avtolov/internal/score"
	"github.com/avtolov/avtolov/internal/store"
	"github.com/avtolov/avtolov/internal/store/postgres"
	"github.com/avtolov/avtolov/internal/telemetry"
)

const (
	appName = "AvtoLov"
	version = "v1.0.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	var configPath string

	rootCmd := &cobra.Command{
		Use:     "avtolov",
		Short:   appName + " finds underpriced cars on Bulgarian marketplaces",
		Version: version,
		Long: appName + ` ingests scraped car listings, normalizes and
de-duplicates them, prices each against fresh market comparables and
surfaces the deals worth a phone call.`,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config/avtolov.yaml", "Path to the YAML config file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP ingest API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(configPath, func(ctx context.Context, app *application) error {
				srv := httpapi.NewServer(app.store, app.ingestor, app.cfg.Server)
				return srv.Run(ctx)
			})
		},
	}

	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the pipeline stage workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(configPath, func(ctx context.Context, app *application) error {
				w := pipeline.NewWorker(app.broker, app.orch, app.metrics, app.cfg.Pipeline)
				return w.Run(ctx)
			})
		},
	}

	allCmd := &cobra.Command{
		Use:   "all",
		Short: "Run API, workers and scheduler in one process",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(configPath, func(ctx context.Context, app *application) error {
				g, ctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					return httpapi.NewServer(app.store, app.ingestor, app.cfg.Server).Run(ctx)
				})
				g.Go(func() error {
					return pipeline.NewWorker(app.broker, app.orch, app.metrics, app.cfg.Pipeline).Run(ctx)
				})
				g.Go(func() error {
					scheduler := app.scheduler()
					if err := scheduler.Start(ctx); err != nil {
						return err
					}
					<-ctx.Done()
					scheduler.Stop()
					return ctx.Err()
				})
				return g.Wait()
			})
		},
	}

	monitorCmd := &cobra.Command{
		Use:   "monitor",
		Short: "Run one monitor pass over recently active listings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(configPath, func(ctx context.Context, app *application) error {
				return monitor.New(app.store, app.orch, app.cfg.Monitor).Run(ctx)
			})
		},
	}

	scheduleCmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run the periodic job scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(configPath, func(ctx context.Context, app *application) error {
				scheduler := app.scheduler()
				if err := scheduler.Start(ctx); err != nil {
					return err
				}
				<-ctx.Done()
				scheduler.Stop()
				return nil
			})
		},
	}

	scoreCmd := &cobra.Command{
		Use:   "score <listing-id>",
		Short: "Score one listing ad hoc and print the verdict",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid listing id: %w", err)
			}
			return withApp(configPath, func(ctx context.Context, app *application) error {
				result, err := app.orch.ScoreListing(ctx, id)
				if err != nil {
					return err
				}
				if result == nil {
					fmt.Println("listing is a duplicate, not scored")
					return nil
				}
				fmt.Printf("score=%.2f state=%s\n", result.Score, result.State)
				for _, r := range result.Reasons {
					fmt.Printf("  - %s\n", r)
				}
				return nil
			})
		},
	}

	seedCmd := &cobra.Command{
		Use:   "seed",
		Short: "Load the canonical brand/model seed data",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(configPath, func(ctx context.Context, app *application) error {
				if err := normalize.SeedBrandModels(ctx, app.store.BrandModel); err != nil {
					return err
				}
				log.Info().Msg("brand/model seed loaded")
				return nil
			})
		},
	}

	rootCmd.AddCommand(serveCmd, workerCmd, allCmd, monitorCmd, scheduleCmd, scoreCmd, seedCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

// application holds the wired component graph shared by every subcommand.
type application struct {
	cfg      *config.Config
	db       *sqlx.DB
	rdb      *redis.Client
	store    *store.Store
	broker   pipeline.Broker
	index    *normalize.BrandModelIndex
	ingestor *ingest.Ingestor
	orch     *pipeline.Orchestrator
	monitor  *monitor.Monitor
	metrics  *telemetry.MetricsRegistry
}

// withApp loads config, wires the application and runs fn under a
// signal-cancelled context.
func withApp(configPath string, fn func(ctx context.Context, app *application) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	app, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer app.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := fn(ctx, app); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func buildApp(cfg *config.Config) (*application, error) {
	db, err := postgres.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	st := postgres.NewStore(db, cfg.Database.QueryTimeout)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	broker := pipeline.NewRedisBroker(rdb, cfg.Pipeline.VisibilityTimeout)

	index := normalize.NewBrandModelIndex()
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Database.QueryTimeout)
	defer cancel()
	if err := index.Reload(ctx, st.BrandModel); err != nil {
		log.Warn().Err(err).Msg("brand/model index load failed, starting empty")
	}

	metrics := telemetry.NewMetricsRegistry()
	registry := extract.NewRegistry(extract.MobileBG{}, extract.CarsBG{})

	var evaluator *risk.Evaluator
	if cfg.LLM.Enabled {
		evaluator = risk.NewEvaluator(cfg.LLM, rdb)
	}

	orch := pipeline.NewOrchestrator(pipeline.OrchestratorDeps{
		Store:      st,
		Broker:     broker,
		Registry:   registry,
		Normalizer: normalize.NewNormalizer(index, cfg.FX),
		SigBuilder: dedupe.NewSignatureBuilder(nil, nil),
		Detector:   dedupe.NewDetector(st, cfg.Dedupe),
		Comps:      comps.NewEngine(st, cfg.Comps),
		Scorer:     score.NewEngine(cfg.Scoring),
		Risk:       risk.NewService(st, evaluator, cfg.LLM),
		Notifier:   notify.NewClient(cfg.Notify),
		Metrics:    metrics,
		Config:     cfg.Pipeline,
	})

	return &application{
		cfg:      cfg,
		db:       db,
		rdb:      rdb,
		store:    st,
		broker:   broker,
		index:    index,
		ingestor: ingest.NewIngestor(st, broker, cfg.FX, metrics),
		orch:     orch,
		monitor:  monitor.New(st, orch, cfg.Monitor),
		metrics:  metrics,
	}, nil
}

func (a *application) scheduler() *sched.Scheduler {
	return sched.New(a.store, a.broker, a.monitor, a.index, a.cfg.Pipeline, a.cfg.Monitor)
}

func (a *application) close() {
	if err := a.db.Close(); err != nil {
		log.Warn().Err(err).Msg("db close failed")
	}
	if err := a.rdb.Close(); err != nil {
		log.Warn().Err(err).Msg("redis close failed")
	}
}
