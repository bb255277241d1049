package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full application configuration. It is loaded once at startup
// and passed explicitly to component constructors; threshold tuning at
// runtime means reloading and reconstructing.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Server   ServerConfig   `yaml:"server"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Scoring  ScoringConfig  `yaml:"scoring"`
	Comps    CompsConfig    `yaml:"comparables"`
	Dedupe   DedupeConfig   `yaml:"dedupe"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Notify   NotifyConfig   `yaml:"notify"`
	LLM      LLMConfig      `yaml:"llm"`
	FX       FXConfig       `yaml:"fx"`
	LogLevel string         `yaml:"log_level"`
}

type DatabaseConfig struct {
	DSN          string        `yaml:"dsn"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// PipelineConfig controls stage workers, retries and timeouts.
type PipelineConfig struct {
	MaxAttempts        int           `yaml:"max_attempts"`
	BaseBackoff        time.Duration `yaml:"base_backoff"`
	SoftTimeout        time.Duration `yaml:"soft_timeout"`
	HardTimeout        time.Duration `yaml:"hard_timeout"`
	IOConcurrency      int           `yaml:"io_concurrency"`
	DBConcurrency      int           `yaml:"db_concurrency"`
	VisibilityTimeout  time.Duration `yaml:"visibility_timeout"`
	RescoreStaleAfter  time.Duration `yaml:"rescore_stale_after"`
	RescoreMaxAge      time.Duration `yaml:"rescore_max_age"`
}

// ScoringConfig holds the market-aware rating thresholds. Comparables are
// required for approval; with AllowWithoutComparables set, a listing without
// a market sample becomes a draft regardless of its total, bypassing both
// the approval threshold and the draft floor.
type ScoringConfig struct {
	ApprovalThreshold       float64 `yaml:"approval_score_threshold"`
	DraftFloor              float64 `yaml:"draft_floor"`
	MinDiscountPct          float64 `yaml:"min_discount_pct"`
	AllowWithoutComparables bool    `yaml:"allow_without_comparables"`
}

type CompsConfig struct {
	MinSample      int           `yaml:"min_sample"`
	FullConfidence int           `yaml:"full_confidence_sample"`
	FreshnessDays  int           `yaml:"freshness_days"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
	MinPeerPrice   float64       `yaml:"min_peer_price"`
}

type DedupeConfig struct {
	TextSimilarityThreshold float64 `yaml:"text_similarity_threshold"`
	EmbeddingThreshold      float64 `yaml:"embedding_threshold"`
	PriceTolerancePct       float64 `yaml:"price_tolerance_pct"`
}

type MonitorConfig struct {
	Window         time.Duration `yaml:"window"`
	MaxPostsPerRun int           `yaml:"max_posts_per_run"`
	MaxListingAge  time.Duration `yaml:"max_listing_age"`
	MaxMileageKm   int           `yaml:"max_mileage_km"`
}

type NotifyConfig struct {
	Endpoint    string        `yaml:"endpoint"`
	Token       string        `yaml:"token"`
	Channel     string        `yaml:"channel"`
	Timeout     time.Duration `yaml:"timeout"`
	RatePerHour int           `yaml:"rate_per_hour"`
}

type LLMConfig struct {
	Enabled       bool          `yaml:"enabled"`
	APIKey        string        `yaml:"api_key"`
	Model         string        `yaml:"model"`
	Timeout       time.Duration `yaml:"timeout"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
	MinConfidence float64       `yaml:"min_rule_confidence"`
}

// FXConfig maps currency codes to BGN conversion rates.
type FXConfig struct {
	Rates map[string]float64 `yaml:"rates"`
}

// Load reads and parses a YAML config file, filling in defaults for every
// unset field.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every field at its default value.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 8
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 4
	}
	if c.Database.QueryTimeout == 0 {
		c.Database.QueryTimeout = 10 * time.Second
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	if c.Pipeline.MaxAttempts == 0 {
		c.Pipeline.MaxAttempts = 6
	}
	if c.Pipeline.BaseBackoff == 0 {
		c.Pipeline.BaseBackoff = 60 * time.Second
	}
	if c.Pipeline.SoftTimeout == 0 {
		c.Pipeline.SoftTimeout = 270 * time.Second
	}
	if c.Pipeline.HardTimeout == 0 {
		c.Pipeline.HardTimeout = 300 * time.Second
	}
	if c.Pipeline.IOConcurrency == 0 {
		c.Pipeline.IOConcurrency = 32
	}
	if c.Pipeline.DBConcurrency == 0 {
		c.Pipeline.DBConcurrency = 8
	}
	if c.Pipeline.VisibilityTimeout == 0 {
		c.Pipeline.VisibilityTimeout = 5 * time.Minute
	}
	if c.Pipeline.RescoreStaleAfter == 0 {
		c.Pipeline.RescoreStaleAfter = 24 * time.Hour
	}
	if c.Pipeline.RescoreMaxAge == 0 {
		c.Pipeline.RescoreMaxAge = 7 * 24 * time.Hour
	}

	if c.Scoring.ApprovalThreshold == 0 {
		c.Scoring.ApprovalThreshold = 7.5
	}
	if c.Scoring.DraftFloor == 0 {
		c.Scoring.DraftFloor = 6.0
	}
	if c.Scoring.MinDiscountPct == 0 {
		c.Scoring.MinDiscountPct = 10.0
	}
	if c.Comps.MinSample == 0 {
		c.Comps.MinSample = 5
	}
	if c.Comps.FullConfidence == 0 {
		c.Comps.FullConfidence = 30
	}
	if c.Comps.FreshnessDays == 0 {
		c.Comps.FreshnessDays = 180
	}
	if c.Comps.CacheTTL == 0 {
		c.Comps.CacheTTL = 24 * time.Hour
	}
	if c.Comps.MinPeerPrice == 0 {
		c.Comps.MinPeerPrice = 500
	}

	if c.Dedupe.TextSimilarityThreshold == 0 {
		c.Dedupe.TextSimilarityThreshold = 0.8
	}
	if c.Dedupe.EmbeddingThreshold == 0 {
		c.Dedupe.EmbeddingThreshold = 0.85
	}
	if c.Dedupe.PriceTolerancePct == 0 {
		c.Dedupe.PriceTolerancePct = 10.0
	}

	if c.Monitor.Window == 0 {
		c.Monitor.Window = 5 * time.Minute
	}
	if c.Monitor.MaxPostsPerRun == 0 {
		c.Monitor.MaxPostsPerRun = 3
	}
	if c.Monitor.MaxListingAge == 0 {
		c.Monitor.MaxListingAge = 7 * 24 * time.Hour
	}
	if c.Monitor.MaxMileageKm == 0 {
		c.Monitor.MaxMileageKm = 250000
	}

	if c.Notify.Timeout == 0 {
		c.Notify.Timeout = 15 * time.Second
	}
	if c.Notify.RatePerHour == 0 {
		c.Notify.RatePerHour = 20
	}

	if c.LLM.Model == "" {
		c.LLM.Model = "claude-3-5-haiku-latest"
	}
	if c.LLM.Timeout == 0 {
		c.LLM.Timeout = 30 * time.Second
	}
	if c.LLM.CacheTTL == 0 {
		c.LLM.CacheTTL = 7 * 24 * time.Hour
	}
	if c.LLM.MinConfidence == 0 {
		c.LLM.MinConfidence = 0.7
	}

	if len(c.FX.Rates) == 0 {
		c.FX.Rates = map[string]float64{
			"BGN": 1.0,
			"EUR": 1.95583,
			"USD": 1.80,
		}
	}
}

func (c *Config) validate() error {
	if c.Scoring.DraftFloor > c.Scoring.ApprovalThreshold {
		return fmt.Errorf("draft_floor %.2f exceeds approval threshold %.2f",
			c.Scoring.DraftFloor, c.Scoring.ApprovalThreshold)
	}
	if c.Comps.MinSample < 1 {
		return fmt.Errorf("comparables min_sample must be positive, got %d", c.Comps.MinSample)
	}
	if c.Pipeline.SoftTimeout > c.Pipeline.HardTimeout {
		return fmt.Errorf("soft_timeout %s exceeds hard_timeout %s",
			c.Pipeline.SoftTimeout, c.Pipeline.HardTimeout)
	}
	return nil
}
