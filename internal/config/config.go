// Package config assembles the application configuration from defaults, an
// optional YAML file and command-line flags, in that order of precedence
// (flags win).
package config

import (
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/histflow/histflow/internal/backoff"
	"github.com/histflow/histflow/internal/cache"
	"github.com/histflow/histflow/internal/conn"
	"github.com/histflow/histflow/internal/dedup"
	"github.com/histflow/histflow/internal/export"
	"github.com/histflow/histflow/internal/pipeline"
	"github.com/histflow/histflow/internal/shard"
)

// version is set at build time via ldflags.
var version = "dev"

// Version returns the build version string.
func Version() string { return version }

// Config holds the application configuration.
type Config struct {
	// Export target
	Name     string
	IDLow    uint64
	IDHigh   uint64
	Resume   bool
	StateDir string
	SpillDir string

	// Sharding
	Workers          int
	ChunksPerWorker  int
	PageSize         int
	ResolveBatchSize int
	ExpectedDensity  float64

	// Connections and retry
	PoolSize               int
	MaxAttempts            int
	AbsoluteAttemptCeiling int
	BackoffStrategy        string
	BackoffBase            time.Duration
	BackoffMax             time.Duration
	BackoffMultiplier      float64
	BackoffJitter          float64
	RateLimitExtraCap      time.Duration

	// Dedup tracker
	DedupFPRate       float64
	DedupSafetyMargin float64
	DedupMinCapacity  int

	// Entity cache
	CacheMaxEntries    int
	CacheTTL           time.Duration
	CachePath          string
	CacheFlushInterval time.Duration

	// Pipeline
	FetchQueue     int
	ProcessQueue   int
	ProcessWorkers int
	FlushEvery     int

	// Observability
	MetricsAddr   string
	LogLevel      string
	StatsInterval time.Duration

	// SelfTest runs against a built-in synthetic source.
	SelfTest bool
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Name:              "export",
		BackoffStrategy:   string(backoff.StrategyExponential),
		BackoffBase:       200 * time.Millisecond,
		BackoffMax:        30 * time.Second,
		BackoffMultiplier: 2.0,
		BackoffJitter:     0.2,
		DedupFPRate:       0.01,
		DedupSafetyMargin: 1.5,
		DedupMinCapacity:  100000,
		CacheTTL:          time.Hour,
		MetricsAddr:       ":9464",
		LogLevel:          "info",
		StatsInterval:     time.Minute,
	}
}

// bindFlags registers every flag against cfg so a parse overwrites only the
// flags actually present on the command line.
func bindFlags(cfg *Config, configFile *string) *flag.FlagSet {
	fs := flag.NewFlagSet("histflow", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(configFile, "config", "", "Path to YAML configuration file")

	fs.StringVar(&cfg.Name, "name", cfg.Name, "Export target name, tags persisted state")
	fs.Uint64Var(&cfg.IDLow, "id-low", cfg.IDLow, "Inclusive lower bound of the id space")
	fs.Uint64Var(&cfg.IDHigh, "id-high", cfg.IDHigh, "Exclusive upper bound of the id space")
	fs.BoolVar(&cfg.Resume, "resume", cfg.Resume, "Resume from persisted state instead of starting fresh")
	fs.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "Directory for resumable state snapshots")
	fs.StringVar(&cfg.SpillDir, "spill-dir", cfg.SpillDir, "Directory for per-chunk spill files")

	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "Fetch worker count (0 = GOMAXPROCS)")
	fs.IntVar(&cfg.ChunksPerWorker, "chunks-per-worker", cfg.ChunksPerWorker, "Initial chunks per worker")
	fs.IntVar(&cfg.PageSize, "page-size", cfg.PageSize, "Records per remote page fetch")
	fs.IntVar(&cfg.ResolveBatchSize, "resolve-batch-size", cfg.ResolveBatchSize, "Entity ids per batch resolve call")
	fs.Float64Var(&cfg.ExpectedDensity, "expected-density", cfg.ExpectedDensity, "Anticipated records per id for hot-zone detection")

	fs.IntVar(&cfg.PoolSize, "pool-size", cfg.PoolSize, "Connections per pool class")
	fs.IntVar(&cfg.MaxAttempts, "max-attempts", cfg.MaxAttempts, "Transient-failure retries per call")
	fs.IntVar(&cfg.AbsoluteAttemptCeiling, "attempt-ceiling", cfg.AbsoluteAttemptCeiling, "Total attempts per call including rate-limited ones")
	fs.StringVar(&cfg.BackoffStrategy, "backoff-strategy", cfg.BackoffStrategy, "Backoff strategy: fixed, linear, exponential, adaptive")
	fs.DurationVar(&cfg.BackoffBase, "backoff-base", cfg.BackoffBase, "Base retry delay")
	fs.DurationVar(&cfg.BackoffMax, "backoff-max", cfg.BackoffMax, "Retry delay ceiling")
	fs.Float64Var(&cfg.BackoffMultiplier, "backoff-multiplier", cfg.BackoffMultiplier, "Exponential backoff multiplier")
	fs.Float64Var(&cfg.BackoffJitter, "backoff-jitter", cfg.BackoffJitter, "Backoff jitter fraction")
	fs.DurationVar(&cfg.RateLimitExtraCap, "rate-limit-extra-cap", cfg.RateLimitExtraCap, "Cap on extra delay added to server waits under throttling")

	fs.Float64Var(&cfg.DedupFPRate, "dedup-fp-rate", cfg.DedupFPRate, "Bloom tracker false-positive rate")
	fs.Float64Var(&cfg.DedupSafetyMargin, "dedup-safety-margin", cfg.DedupSafetyMargin, "Bloom capacity margin over prior count")
	fs.IntVar(&cfg.DedupMinCapacity, "dedup-min-capacity", cfg.DedupMinCapacity, "Minimum bloom tracker capacity")

	fs.IntVar(&cfg.CacheMaxEntries, "cache-max-entries", cfg.CacheMaxEntries, "Entity cache capacity")
	fs.DurationVar(&cfg.CacheTTL, "cache-ttl", cfg.CacheTTL, "Default entity cache TTL")
	fs.StringVar(&cfg.CachePath, "cache-path", cfg.CachePath, "Entity cache snapshot path (empty = not persisted)")
	fs.DurationVar(&cfg.CacheFlushInterval, "cache-flush-interval", cfg.CacheFlushInterval, "Entity cache snapshot interval")

	fs.IntVar(&cfg.FetchQueue, "fetch-queue", cfg.FetchQueue, "Fetch to process queue size")
	fs.IntVar(&cfg.ProcessQueue, "process-queue", cfg.ProcessQueue, "Process to write queue size")
	fs.IntVar(&cfg.ProcessWorkers, "process-workers", cfg.ProcessWorkers, "Transform worker count (0 = GOMAXPROCS)")
	fs.IntVar(&cfg.FlushEvery, "flush-every", cfg.FlushEvery, "Sink flush interval in records")

	fs.StringVar(&cfg.MetricsAddr, "metrics-listen", cfg.MetricsAddr, "Metrics and stats listen address")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error")
	fs.DurationVar(&cfg.StatsInterval, "stats-interval", cfg.StatsInterval, "Periodic progress log interval")

	fs.BoolVar(&cfg.SelfTest, "selftest", cfg.SelfTest, "Run against the built-in synthetic source")
	return fs
}

// Load builds the configuration from args: defaults, then the YAML file
// named by -config, then explicit flags on top.
func Load(args []string) (*Config, error) {
	probe := DefaultConfig()
	var configFile string
	if err := bindFlags(&probe, &configFile).Parse(args); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if configFile != "" {
		if err := cfg.applyYAML(configFile); err != nil {
			return nil, fmt.Errorf("config file %s: %w", configFile, err)
		}
		// Re-parse so explicit flags override YAML values.
		var ignored string
		if err := bindFlags(&cfg, &ignored).Parse(args); err != nil {
			return nil, err
		}
	} else {
		cfg = probe
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.IDHigh < c.IDLow {
		return fmt.Errorf("id-high %d below id-low %d", c.IDHigh, c.IDLow)
	}
	if _, err := backoff.ParseStrategy(c.BackoffStrategy); err != nil {
		return err
	}
	if c.BackoffJitter < 0 || c.BackoffJitter >= 1 {
		return fmt.Errorf("backoff-jitter %f outside [0,1)", c.BackoffJitter)
	}
	if c.DedupFPRate <= 0 || c.DedupFPRate >= 1 {
		return fmt.Errorf("dedup-fp-rate %f outside (0,1)", c.DedupFPRate)
	}
	if c.DedupSafetyMargin < 1 {
		return fmt.Errorf("dedup-safety-margin %f below 1", c.DedupSafetyMargin)
	}
	if c.ExpectedDensity < 0 {
		return fmt.Errorf("expected-density %f negative", c.ExpectedDensity)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log-level %q", c.LogLevel)
	}
	return nil
}

// EngineConfig maps the flat application config onto the engine's component
// configs. Zero values fall through to each component's defaults.
func (c *Config) EngineConfig() export.Config {
	strategy, _ := backoff.ParseStrategy(c.BackoffStrategy)
	return export.Config{
		Name:     c.Name,
		StateDir: c.StateDir,
		Conn: conn.Config{
			PoolSize:               c.PoolSize,
			MaxAttempts:            c.MaxAttempts,
			AbsoluteAttemptCeiling: c.AbsoluteAttemptCeiling,
			RateLimitExtraCap:      c.RateLimitExtraCap,
			Backoff: backoff.Config{
				Strategy:   strategy,
				Base:       c.BackoffBase,
				Max:        c.BackoffMax,
				Multiplier: c.BackoffMultiplier,
				Jitter:     c.BackoffJitter,
			},
		},
		Dedup: dedup.Config{
			FalsePositiveRate: c.DedupFPRate,
			SafetyMargin:      c.DedupSafetyMargin,
			MinCapacity:       uint(c.DedupMinCapacity),
		},
		Cache: cache.Config{
			MaxEntries:    c.CacheMaxEntries,
			DefaultTTL:    c.CacheTTL,
			Path:          c.CachePath,
			FlushInterval: c.CacheFlushInterval,
		},
		Shard: shard.Config{
			Workers:          c.Workers,
			ChunksPerWorker:  c.ChunksPerWorker,
			PageSize:         c.PageSize,
			ResolveBatchSize: c.ResolveBatchSize,
			SpillDir:         c.SpillDir,
			ExpectedDensity:  c.ExpectedDensity,
		},
		Pipeline: pipeline.Config{
			FetchQueue:     c.FetchQueue,
			ProcessQueue:   c.ProcessQueue,
			ProcessWorkers: c.ProcessWorkers,
			FlushEvery:     c.FlushEvery,
		},
	}
}
