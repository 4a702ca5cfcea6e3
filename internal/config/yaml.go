package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration parses "30s" style strings in YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// yamlConfig is the YAML file structure. Pointers distinguish "absent" from
// zero so the file only overrides what it mentions.
type yamlConfig struct {
	Export struct {
		Name     string  `yaml:"name"`
		IDLow    *uint64 `yaml:"id_low"`
		IDHigh   *uint64 `yaml:"id_high"`
		Resume   *bool   `yaml:"resume"`
		StateDir string  `yaml:"state_dir"`
		SpillDir string  `yaml:"spill_dir"`
	} `yaml:"export"`

	Shard struct {
		Workers          *int     `yaml:"workers"`
		ChunksPerWorker  *int     `yaml:"chunks_per_worker"`
		PageSize         *int     `yaml:"page_size"`
		ResolveBatchSize *int     `yaml:"resolve_batch_size"`
		ExpectedDensity  *float64 `yaml:"expected_density"`
	} `yaml:"shard"`

	Connection struct {
		PoolSize          *int     `yaml:"pool_size"`
		MaxAttempts       *int     `yaml:"max_attempts"`
		AttemptCeiling    *int     `yaml:"attempt_ceiling"`
		RateLimitExtraCap Duration `yaml:"rate_limit_extra_cap"`
	} `yaml:"connection"`

	Backoff struct {
		Strategy   string   `yaml:"strategy"`
		Base       Duration `yaml:"base"`
		Max        Duration `yaml:"max"`
		Multiplier *float64 `yaml:"multiplier"`
		Jitter     *float64 `yaml:"jitter"`
	} `yaml:"backoff"`

	Dedup struct {
		FPRate       *float64 `yaml:"fp_rate"`
		SafetyMargin *float64 `yaml:"safety_margin"`
		MinCapacity  *int     `yaml:"min_capacity"`
	} `yaml:"dedup"`

	Cache struct {
		MaxEntries    *int     `yaml:"max_entries"`
		TTL           Duration `yaml:"ttl"`
		Path          string   `yaml:"path"`
		FlushInterval Duration `yaml:"flush_interval"`
	} `yaml:"cache"`

	Pipeline struct {
		FetchQueue     *int `yaml:"fetch_queue"`
		ProcessQueue   *int `yaml:"process_queue"`
		ProcessWorkers *int `yaml:"process_workers"`
		FlushEvery     *int `yaml:"flush_every"`
	} `yaml:"pipeline"`

	Observability struct {
		MetricsAddr   string   `yaml:"metrics_listen"`
		LogLevel      string   `yaml:"log_level"`
		StatsInterval Duration `yaml:"stats_interval"`
	} `yaml:"observability"`
}

// applyYAML overlays the YAML file's present fields onto c.
func (c *Config) applyYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var y yamlConfig
	if err := yaml.Unmarshal(data, &y); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}

	setString(&c.Name, y.Export.Name)
	setUint64(&c.IDLow, y.Export.IDLow)
	setUint64(&c.IDHigh, y.Export.IDHigh)
	if y.Export.Resume != nil {
		c.Resume = *y.Export.Resume
	}
	setString(&c.StateDir, y.Export.StateDir)
	setString(&c.SpillDir, y.Export.SpillDir)

	setInt(&c.Workers, y.Shard.Workers)
	setInt(&c.ChunksPerWorker, y.Shard.ChunksPerWorker)
	setInt(&c.PageSize, y.Shard.PageSize)
	setInt(&c.ResolveBatchSize, y.Shard.ResolveBatchSize)
	setFloat(&c.ExpectedDensity, y.Shard.ExpectedDensity)

	setInt(&c.PoolSize, y.Connection.PoolSize)
	setInt(&c.MaxAttempts, y.Connection.MaxAttempts)
	setInt(&c.AbsoluteAttemptCeiling, y.Connection.AttemptCeiling)
	setDuration(&c.RateLimitExtraCap, y.Connection.RateLimitExtraCap)

	setString(&c.BackoffStrategy, y.Backoff.Strategy)
	setDuration(&c.BackoffBase, y.Backoff.Base)
	setDuration(&c.BackoffMax, y.Backoff.Max)
	setFloat(&c.BackoffMultiplier, y.Backoff.Multiplier)
	setFloat(&c.BackoffJitter, y.Backoff.Jitter)

	setFloat(&c.DedupFPRate, y.Dedup.FPRate)
	setFloat(&c.DedupSafetyMargin, y.Dedup.SafetyMargin)
	setInt(&c.DedupMinCapacity, y.Dedup.MinCapacity)

	setInt(&c.CacheMaxEntries, y.Cache.MaxEntries)
	setDuration(&c.CacheTTL, y.Cache.TTL)
	setString(&c.CachePath, y.Cache.Path)
	setDuration(&c.CacheFlushInterval, y.Cache.FlushInterval)

	setInt(&c.FetchQueue, y.Pipeline.FetchQueue)
	setInt(&c.ProcessQueue, y.Pipeline.ProcessQueue)
	setInt(&c.ProcessWorkers, y.Pipeline.ProcessWorkers)
	setInt(&c.FlushEvery, y.Pipeline.FlushEvery)

	setString(&c.MetricsAddr, y.Observability.MetricsAddr)
	setString(&c.LogLevel, y.Observability.LogLevel)
	setDuration(&c.StatsInterval, y.Observability.StatsInterval)
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setUint64(dst *uint64, v *uint64) {
	if v != nil {
		*dst = *v
	}
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v Duration) {
	if v != 0 {
		*dst = time.Duration(v)
	}
}
