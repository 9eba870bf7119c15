// Package conf loads application settings from defaults, an optional YAML
// config file and KEYTEMPO_* environment overrides.
package conf

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/keytempo/keytempo-go/internal/errors"
)

// Settings holds the full application configuration.
type Settings struct {
	Memory   MemorySettings   `mapstructure:"memory"`
	Cache    CacheSettings    `mapstructure:"cache"`
	Loader   LoaderSettings   `mapstructure:"loader"`
	Workers  WorkerSettings   `mapstructure:"workers"`
	Analysis AnalysisSettings `mapstructure:"analysis"`
}

// MemorySettings tunes the memory monitor.
type MemorySettings struct {
	Interval        time.Duration `mapstructure:"interval"`
	MediumThreshold float64       `mapstructure:"medium_threshold"`
	HighThreshold   float64       `mapstructure:"high_threshold"`
}

// CacheSettings tunes the analysis result cache.
type CacheSettings struct {
	BudgetBytes int64         `mapstructure:"budget_bytes"`
	MaxAge      time.Duration `mapstructure:"max_age"`
}

// LoaderSettings tunes progressive file loading.
type LoaderSettings struct {
	SmallFileBytes      int64 `mapstructure:"small_file_bytes"`
	MaxChunkBytes       int64 `mapstructure:"max_chunk_bytes"`
	MinChunkBytes       int64 `mapstructure:"min_chunk_bytes"`
	MaxConcurrentChunks int   `mapstructure:"max_concurrent_chunks"`
}

// WorkerSettings tunes the detection worker pools.
type WorkerSettings struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxPerPool    int  `mapstructure:"max_per_pool"`
	QueueCapacity int  `mapstructure:"queue_capacity"`
}

// AnalysisSettings tunes the orchestrator.
type AnalysisSettings struct {
	Timeout          time.Duration `mapstructure:"timeout"`
	TargetSampleRate int           `mapstructure:"target_sample_rate"`
	UseCache         bool          `mapstructure:"use_cache"`
	UseWorkers       bool          `mapstructure:"use_workers"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("memory.interval", 2*time.Second)
	v.SetDefault("memory.medium_threshold", 0.70)
	v.SetDefault("memory.high_threshold", 0.85)

	v.SetDefault("cache.budget_bytes", int64(100*1024*1024))
	v.SetDefault("cache.max_age", 5*time.Minute)

	v.SetDefault("loader.small_file_bytes", int64(50*1024*1024))
	v.SetDefault("loader.max_chunk_bytes", int64(16*1024*1024))
	v.SetDefault("loader.min_chunk_bytes", int64(1*1024*1024))
	v.SetDefault("loader.max_concurrent_chunks", 3)

	v.SetDefault("workers.enabled", true)
	v.SetDefault("workers.max_per_pool", 2)
	v.SetDefault("workers.queue_capacity", 64)

	v.SetDefault("analysis.timeout", 30*time.Second)
	v.SetDefault("analysis.target_sample_rate", 22050)
	v.SetDefault("analysis.use_cache", true)
	v.SetDefault("analysis.use_workers", true)
}

// Load reads settings from the given config file path. An empty path loads
// defaults plus environment overrides only; a missing file at a non-empty
// path is an error.
func Load(configPath string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("KEYTEMPO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.New(err).
				Component("conf").
				Category(errors.CategoryConfiguration).
				Context("config_path", configPath).
				Build()
		}
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, errors.New(err).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Build()
	}

	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

// Default returns the built-in settings without touching files or env.
func Default() *Settings {
	v := viper.New()
	setDefaults(v)
	settings := &Settings{}
	// Unmarshal of pure defaults cannot fail.
	_ = v.Unmarshal(settings)
	return settings
}

// Validate rejects settings that would misconfigure a component.
func (s *Settings) Validate() error {
	switch {
	case s.Memory.Interval <= 0:
		return validationError("memory.interval must be positive")
	case s.Memory.HighThreshold <= s.Memory.MediumThreshold:
		return validationError("memory.high_threshold must exceed memory.medium_threshold")
	case s.Cache.BudgetBytes <= 0:
		return validationError("cache.budget_bytes must be positive")
	case s.Loader.MinChunkBytes <= 0 || s.Loader.MaxChunkBytes < s.Loader.MinChunkBytes:
		return validationError("loader chunk bounds are inverted")
	case s.Loader.MaxConcurrentChunks <= 0:
		return validationError("loader.max_concurrent_chunks must be positive")
	case s.Workers.MaxPerPool <= 0:
		return validationError("workers.max_per_pool must be positive")
	case s.Analysis.Timeout <= 0:
		return validationError("analysis.timeout must be positive")
	case s.Analysis.TargetSampleRate <= 0:
		return validationError("analysis.target_sample_rate must be positive")
	}
	return nil
}

func validationError(msg string) error {
	return errors.Newf("%s", msg).
		Component("conf").
		Category(errors.CategoryConfiguration).
		Build()
}
