package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// AnalysisConfig holds the operational knobs of the analysis pipeline.
// Cost tier thresholds are deliberately not configurable; they live in
// internal/credit/domain as fixed pricing rules.
type AnalysisConfig struct {
	LockTTL             time.Duration `mapstructure:"lockTTL"`
	CacheTTL            time.Duration `mapstructure:"cacheTTL"`
	HoldTTL             time.Duration `mapstructure:"holdTTL"`
	SweepInterval       time.Duration `mapstructure:"sweepInterval"`
	ProcessedRetention  time.Duration `mapstructure:"processedRetention"`
	MaxPayloadSizeBytes int           `mapstructure:"maxPayloadSizeBytes"`
}

func DefaultAnalysisConfig() AnalysisConfig {
	return AnalysisConfig{
		LockTTL:             45 * time.Second,
		CacheTTL:            30 * 24 * time.Hour,
		HoldTTL:             15 * time.Minute,
		SweepInterval:       5 * time.Minute,
		ProcessedRetention:  90 * 24 * time.Hour,
		MaxPayloadSizeBytes: 512 * 1024,
	}
}

// AnalysisConfigHolder serves the current analysis config and hot-reloads it
// when the underlying file changes.
type AnalysisConfigHolder struct {
	current atomic.Value // holds AnalysisConfig
}

func NewAnalysisConfigHolder() (*AnalysisConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("analysis")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/veredix/config")
	v.AddConfigPath("/etc/veredix")
	v.AddConfigPath(".")

	v.SetEnvPrefix("VEREDIX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultAnalysisConfig()
	v.SetDefault("analysis.lockTTL", defaults.LockTTL)
	v.SetDefault("analysis.cacheTTL", defaults.CacheTTL)
	v.SetDefault("analysis.holdTTL", defaults.HoldTTL)
	v.SetDefault("analysis.sweepInterval", defaults.SweepInterval)
	v.SetDefault("analysis.processedRetention", defaults.ProcessedRetention)
	v.SetDefault("analysis.maxPayloadSizeBytes", defaults.MaxPayloadSizeBytes)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg AnalysisConfig
	if err := v.UnmarshalKey("analysis", &cfg); err != nil {
		return nil, err
	}
	if err := validateAnalysisConfig(cfg); err != nil {
		return nil, err
	}

	holder := &AnalysisConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated AnalysisConfig
		if err := v.UnmarshalKey("analysis", &updated); err != nil {
			log.Printf("[analysis-config] reload failed: %v", err)
			return
		}
		if err := validateAnalysisConfig(updated); err != nil {
			log.Printf("[analysis-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[analysis-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *AnalysisConfigHolder) Get() AnalysisConfig {
	return h.current.Load().(AnalysisConfig)
}

// NewStaticAnalysisConfigHolder returns a holder pinned to cfg. Test helper.
func NewStaticAnalysisConfigHolder(cfg AnalysisConfig) *AnalysisConfigHolder {
	holder := &AnalysisConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func validateAnalysisConfig(cfg AnalysisConfig) error {
	if cfg.LockTTL <= 0 {
		return errors.New("analysis.lockTTL must be positive")
	}
	if cfg.CacheTTL <= 0 {
		return errors.New("analysis.cacheTTL must be positive")
	}
	if cfg.HoldTTL <= 0 {
		return errors.New("analysis.holdTTL must be positive")
	}
	if cfg.SweepInterval <= 0 {
		return errors.New("analysis.sweepInterval must be positive")
	}
	return nil
}
