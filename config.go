package mixcache

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mixguard/mixcache/cache"
	"github.com/mixguard/mixcache/connection"
	"github.com/mixguard/mixcache/critical"
	"github.com/mixguard/mixcache/pkg/fault"
	"github.com/mixguard/mixcache/pkg/tracing"
	"github.com/mixguard/mixcache/session"
)

// Config aggregates the configuration of every component
type Config struct {
	Connection *connection.Config `yaml:"connection"`
	Cache      *cache.Config      `yaml:"cache"`
	Session    *session.Config    `yaml:"session"`
	Critical   *critical.Config   `yaml:"critical"`
	Master     *MasterConfig      `yaml:"master"`
	Tracing    *tracing.Config    `yaml:"tracing"`
}

// MasterConfig holds the orchestrator schedule and health thresholds
type MasterConfig struct {
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	MetricsInterval     time.Duration `yaml:"metrics_interval"`

	// Cache hit rate below these levels degrades health once at least
	// MinCacheLookups lookups have been seen
	HitRateWarning  float64 `yaml:"hit_rate_warning"`
	HitRateCritical float64 `yaml:"hit_rate_critical"`
	MinCacheLookups uint64  `yaml:"min_cache_lookups"`

	// Average store command latency above these levels degrades health
	LatencyWarning  time.Duration `yaml:"latency_warning"`
	LatencyCritical time.Duration `yaml:"latency_critical"`

	// Store command error rate above these levels degrades health
	ErrorRateWarning  float64 `yaml:"error_rate_warning"`
	ErrorRateCritical float64 `yaml:"error_rate_critical"`

	// Share of refused rate-limit checks above these levels degrades the
	// sessions component once MinRateLimitChecks checks have been seen
	RateLimitedWarning  float64 `yaml:"rate_limited_warning"`
	RateLimitedCritical float64 `yaml:"rate_limited_critical"`
	MinRateLimitChecks  uint64  `yaml:"min_rate_limit_checks"`
}

// DefaultMasterConfig returns the default orchestrator configuration
func DefaultMasterConfig() *MasterConfig {
	return &MasterConfig{
		HealthCheckInterval: 30 * time.Second,
		MetricsInterval:     time.Minute,
		HitRateWarning:      0.5,
		HitRateCritical:     0.3,
		MinCacheLookups:     100,
		LatencyWarning:      500 * time.Millisecond,
		LatencyCritical:     time.Second,
		ErrorRateWarning:    0.05,
		ErrorRateCritical:   0.25,
		RateLimitedWarning:  0.25,
		RateLimitedCritical: 0.5,
		MinRateLimitChecks:  100,
	}
}

// DefaultConfig returns a configuration with every component defaulted
func DefaultConfig() *Config {
	return &Config{
		Connection: connection.DefaultConfig(),
		Cache:      cache.DefaultConfig(),
		Session:    session.DefaultConfig(),
		Critical:   critical.DefaultConfig(),
		Master:     DefaultMasterConfig(),
		Tracing:    tracing.DefaultConfig(),
	}
}

// LoadConfig reads a YAML file over DefaultConfig. Fields missing from the
// file keep their defaults; durations are Go duration strings.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", fault.ErrInvalidConfig, path, err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks every component configuration
func (c *Config) Validate() error {
	if c.Connection == nil || c.Cache == nil || c.Session == nil || c.Critical == nil || c.Master == nil {
		return fmt.Errorf("%w: every component section is required", fault.ErrInvalidConfig)
	}
	return errors.Join(
		c.Connection.Validate(),
		c.Cache.Validate(),
		c.Session.Validate(),
		c.Critical.Validate(),
		c.Master.Validate(),
	)
}

// Validate rejects inconsistent thresholds
func (c *MasterConfig) Validate() error {
	if c.HealthCheckInterval < 0 || c.MetricsInterval < 0 {
		return fmt.Errorf("%w: master intervals must not be negative", fault.ErrInvalidConfig)
	}
	if c.HitRateCritical > c.HitRateWarning {
		return fmt.Errorf("%w: hit_rate_critical must not exceed hit_rate_warning", fault.ErrInvalidConfig)
	}
	if c.LatencyCritical < c.LatencyWarning {
		return fmt.Errorf("%w: latency_critical must not be below latency_warning", fault.ErrInvalidConfig)
	}
	if c.ErrorRateCritical < c.ErrorRateWarning {
		return fmt.Errorf("%w: error_rate_critical must not be below error_rate_warning", fault.ErrInvalidConfig)
	}
	if c.RateLimitedCritical < c.RateLimitedWarning {
		return fmt.Errorf("%w: rate_limited_critical must not be below rate_limited_warning", fault.ErrInvalidConfig)
	}
	return nil
}
