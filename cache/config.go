package cache

import (
	"fmt"
	"time"

	"github.com/mixguard/mixcache/pkg/fault"
)

// Config holds cache layer settings
type Config struct {
	// DefaultTTL applies when Set is called with a zero TTL
	DefaultTTL time.Duration `yaml:"default_ttl"`

	CompressionEnabled   bool `yaml:"compression_enabled"`
	CompressionThreshold int  `yaml:"compression_threshold"` // bytes of encoded entry

	// MultiLevel enables the in-process first tier
	MultiLevel bool `yaml:"multi_level"`
	L1Capacity int  `yaml:"l1_capacity"`
	// L1MaxAge bounds how long a first-tier copy is trusted, independent of
	// the entry TTL; zero disables the bound
	L1MaxAge time.Duration `yaml:"l1_max_age"`

	BatchingEnabled bool `yaml:"batching_enabled"`
	BatchSize       int  `yaml:"batch_size"`

	// StampedeLockTTL is the lifetime of the advisory lock taken by SetProtected
	StampedeLockTTL time.Duration `yaml:"stampede_lock_ttl"`

	// FailOpenReads turns store errors on the read path into misses
	FailOpenReads bool `yaml:"fail_open_reads"`

	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	AnalyticsInterval time.Duration `yaml:"analytics_interval"`
}

// DefaultConfig returns default cache configuration
func DefaultConfig() *Config {
	return &Config{
		DefaultTTL:           time.Hour,
		CompressionEnabled:   true,
		CompressionThreshold: 1024,
		MultiLevel:           true,
		L1Capacity:           1000,
		L1MaxAge:             time.Minute,
		BatchingEnabled:      true,
		BatchSize:            100,
		StampedeLockTTL:      5 * time.Second,
		FailOpenReads:        true,
		CleanupInterval:      time.Minute,
		AnalyticsInterval:    time.Minute,
	}
}

// Validate rejects settings the layer cannot work with
func (c *Config) Validate() error {
	switch {
	case c.MultiLevel && c.L1Capacity <= 0:
		return fmt.Errorf("%w: l1_capacity must be positive", fault.ErrInvalidConfig)
	case c.BatchingEnabled && c.BatchSize <= 0:
		return fmt.Errorf("%w: batch_size must be positive", fault.ErrInvalidConfig)
	case c.CompressionEnabled && c.CompressionThreshold < 0:
		return fmt.Errorf("%w: compression_threshold must not be negative", fault.ErrInvalidConfig)
	case c.StampedeLockTTL <= 0:
		return fmt.Errorf("%w: stampede_lock_ttl must be positive", fault.ErrInvalidConfig)
	}
	return nil
}
