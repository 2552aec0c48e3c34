package session

import (
	"fmt"
	"time"

	"github.com/mixguard/mixcache/pkg/fault"
)

// Config holds session, rate-limit, lock, anti-spam and token settings
type Config struct {
	// SessionTTL is the sliding lifetime of a user session
	SessionTTL time.Duration `yaml:"session_ttl"`

	// LockTTL is used when AcquireLock is called without a timeout
	LockTTL time.Duration `yaml:"lock_ttl"`

	// Default fixed-window limits
	RateLimitMax    int           `yaml:"rate_limit_max"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`

	// Anti-spam scoring
	BlockThreshold      float64            `yaml:"block_threshold"`
	AntiSpamTTL         time.Duration      `yaml:"antispam_ttl"`
	MaxActivities       int                `yaml:"max_activities"`
	ActivityMultipliers map[string]float64 `yaml:"activity_multipliers"`

	TokenTTL time.Duration `yaml:"token_ttl"`

	// SigningKey, when set, wraps token ids in HS256 JWTs so forged or
	// tampered tokens are rejected before touching the store
	SigningKey string `yaml:"signing_key"`
	Issuer     string `yaml:"issuer"`

	// CleanupInterval drives pruning of fingerprint indexes; zero disables it
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultConfig returns the default session configuration
func DefaultConfig() *Config {
	return &Config{
		SessionTTL:      24 * time.Hour,
		LockTTL:         30 * time.Second,
		RateLimitMax:    100,
		RateLimitWindow: time.Minute,
		BlockThreshold:  100,
		AntiSpamTTL:     24 * time.Hour,
		MaxActivities:   50,
		ActivityMultipliers: map[string]float64{
			"rapid_requests":      1.0,
			"failed_validation":   1.2,
			"invalid_address":     1.2,
			"multiple_sessions":   1.3,
			"suspicious_amount":   1.5,
			"failed_captcha":      1.5,
			"blacklisted_address": 2.0,
		},
		TokenTTL:        time.Hour,
		Issuer:          "mixcache",
		CleanupInterval: time.Hour,
	}
}

// Validate rejects settings the manager cannot work with
func (c *Config) Validate() error {
	if c.SessionTTL <= 0 || c.LockTTL <= 0 || c.AntiSpamTTL <= 0 || c.TokenTTL <= 0 {
		return fmt.Errorf("%w: session, lock, antispam and token TTLs must be positive", fault.ErrInvalidConfig)
	}
	if c.RateLimitMax < 1 || c.RateLimitWindow <= 0 {
		return fmt.Errorf("%w: rate limit needs max >= 1 and a positive window", fault.ErrInvalidConfig)
	}
	if c.BlockThreshold <= 0 {
		return fmt.Errorf("%w: block_threshold must be positive", fault.ErrInvalidConfig)
	}
	if c.MaxActivities < 1 {
		return fmt.Errorf("%w: max_activities must be at least 1", fault.ErrInvalidConfig)
	}
	for activity, m := range c.ActivityMultipliers {
		if m <= 0 {
			return fmt.Errorf("%w: multiplier for %q must be positive", fault.ErrInvalidConfig, activity)
		}
	}
	if c.CleanupInterval < 0 {
		return fmt.Errorf("%w: cleanup_interval must not be negative", fault.ErrInvalidConfig)
	}
	return nil
}
