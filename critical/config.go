package critical

import (
	"fmt"
	"time"

	"github.com/mixguard/mixcache/pkg/fault"
)

// Config holds per-entity TTLs and thresholds
type Config struct {
	SessionTTL      time.Duration `yaml:"session_ttl"`
	WalletTTL       time.Duration `yaml:"wallet_ttl"`
	RateTTL         time.Duration `yaml:"rate_ttl"`
	AntifraudTTL    time.Duration `yaml:"antifraud_ttl"`
	ConfirmationTTL time.Duration `yaml:"confirmation_ttl"`
	TempTTL         time.Duration `yaml:"temp_ttl"`
	BlacklistTTL    time.Duration `yaml:"blacklist_ttl"`

	// CurrencyIndexTTL bounds the life of the currency -> wallet ids set
	CurrencyIndexTTL time.Duration `yaml:"currency_index_ttl"`

	// BlacklistThreshold is the risk score at which an address is blacklisted
	BlacklistThreshold int `yaml:"blacklist_threshold"`

	// StatusLockTTL guards read-modify-write of a session status
	StatusLockTTL time.Duration `yaml:"status_lock_ttl"`
}

// DefaultConfig returns the default critical data configuration
func DefaultConfig() *Config {
	return &Config{
		SessionTTL:         24 * time.Hour,
		WalletTTL:          60 * time.Second,
		RateTTL:            5 * time.Minute,
		AntifraudTTL:       7 * 24 * time.Hour,
		ConfirmationTTL:    5 * time.Minute,
		TempTTL:            30 * time.Minute,
		BlacklistTTL:       30 * 24 * time.Hour,
		CurrencyIndexTTL:   24 * time.Hour,
		BlacklistThreshold: 80,
		StatusLockTTL:      5 * time.Second,
	}
}

// Validate rejects settings the manager cannot work with
func (c *Config) Validate() error {
	for name, ttl := range map[string]time.Duration{
		"session_ttl":        c.SessionTTL,
		"wallet_ttl":         c.WalletTTL,
		"rate_ttl":           c.RateTTL,
		"antifraud_ttl":      c.AntifraudTTL,
		"confirmation_ttl":   c.ConfirmationTTL,
		"temp_ttl":           c.TempTTL,
		"blacklist_ttl":      c.BlacklistTTL,
		"currency_index_ttl": c.CurrencyIndexTTL,
		"status_lock_ttl":    c.StatusLockTTL,
	} {
		if ttl <= 0 {
			return fmt.Errorf("%w: %s must be positive", fault.ErrInvalidConfig, name)
		}
	}
	if c.BlacklistThreshold < 0 || c.BlacklistThreshold > 100 {
		return fmt.Errorf("%w: blacklist_threshold must be within [0,100]", fault.ErrInvalidConfig)
	}
	return nil
}
