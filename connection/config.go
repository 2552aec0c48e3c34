package connection

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/mixguard/mixcache/pkg/fault"
)

// Config holds the store connection settings. It is treated as immutable
// once passed to New.
type Config struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`

	// Topology is fixed at construction time
	Cluster      bool     `yaml:"cluster"`
	ClusterNodes []string `yaml:"cluster_nodes"`

	PoolMin int `yaml:"pool_min"`
	PoolMax int `yaml:"pool_max"`

	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	CommandTimeout  time.Duration `yaml:"command_timeout"`
	MaxRetries      int           `yaml:"max_retries"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	MaxRetryBackoff time.Duration `yaml:"max_retry_backoff"`

	// Read/write split: reads go to a replica with probability ReadRatio
	ReadWriteSplit bool     `yaml:"read_write_split"`
	ReadReplicas   []string `yaml:"read_replicas"`
	ReadRatio      float64  `yaml:"read_ratio"`

	HealthCheckEnabled  bool          `yaml:"health_check_enabled"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	HealthCheckTimeout  time.Duration `yaml:"health_check_timeout"`

	KeepAlive         bool          `yaml:"keep_alive"`
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval"`

	// LazyConnect skips the initial ping in Connect
	LazyConnect bool `yaml:"lazy_connect"`

	// OfflineQueue makes commands wait for a reconnect (bounded by
	// CommandTimeout) instead of failing while the link is down
	OfflineQueue bool `yaml:"offline_queue"`

	AutoFailover        bool          `yaml:"auto_failover"`
	FailoverTimeout     time.Duration `yaml:"failover_timeout"`  // per reconnect attempt
	FailoverInterval    time.Duration `yaml:"failover_interval"` // minimum spacing between attempts
	MaxFailoverAttempts int           `yaml:"max_failover_attempts"`
}

// DefaultConfig returns the default connection configuration
func DefaultConfig() *Config {
	return &Config{
		Host:                "localhost",
		Port:                6379,
		DB:                  0,
		KeyPrefix:           "mixer:",
		PoolMin:             2,
		PoolMax:             20,
		ConnectTimeout:      10 * time.Second,
		CommandTimeout:      5 * time.Second,
		MaxRetries:          3,
		RetryBackoff:        100 * time.Millisecond,
		MaxRetryBackoff:     2 * time.Second,
		ReadRatio:           0.7,
		HealthCheckEnabled:  true,
		HealthCheckInterval: 30 * time.Second,
		HealthCheckTimeout:  5 * time.Second,
		KeepAlive:           true,
		KeepAliveInterval:   30 * time.Second,
		OfflineQueue:        false,
		AutoFailover:        true,
		FailoverTimeout:     30 * time.Second,
		FailoverInterval:    time.Second,
		MaxFailoverAttempts: 3,
	}
}

// Addr returns the primary endpoint for single-instance mode
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate rejects settings the manager cannot work with
func (c *Config) Validate() error {
	switch {
	case c.Cluster && len(c.ClusterNodes) == 0:
		return fmt.Errorf("%w: cluster mode requires cluster_nodes", fault.ErrInvalidConfig)
	case !c.Cluster && c.Host == "":
		return fmt.Errorf("%w: host is required", fault.ErrInvalidConfig)
	case c.PoolMax <= 0 || c.PoolMin < 0 || c.PoolMin > c.PoolMax:
		return fmt.Errorf("%w: pool bounds %d..%d", fault.ErrInvalidConfig, c.PoolMin, c.PoolMax)
	case c.CommandTimeout <= 0 || c.ConnectTimeout <= 0:
		return fmt.Errorf("%w: timeouts must be positive", fault.ErrInvalidConfig)
	case c.MaxRetries < 0:
		return fmt.Errorf("%w: max_retries must not be negative", fault.ErrInvalidConfig)
	case c.ReadRatio < 0 || c.ReadRatio > 1:
		return fmt.Errorf("%w: read_ratio must be within [0,1]", fault.ErrInvalidConfig)
	case c.ReadWriteSplit && !c.Cluster && len(c.ReadReplicas) == 0:
		return fmt.Errorf("%w: read_write_split requires read_replicas", fault.ErrInvalidConfig)
	case c.HealthCheckEnabled && (c.HealthCheckInterval <= 0 || c.HealthCheckTimeout <= 0):
		return fmt.Errorf("%w: health check interval and timeout must be positive", fault.ErrInvalidConfig)
	case c.AutoFailover && c.MaxFailoverAttempts <= 0:
		return fmt.Errorf("%w: max_failover_attempts must be positive", fault.ErrInvalidConfig)
	}
	return nil
}
