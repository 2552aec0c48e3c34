// Package metrics provides monitoring and metrics collection for the cache and session layer
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder defines the interface for metrics collection
type Recorder interface {
	// RecordCommand records a completed store command with duration and status
	RecordCommand(command string, status string, duration time.Duration)

	// RecordCacheLookup records a cache lookup outcome for a tier ("l1", "l2")
	RecordCacheLookup(tier string, result string)

	// RecordCacheError records a cache operation failure
	RecordCacheError(op string)

	// RecordEvent records an emitted component event
	RecordEvent(component string, event string)

	// SetHealth publishes the health level of a component (0 healthy, 1 warning, 2 critical)
	SetHealth(component string, level int)

	// SetGauge publishes an arbitrary point-in-time value
	SetGauge(name string, value float64)

	// RecordRequest records a served RPC with its status code
	RecordRequest(method string, code string, duration time.Duration)
}

// Config holds configuration for metrics collection
type Config struct {
	// Namespace for metrics (e.g., "mixcache")
	Namespace string

	// Subsystem for metrics (e.g., "store")
	Subsystem string

	// Enable histogram buckets for command latency distribution
	EnableHistogram bool

	// Custom histogram buckets (in seconds)
	HistogramBuckets []float64

	// Constant labels to add to all metrics
	ConstLabels map[string]string
}

// DefaultConfig returns the default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace:       "mixcache",
		Subsystem:       "",
		EnableHistogram: true,
		HistogramBuckets: []float64{
			0.0005, // 0.5ms
			0.001,  // 1ms
			0.005,  // 5ms
			0.01,   // 10ms
			0.025,  // 25ms
			0.05,   // 50ms
			0.1,    // 100ms
			0.25,   // 250ms
			0.5,    // 500ms
			1.0,    // 1s
			2.5,    // 2.5s
		},
		ConstLabels: make(map[string]string),
	}
}

// ConfigOption is a function that configures a Config
type ConfigOption func(*Config)

// WithNamespace sets the namespace for metrics
func WithNamespace(namespace string) ConfigOption {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the subsystem for metrics
func WithSubsystem(subsystem string) ConfigOption {
	return func(c *Config) {
		c.Subsystem = subsystem
	}
}

// WithHistogramBuckets sets custom histogram buckets
func WithHistogramBuckets(buckets []float64) ConfigOption {
	return func(c *Config) {
		c.HistogramBuckets = buckets
	}
}

// WithConstLabels sets constant labels for all metrics
func WithConstLabels(labels map[string]string) ConfigOption {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithoutHistogram disables histogram metrics
func WithoutHistogram() ConfigOption {
	return func(c *Config) {
		c.EnableHistogram = false
	}
}

// Nop is a Recorder that discards everything
type Nop struct{}

func (Nop) RecordCommand(string, string, time.Duration) {}
func (Nop) RecordCacheLookup(string, string)            {}
func (Nop) RecordCacheError(string)                     {}
func (Nop) RecordEvent(string, string)                  {}
func (Nop) SetHealth(string, int)                       {}
func (Nop) SetGauge(string, float64)                    {}
func (Nop) RecordRequest(string, string, time.Duration) {}

// Gatherer is implemented by recorders that own a prometheus registry
type Gatherer interface {
	GetRegistry() *prometheus.Registry
}
