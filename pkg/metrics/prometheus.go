package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements Recorder for Prometheus
type PrometheusCollector struct {
	config   *Config
	registry *prometheus.Registry

	// Store command metrics
	commandsTotal   *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec

	// Cache metrics
	cacheLookups *prometheus.CounterVec
	cacheErrors  *prometheus.CounterVec

	// Component metrics
	eventsTotal *prometheus.CounterVec
	health      *prometheus.GaugeVec
	gauges      *prometheus.GaugeVec

	// RPC server metrics
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewPrometheusCollector creates a new Prometheus metrics collector
func NewPrometheusCollector(opts ...ConfigOption) (*PrometheusCollector, error) {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(config)
	}

	registry := prometheus.NewRegistry()
	collector := &PrometheusCollector{
		config:   config,
		registry: registry,
	}

	if err := collector.initMetrics(); err != nil {
		return nil, err
	}

	return collector, nil
}

// initMetrics initializes all Prometheus metrics
func (p *PrometheusCollector) initMetrics() error {
	p.commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "store_commands_total",
			Help:        "Total number of commands sent to the backing store",
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"command", "status"},
	)

	if p.config.EnableHistogram {
		p.commandDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   p.config.Namespace,
				Subsystem:   p.config.Subsystem,
				Name:        "store_command_duration_seconds",
				Help:        "Histogram of store command latency in seconds",
				Buckets:     p.config.HistogramBuckets,
				ConstLabels: p.config.ConstLabels,
			},
			[]string{"command"},
		)
	}

	p.cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "cache_lookups_total",
			Help:        "Cache lookups by tier and result",
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"tier", "result"},
	)

	p.cacheErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "cache_errors_total",
			Help:        "Cache operation failures by operation",
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"op"},
	)

	p.eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "events_total",
			Help:        "Component events emitted",
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"component", "event"},
	)

	p.health = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "component_health",
			Help:        "Component health level: 0 healthy, 1 warning, 2 critical",
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"component"},
	)

	p.gauges = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "stat",
			Help:        "Aggregated point-in-time statistics",
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"name"},
	)

	p.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "grpc_server_requests_total",
			Help:        "Total number of RPCs served by method and code",
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"method", "code"},
	)

	if p.config.EnableHistogram {
		p.requestDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   p.config.Namespace,
				Subsystem:   p.config.Subsystem,
				Name:        "grpc_server_request_duration_seconds",
				Help:        "Histogram of RPC latency in seconds",
				Buckets:     p.config.HistogramBuckets,
				ConstLabels: p.config.ConstLabels,
			},
			[]string{"method"},
		)
	}

	p.registry.MustRegister(
		p.commandsTotal,
		p.requestsTotal,
		p.cacheLookups,
		p.cacheErrors,
		p.eventsTotal,
		p.health,
		p.gauges,
	)

	if p.config.EnableHistogram {
		p.registry.MustRegister(p.commandDuration, p.requestDuration)
	}

	return nil
}

// RecordCommand records a completed store command
func (p *PrometheusCollector) RecordCommand(command string, status string, duration time.Duration) {
	p.commandsTotal.WithLabelValues(command, status).Inc()
	if p.config.EnableHistogram {
		p.commandDuration.WithLabelValues(command).Observe(duration.Seconds())
	}
}

// RecordCacheLookup records a lookup outcome
func (p *PrometheusCollector) RecordCacheLookup(tier string, result string) {
	p.cacheLookups.WithLabelValues(tier, result).Inc()
}

// RecordCacheError records a cache failure
func (p *PrometheusCollector) RecordCacheError(op string) {
	p.cacheErrors.WithLabelValues(op).Inc()
}

// RecordEvent records an emitted event
func (p *PrometheusCollector) RecordEvent(component string, event string) {
	p.eventsTotal.WithLabelValues(component, event).Inc()
}

// SetHealth updates the component health gauge
func (p *PrometheusCollector) SetHealth(component string, level int) {
	p.health.WithLabelValues(component).Set(float64(level))
}

// SetGauge updates a named statistic
func (p *PrometheusCollector) SetGauge(name string, value float64) {
	p.gauges.WithLabelValues(name).Set(value)
}

// RecordRequest records a served RPC
func (p *PrometheusCollector) RecordRequest(method string, code string, duration time.Duration) {
	p.requestsTotal.WithLabelValues(method, code).Inc()
	if p.config.EnableHistogram {
		p.requestDuration.WithLabelValues(method).Observe(duration.Seconds())
	}
}

// GetRegistry returns the Prometheus registry
func (p *PrometheusCollector) GetRegistry() *prometheus.Registry {
	return p.registry
}

// MustRegister registers a custom collector
func (p *PrometheusCollector) MustRegister(collectors ...prometheus.Collector) {
	p.registry.MustRegister(collectors...)
}
