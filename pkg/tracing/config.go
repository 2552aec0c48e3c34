// Package tracing sets up the OpenTelemetry tracer provider used for store command spans
package tracing

import (
	"context"
	"fmt"
	"net"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// Config represents the tracing configuration
type Config struct {
	Enabled           bool              `yaml:"enabled"`
	ServiceName       string            `yaml:"service_name"`
	ServiceVersion    string            `yaml:"service_version"`
	Environment       string            `yaml:"environment"`
	AgentEndpoint     string            `yaml:"agent_endpoint"`     // UDP host:port
	CollectorEndpoint string            `yaml:"collector_endpoint"` // HTTP, wins over the agent when set
	SamplingRate      float64           `yaml:"sampling_rate"`
	MaxExportBatch    int               `yaml:"max_export_batch"`
	MaxQueueSize      int               `yaml:"max_queue_size"`
	ExtraAttributes   map[string]string `yaml:"extra_attributes"`
}

// DefaultConfig returns the default tracing configuration. Tracing is off
// until explicitly enabled.
func DefaultConfig() *Config {
	return &Config{
		Enabled:        false,
		ServiceName:    "mixcache",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		AgentEndpoint:  "localhost:6831",
		SamplingRate:   0.1,
		MaxExportBatch: 512,
		MaxQueueSize:   2048,
	}
}

// Setup builds a Jaeger-backed tracer provider and installs it globally.
// It returns nil when tracing is disabled.
func Setup(config *Config) (*sdktrace.TracerProvider, error) {
	if config == nil || !config.Enabled {
		return nil, nil
	}

	var exporter *jaeger.Exporter
	var err error
	if config.CollectorEndpoint != "" {
		exporter, err = jaeger.New(jaeger.WithCollectorEndpoint(
			jaeger.WithEndpoint(config.CollectorEndpoint),
		))
	} else {
		var opts []jaeger.AgentEndpointOption
		opts, err = agentOptions(config.AgentEndpoint)
		if err != nil {
			return nil, err
		}
		exporter, err = jaeger.New(jaeger.WithAgentEndpoint(opts...))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
		semconv.DeploymentEnvironment(config.Environment),
	}
	for key, value := range config.ExtraAttributes {
		attrs = append(attrs, attribute.String(key, value))
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(attrs...),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(
			exporter,
			sdktrace.WithMaxExportBatchSize(config.MaxExportBatch),
			sdktrace.WithMaxQueueSize(config.MaxQueueSize),
		)),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(Sampler(config.SamplingRate)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	return tp, nil
}

// agentOptions splits a host:port agent endpoint. A bare host keeps the
// exporter's default port.
func agentOptions(endpoint string) ([]jaeger.AgentEndpointOption, error) {
	if endpoint == "" {
		return nil, nil
	}
	host, port, err := net.SplitHostPort(endpoint)
	if err != nil {
		if addrErr, ok := err.(*net.AddrError); ok && addrErr.Err == "missing port in address" {
			return []jaeger.AgentEndpointOption{jaeger.WithAgentHost(endpoint)}, nil
		}
		return nil, fmt.Errorf("invalid jaeger agent endpoint %q: %w", endpoint, err)
	}
	return []jaeger.AgentEndpointOption{
		jaeger.WithAgentHost(host),
		jaeger.WithAgentPort(port),
	}, nil
}

// Sampler maps a sampling rate onto a parent-based sampler
func Sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1.0:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case rate <= 0.0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

// Shutdown flushes and stops the tracer provider
func Shutdown(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}
