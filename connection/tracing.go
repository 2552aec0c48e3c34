package connection

import (
	"context"

	"github.com/go-redis/redis/v8"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/mixguard/mixcache/connection"

// tracingHook opens a client span around every store command and pipeline
type tracingHook struct {
	tracer trace.Tracer
}

func newTracingHook(tp trace.TracerProvider) *tracingHook {
	return &tracingHook{tracer: tp.Tracer(tracerName)}
}

func (h *tracingHook) BeforeProcess(ctx context.Context, cmd redis.Cmder) (context.Context, error) {
	ctx, _ = h.tracer.Start(ctx, "redis."+cmd.Name(),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "redis"),
			attribute.String("db.operation", cmd.Name()),
		),
	)
	return ctx, nil
}

func (h *tracingHook) AfterProcess(ctx context.Context, cmd redis.Cmder) error {
	endSpan(trace.SpanFromContext(ctx), cmd.Err())
	return nil
}

func (h *tracingHook) BeforeProcessPipeline(ctx context.Context, cmds []redis.Cmder) (context.Context, error) {
	ctx, _ = h.tracer.Start(ctx, "redis.pipeline",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "redis"),
			attribute.Int("db.redis.num_cmd", len(cmds)),
		),
	)
	return ctx, nil
}

func (h *tracingHook) AfterProcessPipeline(ctx context.Context, cmds []redis.Cmder) error {
	var err error
	for _, cmd := range cmds {
		if cerr := cmd.Err(); cerr != nil && cerr != redis.Nil {
			err = cerr
			break
		}
	}
	endSpan(trace.SpanFromContext(ctx), err)
	return nil
}

func endSpan(span trace.Span, err error) {
	if err != nil && err != redis.Nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
