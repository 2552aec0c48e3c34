package middleware

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/mixguard/mixcache/pkg/metrics"
)

// Metrics records the code and latency of every unary call
func Metrics(recorder metrics.Recorder) Middleware {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		recorder.RecordRequest(info.FullMethod, status.Code(err).String(), time.Since(start))
		return resp, err
	}
}

// StreamMetrics records the code and lifetime of every stream
func StreamMetrics(recorder metrics.Recorder) StreamMiddleware {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		recorder.RecordRequest(info.FullMethod, status.Code(err).String(), time.Since(start))
		return err
	}
}
