package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Logging logs every unary call once it completes. Server faults log at
// error, client mistakes and refusals at warn, everything else at debug.
func Logging(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logCall(logger, info.FullMethod, ClientIP(ctx), time.Since(start), err)
		return resp, err
	}
}

// StreamLogging logs every stream once it ends
func StreamLogging(logger *zap.Logger) StreamMiddleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		logCall(logger, info.FullMethod, ClientIP(ss.Context()), time.Since(start), err)
		return err
	}
}

func logCall(logger *zap.Logger, method, client string, duration time.Duration, err error) {
	st := status.Convert(err)
	fields := []zap.Field{
		zap.String("method", method),
		zap.String("client", client),
		zap.Duration("duration", duration),
		zap.String("grpc_code", st.Code().String()),
	}
	if err != nil {
		fields = append(fields, zap.String("error", st.Message()))
	}

	switch st.Code() {
	case codes.OK:
		logger.Debug("rpc completed", fields...)
	case codes.Internal, codes.Unknown, codes.DataLoss, codes.Unavailable:
		logger.Error("rpc failed", fields...)
	case codes.InvalidArgument, codes.NotFound, codes.PermissionDenied,
		codes.Unauthenticated, codes.ResourceExhausted:
		logger.Warn("rpc rejected", fields...)
	default:
		logger.Info("rpc completed with error", fields...)
	}
}
