package middleware

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/mixguard/mixcache/session"
)

// Limiter counts one request against an identifier's window
type Limiter interface {
	CheckRateLimit(ctx context.Context, identifier string, maxRequests int, window time.Duration) (session.RateLimitResult, error)
}

// Blocklist reports identifiers refused by anti-spam scoring
type Blocklist interface {
	IsBlocked(ctx context.Context, identifier string) (bool, error)
}

// ActivityTracker scores suspicious client behaviour
type ActivityTracker interface {
	TrackSuspiciousActivity(ctx context.Context, identifier, activity string, severity session.Severity) (session.ActivityResult, error)
}

// activityRapidRequests is recorded whenever a client exceeds its window
const activityRapidRequests = "rapid_requests"

type rateLimitConfig struct {
	max      int
	window   time.Duration
	identify func(context.Context) string
	fallback *rate.Limiter
	tracker  ActivityTracker
	skip     map[string]bool
	logger   *zap.Logger
}

// RateLimitOption configures RateLimit and Block
type RateLimitOption func(*rateLimitConfig)

// WithLimit overrides the limiter's default window. Zero values keep the
// limiter defaults.
func WithLimit(maxRequests int, window time.Duration) RateLimitOption {
	return func(c *rateLimitConfig) {
		c.max = maxRequests
		c.window = window
	}
}

// WithIdentifier sets how a client is identified. Defaults to ClientIP.
func WithIdentifier(fn func(context.Context) string) RateLimitOption {
	return func(c *rateLimitConfig) {
		c.identify = fn
	}
}

// WithFallback admits requests through a process-local token bucket while
// the store cannot be reached
func WithFallback(perSecond float64, burst int) RateLimitOption {
	return func(c *rateLimitConfig) {
		c.fallback = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithTracker scores every refused request as rapid_requests activity
func WithTracker(t ActivityTracker) RateLimitOption {
	return func(c *rateLimitConfig) {
		c.tracker = t
	}
}

// WithSkipMethods exempts full method names, such as health probes
func WithSkipMethods(methods ...string) RateLimitOption {
	return func(c *rateLimitConfig) {
		for _, m := range methods {
			c.skip[m] = true
		}
	}
}

// WithRateLimitLogger sets the logger for refusals and store failures
func WithRateLimitLogger(logger *zap.Logger) RateLimitOption {
	return func(c *rateLimitConfig) {
		c.logger = logger
	}
}

func newRateLimitConfig(opts []RateLimitOption) *rateLimitConfig {
	c := &rateLimitConfig{
		identify: ClientIP,
		skip:     make(map[string]bool),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RateLimit refuses calls with ResourceExhausted once the caller's window
// is spent. Windows live in the store so the limit holds across replicas.
// Without a fallback, a store failure lets the call through.
func RateLimit(limiter Limiter, opts ...RateLimitOption) Middleware {
	c := newRateLimitConfig(opts)

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if c.skip[info.FullMethod] {
			return handler(ctx, req)
		}
		id := c.identify(ctx)

		res, err := limiter.CheckRateLimit(ctx, id, c.max, c.window)
		if err != nil {
			c.logger.Warn("rate limit check failed", zap.String("client", id), zap.Error(err))
			if c.fallback != nil && !c.fallback.Allow() {
				return nil, status.Error(codes.ResourceExhausted, "rate limit exceeded")
			}
			return handler(ctx, req)
		}

		_ = grpc.SetHeader(ctx, metadata.Pairs(
			"x-ratelimit-remaining", strconv.Itoa(res.Remaining),
			"x-ratelimit-reset", strconv.FormatInt(res.ResetTime.Unix(), 10),
		))
		if res.Allowed {
			return handler(ctx, req)
		}

		if c.tracker != nil {
			if _, err := c.tracker.TrackSuspiciousActivity(ctx, id, activityRapidRequests, session.SeverityLow); err != nil {
				c.logger.Warn("failed to track activity", zap.String("client", id), zap.Error(err))
			}
		}
		return nil, status.Errorf(codes.ResourceExhausted,
			"rate limit exceeded, retry after %s", res.ResetTime.UTC().Format(time.RFC3339))
	}
}

// Block refuses calls from blocked identifiers with PermissionDenied. A
// store failure lets the call through.
func Block(list Blocklist, opts ...RateLimitOption) Middleware {
	c := newRateLimitConfig(opts)

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if c.skip[info.FullMethod] {
			return handler(ctx, req)
		}
		id := c.identify(ctx)

		blocked, err := list.IsBlocked(ctx, id)
		if err != nil {
			c.logger.Warn("block check failed", zap.String("client", id), zap.Error(err))
			return handler(ctx, req)
		}
		if blocked {
			return nil, status.Error(codes.PermissionDenied, "client blocked")
		}
		return handler(ctx, req)
	}
}

// ClientIP identifies the caller by the first forwarded address in the
// metadata, falling back to the transport peer
func ClientIP(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if xff := md.Get("x-forwarded-for"); len(xff) > 0 {
			if first := strings.TrimSpace(strings.Split(xff[0], ",")[0]); first != "" {
				return first
			}
		}
		if xri := md.Get("x-real-ip"); len(xri) > 0 && xri[0] != "" {
			return xri[0]
		}
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		addr := p.Addr.String()
		if host, _, err := net.SplitHostPort(addr); err == nil {
			return host
		}
		return addr
	}
	return "unknown"
}
