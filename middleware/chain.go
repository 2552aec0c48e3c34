// Package middleware provides the gRPC interceptor chain served by the
// mixcache daemon: request logging, metrics, and store-backed blocking and
// rate limiting of client addresses.
package middleware

import (
	"context"

	"google.golang.org/grpc"
)

// Middleware wraps a unary handler
type Middleware func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error)

// StreamMiddleware wraps a stream handler
type StreamMiddleware func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error

// Chain runs middleware in the order it was added
type Chain struct {
	unary  []Middleware
	stream []StreamMiddleware
}

// NewChain creates a chain of unary middleware
func NewChain(middlewares ...Middleware) *Chain {
	return &Chain{unary: middlewares}
}

// Append adds unary middleware to the end of the chain
func (c *Chain) Append(middlewares ...Middleware) *Chain {
	c.unary = append(c.unary, middlewares...)
	return c
}

// AppendStream adds stream middleware to the end of the chain
func (c *Chain) AppendStream(middlewares ...StreamMiddleware) *Chain {
	c.stream = append(c.stream, middlewares...)
	return c
}

// UnaryInterceptor returns the unary chain as a single interceptor
func (c *Chain) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		next := handler
		// wrap from the tail so the first middleware runs outermost
		for i := len(c.unary) - 1; i >= 0; i-- {
			mw, inner := c.unary[i], next
			next = func(ctx context.Context, req interface{}) (interface{}, error) {
				return mw(ctx, req, info, inner)
			}
		}
		return next(ctx, req)
	}
}

// StreamInterceptor returns the stream chain as a single interceptor
func (c *Chain) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		next := handler
		for i := len(c.stream) - 1; i >= 0; i-- {
			mw, inner := c.stream[i], next
			next = func(srv interface{}, ss grpc.ServerStream) error {
				return mw(srv, ss, info, inner)
			}
		}
		return next(srv, ss)
	}
}

// ServerOptions installs both interceptors on a server
func (c *Chain) ServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.UnaryInterceptor(c.UnaryInterceptor()),
		grpc.StreamInterceptor(c.StreamInterceptor()),
	}
}
