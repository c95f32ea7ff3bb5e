// Package kit provides the endpoint abstraction shared by the MCP surface:
// a transport-agnostic function type, middleware chaining, and the adapter
// that registers an endpoint as an MCP tool.
package kit

import (
	"context"
	"log/slog"
	"time"
)

// Endpoint is a transport-agnostic operation: typed request in, typed
// response out. The MCP adapter handles decoding and encoding around it.
type Endpoint func(ctx context.Context, request any) (any, error)

// Middleware wraps an Endpoint with cross-cutting behaviour.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares so the first one listed is outermost.
func Chain(mw ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mw) - 1; i >= 0; i-- {
			next = mw[i](next)
		}
		return next
	}
}

// Logging returns a Middleware that records each call with its duration and
// outcome at debug level, and failures at warn level.
func Logging(logger *slog.Logger, name string) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next Endpoint) Endpoint {
		return func(ctx context.Context, request any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, request)
			elapsed := time.Since(start)
			if err != nil {
				logger.Warn("kit: endpoint failed", "tool", name, "duration", elapsed, "error", err)
			} else {
				logger.Debug("kit: endpoint ok", "tool", name, "duration", elapsed)
			}
			return resp, err
		}
	}
}
