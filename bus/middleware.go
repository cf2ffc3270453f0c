package bus

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"
)

// HandlerMiddleware wraps a Handler with cross-cutting behaviour.
type HandlerMiddleware func(next Handler) Handler

// Chain composes middlewares left-to-right: the first one is outermost.
func Chain(mws ...HandlerMiddleware) HandlerMiddleware {
	return func(next Handler) Handler {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}

// Logging logs every call with its duration.
func Logging(logger *slog.Logger) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			start := time.Now()
			resp, err := next(ctx, payload)
			dur := time.Since(start)
			if err != nil {
				logger.ErrorContext(ctx, "bus: call failed",
					"duration_ms", dur.Milliseconds(), "error", err)
			} else {
				logger.DebugContext(ctx, "bus: call ok",
					"duration_ms", dur.Milliseconds(), "response_bytes", len(resp))
			}
			return resp, err
		}
	}
}

// Timeout bounds the call duration through the context.
func Timeout(d time.Duration) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, payload)
		}
	}
}

// Recovery turns a handler panic into an *ErrPanic.
func Recovery(logger *slog.Logger) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) (resp []byte, err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.ErrorContext(ctx, "bus: handler panic recovered",
						"panic", r, "stack", string(debug.Stack()))
					err = &ErrPanic{Value: r}
				}
			}()
			return next(ctx, payload)
		}
	}
}

// ErrActionNotFound is returned by Call when no handler serves the action.
type ErrActionNotFound struct {
	Action string
}

func (e *ErrActionNotFound) Error() string {
	return fmt.Sprintf("bus: no handler for action %q", e.Action)
}

// ErrPanic wraps a recovered panic value.
type ErrPanic struct {
	Value any
}

func (e *ErrPanic) Error() string {
	return fmt.Sprintf("bus: panic: %v", e.Value)
}
