package sink

import (
	"context"
	"log/slog"

	"github.com/hazyhaar/shortsguard/guard/event"
)

// Router fans reports out to all configured sinks. One sink error does
// not block the others: errors are logged and the first one is returned.
type Router struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewRouter creates a fan-out router delivering to all sinks.
func NewRouter(logger *slog.Logger, sinks ...Sink) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{sinks: sinks, logger: logger}
}

// Add appends a sink. Not safe to call while reports are flowing.
func (r *Router) Add(s Sink) {
	r.sinks = append(r.sinks, s)
}

// Len returns the number of sinks.
func (r *Router) Len() int { return len(r.sinks) }

func (r *Router) fanout(what string, send func(Sink) error) error {
	var firstErr error
	for _, s := range r.sinks {
		if err := send(s); err != nil {
			r.logger.Warn("sink: send "+what+" failed", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (r *Router) SendSweep(ctx context.Context, s event.Sweep) error {
	return r.fanout("sweep", func(k Sink) error { return k.SendSweep(ctx, s) })
}

func (r *Router) SendNavigation(ctx context.Context, n event.Navigation) error {
	return r.fanout("navigation", func(k Sink) error { return k.SendNavigation(ctx, n) })
}

func (r *Router) SendOverlay(ctx context.Context, o event.Overlay) error {
	return r.fanout("overlay", func(k Sink) error { return k.SendOverlay(ctx, o) })
}

func (r *Router) Close() error {
	var firstErr error
	for _, s := range r.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
