package sink

import (
	"context"

	"github.com/hazyhaar/shortsguard/guard/event"
)

// SweepFunc is called for each sweep report.
type SweepFunc func(ctx context.Context, s event.Sweep) error

// NavigationFunc is called for each dispatched navigation.
type NavigationFunc func(ctx context.Context, n event.Navigation) error

// OverlayFunc is called for each overlay transition.
type OverlayFunc func(ctx context.Context, o event.Overlay) error

// Callback delivers reports as in-process function calls.
type Callback struct {
	onSweep      SweepFunc
	onNavigation NavigationFunc
	onOverlay    OverlayFunc
}

// NewCallback creates a Callback sink. Any handler may be nil.
func NewCallback(onSweep SweepFunc, onNavigation NavigationFunc, onOverlay OverlayFunc) *Callback {
	return &Callback{onSweep: onSweep, onNavigation: onNavigation, onOverlay: onOverlay}
}

func (c *Callback) SendSweep(ctx context.Context, s event.Sweep) error {
	if c.onSweep != nil {
		return c.onSweep(ctx, s)
	}
	return nil
}

func (c *Callback) SendNavigation(ctx context.Context, n event.Navigation) error {
	if c.onNavigation != nil {
		return c.onNavigation(ctx, n)
	}
	return nil
}

func (c *Callback) SendOverlay(ctx context.Context, o event.Overlay) error {
	if c.onOverlay != nil {
		return c.onOverlay(ctx, o)
	}
	return nil
}

func (c *Callback) Close() error { return nil }
