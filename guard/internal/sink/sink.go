// Package sink delivers engine reports to output backends.
package sink

import (
	"context"

	"github.com/hazyhaar/shortsguard/guard/event"
)

// Sink is the output interface. Implementations deliver reports to
// different backends (stdout, webhook, in-process callback).
type Sink interface {
	SendSweep(ctx context.Context, s event.Sweep) error
	SendNavigation(ctx context.Context, n event.Navigation) error
	SendOverlay(ctx context.Context, o event.Overlay) error
	Close() error
}
