package engine

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/shortsguard/guard/dom"
	"github.com/hazyhaar/shortsguard/guard/event"
	"github.com/hazyhaar/shortsguard/guard/policy"
)

// overlayConfig controls the block interstitial countdown.
type overlayConfig struct {
	// Countdown is the delay before redirecting. Default: 5s.
	Countdown time.Duration
	// Tick is the display refresh interval. Default: 1s.
	Tick time.Duration
}

func (oc *overlayConfig) defaults() {
	if oc.Countdown <= 0 {
		oc.Countdown = 5 * time.Second
	}
	if oc.Tick <= 0 {
		oc.Tick = time.Second
	}
	if oc.Tick > oc.Countdown {
		oc.Tick = oc.Countdown
	}
}

// overlay is the Block Overlay state machine:
//
//	hidden → showing → counting_down → dismissed | redirected
//
// dismissed and redirected return to showing on the next blocked URL.
// Owned by the engine loop.
type overlay struct {
	cfg    overlayConfig
	page   dom.Page
	logger *slog.Logger
	emit   func(event.Overlay)

	state     event.OverlayState
	match     policy.URLMatch
	remaining int
	ticker    *time.Ticker
	tickCh    <-chan time.Time
}

func newOverlay(cfg overlayConfig, page dom.Page, logger *slog.Logger, emit func(event.Overlay)) *overlay {
	cfg.defaults()
	if emit == nil {
		emit = func(event.Overlay) {}
	}
	return &overlay{cfg: cfg, page: page, logger: logger, emit: emit, state: event.OverlayHidden}
}

// active reports whether the overlay is on screen.
func (o *overlay) active() bool {
	return o.state == event.OverlayShowing || o.state == event.OverlayCountingDown
}

// tickC fires on each countdown step. Nil unless counting down.
func (o *overlay) tickC() <-chan time.Time { return o.tickCh }

// show silences the page, renders the interstitial and starts the
// countdown. A blocked URL while already active restarts the countdown
// with the new destination.
func (o *overlay) show(m policy.URLMatch) error {
	if o.active() {
		o.stopTicker()
	}
	if root, err := o.page.Root(); err == nil {
		Silence(root, o.logger)
	} else {
		o.logger.Debug("engine: overlay silence skipped", "error", err)
	}

	steps := int((o.cfg.Countdown + o.cfg.Tick - 1) / o.cfg.Tick)
	seconds := int((o.cfg.Countdown + time.Second - 1) / time.Second)
	if err := o.page.ShowOverlay(dom.Overlay{
		Label:     m.Label,
		Message:   fmt.Sprintf("%s is blocked by your settings.", m.Label),
		Remaining: seconds,
	}); err != nil {
		return fmt.Errorf("engine: show overlay: %w", err)
	}
	o.match = m
	o.remaining = steps
	o.transition(event.OverlayShowing)

	o.ticker = time.NewTicker(o.cfg.Tick)
	o.tickCh = o.ticker.C
	o.transition(event.OverlayCountingDown)
	return nil
}

// tick advances the countdown and redirects when it reaches zero.
func (o *overlay) tick() {
	if o.state != event.OverlayCountingDown {
		return
	}
	o.remaining--
	if o.remaining > 0 {
		left := time.Duration(o.remaining) * o.cfg.Tick
		if err := o.page.UpdateOverlay(int((left + time.Second - 1) / time.Second)); err != nil {
			o.logger.Debug("engine: overlay update failed", "error", err)
		}
		return
	}

	o.stopTicker()
	if err := o.page.Replace(o.match.Redirect); err != nil {
		o.logger.Warn("engine: redirect failed", "to", o.match.Redirect, "error", err)
	}
	o.transition(event.OverlayRedirected)
}

// cancel dismisses the overlay without redirecting. Only the countdown
// can be cancelled.
func (o *overlay) cancel() bool {
	if o.state != event.OverlayCountingDown {
		return false
	}
	o.stopTicker()
	if err := o.page.HideOverlay(); err != nil {
		o.logger.Debug("engine: hide overlay failed", "error", err)
	}
	o.transition(event.OverlayDismissed)
	return true
}

// withdraw takes the overlay down when its URL is no longer blocked.
func (o *overlay) withdraw() {
	if !o.active() {
		return
	}
	o.stopTicker()
	if err := o.page.HideOverlay(); err != nil {
		o.logger.Debug("engine: hide overlay failed", "error", err)
	}
	o.transition(event.OverlayHidden)
}

func (o *overlay) stopTicker() {
	if o.ticker != nil {
		o.ticker.Stop()
		o.ticker = nil
		o.tickCh = nil
	}
}

func (o *overlay) transition(to event.OverlayState) {
	o.state = to
	o.emit(event.Overlay{
		State:     to,
		Label:     o.match.Label,
		Redirect:  o.match.Redirect,
		Remaining: o.remaining,
	})
}
