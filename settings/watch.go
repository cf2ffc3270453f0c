package settings

import (
	"context"
	"sync/atomic"
	"time"
)

// WatchOptions tunes the change poller.
type WatchOptions struct {
	// Interval is the polling frequency. Default: 500ms.
	Interval time.Duration
	// Debounce is the quiet period after a version bump before the
	// snapshot is diffed. Further bumps reset it. Default: 0 (immediate).
	Debounce time.Duration
}

func (o *WatchOptions) defaults() {
	if o.Interval <= 0 {
		o.Interval = 500 * time.Millisecond
	}
}

// WatchStats are point-in-time counters for the poller.
type WatchStats struct {
	Checks        int64 `json:"checks"`
	Notifications int64 `json:"notifications"`
	Errors        int64 `json:"errors"`
}

var (
	watchChecks atomic.Int64
	watchNotify atomic.Int64
	watchErrors atomic.Int64
)

// Stats returns the process-wide watcher counters.
func Stats() WatchStats {
	return WatchStats{
		Checks:        watchChecks.Load(),
		Notifications: watchNotify.Load(),
		Errors:        watchErrors.Load(),
	}
}

// Watch blocks until ctx is cancelled, polling the version stamp. When it
// moves and the debounce window passes quietly, the stored snapshot is
// diffed against the last known one and fn is called with the non-empty
// result. Writes made through Set are already folded into the last known
// snapshot, so they are not reported again here.
func (s *Store) Watch(ctx context.Context, opts WatchOptions, fn func(Changes)) {
	opts.defaults()
	log := s.logger

	seen, err := s.Version(ctx)
	if err != nil {
		log.Warn("settings: initial version check failed", "error", err)
	}

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time
	pending := false

	log.Info("settings: watch started", "interval", opts.Interval, "debounce", opts.Debounce)

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			log.Info("settings: watch stopped")
			return

		case <-ticker.C:
			watchChecks.Add(1)
			cur, err := s.Version(ctx)
			if err != nil {
				watchErrors.Add(1)
				log.Warn("settings: version check failed", "error", err)
				continue
			}
			if cur == seen {
				continue
			}
			seen = cur
			if opts.Debounce <= 0 {
				s.notify(ctx, fn)
				continue
			}
			pending = true
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.NewTimer(opts.Debounce)
			debounceCh = debounceTimer.C

		case <-debounceCh:
			debounceCh = nil
			if pending {
				pending = false
				s.notify(ctx, fn)
			}
		}
	}
}

func (s *Store) notify(ctx context.Context, fn func(Changes)) {
	ch, err := s.pull(ctx)
	if err != nil {
		watchErrors.Add(1)
		s.logger.Warn("settings: reload failed", "error", err)
		return
	}
	if len(ch) == 0 {
		return
	}
	watchNotify.Add(1)
	s.logger.Info("settings: external change", "keys", len(ch))
	fn(ch)
}
