// Package engine is the per-page content filter. One Engine lives for the
// lifetime of a page; a single goroutine reacts to inserted subtrees,
// navigations, settings changes, overlay cancels and its own timers, so
// none of its state needs locking except the settings cache it reads.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/shortsguard/bus"
	"github.com/hazyhaar/shortsguard/guard/dom"
	"github.com/hazyhaar/shortsguard/guard/event"
	"github.com/hazyhaar/shortsguard/guard/internal/sink"
	"github.com/hazyhaar/shortsguard/guard/policy"
	"github.com/hazyhaar/shortsguard/settings"
)

// ErrStopped is returned when a notification reaches a stopped engine.
var ErrStopped = errors.New("engine: stopped")

// Config for creating an Engine.
type Config struct {
	PageID    string          // stable id, generated when empty
	Page      dom.Page        // required
	Table     *policy.Table   // required
	Cache     *settings.Cache // loaded settings; defaults when nil
	Sink      sink.Sink       // reports; optional
	Debounce  time.Duration   // insertion window, default 100ms
	MaxBatch  int             // roots per forced flush, default 1000
	Countdown time.Duration   // overlay countdown, default 5s
	Tick      time.Duration   // overlay refresh, default 1s
	Logger    *slog.Logger
}

// Engine filters one page.
type Engine struct {
	id     string
	page   dom.Page
	table  *policy.Table
	cache  *settings.Cache
	sink   sink.Sink
	logger *slog.Logger

	batch *batcher
	nav   navState
	ov    *overlay

	insertCh chan []dom.Node
	navCh    chan string
	changeCh chan settings.Changes
	cancelCh chan struct{}
	resetCh  chan struct{}

	url atomic.Value // string, last dispatched URL
	seq atomic.Uint64

	ctx      context.Context
	cancel   context.CancelFunc
	detach   func() bool
	started  atomic.Bool
	done     chan struct{}
	stopOnce sync.Once

	// handled is called by the loop after each event; tests use it to
	// synchronise.
	handled func(string)
}

// New creates an Engine. Nothing runs until Start.
func New(cfg Config) (*Engine, error) {
	if cfg.Page == nil {
		return nil, fmt.Errorf("engine: nil page")
	}
	if cfg.Table == nil {
		return nil, fmt.Errorf("engine: nil policy table")
	}
	if cfg.Cache == nil {
		cfg.Cache = settings.NewCache(settings.Defaults)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PageID == "" {
		cfg.PageID = event.NewID()
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		id:       cfg.PageID,
		page:     cfg.Page,
		table:    cfg.Table,
		cache:    cfg.Cache,
		sink:     cfg.Sink,
		logger:   cfg.Logger.With("page", cfg.PageID),
		batch:    newBatcher(batchConfig{Window: cfg.Debounce, MaxRoots: cfg.MaxBatch}),
		insertCh: make(chan []dom.Node, 1024),
		navCh:    make(chan string, 64),
		changeCh: make(chan settings.Changes, 16),
		cancelCh: make(chan struct{}, 1),
		resetCh:  make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		handled:  func(string) {},
	}
	e.ov = newOverlay(overlayConfig{Countdown: cfg.Countdown, Tick: cfg.Tick}, cfg.Page, e.logger, e.emitOverlay)
	e.url.Store("")
	return e, nil
}

// ID returns the page id the engine reports under.
func (e *Engine) ID() string { return e.id }

// URL returns the last dispatched URL. Safe from any goroutine.
func (e *Engine) URL() string { return e.url.Load().(string) }

// Settings returns the settings the engine currently filters with.
func (e *Engine) Settings() settings.Settings { return e.cache.Load() }

// Start checks the current URL, runs the initial full sweep, then starts
// the event loop. The settings cache must already hold the loaded values.
// Calling Start again is a no-op. ctx bounds the engine's lifetime.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return nil
	}
	e.detach = context.AfterFunc(ctx, e.cancel)

	u, err := e.page.URL()
	if err != nil {
		e.cancel()
		close(e.done)
		return fmt.Errorf("engine: start: read url: %w", err)
	}
	e.nav.observe(u)
	e.url.Store(u)
	e.dispatch(u, event.TriggerInitial, true)

	go e.loop()
	e.logger.Info("engine: started", "url", u)
	return nil
}

// Stop ends the loop and releases the timers. Safe to call repeatedly.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.cancel()
		if e.detach != nil {
			e.detach()
		}
		if e.started.Load() {
			<-e.done
		}
	})
}

// Done is closed once the loop has exited.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Inserted queues newly inserted subtree roots for the next batch.
func (e *Engine) Inserted(roots ...dom.Node) {
	if len(roots) == 0 {
		return
	}
	select {
	case e.insertCh <- roots:
	case <-e.ctx.Done():
	}
}

// Navigated reports the page's current URL after a history change or an
// observed mutation. Repeats of the last URL are ignored.
func (e *Engine) Navigated(u string) {
	select {
	case e.navCh <- u:
	case <-e.ctx.Done():
	}
}

// DocumentReset reports that the whole document was replaced.
func (e *Engine) DocumentReset() {
	select {
	case e.resetCh <- struct{}{}:
	default:
	}
}

// CancelOverlay is the user's "stay on this page" action.
func (e *Engine) CancelOverlay() {
	select {
	case e.cancelCh <- struct{}{}:
	default:
	}
}

// OnMessage is the engine's bus.Listener. Only settingsChanged is acted
// on; anything else is ignored.
func (e *Engine) OnMessage(ctx context.Context, msg bus.Message) error {
	if msg.Action != bus.ActionSettingsChanged || len(msg.Changes) == 0 {
		return nil
	}
	select {
	case e.changeCh <- msg.Changes:
		return nil
	case <-e.ctx.Done():
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) loop() {
	defer close(e.done)
	defer e.batch.flush()
	defer e.ov.stopTicker()

	for {
		select {
		case <-e.ctx.Done():
			return

		case roots := <-e.insertCh:
			if e.batch.add(roots...) {
				e.safely("flush", e.flushBatch)
			}
			e.handled("insert")

		case <-e.batch.timerC():
			e.safely("flush", e.flushBatch)
			e.handled("flush")

		case u := <-e.navCh:
			e.safely("navigate", func() { e.navigate(u) })
			e.handled("navigate")

		case ch := <-e.changeCh:
			e.safely("settings", func() { e.applySettings(ch) })
			e.handled("settings")

		case <-e.resetCh:
			e.safely("reset", e.reset)
			e.handled("reset")

		case <-e.cancelCh:
			e.safely("cancel", func() { e.ov.cancel() })
			e.handled("cancel")

		case <-e.ov.tickC():
			e.safely("tick", e.ov.tick)
			e.handled("tick")
		}
	}
}

// safely runs one reaction; a panic is logged and the loop goes on.
func (e *Engine) safely(what string, fn func()) {
	defer func() {
		if v := recover(); v != nil {
			e.logger.Debug("engine: reaction recovered", "event", what, "panic", v)
		}
	}()
	fn()
}

func (e *Engine) flushBatch() {
	roots := e.batch.flush()
	if len(roots) == 0 {
		return
	}
	u := e.URL()
	site := e.siteFor(u)
	if site == nil {
		return
	}
	st := e.cache.Load()
	roots = outermost(roots)

	var total Result
	for _, r := range roots {
		total.add(Sweep(r, site, st, e.logger))
	}
	e.report(total, event.TriggerInsert, len(roots), u)
}

// outermost drops roots that lie inside another root of the same batch;
// their subtree is swept with the enclosing root.
func outermost(roots []dom.Node) []dom.Node {
	if len(roots) < 2 {
		return roots
	}
	out := make([]dom.Node, 0, len(roots))
	for i, r := range roots {
		nested := false
		for j, o := range roots {
			if i != j && contains(o, r) {
				nested = true
				break
			}
		}
		if !nested {
			out = append(out, r)
		}
	}
	return out
}

func contains(outer, inner dom.Node) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return outer.Contains(inner)
}

func (e *Engine) navigate(u string) {
	if !e.nav.observe(u) {
		return
	}
	e.url.Store(u)
	e.dispatch(u, event.TriggerNavigation, true)
}

// applySettings re-evaluates the page under the new flags. A URL that was
// blocked and still is keeps its overlay, or its dismissal, untouched.
func (e *Engine) applySettings(ch settings.Changes) {
	before := e.cache.Load()
	after := e.cache.Apply(ch)
	e.logger.Debug("engine: settings applied", "changes", len(ch))

	u := e.currentURL()
	_, wasBlocked := e.table.ClassifyURL(u, before)
	_, blocked := e.table.ClassifyURL(u, after)
	if wasBlocked && blocked && e.ov.state != event.OverlayHidden {
		return
	}
	e.dispatch(u, event.TriggerSettings, false)
}

func (e *Engine) reset() {
	u := e.currentURL()
	e.nav.observe(u)
	e.url.Store(u)
	e.dispatch(u, event.TriggerReset, false)
}

// dispatch runs the direct-URL check and, when the URL is allowed, a
// full-document sweep.
func (e *Engine) dispatch(u string, trigger event.Trigger, navigation bool) {
	m, blocked := e.table.ClassifyURL(u, e.cache.Load())
	if navigation {
		e.emitNavigation(u, m, blocked)
	}
	if blocked {
		if err := e.ov.show(m); err != nil {
			e.logger.Debug("engine: overlay failed", "error", err)
		}
		return
	}
	e.ov.withdraw()
	e.sweepDocument(u, trigger)
}

func (e *Engine) sweepDocument(u string, trigger event.Trigger) {
	site := e.siteFor(u)
	if site == nil {
		return
	}
	root, err := e.page.Root()
	if err != nil {
		e.logger.Debug("engine: no document root", "error", err)
		return
	}
	res := Sweep(root, site, e.cache.Load(), e.logger)
	e.report(res, trigger, 1, u)
}

func (e *Engine) currentURL() string {
	if u, err := e.page.URL(); err == nil && u != "" {
		return u
	}
	return e.URL()
}

func (e *Engine) siteFor(raw string) *policy.Site {
	u, err := url.Parse(raw)
	if err != nil {
		return nil
	}
	return e.table.Site(u.Hostname())
}

func (e *Engine) report(res Result, trigger event.Trigger, roots int, u string) {
	if len(res.Removed) == 0 {
		return
	}
	e.logger.Debug("engine: swept", "trigger", trigger, "removed", len(res.Removed), "errors", res.Errors)
	if e.sink == nil {
		return
	}
	err := e.sink.SendSweep(e.ctx, event.Sweep{
		ID:         event.NewID(),
		PageID:     e.id,
		PageURL:    u,
		Seq:        e.seq.Add(1),
		Trigger:    trigger,
		Roots:      roots,
		Candidates: res.Candidates,
		Removed:    res.Removed,
		Errors:     res.Errors,
		Timestamp:  time.Now().UnixMilli(),
	})
	if err != nil {
		e.logger.Debug("engine: report sweep", "error", err)
	}
}

func (e *Engine) emitNavigation(u string, m policy.URLMatch, blocked bool) {
	if e.sink == nil {
		return
	}
	err := e.sink.SendNavigation(e.ctx, event.Navigation{
		ID:        event.NewID(),
		PageID:    e.id,
		URL:       u,
		Seq:       e.seq.Add(1),
		Blocked:   blocked,
		Rule:      m.Rule,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		e.logger.Debug("engine: report navigation", "error", err)
	}
}

func (e *Engine) emitOverlay(o event.Overlay) {
	e.logger.Info("engine: overlay", "state", o.State, "label", o.Label)
	if e.sink == nil {
		return
	}
	o.ID = event.NewID()
	o.PageID = e.id
	o.PageURL = e.URL()
	o.Seq = e.seq.Add(1)
	o.Timestamp = time.Now().UnixMilli()
	if err := e.sink.SendOverlay(e.ctx, o); err != nil {
		e.logger.Debug("engine: report overlay", "error", err)
	}
}
