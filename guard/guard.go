// Package guard keeps short-form video out of the pages of a Chrome it
// drives. It owns the browser, the settings bus and one engine per tab.
//
// Pages come from configuration, from ObservePage, or, with a remote
// browser, from the tabs the user already has open. Every engine loads
// the flags through the bus before its first sweep and follows changes
// broadcast by the background store watcher.
//
// Filter is the browser-less path: it fetches one page, applies the same
// policy to the static HTML and returns the cleaned document.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-rod/rod"

	"github.com/hazyhaar/shortsguard/bus"
	"github.com/hazyhaar/shortsguard/guard/internal/browser"
	"github.com/hazyhaar/shortsguard/guard/internal/config"
	"github.com/hazyhaar/shortsguard/guard/internal/engine"
	"github.com/hazyhaar/shortsguard/guard/internal/fetcher"
	"github.com/hazyhaar/shortsguard/guard/internal/observer"
	"github.com/hazyhaar/shortsguard/guard/internal/sink"
	"github.com/hazyhaar/shortsguard/guard/policy"
	"github.com/hazyhaar/shortsguard/settings"
)

// Guard is the top-level orchestrator. Create one per process.
type Guard struct {
	cfg    *config.Config
	store  *settings.Store
	table  *policy.Table
	bus    *bus.Router
	mgr    *browser.Manager
	fetch  *fetcher.Fetcher
	sinkR  *sink.Router
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session // keyed by page ID
	reopen   []PageConfig        // opened pages stopped by the last recycle
	runCtx   context.Context
	srv      *http.Server
	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// session is one filtered tab.
type session struct {
	page     PageConfig // zero for attached tabs
	tab      *browser.Tab
	eng      *engine.Engine
	obs      *observer.Observer
	unlisten func()
}

// New creates a Guard. store may be nil for Filter-only use; settings
// then come from the defaults.
func New(cfg *Config, store *settings.Store, logger *slog.Logger, sinks ...Sink) (*Guard, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = config.Default()
	}

	table, err := loadTable(cfg.Rules)
	if err != nil {
		return nil, err
	}

	stealthLevel := browser.LevelHeadless
	switch cfg.Browser.Stealth {
	case "plain":
		stealthLevel = browser.LevelPlain
	case "headful":
		stealthLevel = browser.LevelHeadful
	}

	g := &Guard{
		cfg:   cfg,
		store: store,
		table: table,
		bus: bus.New(
			bus.WithLogger(logger),
			bus.WithMiddleware(bus.Recovery(logger), bus.Logging(logger), bus.Timeout(10*time.Second)),
		),
		mgr: browser.NewManager(browser.Config{
			RemoteURL:        cfg.Browser.Remote,
			MemoryLimit:      cfg.Browser.MemoryLimit,
			RecycleInterval:  cfg.Browser.RecycleInterval,
			ResourceBlocking: cfg.Browser.ResourceBlocking,
			Stealth:          stealthLevel,
			XvfbDisplay:      cfg.Browser.XvfbDisplay,
			Logger:           logger,
		}),
		fetch:    fetcher.New(fetcher.WithLogger(logger)),
		sinkR:    sink.NewRouter(logger, sinks...),
		logger:   logger,
		sessions: make(map[string]*session),
		runCtx:   context.Background(),
	}
	g.registerHandlers()
	return g, nil
}

func loadTable(path string) (*policy.Table, error) {
	if path == "" {
		return policy.Default(), nil
	}
	t, err := policy.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("guard: rules: %w", err)
	}
	return t, nil
}

// Bus returns the settings bus. Toggle panels and tests talk to it.
func (g *Guard) Bus() *bus.Router { return g.bus }

// Table returns the classification table in use.
func (g *Guard) Table() *policy.Table { return g.table }

// Start seeds the store, starts the settings watcher and the browser,
// then opens every configured page. Pages that fail to open are logged
// and skipped.
func (g *Guard) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	g.mu.Lock()
	g.runCtx = ctx
	g.cancel = cancel
	g.mu.Unlock()

	if g.store != nil {
		if err := g.store.Seed(ctx, settings.Defaults); err != nil {
			return fmt.Errorf("guard: seed settings: %w", err)
		}
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			g.store.Watch(ctx, settings.WatchOptions{
				Interval: g.cfg.Settings.PollInterval,
				Debounce: g.cfg.Settings.Debounce,
			}, func(ch settings.Changes) { g.broadcast(ctx, ch) })
		}()
	}

	if g.cfg.HTTP.Listen != "" {
		g.serveHTTP(g.cfg.HTTP.Listen)
	}

	if _, err := g.mgr.Start(ctx); err != nil {
		return fmt.Errorf("guard: start browser: %w", err)
	}
	g.mgr.SetRecycleHooks(&browser.RecycleHooks{
		BeforeRecycle: g.stopSessions,
		AfterRecycle:  func(*rod.Browser) { g.reconnect(ctx) },
	})

	for _, page := range g.cfg.Pages {
		if err := g.ObservePage(ctx, page); err != nil {
			g.logger.Error("guard: failed to observe page", "url", page.URL, "error", err)
		}
	}
	if g.cfg.Browser.Attach && g.mgr.Remote() {
		if err := g.attach(ctx); err != nil {
			g.logger.Error("guard: attach to open tabs", "error", err)
		}
	}
	return nil
}

// ObservePage opens pc.URL in a new tab and starts filtering it.
func (g *Guard) ObservePage(ctx context.Context, pc PageConfig) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.observePageLocked(ctx, pc)
}

func (g *Guard) observePageLocked(ctx context.Context, pc PageConfig) error {
	if _, ok := g.sessions[pc.ID]; ok {
		return fmt.Errorf("guard: page %q already observed", pc.ID)
	}
	tab, err := browser.OpenTab(ctx, g.mgr, pc.URL, pc.ID)
	if err != nil {
		return fmt.Errorf("guard: open tab: %w", err)
	}
	s, err := g.startSession(ctx, tab)
	if err != nil {
		tab.Close()
		return err
	}
	s.page = pc
	g.sessions[pc.ID] = s
	g.logger.Info("guard: observing page", "url", pc.URL, "id", pc.ID)
	return nil
}

// attach filters the tabs already open in a remote browser on a site the
// table knows.
func (g *Guard) attach(ctx context.Context) error {
	tabs, err := browser.AttachTabs(g.mgr, g.table.Watched)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, tab := range tabs {
		if _, ok := g.sessions[tab.PageID]; ok {
			continue
		}
		s, err := g.startSession(ctx, tab)
		if err != nil {
			g.logger.Warn("guard: attach tab failed", "url", tab.PageURL, "error", err)
			continue
		}
		g.sessions[tab.PageID] = s
		g.logger.Info("guard: attached tab", "url", tab.PageURL, "id", tab.PageID)
	}
	return nil
}

// startSession loads settings over the bus, subscribes to the page, runs
// the engine's initial sweep, then subscribes the engine to the bus.
func (g *Guard) startSession(ctx context.Context, tab *browser.Tab) (*session, error) {
	page := observer.NewPage(tab.Page, g.logger)

	st, err := g.bus.GetSettings(ctx)
	if err != nil {
		g.logger.Warn("guard: settings unavailable, using defaults", "page", tab.PageID, "error", err)
		st = settings.Defaults
	}

	eng, err := engine.New(engine.Config{
		PageID:    tab.PageID,
		Page:      page,
		Table:     g.table,
		Cache:     settings.NewCache(st),
		Sink:      g.sinkR,
		Debounce:  g.cfg.Engine.Debounce,
		MaxBatch:  g.cfg.Engine.MaxBatch,
		Countdown: g.cfg.Engine.Countdown,
		Tick:      g.cfg.Engine.Tick,
		Logger:    g.logger,
	})
	if err != nil {
		return nil, err
	}

	// The observer subscribes before the initial sweep so nothing inserted
	// while it runs is missed; its reports queue until the loop starts.
	obs := observer.New(observer.Config{Page: page, Target: eng, Logger: g.logger.With("page", eng.ID())})
	if err := obs.Start(g.runCtx); err != nil {
		eng.Stop()
		return nil, fmt.Errorf("guard: start observer: %w", err)
	}
	if err := eng.Start(g.runCtx); err != nil {
		obs.Stop()
		eng.Stop()
		return nil, err
	}

	unlisten := g.bus.Listen(eng.ID(), eng.URL, eng.OnMessage)
	return &session{tab: tab, eng: eng, obs: obs, unlisten: unlisten}, nil
}

func (s *session) stop() {
	s.obs.Stop()
	s.unlisten()
	s.eng.Stop()
	s.tab.Close()
}

// Pages returns the ids of the pages being filtered.
func (g *Guard) Pages() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.sessions))
	for id := range g.sessions {
		out = append(out, id)
	}
	return out
}

// ClosePage stops filtering one page and closes its tab if we opened it.
func (g *Guard) ClosePage(id string) error {
	g.mu.Lock()
	s, ok := g.sessions[id]
	delete(g.sessions, id)
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("guard: unknown page %q", id)
	}
	s.stop()
	return nil
}

// Stop shuts down every session, the HTTP listener, the watcher, the
// sinks and the browser.
func (g *Guard) Stop() {
	g.stopOnce.Do(func() {
		g.stopSessions()
		g.mu.Lock()
		srv, cancel := g.srv, g.cancel
		g.mu.Unlock()
		if srv != nil {
			ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
			if err := srv.Shutdown(ctx); err != nil {
				g.logger.Warn("guard: http shutdown", "error", err)
			}
			done()
		}
		if cancel != nil {
			cancel()
		}
		g.wg.Wait()
		g.sinkR.Close()
		g.mgr.Close()
	})
}

func (g *Guard) stopSessions() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reopen = g.reopen[:0]
	for id, s := range g.sessions {
		s.stop()
		if s.page.URL != "" {
			g.reopen = append(g.reopen, s.page)
		}
		g.logger.Info("guard: stopped page", "id", id)
	}
	clear(g.sessions)
}

// reconnect reopens, in the recycled browser, the pages the recycle
// closed.
func (g *Guard) reconnect(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	pages := g.reopen
	g.reopen = nil
	for _, page := range pages {
		if err := g.observePageLocked(ctx, page); err != nil {
			g.logger.Error("guard: reconnect page failed", "url", page.URL, "error", err)
		}
	}
}

func (g *Guard) serveHTTP(addr string) {
	srv := &http.Server{Addr: addr, Handler: g.Handler(), ReadHeaderTimeout: 10 * time.Second}
	g.mu.Lock()
	g.srv = srv
	g.mu.Unlock()
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.logger.Info("guard: http listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("guard: http server", "error", err)
		}
	}()
}
