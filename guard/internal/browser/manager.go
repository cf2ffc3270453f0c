// Package browser manages the Chrome instance pages are filtered in:
// launch or attach, monitor memory, recycle on threshold or interval and
// hand the new browser to whoever needs to reconnect.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
)

// StealthLevel controls the browser automation mode.
type StealthLevel int

const (
	LevelPlain    StealthLevel = 0 // headless, no stealth patches
	LevelHeadless StealthLevel = 1 // headless + stealth
	LevelHeadful  StealthLevel = 2 // headful under Xvfb + stealth
)

// Config configures the browser manager.
type Config struct {
	// RemoteURL is the DevTools WebSocket URL of a running Chrome, for
	// example a desktop browser started with --remote-debugging-port.
	// Empty launches a local Chrome. A remote browser is never recycled.
	RemoteURL string

	// MemoryLimit in bytes of JS heap. Recycle Chrome when exceeded. Default: 1GB.
	MemoryLimit int64

	// RecycleInterval is the maximum lifetime of a launched Chrome. Default: 4h.
	RecycleInterval time.Duration

	// ResourceBlocking lists resource types to block (images, fonts, media, stylesheets).
	ResourceBlocking []string

	// Stealth sets the automation mode for launched browsers.
	Stealth StealthLevel

	// XvfbDisplay for headful mode. Default: ":99".
	XvfbDisplay string

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.MemoryLimit <= 0 {
		c.MemoryLimit = 1 << 30
	}
	if c.RecycleInterval <= 0 {
		c.RecycleInterval = 4 * time.Hour
	}
	if c.XvfbDisplay == "" {
		c.XvfbDisplay = ":99"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// RecycleHooks run around a recycle. BeforeRecycle lets engines stop
// while their pages still exist; AfterRecycle lets them reopen tabs.
type RecycleHooks struct {
	BeforeRecycle func()
	AfterRecycle  func(b *rod.Browser)
}

// Manager owns one Chrome.
type Manager struct {
	cfg     Config
	mu      sync.RWMutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	xvfb    *exec.Cmd
	startAt time.Time
	closed  bool
	hooks   *RecycleHooks
}

// NewManager creates a Manager. Call Start to launch or attach.
func NewManager(cfg Config) *Manager {
	cfg.defaults()
	return &Manager{cfg: cfg}
}

// Remote reports whether the manager attaches to an existing browser.
func (m *Manager) Remote() bool { return m.cfg.RemoteURL != "" }

// SetRecycleHooks installs the recycle hooks.
func (m *Manager) SetRecycleHooks(h *RecycleHooks) {
	m.mu.Lock()
	m.hooks = h
	m.mu.Unlock()
}

// Start launches or connects and starts the monitor goroutine for
// launched browsers.
func (m *Manager) Start(ctx context.Context) (*rod.Browser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("browser: manager is closed")
	}

	b, err := m.launch()
	if err != nil {
		return nil, err
	}
	m.browser = b
	m.startAt = time.Now()

	if !m.Remote() {
		go m.monitorLoop(ctx)
	}
	return b, nil
}

// Browser returns the current browser handle.
func (m *Manager) Browser() *rod.Browser {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser
}

// Recycle kills Chrome, restarts it and runs the hooks.
func (m *Manager) Recycle(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("browser: manager is closed")
	}
	hooks := m.hooks
	m.mu.Unlock()

	// Hooks run unlocked: they call back into Browser().
	if hooks != nil && hooks.BeforeRecycle != nil {
		hooks.BeforeRecycle()
	}

	m.mu.Lock()
	b, err := m.recycleLocked()
	m.mu.Unlock()
	if err != nil {
		return err
	}

	if hooks != nil && hooks.AfterRecycle != nil {
		hooks.AfterRecycle(b)
	}
	return nil
}

// Close shuts down Chrome and Xvfb. An attached remote browser is only
// disconnected.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cleanup()
	return nil
}

func (m *Manager) launch() (*rod.Browser, error) {
	log := m.cfg.Logger

	var wsURL string
	if m.Remote() {
		wsURL = m.cfg.RemoteURL
		log.Info("browser: connecting to remote", "url", wsURL)
	} else {
		if m.cfg.Stealth == LevelHeadful {
			if err := m.startXvfb(); err != nil {
				return nil, fmt.Errorf("browser: xvfb: %w", err)
			}
		}

		l := launcher.New()
		if m.cfg.Stealth == LevelHeadful {
			l = l.Headless(false).Env(append(os.Environ(), "DISPLAY="+m.cfg.XvfbDisplay)...)
		} else {
			l = l.Headless(true)
		}
		l = l.Set("disable-blink-features", "AutomationControlled").
			Set("autoplay-policy", "no-user-gesture-required")

		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		m.lnch = l
		log.Info("browser: launched local chrome", "url", wsURL, "stealth", m.cfg.Stealth)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("browser: connect: %w", err)
	}
	return b, nil
}

func (m *Manager) recycleLocked() (*rod.Browser, error) {
	log := m.cfg.Logger
	log.Info("browser: recycling", "uptime", time.Since(m.startAt))

	m.cleanup()

	b, err := m.launch()
	if err != nil {
		return nil, fmt.Errorf("browser: relaunch: %w", err)
	}
	m.browser = b
	m.startAt = time.Now()
	log.Info("browser: recycled")
	return b, nil
}

func (m *Manager) cleanup() {
	if m.browser != nil {
		if m.Remote() {
			// Leave the user's browser running.
			m.browser = nil
			return
		}
		m.browser.Close()
		m.browser = nil
	}
	if m.lnch != nil {
		m.lnch.Cleanup()
		m.lnch = nil
	}
	m.stopXvfb()
}

func (m *Manager) monitorLoop(ctx context.Context) {
	log := m.cfg.Logger
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		m.mu.RLock()
		closed, b, startAt := m.closed, m.browser, m.startAt
		m.mu.RUnlock()
		if closed {
			return
		}
		if b == nil {
			continue
		}

		reason := ""
		if time.Since(startAt) > m.cfg.RecycleInterval {
			reason = "interval"
		} else if used, err := jsHeapUsage(b); err != nil {
			log.Debug("browser: heap check failed", "error", err)
		} else if used > m.cfg.MemoryLimit {
			reason = "memory"
			log.Info("browser: memory limit exceeded", "used", used, "limit", m.cfg.MemoryLimit)
		}
		if reason == "" {
			continue
		}
		if err := m.Recycle(ctx); err != nil {
			log.Error("browser: recycle failed", "reason", reason, "error", err)
		}
	}
}

// jsHeapUsage sums performance.memory.usedJSHeapSize over open pages.
func jsHeapUsage(b *rod.Browser) (int64, error) {
	pages, err := b.Pages()
	if err != nil {
		return 0, fmt.Errorf("browser: list pages: %w", err)
	}
	var total int64
	for _, p := range pages {
		res, err := p.Eval(`() => performance.memory ? performance.memory.usedJSHeapSize : 0`)
		if err != nil {
			continue
		}
		total += int64(res.Value.Int())
	}
	return total, nil
}
