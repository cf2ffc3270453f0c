package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// Tab is one browser page under filtering.
type Tab struct {
	Page     *rod.Page
	PageURL  string
	PageID   string
	Stealth  StealthLevel
	Attached bool // found in a remote browser rather than opened by us

	hijack *rod.HijackRouter
}

// OpenTab creates a tab, applies stealth and resource blocking, and
// navigates it to pageURL.
func OpenTab(ctx context.Context, mgr *Manager, pageURL, pageID string) (*Tab, error) {
	b := mgr.Browser()
	if b == nil {
		return nil, fmt.Errorf("browser: no active browser")
	}

	var (
		page *rod.Page
		err  error
	)
	level := mgr.cfg.Stealth
	if level >= LevelHeadless && !mgr.Remote() {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}

	t := &Tab{Page: page, PageURL: pageURL, PageID: pageID, Stealth: level}
	if len(mgr.cfg.ResourceBlocking) > 0 {
		t.hijack = applyResourceBlocking(page, mgr.cfg.ResourceBlocking)
	}

	navCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := page.Context(navCtx).Navigate(pageURL); err != nil {
		t.Close()
		return nil, fmt.Errorf("browser: navigate %s: %w", pageURL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		mgr.cfg.Logger.Warn("browser: wait load timeout", "url", pageURL, "error", err)
	}
	return t, nil
}

// AttachTabs wraps the existing page targets whose URL satisfies match.
// Used with a remote browser, where the user opens pages themselves.
func AttachTabs(mgr *Manager, match func(url string) bool) ([]*Tab, error) {
	b := mgr.Browser()
	if b == nil {
		return nil, fmt.Errorf("browser: no active browser")
	}
	pages, err := b.Pages()
	if err != nil {
		return nil, fmt.Errorf("browser: list pages: %w", err)
	}

	var tabs []*Tab
	for _, p := range pages {
		info, err := p.Info()
		if err != nil || info.Type != proto.TargetTargetInfoTypePage {
			continue
		}
		if match != nil && !match(info.URL) {
			continue
		}
		tabs = append(tabs, &Tab{
			Page:     p,
			PageURL:  info.URL,
			PageID:   string(p.TargetID),
			Attached: true,
		})
	}
	return tabs, nil
}

// Close closes a tab we opened; an attached tab is only released.
func (t *Tab) Close() error {
	if t.hijack != nil {
		t.hijack.Stop()
		t.hijack = nil
	}
	if t.Page == nil || t.Attached {
		return nil
	}
	return t.Page.Close()
}
