package guard

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/hazyhaar/shortsguard/guard/dom/htmldoc"
	"github.com/hazyhaar/shortsguard/guard/event"
	"github.com/hazyhaar/shortsguard/guard/internal/engine"
	"github.com/hazyhaar/shortsguard/guard/policy"
	"github.com/hazyhaar/shortsguard/settings"
)

// FilterResult is the outcome of a browser-less filter.
type FilterResult struct {
	URL        string         `json:"url"` // final URL after redirects
	Blocked    bool           `json:"blocked"`
	Label      string         `json:"label,omitempty"`
	Redirect   string         `json:"redirect,omitempty"`
	StatusCode int            `json:"status_code,omitempty"`
	HTML       string         `json:"html,omitempty"`
	Removed    []policy.Match `json:"removed,omitempty"`
	Sufficient bool           `json:"sufficient"` // false: the page builds its feed in script
}

// Filter fetches rawURL and returns its HTML with short-form content
// removed. A direct link to blocked content is not fetched at all; the
// result carries the redirect the live overlay would have followed.
func (g *Guard) Filter(ctx context.Context, rawURL string) (*FilterResult, error) {
	st, err := g.bus.GetSettings(ctx)
	if err != nil {
		g.logger.Warn("guard: settings unavailable, using defaults", "error", err)
		st = settings.Defaults
	}

	if res, ok := g.blocked(rawURL, st); ok {
		return res, nil
	}

	fetched, err := g.fetch.Fetch(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("guard: filter: %w", err)
	}
	if res, ok := g.blocked(fetched.URL, st); ok {
		res.StatusCode = fetched.StatusCode
		return res, nil
	}

	res, err := g.filterDocument(ctx, fetched.URL, fetched.HTML, st)
	if err != nil {
		return nil, err
	}
	res.StatusCode = fetched.StatusCode
	res.Sufficient = fetched.Sufficient
	if !fetched.Sufficient && g.table.Watched(fetched.URL) {
		g.logger.Info("guard: page renders client-side, static filter may miss content", "url", fetched.URL)
	}
	return res, nil
}

func (g *Guard) blocked(u string, st settings.Settings) (*FilterResult, bool) {
	m, ok := g.table.ClassifyURL(u, st)
	if !ok {
		return nil, false
	}
	g.logger.Info("guard: filter blocked url", "url", u, "rule", m.Rule)
	return &FilterResult{URL: u, Blocked: true, Label: m.Label, Redirect: m.Redirect}, true
}

// filterDocument sweeps an already fetched document.
func (g *Guard) filterDocument(ctx context.Context, pageURL string, body []byte, st settings.Settings) (*FilterResult, error) {
	doc, err := htmldoc.Parse(bytes.NewReader(body), pageURL)
	if err != nil {
		return nil, fmt.Errorf("guard: filter: %w", err)
	}
	res := &FilterResult{URL: pageURL, Sufficient: true}

	var site *policy.Site
	if u, err := url.Parse(pageURL); err == nil {
		site = g.table.Site(u.Hostname())
	}
	if site != nil {
		root, err := doc.Root()
		if err != nil {
			return nil, fmt.Errorf("guard: filter: %w", err)
		}
		swept := engine.Sweep(root, site, st, g.logger)
		res.Removed = swept.Removed
		if len(swept.Removed) > 0 {
			g.report(ctx, pageURL, swept)
		}
	}

	out, err := doc.HTML()
	if err != nil {
		return nil, fmt.Errorf("guard: filter: %w", err)
	}
	res.HTML = out
	return res, nil
}

func (g *Guard) report(ctx context.Context, pageURL string, r engine.Result) {
	err := g.sinkR.SendSweep(ctx, event.Sweep{
		ID:         event.NewID(),
		PageURL:    pageURL,
		Trigger:    event.TriggerStatic,
		Roots:      1,
		Candidates: r.Candidates,
		Removed:    r.Removed,
		Errors:     r.Errors,
		Timestamp:  time.Now().UnixMilli(),
	})
	if err != nil {
		g.logger.Debug("guard: report static sweep", "error", err)
	}
}
