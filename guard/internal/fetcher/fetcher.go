// Package fetcher implements the browser-less acquisition path: a single
// HTTP GET whose body the static filter parses and sweeps.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
)

// maxBody caps a download.
const maxBody = 10 << 20

// ErrNotHTML is returned when the response declares a non-HTML type.
var ErrNotHTML = errors.New("fetcher: response is not HTML")

// Result is the outcome of an HTTP fetch.
type Result struct {
	URL        string // final URL after redirects
	HTML       []byte
	StatusCode int
	Sufficient bool // false when the document looks like a client-rendered shell
}

// Fetcher performs HTTP GETs.
type Fetcher struct {
	client *http.Client
	ua     string
	logger *slog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithClient sets a custom HTTP client.
func WithClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(f *Fetcher) { f.ua = ua }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) { f.logger = l }
}

// New creates a Fetcher. The default client only connects to public
// addresses; WithClient replaces that guard along with the client.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		client: safeClient(),
		ua:     "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36",
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(f)
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	return f
}

// Fetch GETs pageURL. Non-2xx statuses are returned as a Result, not an
// error; the caller decides whether an error page is worth filtering.
func (f *Fetcher) Fetch(ctx context.Context, pageURL string) (*Result, error) {
	if err := checkURL(pageURL); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("fetcher: new request: %w", err)
	}
	req.Header.Set("User-Agent", f.ua)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetcher: do: %w", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		mt, _, err := mime.ParseMediaType(ct)
		if err == nil && mt != "text/html" && mt != "application/xhtml+xml" {
			return nil, fmt.Errorf("%w: %s", ErrNotHTML, mt)
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("fetcher: read body: %w", err)
	}

	res := &Result{
		URL:        resp.Request.URL.String(),
		HTML:       body,
		StatusCode: resp.StatusCode,
		Sufficient: IsSufficient(body),
	}
	f.logger.Debug("fetcher: fetched",
		"url", pageURL, "final", res.URL, "status", resp.StatusCode,
		"size", len(body), "sufficient", res.Sufficient)
	return res, nil
}
