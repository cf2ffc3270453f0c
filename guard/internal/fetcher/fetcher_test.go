package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
)

const article = `<!DOCTYPE html>
<html>
<head><title>Test Page</title></head>
<body>
<main>
<article>
<h1>Article Title</h1>
<p>Lorem ipsum dolor sit amet, consectetur adipiscing elit. Sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur.</p>
</article>
</main>
</body>
</html>`

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/old":
			http.Redirect(w, r, "/new", http.StatusFound)
		case "/new":
			if r.Header.Get("User-Agent") != "sg-test" {
				t.Errorf("user agent: got %q", r.Header.Get("User-Agent"))
			}
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.Write([]byte(article))
		case "/json":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{}`))
		default:
			w.Header().Set("Content-Type", "text/html")
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte("<html><body>gone</body></html>"))
		}
	}))
	defer srv.Close()

	f := New(WithClient(srv.Client()), WithUserAgent("sg-test"))
	ctx := context.Background()

	res, err := f.Fetch(ctx, srv.URL+"/old")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.URL != srv.URL+"/new" {
		t.Errorf("final url: got %q", res.URL)
	}
	if res.StatusCode != http.StatusOK || !res.Sufficient {
		t.Errorf("status %d sufficient %v", res.StatusCode, res.Sufficient)
	}
	if !strings.Contains(string(res.HTML), "Article Title") {
		t.Error("body not returned")
	}

	res, err = f.Fetch(ctx, srv.URL+"/missing")
	if err != nil {
		t.Fatalf("fetch 404: %v", err)
	}
	if res.StatusCode != http.StatusNotFound {
		t.Errorf("status: got %d", res.StatusCode)
	}

	if _, err := f.Fetch(ctx, srv.URL+"/json"); !errors.Is(err, ErrNotHTML) {
		t.Errorf("json: got %v, want ErrNotHTML", err)
	}
}

func TestFetch_BadURL(t *testing.T) {
	if _, err := New().Fetch(context.Background(), "://nope"); err == nil {
		t.Error("expected error")
	}
}

func TestIsSufficient_StaticPage(t *testing.T) {
	if !IsSufficient([]byte(article)) {
		t.Error("expected sufficient for static page with content")
	}
}

func TestIsSufficient_SPAShell(t *testing.T) {
	doc := []byte(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>App</title></head>
<body>
<div id="root"></div>
<script src="/static/js/main.chunk.js"></script>
</body>
</html>`)
	if IsSufficient(doc) {
		t.Error("expected insufficient for SPA shell")
	}
}

func TestIsSufficient_NoscriptNotice(t *testing.T) {
	doc := strings.Replace(article, "<main>", "<noscript>You need to enable JavaScript to run this app.</noscript><main>", 1)
	if IsSufficient([]byte(doc)) {
		t.Error("expected insufficient with enable-javascript notice")
	}
}

func TestIsSufficient_TooShort(t *testing.T) {
	if IsSufficient([]byte(`<html><body>hi</body></html>`)) {
		t.Error("expected insufficient for very short content")
	}
}

func TestIsSufficient_ScriptHeavy(t *testing.T) {
	doc := "<html><head><script>" + strings.Repeat("var a = 1;", 500) + "</script></head><body><p>short</p></body></html>"
	if IsSufficient([]byte(doc)) {
		t.Error("script text must not count as content")
	}
}

func TestMeasure(t *testing.T) {
	text, markup, shell := measure([]byte(`<div>Hello World</div>`))
	if text != len("HelloWorld") {
		t.Errorf("text: got %d", text)
	}
	if markup == 0 || shell {
		t.Errorf("markup %d shell %v", markup, shell)
	}
}

func TestFetch_RefusesPrivateAddresses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Error("private address reached")
	}))
	defer srv.Close()

	_, err := New().Fetch(context.Background(), srv.URL)
	if !errors.Is(err, ErrPrivateAddress) {
		t.Errorf("got %v, want ErrPrivateAddress", err)
	}
}

func TestFetch_RefusesSchemes(t *testing.T) {
	for _, u := range []string{"file:///etc/passwd", "ftp://example.com/", "javascript:alert(1)"} {
		if _, err := New().Fetch(context.Background(), u); !errors.Is(err, ErrUnsafeScheme) {
			t.Errorf("%s: got %v", u, err)
		}
	}
}

func TestIsPrivate(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1":       true,
		"10.1.2.3":        true,
		"192.168.1.1":     true,
		"169.254.169.254": true,
		"::1":             true,
		"fd00::1":         true,
		"::ffff:10.0.0.1": true,
		"0.0.0.0":         true,
		"8.8.8.8":         false,
		"2606:4700::1111": false,
	}
	for s, want := range cases {
		if got := isPrivate(netip.MustParseAddr(s)); got != want {
			t.Errorf("isPrivate(%s): got %v, want %v", s, got, want)
		}
	}
}
