package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/shortsguard/bus"
	"github.com/hazyhaar/shortsguard/guard/dom"
	"github.com/hazyhaar/shortsguard/guard/dom/htmldoc"
	"github.com/hazyhaar/shortsguard/guard/event"
	"github.com/hazyhaar/shortsguard/guard/internal/sink"
	"github.com/hazyhaar/shortsguard/guard/policy"
	"github.com/hazyhaar/shortsguard/settings"
)

type recorder struct {
	mu        sync.Mutex
	sweeps    []event.Sweep
	navs      []event.Navigation
	overlays  []event.Overlay
	overlayCh chan event.Overlay
}

func newRecorder() *recorder {
	return &recorder{overlayCh: make(chan event.Overlay, 64)}
}

func (r *recorder) sink() sink.Sink {
	return sink.NewCallback(
		func(_ context.Context, s event.Sweep) error {
			r.mu.Lock()
			r.sweeps = append(r.sweeps, s)
			r.mu.Unlock()
			return nil
		},
		func(_ context.Context, n event.Navigation) error {
			r.mu.Lock()
			r.navs = append(r.navs, n)
			r.mu.Unlock()
			return nil
		},
		func(_ context.Context, o event.Overlay) error {
			r.mu.Lock()
			r.overlays = append(r.overlays, o)
			r.mu.Unlock()
			r.overlayCh <- o
			return nil
		},
	)
}

func (r *recorder) snapshot() ([]event.Sweep, []event.Navigation, []event.Overlay) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.Sweep(nil), r.sweeps...),
		append([]event.Navigation(nil), r.navs...),
		append([]event.Overlay(nil), r.overlays...)
}

type harness struct {
	e      *Engine
	doc    *htmldoc.Document
	rec    *recorder
	events chan string
}

func start(t *testing.T, doc *htmldoc.Document, st settings.Settings, tune func(*Config)) *harness {
	t.Helper()
	rec := newRecorder()
	cfg := Config{
		PageID:    "tab-1",
		Page:      doc,
		Table:     policy.Default(),
		Cache:     settings.NewCache(st),
		Sink:      rec.sink(),
		Debounce:  100 * time.Millisecond,
		Countdown: time.Hour,
		Tick:      time.Minute,
	}
	if tune != nil {
		tune(&cfg)
	}
	e, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	events := make(chan string, 1024)
	e.handled = func(s string) {
		select {
		case events <- s:
		default:
		}
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(e.Stop)
	return &harness{e: e, doc: doc, rec: rec, events: events}
}

// await blocks until the loop has handled an event of kind.
func (h *harness) await(t *testing.T, kind string) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case got := <-h.events:
			if got == kind {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", kind)
		}
	}
}

func (h *harness) awaitOverlay(t *testing.T, state event.OverlayState) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case o := <-h.rec.overlayCh:
			if o.State == state {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for overlay %q", state)
		}
	}
}

func TestNew_Validates(t *testing.T) {
	if _, err := New(Config{Table: policy.Default()}); err == nil {
		t.Error("nil page accepted")
	}
	doc := parse(t, youtubeHome, "https://www.youtube.com/")
	if _, err := New(Config{Page: doc}); err == nil {
		t.Error("nil table accepted")
	}
	e, err := New(Config{Page: doc, Table: policy.Default()})
	if err != nil {
		t.Fatal(err)
	}
	if e.ID() == "" {
		t.Error("no generated page id")
	}
	if !e.Settings().Enabled(settings.BlockYouTubeShorts) {
		t.Error("nil cache should fall back to defaults")
	}
}

func TestEngine_InitialSweep(t *testing.T) {
	doc := parse(t, youtubeHome, "https://www.youtube.com/")
	h := start(t, doc, nil, nil)

	sweeps, navs, _ := h.rec.snapshot()
	if len(sweeps) != 1 || sweeps[0].Trigger != event.TriggerInitial {
		t.Fatalf("sweeps: %+v", sweeps)
	}
	if len(sweeps[0].Removed) != 4 {
		t.Errorf("removed: got %d, want 4", len(sweeps[0].Removed))
	}
	if len(navs) != 1 || navs[0].Blocked {
		t.Errorf("navs: %+v", navs)
	}
	if sweeps[0].PageID != "tab-1" {
		t.Errorf("page id: %q", sweeps[0].PageID)
	}
}

func TestEngine_StartTwiceIsNoop(t *testing.T) {
	doc := parse(t, youtubeHome, "https://www.youtube.com/")
	h := start(t, doc, nil, nil)
	if err := h.e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	sweeps, _, _ := h.rec.snapshot()
	if len(sweeps) != 1 {
		t.Errorf("second Start swept again: %d sweeps", len(sweeps))
	}
}

func TestEngine_InsertBatchSweptOnce(t *testing.T) {
	doc := parse(t, `<html><body><div id="contents"></div></body></html>`, "https://www.youtube.com/")
	h := start(t, doc, nil, nil)

	fragments := []string{
		`<ytd-rich-item-renderer><a href="/shorts/1">s1</a></ytd-rich-item-renderer>`,
		`<ytd-rich-item-renderer><a href="/watch?v=2">long</a></ytd-rich-item-renderer>`,
		`<ytd-rich-item-renderer><a href="/shorts/3">s3</a></ytd-rich-item-renderer>`,
		`<ytd-reel-shelf-renderer></ytd-reel-shelf-renderer>`,
	}
	var inserted [][]dom.Node
	for _, f := range fragments {
		nodes, err := doc.Append("#contents", f)
		if err != nil {
			t.Fatal(err)
		}
		inserted = append(inserted, nodes)
	}
	for _, nodes := range inserted {
		h.e.Inserted(nodes...)
	}
	h.await(t, "flush")
	h.e.Stop()

	sweeps, _, _ := h.rec.snapshot()
	if len(sweeps) != 1 {
		t.Fatalf("sweeps: got %d, want exactly 1", len(sweeps))
	}
	s := sweeps[0]
	if s.Trigger != event.TriggerInsert || s.Roots != 4 || len(s.Removed) != 3 {
		t.Errorf("sweep: trigger=%s roots=%d removed=%d", s.Trigger, s.Roots, len(s.Removed))
	}
	if n := len(doc.Find("ytd-rich-item-renderer")); n != 1 {
		t.Errorf("remaining items: got %d, want 1", n)
	}
}

func TestEngine_NavigationDedup(t *testing.T) {
	doc := parse(t, `<html><body></body></html>`, "https://www.youtube.com/")
	h := start(t, doc, nil, nil)

	h.e.Navigated("https://www.youtube.com/feed/trending")
	h.e.Navigated("https://www.youtube.com/feed/trending")
	h.await(t, "navigate")
	h.await(t, "navigate")

	_, navs, _ := h.rec.snapshot()
	if len(navs) != 2 {
		t.Fatalf("navigations: got %d, want 2 (initial + one)", len(navs))
	}
	if navs[1].URL != "https://www.youtube.com/feed/trending" {
		t.Errorf("url: %s", navs[1].URL)
	}
	if h.e.URL() != "https://www.youtube.com/feed/trending" {
		t.Errorf("engine url: %s", h.e.URL())
	}
}

func TestEngine_NavigationSweepsNewContent(t *testing.T) {
	doc := parse(t, `<html><body><div id="app"></div></body></html>`, "https://www.youtube.com/")
	h := start(t, doc, nil, nil)

	if _, err := doc.Append("#app", `<ytd-reel-shelf-renderer></ytd-reel-shelf-renderer>`); err != nil {
		t.Fatal(err)
	}
	doc.Navigate("https://www.youtube.com/results?search_query=go")
	h.e.Navigated("https://www.youtube.com/results?search_query=go")
	h.await(t, "navigate")

	sweeps, _, _ := h.rec.snapshot()
	if len(sweeps) != 1 || sweeps[0].Trigger != event.TriggerNavigation {
		t.Fatalf("sweeps: %+v", sweeps)
	}
}

func TestEngine_DirectBlockedURLRedirects(t *testing.T) {
	doc := parse(t, `<html><body><video autoplay src="s.mp4"></video></body></html>`, "https://www.youtube.com/shorts/abc")
	h := start(t, doc, nil, func(c *Config) {
		c.Countdown = 60 * time.Millisecond
		c.Tick = 20 * time.Millisecond
	})

	h.awaitOverlay(t, event.OverlayRedirected)
	h.e.Stop()

	_, navs, overlays := h.rec.snapshot()
	if len(navs) != 1 || !navs[0].Blocked || navs[0].Rule != "shorts-page" {
		t.Errorf("navs: %+v", navs)
	}
	want := []event.OverlayState{event.OverlayShowing, event.OverlayCountingDown, event.OverlayRedirected}
	var got []event.OverlayState
	for _, o := range overlays {
		got = append(got, o.State)
	}
	if !equalStates(got, want) {
		t.Errorf("states: got %v, want %v", got, want)
	}
	if u, _ := doc.URL(); u != "https://www.youtube.com" {
		t.Errorf("redirected to %s", u)
	}
	if htmldoc.Playing(doc.Find("video")[0]) {
		t.Error("media still playing behind the overlay")
	}
}

func TestEngine_CancelOverlay(t *testing.T) {
	doc := parse(t, `<html><body><p id="app"></p></body></html>`, "https://www.instagram.com/reel/C1/")
	h := start(t, doc, nil, nil)
	h.awaitOverlay(t, event.OverlayCountingDown)

	h.e.CancelOverlay()
	h.awaitOverlay(t, event.OverlayDismissed)
	h.e.Stop()

	if len(doc.Replaced()) != 0 {
		t.Error("cancelled overlay redirected")
	}
	if _, ok := doc.Overlay(); ok {
		t.Error("overlay still rendered")
	}
	if len(doc.Find("#app")) != 1 {
		t.Error("page content removed")
	}
}

func TestEngine_SettingsFlipSweepsWithoutReload(t *testing.T) {
	doc := parse(t, youtubeHome, "https://www.youtube.com/")
	h := start(t, doc, settings.Settings{settings.BlockYouTubeShorts: false}, nil)

	if sweeps, _, _ := h.rec.snapshot(); len(sweeps) != 0 {
		t.Fatalf("disabled category swept: %+v", sweeps)
	}
	if len(doc.Find("ytd-reel-shelf-renderer")) != 1 {
		t.Fatal("disabled category removed content")
	}

	off := false
	err := h.e.OnMessage(context.Background(), bus.Message{
		Action:  bus.ActionSettingsChanged,
		Changes: settings.Changes{settings.BlockYouTubeShorts: {OldValue: &off, NewValue: true}},
	})
	if err != nil {
		t.Fatal(err)
	}
	h.await(t, "settings")
	h.e.Stop()

	sweeps, _, _ := h.rec.snapshot()
	if len(sweeps) != 1 || sweeps[0].Trigger != event.TriggerSettings {
		t.Fatalf("sweeps: %+v", sweeps)
	}
	if len(doc.Find("ytd-reel-shelf-renderer")) != 0 {
		t.Error("shelf survived the flip")
	}
	if !h.e.Settings().Enabled(settings.BlockYouTubeShorts) {
		t.Error("cache not updated")
	}
}

func TestEngine_SettingsFlipOnBlockedURL(t *testing.T) {
	doc := parse(t, `<html><body></body></html>`, "https://www.youtube.com/shorts/abc")
	h := start(t, doc, settings.Settings{settings.BlockYouTubeShorts: false}, nil)

	if _, _, overlays := h.rec.snapshot(); len(overlays) != 0 {
		t.Fatal("overlay shown with category disabled")
	}

	on := settings.Changes{settings.BlockYouTubeShorts: {NewValue: true}}
	h.e.OnMessage(context.Background(), bus.Message{Action: bus.ActionSettingsChanged, Changes: on})
	h.awaitOverlay(t, event.OverlayCountingDown)

	off := settings.Changes{settings.BlockYouTubeShorts: {NewValue: false}}
	h.e.OnMessage(context.Background(), bus.Message{Action: bus.ActionSettingsChanged, Changes: off})
	h.awaitOverlay(t, event.OverlayHidden)
}

func TestEngine_OnMessage(t *testing.T) {
	doc := parse(t, `<html><body></body></html>`, "https://www.youtube.com/")
	h := start(t, doc, nil, nil)

	if err := h.e.OnMessage(context.Background(), bus.Message{Action: bus.ActionGetSettings}); err != nil {
		t.Errorf("unrelated action: %v", err)
	}
	h.e.Stop()
	err := h.e.OnMessage(context.Background(), bus.Message{
		Action:  bus.ActionSettingsChanged,
		Changes: settings.Changes{settings.BlockYouTubeShorts: {NewValue: false}},
	})
	// The buffered channel may still accept; either outcome is silent.
	if err != nil && !errors.Is(err, ErrStopped) {
		t.Errorf("after stop: %v", err)
	}
}

func TestEngine_DocumentReset(t *testing.T) {
	doc := parse(t, `<html><body><div id="app"></div></body></html>`, "https://www.youtube.com/")
	h := start(t, doc, nil, nil)

	if _, err := doc.Append("#app", `<ytd-rich-shelf-renderer is-shorts></ytd-rich-shelf-renderer>`); err != nil {
		t.Fatal(err)
	}
	h.e.DocumentReset()
	h.await(t, "reset")

	sweeps, _, _ := h.rec.snapshot()
	if len(sweeps) != 1 || sweeps[0].Trigger != event.TriggerReset {
		t.Fatalf("sweeps: %+v", sweeps)
	}
}

func TestEngine_StopIsIdempotent(t *testing.T) {
	doc := parse(t, `<html><body></body></html>`, "https://www.youtube.com/")
	h := start(t, doc, nil, nil)
	h.e.Stop()
	h.e.Stop()
	select {
	case <-h.e.Done():
	default:
		t.Error("loop still running after Stop")
	}
	h.e.Inserted(roots(1)...) // must not block
}

func overlayStates(overlays []event.Overlay) []event.OverlayState {
	var out []event.OverlayState
	for _, o := range overlays {
		out = append(out, o.State)
	}
	return out
}

func TestEngine_SettingsChangeKeepsDismissal(t *testing.T) {
	doc := parse(t, `<html><body><p id="app"></p></body></html>`, "https://www.instagram.com/reel/abc/")
	h := start(t, doc, nil, nil)
	h.awaitOverlay(t, event.OverlayCountingDown)
	h.e.CancelOverlay()
	h.awaitOverlay(t, event.OverlayDismissed)

	// A flag for another site leaves the dismissed page alone.
	h.e.OnMessage(context.Background(), bus.Message{
		Action:  bus.ActionSettingsChanged,
		Changes: settings.Changes{settings.BlockYouTubeShorts: {NewValue: false}},
	})
	h.await(t, "settings")

	// So does a flag that keeps the URL blocked.
	h.e.OnMessage(context.Background(), bus.Message{
		Action:  bus.ActionSettingsChanged,
		Changes: settings.Changes{settings.DetectVerticalVideo: {NewValue: true}},
	})
	h.await(t, "settings")

	_, _, overlays := h.rec.snapshot()
	want := []event.OverlayState{event.OverlayShowing, event.OverlayCountingDown, event.OverlayDismissed}
	if got := overlayStates(overlays); !equalStates(got, want) {
		t.Fatalf("states: got %v, want %v", got, want)
	}

	// Unblocking and blocking again is a new block.
	h.e.OnMessage(context.Background(), bus.Message{
		Action:  bus.ActionSettingsChanged,
		Changes: settings.Changes{settings.BlockInstagramReels: {NewValue: false}},
	})
	h.await(t, "settings")
	h.e.OnMessage(context.Background(), bus.Message{
		Action:  bus.ActionSettingsChanged,
		Changes: settings.Changes{settings.BlockInstagramReels: {NewValue: true}},
	})
	h.awaitOverlay(t, event.OverlayShowing)
	h.awaitOverlay(t, event.OverlayCountingDown)
	if len(doc.Replaced()) != 0 {
		t.Error("dismissed page redirected")
	}
}

func TestEngine_NestedRootsSweptOnce(t *testing.T) {
	doc := parse(t, `<html><body><div id="contents"></div></body></html>`, "https://www.youtube.com/")
	h := start(t, doc, nil, nil)

	grid, err := doc.Append("#contents", `<section id="grid"></section>`)
	if err != nil {
		t.Fatal(err)
	}
	items, err := doc.Append("#grid", `<ytd-rich-item-renderer><a href="/shorts/1">s</a></ytd-rich-item-renderer>`)
	if err != nil {
		t.Fatal(err)
	}
	h.e.Inserted(grid...)
	h.e.Inserted(items...)
	h.await(t, "flush")
	h.e.Stop()

	sweeps, _, _ := h.rec.snapshot()
	if len(sweeps) != 1 {
		t.Fatalf("sweeps: got %d, want 1", len(sweeps))
	}
	s := sweeps[0]
	if s.Roots != 1 || s.Candidates != 2 || len(s.Removed) != 1 {
		t.Errorf("sweep: roots=%d candidates=%d removed=%d", s.Roots, s.Candidates, len(s.Removed))
	}
}

func TestOutermost_SurvivesPanickingNodes(t *testing.T) {
	var log []string
	in := []dom.Node{&fakeNode{tag: "a", log: &log, panicOn: "contains"}, &fakeNode{tag: "b", log: &log}}
	if got := outermost(in); len(got) != 2 {
		t.Errorf("outermost: got %d roots, want 2", len(got))
	}
}

func TestEngine_InsertedBeforeStartIsKept(t *testing.T) {
	doc := parse(t, `<html><body><div id="contents"></div></body></html>`, "https://www.youtube.com/")
	rec := newRecorder()
	e, err := New(Config{
		PageID:    "tab-1",
		Page:      doc,
		Table:     policy.Default(),
		Sink:      rec.sink(),
		Debounce:  20 * time.Millisecond,
		Countdown: time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}
	events := make(chan string, 64)
	e.handled = func(s string) {
		select {
		case events <- s:
		default:
		}
	}
	t.Cleanup(e.Stop)

	// The observer subscribes before the initial sweep; what it reports in
	// between waits in the queue.
	nodes, err := doc.Append("#contents", `<ytd-rich-item-renderer><a href="/watch?v=1">v</a></ytd-rich-item-renderer>`)
	if err != nil {
		t.Fatal(err)
	}
	e.Inserted(nodes...)
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case got := <-events:
			if got == "flush" {
				return
			}
		case <-deadline:
			t.Fatal("root queued before Start never flushed")
		}
	}
}
