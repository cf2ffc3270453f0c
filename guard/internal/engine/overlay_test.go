package engine

import (
	"log/slog"
	"testing"
	"time"

	"github.com/hazyhaar/shortsguard/guard/dom/htmldoc"
	"github.com/hazyhaar/shortsguard/guard/event"
	"github.com/hazyhaar/shortsguard/guard/policy"
)

func TestOverlay_CountdownRedirects(t *testing.T) {
	doc := parse(t, `<html><body><video autoplay src="s.mp4"></video></body></html>`, "https://www.youtube.com/shorts/x")
	var states []event.OverlayState
	ov := newOverlay(overlayConfig{Countdown: 3 * time.Second, Tick: time.Second}, doc, slog.Default(),
		func(o event.Overlay) { states = append(states, o.State) })

	m := policy.URLMatch{Site: "youtube", Rule: "shorts-page", Label: "YouTube Shorts", Redirect: "https://www.youtube.com"}
	if err := ov.show(m); err != nil {
		t.Fatal(err)
	}
	defer ov.stopTicker()

	if _, ok := doc.Overlay(); !ok {
		t.Fatal("overlay not rendered")
	}
	video := doc.Find("video")[0]
	if !video.Connected() {
		t.Fatal("overlay removed page content")
	}
	if htmldoc.Playing(video) {
		t.Error("page media not silenced on show")
	}

	// Drive the ticks by hand.
	ov.tick()
	ov.tick()
	if len(doc.Replaced()) != 0 {
		t.Fatal("redirected before the countdown ended")
	}
	ov.tick()

	if got := doc.Replaced(); len(got) != 1 {
		t.Fatalf("replaced: %v", got)
	}
	if u, _ := doc.URL(); u != "https://www.youtube.com" {
		t.Errorf("url after redirect: %s", u)
	}
	want := []event.OverlayState{event.OverlayShowing, event.OverlayCountingDown, event.OverlayRedirected}
	if !equalStates(states, want) {
		t.Errorf("states: got %v, want %v", states, want)
	}
	if ov.tickC() != nil {
		t.Error("ticker still armed after redirect")
	}
}

func TestOverlay_CancelDismisses(t *testing.T) {
	doc := parse(t, `<html><body><p id="app">app</p></body></html>`, "https://www.instagram.com/reel/x/")
	var states []event.OverlayState
	ov := newOverlay(overlayConfig{}, doc, slog.Default(), func(o event.Overlay) { states = append(states, o.State) })

	if ov.cancel() {
		t.Error("cancel from hidden should be refused")
	}
	if err := ov.show(policy.URLMatch{Label: "Instagram Reels", Redirect: "https://www.instagram.com"}); err != nil {
		t.Fatal(err)
	}
	if !ov.cancel() {
		t.Fatal("cancel while counting down refused")
	}
	if _, ok := doc.Overlay(); ok {
		t.Error("overlay still rendered after cancel")
	}
	if len(doc.Find("#app")) != 1 {
		t.Error("page content touched")
	}
	if len(doc.Replaced()) != 0 {
		t.Error("cancelled overlay redirected")
	}
	ov.tick()
	if len(doc.Replaced()) != 0 {
		t.Error("tick after cancel redirected")
	}
	want := []event.OverlayState{event.OverlayShowing, event.OverlayCountingDown, event.OverlayDismissed}
	if !equalStates(states, want) {
		t.Errorf("states: got %v, want %v", states, want)
	}
}

func TestOverlay_Withdraw(t *testing.T) {
	doc := parse(t, `<html><body></body></html>`, "https://www.youtube.com/shorts/x")
	ov := newOverlay(overlayConfig{}, doc, slog.Default(), nil)
	ov.withdraw() // no-op while hidden
	if err := ov.show(policy.URLMatch{Label: "YouTube Shorts"}); err != nil {
		t.Fatal(err)
	}
	ov.withdraw()
	if ov.active() {
		t.Error("overlay still active")
	}
	if _, ok := doc.Overlay(); ok {
		t.Error("overlay still rendered")
	}
}

func TestOverlayConfig_Defaults(t *testing.T) {
	var c overlayConfig
	c.defaults()
	if c.Countdown != 5*time.Second || c.Tick != time.Second {
		t.Errorf("defaults: %+v", c)
	}
}

func equalStates(a, b []event.OverlayState) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
