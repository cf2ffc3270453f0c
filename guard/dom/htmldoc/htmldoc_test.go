package htmldoc

import (
	"strings"
	"testing"

	"github.com/hazyhaar/shortsguard/guard/dom"
)

const page = `<html><head><title>t</title></head><body>
<div id="feed">
  <section class="item"><a href="/shorts/1">one</a><video width="360px" height="640" autoplay src="a.mp4"></video></section>
  <section class="item"><a href="/watch?v=2">two</a></section>
</div>
</body></html>`

func mustParse(t *testing.T) *Document {
	t.Helper()
	doc, err := ParseString(page, "https://www.youtube.com/")
	if err != nil {
		t.Fatal(err)
	}
	return doc
}

func TestNode_Queries(t *testing.T) {
	doc := mustParse(t)
	items := doc.Find("section.item")
	if len(items) != 2 {
		t.Fatalf("find: got %d", len(items))
	}
	n := items[0]
	if n.Tag() != "section" {
		t.Errorf("tag: %q", n.Tag())
	}
	if v, ok := n.Attr("class"); !ok || v != "item" {
		t.Errorf("attr: %q %v", v, ok)
	}
	if _, ok := n.Attr("missing"); ok {
		t.Error("missing attr reported present")
	}
	if ok, err := n.Matches(".item"); err != nil || !ok {
		t.Errorf("matches: %v %v", ok, err)
	}
	if ok, err := n.Has(`a[href*="/shorts/"]`); err != nil || !ok {
		t.Errorf("has: %v %v", ok, err)
	}
	if ok, _ := items[1].Has(`a[href*="/shorts/"]`); ok {
		t.Error("second item has no short")
	}
	links, err := n.Find("a")
	if err != nil || len(links) != 1 {
		t.Errorf("find: %d %v", len(links), err)
	}
	if _, err := n.Matches("[[bad"); err == nil {
		t.Error("bad selector accepted")
	}
	if _, err := n.Has("[[bad"); err == nil {
		t.Error("bad selector accepted by Has")
	}
}

func TestNode_RemoveAndConnected(t *testing.T) {
	doc := mustParse(t)
	n := doc.Find("section.item")[0]
	if !n.Connected() {
		t.Fatal("fresh node not connected")
	}
	if err := n.Remove(); err != nil {
		t.Fatal(err)
	}
	if n.Connected() {
		t.Error("removed node still connected")
	}
	out, err := doc.HTML()
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "/shorts/1") || !strings.Contains(out, "/watch?v=2") {
		t.Errorf("html after remove: %s", out)
	}
}

func TestMedia(t *testing.T) {
	doc := mustParse(t)
	media, err := doc.Find("section.item")[0].Media()
	if err != nil || len(media) != 1 {
		t.Fatalf("media: %d %v", len(media), err)
	}
	w, h, err := media[0].Size()
	if err != nil || w != 360 || h != 640 {
		t.Errorf("size: %v x %v (%v)", w, h, err)
	}

	video := doc.Find("video")[0]
	if !Playing(video) {
		t.Fatal("autoplaying video not playing")
	}
	self, _ := video.Media()
	if len(self) != 1 {
		t.Errorf("media on a video element must include itself, got %d", len(self))
	}
	if err := media[0].Silence(); err != nil {
		t.Fatal(err)
	}
	if Playing(video) {
		t.Error("silenced video still playing")
	}
	if _, ok := video.Attr("muted"); !ok {
		t.Error("silenced video not muted")
	}
}

func TestMedia_BadSize(t *testing.T) {
	doc, err := ParseString(`<html><body><video width="wide"></video><audio></audio></body></html>`, "")
	if err != nil {
		t.Fatal(err)
	}
	body := doc.Find("body")[0]
	media, _ := body.Media()
	if len(media) != 2 {
		t.Fatalf("media: got %d", len(media))
	}
	if _, _, err := media[0].Size(); err == nil {
		t.Error("non-numeric width accepted")
	}
	if w, h, err := media[1].Size(); err != nil || w != 0 || h != 0 {
		t.Errorf("unsized audio: %v %v %v", w, h, err)
	}
}

func TestAppend(t *testing.T) {
	doc := mustParse(t)
	roots, err := doc.Append("#feed", `<section class="item new"><a href="/shorts/9">n</a></section><p>tail</p>`)
	if err != nil {
		t.Fatal(err)
	}
	if len(roots) != 2 || roots[0].Tag() != "section" || roots[1].Tag() != "p" {
		t.Errorf("roots: %d", len(roots))
	}
	if _, err := doc.Append("#nowhere", "<p/>"); err == nil {
		t.Error("append to missing parent accepted")
	}
}

func TestPage_Overlay(t *testing.T) {
	doc := mustParse(t)
	var p dom.Page = doc

	err := p.ShowOverlay(dom.Overlay{Label: `Shorts<script>alert(1)</script>`, Message: "Redirecting.", Remaining: 5})
	if err != nil {
		t.Fatal(err)
	}
	ov, ok := doc.Overlay()
	if !ok {
		t.Fatal("overlay not present")
	}
	if v, _ := ov.Attr("data-remaining"); v != "5" {
		t.Errorf("remaining: %q", v)
	}
	out, _ := doc.HTML()
	if strings.Contains(out, "<script>") {
		t.Error("label not sanitised")
	}
	if !strings.Contains(out, "Shorts Blocked") {
		t.Errorf("label missing: %s", out)
	}

	if err := p.UpdateOverlay(2); err != nil {
		t.Fatal(err)
	}
	ov, _ = doc.Overlay()
	if v, _ := ov.Attr("data-remaining"); v != "2" {
		t.Errorf("remaining after update: %q", v)
	}

	// Showing again replaces rather than stacks.
	p.ShowOverlay(dom.Overlay{Label: "x", Remaining: 1})
	if n := len(doc.Find("#" + OverlayID)); n != 1 {
		t.Errorf("overlays: got %d", n)
	}
	if doc.OverlayShown() != 2 {
		t.Errorf("shown: %d", doc.OverlayShown())
	}

	if err := p.HideOverlay(); err != nil {
		t.Fatal(err)
	}
	if _, ok := doc.Overlay(); ok {
		t.Error("overlay still present")
	}
	if err := p.UpdateOverlay(1); err == nil {
		t.Error("update without overlay accepted")
	}
	if len(doc.Find("section.item")) != 2 {
		t.Error("overlay touched page content")
	}
}

func TestPage_NavigateReplace(t *testing.T) {
	doc := mustParse(t)
	doc.Navigate("https://www.youtube.com/shorts/1")
	if err := doc.Replace("https://www.youtube.com"); err != nil {
		t.Fatal(err)
	}
	u, _ := doc.URL()
	if u != "https://www.youtube.com" {
		t.Errorf("url: %q", u)
	}
	hist := doc.Replaced()
	if len(hist) != 1 || hist[0] != "https://www.youtube.com/shorts/1" {
		t.Errorf("history: %v", hist)
	}
}

func TestRoot(t *testing.T) {
	doc := mustParse(t)
	root, err := doc.Root()
	if err != nil || root.Tag() != "html" {
		t.Errorf("root: %v %v", root, err)
	}
}

func TestNode_Contains(t *testing.T) {
	doc := mustParse(t)
	feed := doc.Find("#feed")[0]
	items := doc.Find("section.item")
	link := doc.Find("a")[0]

	if !feed.Contains(items[0]) || !feed.Contains(link) {
		t.Error("feed must contain its items and their links")
	}
	if !items[0].Contains(link) {
		t.Error("item must contain its link")
	}
	if items[1].Contains(link) {
		t.Error("sibling item reported as ancestor")
	}
	if link.Contains(items[0]) {
		t.Error("descendant reported as ancestor")
	}
	if feed.Contains(doc.Find("#feed")[0]) {
		t.Error("a node does not contain itself")
	}
}
