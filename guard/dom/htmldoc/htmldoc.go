// Package htmldoc implements the dom interfaces over a parsed HTML
// document. It backs the browser-less filter path and the engine tests.
package htmldoc

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"

	"github.com/hazyhaar/shortsguard/guard/dom"
)

// OverlayID is the id of the interstitial element appended to <body>.
const OverlayID = "shortsguard-overlay"

var labelPolicy = bluemonday.StrictPolicy()

// Document is a parsed page. It is not safe for concurrent mutation.
type Document struct {
	mu       sync.Mutex
	doc      *goquery.Document
	url      string
	history  []string // URLs replaced away from, newest last
	overlays int      // how many times an overlay was shown
}

var _ dom.Page = (*Document)(nil)

// Parse reads an HTML document located at pageURL.
func Parse(r io.Reader, pageURL string) (*Document, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("htmldoc: parse: %w", err)
	}
	return &Document{doc: doc, url: pageURL}, nil
}

// ParseString is Parse over a string.
func ParseString(s, pageURL string) (*Document, error) {
	return Parse(strings.NewReader(s), pageURL)
}

// HTML renders the current document.
func (d *Document) HTML() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var buf bytes.Buffer
	if err := html.Render(&buf, d.doc.Selection.Nodes[0]); err != nil {
		return "", fmt.Errorf("htmldoc: render: %w", err)
	}
	return buf.String(), nil
}

// Find queries the whole document. Handy in tests.
func (d *Document) Find(selector string) []dom.Node {
	return wrapAll(d.doc.Find(selector))
}

// Append parses fragment into the first element matching parent and
// returns the inserted element roots, as a mutation batch would report.
func (d *Document) Append(parent, fragment string) ([]dom.Node, error) {
	target := d.doc.Find(parent).First()
	if target.Length() == 0 {
		return nil, fmt.Errorf("htmldoc: append: no element matches %q", parent)
	}
	before := target.Children().Length()
	target.AppendHtml(fragment)
	return wrapAll(target.Children().Slice(before, goquery.ToEnd)), nil
}

// Navigate sets the current URL as a same-document route change would.
func (d *Document) Navigate(u string) {
	d.mu.Lock()
	d.url = u
	d.mu.Unlock()
}

// Replaced returns the URLs left through Replace, oldest first.
func (d *Document) Replaced() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.history...)
}

// OverlayShown returns how many times an overlay was added.
func (d *Document) OverlayShown() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.overlays
}

// Overlay returns the overlay element if present.
func (d *Document) Overlay() (dom.Node, bool) {
	sel := d.doc.Find("#" + OverlayID)
	if sel.Length() == 0 {
		return nil, false
	}
	return &element{sel: sel.First()}, true
}

// URL implements dom.Page.
func (d *Document) URL() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.url, nil
}

// Root implements dom.Page.
func (d *Document) Root() (dom.Node, error) {
	root := d.doc.Find("html").First()
	if root.Length() == 0 {
		return nil, fmt.Errorf("htmldoc: no document element")
	}
	return &element{sel: root}, nil
}

// ShowOverlay implements dom.Page. The overlay is appended to <body>;
// nothing else in the page is touched.
func (d *Document) ShowOverlay(o dom.Overlay) error {
	body := d.doc.Find("body").First()
	if body.Length() == 0 {
		return fmt.Errorf("htmldoc: no body")
	}
	d.doc.Find("#" + OverlayID).Remove()

	label := labelPolicy.Sanitize(o.Label)
	msg := labelPolicy.Sanitize(o.Message)
	body.AppendHtml(fmt.Sprintf(
		`<div id="%s" role="alertdialog" data-remaining="%d">`+
			`<h1>%s Blocked</h1><p>%s</p>`+
			`<p class="countdown">Redirecting in %d seconds...</p>`+
			`<button type="button" class="cancel">Stay on this page</button></div>`,
		OverlayID, o.Remaining, label, msg, o.Remaining))

	d.mu.Lock()
	d.overlays++
	d.mu.Unlock()
	return nil
}

// UpdateOverlay implements dom.Page.
func (d *Document) UpdateOverlay(remaining int) error {
	ov := d.doc.Find("#" + OverlayID)
	if ov.Length() == 0 {
		return fmt.Errorf("htmldoc: overlay not shown")
	}
	ov.SetAttr("data-remaining", strconv.Itoa(remaining))
	ov.Find(".countdown").SetText(fmt.Sprintf("Redirecting in %d seconds...", remaining))
	return nil
}

// HideOverlay implements dom.Page.
func (d *Document) HideOverlay() error {
	d.doc.Find("#" + OverlayID).Remove()
	return nil
}

// Replace implements dom.Page.
func (d *Document) Replace(u string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.history = append(d.history, d.url)
	d.url = u
	return nil
}

// element is a single-node selection.
type element struct {
	sel *goquery.Selection
}

var _ dom.Node = (*element)(nil)

func wrapAll(sel *goquery.Selection) []dom.Node {
	out := make([]dom.Node, 0, sel.Length())
	sel.Each(func(_ int, s *goquery.Selection) {
		out = append(out, &element{sel: s})
	})
	return out
}

// Wrap exposes an arbitrary selection's first node as a dom.Node.
func Wrap(sel *goquery.Selection) dom.Node {
	return &element{sel: sel.First()}
}

func (e *element) node() *html.Node {
	if e.sel == nil || len(e.sel.Nodes) == 0 {
		return nil
	}
	return e.sel.Nodes[0]
}

func (e *element) Tag() string {
	n := e.node()
	if n == nil || n.Type != html.ElementNode {
		return ""
	}
	return strings.ToLower(n.Data)
}

func (e *element) Attr(name string) (string, bool) {
	return e.sel.Attr(name)
}

func (e *element) Matches(selector string) (bool, error) {
	m, err := compile(selector)
	if err != nil {
		return false, err
	}
	return e.sel.IsMatcher(m), nil
}

func (e *element) Has(selector string) (bool, error) {
	m, err := compile(selector)
	if err != nil {
		return false, err
	}
	return e.sel.FindMatcher(m).Length() > 0, nil
}

func (e *element) Find(selector string) ([]dom.Node, error) {
	m, err := compile(selector)
	if err != nil {
		return nil, err
	}
	return wrapAll(e.sel.FindMatcher(m)), nil
}

func (e *element) Media() ([]dom.Media, error) {
	var out []dom.Media
	if t := e.Tag(); t == "video" || t == "audio" {
		out = append(out, &media{sel: e.sel})
	}
	e.sel.Find("video, audio").Each(func(_ int, s *goquery.Selection) {
		out = append(out, &media{sel: s})
	})
	return out, nil
}

func (e *element) Connected() bool {
	for n := e.node(); n != nil; n = n.Parent {
		if n.Type == html.DocumentNode {
			return true
		}
	}
	return false
}

func (e *element) Contains(other dom.Node) bool {
	o, ok := other.(*element)
	if !ok {
		return false
	}
	self, n := e.node(), o.node()
	if self == nil || n == nil {
		return false
	}
	for p := n.Parent; p != nil; p = p.Parent {
		if p == self {
			return true
		}
	}
	return false
}

func (e *element) Remove() error {
	if e.node() == nil {
		return fmt.Errorf("htmldoc: remove: empty selection")
	}
	e.sel.Remove()
	return nil
}

// media models playback state through attributes: autoplay means playing.
type media struct {
	sel *goquery.Selection
}

func (m *media) Size() (float64, float64, error) {
	w, err := dimension(m.sel, "width")
	if err != nil {
		return 0, 0, err
	}
	h, err := dimension(m.sel, "height")
	if err != nil {
		return 0, 0, err
	}
	return w, h, nil
}

func (m *media) Silence() error {
	if len(m.sel.Nodes) == 0 {
		return fmt.Errorf("htmldoc: silence: detached media")
	}
	m.sel.RemoveAttr("autoplay")
	m.sel.SetAttr("muted", "")
	m.sel.SetAttr("data-current-time", "0")
	m.sel.RemoveAttr("src")
	m.sel.Find("source").Remove()
	return nil
}

// Playing reports whether a media node would still produce sound.
func Playing(n dom.Node) bool {
	e, ok := n.(*element)
	if !ok {
		return false
	}
	_, autoplay := e.sel.Attr("autoplay")
	_, muted := e.sel.Attr("muted")
	_, src := e.sel.Attr("src")
	hasSource := e.sel.Find("source").Length() > 0
	return autoplay && !muted && (src || hasSource)
}

func dimension(sel *goquery.Selection, name string) (float64, error) {
	v, ok := sel.Attr(name)
	if !ok {
		return 0, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(v), "px"), 64)
	if err != nil {
		return 0, fmt.Errorf("htmldoc: %s=%q: %w", name, v, err)
	}
	return f, nil
}
