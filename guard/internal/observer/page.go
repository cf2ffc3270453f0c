package observer

import (
	"fmt"
	"log/slog"

	"github.com/go-rod/rod"

	"github.com/hazyhaar/shortsguard/guard/dom"
)

// overlayID is the id of the interstitial element.
const overlayID = "__shortsguard_overlay"

const showOverlayJS = `(id, binding, label, message, remaining) => {
  const old = document.getElementById(id);
  if (old) old.remove();
  const el = document.createElement('div');
  el.id = id;
  el.setAttribute('role', 'alertdialog');
  el.style.cssText = 'position:fixed;inset:0;z-index:2147483647;display:flex;' +
    'flex-direction:column;align-items:center;justify-content:center;gap:12px;' +
    'background:rgba(15,15,15,.96);color:#fff;font:16px system-ui,sans-serif;text-align:center';
  const title = document.createElement('h1');
  title.textContent = label + ' Blocked';
  const text = document.createElement('p');
  text.textContent = message;
  const count = document.createElement('p');
  count.className = 'countdown';
  count.textContent = 'Redirecting in ' + remaining + ' seconds...';
  const stay = document.createElement('button');
  stay.type = 'button';
  stay.textContent = 'Stay on this page';
  stay.addEventListener('click', () => {
    try { window[binding](JSON.stringify({ op: 'cancel' })); } catch (e) {}
  });
  el.append(title, text, count, stay);
  (document.body || document.documentElement).appendChild(el);
}`

const updateOverlayJS = `(id, remaining) => {
  const el = document.getElementById(id);
  if (!el) return;
  const count = el.querySelector('.countdown');
  if (count) count.textContent = 'Redirecting in ' + remaining + ' seconds...';
}`

const hideOverlayJS = `(id) => {
  const el = document.getElementById(id);
  if (el) el.remove();
}`

// Page is dom.Page over a live rod page.
type Page struct {
	rp     *rod.Page
	logger *slog.Logger
}

var _ dom.Page = (*Page)(nil)

// NewPage wraps p.
func NewPage(p *rod.Page, logger *slog.Logger) *Page {
	if logger == nil {
		logger = slog.Default()
	}
	return &Page{rp: p, logger: logger}
}

// Rod returns the underlying page.
func (p *Page) Rod() *rod.Page { return p.rp }

func (p *Page) URL() (string, error) {
	res, err := p.rp.Eval(`() => location.href`)
	if err != nil {
		return "", fmt.Errorf("observer: read url: %w", err)
	}
	return res.Value.Str(), nil
}

func (p *Page) Root() (dom.Node, error) {
	el, err := p.rp.Sleeper(rod.NotFoundSleeper).Element("html")
	if err != nil {
		return nil, fmt.Errorf("observer: document element: %w", err)
	}
	return &node{el: el}, nil
}

func (p *Page) ShowOverlay(o dom.Overlay) error {
	if _, err := p.rp.Eval(showOverlayJS, overlayID, bindingName, o.Label, o.Message, o.Remaining); err != nil {
		return fmt.Errorf("observer: show overlay: %w", err)
	}
	return nil
}

func (p *Page) UpdateOverlay(remaining int) error {
	if _, err := p.rp.Eval(updateOverlayJS, overlayID, remaining); err != nil {
		return fmt.Errorf("observer: update overlay: %w", err)
	}
	return nil
}

func (p *Page) HideOverlay() error {
	if _, err := p.rp.Eval(hideOverlayJS, overlayID); err != nil {
		return fmt.Errorf("observer: hide overlay: %w", err)
	}
	return nil
}

// Replace navigates with location.replace so the blocked page leaves no
// history entry.
func (p *Page) Replace(u string) error {
	if _, err := p.rp.Eval(`(u) => location.replace(u)`, u); err != nil {
		return fmt.Errorf("observer: replace: %w", err)
	}
	return nil
}
