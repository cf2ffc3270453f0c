package observer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/shortsguard/guard/dom"
)

// node is dom.Node over a resolved element.
type node struct {
	el  *rod.Element
	tag string
}

var _ dom.Node = (*node)(nil)

func (n *node) Tag() string {
	if n.tag != "" {
		return n.tag
	}
	desc, err := n.el.Describe(0, false)
	if err != nil || desc.NodeType != 1 {
		return ""
	}
	n.tag = strings.ToLower(desc.LocalName)
	return n.tag
}

func (n *node) Attr(name string) (string, bool) {
	v, err := n.el.Attribute(name)
	if err != nil || v == nil {
		return "", false
	}
	return *v, true
}

func (n *node) Matches(selector string) (bool, error) {
	return n.el.Matches(selector)
}

func (n *node) Has(selector string) (bool, error) {
	res, err := n.el.Eval(`(s) => this.querySelector(s) !== null`, selector)
	if err != nil {
		return false, err
	}
	return res.Value.Bool(), nil
}

func (n *node) Find(selector string) ([]dom.Node, error) {
	els, err := n.el.Elements(selector)
	if err != nil {
		return nil, err
	}
	out := make([]dom.Node, len(els))
	for i, el := range els {
		out[i] = &node{el: el}
	}
	return out, nil
}

func (n *node) Media() ([]dom.Media, error) {
	var out []dom.Media
	if t := n.Tag(); t == "video" || t == "audio" {
		out = append(out, &media{el: n.el})
	}
	els, err := n.el.Elements("video, audio")
	if err != nil {
		return out, err
	}
	for _, el := range els {
		out = append(out, &media{el: el})
	}
	return out, nil
}

func (n *node) Connected() bool {
	res, err := n.el.Eval(`() => this.isConnected`)
	return err == nil && res.Value.Bool()
}

func (n *node) Contains(other dom.Node) bool {
	el := elementOf(other)
	if el == nil || el.Object == nil {
		return false
	}
	res, err := n.el.Eval(`(o) => this !== o && this.contains(o)`, el.Object)
	return err == nil && res.Value.Bool()
}

func (n *node) Remove() error {
	return n.el.Remove()
}

func elementOf(n dom.Node) *rod.Element {
	switch v := n.(type) {
	case *node:
		return v.el
	case *lazyNode:
		if r, err := v.resolve(); err == nil {
			return r.el
		}
	}
	return nil
}

// media is dom.Media over a video or audio element.
type media struct {
	el *rod.Element
}

func (m *media) Size() (float64, float64, error) {
	res, err := m.el.Eval(`() => {
		const r = this.getBoundingClientRect();
		return { w: r.width || this.videoWidth || 0, h: r.height || this.videoHeight || 0 };
	}`)
	if err != nil {
		return 0, 0, err
	}
	return res.Value.Get("w").Num(), res.Value.Get("h").Num(), nil
}

func (m *media) Silence() error {
	_, err := m.el.Eval(`() => {
		this.pause();
		this.muted = true;
		this.currentTime = 0;
		this.removeAttribute('src');
		this.querySelectorAll('source').forEach((s) => s.remove());
		this.load();
	}`)
	return err
}

// lazyNode defers resolving an inserted CDP node to an element until the
// engine first looks at it; most inserted nodes are never candidates.
type lazyNode struct {
	page *rod.Page
	desc *proto.DOMNode
	tree *tree

	once sync.Once
	n    *node
	err  error
}

func newLazyNode(p *rod.Page, desc *proto.DOMNode, t *tree) *lazyNode {
	return &lazyNode{page: p, desc: desc, tree: t}
}

func (l *lazyNode) resolve() (*node, error) {
	l.once.Do(func() {
		el, err := l.page.ElementFromNode(l.desc)
		if err != nil {
			l.err = fmt.Errorf("observer: resolve node %d: %w", l.desc.NodeID, err)
			return
		}
		l.n = &node{el: el, tag: strings.ToLower(l.desc.LocalName)}
	})
	return l.n, l.err
}

func (l *lazyNode) Tag() string {
	if l.desc.NodeType == 1 && l.desc.LocalName != "" {
		return strings.ToLower(l.desc.LocalName)
	}
	n, err := l.resolve()
	if err != nil {
		return ""
	}
	return n.Tag()
}

func (l *lazyNode) Attr(name string) (string, bool) {
	if n, err := l.resolve(); err == nil {
		return n.Attr(name)
	}
	// Fall back to the attributes captured at insertion, flattened as
	// name, value pairs.
	for i := 0; i+1 < len(l.desc.Attributes); i += 2 {
		if l.desc.Attributes[i] == name {
			return l.desc.Attributes[i+1], true
		}
	}
	return "", false
}

func (l *lazyNode) Matches(selector string) (bool, error) {
	n, err := l.resolve()
	if err != nil {
		return false, err
	}
	return n.Matches(selector)
}

func (l *lazyNode) Has(selector string) (bool, error) {
	n, err := l.resolve()
	if err != nil {
		return false, err
	}
	return n.Has(selector)
}

func (l *lazyNode) Find(selector string) ([]dom.Node, error) {
	n, err := l.resolve()
	if err != nil {
		return nil, err
	}
	return n.Find(selector)
}

func (l *lazyNode) Media() ([]dom.Media, error) {
	n, err := l.resolve()
	if err != nil {
		return nil, err
	}
	return n.Media()
}

func (l *lazyNode) Connected() bool {
	n, err := l.resolve()
	if err != nil {
		return false
	}
	return n.Connected()
}

// Contains answers from the mirrored tree when both nodes came from CDP
// events, without a round trip to the page.
func (l *lazyNode) Contains(other dom.Node) bool {
	if o, ok := other.(*lazyNode); ok && l.tree != nil && l.tree == o.tree {
		return l.tree.contains(l.desc.NodeID, o.desc.NodeID)
	}
	n, err := l.resolve()
	if err != nil {
		return false
	}
	return n.Contains(other)
}

func (l *lazyNode) Remove() error {
	n, err := l.resolve()
	if err != nil {
		return err
	}
	return n.Remove()
}
