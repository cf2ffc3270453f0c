// Package observer connects a live Chrome page to an engine. It turns CDP
// DOM insertions into candidate roots, keeps freshly inserted subtrees
// tracked so later insertions inside them are reported too, installs the navigation hook that
// reports history changes and organic URL changes through a runtime
// binding, and renders the block overlay.
package observer

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/shortsguard/guard/dom"
)

// navhookJS wraps pushState/replaceState, listens to popstate and compares
// location.href on every mutation. A window flag keeps it to one install
// per document.
//
//go:embed navhook.js
var navhookJS string

// bindingName is the Runtime binding the injected scripts report through.
const bindingName = "__shortsguard_binding"

// Target receives what the observer sees. *engine.Engine satisfies it.
type Target interface {
	Inserted(roots ...dom.Node)
	Navigated(url string)
	DocumentReset()
	CancelOverlay()
}

// Config for creating an Observer.
type Config struct {
	Page   *Page
	Target Target
	Logger *slog.Logger
}

// Observer feeds one page's events to its Target.
type Observer struct {
	page   *Page
	target Target
	logger *slog.Logger

	tree     *tree
	expandCh chan proto.DOMNodeID
	expand   func(proto.DOMNodeID) // asks CDP to push a node's subtree

	ctx     context.Context
	cancel  context.CancelFunc
	resetCh chan struct{}
	remove  func() error
	wg      sync.WaitGroup
}

// bindingMsg is what the injected scripts send.
type bindingMsg struct {
	Op  string `json:"op"`
	URL string `json:"url,omitempty"`
}

// New creates an Observer. It may start before its Target runs; reports
// wait in the Target's queues.
func New(cfg Config) *Observer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	o := &Observer{
		page:     cfg.Page,
		target:   cfg.Target,
		logger:   cfg.Logger,
		tree:     newTree(),
		expandCh: make(chan proto.DOMNodeID, 256),
		resetCh:  make(chan struct{}, 1),
	}
	o.expand = o.queueExpand
	return o
}

// Start enables DOM tracking, subscribes to insertions, document resets
// and binding calls, and installs the navigation hook on the current and
// every future document of the page.
func (o *Observer) Start(ctx context.Context) error {
	o.ctx, o.cancel = context.WithCancel(ctx)
	rp := o.page.rp

	if err := (proto.DOMEnable{}).Call(rp); err != nil {
		return fmt.Errorf("observer: DOM.enable: %w", err)
	}
	if err := o.track(); err != nil {
		return err
	}
	if err := (proto.RuntimeAddBinding{Name: bindingName}).Call(rp); err != nil {
		o.logger.Warn("observer: addBinding failed (may already exist)", "error", err)
	}

	wait := rp.Context(o.ctx).EachEvent(
		o.onInserted,
		o.onSetChildNodes,
		o.onCountUpdated,
		o.onRemoved,
		func(e *proto.DOMDocumentUpdated) {
			select {
			case o.resetCh <- struct{}{}:
			default:
			}
		},
		func(e *proto.RuntimeBindingCalled) {
			if e.Name != bindingName {
				return
			}
			o.handleBinding(e.Payload)
		},
	)
	o.wg.Add(3)
	go func() {
		defer o.wg.Done()
		wait()
	}()
	go o.resetLoop()
	go o.expandLoop()

	remove, err := rp.EvalOnNewDocument("(" + navhookJS + ")()")
	if err != nil {
		o.cancel()
		return fmt.Errorf("observer: install navigation hook: %w", err)
	}
	o.remove = remove
	if _, err := rp.Eval(navhookJS); err != nil {
		o.logger.Warn("observer: navigation hook on current document failed", "error", err)
	}

	o.logger.Debug("observer: started")
	return nil
}

// Stop unsubscribes and removes the new-document hook.
func (o *Observer) Stop() {
	if o.cancel == nil {
		return
	}
	o.cancel()
	if o.remove != nil {
		if err := o.remove(); err != nil {
			o.logger.Debug("observer: remove navigation hook", "error", err)
		}
		o.remove = nil
	}
	o.wg.Wait()
}

// track requests the whole tree, shadow roots included. CDP only reports
// mutations under nodes the client has been sent.
func (o *Observer) track() error {
	depth := -1
	doc, err := (proto.DOMGetDocument{Depth: &depth, Pierce: true}).Call(o.page.rp)
	if err != nil {
		return fmt.Errorf("observer: DOM.getDocument: %w", err)
	}
	o.tree.reset(doc.Root)
	return nil
}

func (o *Observer) rodPage() *rod.Page {
	if o.page == nil {
		return nil
	}
	return o.page.rp
}

// onInserted hands an inserted element to the engine and asks for its
// subtree: CDP serializes it shallow, and insertions under children it
// never pushed would otherwise go unreported.
func (o *Observer) onInserted(e *proto.DOMChildNodeInserted) {
	if e.Node == nil {
		return
	}
	o.tree.add(e.ParentNodeID, e.Node)
	if e.Node.NodeType != 1 {
		return
	}
	o.target.Inserted(newLazyNode(o.rodPage(), e.Node, o.tree))
	o.expand(e.Node.NodeID)
}

// onSetChildNodes records subtrees pushed in answer to expand. Their
// content was already part of an inserted root.
func (o *Observer) onSetChildNodes(e *proto.DOMSetChildNodes) {
	for _, n := range e.Nodes {
		o.tree.add(e.ParentID, n)
	}
}

// onCountUpdated is all CDP sends when children change under a node whose
// children were not pushed yet. The node is swept as an inserted root.
func (o *Observer) onCountUpdated(e *proto.DOMChildNodeCountUpdated) {
	o.expand(e.NodeID)
	desc, ok := o.tree.lookup(e.NodeID)
	if !ok || desc.NodeType != 1 {
		return
	}
	o.target.Inserted(newLazyNode(o.rodPage(), desc, o.tree))
}

func (o *Observer) onRemoved(e *proto.DOMChildNodeRemoved) {
	o.tree.remove(e.NodeID)
}

func (o *Observer) queueExpand(id proto.DOMNodeID) {
	select {
	case o.expandCh <- id:
	default:
		// The node's next change still arrives as childNodeCountUpdated.
		o.logger.Debug("observer: expand queue full", "node", id)
	}
}

func (o *Observer) expandLoop() {
	defer o.wg.Done()
	depth := -1
	for {
		select {
		case <-o.ctx.Done():
			return
		case id := <-o.expandCh:
			err := (proto.DOMRequestChildNodes{NodeID: id, Depth: &depth, Pierce: true}).Call(o.page.rp)
			if err != nil {
				o.logger.Debug("observer: request child nodes", "node", id, "error", err)
			}
		}
	}
}

func (o *Observer) resetLoop() {
	defer o.wg.Done()
	for {
		select {
		case <-o.ctx.Done():
			return
		case <-o.resetCh:
			o.logger.Debug("observer: document replaced")
			if err := o.track(); err != nil {
				o.logger.Warn("observer: re-track failed", "error", err)
			}
			o.target.DocumentReset()
		}
	}
}

func (o *Observer) handleBinding(payload string) {
	var msg bindingMsg
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		o.logger.Debug("observer: bad binding payload", "error", err)
		return
	}
	switch msg.Op {
	case "navigate":
		if msg.URL != "" {
			o.target.Navigated(msg.URL)
		}
	case "cancel":
		o.target.CancelOverlay()
	default:
		o.logger.Debug("observer: unknown binding op", "op", msg.Op)
	}
}
