package observer

import (
	"sync"

	"github.com/go-rod/rod/lib/proto"
)

// tree mirrors the part of the document CDP has pushed to us: each node's
// parent and a shallow description. Node ids are not reused within a
// document, so entries left behind by removed subtrees are inert.
type tree struct {
	mu     sync.RWMutex
	parent map[proto.DOMNodeID]proto.DOMNodeID
	desc   map[proto.DOMNodeID]*proto.DOMNode
}

func newTree() *tree {
	return &tree{
		parent: make(map[proto.DOMNodeID]proto.DOMNodeID),
		desc:   make(map[proto.DOMNodeID]*proto.DOMNode),
	}
}

// reset replaces the mirror with the document returned by DOM.getDocument.
func (t *tree) reset(root *proto.DOMNode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.parent = make(map[proto.DOMNodeID]proto.DOMNodeID)
	t.desc = make(map[proto.DOMNodeID]*proto.DOMNode)
	t.walk(0, root)
}

// add records n and everything serialized beneath it under parent.
func (t *tree) add(parent proto.DOMNodeID, n *proto.DOMNode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.walk(parent, n)
}

func (t *tree) walk(parent proto.DOMNodeID, n *proto.DOMNode) {
	if n == nil {
		return
	}
	t.desc[n.NodeID] = &proto.DOMNode{
		NodeID:        n.NodeID,
		BackendNodeID: n.BackendNodeID,
		NodeType:      n.NodeType,
		NodeName:      n.NodeName,
		LocalName:     n.LocalName,
		Attributes:    n.Attributes,
	}
	if parent != 0 {
		t.parent[n.NodeID] = parent
	}
	for _, c := range n.Children {
		t.walk(n.NodeID, c)
	}
	for _, sr := range n.ShadowRoots {
		t.walk(n.NodeID, sr)
	}
}

func (t *tree) remove(id proto.DOMNodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.parent, id)
	delete(t.desc, id)
}

func (t *tree) lookup(id proto.DOMNodeID) (*proto.DOMNode, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d, ok := t.desc[id]
	return d, ok
}

// contains reports whether inner has outer among its ancestors.
func (t *tree) contains(outer, inner proto.DOMNodeID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id := inner
	for range len(t.parent) {
		p, ok := t.parent[id]
		if !ok {
			return false
		}
		if p == outer {
			return true
		}
		id = p
	}
	return false
}
