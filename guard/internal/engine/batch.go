package engine

import (
	"time"

	"github.com/hazyhaar/shortsguard/guard/dom"
)

// batchConfig controls insertion batching.
type batchConfig struct {
	// Window is the debounce time. Default: 100ms.
	Window time.Duration
	// MaxRoots flushes immediately when this many roots accumulate. Default: 1000.
	MaxRoots int
}

func (bc *batchConfig) defaults() {
	if bc.Window <= 0 {
		bc.Window = 100 * time.Millisecond
	}
	if bc.MaxRoots <= 0 {
		bc.MaxRoots = 1000
	}
}

// batcher is the pending insertion batch: roots accumulate until the
// window expires with no new insertion, then flush hands them out once.
// Owned by the engine loop; not safe for concurrent use.
type batcher struct {
	cfg     batchConfig
	roots   []dom.Node
	timer   *time.Timer
	timerCh <-chan time.Time
}

func newBatcher(cfg batchConfig) *batcher {
	cfg.defaults()
	return &batcher{cfg: cfg}
}

// add appends roots and restarts the window. It returns true when the
// buffer is full and the caller should flush now.
func (b *batcher) add(roots ...dom.Node) bool {
	if len(roots) == 0 {
		return false
	}
	b.roots = append(b.roots, roots...)
	if len(b.roots) >= b.cfg.MaxRoots {
		return true
	}

	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.NewTimer(b.cfg.Window)
	b.timerCh = b.timer.C
	return false
}

// timerC fires when the window expires. Nil while the batch is empty.
func (b *batcher) timerC() <-chan time.Time {
	return b.timerCh
}

// pending returns the number of queued roots.
func (b *batcher) pending() int { return len(b.roots) }

// flush returns the accumulated roots and clears the batch.
func (b *batcher) flush() []dom.Node {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
		b.timerCh = nil
	}
	if len(b.roots) == 0 {
		return nil
	}
	out := b.roots
	b.roots = nil
	return out
}

// navState is the last dispatched URL.
type navState struct {
	last string
}

// observe records url and reports whether it differs from the last one.
func (n *navState) observe(url string) bool {
	if url == n.last {
		return false
	}
	n.last = url
	return true
}
