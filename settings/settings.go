// Package settings holds the boolean blocking flags shared by every page
// engine: the immutable Settings snapshot, the process-local Cache the
// engines read, and the SQLite-backed Store they are persisted in.
package settings

import (
	"maps"
	"sort"
	"sync/atomic"
)

// Flag keys understood by the default rule table.
const (
	BlockYouTubeShorts       = "blockYouTubeShorts"
	BlockInstagramReels      = "blockInstagramReels"
	BlockInstagramCompletely = "blockInstagramCompletely"
	DetectVerticalVideo      = "detectVerticalVideo"
)

// Defaults is what an unset flag evaluates to. The primary categories are
// blocked on a fresh install, the stricter ones are not.
var Defaults = Settings{
	BlockYouTubeShorts:       true,
	BlockInstagramReels:      true,
	BlockInstagramCompletely: false,
	DetectVerticalVideo:      false,
}

// Settings is a snapshot of flag values. Treat it as immutable: every
// update produces a new map.
type Settings map[string]bool

// Enabled reports the value of key, falling back to Defaults.
func (s Settings) Enabled(key string) bool {
	if v, ok := s[key]; ok {
		return v
	}
	return Defaults[key]
}

// Keys returns the sorted keys present in s.
func (s Settings) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Resolve returns a copy of s with every default key filled in.
func (s Settings) Resolve() Settings {
	out := make(Settings, len(Defaults)+len(s))
	maps.Copy(out, Defaults)
	maps.Copy(out, s)
	return out
}

// Merge returns a copy of s with the new values from ch applied.
func (s Settings) Merge(ch Changes) Settings {
	out := make(Settings, len(s)+len(ch))
	maps.Copy(out, s)
	for k, c := range ch {
		out[k] = c.NewValue
	}
	return out
}

// Diff returns the changes that turn old into s. Keys absent from s are
// not reported.
func (s Settings) Diff(old Settings) Changes {
	ch := make(Changes)
	for k, v := range s {
		prev, ok := old[k]
		if ok && prev == v {
			continue
		}
		c := Change{NewValue: v}
		if ok {
			p := prev
			c.OldValue = &p
		}
		ch[k] = c
	}
	return ch
}

// Normalize applies the toggle-panel coupling: turning on complete
// Instagram blocking also turns off the reels-only flag unless the
// update sets that flag itself.
func Normalize(partial Settings) Settings {
	out := make(Settings, len(partial)+1)
	maps.Copy(out, partial)
	if out[BlockInstagramCompletely] {
		if _, set := partial[BlockInstagramReels]; !set {
			out[BlockInstagramReels] = false
		}
	}
	return out
}

// Change is one flag transition, shaped like a storage change record.
type Change struct {
	OldValue *bool `json:"oldValue,omitempty"`
	NewValue bool  `json:"newValue"`
}

// Changes maps flag keys to their transition.
type Changes map[string]Change

// Cache is the process-local mirror of the flags. Updates replace the
// whole snapshot so a reader never sees a half-applied change.
type Cache struct {
	v atomic.Pointer[Settings]
}

// NewCache returns a Cache seeded with initial (nil means all defaults).
func NewCache(initial Settings) *Cache {
	c := &Cache{}
	c.Replace(initial)
	return c
}

// Load returns the current snapshot.
func (c *Cache) Load() Settings {
	if p := c.v.Load(); p != nil {
		return *p
	}
	return Settings{}
}

// Replace swaps in a full snapshot.
func (c *Cache) Replace(s Settings) {
	cp := make(Settings, len(s))
	maps.Copy(cp, s)
	c.v.Store(&cp)
}

// Apply merges ch into the current snapshot and returns the result.
// There is a single writer per cache, so load-merge-store is safe.
func (c *Cache) Apply(ch Changes) Settings {
	next := c.Load().Merge(ch)
	c.v.Store(&next)
	return next
}
