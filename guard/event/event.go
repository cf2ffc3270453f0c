// Package event defines the reports an engine emits while it filters a
// page. Consumers import it to receive them through a sink; nothing here
// is persisted.
package event

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/hazyhaar/shortsguard/guard/policy"
)

// Trigger is what caused a sweep.
type Trigger string

const (
	TriggerInitial    Trigger = "initial"    // first sweep after settings load
	TriggerInsert     Trigger = "insert"     // flushed insertion batch
	TriggerNavigation Trigger = "navigation" // route change to an allowed URL
	TriggerSettings   Trigger = "settings"   // settingsChanged notification
	TriggerReset      Trigger = "reset"      // document replaced
	TriggerStatic     Trigger = "static"     // browser-less filter of a fetched page
)

// OverlayState is a Block Overlay state.
type OverlayState string

const (
	OverlayHidden       OverlayState = "hidden"
	OverlayShowing      OverlayState = "showing"
	OverlayCountingDown OverlayState = "counting_down"
	OverlayDismissed    OverlayState = "dismissed"
	OverlayRedirected   OverlayState = "redirected"
)

// Sweep reports one sweep that removed at least one node.
type Sweep struct {
	ID         string         `json:"id"` // UUIDv7
	PageID     string         `json:"page_id"`
	PageURL    string         `json:"page_url"`
	Seq        uint64         `json:"seq"` // monotonically increasing per engine
	Trigger    Trigger        `json:"trigger"`
	Roots      int            `json:"roots"`
	Candidates int            `json:"candidates"`
	Removed    []policy.Match `json:"removed"`
	Errors     int            `json:"errors,omitempty"`
	Timestamp  int64          `json:"timestamp"` // epoch milliseconds
}

// Navigation reports one dispatched (non-duplicate) URL change.
type Navigation struct {
	ID        string `json:"id"`
	PageID    string `json:"page_id"`
	URL       string `json:"url"`
	Seq       uint64 `json:"seq"`
	Blocked   bool   `json:"blocked"`
	Rule      string `json:"rule,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Overlay reports one overlay state transition.
type Overlay struct {
	ID        string       `json:"id"`
	PageID    string       `json:"page_id"`
	PageURL   string       `json:"page_url"`
	Seq       uint64       `json:"seq"`
	State     OverlayState `json:"state"`
	Label     string       `json:"label,omitempty"`
	Redirect  string       `json:"redirect,omitempty"`
	Remaining int          `json:"remaining,omitempty"`
	Timestamp int64        `json:"timestamp"`
}

// NewID returns a time-ordered UUIDv7, falling back to v4.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// MarshalSweep serialises a Sweep to JSON.
func MarshalSweep(s *Sweep) ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalSweep deserialises a Sweep from JSON.
func UnmarshalSweep(data []byte) (*Sweep, error) {
	var s Sweep
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
