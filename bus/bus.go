// Package bus is the message channel between the background context that
// owns the settings store and the per-page engines.
//
// Two patterns run over it: request/response by action name
// (getSettings, updateSettings), and a fire-and-forget broadcast
// (settingsChanged) delivered to every listening page whose URL matches.
//
//	r := bus.New()
//	r.Handle(bus.ActionGetSettings, getSettings)
//	unlisten := r.Listen(pageID, page.URL, engine.OnMessage)
//	r.Broadcast(ctx, bus.Message{Action: bus.ActionSettingsChanged, Changes: ch}, watched)
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/hazyhaar/shortsguard/settings"
)

// Action names carried in Message.Action.
const (
	ActionGetSettings     = "getSettings"
	ActionUpdateSettings  = "updateSettings"
	ActionSettingsChanged = "settingsChanged"
)

// Message is the envelope exchanged on the bus.
type Message struct {
	Action   string            `json:"action"`
	Settings settings.Settings `json:"settings,omitempty"`
	Changes  settings.Changes  `json:"changes,omitempty"`
}

// Ack is the response to an update request.
type Ack struct {
	Success bool             `json:"success"`
	Changes settings.Changes `json:"changes,omitempty"`
}

// Handler serves one request/response action: bytes in, bytes out.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// Listener receives broadcast notifications for one page context.
type Listener func(ctx context.Context, msg Message) error

type listener struct {
	url func() string
	fn  Listener
}

// Router dispatches requests to handlers and broadcasts to listeners.
// Safe for concurrent use.
type Router struct {
	mu        sync.RWMutex
	handlers  map[string]Handler
	listeners map[string]listener
	wrap      HandlerMiddleware
	logger    *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithMiddleware wraps every handler registered after construction.
func WithMiddleware(mws ...HandlerMiddleware) Option {
	return func(r *Router) { r.wrap = Chain(mws...) }
}

// New creates an empty Router.
func New(opts ...Option) *Router {
	r := &Router{
		handlers:  make(map[string]Handler),
		listeners: make(map[string]listener),
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handle registers h for action, replacing any previous handler.
func (r *Router) Handle(action string, h Handler) {
	if r.wrap != nil {
		h = r.wrap(h)
	}
	r.mu.Lock()
	r.handlers[action] = h
	r.mu.Unlock()
}

// Actions returns the registered action names, sorted.
func (r *Router) Actions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for a := range r.handlers {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Call dispatches payload to the handler for action.
func (r *Router) Call(ctx context.Context, action string, payload []byte) ([]byte, error) {
	r.mu.RLock()
	h := r.handlers[action]
	r.mu.RUnlock()
	if h == nil {
		return nil, &ErrActionNotFound{Action: action}
	}
	return h(ctx, payload)
}

// Request marshals msg, dispatches it by msg.Action and returns the raw
// response.
func (r *Router) Request(ctx context.Context, msg Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("bus: marshal %s: %w", msg.Action, err)
	}
	return r.Call(ctx, msg.Action, payload)
}

// GetSettings performs the getSettings round-trip.
func (r *Router) GetSettings(ctx context.Context) (settings.Settings, error) {
	resp, err := r.Request(ctx, Message{Action: ActionGetSettings})
	if err != nil {
		return nil, err
	}
	var s settings.Settings
	if err := json.Unmarshal(resp, &s); err != nil {
		return nil, fmt.Errorf("bus: decode settings: %w", err)
	}
	return s, nil
}

// UpdateSettings performs the updateSettings round-trip.
func (r *Router) UpdateSettings(ctx context.Context, partial settings.Settings) (*Ack, error) {
	resp, err := r.Request(ctx, Message{Action: ActionUpdateSettings, Settings: partial})
	if err != nil {
		return nil, err
	}
	var ack Ack
	if err := json.Unmarshal(resp, &ack); err != nil {
		return nil, fmt.Errorf("bus: decode ack: %w", err)
	}
	return &ack, nil
}

// Listen registers fn under id. url reports the page's current URL and is
// consulted on every broadcast. The returned func removes the listener.
func (r *Router) Listen(id string, url func() string, fn Listener) (unlisten func()) {
	r.mu.Lock()
	r.listeners[id] = listener{url: url, fn: fn}
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

// Broadcast delivers msg to every listener whose URL satisfies match (all
// listeners when match is nil). Delivery is fire-and-forget: a failing or
// panicking listener is logged and skipped, nothing is retried, and the
// number of successful deliveries is returned.
func (r *Router) Broadcast(ctx context.Context, msg Message, match func(url string) bool) int {
	r.mu.RLock()
	targets := make(map[string]listener, len(r.listeners))
	for id, l := range r.listeners {
		targets[id] = l
	}
	r.mu.RUnlock()

	delivered := 0
	for id, l := range targets {
		if match != nil && !match(l.url()) {
			continue
		}
		if err := r.deliver(ctx, l, msg); err != nil {
			r.logger.DebugContext(ctx, "bus: delivery dropped",
				"listener", id, "action", msg.Action, "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

func (r *Router) deliver(ctx context.Context, l listener, msg Message) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &ErrPanic{Value: v}
		}
	}()
	return l.fn(ctx, msg)
}
