package guard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hazyhaar/shortsguard/bus"
	"github.com/hazyhaar/shortsguard/settings"
)

// ErrNoStore is returned by updateSettings on a Guard built without a store.
var ErrNoStore = errors.New("guard: no settings store")

// registerHandlers installs the background side of the bus.
func (g *Guard) registerHandlers() {
	g.bus.Handle(bus.ActionGetSettings, g.handleGetSettings)
	g.bus.Handle(bus.ActionUpdateSettings, g.handleUpdateSettings)
}

func (g *Guard) handleGetSettings(ctx context.Context, _ []byte) ([]byte, error) {
	if g.store == nil {
		return json.Marshal(settings.Defaults.Resolve())
	}
	st, err := g.store.Get(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(st)
}

// handleUpdateSettings writes a partial update after applying the
// toggle-panel coupling, then tells the watched pages what moved.
func (g *Guard) handleUpdateSettings(ctx context.Context, payload []byte) ([]byte, error) {
	if g.store == nil {
		return nil, ErrNoStore
	}
	var msg bus.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("guard: updateSettings: decode: %w", err)
	}
	if len(msg.Settings) == 0 {
		return json.Marshal(bus.Ack{Success: true})
	}
	changes, err := g.store.Set(ctx, settings.Normalize(msg.Settings))
	if err != nil {
		return nil, err
	}
	if len(changes) > 0 {
		g.broadcast(ctx, changes)
	}
	return json.Marshal(bus.Ack{Success: true, Changes: changes})
}

// broadcast notifies every listening page on a watched site.
func (g *Guard) broadcast(ctx context.Context, ch settings.Changes) {
	n := g.bus.Broadcast(ctx, bus.Message{Action: bus.ActionSettingsChanged, Changes: ch}, g.table.Watched)
	g.logger.Debug("guard: settings broadcast", "keys", len(ch), "delivered", n)
}
