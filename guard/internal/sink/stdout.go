package sink

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/hazyhaar/shortsguard/guard/event"
)

// Stdout writes JSON lines to an io.Writer (default os.Stdout).
type Stdout struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewStdout creates a Stdout sink. If w is nil, os.Stdout is used.
func NewStdout(w io.Writer) *Stdout {
	if w == nil {
		w = os.Stdout
	}
	return &Stdout{enc: json.NewEncoder(w)}
}

func (s *Stdout) write(typ string, data any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(envelope{Type: typ, Data: data})
}

func (s *Stdout) SendSweep(_ context.Context, e event.Sweep) error {
	return s.write("sweep", e)
}

func (s *Stdout) SendNavigation(_ context.Context, e event.Navigation) error {
	return s.write("navigation", e)
}

func (s *Stdout) SendOverlay(_ context.Context, e event.Overlay) error {
	return s.write("overlay", e)
}

func (s *Stdout) Close() error { return nil }

type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}
