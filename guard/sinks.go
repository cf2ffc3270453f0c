package guard

import (
	"io"
	"log/slog"

	"github.com/hazyhaar/shortsguard/guard/internal/sink"
)

// Sink is the output interface for engine reports.
type Sink = sink.Sink

// NewStdoutSink creates a stdout JSON-lines sink. A nil w means os.Stdout.
func NewStdoutSink(w io.Writer) Sink {
	return sink.NewStdout(w)
}

// NewWebhookSink creates an asynchronous webhook POST sink with retry.
func NewWebhookSink(url string, logger *slog.Logger) Sink {
	return sink.NewWebhook(url, sink.WithWebhookLogger(logger))
}

// SweepFunc is called for each sweep that removed something.
type SweepFunc = sink.SweepFunc

// NavigationFunc is called for each observed navigation.
type NavigationFunc = sink.NavigationFunc

// OverlayFunc is called for each overlay state change.
type OverlayFunc = sink.OverlayFunc

// NewCallbackSink creates an in-process sink; nil funcs are skipped.
func NewCallbackSink(onSweep SweepFunc, onNavigation NavigationFunc, onOverlay OverlayFunc) Sink {
	return sink.NewCallback(onSweep, onNavigation, onOverlay)
}

// SinksFromConfig builds the configured sinks, stdout when none is named.
func SinksFromConfig(cfgs []SinkConfig, logger *slog.Logger) []Sink {
	var out []Sink
	for _, sc := range cfgs {
		switch sc.Type {
		case "stdout":
			out = append(out, NewStdoutSink(nil))
		case "webhook":
			out = append(out, NewWebhookSink(sc.URL, logger))
		}
	}
	if len(out) == 0 {
		out = append(out, NewStdoutSink(nil))
	}
	return out
}
