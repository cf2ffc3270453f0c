// Command shortsguard keeps Shorts and Reels out of the pages of a Chrome
// it drives.
//
// Usage:
//
//	shortsguard -config shortsguard.yaml              # filter pages from YAML config
//	shortsguard -url https://www.youtube.com/         # open and filter a single page
//	shortsguard -filter https://www.youtube.com/      # static filter, print cleaned HTML
//	shortsguard -get                                  # print stored settings
//	shortsguard -set blockInstagramCompletely=true    # update settings
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/shortsguard/guard"
	"github.com/hazyhaar/shortsguard/settings"
)

type options struct {
	configPath string
	singleURL  string
	dbPath     string
	rulesPath  string
	httpAddr   string
	filterURL  string
	get        bool
	set        string
}

func main() {
	var o options
	flag.StringVar(&o.configPath, "config", "", "path to shortsguard.yaml config file")
	flag.StringVar(&o.singleURL, "url", "", "open and filter a single URL")
	flag.StringVar(&o.dbPath, "db", "", "settings database (overrides config)")
	flag.StringVar(&o.rulesPath, "rules", "", "rules.yaml (overrides the embedded table)")
	flag.StringVar(&o.httpAddr, "http", "", "serve the settings bus on this address")
	flag.StringVar(&o.filterURL, "filter", "", "fetch URL, filter it without a browser and print the result")
	flag.BoolVar(&o.get, "get", false, "print the stored settings and exit")
	flag.StringVar(&o.set, "set", "", "update settings: key=bool[,key=bool...]")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, o, os.Stdout); err != nil {
		logger.Error("shortsguard: fatal", "error", err)
		os.Exit(1)
	}
}

var errUsage = errors.New("usage: shortsguard -config <file> | -url <url> | -filter <url> | -get | -set k=v,...")

func run(ctx context.Context, logger *slog.Logger, o options, out io.Writer) error {
	cfg, err := loadConfig(o)
	if err != nil {
		return err
	}

	switch {
	case o.filterURL != "":
		return runFilter(ctx, logger, cfg, o.filterURL, out)
	case o.get:
		return withStore(cfg, logger, func(st *settings.Store) error {
			return runGet(ctx, st, out)
		})
	case o.set != "":
		return withStore(cfg, logger, func(st *settings.Store) error {
			return runSet(ctx, st, o.set, out)
		})
	case o.singleURL != "":
		cfg.Pages = []guard.PageConfig{{ID: "page-1", URL: o.singleURL}}
		return runDaemon(ctx, logger, cfg)
	case o.configPath != "":
		return runDaemon(ctx, logger, cfg)
	}
	return errUsage
}

func loadConfig(o options) (*guard.Config, error) {
	cfg := guard.DefaultConfig()
	if o.configPath != "" {
		c, err := guard.LoadConfigFile(o.configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = c
	}
	if o.dbPath != "" {
		cfg.Settings.DB = o.dbPath
	}
	if o.rulesPath != "" {
		cfg.Rules = o.rulesPath
	}
	if o.httpAddr != "" {
		cfg.HTTP.Listen = o.httpAddr
	}
	return cfg, cfg.Validate()
}

func withStore(cfg *guard.Config, logger *slog.Logger, fn func(*settings.Store) error) error {
	st, err := settings.Open(cfg.Settings.DB, logger, settings.WithMkdirAll())
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(st)
}

func runDaemon(ctx context.Context, logger *slog.Logger, cfg *guard.Config) error {
	return withStore(cfg, logger, func(st *settings.Store) error {
		g, err := guard.New(cfg, st, logger, guard.SinksFromConfig(cfg.Sinks, logger)...)
		if err != nil {
			return err
		}
		defer g.Stop()
		if err := g.Start(ctx); err != nil {
			return fmt.Errorf("start: %w", err)
		}
		<-ctx.Done()
		return nil
	})
}

func runFilter(ctx context.Context, logger *slog.Logger, cfg *guard.Config, target string, out io.Writer) error {
	// Read-only use of the store: a missing database means defaults.
	var st *settings.Store
	if _, err := os.Stat(cfg.Settings.DB); err == nil {
		if st, err = settings.Open(cfg.Settings.DB, logger); err != nil {
			return err
		}
		defer st.Close()
	}
	g, err := guard.New(cfg, st, logger)
	if err != nil {
		return err
	}
	defer g.Stop()

	res, err := g.Filter(ctx, target)
	if err != nil {
		return err
	}
	if res.Blocked {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	logger.Info("shortsguard: filtered", "url", res.URL, "removed", len(res.Removed), "sufficient", res.Sufficient)
	_, err = io.WriteString(out, res.HTML)
	return err
}

func runGet(ctx context.Context, st *settings.Store, out io.Writer) error {
	vals, err := st.Get(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(vals)
}

func runSet(ctx context.Context, st *settings.Store, spec string, out io.Writer) error {
	partial, err := parseAssignments(spec)
	if err != nil {
		return err
	}
	if err := st.Seed(ctx, settings.Defaults); err != nil {
		return err
	}
	changes, err := st.Set(ctx, settings.Normalize(partial))
	if err != nil {
		return err
	}
	return json.NewEncoder(out).Encode(changes)
}

// parseAssignments reads "key=bool,key=bool".
func parseAssignments(spec string) (settings.Settings, error) {
	out := make(settings.Settings)
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("set: %q: want key=bool", part)
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("set: %q: %w", part, err)
		}
		out[k] = b
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("set: no assignments")
	}
	return out, nil
}
