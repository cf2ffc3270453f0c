package settings

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Store persists flags in SQLite. It is the only durable copy; engines
// never read it directly, they go through the message bus and a Cache.
type Store struct {
	DB     *sql.DB
	logger *slog.Logger

	// last is the snapshot most recently written or observed. Set and
	// Watch diff against it so an in-process write is reported once.
	mu   sync.Mutex
	last Settings
}

// Open opens (or creates) the settings database at path.
func Open(path string, logger *slog.Logger, opts ...Option) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := openDB(path, opts...)
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db, logger: logger}
	last, err := s.load(context.Background())
	if err != nil {
		db.Close()
		return nil, err
	}
	s.last = last
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.DB.Close()
}

// Seed writes defaults for every key that has never been stored. Existing
// values are left alone, so it is safe to call on every start.
func (s *Store) Seed(ctx context.Context, defaults Settings) error {
	err := runTx(ctx, s.DB, func(tx *sql.Tx) error {
		stamp, err := nextStamp(ctx, tx)
		if err != nil {
			return err
		}
		for _, k := range defaults.Keys() {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO settings (key, value, updated_at) VALUES (?, ?, ?)`,
				k, boolInt(defaults[k]), stamp); err != nil {
				return fmt.Errorf("settings: seed %s: %w", k, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.refresh(ctx)
}

// Get returns the requested keys (all known keys when none are given),
// using Defaults for keys that are unset.
func (s *Store) Get(ctx context.Context, keys ...string) (Settings, error) {
	stored, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return stored.Resolve(), nil
	}
	out := make(Settings, len(keys))
	for _, k := range keys {
		out[k] = stored.Enabled(k)
	}
	return out, nil
}

// Set writes the values in partial that differ from what is stored and
// returns exactly those transitions. An empty result means nothing changed.
func (s *Store) Set(ctx context.Context, partial Settings) (Changes, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changes Changes
	err := runTx(ctx, s.DB, func(tx *sql.Tx) error {
		current, err := loadTx(ctx, tx)
		if err != nil {
			return err
		}
		changes = partial.Diff(current)
		if len(changes) == 0 {
			return nil
		}
		stamp, err := nextStamp(ctx, tx)
		if err != nil {
			return err
		}
		for k, c := range changes {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
				ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
				k, boolInt(c.NewValue), stamp); err != nil {
				return fmt.Errorf("settings: set %s: %w", k, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(changes) > 0 {
		s.last = s.last.Merge(changes)
		s.logger.Info("settings: updated", "keys", len(changes))
	}
	return changes, nil
}

// Version returns the current change stamp (0 for an empty table).
func (s *Store) Version(ctx context.Context) (int64, error) {
	var v int64
	err := s.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(updated_at), 0) FROM settings`).Scan(&v)
	return v, err
}

// refresh reloads the stored snapshot and returns what changed since the
// last one the store knew about.
func (s *Store) refresh(ctx context.Context) error {
	_, err := s.pull(ctx)
	return err
}

func (s *Store) pull(ctx context.Context) (Changes, error) {
	// Held across the read so a concurrent Set cannot slip in between
	// load and diff.
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	ch := cur.Diff(s.last)
	s.last = cur
	return ch, nil
}

func (s *Store) load(ctx context.Context) (Settings, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("settings: query: %w", err)
	}
	return scanSettings(rows)
}

func loadTx(ctx context.Context, tx *sql.Tx) (Settings, error) {
	rows, err := tx.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("settings: query: %w", err)
	}
	return scanSettings(rows)
}

func scanSettings(rows *sql.Rows) (Settings, error) {
	defer rows.Close()
	out := make(Settings)
	for rows.Next() {
		var k string
		var v int
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("settings: scan: %w", err)
		}
		out[k] = v != 0
	}
	return out, rows.Err()
}

// nextStamp returns a version stamp strictly greater than any stored one.
func nextStamp(ctx context.Context, tx *sql.Tx) (int64, error) {
	var maxStamp int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(updated_at), 0) FROM settings`).Scan(&maxStamp); err != nil {
		return 0, fmt.Errorf("settings: stamp: %w", err)
	}
	now := time.Now().UnixMilli()
	if now <= maxStamp {
		now = maxStamp + 1
	}
	return now, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
