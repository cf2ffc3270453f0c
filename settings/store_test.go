package settings

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func openMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_SeedKeepsExisting(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()

	if _, err := s.Set(ctx, Settings{BlockYouTubeShorts: false}); err != nil {
		t.Fatal(err)
	}
	if err := s.Seed(ctx, Defaults); err != nil {
		t.Fatal(err)
	}
	if err := s.Seed(ctx, Defaults); err != nil {
		t.Fatalf("second seed: %v", err)
	}
	got, err := s.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got[BlockYouTubeShorts] {
		t.Error("seed overwrote a stored value")
	}
	if !got[BlockInstagramReels] || got[BlockInstagramCompletely] {
		t.Errorf("seeded defaults: %v", got)
	}
}

func TestStore_GetUnsetUsesDefaults(t *testing.T) {
	s := openMemory(t)
	got, err := s.Get(context.Background(), BlockYouTubeShorts, DetectVerticalVideo)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || !got[BlockYouTubeShorts] || got[DetectVerticalVideo] {
		t.Errorf("get: %v", got)
	}
}

func TestStore_SetReportsOnlyDifferences(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	if err := s.Seed(ctx, Defaults); err != nil {
		t.Fatal(err)
	}
	v0, _ := s.Version(ctx)

	ch, err := s.Set(ctx, Settings{BlockYouTubeShorts: true, DetectVerticalVideo: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(ch) != 1 || !ch[DetectVerticalVideo].NewValue {
		t.Errorf("changes: %v", ch)
	}
	if c := ch[DetectVerticalVideo]; c.OldValue == nil || *c.OldValue {
		t.Errorf("old value: %+v", c)
	}
	v1, _ := s.Version(ctx)
	if v1 <= v0 {
		t.Errorf("version did not move: %d → %d", v0, v1)
	}

	ch, err = s.Set(ctx, Settings{DetectVerticalVideo: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(ch) != 0 {
		t.Errorf("no-op set reported %v", ch)
	}
	if v2, _ := s.Version(ctx); v2 != v1 {
		t.Error("no-op set bumped the version")
	}
}

func TestStore_WatchReportsExternalWritesOnce(t *testing.T) {
	s := openMemory(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Seed(ctx, Defaults); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var got []Changes
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Watch(ctx, WatchOptions{Interval: 10 * time.Millisecond}, func(ch Changes) {
			mu.Lock()
			got = append(got, ch)
			mu.Unlock()
		})
	}()

	// An in-process write is already known to the store.
	if _, err := s.Set(ctx, Settings{DetectVerticalVideo: true}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(60 * time.Millisecond)

	// Another writer, bypassing Set.
	if _, err := s.DB.ExecContext(ctx,
		`UPDATE settings SET value = 0, updated_at = updated_at + 100000 WHERE key = ?`,
		BlockYouTubeShorts); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("notifications: got %d (%v)", len(got), got)
	}
	c, ok := got[0][BlockYouTubeShorts]
	if !ok || c.NewValue || len(got[0]) != 1 {
		t.Errorf("external change: %v", got[0])
	}
	if Stats().Notifications == 0 {
		t.Error("stats not updated")
	}
}

func TestRunTx_RetriesOnlyBusy(t *testing.T) {
	s := openMemory(t)
	calls := 0
	err := runTx(context.Background(), s.DB, func(*sql.Tx) error {
		calls++
		return errors.New("database is locked")
	})
	if err == nil || calls != maxRetries {
		t.Errorf("busy: err %v calls %d", err, calls)
	}

	calls = 0
	err = runTx(context.Background(), s.DB, func(*sql.Tx) error {
		calls++
		return errors.New("constraint failed")
	})
	if err == nil || calls != 1 {
		t.Errorf("other error: err %v calls %d", err, calls)
	}
}
