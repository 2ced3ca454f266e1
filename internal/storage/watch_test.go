package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
)

// waitFor reads events until one matches op and key.
func waitFor(t *testing.T, w *Watcher, op EventOp, key ...string) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-w.Events():
			if !ok {
				t.Fatalf("watcher closed while waiting for %s %v", op, key)
			}
			if e.Op == op && slices.Equal(e.Key, key) {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s %v", op, key)
		}
	}
}

func TestWatch(t *testing.T) {
	ctx := t.Context()
	s := newTestStore(t)
	c := openTest[task](t, s)
	if _, err := c.Write(ctx, &task{Project: taskKey{Org: "acme", Name: "old"}, Number: 1}); err != nil {
		t.Fatal(err)
	}
	w, err := c.Watch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if err := w.Close(); err != nil {
			t.Error(err)
		}
	}()

	// Records present before the watch are known, so they update.
	v, err := c.Write(ctx, &task{Project: taskKey{Org: "acme", Name: "old"}, Number: 1, Title: "again"})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, w, EventUpdated, "acme", "old", "1")

	if _, err := c.Write(ctx, &task{Project: taskKey{Org: "beta", Name: "new"}, Number: 7}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, w, EventCreated, "beta", "new", "7")

	// Changes from outside the store are reported too.
	dir, _ := c.Location(Key{"acme", "old", 1})
	data, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "meta.json"), data, 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, w, EventUpdated, "acme", "old", "1")

	if _, err := c.Delete(ctx, Key{v.Project, v.Number}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, w, EventDeleted, "acme", "old", "1")
}

func TestWatchClose(t *testing.T) {
	s := newTestStore(t)
	w, err := s.Watch(t.Context(), "empty")
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, ok := <-w.Events(); ok {
		t.Error("events channel still open")
	}

	// Cancelling the context alone releases the file watcher.
	before := runtime.NumGoroutine()
	for range 10 {
		ctx, cancel := context.WithCancel(t.Context())
		w, err := s.Watch(ctx, "empty")
		if err != nil {
			t.Fatal(err)
		}
		cancel()
		for range w.Events() {
		}
		if err := w.fw.Add(s.Root()); !errors.Is(err, fsnotify.ErrClosed) {
			t.Errorf("file watcher still open after cancel: %v", err)
		}
		if err := w.Close(); err != nil {
			t.Errorf("Close after cancel: %v", err)
		}
	}
	for deadline := time.Now().Add(5 * time.Second); runtime.NumGoroutine() > before; {
		if time.Now().After(deadline) {
			t.Fatalf("goroutines leaked: %d > %d", runtime.NumGoroutine(), before)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if got := EventDeleted.String(); got != "deleted" {
		t.Errorf("String = %q", got)
	}
}
