// Reports record changes observed on disk.

package storage

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// EventOp is the kind of change of a record.
type EventOp int

const (
	// EventCreated is sent when a record appears.
	EventCreated EventOp = iota + 1
	// EventUpdated is sent when a record is rewritten.
	EventUpdated
	// EventDeleted is sent when a record is removed.
	EventDeleted
)

func (o EventOp) String() string {
	switch o {
	case EventCreated:
		return "created"
	case EventUpdated:
		return "updated"
	case EventDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("EventOp(%d)", int(o))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (o EventOp) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Event is a change of one record, observed on disk. Changes made by other
// processes are reported too.
type Event struct {
	Op         EventOp  `json:"op"`
	Collection string   `json:"collection"`
	Key        []string `json:"key"`
}

// Watcher reports changes to the records of one collection.
type Watcher struct {
	fw         *fsnotify.Watcher
	root       string
	collection string
	metaFile   string
	known      map[string]bool
	events     chan Event
	done       chan struct{}
	wg         sync.WaitGroup
	closeOnce  sync.Once
	closeErr   error
}

// Watch starts watching a collection. The watcher stops when ctx is done or
// Close is called; Events is closed then.
func (s *Store) Watch(ctx context.Context, collection string) (*Watcher, error) {
	dir := s.collectionDir(collection)
	if err := os.MkdirAll(dir, 0o755); err != nil { //nolint:gosec // G301: 0o755 is intentional for data directories
		return nil, fmt.Errorf("failed to create collection directory: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	w := &Watcher{
		fw:         fw,
		root:       dir,
		collection: collection,
		metaFile:   s.metaFile(),
		known:      make(map[string]bool),
		events:     make(chan Event, 64),
		done:       make(chan struct{}),
	}
	if err := w.addTree(ctx, dir, false); err != nil {
		_ = fw.Close()
		return nil, err
	}
	w.wg.Add(1)
	go w.loop(ctx)
	return w, nil
}

// Watch starts watching the collection.
func (c *Collection[T]) Watch(ctx context.Context) (*Watcher, error) {
	return c.t.s.Watch(ctx, c.Name())
}

// Events returns the change stream.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Close stops the watcher. It is safe to call after ctx is done.
func (w *Watcher) Close() error {
	w.closeOnce.Do(func() { close(w.done) })
	w.wg.Wait()
	return w.closeErr
}

// loop owns fw; it releases it on exit, whichever of ctx or Close stopped it.
func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	defer close(w.events)
	defer func() { w.closeErr = w.fw.Close() }()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			w.handle(ctx, event)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			slog.WarnContext(ctx, "storage: watch error", "collection", w.collection, "err", err)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, event fsnotify.Event) {
	if w.ignored(event.Name) {
		return
	}
	isMeta := filepath.Base(event.Name) == w.metaFile
	switch {
	case event.Has(fsnotify.Create):
		if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
			// Files may have been written before the watch was added.
			if err := w.addTree(ctx, event.Name, true); err != nil {
				slog.WarnContext(ctx, "storage: failed to watch directory", "dir", event.Name, "err", err)
			}
			return
		}
		if isMeta {
			w.changed(ctx, event.Name)
		}
	case event.Has(fsnotify.Write):
		if isMeta {
			w.changed(ctx, event.Name)
		}
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		if isMeta {
			key := w.keyOf(event.Name)
			if id := strings.Join(key, "/"); w.known[id] {
				delete(w.known, id)
				w.emit(ctx, Event{Op: EventDeleted, Collection: w.collection, Key: key})
			}
		}
	}
}

func (w *Watcher) changed(ctx context.Context, path string) {
	key := w.keyOf(path)
	id := strings.Join(key, "/")
	op := EventUpdated
	if !w.known[id] {
		w.known[id] = true
		op = EventCreated
	}
	w.emit(ctx, Event{Op: op, Collection: w.collection, Key: key})
}

func (w *Watcher) emit(ctx context.Context, e Event) {
	select {
	case w.events <- e:
	case <-ctx.Done():
	case <-w.done:
	}
}

// addTree watches dir and its record subdirectories. Records found are
// remembered, and reported as created when emit is set.
func (w *Watcher) addTree(ctx context.Context, dir string, emit bool) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if path != w.root && w.ignored(path) {
				return filepath.SkipDir
			}
			if err := w.fw.Add(path); err != nil {
				return fmt.Errorf("failed to watch directory %s: %w", path, err)
			}
			return nil
		}
		if d.Name() != w.metaFile {
			return nil
		}
		key := w.keyOf(path)
		id := strings.Join(key, "/")
		if w.known[id] {
			return nil
		}
		w.known[id] = true
		if emit {
			w.emit(ctx, Event{Op: EventCreated, Collection: w.collection, Key: key})
		}
		return nil
	})
}

// ignored reports whether path is inside the index or a resources directory.
func (w *Watcher) ignored(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return true
	}
	for _, p := range strings.Split(filepath.ToSlash(rel), "/") {
		if p == resourcesDir || (strings.HasPrefix(p, ".") && p != ".") {
			return true
		}
	}
	return false
}

func (w *Watcher) keyOf(metaPath string) []string {
	rel, err := filepath.Rel(w.root, filepath.Dir(metaPath))
	if err != nil {
		return nil
	}
	return strings.Split(filepath.ToSlash(rel), "/")
}
