// Manages the identity counter and the id to key index of a collection.

package storage

import (
	"cmp"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	dberrors "github.com/maruel/fsdb/internal/errors"
)

const (
	counterFile = ".current"
	indexDir    = ".index"
	idsDir      = "ids"
	keysDir     = "keys"
)

// IndexRecord is one id to key binding.
type IndexRecord struct {
	ID  int64    `json:"id"`
	Key []string `json:"key"`
}

// Index owns the identity counter and the id<->key mapping of one collection.
//
// Next is serialized by an in-process mutex only; two processes sharing a
// collection can hand out the same identity.
type Index struct {
	root string
	mu   sync.Mutex
}

// indexes maps a cleaned absolute collection directory to its *Index, so all
// Stores of the process share one counter lock per collection.
var indexes sync.Map

// NewIndex returns the index of the collection directory root. Calls with the
// same directory return the same Index.
func NewIndex(root string) *Index {
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	root = filepath.Clean(root)
	if x, ok := indexes.Load(root); ok {
		return x.(*Index)
	}
	x, _ := indexes.LoadOrStore(root, &Index{root: root})
	return x.(*Index)
}

// Next advances the identity counter and returns the new value.
func (x *Index) Next() (int64, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.next()
}

// Assign draws the next identity and binds it to key in one step.
func (x *Index) Assign(key []string) (int64, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	id, err := x.next()
	if err != nil {
		return 0, err
	}
	return id, x.bind(id, key)
}

// Reserve binds id, supplied by a caller, to key. The id must not be bound to
// another key; the counter is advanced to at least id so Next never hands it
// out again.
func (x *Index) Reserve(id int64, key []string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if id <= 0 {
		return dberrors.Validation("identity must be positive, got %d", id)
	}
	idPath, _ := x.paths(id, key)
	data, err := os.ReadFile(idPath) //nolint:gosec // G304: path is built from the collection root
	switch {
	case err == nil:
		if bound := strings.Split(strings.TrimRight(string(data), "\n"), "\n"); !slices.Equal(bound, key) {
			return dberrors.Validation("identity %d is already bound to %s", id, strings.Join(bound, "/"))
		}
	case !os.IsNotExist(err):
		return dberrors.Storage("failed to read index", err)
	}
	cur, err := x.current()
	if err != nil {
		return err
	}
	if id > cur {
		if err := x.store(id); err != nil {
			return err
		}
	}
	return x.bind(id, key)
}

func (x *Index) next() (int64, error) {
	n, err := x.current()
	if err != nil {
		return 0, err
	}
	n++
	if err := x.store(n); err != nil {
		return 0, err
	}
	return n, nil
}

// current returns the counter value; the caller holds mu.
func (x *Index) current() (int64, error) {
	p := filepath.Join(x.root, counterFile)
	data, err := os.ReadFile(p) //nolint:gosec // G304: path is built from the collection root
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, dberrors.Storage("failed to read identity counter", err)
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, dberrors.Storage("corrupted identity counter "+p, err)
	}
	return n, nil
}

// store writes the counter; the caller holds mu.
func (x *Index) store(n int64) error {
	if err := os.MkdirAll(x.root, 0o755); err != nil { //nolint:gosec // G301: 0o755 is intentional for data directories
		return dberrors.Storage("failed to create collection directory", err)
	}
	if err := os.WriteFile(filepath.Join(x.root, counterFile), []byte(strconv.FormatInt(n, 10)), 0o644); err != nil { //nolint:gosec // G306: 0o644 is intentional for data files
		return dberrors.Storage("failed to write identity counter", err)
	}
	return nil
}

// Bind records the mapping in both directions.
func (x *Index) Bind(id int64, key []string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.bind(id, key)
}

func (x *Index) bind(id int64, key []string) error {
	idPath, keyPath := x.paths(id, key)
	for _, d := range []string{filepath.Dir(idPath), filepath.Dir(keyPath)} {
		if err := os.MkdirAll(d, 0o755); err != nil { //nolint:gosec // G301: 0o755 is intentional for data directories
			return dberrors.Storage("failed to create index directory", err)
		}
	}
	if err := os.WriteFile(idPath, []byte(strings.Join(key, "\n")+"\n"), 0o644); err != nil { //nolint:gosec // G306: 0o644 is intentional for data files
		return dberrors.Storage("failed to write index", err)
	}
	if err := os.WriteFile(keyPath, []byte(strconv.FormatInt(id, 10)), 0o644); err != nil { //nolint:gosec // G306: 0o644 is intentional for data files
		return dberrors.Storage("failed to write index", err)
	}
	return nil
}

// Unbind removes both index files. Missing files are ignored.
func (x *Index) Unbind(id int64, key []string) error {
	idPath, keyPath := x.paths(id, key)
	for _, p := range []string{idPath, keyPath} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return dberrors.Storage("failed to remove index", err)
		}
	}
	return nil
}

// Lookup returns the id bound to key.
func (x *Index) Lookup(key []string) (int64, bool, error) {
	_, keyPath := x.paths(0, key)
	data, err := os.ReadFile(keyPath) //nolint:gosec // G304: path is built from validated key components
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, dberrors.Storage("failed to read index", err)
	}
	id, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, false, dberrors.Storage("corrupted index "+keyPath, err)
	}
	return id, true, nil
}

// IDs enumerates every binding ordered by id. Unparsable entries are logged
// and skipped.
func (x *Index) IDs() ([]IndexRecord, error) {
	dir := filepath.Join(x.root, indexDir, idsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, dberrors.Storage("failed to list index", err)
	}
	out := make([]IndexRecord, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id, err := strconv.ParseInt(e.Name(), 10, 64)
		if err != nil {
			slog.Warn("storage: ignoring index entry", "dir", dir, "name", e.Name())
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name())) //nolint:gosec // G304: path is built from the index directory
		if err != nil {
			slog.Warn("storage: failed to read index entry", "dir", dir, "name", e.Name(), "error", err)
			continue
		}
		out = append(out, IndexRecord{ID: id, Key: strings.Split(strings.TrimRight(string(data), "\n"), "\n")})
	}
	slices.SortFunc(out, func(a, b IndexRecord) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// paths returns the id->key and key->id files.
func (x *Index) paths(id int64, key []string) (string, string) {
	base := filepath.Join(x.root, indexDir)
	return filepath.Join(base, idsDir, strconv.FormatInt(id, 10)),
		filepath.Join(base, keysDir, strings.Join(key, "_"))
}

// relIndexPaths returns the index files of a binding plus the counter, relative to
// the collection root.
func relIndexPaths(id int64, key []string) []string {
	return []string{
		counterFile,
		filepath.Join(indexDir, idsDir, strconv.FormatInt(id, 10)),
		filepath.Join(indexDir, keysDir, strings.Join(key, "_")),
	}
}
