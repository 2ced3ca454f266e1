// Package storage persists typed records as directory trees of plain files.
//
// Storage model: each collection is a directory named after the record type's
// entity tag, prefixed with '@'. Each record lives in a directory addressed by
// its key components:
//
//	root/@<collection>/<key1>/.../<keyN>/meta.<ext>
//	root/@<collection>/<key1>/.../<keyN>/@resources/...
//	root/@<collection>/.current
//	root/@<collection>/.index/{ids,keys}/...
//
// Records are typed through [Collection]. Writes use optimistic concurrency on
// the record's revision field; identities come from a per-collection counter.
// When a git repository is attached every mutation is committed.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/maruel/fsdb/internal/codec"
	dberrors "github.com/maruel/fsdb/internal/errors"
	"github.com/maruel/fsdb/internal/schema"
	"github.com/maruel/fsdb/internal/storage/git"
	"github.com/maruel/fsdb/internal/storage/query"
)

const (
	collectionPrefix = "@"
	metaBase         = "meta"
	resourcesDir     = "@resources"
	keepFile         = ".keep"
)

// Key addresses a record within its collection. Values are primitives or
// values of a type declaring key fields, which are expanded in place.
type Key []any

// Store is the root of a set of collections.
type Store struct {
	root    string
	ser     *codec.Serializer
	repo    git.Repository
	metrics *Metrics
	cache   *Cache
}

// Option configures a Store.
type Option func(*Store)

// WithSerializer sets the record codec. The default is JSON.
func WithSerializer(ser *codec.Serializer) Option {
	return func(s *Store) { s.ser = ser }
}

// WithRepository commits every mutation to r. r's directory must contain the
// store root.
func WithRepository(r git.Repository) Option {
	return func(s *Store) { s.repo = r }
}

// WithMetrics records operation counts and latencies.
func WithMetrics(m *Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithCache serves repeated reads of unchanged records from c.
func WithCache(c *Cache) Option {
	return func(s *Store) { s.cache = c }
}

// New returns a Store rooted at root, creating the directory.
func New(root string, opts ...Option) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("invalid root %q: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil { //nolint:gosec // G301: 0o755 is intentional for data directories
		return nil, dberrors.Storage("failed to create root directory", err)
	}
	s := &Store{root: abs}
	for _, o := range opts {
		o(s)
	}
	if s.ser == nil {
		s.ser = codec.New(codec.JSON{})
	}
	return s, nil
}

// Root returns the absolute root directory.
func (s *Store) Root() string {
	return s.root
}

// Serializer returns the record codec.
func (s *Store) Serializer() *codec.Serializer {
	return s.ser
}

// Repository returns the attached repository, nil when versioning is off.
func (s *Store) Repository() git.Repository {
	return s.repo
}

// Index returns the index of a collection. Every Store rooted at the same
// directory shares it.
func (s *Store) Index(collection string) *Index {
	return NewIndex(s.collectionDir(collection))
}

// Collections lists the collection names present on disk.
func (s *Store) Collections() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, dberrors.Storage("failed to list collections", err)
	}
	var out []string
	for _, e := range entries {
		if name, ok := strings.CutPrefix(e.Name(), collectionPrefix); ok && e.IsDir() && name != "" {
			out = append(out, name)
		}
	}
	return out, nil
}

// Documents lists the raw decoded records of a collection by name, without a
// Go type. Wrapped records are unwrapped to their payload.
func (s *Store) Documents(ctx context.Context, collection string, p *query.Params) (_ []any, err error) {
	defer s.metrics.observe(collection, "documents", time.Now(), &err)
	recs, err := s.Index(collection).IDs()
	if err != nil {
		return nil, err
	}
	docs := make([]any, 0, len(recs))
	for _, r := range recs {
		path := filepath.Join(append([]string{s.collectionDir(collection)}, r.Key...)...)
		path = filepath.Join(path, s.metaFile())
		var doc any
		if err := s.ser.ReadFile(path, &doc); err != nil {
			slog.WarnContext(ctx, "storage: skipping unreadable record", "collection", collection, "id", r.ID, "key", r.Key, "error", err)
			continue
		}
		docs = append(docs, unwrapEnvelope(doc))
	}
	return query.Apply(docs, p), nil
}

func unwrapEnvelope(doc any) any {
	m, ok := doc.(map[string]any)
	if !ok || len(m) != 2 {
		return doc
	}
	if _, ok := m["type"].(string); !ok {
		return doc
	}
	if payload, ok := m["payload"]; ok {
		return payload
	}
	return doc
}

func (s *Store) collectionDir(collection string) string {
	return filepath.Join(s.root, collectionPrefix+collection)
}

func (s *Store) metaFile() string {
	return metaBase + "." + s.ser.Ext()
}

// mutate runs fn, inside a git commit when versioning is enabled. fn returns
// the commit message and the touched paths relative to the store root.
func (s *Store) mutate(ctx context.Context, fn func() (string, []string, error)) error {
	if s.repo == nil {
		_, _, err := fn()
		return err
	}
	return s.repo.CommitTx(ctx, git.AuthorFrom(ctx), func() (string, []string, error) {
		msg, files, err := fn()
		if err != nil {
			return "", nil, err
		}
		return msg, s.repoPaths(files), nil
	})
}

// History returns up to n commits that touched a record of a collection,
// newest first. It requires a repository.
func (s *Store) History(ctx context.Context, collection string, key []string, n int) ([]*git.Commit, error) {
	if s.repo == nil {
		return nil, dberrors.Validation("%s: versioning is not enabled", collection)
	}
	for _, k := range key {
		if err := schema.ValidateComponent(k); err != nil {
			return nil, err
		}
	}
	rel := filepath.Join(append([]string{collectionPrefix + collection}, key...)...)
	return s.repo.GetHistory(ctx, s.repoPath(rel), n)
}

func (s *Store) repoPath(rel string) string {
	p := s.repoPaths([]string{rel})
	if len(p) == 0 {
		return rel
	}
	return filepath.ToSlash(p[0])
}

// repoPaths converts store relative paths to repository relative paths.
func (s *Store) repoPaths(files []string) []string {
	base, err := filepath.Abs(s.repo.Dir())
	if err != nil || base == s.root {
		return files
	}
	out := make([]string, 0, len(files))
	for _, f := range files {
		rel, err := filepath.Rel(base, filepath.Join(s.root, f))
		if err != nil {
			continue
		}
		out = append(out, rel)
	}
	return out
}

// table is the untyped engine behind Collection.
type table struct {
	s   *Store
	m   *schema.Metadata
	idx *Index
	dir string
}

func (s *Store) table(m *schema.Metadata) (*table, error) {
	if m.Wrapped {
		if err := s.ser.Register(m.Collection, reflect.New(m.Type).Interface()); err != nil {
			return nil, err
		}
	}
	return &table{s: s, m: m, idx: s.Index(m.Collection), dir: s.collectionDir(m.Collection)}, nil
}

func (t *table) location(key []string) string {
	return filepath.Join(append([]string{t.dir}, key...)...)
}

func (t *table) metaPath(key []string) string {
	return filepath.Join(t.location(key), t.s.metaFile())
}

// rel returns the record directory relative to the store root.
func (t *table) rel(key []string) string {
	return filepath.Join(append([]string{collectionPrefix + t.m.Collection}, key...)...)
}

func (t *table) relIndex(id int64, key []string) []string {
	paths := relIndexPaths(id, key)
	for i, p := range paths {
		paths[i] = filepath.Join(collectionPrefix+t.m.Collection, p)
	}
	return paths
}

func (t *table) name(key []string) string {
	return t.m.Collection + "/" + strings.Join(key, "/")
}

func (t *table) exists(key []string) (bool, error) {
	if _, err := os.Stat(t.metaPath(key)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, dberrors.Storage("failed to stat "+t.name(key), err)
	}
	return true, nil
}

// read returns a pointer to the stored record.
func (t *table) read(key []string) (reflect.Value, error) {
	data, err := t.s.readRecord(t.metaPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return reflect.Value{}, dberrors.NotFound(t.name(key)).WithDetail("collection", t.m.Collection)
		}
		return reflect.Value{}, dberrors.Storage("failed to read "+t.name(key), err)
	}
	return t.decode(data)
}

func (t *table) decode(data []byte) (reflect.Value, error) {
	if t.m.Wrapped {
		v, err := t.s.ser.DecodeWrapped(data)
		if err != nil {
			return reflect.Value{}, err
		}
		rv := reflect.ValueOf(v)
		if rv.Type() != reflect.PointerTo(t.m.Type) {
			return reflect.Value{}, dberrors.Validation("%s: stored payload is %T, expected %v", t.m.Collection, v, t.m.Type)
		}
		return rv, nil
	}
	rv := reflect.New(t.m.Type)
	if err := t.s.ser.Decode(data, rv.Interface()); err != nil {
		return reflect.Value{}, err
	}
	return rv, nil
}

func (t *table) persist(key []string, rv reflect.Value) error {
	path := t.metaPath(key)
	t.s.cache.invalidate(path)
	var err error
	if t.m.Wrapped {
		err = t.s.ser.WriteWrapped(path, rv.Interface())
	} else {
		err = t.s.ser.WriteFile(path, rv.Interface())
	}
	if err != nil {
		return err
	}
	keep := filepath.Join(t.location(key), resourcesDir, keepFile)
	if _, err := os.Stat(keep); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(keep), 0o755); err != nil { //nolint:gosec // G301: 0o755 is intentional for data directories
			return dberrors.Storage("failed to create resources directory", err)
		}
		if err := os.WriteFile(keep, nil, 0o644); err != nil { //nolint:gosec // G306: 0o644 is intentional for data files
			return dberrors.Storage("failed to create resources marker", err)
		}
	}
	return nil
}

// write runs the write protocol on rv, a pointer to the record, and returns
// the record key and the touched paths.
func (t *table) write(rv reflect.Value) ([]string, []string, error) {
	key, err := t.m.Key(rv)
	if err != nil {
		return nil, nil, err
	}
	ev := rv.Elem()
	exists, err := t.exists(key)
	if err != nil {
		return nil, nil, err
	}

	var old reflect.Value
	var baseline int64
	if exists {
		if old, err = t.read(key); err != nil {
			return nil, nil, err
		}
		if t.m.Revision != nil {
			baseline, _ = schema.Int(t.m.Revision.Value(old.Elem()))
		}
	}

	// The revision gate runs before v is modified, so a rejected write leaves
	// it untouched.
	var rev int64
	if r := t.m.Revision; r != nil {
		if cur, ok := schema.Int(r.Value(ev)); ok {
			if cur < baseline {
				return nil, nil, dberrors.Conflict().
					WithDetail("collection", t.m.Collection).
					WithDetail("revision", cur).
					WithDetail("stored", baseline)
			}
			rev = baseline + 1
		}
	}

	files := []string{t.rel(key)}
	if exists {
		// Identity and creation time are immutable once stored.
		oe := old.Elem()
		if t.m.ID != nil {
			t.m.ID.Value(ev).Set(t.m.ID.Value(oe))
		}
		for _, f := range t.m.Created {
			f.Value(ev).Set(f.Value(oe))
		}
	} else {
		id, err := t.bindID(ev, key)
		if err != nil {
			return nil, nil, err
		}
		if err := os.MkdirAll(t.location(key), 0o755); err != nil { //nolint:gosec // G301: 0o755 is intentional for data directories
			return nil, nil, dberrors.Storage("failed to create "+t.name(key), err)
		}
		for _, f := range t.m.Created {
			if fv := f.Value(ev); schema.IsNull(fv) {
				v, err := f.Init()
				if err != nil {
					return nil, nil, err
				}
				fv.Set(v)
			}
		}
		files = append(files, t.relIndex(id, key)...)
	}

	if r := t.m.Revision; r != nil {
		schema.SetInt(r.Value(ev), rev)
	}
	for _, f := range t.m.Changed {
		v, err := f.Init()
		if err != nil {
			return nil, nil, err
		}
		f.Value(ev).Set(v)
	}

	if err := t.persist(key, rv); err != nil {
		return nil, nil, err
	}
	return key, files, nil
}

// bindID binds a new record and returns its identity, drawing from the
// counter when the record carries none. A caller supplied id is reserved: it
// must be free, and the counter moves past it. Records without an id field
// are bound too, so that they are listed.
func (t *table) bindID(ev reflect.Value, key []string) (int64, error) {
	if t.m.ID == nil {
		id, ok, err := t.idx.Lookup(key)
		if err != nil {
			return 0, err
		}
		if ok {
			return id, t.idx.Bind(id, key)
		}
		return t.idx.Assign(key)
	}
	fv := t.m.ID.Value(ev)
	if !schema.IsNull(fv) {
		id, _ := schema.Int(fv)
		return id, t.idx.Reserve(id, key)
	}
	id, err := t.idx.Assign(key)
	if err != nil {
		return 0, err
	}
	schema.SetInt(fv, id)
	return id, nil
}

// touch rewrites the stored record so its audit fields and revision advance.
func (t *table) touch(key []string) ([]string, error) {
	rv, err := t.read(key)
	if err != nil {
		return nil, err
	}
	_, files, err := t.write(rv)
	return files, err
}

// remove deletes the record directory and its index entries. It returns the
// previous record, or an invalid Value when there was none.
func (t *table) remove(ctx context.Context, key []string) (reflect.Value, []string, error) {
	exists, err := t.exists(key)
	if err != nil || !exists {
		return reflect.Value{}, nil, err
	}
	old, err := t.read(key)
	if err != nil {
		// A corrupted record can still be deleted.
		slog.WarnContext(ctx, "storage: deleting unreadable record", "collection", t.m.Collection, "key", key, "error", err)
		old = reflect.Value{}
	}
	var id int64
	found := false
	if old.IsValid() && t.m.ID != nil {
		id, found = schema.Int(t.m.ID.Value(old.Elem()))
		found = found && id != 0
	}
	if !found {
		if id, found, err = t.idx.Lookup(key); err != nil {
			return reflect.Value{}, nil, err
		}
	}
	dir := t.location(key)
	t.s.cache.invalidate(dir)
	if err := os.RemoveAll(dir); err != nil {
		return reflect.Value{}, nil, dberrors.Storage("failed to delete "+t.name(key), err)
	}
	// Prune now empty parent key directories.
	for d := filepath.Dir(dir); d != t.dir && strings.HasPrefix(d, t.dir); d = filepath.Dir(d) {
		if err := os.Remove(d); err != nil {
			break
		}
	}
	files := []string{t.rel(key)}
	if found {
		if err := t.idx.Unbind(id, key); err != nil {
			return reflect.Value{}, nil, err
		}
		files = append(files, t.relIndex(id, key)[1:]...)
	}
	return old, files, nil
}

// list materializes every indexed record. Unreadable records are logged and
// skipped.
func (t *table) list(ctx context.Context, p *query.Params) ([]any, error) {
	recs, err := t.idx.IDs()
	if err != nil {
		return nil, err
	}
	items := make([]any, 0, len(recs))
	for _, r := range recs {
		rv, err := t.read(r.Key)
		if err != nil {
			slog.WarnContext(ctx, "storage: skipping unreadable record", "collection", t.m.Collection, "id", r.ID, "key", r.Key, "error", err)
			continue
		}
		items = append(items, rv.Interface())
	}
	return query.Apply(items, p), nil
}
