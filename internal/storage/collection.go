// Provides the typed record operations of a collection.

package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"time"

	dberrors "github.com/maruel/fsdb/internal/errors"
	"github.com/maruel/fsdb/internal/schema"
	"github.com/maruel/fsdb/internal/storage/git"
	"github.com/maruel/fsdb/internal/storage/query"
)

// Collection is the typed view of the records of type T, a struct carrying a
// `store:"entity=<name>"` marker.
type Collection[T any] struct {
	t *table
}

// Open returns the collection of T in s.
func Open[T any](s *Store) (*Collection[T], error) {
	m, err := schema.DescribeFor[T]()
	if err != nil {
		return nil, err
	}
	if m.Type != reflect.TypeFor[T]() {
		return nil, dberrors.Schema("%v: open the collection with the struct type %v", reflect.TypeFor[T](), m.Type)
	}
	t, err := s.table(m)
	if err != nil {
		return nil, err
	}
	return &Collection[T]{t: t}, nil
}

// Name returns the collection name.
func (c *Collection[T]) Name() string {
	return c.t.m.Collection
}

// Metadata returns the schema of T.
func (c *Collection[T]) Metadata() *schema.Metadata {
	return c.t.m
}

// Index returns the identity index of the collection.
func (c *Collection[T]) Index() *Index {
	return c.t.idx
}

// KeyOf returns the key of v.
func (c *Collection[T]) KeyOf(v *T) (Key, error) {
	key, err := c.t.m.Key(reflect.ValueOf(v))
	if err != nil {
		return nil, err
	}
	out := make(Key, len(key))
	for i, k := range key {
		out[i] = k
	}
	return out, nil
}

// Location returns the directory of the record addressed by key.
func (c *Collection[T]) Location(key Key) (string, error) {
	k, err := c.t.m.ExpandKey(key)
	if err != nil {
		return "", err
	}
	return c.t.location(k), nil
}

// Exists reports whether the record addressed by key is stored.
func (c *Collection[T]) Exists(_ context.Context, key Key) (bool, error) {
	k, err := c.t.m.ExpandKey(key)
	if err != nil {
		return false, err
	}
	return c.t.exists(k)
}

// Write stores v and returns it updated: identity and creation time set on
// first write or copied from the stored record, revision advanced, changed
// fields stamped.
//
// A non-null revision behind the stored one fails with ErrConflict. A null
// revision is reset to 0 and skips the check.
func (c *Collection[T]) Write(ctx context.Context, v *T) (_ *T, err error) {
	defer c.t.s.metrics.observe(c.Name(), "write", time.Now(), &err)
	if v == nil {
		return nil, dberrors.Validation("%s: nil record", c.Name())
	}
	err = c.t.s.mutate(ctx, func() (string, []string, error) {
		key, files, err := c.t.write(reflect.ValueOf(v))
		return "write " + c.t.name(key), files, err
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Read returns the record addressed by key, ErrNotFound when absent.
func (c *Collection[T]) Read(_ context.Context, key Key) (_ *T, err error) {
	defer c.t.s.metrics.observe(c.Name(), "read", time.Now(), &err)
	k, err := c.t.m.ExpandKey(key)
	if err != nil {
		return nil, err
	}
	rv, err := c.t.read(k)
	if err != nil {
		return nil, err
	}
	return rv.Interface().(*T), nil
}

// Merge updates the stored record addressed by key with the non-null
// properties of v and writes it. Identity, key, created, revision and keep
// fields always come from the stored record.
func (c *Collection[T]) Merge(ctx context.Context, key Key, v *T) (_ *T, err error) {
	defer c.t.s.metrics.observe(c.Name(), "merge", time.Now(), &err)
	k, err := c.t.m.ExpandKey(key)
	if err != nil {
		return nil, err
	}
	var out *T
	err = c.t.s.mutate(ctx, func() (string, []string, error) {
		cur, err := c.t.read(k)
		if err != nil {
			return "", nil, err
		}
		if v != nil {
			c.t.overlay(cur.Elem(), reflect.ValueOf(v).Elem())
		}
		_, files, err := c.t.write(cur)
		if err != nil {
			return "", nil, err
		}
		out = cur.Interface().(*T)
		return "merge " + c.t.name(k), files, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// overlay copies the non-null writable properties of src onto dst. Values are
// cloned so dst shares no memory with src.
func (t *table) overlay(dst, src reflect.Value) {
	for _, f := range t.m.Properties {
		if f.Role.Protected() || f.Role == schema.RoleChanged {
			continue
		}
		if sv := f.Value(src); !schema.IsNull(sv) {
			f.Value(dst).Set(schema.Clone(sv))
		}
	}
}

// Delete removes the record addressed by key with its resources and returns
// it. Deleting an absent record returns nil and no error.
func (c *Collection[T]) Delete(ctx context.Context, key Key) (_ *T, err error) {
	defer c.t.s.metrics.observe(c.Name(), "delete", time.Now(), &err)
	k, err := c.t.m.ExpandKey(key)
	if err != nil {
		return nil, err
	}
	var old reflect.Value
	err = c.t.s.mutate(ctx, func() (string, []string, error) {
		var files []string
		var err error
		old, files, err = c.t.remove(ctx, k)
		return "delete " + c.t.name(k), files, err
	})
	if err != nil || !old.IsValid() {
		return nil, err
	}
	return old.Interface().(*T), nil
}

// List returns the records matching p, in identity order unless p sorts.
func (c *Collection[T]) List(ctx context.Context, p *query.Params) (_ []*T, err error) {
	defer c.t.s.metrics.observe(c.Name(), "list", time.Now(), &err)
	items, err := c.t.list(ctx, p)
	if err != nil {
		return nil, err
	}
	out := make([]*T, len(items))
	for i, v := range items {
		out[i] = v.(*T)
	}
	return out, nil
}

// Count returns the number of records matching p.
func (c *Collection[T]) Count(ctx context.Context, p *query.Params) (int, error) {
	items, err := c.List(ctx, p)
	return len(items), err
}

// History returns up to n commits that touched the record addressed by key,
// newest first. It requires a repository.
func (c *Collection[T]) History(ctx context.Context, key Key, n int) ([]*git.Commit, error) {
	k, err := c.t.m.ExpandKey(key)
	if err != nil {
		return nil, err
	}
	return c.t.s.History(ctx, c.Name(), k, n)
}

// ReadAt returns the record addressed by key as of commit hash ("HEAD" for
// the latest commit). It requires a repository.
func (c *Collection[T]) ReadAt(ctx context.Context, key Key, hash string) (*T, error) {
	repo, k, err := c.versioned(key)
	if err != nil {
		return nil, err
	}
	p := c.t.s.repoPath(filepath.Join(c.t.rel(k), c.t.s.metaFile()))
	data, err := repo.GetFileAtCommit(ctx, hash, p)
	if err != nil {
		return nil, dberrors.NotFound(fmt.Sprintf("%s at %s", c.t.name(k), hash)).Wrap(err)
	}
	rv, err := c.t.decode(data)
	if err != nil {
		return nil, err
	}
	return rv.Interface().(*T), nil
}

func (c *Collection[T]) versioned(key Key) (git.Repository, []string, error) {
	repo := c.t.s.repo
	if repo == nil {
		return nil, nil, dberrors.Validation("%s: versioning is not enabled", c.Name())
	}
	k, err := c.t.m.ExpandKey(key)
	if err != nil {
		return nil, nil, err
	}
	return repo, k, nil
}
