// Manages the file resources attached to a record.

package storage

import (
	"context"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	dberrors "github.com/maruel/fsdb/internal/errors"
	"github.com/maruel/fsdb/internal/storage/query"
)

const defaultKind = "application/octet-stream"

// Resource is a named attachment of a record.
type Resource struct {
	// Path is relative to the record's resources directory, '/' separated.
	Path string `json:"path"`
	// Kind is the content type.
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Size      int64     `json:"size"`
	Content   []byte    `json:"-"`
}

// Resources manages the attachments of the records of one collection. Every
// mutation advances the owning record's revision and changed fields.
type Resources struct {
	t *table
}

// Resources returns the attachment manager of the collection.
func (c *Collection[T]) Resources() *Resources {
	return &Resources{t: c.t}
}

// Locate returns the file of resource p of the record addressed by key. The
// record must exist and p must stay within the record's resources directory.
func (r *Resources) Locate(_ context.Context, key Key, p string) (string, error) {
	k, err := r.t.m.ExpandKey(key)
	if err != nil {
		return "", err
	}
	return r.locate(k, p)
}

func (r *Resources) locate(key []string, p string) (string, error) {
	ok, err := r.t.exists(key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", dberrors.NotFound(r.t.name(key))
	}
	root := r.root(key)
	for seg := range strings.SplitSeq(filepath.ToSlash(p), "/") {
		if seg == ".." {
			return "", dberrors.Security(p)
		}
	}
	full := filepath.Join(root, filepath.FromSlash(p))
	rel, err := filepath.Rel(root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", dberrors.Security(p)
	}
	if rel == "." {
		return "", dberrors.Validation("resource path is empty")
	}
	if base := filepath.Base(rel); base == keepFile || strings.HasSuffix(base, r.sidecarSuffix()) {
		return "", dberrors.Validation("resource name %q is reserved", p)
	}
	return full, nil
}

func (r *Resources) root(key []string) string {
	return filepath.Join(r.t.location(key), resourcesDir)
}

func (r *Resources) sidecarSuffix() string {
	return "." + metaBase + "." + r.t.s.ser.Ext()
}

// Set stores res under the record addressed by key. An empty Kind is derived
// from the file extension.
func (r *Resources) Set(ctx context.Context, key Key, res *Resource) (_ *Resource, err error) {
	defer r.t.s.metrics.observe(r.t.m.Collection, "resource_set", time.Now(), &err)
	if res == nil {
		return nil, dberrors.Validation("nil resource")
	}
	k, err := r.t.m.ExpandKey(key)
	if err != nil {
		return nil, err
	}
	var out *Resource
	err = r.t.s.mutate(ctx, func() (string, []string, error) {
		full, err := r.locate(k, res.Path)
		if err != nil {
			return "", nil, err
		}
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil { //nolint:gosec // G301: 0o755 is intentional for data directories
			return "", nil, dberrors.Storage("failed to create resource directory", err)
		}
		if err := os.WriteFile(full, res.Content, 0o644); err != nil { //nolint:gosec // G306: 0o644 is intentional for data files
			return "", nil, dberrors.Storage("failed to write resource "+res.Path, err)
		}
		fi, err := os.Stat(full)
		if err != nil {
			return "", nil, dberrors.Storage("failed to stat resource "+res.Path, err)
		}
		meta := &Resource{
			Path:      filepath.ToSlash(res.Path),
			Kind:      res.Kind,
			Timestamp: fi.ModTime().UTC(),
			Size:      fi.Size(),
		}
		if meta.Kind == "" {
			meta.Kind = kindOf(full)
		}
		if err := r.t.s.ser.WriteFile(full+r.sidecarSuffix(), meta); err != nil {
			return "", nil, err
		}
		files, err := r.t.touch(k)
		if err != nil {
			return "", nil, err
		}
		meta.Content = res.Content
		out = meta
		return "set resource " + r.t.name(k) + ":" + meta.Path, files, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns resource p with its content. A missing resource is
// ErrResourceNotFound.
func (r *Resources) Get(_ context.Context, key Key, p string) (_ *Resource, err error) {
	defer r.t.s.metrics.observe(r.t.m.Collection, "resource_get", time.Now(), &err)
	k, err := r.t.m.ExpandKey(key)
	if err != nil {
		return nil, err
	}
	full, err := r.locate(k, p)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full) //nolint:gosec // G304: path is checked by locate
	if err != nil {
		if os.IsNotExist(err) {
			return nil, dberrors.ResourceNotFound(p)
		}
		return nil, dberrors.Storage("failed to read resource "+p, err)
	}
	res, err := r.metadata(full, p)
	if err != nil {
		return nil, err
	}
	res.Content = data
	return res, nil
}

// Delete removes resource p and its metadata. A missing resource is
// ErrResourceNotFound.
func (r *Resources) Delete(ctx context.Context, key Key, p string) (err error) {
	defer r.t.s.metrics.observe(r.t.m.Collection, "resource_delete", time.Now(), &err)
	k, err := r.t.m.ExpandKey(key)
	if err != nil {
		return err
	}
	return r.t.s.mutate(ctx, func() (string, []string, error) {
		full, err := r.locate(k, p)
		if err != nil {
			return "", nil, err
		}
		if err := os.Remove(full); err != nil {
			if os.IsNotExist(err) {
				return "", nil, dberrors.ResourceNotFound(p)
			}
			return "", nil, dberrors.Storage("failed to delete resource "+p, err)
		}
		if err := os.Remove(full + r.sidecarSuffix()); err != nil && !os.IsNotExist(err) {
			return "", nil, dberrors.Storage("failed to delete resource metadata "+p, err)
		}
		files, err := r.t.touch(k)
		if err != nil {
			return "", nil, err
		}
		return "delete resource " + r.t.name(k) + ":" + filepath.ToSlash(p), files, nil
	})
}

// List returns the metadata of the resources of the record addressed by key
// matching params, sorted by path unless params sorts. Content is not loaded.
func (r *Resources) List(_ context.Context, key Key, params *query.Params) (_ []*Resource, err error) {
	defer r.t.s.metrics.observe(r.t.m.Collection, "resource_list", time.Now(), &err)
	k, err := r.t.m.ExpandKey(key)
	if err != nil {
		return nil, err
	}
	ok, err := r.t.exists(k)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, dberrors.NotFound(r.t.name(k))
	}
	root := r.root(k)
	suffix := r.sidecarSuffix()
	var all []*Resource
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || d.Name() == keepFile || strings.HasSuffix(d.Name(), suffix) {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		res, err := r.metadata(path, filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		all = append(all, res)
		return nil
	})
	if err != nil {
		return nil, dberrors.Storage("failed to list resources of "+r.t.name(k), err)
	}
	slices.SortFunc(all, func(a, b *Resource) int { return strings.Compare(a.Path, b.Path) })
	return query.Apply(all, params), nil
}

// metadata reads the sidecar of the resource file full, falling back to the
// file's own attributes when the sidecar is missing.
func (r *Resources) metadata(full, p string) (*Resource, error) {
	res := &Resource{}
	err := r.t.s.ser.ReadFile(full+r.sidecarSuffix(), res)
	if err == nil {
		return res, nil
	}
	fi, serr := os.Stat(full)
	if serr != nil {
		return nil, dberrors.Storage("failed to stat resource "+p, serr)
	}
	return &Resource{
		Path:      filepath.ToSlash(p),
		Kind:      kindOf(full),
		Timestamp: fi.ModTime().UTC(),
		Size:      fi.Size(),
	}, nil
}

func kindOf(path string) string {
	if k := mime.TypeByExtension(filepath.Ext(path)); k != "" {
		return k
	}
	return defaultKind
}
