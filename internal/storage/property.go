// Implements single property reads and updates.

package storage

import (
	"context"
	"reflect"
	"time"

	dberrors "github.com/maruel/fsdb/internal/errors"
	"github.com/maruel/fsdb/internal/schema"
	"github.com/maruel/fsdb/internal/storage/query"
)

// Property returns one property of the record addressed by key. name is the
// serialized name, the Go field name, or a dotted path into nested values.
func (c *Collection[T]) Property(ctx context.Context, key Key, name string) (any, error) {
	v, err := c.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	return c.t.property(reflect.ValueOf(v), name)
}

func (t *table) property(rv reflect.Value, name string) (any, error) {
	if f, ok := t.m.Property(name); ok {
		return f.Value(rv.Elem()).Interface(), nil
	}
	if v, ok := query.Value(rv.Interface(), name); ok {
		return v, nil
	}
	return nil, dberrors.PropertyNotFound(name)
}

// Properties returns the named properties of the record addressed by key,
// every property when names is empty. Keys of the result are the names as
// given, or the serialized names.
func (c *Collection[T]) Properties(ctx context.Context, key Key, names ...string) (map[string]any, error) {
	v, err := c.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	return c.t.properties(reflect.ValueOf(v), names)
}

func (t *table) properties(rv reflect.Value, names []string) (map[string]any, error) {
	if len(names) == 0 {
		out := make(map[string]any, len(t.m.Properties))
		for _, f := range t.m.Properties {
			out[f.Property] = f.Value(rv.Elem()).Interface()
		}
		return out, nil
	}
	out := make(map[string]any, len(names))
	for _, n := range names {
		v, err := t.property(rv, n)
		if err != nil {
			return nil, err
		}
		out[n] = v
	}
	return out, nil
}

// SetProperty assigns value to one property of the record addressed by key
// and writes the record. Identity, key, created, revision and keep fields are
// refused with ErrPropertyProtected.
func (c *Collection[T]) SetProperty(ctx context.Context, key Key, name string, value any) (_ *T, err error) {
	defer c.t.s.metrics.observe(c.Name(), "set_property", time.Now(), &err)
	f, err := c.t.settable(name)
	if err != nil {
		return nil, err
	}
	k, err := c.t.m.ExpandKey(key)
	if err != nil {
		return nil, err
	}
	var out *T
	err = c.t.s.mutate(ctx, func() (string, []string, error) {
		rv, files, err := c.t.setProperty(k, f, value)
		if err != nil {
			return "", nil, err
		}
		out = rv.Interface().(*T)
		return "set " + c.t.name(k) + "." + f.Property, files, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (t *table) settable(name string) (*schema.Field, error) {
	f, ok := t.m.Property(name)
	if !ok {
		return nil, dberrors.PropertyNotFound(name)
	}
	if f.Role.Protected() {
		return nil, dberrors.PropertyProtected(f.Role.Annotation(), f.Property)
	}
	return f, nil
}

func (t *table) setProperty(key []string, f *schema.Field, value any) (reflect.Value, []string, error) {
	rv, err := t.read(key)
	if err != nil {
		return reflect.Value{}, nil, err
	}
	if err := schema.Assign(f.Value(rv.Elem()), value); err != nil {
		return reflect.Value{}, nil, err
	}
	_, files, err := t.write(rv)
	if err != nil {
		return reflect.Value{}, nil, err
	}
	return rv, files, nil
}

// SetPropertyWhere assigns value to one property of every record matching p
// and returns the updated records.
func (c *Collection[T]) SetPropertyWhere(ctx context.Context, p *query.Params, name string, value any) (_ []*T, err error) {
	defer c.t.s.metrics.observe(c.Name(), "set_property_where", time.Now(), &err)
	f, err := c.t.settable(name)
	if err != nil {
		return nil, err
	}
	var out []*T
	err = c.t.s.mutate(ctx, func() (string, []string, error) {
		items, err := c.t.list(ctx, p)
		if err != nil {
			return "", nil, err
		}
		var files []string
		for _, item := range items {
			k, err := c.t.m.Key(reflect.ValueOf(item))
			if err != nil {
				return "", nil, err
			}
			rv, touched, err := c.t.setProperty(k, f, value)
			if err != nil {
				return "", nil, err
			}
			files = append(files, touched...)
			out = append(out, rv.Interface().(*T))
		}
		return "set " + c.Name() + "." + f.Property + " where", files, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PropertiesWhere returns the named properties of every record matching p.
func (c *Collection[T]) PropertiesWhere(ctx context.Context, p *query.Params, names ...string) ([]map[string]any, error) {
	items, err := c.t.list(ctx, p)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		m, err := c.t.properties(reflect.ValueOf(item), names)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}
