// Package schema extracts storage metadata from struct tags.
//
// A record type declares its collection with a blank marker field and its
// special fields with the `store` tag:
//
//	type Project struct {
//		_        struct{}   `store:"entity=projects"`
//		ID       int64      `json:"id" store:"id"`
//		Name     string     `json:"name" store:"key"`
//		Created  time.Time  `json:"created" store:"created"`
//		Changed  time.Time  `json:"changed" store:"changed"`
//		Revision *int64     `json:"revision" store:"revision"`
//		Owner    string     `json:"owner" store:"keep"`
//	}
//
// Metadata is computed once per type and cached for the process lifetime.
package schema

import (
	"fmt"
	"reflect"
	"slices"
	"strings"
	"sync"

	dberrors "github.com/maruel/fsdb/internal/errors"
)

// TagName is the struct tag read by [Describe].
const TagName = "store"

// Role is the storage role of a field.
type Role int

const (
	// RoleNone is a regular property.
	RoleNone Role = iota
	// RoleID is the identity field.
	RoleID
	// RoleKey is a key field.
	RoleKey
	// RoleCreated is a created audit field.
	RoleCreated
	// RoleChanged is a changed audit field.
	RoleChanged
	// RoleRevision is the optimistic concurrency counter.
	RoleRevision
	// RoleKeep is a protected field without other behavior.
	RoleKeep
)

// Annotation returns the tag kind as it appears in error messages.
func (r Role) Annotation() string {
	switch r {
	case RoleID:
		return "Id"
	case RoleKey:
		return "Key"
	case RoleCreated:
		return "Created"
	case RoleChanged:
		return "Changed"
	case RoleRevision:
		return "Revision"
	case RoleKeep:
		return "Keep"
	default:
		return ""
	}
}

// Protected reports whether direct property updates of the field are refused.
func (r Role) Protected() bool {
	switch r {
	case RoleID, RoleKey, RoleCreated, RoleRevision, RoleKeep:
		return true
	default:
		return false
	}
}

// Field describes one persisted struct field.
type Field struct {
	// Name is the Go field name.
	Name string
	// Property is the serialized name (json tag name, or Name).
	Property string
	// Index is the reflect index path from the record struct.
	Index []int
	Type  reflect.Type
	Role  Role

	// Order is the key order; only meaningful for RoleKey.
	Order int
	// Alias holds the flattened key fields of a nested key type, relative to
	// this field's value. Nil when the key field is a primitive.
	Alias []*Field

	// InitName is the initializer name for created and changed fields.
	InitName string
	init     Initializer
}

// Value returns the field within the struct value rv.
func (f *Field) Value(rv reflect.Value) reflect.Value {
	return rv.FieldByIndex(f.Index)
}

// Init computes the initial value for an audit field.
func (f *Field) Init() (reflect.Value, error) {
	v, err := f.init(f.Type)
	if err != nil {
		return reflect.Value{}, dberrors.Schema("field %s: initializer %q: %v", f.Name, f.InitName, err)
	}
	return v, nil
}

// Metadata is the storage description of a record type.
type Metadata struct {
	Type       reflect.Type
	Collection string
	Wrapped    bool

	// Keys are the top-level key fields sorted by order. Alias keys are
	// expanded through Field.Alias.
	Keys     []*Field
	ID       *Field
	Created  []*Field
	Changed  []*Field
	Revision *Field
	Keep     []*Field

	// Properties lists every persisted field in declaration order, embedded
	// groups flattened.
	Properties []*Field

	byName map[string]*Field
	keyLen int
}

// KeyLen returns the number of flattened key components.
func (m *Metadata) KeyLen() int {
	return m.keyLen
}

// Property returns the field addressed by name: the serialized name first,
// then the Go field name, then a case-insensitive match of either.
func (m *Metadata) Property(name string) (*Field, bool) {
	if f, ok := m.byName[name]; ok {
		return f, true
	}
	for _, f := range m.Properties {
		if strings.EqualFold(f.Property, name) || strings.EqualFold(f.Name, name) {
			return f, true
		}
	}
	return nil, false
}

var typeInfoCache sync.Map // reflect.Type -> *Metadata

// Describe returns the metadata of a struct type or pointer to struct type.
func Describe(t reflect.Type) (*Metadata, error) {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return nil, dberrors.Schema("%v is not a struct", t)
	}
	if v, ok := typeInfoCache.Load(t); ok {
		return v.(*Metadata), nil
	}
	m, err := describeWithoutCache(t)
	if err != nil {
		return nil, err
	}
	actual, _ := typeInfoCache.LoadOrStore(t, m)
	return actual.(*Metadata), nil
}

// DescribeFor is Describe for a type parameter.
func DescribeFor[T any]() (*Metadata, error) {
	return Describe(reflect.TypeFor[T]())
}

func describeWithoutCache(t reflect.Type) (*Metadata, error) {
	m := &Metadata{Type: t, byName: make(map[string]*Field)}
	if err := m.walk(t, nil); err != nil {
		return nil, err
	}
	if m.Collection == "" {
		return nil, dberrors.Schema("%v has no entity marker; add a blank field tagged store:\"entity=<name>\"", t)
	}
	slices.SortStableFunc(m.Keys, func(a, b *Field) int { return a.Order - b.Order })
	for _, k := range m.Keys {
		if k.Alias != nil {
			m.keyLen += countKeys(k.Alias)
		} else {
			m.keyLen++
		}
	}
	return m, nil
}

func (m *Metadata) walk(t reflect.Type, prefix []int) error {
	for i := range t.NumField() {
		sf := t.Field(i)
		index := append(slices.Clone(prefix), i)
		tag, hasTag := sf.Tag.Lookup(TagName)
		if sf.Name == "_" {
			if hasTag {
				if err := m.parseEntityTag(tag); err != nil {
					return err
				}
			}
			continue
		}
		if !sf.IsExported() {
			continue
		}
		if sf.Anonymous && sf.Type.Kind() == reflect.Struct && jsonName(&sf) == "" {
			if err := m.walk(sf.Type, index); err != nil {
				return err
			}
			continue
		}
		name := jsonName(&sf)
		if name == "-" {
			continue
		}
		if name == "" {
			name = sf.Name
		}
		f := &Field{Name: sf.Name, Property: name, Index: index, Type: sf.Type}
		if hasTag {
			if err := m.applyTag(f, tag); err != nil {
				return fmt.Errorf("%v.%s: %w", t, sf.Name, err)
			}
		}
		m.Properties = append(m.Properties, f)
		if _, dup := m.byName[name]; !dup {
			m.byName[name] = f
		}
	}
	return nil
}

func (m *Metadata) parseEntityTag(tag string) error {
	kind, value, opts := parseTag(tag)
	if kind != "entity" {
		return dberrors.Schema("%v: marker field tag must be entity=<name>, got %q", m.Type, tag)
	}
	if value == "" {
		return dberrors.Schema("%v: entity name is empty", m.Type)
	}
	if strings.ContainsAny(value, `/\`) || strings.HasPrefix(value, ".") {
		return dberrors.Schema("%v: invalid entity name %q", m.Type, value)
	}
	m.Collection = value
	m.Wrapped = slices.Contains(opts, "wrapped")
	return nil
}

func (m *Metadata) applyTag(f *Field, tag string) error {
	kind, value, _ := parseTag(tag)
	switch kind {
	case "":
		return nil
	case "id":
		if m.ID != nil {
			return dberrors.Schema("duplicate id field, already %s", m.ID.Name)
		}
		if !isInteger(f.Type) {
			return dberrors.Schema("id field must be an integer, got %v", f.Type)
		}
		f.Role = RoleID
		m.ID = f
	case "key":
		f.Role = RoleKey
		f.Order = len(m.Keys) + 1
		if value != "" {
			n, err := parseOrder(value)
			if err != nil {
				return err
			}
			f.Order = n
		}
		alias, err := keyFieldsOf(f.Type)
		if err != nil {
			return err
		}
		f.Alias = alias
		m.Keys = append(m.Keys, f)
	case "created", "changed":
		init, name, err := lookupInitializer(value, f.Type)
		if err != nil {
			return err
		}
		f.init = init
		f.InitName = name
		if kind == "created" {
			f.Role = RoleCreated
			m.Created = append(m.Created, f)
		} else {
			f.Role = RoleChanged
			m.Changed = append(m.Changed, f)
		}
	case "revision":
		if m.Revision != nil {
			return dberrors.Schema("duplicate revision field, already %s", m.Revision.Name)
		}
		if !isInteger(f.Type) {
			return dberrors.Schema("revision field must be numeric, got %v", f.Type)
		}
		f.Role = RoleRevision
		m.Revision = f
	case "keep":
		f.Role = RoleKeep
		m.Keep = append(m.Keep, f)
	default:
		return dberrors.Schema("unknown %s tag %q", TagName, kind)
	}
	return nil
}

var aliasCache sync.Map // reflect.Type -> []*Field

// keyFieldsOf returns the flattened key fields of t when t (or *t) is a
// struct declaring key fields, nil otherwise.
func keyFieldsOf(t reflect.Type) ([]*Field, error) {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, nil
	}
	if v, ok := aliasCache.Load(t); ok {
		return v.([]*Field), nil
	}
	var keys []*Field
	if err := collectKeys(t, nil, &keys); err != nil {
		return nil, err
	}
	slices.SortStableFunc(keys, func(a, b *Field) int { return a.Order - b.Order })
	actual, _ := aliasCache.LoadOrStore(t, keys)
	return actual.([]*Field), nil
}

func collectKeys(t reflect.Type, prefix []int, keys *[]*Field) error {
	for i := range t.NumField() {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		index := append(slices.Clone(prefix), i)
		if sf.Anonymous && sf.Type.Kind() == reflect.Struct && jsonName(&sf) == "" {
			if err := collectKeys(sf.Type, index, keys); err != nil {
				return err
			}
			continue
		}
		kind, value, _ := parseTag(sf.Tag.Get(TagName))
		if kind != "key" {
			continue
		}
		f := &Field{Name: sf.Name, Property: sf.Name, Index: index, Type: sf.Type, Role: RoleKey, Order: len(*keys) + 1}
		if value != "" {
			n, err := parseOrder(value)
			if err != nil {
				return err
			}
			f.Order = n
		}
		alias, err := keyFieldsOf(sf.Type)
		if err != nil {
			return err
		}
		f.Alias = alias
		*keys = append(*keys, f)
	}
	return nil
}

func countKeys(fields []*Field) int {
	n := 0
	for _, f := range fields {
		if f.Alias != nil {
			n += countKeys(f.Alias)
		} else {
			n++
		}
	}
	return n
}

// parseTag splits `kind=value,opt1,opt2`.
func parseTag(tag string) (kind, value string, opts []string) {
	parts := strings.Split(tag, ",")
	kind, value, _ = strings.Cut(strings.TrimSpace(parts[0]), "=")
	for _, p := range parts[1:] {
		if p = strings.TrimSpace(p); p != "" {
			opts = append(opts, p)
		}
	}
	return kind, value, opts
}

func parseOrder(s string) (int, error) {
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, dberrors.Schema("invalid key order %q", s)
	}
	return n, nil
}

// jsonName returns the name part of the json tag, "" when unset.
func jsonName(sf *reflect.StructField) string {
	tag := sf.Tag.Get("json")
	name, _, _ := strings.Cut(tag, ",")
	return name
}

func isInteger(t reflect.Type) bool {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	default:
		return false
	}
}
