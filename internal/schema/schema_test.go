package schema

import (
	"errors"
	"reflect"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/maruel/ksid"

	dberrors "github.com/maruel/fsdb/internal/errors"
)

type project struct {
	_        struct{}  `store:"entity=projects"`
	ID       int64     `json:"id" store:"id"`
	Name     string    `json:"name" store:"key"`
	Created  time.Time `json:"created" store:"created"`
	Changed  int64     `json:"changed" store:"changed"`
	Revision *int64    `json:"revision" store:"revision"`
	Owner    string    `json:"owner" store:"keep"`
	Body     string    `json:"description"`
	Secret   string    `json:"-"`
	internal int
}

type projectKey struct {
	Org  string `store:"key=1"`
	Name string `store:"key=2"`
}

type task struct {
	_       struct{}   `store:"entity=tasks,wrapped"`
	Number  int        `json:"number" store:"key=2"`
	Project projectKey `json:"project" store:"key=1"`
	Title   string     `json:"title"`
	Identity
	Audit
	Versioned
}

type noMarker struct {
	Name string `store:"key"`
}

type badRevision struct {
	_        struct{} `store:"entity=bad"`
	Revision string   `store:"revision"`
}

type badInit struct {
	_       struct{} `store:"entity=bad"`
	Created string   `store:"created=nope"`
}

type stamped struct {
	_       struct{} `store:"entity=stamped"`
	Name    string   `store:"key"`
	Created ksid.ID  `store:"created"`
	Changed *string  `store:"changed=custom"`
}

func TestDescribe(t *testing.T) {
	t.Run("Project", func(t *testing.T) {
		m, err := DescribeFor[project]()
		if err != nil {
			t.Fatal(err)
		}
		if m.Collection != "projects" || m.Wrapped {
			t.Errorf("collection = %q wrapped = %v", m.Collection, m.Wrapped)
		}
		if m.ID == nil || m.ID.Name != "ID" {
			t.Errorf("ID = %+v", m.ID)
		}
		if len(m.Keys) != 1 || m.Keys[0].Name != "Name" || m.KeyLen() != 1 {
			t.Errorf("Keys = %+v", m.Keys)
		}
		if len(m.Created) != 1 || len(m.Changed) != 1 || len(m.Keep) != 1 || m.Revision == nil {
			t.Errorf("audit fields not found: %+v", m)
		}
		var names []string
		for _, f := range m.Properties {
			names = append(names, f.Property)
		}
		want := []string{"id", "name", "created", "changed", "revision", "owner", "description"}
		if !slices.Equal(names, want) {
			t.Errorf("Properties = %v, want %v", names, want)
		}
	})

	t.Run("Cached", func(t *testing.T) {
		a, err := Describe(reflect.TypeFor[*project]())
		if err != nil {
			t.Fatal(err)
		}
		b, err := DescribeFor[project]()
		if err != nil {
			t.Fatal(err)
		}
		if a != b {
			t.Error("metadata was not cached")
		}
	})

	t.Run("EmbeddedGroups", func(t *testing.T) {
		m, err := DescribeFor[task]()
		if err != nil {
			t.Fatal(err)
		}
		if !m.Wrapped {
			t.Error("expected wrapped")
		}
		if m.ID == nil || !slices.Equal(m.ID.Index, []int{4, 0}) {
			t.Errorf("ID = %+v", m.ID)
		}
		if m.Revision == nil || m.Revision.Property != "revision" {
			t.Errorf("Revision = %+v", m.Revision)
		}
		if m.Keys[0].Name != "Project" || m.Keys[1].Name != "Number" {
			t.Errorf("keys not sorted by order: %s, %s", m.Keys[0].Name, m.Keys[1].Name)
		}
		if m.KeyLen() != 3 {
			t.Errorf("KeyLen() = %d, want 3", m.KeyLen())
		}
	})

	t.Run("Errors", func(t *testing.T) {
		tests := []struct {
			name string
			typ  reflect.Type
		}{
			{"no marker", reflect.TypeFor[noMarker]()},
			{"revision not numeric", reflect.TypeFor[badRevision]()},
			{"unknown initializer", reflect.TypeFor[badInit]()},
			{"not a struct", reflect.TypeFor[int]()},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := Describe(tt.typ)
				if !errors.Is(err, dberrors.ErrSchema) {
					t.Errorf("Describe() error = %v, want ErrSchema", err)
				}
			})
		}
		_, err := Describe(reflect.TypeFor[noMarker]())
		if err == nil || !strings.Contains(err.Error(), `store:"entity=<name>"`) {
			t.Errorf("missing marker error = %v", err)
		}
	})

	t.Run("Property", func(t *testing.T) {
		m, err := DescribeFor[project]()
		if err != nil {
			t.Fatal(err)
		}
		for _, name := range []string{"description", "Body", "DESCRIPTION", "body"} {
			f, ok := m.Property(name)
			if !ok || f.Name != "Body" {
				t.Errorf("Property(%q) = %v, %v", name, f, ok)
			}
		}
		if _, ok := m.Property("Secret"); ok {
			t.Error("json:\"-\" field must not be a property")
		}
		f, _ := m.Property("id")
		if !f.Role.Protected() || f.Role.Annotation() != "Id" {
			t.Errorf("id role = %v", f.Role)
		}
		f, _ = m.Property("changed")
		if f.Role.Protected() {
			t.Error("changed must not be protected")
		}
	})
}

func TestKey(t *testing.T) {
	m, err := DescribeFor[task]()
	if err != nil {
		t.Fatal(err)
	}
	v := &task{Number: 7, Project: projectKey{Org: "acme", Name: "web"}}
	got, err := m.Key(reflect.ValueOf(v))
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"acme", "web", "7"}
	if !slices.Equal(got, want) {
		t.Errorf("Key() = %v, want %v", got, want)
	}

	t.Run("ExpandKey", func(t *testing.T) {
		got, err := m.ExpandKey([]any{projectKey{Org: "acme", Name: "web"}, 7})
		if err != nil {
			t.Fatal(err)
		}
		if !slices.Equal(got, want) {
			t.Errorf("ExpandKey() = %v, want %v", got, want)
		}
		got, err = m.ExpandKey([]any{"acme", "web", int64(7)})
		if err != nil {
			t.Fatal(err)
		}
		if !slices.Equal(got, want) {
			t.Errorf("ExpandKey(flat) = %v, want %v", got, want)
		}
		if _, err := m.ExpandKey([]any{"acme"}); !errors.Is(err, dberrors.ErrValidationFailed) {
			t.Errorf("short key error = %v", err)
		}
	})

	t.Run("InvalidComponents", func(t *testing.T) {
		for _, s := range []string{"", "..", ".index", "@resources", "a/b", `a\b`} {
			if err := ValidateComponent(s); !errors.Is(err, dberrors.ErrValidationFailed) {
				t.Errorf("ValidateComponent(%q) = %v", s, err)
			}
		}
		if _, err := m.Key(reflect.ValueOf(&task{Number: 1, Project: projectKey{Org: "../x", Name: "y"}})); err == nil {
			t.Error("expected error for traversal in key")
		}
	})

	t.Run("FormatComponent", func(t *testing.T) {
		ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
		tests := []struct {
			in   any
			want string
		}{
			{"a", "a"},
			{-3, "-3"},
			{uint8(4), "4"},
			{1.5, "1.5"},
			{true, "true"},
			{ts, "2024-01-02T03:04:05Z"},
		}
		for _, tt := range tests {
			got, err := FormatComponent(reflect.ValueOf(tt.in))
			if err != nil || got != tt.want {
				t.Errorf("FormatComponent(%v) = %q, %v, want %q", tt.in, got, err, tt.want)
			}
		}
	})
}

func TestInitializers(t *testing.T) {
	RegisterInitializer("custom", func(t reflect.Type) (reflect.Value, error) {
		s := "fixed"
		return reflect.ValueOf(&s), nil
	})
	m, err := DescribeFor[stamped]()
	if err != nil {
		t.Fatal(err)
	}
	if m.Created[0].InitName != "ksid" {
		t.Errorf("default initializer for ksid.ID = %q", m.Created[0].InitName)
	}
	v, err := m.Created[0].Init()
	if err != nil {
		t.Fatal(err)
	}
	if v.Interface().(ksid.ID).IsZero() {
		t.Error("ksid initializer returned zero")
	}
	v, err = m.Changed[0].Init()
	if err != nil {
		t.Fatal(err)
	}
	if got := *v.Interface().(*string); got != "fixed" {
		t.Errorf("custom initializer = %q", got)
	}

	t.Run("Millis", func(t *testing.T) {
		pm, err := DescribeFor[project]()
		if err != nil {
			t.Fatal(err)
		}
		before := time.Now().UnixMilli()
		v, err := pm.Changed[0].Init()
		if err != nil {
			t.Fatal(err)
		}
		if got := v.Int(); got < before || got > time.Now().UnixMilli() {
			t.Errorf("millis = %d", got)
		}
		v, err = pm.Created[0].Init()
		if err != nil {
			t.Fatal(err)
		}
		if v.Interface().(time.Time).IsZero() {
			t.Error("now returned zero time")
		}
	})
}

func TestAccess(t *testing.T) {
	t.Run("IsNull", func(t *testing.T) {
		var p *int64
		tests := []struct {
			v    any
			want bool
		}{
			{p, true},
			{int64(0), true},
			{"", true},
			{time.Time{}, true},
			{int64(1), false},
			{"x", false},
		}
		for _, tt := range tests {
			if got := IsNull(reflect.ValueOf(tt.v)); got != tt.want {
				t.Errorf("IsNull(%#v) = %v", tt.v, got)
			}
		}
	})

	t.Run("IntAndSetInt", func(t *testing.T) {
		var rev *int64
		v := reflect.ValueOf(&rev).Elem()
		if _, ok := Int(v); ok {
			t.Error("nil pointer must be null")
		}
		SetInt(v, 3)
		if n, ok := Int(v); !ok || n != 3 {
			t.Errorf("Int() = %d, %v", n, ok)
		}
		var u uint32
		SetInt(reflect.ValueOf(&u).Elem(), 5)
		if u != 5 {
			t.Errorf("uint = %d", u)
		}
	})

	t.Run("Assign", func(t *testing.T) {
		var s struct {
			N   int32
			F   float64
			P   *string
			S   string
			Arr []string
		}
		rv := reflect.ValueOf(&s).Elem()
		if err := Assign(rv.Field(0), 12); err != nil {
			t.Fatal(err)
		}
		if err := Assign(rv.Field(1), 2); err != nil {
			t.Fatal(err)
		}
		if err := Assign(rv.Field(2), "x"); err != nil {
			t.Fatal(err)
		}
		if err := Assign(rv.Field(4), []string{"a"}); err != nil {
			t.Fatal(err)
		}
		if s.N != 12 || s.F != 2 || *s.P != "x" || len(s.Arr) != 1 {
			t.Errorf("got %+v", s)
		}
		if err := Assign(rv.Field(3), 65); !errors.Is(err, dberrors.ErrValidationFailed) {
			t.Errorf("int -> string must fail, got %v", err)
		}
		if err := Assign(rv.Field(2), nil); err != nil || s.P != nil {
			t.Errorf("nil assign: %v %v", err, s.P)
		}
	})

	t.Run("Clone", func(t *testing.T) {
		type inner struct {
			Tags []string
		}
		type rec struct {
			P    *int
			M    map[string][]int
			In   inner
			Any  any
			When time.Time
		}
		n := 1
		src := rec{P: &n, M: map[string][]int{"a": {1}}, In: inner{Tags: []string{"x"}}, Any: []int{7}, When: time.Unix(10, 0)}
		dst := Clone(reflect.ValueOf(src)).Interface().(rec)
		*src.P = 2
		src.M["a"][0] = 2
		src.M["b"] = nil
		src.In.Tags[0] = "y"
		src.Any.([]int)[0] = 8
		if *dst.P != 1 || dst.M["a"][0] != 1 || len(dst.M) != 1 || dst.In.Tags[0] != "x" || dst.Any.([]int)[0] != 7 {
			t.Errorf("clone shares memory: %+v", dst)
		}
		if !dst.When.Equal(time.Unix(10, 0)) {
			t.Errorf("When = %v", dst.When)
		}
		var nilMap map[string]int
		if !Clone(reflect.ValueOf(nilMap)).IsNil() {
			t.Error("nil map cloned to non-nil")
		}
	})
}

func TestJSONSchema(t *testing.T) {
	m, err := DescribeFor[project]()
	if err != nil {
		t.Fatal(err)
	}
	s := m.JSONSchema()
	if s.Title != "projects" {
		t.Errorf("Title = %q", s.Title)
	}
	for _, name := range []string{"id", "name", "created", "changed", "revision", "owner"} {
		p, ok := s.Properties.Get(name)
		if !ok || !p.ReadOnly {
			t.Errorf("property %q readOnly = false", name)
		}
	}
	p, ok := s.Properties.Get("description")
	if !ok || p.ReadOnly {
		t.Error("description must be writable")
	}
}
