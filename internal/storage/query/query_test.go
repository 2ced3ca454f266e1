package query

import (
	"encoding/json"
	"slices"
	"testing"
	"time"
)

type owner struct {
	Name string `json:"name"`
}

type base struct {
	ID int64 `json:"id"`
}

type item struct {
	base
	P     int        `json:"p"`
	Q     string     `json:"q"`
	Due   *time.Time `json:"due,omitempty"`
	Owner *owner     `json:"owner,omitempty"`
	Extra map[string]any
}

func ids(items []*item) []int64 {
	out := make([]int64, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func TestApply(t *testing.T) {
	records := []*item{
		{base: base{ID: 1}, P: 1, Q: "b"},
		{base: base{ID: 2}, P: 2, Q: "b"},
		{base: base{ID: 3}, P: 2, Q: "a"},
		{base: base{ID: 4}, P: 1, Q: "a"},
	}

	t.Run("nil params", func(t *testing.T) {
		if got := ids(Apply(records, nil)); !slices.Equal(got, []int64{1, 2, 3, 4}) {
			t.Errorf("got %v", got)
		}
	})

	t.Run("desc with tie-breaker", func(t *testing.T) {
		p := &Params{Sort: &Sort{
			Order: Order{Property: "p", Direction: SortDesc},
			Then: []Order{
				{Property: "p", Direction: SortAsc},
				{Property: "q"},
			},
		}}
		got := ids(Apply(records, p))
		if want := []int64{3, 2, 4, 1}; !slices.Equal(got, want) {
			t.Errorf("got %v, want %v", got, want)
		}
	})

	t.Run("filter", func(t *testing.T) {
		p := &Params{Filter: func(r any) bool { return r.(*item).Q == "a" }}
		if got := ids(Apply(records, p)); !slices.Equal(got, []int64{3, 4}) {
			t.Errorf("got %v", got)
		}
	})

	t.Run("paging", func(t *testing.T) {
		tests := []struct {
			name   string
			paging Paging
			want   []int64
		}{
			{"skip=1,max=1", Paging{Skip: 1, Max: intp(1)}, []int64{2}},
			{"skip only", Paging{Skip: 2}, []int64{3, 4}},
			{"max only", Paging{Max: intp(3)}, []int64{1, 2, 3}},
			{"max beyond size", Paging{Skip: 3, Max: intp(10)}, []int64{4}},
			{"skip beyond size", Paging{Skip: 10, Max: intp(1)}, []int64{}},
			{"negative skip", Paging{Skip: -1, Max: intp(1)}, []int64{1}},
			{"max=0", Paging{Max: intp(0)}, []int64{}},
			{"negative max", Paging{Skip: 1, Max: intp(-2)}, []int64{}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				got := ids(Apply(records, &Params{Paging: &tt.paging}))
				if !slices.Equal(got, tt.want) {
					t.Errorf("got %v, want %v", got, tt.want)
				}
			})
		}
	})

	t.Run("input untouched", func(t *testing.T) {
		Apply(records, &Params{Sort: &Sort{Order: Order{Property: "id", Direction: SortDesc}}})
		if got := ids(records); !slices.Equal(got, []int64{1, 2, 3, 4}) {
			t.Errorf("input reordered: %v", got)
		}
	})
}

func TestNulls(t *testing.T) {
	day := func(d int) *time.Time {
		v := time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC)
		return &v
	}
	records := []*item{
		{base: base{ID: 1}, Due: day(2)},
		{base: base{ID: 2}},
		{base: base{ID: 3}, Due: day(1)},
	}
	tests := []struct {
		name  string
		order Order
		want  []int64
	}{
		{"asc last", Order{Property: "due"}, []int64{3, 1, 2}},
		{"asc first", Order{Property: "due", Nulls: NullsFirst}, []int64{2, 3, 1}},
		{"desc last", Order{Property: "due", Direction: SortDesc}, []int64{1, 3, 2}},
		{"desc first", Order{Property: "due", Direction: SortDesc, Nulls: NullsFirst}, []int64{2, 1, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ids(Apply(records, &Params{Sort: &Sort{Order: tt.order}}))
			if !slices.Equal(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValue(t *testing.T) {
	it := &item{
		base:  base{ID: 7},
		P:     3,
		Owner: &owner{Name: "ann"},
		Extra: map[string]any{"nested": map[string]any{"k": "v"}},
	}
	tests := []struct {
		path   string
		want   any
		wantOK bool
	}{
		{"id", int64(7), true},
		{"ID", int64(7), true},
		{"p", 3, true},
		{"owner.name", "ann", true},
		{"Owner.Name", "ann", true},
		{"Extra.nested.k", "v", true},
		{"due", nil, true},
		{"missing", nil, false},
		{"owner.missing", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, ok := Value(it, tt.path)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("Value(%q) = %v, %v, want %v, %v", tt.path, got, ok, tt.want, tt.wantOK)
			}
		})
	}
	if got, ok := Value(&item{}, "owner.name"); !ok || got != nil {
		t.Errorf("through nil pointer = %v, %v", got, ok)
	}
}

func TestCompare(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		a, b any
		want int
	}{
		{1, 2, -1},
		{int64(2), 1.5, 1},
		{json.Number("10"), 9, 1},
		{uint8(3), json.Number("3"), 0},
		{"a", "b", -1},
		{false, true, -1},
		{t0.Add(time.Hour), t0, 1},
		{[]int{1}, []int{2}, -1},
	}
	for _, tt := range tests {
		if got := Compare(tt.a, tt.b); got != tt.want {
			t.Errorf("Compare(%v, %v) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func intp(n int) *int {
	return &n
}
