// Package query filters, sorts and pages materialized records.
//
// Records are arbitrary values: structs (properties addressed by json name or
// Go field name), maps with string keys, or pointers to either. Properties are
// addressed by dotted path, e.g. "owner.name".
package query

import (
	"cmp"
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"time"
)

// Predicate reports whether a record is part of the result.
type Predicate func(record any) bool

// SortDir defines the sort direction.
type SortDir string

const (
	// SortAsc sorts in ascending order (A-Z, 0-9, oldest-newest).
	SortAsc SortDir = "asc"
	// SortDesc sorts in descending order (Z-A, 9-0, newest-oldest).
	SortDesc SortDir = "desc"
)

// Nulls defines where records without a value for the sorted property go.
// The placement is absolute: it is not reversed by SortDesc.
type Nulls int

const (
	// NullsLast places null values after every other value.
	NullsLast Nulls = iota
	// NullsFirst places null values before every other value.
	NullsFirst
)

// Order sorts by one property.
type Order struct {
	Property  string  `json:"property"`
	Direction SortDir `json:"direction,omitempty"`
	Nulls     Nulls   `json:"nulls,omitempty"`
}

// Sort is a primary order followed by tie-breakers. A tie-breaker on a
// property already used by the primary or an earlier tie-breaker is ignored.
type Sort struct {
	Order Order   `json:"order"`
	Then  []Order `json:"then,omitempty"`
}

// Paging selects a window of the result. A nil Max means no maximum; a Max of
// 0 selects nothing.
type Paging struct {
	Skip int  `json:"skip,omitempty"`
	Max  *int `json:"max,omitempty"`
}

// Params is the full query. Every part is optional; the zero value returns all
// records in input order.
type Params struct {
	Filter Predicate
	Paging *Paging
	Sort   *Sort
}

// Orders returns the effective comparator chain with duplicate properties
// removed.
func (s *Sort) Orders() []Order {
	if s == nil || s.Order.Property == "" {
		return nil
	}
	out := []Order{s.Order}
	seen := map[string]bool{s.Order.Property: true}
	for _, o := range s.Then {
		if o.Property == "" || seen[o.Property] {
			continue
		}
		seen[o.Property] = true
		out = append(out, o)
	}
	return out
}

// Window returns the [start, end) bounds for a result of size n.
func (p *Paging) Window(n int) (start, end int) {
	if p == nil {
		return 0, n
	}
	start = max(p.Skip, 0)
	end = n
	if p.Max != nil && start < n {
		end = start + min(max(*p.Max, 0), n-start)
	}
	if start >= end {
		return 0, 0
	}
	return start, end
}

// Apply filters, sorts then pages records. The input slice is not modified.
func Apply[T any](records []T, p *Params) []T {
	if p == nil {
		return records
	}
	result := make([]T, 0, len(records))
	for _, r := range records {
		if p.Filter == nil || p.Filter(r) {
			result = append(result, r)
		}
	}
	if orders := p.Sort.Orders(); len(orders) > 0 {
		slices.SortStableFunc(result, func(a, b T) int {
			return compareRecords(a, b, orders)
		})
	}
	start, end := p.Paging.Window(len(result))
	return result[start:end]
}

func compareRecords(a, b any, orders []Order) int {
	for i := range orders {
		o := &orders[i]
		va, oka := Value(a, o.Property)
		vb, okb := Value(b, o.Property)
		na, nb := !oka || va == nil, !okb || vb == nil
		switch {
		case na && nb:
			continue
		case na || nb:
			// Absolute placement, independent of direction.
			if na == (o.Nulls == NullsFirst) {
				return -1
			}
			return 1
		}
		if c := Compare(va, vb); c != 0 {
			if o.Direction == SortDesc {
				return -c
			}
			return c
		}
	}
	return 0
}

// Value resolves a dotted property path on record. Nil pointers resolve to a
// nil value. ok is false when the path does not name a property.
func Value(record any, path string) (v any, ok bool) {
	rv := reflect.ValueOf(record)
	for part := range strings.SplitSeq(path, ".") {
		rv = indirect(rv)
		if !rv.IsValid() {
			return nil, true
		}
		switch rv.Kind() {
		case reflect.Struct:
			if rv, ok = structField(rv, part); !ok {
				return nil, false
			}
		case reflect.Map:
			if rv.Type().Key().Kind() != reflect.String {
				return nil, false
			}
			rv = rv.MapIndex(reflect.ValueOf(part).Convert(rv.Type().Key()))
			if !rv.IsValid() {
				return nil, false
			}
		default:
			return nil, false
		}
	}
	rv = indirect(rv)
	if !rv.IsValid() {
		return nil, true
	}
	return rv.Interface(), true
}

func indirect(rv reflect.Value) reflect.Value {
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return reflect.Value{}
		}
		rv = rv.Elem()
	}
	return rv
}

// structField finds a field by json name, then Go name, then either one
// case-insensitively. Embedded structs without a json name are searched too.
func structField(rv reflect.Value, name string) (reflect.Value, bool) {
	if f, ok := findField(rv.Type(), name, false); ok {
		return fieldByIndex(rv, f)
	}
	if f, ok := findField(rv.Type(), name, true); ok {
		return fieldByIndex(rv, f)
	}
	return reflect.Value{}, false
}

func findField(t reflect.Type, name string, fold bool) ([]int, bool) {
	eq := func(a string) bool {
		if fold {
			return strings.EqualFold(a, name)
		}
		return a == name
	}
	for i := range t.NumField() {
		sf := t.Field(i)
		if !sf.IsExported() && !sf.Anonymous {
			continue
		}
		tag, _, _ := strings.Cut(sf.Tag.Get("json"), ",")
		if tag == "-" {
			continue
		}
		if sf.Anonymous && tag == "" {
			et := sf.Type
			if et.Kind() == reflect.Pointer {
				et = et.Elem()
			}
			if et.Kind() == reflect.Struct {
				if sub, ok := findField(et, name, fold); ok {
					return append([]int{i}, sub...), true
				}
				continue
			}
		}
		if !sf.IsExported() {
			continue
		}
		if (tag != "" && eq(tag)) || eq(sf.Name) {
			return []int{i}, true
		}
	}
	return nil, false
}

func fieldByIndex(rv reflect.Value, index []int) (reflect.Value, bool) {
	v, err := rv.FieldByIndexErr(index)
	if err != nil {
		// Nil embedded pointer.
		return reflect.Value{}, true
	}
	return v, true
}

// Compare orders two non-nil values. Numbers (including json.Number),
// strings, bools and times compare natively; anything else compares by its
// fmt representation.
func Compare(a, b any) int {
	if fa, ok := number(a); ok {
		if fb, ok := number(b); ok {
			return cmp.Compare(fa, fb)
		}
	}
	switch va := a.(type) {
	case string:
		if vb, ok := b.(string); ok {
			return cmp.Compare(va, vb)
		}
	case bool:
		if vb, ok := b.(bool); ok {
			if va == vb {
				return 0
			}
			if !va && vb {
				return -1
			}
			return 1
		}
	case time.Time:
		if vb, ok := b.(time.Time); ok {
			return va.Compare(vb)
		}
	}
	return cmp.Compare(toString(a), toString(b))
}

func number(v any) (float64, bool) {
	if n, ok := v.(json.Number); ok {
		f, err := n.Float64()
		return f, err == nil
	}
	rv := reflect.ValueOf(v)
	switch {
	case rv.CanInt():
		return float64(rv.Int()), true
	case rv.CanUint():
		return float64(rv.Uint()), true
	case rv.CanFloat():
		return rv.Float(), true
	default:
		return 0, false
	}
}

// toString converts a value to its string representation.
func toString(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}
