// Provides reflection helpers to read, write and copy field values.

package schema

import (
	"reflect"

	dberrors "github.com/maruel/fsdb/internal/errors"
)

// IsNull reports whether v holds no value: a nil pointer, interface, map or
// slice, or the zero value of any other type.
func IsNull(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Invalid:
		return true
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice:
		return v.IsNil()
	default:
		return v.IsZero()
	}
}

// Int returns the integer held by v, dereferencing pointers. ok is false when
// v is null.
func Int(v reflect.Value) (n int64, ok bool) {
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return 0, false
		}
		v = v.Elem()
	}
	switch {
	case v.CanInt():
		return v.Int(), true
	case v.CanUint():
		return int64(v.Uint()), true
	default:
		return 0, false
	}
}

// Clone returns a deep copy of v. Pointers, slices, maps and interfaces are
// duplicated; unexported struct fields are copied as is. v must not contain
// cycles.
func Clone(v reflect.Value) reflect.Value {
	switch v.Kind() {
	case reflect.Pointer:
		if v.IsNil() {
			return v
		}
		p := reflect.New(v.Type().Elem())
		p.Elem().Set(Clone(v.Elem()))
		return p
	case reflect.Slice:
		if v.IsNil() {
			return v
		}
		s := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		for i := range v.Len() {
			s.Index(i).Set(Clone(v.Index(i)))
		}
		return s
	case reflect.Map:
		if v.IsNil() {
			return v
		}
		m := reflect.MakeMapWithSize(v.Type(), v.Len())
		for it := v.MapRange(); it.Next(); {
			m.SetMapIndex(Clone(it.Key()), Clone(it.Value()))
		}
		return m
	case reflect.Array:
		a := reflect.New(v.Type()).Elem()
		for i := range v.Len() {
			a.Index(i).Set(Clone(v.Index(i)))
		}
		return a
	case reflect.Struct:
		s := reflect.New(v.Type()).Elem()
		s.Set(v)
		for i := range v.NumField() {
			if v.Type().Field(i).IsExported() {
				s.Field(i).Set(Clone(v.Field(i)))
			}
		}
		return s
	case reflect.Interface:
		if v.IsNil() {
			return v
		}
		out := reflect.New(v.Type()).Elem()
		out.Set(Clone(v.Elem()))
		return out
	default:
		return v
	}
}

// SetInt stores n in the integer field v, allocating pointers as needed.
func SetInt(v reflect.Value, n int64) {
	if v.Kind() == reflect.Pointer {
		p := reflect.New(v.Type().Elem())
		SetInt(p.Elem(), n)
		v.Set(p)
		return
	}
	if v.CanUint() {
		v.SetUint(uint64(n))
		return
	}
	v.SetInt(n)
}

// Assign stores value into dst, converting between compatible kinds and
// allocating pointers. A nil value resets dst to its zero value.
func Assign(dst reflect.Value, value any) error {
	if value == nil {
		dst.Set(reflect.Zero(dst.Type()))
		return nil
	}
	src := reflect.ValueOf(value)
	if v, ok := convert(src, dst.Type()); ok {
		dst.Set(v)
		return nil
	}
	if dst.Kind() == reflect.Pointer {
		if v, ok := convert(src, dst.Type().Elem()); ok {
			p := reflect.New(dst.Type().Elem())
			p.Elem().Set(v)
			dst.Set(p)
			return nil
		}
	}
	if src.Kind() == reflect.Pointer && !src.IsNil() {
		return Assign(dst, src.Elem().Interface())
	}
	return dberrors.Validation("cannot assign %T to %v", value, dst.Type())
}

func convert(src reflect.Value, t reflect.Type) (reflect.Value, bool) {
	if src.Type().AssignableTo(t) {
		return src, true
	}
	if !src.Type().ConvertibleTo(t) {
		return reflect.Value{}, false
	}
	// Only convert within the same family; int -> string is a rune
	// conversion in Go and never what a caller means.
	if numeric(src.Kind()) != numeric(t.Kind()) {
		return reflect.Value{}, false
	}
	return src.Convert(t), true
}

func numeric(k reflect.Kind) bool {
	return k >= reflect.Int && k <= reflect.Float64
}
