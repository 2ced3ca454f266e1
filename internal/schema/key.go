// Resolves and validates record keys.

package schema

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	dberrors "github.com/maruel/fsdb/internal/errors"
)

// Key returns the flattened key components of the record rv (a struct or a
// pointer to struct), expanding alias keys in declared order.
func (m *Metadata) Key(rv reflect.Value) ([]string, error) {
	rv = reflect.Indirect(rv)
	if rv.Type() != m.Type {
		return nil, dberrors.Validation("expected %v, got %v", m.Type, rv.Type())
	}
	key := make([]string, 0, m.keyLen)
	key, err := appendKey(key, m.Keys, rv)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", m.Collection, err)
	}
	return key, nil
}

// ExpandKey converts caller supplied key values to components. A value whose
// type declares key fields is expanded recursively.
func (m *Metadata) ExpandKey(values []any) ([]string, error) {
	key := make([]string, 0, m.keyLen)
	for _, v := range values {
		rv := reflect.ValueOf(v)
		for rv.Kind() == reflect.Pointer && !rv.IsNil() {
			rv = rv.Elem()
		}
		if !rv.IsValid() || (rv.Kind() == reflect.Pointer && rv.IsNil()) {
			return nil, dberrors.Validation("%s: key component is null", m.Collection)
		}
		alias, err := keyFieldsOf(rv.Type())
		if err != nil {
			return nil, err
		}
		if alias != nil {
			if key, err = appendKey(key, alias, rv); err != nil {
				return nil, fmt.Errorf("%s: %w", m.Collection, err)
			}
			continue
		}
		c, err := FormatComponent(rv)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", m.Collection, err)
		}
		key = append(key, c)
	}
	if len(key) != m.keyLen {
		return nil, dberrors.Validation("%s: expected %d key components, got %d", m.Collection, m.keyLen, len(key))
	}
	return key, nil
}

func appendKey(dst []string, fields []*Field, rv reflect.Value) ([]string, error) {
	for _, f := range fields {
		fv := f.Value(rv)
		if f.Alias != nil {
			for fv.Kind() == reflect.Pointer {
				if fv.IsNil() {
					return nil, dberrors.Validation("key field %s is null", f.Name)
				}
				fv = fv.Elem()
			}
			var err error
			if dst, err = appendKey(dst, f.Alias, fv); err != nil {
				return nil, err
			}
			continue
		}
		c, err := FormatComponent(fv)
		if err != nil {
			return nil, fmt.Errorf("key field %s: %w", f.Name, err)
		}
		dst = append(dst, c)
	}
	return dst, nil
}

var timeType = reflect.TypeFor[time.Time]()

// FormatComponent renders a primitive key value as a path component.
func FormatComponent(v reflect.Value) (string, error) {
	for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return "", dberrors.Validation("key component is null")
		}
		v = v.Elem()
	}
	var s string
	switch {
	case v.Type() == timeType:
		s = v.Interface().(time.Time).UTC().Format(time.RFC3339Nano)
	case v.Kind() == reflect.String:
		s = v.String()
	case v.CanInt():
		s = strconv.FormatInt(v.Int(), 10)
	case v.CanUint():
		s = strconv.FormatUint(v.Uint(), 10)
	case v.CanFloat():
		s = strconv.FormatFloat(v.Float(), 'g', -1, 64)
	case v.Kind() == reflect.Bool:
		s = strconv.FormatBool(v.Bool())
	default:
		if st, ok := v.Interface().(fmt.Stringer); ok {
			s = st.String()
		} else {
			return "", dberrors.Validation("unsupported key type %v", v.Type())
		}
	}
	if err := ValidateComponent(s); err != nil {
		return "", err
	}
	return s, nil
}

// ValidateComponent rejects values that cannot be used as a single directory
// name inside a collection.
func ValidateComponent(s string) error {
	switch {
	case s == "":
		return dberrors.Validation("key component is empty")
	case strings.HasPrefix(s, "."), strings.HasPrefix(s, "@"):
		return dberrors.Validation("key component %q must not start with '.' or '@'", s)
	case strings.ContainsAny(s, "/\\\x00"):
		return dberrors.Validation("key component %q contains a path separator", s)
	case strings.ContainsAny(s, "\r\n"):
		return dberrors.Validation("key component %q contains a line break", s)
	}
	return nil
}
