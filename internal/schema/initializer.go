// Implements the initializers of created and changed fields.

package schema

import (
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/maruel/ksid"

	dberrors "github.com/maruel/fsdb/internal/errors"
)

// Initializer produces the value stamped into a created or changed field. The
// returned value must be assignable to t.
type Initializer func(t reflect.Type) (reflect.Value, error)

var (
	initMu       sync.RWMutex
	initializers = map[string]Initializer{
		"now":    initNow,
		"millis": initMillis,
		"ksid":   initKSID,
	}
)

// RegisterInitializer makes an initializer available as `created=<name>` or
// `changed=<name>`. It must be called before the types using it are described.
func RegisterInitializer(name string, fn Initializer) {
	initMu.Lock()
	defer initMu.Unlock()
	initializers[name] = fn
}

var ksidType = reflect.TypeFor[ksid.ID]()

func lookupInitializer(name string, t reflect.Type) (Initializer, string, error) {
	if name == "" {
		name = "now"
		if deref(t) == ksidType {
			name = "ksid"
		}
	}
	initMu.RLock()
	fn, ok := initializers[name]
	initMu.RUnlock()
	if !ok {
		return nil, "", dberrors.Schema("unknown initializer %q", name)
	}
	return fn, name, nil
}

// initNow stamps the current time: time.Time as is, integers as epoch millis,
// strings as RFC 3339.
func initNow(t reflect.Type) (reflect.Value, error) {
	return timeValue(time.Now().UTC(), t)
}

// initMillis stamps the current time truncated to the millisecond.
func initMillis(t reflect.Type) (reflect.Value, error) {
	return timeValue(time.Now().UTC().Truncate(time.Millisecond), t)
}

func initKSID(t reflect.Type) (reflect.Value, error) {
	base := deref(t)
	var v reflect.Value
	switch {
	case base == ksidType:
		v = reflect.ValueOf(ksid.NewID())
	case base.Kind() == reflect.String:
		v = reflect.ValueOf(ksid.NewID().String()).Convert(base)
	default:
		return reflect.Value{}, fmt.Errorf("cannot store a ksid in %v", t)
	}
	return wrapPointer(v, t), nil
}

func timeValue(now time.Time, t reflect.Type) (reflect.Value, error) {
	base := deref(t)
	var v reflect.Value
	switch {
	case base == timeType:
		v = reflect.ValueOf(now)
	case base == ksidType:
		v = reflect.ValueOf(ksid.NewID())
	case base.Kind() == reflect.String:
		v = reflect.ValueOf(now.Format(time.RFC3339Nano)).Convert(base)
	case isInteger(base):
		v = reflect.New(base).Elem()
		if base.Kind() >= reflect.Uint && base.Kind() <= reflect.Uint64 {
			v.SetUint(uint64(now.UnixMilli()))
		} else {
			v.SetInt(now.UnixMilli())
		}
	case base.Kind() == reflect.Float32 || base.Kind() == reflect.Float64:
		v = reflect.New(base).Elem()
		v.SetFloat(float64(now.UnixMilli()))
	default:
		return reflect.Value{}, fmt.Errorf("cannot store a timestamp in %v", t)
	}
	return wrapPointer(v, t), nil
}

func deref(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}

// wrapPointer returns v as a value of t, allocating when t is a pointer.
func wrapPointer(v reflect.Value, t reflect.Type) reflect.Value {
	if t.Kind() != reflect.Pointer {
		return v
	}
	p := reflect.New(t.Elem())
	p.Elem().Set(wrapPointer(v, t.Elem()))
	return p
}
