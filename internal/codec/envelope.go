// Implements the type-tagged envelope for wrapped records.

package codec

import (
	"reflect"

	dberrors "github.com/maruel/fsdb/internal/errors"
)

// Envelope is the on-disk form of a wrapped payload: a type tag resolved
// through the Serializer's registry plus the payload itself.
type Envelope struct {
	Type    string `json:"type" yaml:"type" msgpack:"type"`
	Payload any    `json:"payload" yaml:"payload" msgpack:"payload"`
}

// Register binds tag to the type of prototype (a value or a pointer to it).
// Registering the same pair twice is a no-op; rebinding a tag or a type to
// something else is an error.
func (s *Serializer) Register(tag string, prototype any) error {
	t := reflect.TypeOf(prototype)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || tag == "" {
		return dberrors.Validation("invalid registration %q for %T", tag, prototype)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.byTag[tag]; ok && prev != t {
		return dberrors.Validation("type tag %q already bound to %v", tag, prev)
	}
	if prev, ok := s.byType[t]; ok && prev != tag {
		return dberrors.Validation("type %v already bound to tag %q", t, prev)
	}
	s.byTag[tag] = t
	s.byType[t] = tag
	return nil
}

// TagOf returns the tag registered for v's type.
func (s *Serializer) TagOf(v any) (string, bool) {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	tag, ok := s.byType[t]
	return tag, ok
}

// EncodeWrapped encodes v inside an Envelope tagged with its registered type.
func (s *Serializer) EncodeWrapped(v any) ([]byte, error) {
	tag, ok := s.TagOf(v)
	if !ok {
		return nil, dberrors.Validation("type %T is not registered", v)
	}
	// Round trip the payload through the codec's generic form so the
	// envelope holds plain maps whatever the codec.
	raw, err := s.Encode(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := s.Decode(raw, &generic); err != nil {
		return nil, err
	}
	return s.Encode(&Envelope{Type: tag, Payload: generic})
}

// DecodeWrapped decodes an Envelope and returns a pointer to a new value of
// the registered type.
func (s *Serializer) DecodeWrapped(data []byte) (any, error) {
	var env Envelope
	if err := s.Decode(data, &env); err != nil {
		return nil, err
	}
	s.mu.RLock()
	t, ok := s.byTag[env.Type]
	s.mu.RUnlock()
	if !ok {
		return nil, dberrors.Validation("unknown type tag %q", env.Type)
	}
	raw, err := s.Encode(env.Payload)
	if err != nil {
		return nil, err
	}
	v := reflect.New(t)
	if err := s.Decode(raw, v.Interface()); err != nil {
		return nil, err
	}
	return v.Interface(), nil
}

// ReadWrapped reads and decodes a wrapped file.
func (s *Serializer) ReadWrapped(path string) (any, error) {
	data, err := readFile(path)
	if err != nil {
		return nil, err
	}
	return s.DecodeWrapped(data)
}

// WriteWrapped encodes v in an Envelope and writes it to path.
func (s *Serializer) WriteWrapped(path string, v any) error {
	data, err := s.EncodeWrapped(v)
	if err != nil {
		return err
	}
	return writeFile(path, data)
}
