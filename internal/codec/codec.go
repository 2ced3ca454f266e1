// Package codec encodes records to bytes and reads and writes them as files.
//
// Three codecs are available: JSON (default), YAML and MessagePack. The
// [Serializer] adds file helpers and the wrapped envelope used by record types
// that need a type discriminator.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
	"gopkg.in/yaml.v3"

	dberrors "github.com/maruel/fsdb/internal/errors"
)

// Codec converts values to and from bytes.
type Codec interface {
	// Name is the codec name, e.g. "json".
	Name() string
	// Ext is the file extension without the dot.
	Ext() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSON is the default codec. Output is indented for readable diffs.
type JSON struct{}

func (JSON) Name() string { return "json" }
func (JSON) Ext() string  { return "json" }

func (JSON) Marshal(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func (JSON) Unmarshal(data []byte, v any) error {
	d := json.NewDecoder(bytes.NewReader(data))
	d.UseNumber()
	return d.Decode(v)
}

// YAML encodes with gopkg.in/yaml.v3.
type YAML struct{}

func (YAML) Name() string                       { return "yaml" }
func (YAML) Ext() string                        { return "yaml" }
func (YAML) Marshal(v any) ([]byte, error)      { return yaml.Marshal(v) }
func (YAML) Unmarshal(data []byte, v any) error { return yaml.Unmarshal(data, v) }

// MsgPack encodes with MessagePack, using json tags for field names so that
// property names are identical across codecs.
type MsgPack struct{}

func (MsgPack) Name() string { return "msgpack" }
func (MsgPack) Ext() string  { return "msgpack" }

func (MsgPack) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.GetEncoder()
	enc.Reset(&buf)
	enc.SetCustomStructTag("json")
	enc.SetSortMapKeys(true)
	err := enc.Encode(v)
	msgpack.PutEncoder(enc)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (MsgPack) Unmarshal(data []byte, v any) error {
	dec := msgpack.GetDecoder()
	dec.Reset(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	err := dec.Decode(v)
	msgpack.PutDecoder(dec)
	return err
}

// ByName returns the codec registered under name.
func ByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON{}, nil
	case "yaml", "yml":
		return YAML{}, nil
	case "msgpack":
		return MsgPack{}, nil
	default:
		return nil, dberrors.Validation("unknown codec %q", name)
	}
}

// Serializer encodes records with a codec and keeps the type registry used to
// resolve wrapped payloads.
type Serializer struct {
	codec Codec

	mu     sync.RWMutex
	byTag  map[string]reflect.Type
	byType map[reflect.Type]string
}

// New returns a Serializer using c.
func New(c Codec) *Serializer {
	if c == nil {
		c = JSON{}
	}
	return &Serializer{
		codec:  c,
		byTag:  make(map[string]reflect.Type),
		byType: make(map[reflect.Type]string),
	}
}

// Codec returns the underlying codec.
func (s *Serializer) Codec() Codec {
	return s.codec
}

// Ext returns the file extension of the codec, without the dot.
func (s *Serializer) Ext() string {
	return s.codec.Ext()
}

// Encode encodes v.
func (s *Serializer) Encode(v any) ([]byte, error) {
	data, err := s.codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T as %s: %w", v, s.codec.Name(), err)
	}
	return data, nil
}

// Decode decodes data into v, a pointer.
func (s *Serializer) Decode(data []byte, v any) error {
	if err := s.codec.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s into %T: %w", s.codec.Name(), v, err)
	}
	return nil
}

// ReadFile decodes the file at path into v. A missing file is ErrNotFound;
// I/O failures are ErrStorageError; decoding failures are returned as is.
func (s *Serializer) ReadFile(path string, v any) error {
	data, err := readFile(path)
	if err != nil {
		return err
	}
	return s.Decode(data, v)
}

// WriteFile encodes v and writes it to path, creating the parent directory.
func (s *Serializer) WriteFile(path string, v any) error {
	data, err := s.Encode(v)
	if err != nil {
		return err
	}
	return writeFile(path, data)
}

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is built from validated key components
	if err != nil {
		if os.IsNotExist(err) {
			return nil, dberrors.NotFound(path).Wrap(err)
		}
		return nil, dberrors.Storage("failed to read "+path, err)
	}
	return data, nil
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil { //nolint:gosec // G301: 0o755 is intentional for data directories
		return dberrors.Storage("failed to create directory for "+path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil { //nolint:gosec // G306: 0o644 is intentional for data files
		return dberrors.Storage("failed to write "+path, err)
	}
	return nil
}
