// Generates the JSON Schema of a record type.

package schema

import (
	"github.com/invopop/jsonschema"
)

// JSONSchema returns the JSON Schema of the record type. Fields managed by the
// store (identity, key, audit, revision and keep fields) are marked readOnly.
func (m *Metadata) JSONSchema() *jsonschema.Schema {
	r := jsonschema.Reflector{Anonymous: true, DoNotReference: true}
	s := r.ReflectFromType(m.Type)
	s.Title = m.Collection
	for _, f := range m.Properties {
		if f.Role == RoleNone {
			continue
		}
		if prop, ok := s.Properties.Get(f.Property); ok && prop != nil {
			prop.ReadOnly = true
		}
	}
	return s
}
