// Defines composable field groups for identity, audit and revision.

package schema

import "time"

// Identity is an embeddable group holding the identity field.
type Identity struct {
	ID int64 `json:"id,omitempty" store:"id"`
}

// Audit is an embeddable group holding created and changed timestamps.
type Audit struct {
	Created time.Time `json:"created" store:"created"`
	Changed time.Time `json:"changed" store:"changed"`
}

// Versioned is an embeddable group holding the revision counter. The pointer
// distinguishes a record never written (nil) from revision 0.
type Versioned struct {
	Revision *int64 `json:"revision,omitempty" store:"revision"`
}

// Rev returns the revision, or -1 when unset.
func (v *Versioned) Rev() int64 {
	if v.Revision == nil {
		return -1
	}
	return *v.Revision
}
