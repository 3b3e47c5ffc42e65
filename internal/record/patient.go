package record

import (
	"errors"
	"fmt"
)

// FieldPatientID is the top-level field holding the stable patient identifier.
const FieldPatientID = "patientID"

// ErrNotObject is returned when a patient document is not a JSON object.
var ErrNotObject = errors.New("patient record must be a JSON object")

// Patient is one patient's full clinical document.
type Patient struct {
	root Value
}

// NewPatient wraps a map-rooted Value. Any other kind yields an empty record.
func NewPatient(root Value) Patient {
	if !root.IsMap() {
		return Patient{root: EmptyMap()}
	}
	return Patient{root: root}
}

// ParsePatient decodes a JSON patient document.
func ParsePatient(data []byte) (Patient, error) {
	v, err := Parse(data)
	if err != nil {
		return Patient{}, err
	}
	if !v.IsMap() {
		return Patient{}, fmt.Errorf("%w: got %s", ErrNotObject, v.Kind())
	}
	return Patient{root: v}, nil
}

// ID returns the canonical text of the patientID field, or "" when absent.
func (p Patient) ID() string {
	id, _ := p.Root().Get(FieldPatientID)
	return id.Text()
}

// Root returns the document tree.
func (p Patient) Root() Value {
	if p.root.kind != KindMap {
		return EmptyMap()
	}
	return p.root
}

// Section returns the top-level field name.
func (p Patient) Section(name string) (Value, bool) {
	return p.Root().Get(name)
}

// Equal reports whether two records are structurally equal.
func (p Patient) Equal(other Patient) bool {
	return Equal(p.Root(), other.Root())
}

// MarshalJSON implements json.Marshaler.
func (p Patient) MarshalJSON() ([]byte, error) {
	return p.Root().MarshalJSON()
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Patient) UnmarshalJSON(data []byte) error {
	parsed, err := ParsePatient(data)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
