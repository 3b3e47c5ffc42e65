package reconcile

import (
	"strconv"

	"github.com/drfirst/go-patientsync/internal/record"
)

type identityKind uint8

const (
	identityPositional identityKind = iota
	identityField
	identityFieldOrComposite
)

// Identity decides when two list items describe the same clinical fact.
// The set of strategies is closed: positional, a single key field, or a key
// field with a two-field composite fallback.
type Identity struct {
	kind      identityKind
	field     string
	composite [2]string
}

// Positional matches items by list index only.
func Positional() Identity { return Identity{kind: identityPositional} }

// ByField matches items on one key field.
func ByField(field string) Identity {
	return Identity{kind: identityField, field: field}
}

// ByFieldOrComposite matches items on field, or on the pair (first, second) for
// items that do not carry field yet.
func ByFieldOrComposite(field, first, second string) Identity {
	return Identity{kind: identityFieldOrComposite, field: field, composite: [2]string{first, second}}
}

// Key returns the identity key of item, formatted as "field=value" or
// "first-second=a-b". Items without a usable key return false.
func (id Identity) Key(item record.Value) (string, bool) {
	if id.kind == identityPositional || !item.IsMap() {
		return "", false
	}
	if key, ok := id.fieldKey(item); ok {
		return key, true
	}
	if id.kind == identityFieldOrComposite {
		return id.compositeKey(item)
	}
	return "", false
}

// Keys returns every key item can be recognized by. For composite strategies
// an item that carries both the key field and the composite pair yields two keys.
func (id Identity) Keys(item record.Value) []string {
	if id.kind == identityPositional || !item.IsMap() {
		return nil
	}
	var keys []string
	if key, ok := id.fieldKey(item); ok {
		keys = append(keys, key)
	}
	if id.kind == identityFieldOrComposite {
		if key, ok := id.compositeKey(item); ok {
			keys = append(keys, key)
		}
	}
	return keys
}

func (id Identity) fieldKey(item record.Value) (string, bool) {
	v, ok := item.Get(id.field)
	if !ok || absentKey(v) {
		return "", false
	}
	return id.field + "=" + v.Text(), true
}

// compositeKey quotes both parts so values containing the separator, such as
// hyphenated dates, cannot collide.
func (id Identity) compositeKey(item record.Value) (string, bool) {
	a, okA := item.Get(id.composite[0])
	b, okB := item.Get(id.composite[1])
	if !okA || !okB || absentKey(a) || absentKey(b) {
		return "", false
	}
	return id.composite[0] + "-" + id.composite[1] + "=" + strconv.Quote(a.Text()) + "-" + strconv.Quote(b.Text()), true
}

// absentKey reports whether v cannot serve as a key: null or the empty string.
func absentKey(v record.Value) bool {
	if v.IsNull() {
		return true
	}
	s, ok := v.AsString()
	return ok && s == ""
}

var (
	guardianIdentity          = ByField("relationship_id")
	vitalsIdentity            = ByFieldOrComposite("obs_id", "concept_id", "obs_datetime")
	birthRegistrationIdentity = ByField("concept_id")
	visitIdentity             = ByField("visit")
	antigenIdentity           = ByField("drug_id")
	orderIdentity             = ByField("order_id")
	obsIdentity               = ByField("obs_id")
	appointmentIdentity       = ByFieldOrComposite("obs_id", "concept_id", "value_datetime")
	diagnosisIdentity         = ByFieldOrComposite("obs_id", "concept_id", "obs_datetime")
	drugIdentity              = ByField("drug_inventory_id")
)
