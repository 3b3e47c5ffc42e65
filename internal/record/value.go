// Package record provides the tree representation of patient clinical documents.
//
// Documents arrive as semi-structured JSON whose shape varies by client version,
// so they are held as a recursive tagged union rather than fixed Go structs.
// Values are immutable: every builder returns a new Value and never modifies
// the receiver, which lets merged trees share unchanged subtrees with their inputs.
package record

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// Kind identifies the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindList
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "Kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Value is a node of a JSON document tree. The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	num  json.Number
	str  string
	list []Value
	obj  map[string]Value
}

// Null is the null value.
var Null = Value{}

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Number returns a numeric value from its JSON text.
func Number(n json.Number) Value { return Value{kind: KindNumber, num: n} }

// Int returns a numeric value.
func Int(i int64) Value { return Number(json.Number(strconv.FormatInt(i, 10))) }

// Float returns a numeric value. f must be finite; FromAny rejects NaN and
// infinities.
func Float(f float64) Value {
	return Number(json.Number(strconv.FormatFloat(f, 'f', -1, 64)))
}

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// List returns a list holding a copy of items.
func List(items ...Value) Value {
	cp := make([]Value, len(items))
	copy(cp, items)
	return Value{kind: KindList, list: cp}
}

// Map returns a map holding a copy of fields.
func Map(fields map[string]Value) Value {
	cp := make(map[string]Value, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	return Value{kind: KindMap, obj: cp}
}

// EmptyMap returns a map with no fields.
func EmptyMap() Value { return Value{kind: KindMap, obj: map[string]Value{}} }

// Kind reports the variant held by v.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// IsMap reports whether v is a map.
func (v Value) IsMap() bool { return v.kind == KindMap }

// IsList reports whether v is a list.
func (v Value) IsList() bool { return v.kind == KindList }

// IsScalar reports whether v is a bool, number or string.
func (v Value) IsScalar() bool {
	return v.kind == KindBool || v.kind == KindNumber || v.kind == KindString
}

// IsEmpty reports whether v is null, an empty string, an empty list or an empty map.
func (v Value) IsEmpty() bool {
	switch v.kind {
	case KindNull:
		return true
	case KindString:
		return v.str == ""
	case KindList:
		return len(v.list) == 0
	case KindMap:
		return len(v.obj) == 0
	default:
		return false
	}
}

// AsBool returns the boolean held by v.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsString returns the string held by v.
func (v Value) AsString() (string, bool) { return v.str, v.kind == KindString }

// AsNumber returns the number held by v.
func (v Value) AsNumber() (json.Number, bool) { return v.num, v.kind == KindNumber }

// Len returns the number of items of a list or fields of a map, and 0 otherwise.
func (v Value) Len() int {
	switch v.kind {
	case KindList:
		return len(v.list)
	case KindMap:
		return len(v.obj)
	default:
		return 0
	}
}

// Items returns a copy of the items of a list. Any other kind yields nil.
func (v Value) Items() []Value {
	if v.kind != KindList {
		return nil
	}
	cp := make([]Value, len(v.list))
	copy(cp, v.list)
	return cp
}

// Index returns the i-th item of a list.
func (v Value) Index(i int) (Value, bool) {
	if v.kind != KindList || i < 0 || i >= len(v.list) {
		return Null, false
	}
	return v.list[i], true
}

// Get returns the field key of a map.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindMap {
		return Null, false
	}
	f, ok := v.obj[key]
	return f, ok
}

// Has reports whether v is a map with a field key.
func (v Value) Has(key string) bool {
	_, ok := v.Get(key)
	return ok
}

// Lookup follows a chain of map keys.
func (v Value) Lookup(path ...string) (Value, bool) {
	cur := v
	for _, key := range path {
		next, ok := cur.Get(key)
		if !ok {
			return Null, false
		}
		cur = next
	}
	return cur, true
}

// Keys returns the sorted field names of a map.
func (v Value) Keys() []string {
	if v.kind != KindMap {
		return nil
	}
	keys := make([]string, 0, len(v.obj))
	for k := range v.obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Fields returns a copy of the fields of a map. Any other kind yields an empty map,
// so callers can always build on the result.
func (v Value) Fields() map[string]Value {
	cp := make(map[string]Value, v.Len())
	if v.kind == KindMap {
		for k, f := range v.obj {
			cp[k] = f
		}
	}
	return cp
}

// With returns a copy of the map v with key set to val.
// A receiver that is not a map is treated as an empty map.
func (v Value) With(key string, val Value) Value {
	size := 1
	if v.kind == KindMap {
		size += len(v.obj)
	}
	cp := make(map[string]Value, size)
	if v.kind == KindMap {
		for k, f := range v.obj {
			cp[k] = f
		}
	}
	cp[key] = val
	return Value{kind: KindMap, obj: cp}
}

// Without returns a copy of the map v without key.
func (v Value) Without(key string) Value {
	if v.kind != KindMap {
		return v
	}
	if _, ok := v.obj[key]; !ok {
		return v
	}
	cp := make(map[string]Value, len(v.obj))
	for k, f := range v.obj {
		if k != key {
			cp[k] = f
		}
	}
	return Value{kind: KindMap, obj: cp}
}

// Append returns a copy of the list v with items added at the end.
// A receiver that is not a list is treated as an empty list.
func (v Value) Append(items ...Value) Value {
	var base []Value
	if v.kind == KindList {
		base = v.list
	}
	cp := make([]Value, 0, len(base)+len(items))
	cp = append(cp, base...)
	cp = append(cp, items...)
	return Value{kind: KindList, list: cp}
}

// Text returns the canonical text of v, used when a value serves as an identity key.
// Strings are returned as-is, numbers in their shortest decimal form, booleans as
// "true"/"false", null as "" and containers as canonical JSON.
func (v Value) Text() string {
	switch v.kind {
	case KindNull:
		return ""
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindNumber:
		return canonicalNumber(v.num)
	case KindString:
		return v.str
	default:
		return string(v.Canonical())
	}
}

// Equal reports whether a and b are structurally equal. Numbers compare by value,
// so 1 and 1.0 are equal; map field order never matters.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindBool:
		return a.b == b.b
	case KindNumber:
		return canonicalNumber(a.num) == canonicalNumber(b.num)
	case KindString:
		return a.str == b.str
	case KindList:
		if len(a.list) != len(b.list) {
			return false
		}
		for i := range a.list {
			if !Equal(a.list[i], b.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(a.obj) != len(b.obj) {
			return false
		}
		for k, av := range a.obj {
			bv, ok := b.obj[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	}
	return false
}

func canonicalNumber(n json.Number) string {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return strconv.FormatInt(i, 10)
		}
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return s
}
