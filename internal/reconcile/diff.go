package reconcile

import "github.com/drfirst/go-patientsync/internal/record"

// diffNested walks two objects in lock-step. Keys only in incoming are new,
// objects on both sides recurse and anything else is compared as a leaf.
// A non-object existing value is treated as empty.
func diffNested(path string, existing, incoming record.Value) []Change {
	var changes []Change
	for _, key := range incoming.Keys() {
		in, _ := incoming.Get(key)
		p := join(path, key)

		cur, ok := existing.Get(key)
		switch {
		case !ok:
			changes = append(changes, addedItem(p, in))
		case cur.IsMap() && in.IsMap():
			changes = append(changes, diffNested(p, cur, in)...)
		case !record.Equal(cur, in):
			changes = append(changes, updated(p, cur, in))
		}
	}
	return changes
}

// diffPositional compares two lists index by index. Extra trailing incoming
// items are reported once as a batch.
func diffPositional(path string, existing, incoming []record.Value) []Change {
	var changes []Change
	if len(incoming) > len(existing) {
		changes = append(changes, addedItems(path, incoming[len(existing):]))
	}
	n := min(len(existing), len(incoming))
	for i := 0; i < n; i++ {
		if !record.Equal(existing[i], incoming[i]) {
			changes = append(changes, updated(atIndex(path, i), existing[i], incoming[i]))
		}
	}
	return changes
}

// diffKeyed indexes existing by identity and looks each incoming item up.
// Unkeyed incoming items are new unless an equal item already exists; the same
// holds for keyed items repeated verbatim under a duplicated key.
func diffKeyed(path string, id Identity, existing, incoming []record.Value) []Change {
	index := make(map[string]record.Value, len(existing))
	for _, item := range existing {
		if key, ok := id.Key(item); ok {
			if _, dup := index[key]; !dup {
				index[key] = item
			}
		}
	}

	var changes []Change
	for i, item := range incoming {
		key, ok := id.Key(item)
		if !ok {
			if !containsEqual(existing, item) {
				changes = append(changes, addedItem(atIndex(path, i), item))
			}
			continue
		}
		cur, found := index[key]
		switch {
		case !found:
			changes = append(changes, addedItem(atKey(path, key), item))
		case !record.Equal(cur, item) && !containsEqual(existing, item):
			changes = append(changes, updated(atKey(path, key), cur, item))
		}
	}
	return changes
}

// diffSet reports incoming members missing from existing as one batch.
func diffSet(path string, existing, incoming []record.Value) []Change {
	var added []record.Value
	for _, item := range incoming {
		if !containsEqual(existing, item) && !containsEqual(added, item) {
			added = append(added, item)
		}
	}
	if len(added) == 0 {
		return nil
	}
	return []Change{addedItems(path, added)}
}

func containsEqual(items []record.Value, v record.Value) bool {
	for _, item := range items {
		if record.Equal(item, v) {
			return true
		}
	}
	return false
}

// asMap coerces a malformed section to an empty object.
func asMap(v record.Value) record.Value {
	if v.IsMap() {
		return v
	}
	return record.EmptyMap()
}

// listField returns the list under key and whether the key was present at all.
// A present but malformed value yields an empty list.
func listField(v record.Value, key string) ([]record.Value, bool) {
	f, ok := v.Get(key)
	if !ok {
		return nil, false
	}
	return f.Items(), true
}
