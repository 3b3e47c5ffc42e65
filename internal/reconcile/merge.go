package reconcile

import "github.com/drfirst/go-patientsync/internal/record"

// deepMerge overlays incoming onto existing. Objects on both sides merge
// recursively; otherwise the incoming value wins. A non-object incoming value
// makes no claim on an object section and leaves existing untouched.
func deepMerge(existing, incoming record.Value) record.Value {
	if !incoming.IsMap() {
		return existing
	}
	fields := existing.Fields()
	for _, key := range incoming.Keys() {
		in, _ := incoming.Get(key)
		if cur, ok := fields[key]; ok && cur.IsMap() && in.IsMap() {
			fields[key] = deepMerge(cur, in)
			continue
		}
		fields[key] = in
	}
	return record.Map(fields)
}

// mergeItem merges two list items that share an identity: objects merge deeply,
// anything else is replaced by the incoming item.
func mergeItem(existing, incoming record.Value) record.Value {
	if existing.IsMap() && incoming.IsMap() {
		return deepMerge(existing, incoming)
	}
	return incoming
}

// overlay copies the top-level fields of incoming over existing.
func overlay(existing, incoming record.Value) record.Value {
	fields := existing.Fields()
	for _, key := range incoming.Keys() {
		fields[key], _ = incoming.Get(key)
	}
	return record.Map(fields)
}

// keyedList is a list under construction with an index of item positions by key.
type keyedList struct {
	id    Identity
	items []record.Value
	pos   map[string]int
}

func newKeyedList(id Identity, existing []record.Value) *keyedList {
	l := &keyedList{
		id:    id,
		items: make([]record.Value, len(existing), len(existing)+4),
		pos:   make(map[string]int, len(existing)),
	}
	copy(l.items, existing)
	for i, item := range l.items {
		if key, ok := id.Key(item); ok {
			if _, dup := l.pos[key]; !dup {
				l.pos[key] = i
			}
		}
	}
	return l
}

// add merges item into the list. Unseen and unkeyed items are appended (an
// unkeyed item already present verbatim is skipped); a seen item is combined
// with its counterpart via combine.
func (l *keyedList) add(item record.Value, combine func(existing, incoming record.Value) record.Value) {
	key, ok := l.id.Key(item)
	if !ok {
		if !containsEqual(l.items, item) {
			l.items = append(l.items, item)
		}
		return
	}
	if at, seen := l.pos[key]; seen {
		l.items[at] = combine(l.items[at], item)
		return
	}
	l.pos[key] = len(l.items)
	l.items = append(l.items, item)
}

func replaceItem(_, incoming record.Value) record.Value { return incoming }

// mergeKeyed merges two confirmed lists: matching items are deep-merged in place.
func mergeKeyed(id Identity, existing, incoming []record.Value) []record.Value {
	l := newKeyedList(id, existing)
	for _, item := range incoming {
		l.add(item, mergeItem)
	}
	return l.items
}

// mergePending merges two pending lists: a matching incoming item replaces the
// existing one wholesale.
func mergePending(id Identity, existing, incoming []record.Value) []record.Value {
	l := newKeyedList(id, existing)
	for _, item := range incoming {
		l.add(item, replaceItem)
	}
	return l.items
}

// retire drops pending items whose identity now appears among the confirmed
// items. Both the key field and the composite pair are checked, so an item
// confirmed remotely with a freshly assigned obs_id still retires its pending
// twin keyed only by the composite.
func retire(id Identity, pending, confirmed []record.Value) []record.Value {
	confirmedKeys := make(map[string]struct{})
	for _, item := range confirmed {
		for _, key := range id.Keys(item) {
			confirmedKeys[key] = struct{}{}
		}
	}
	if len(confirmedKeys) == 0 {
		return pending
	}

	out := make([]record.Value, 0, len(pending))
next:
	for _, item := range pending {
		for _, key := range id.Keys(item) {
			if _, done := confirmedKeys[key]; done {
				continue next
			}
		}
		out = append(out, item)
	}
	return out
}

// union appends incoming members missing from existing.
func union(existing, incoming []record.Value) []record.Value {
	out := make([]record.Value, len(existing), len(existing)+len(incoming))
	copy(out, existing)
	for _, item := range incoming {
		if !containsEqual(out, item) {
			out = append(out, item)
		}
	}
	return out
}
