// Package reconcile computes structural diffs between two versions of a patient
// record and merges them.
//
// Both phases walk the record section by section using the strategies in the
// sections table. Merge never mutates its inputs; unchanged subtrees of the
// merged record are shared with the existing record.
package reconcile

import (
	"github.com/drfirst/go-patientsync/internal/record"
)

// DiffResult is the outcome of Diff.
type DiffResult struct {
	HasChanges bool     `json:"hasChanges"`
	Changes    []Change `json:"changes"`
}

// MergeResult is the outcome of Merge.
type MergeResult struct {
	MergedData record.Patient `json:"mergedData"`
	HasChanges bool           `json:"hasChanges"`
	Changes    []Change       `json:"changes"`
}

// Diff lists what incoming would change in existing. Sections absent from
// incoming make no claim and are skipped.
func Diff(existing, incoming record.Patient) (*DiffResult, error) {
	if err := checkIdentity(existing, incoming); err != nil {
		return nil, err
	}

	cur, in := existing.Root(), incoming.Root()
	changes := []Change{}

	for _, key := range in.Keys() {
		if key == record.FieldPatientID {
			continue
		}
		if _, ok := sectionsByName[key]; ok {
			continue
		}
		v, _ := in.Get(key)
		if v.IsNull() {
			continue
		}
		old, ok := cur.Get(key)
		switch {
		case !ok:
			changes = append(changes, addedItem(key, v))
		case old.IsMap() && v.IsMap():
			changes = append(changes, diffNested(key, old, v)...)
		case !record.Equal(old, v):
			changes = append(changes, updated(key, old, v))
		}
	}

	for _, s := range sections {
		v, ok := in.Get(s.name)
		if !ok || v.IsNull() {
			continue
		}
		old, _ := cur.Get(s.name)
		changes = append(changes, s.diff(s.name, old, v)...)
	}

	return &DiffResult{HasChanges: len(changes) > 0, Changes: changes}, nil
}

// Merge folds incoming into existing. When Diff finds nothing the existing
// record is returned as is.
func Merge(existing, incoming record.Patient) (*MergeResult, error) {
	diff, err := Diff(existing, incoming)
	if err != nil {
		return nil, err
	}
	if !diff.HasChanges {
		return &MergeResult{MergedData: existing, Changes: diff.Changes}, nil
	}

	cur, in := existing.Root(), incoming.Root()
	fields := cur.Fields()

	for _, key := range in.Keys() {
		if key == record.FieldPatientID {
			continue
		}
		v, _ := in.Get(key)
		if v.IsNull() {
			continue
		}
		old, had := cur.Get(key)

		if s, ok := sectionsByName[key]; ok {
			merged := s.merge(old, v)
			if had || !merged.IsNull() {
				fields[key] = merged
			}
			continue
		}
		if had && old.IsMap() && v.IsMap() {
			fields[key] = deepMerge(old, v)
			continue
		}
		fields[key] = v
	}

	return &MergeResult{
		MergedData: record.NewPatient(record.Map(fields)),
		HasChanges: true,
		Changes:    diff.Changes,
	}, nil
}

func checkIdentity(existing, incoming record.Patient) error {
	if existing.ID() != incoming.ID() {
		return &IdentityMismatchError{Existing: existing.ID(), Incoming: incoming.ID()}
	}
	return nil
}
