package reconcile

import (
	"fmt"

	"github.com/drfirst/go-patientsync/internal/record"
)

const (
	fieldVaccineSchedule  = "vaccine_schedule"
	fieldMilestoneStatus  = "milestone_status"
	fieldAntigens         = "antigens"
	fieldStatus           = "status"
	fieldDateAdministered = "date_administered"
	fieldOrders           = "orders"
	fieldObs              = "obs"
	fieldVoided           = "voided"
)

// antigenMutableFields are the antigen fields an incoming record may overwrite.
var antigenMutableFields = []string{
	fieldStatus,
	fieldDateAdministered,
	"administered_by",
	"batch_number",
	"encounter_id",
	"order_id",
	"can_administer",
}

// diffVaccineSchedule compares visits pairwise. A differing visit count is
// reported as one coarse change without descending into the visits.
func diffVaccineSchedule(path string, existing, incoming record.Value) []Change {
	in, ok := listField(asMap(incoming), fieldVaccineSchedule)
	if !ok {
		return nil
	}
	cur, _ := listField(asMap(existing), fieldVaccineSchedule)
	path = join(path, fieldVaccineSchedule)

	if len(cur) != len(in) {
		return []Change{restructured(path,
			fmt.Sprintf("vaccine schedule visit count changed from %d to %d", len(cur), len(in)))}
	}

	var changes []Change
	for i := range in {
		visitPath := atIndex(path, i)
		if status, ok := in[i].Get(fieldMilestoneStatus); ok {
			old, _ := cur[i].Get(fieldMilestoneStatus)
			if !record.Equal(old, status) {
				changes = append(changes, updated(join(visitPath, fieldMilestoneStatus), old, status))
			}
		}
		changes = append(changes, diffAntigens(join(visitPath, fieldAntigens), cur[i], in[i])...)
	}
	return changes
}

func diffAntigens(path string, existingVisit, incomingVisit record.Value) []Change {
	in, ok := listField(incomingVisit, fieldAntigens)
	if !ok {
		return nil
	}
	cur, _ := listField(existingVisit, fieldAntigens)

	var changes []Change
	n := min(len(cur), len(in))
	for j := 0; j < n; j++ {
		if antigenChanged(cur[j], in[j]) {
			changes = append(changes, updated(atIndex(path, j), cur[j], in[j]))
		}
	}
	if len(in) > len(cur) {
		changes = append(changes, addedItems(path, in[len(cur):]))
	}
	return changes
}

// antigenChanged reports a status change, or a new non-empty administration date.
func antigenChanged(existing, incoming record.Value) bool {
	if status, ok := incoming.Get(fieldStatus); ok {
		old, _ := existing.Get(fieldStatus)
		if !record.Equal(old, status) {
			return true
		}
	}
	if date, ok := incoming.Get(fieldDateAdministered); ok && !date.IsEmpty() {
		old, _ := existing.Get(fieldDateAdministered)
		if !record.Equal(old, date) {
			return true
		}
	}
	return false
}

// mergeVaccineSchedule merges visits by visit number and antigens by drug_id.
// Fields of the schedule object other than the visit list follow the nested
// object rules.
func mergeVaccineSchedule(existing, incoming record.Value) record.Value {
	existing, incoming = asMap(existing), asMap(incoming)
	fields := existing.Fields()
	for _, key := range incoming.Keys() {
		if key == fieldVaccineSchedule {
			continue
		}
		in, _ := incoming.Get(key)
		if cur, ok := fields[key]; ok && cur.IsMap() && in.IsMap() {
			fields[key] = deepMerge(cur, in)
			continue
		}
		fields[key] = in
	}

	if in, ok := listField(incoming, fieldVaccineSchedule); ok {
		cur, _ := listField(existing, fieldVaccineSchedule)
		visits := newKeyedList(visitIdentity, cur)
		for _, visit := range in {
			visits.add(visit, mergeVisit)
		}
		fields[fieldVaccineSchedule] = record.List(visits.items...)
	}
	return record.Map(fields)
}

func mergeVisit(existing, incoming record.Value) record.Value {
	visit := existing
	if status, ok := incoming.Get(fieldMilestoneStatus); ok {
		if old, _ := existing.Get(fieldMilestoneStatus); !record.Equal(old, status) {
			visit = visit.With(fieldMilestoneStatus, status)
		}
	}
	if in, ok := listField(incoming, fieldAntigens); ok {
		cur, _ := listField(existing, fieldAntigens)
		antigens := newKeyedList(antigenIdentity, cur)
		for _, antigen := range in {
			antigens.add(antigen, mergeAntigen)
		}
		visit = visit.With(fieldAntigens, record.List(antigens.items...))
	}
	return visit
}

func mergeAntigen(existing, incoming record.Value) record.Value {
	antigen := existing
	for _, field := range antigenMutableFields {
		if v, ok := incoming.Get(field); ok {
			antigen = antigen.With(field, v)
		}
	}
	return antigen
}

func diffVaccineAdministration(path string, existing, incoming record.Value) []Change {
	existing, incoming = asMap(existing), asMap(incoming)
	var changes []Change
	if in, ok := listField(incoming, fieldOrders); ok {
		cur, _ := listField(existing, fieldOrders)
		changes = append(changes, diffKeyed(join(path, fieldOrders), orderIdentity, cur, in)...)
	}
	if in, ok := listField(incoming, fieldObs); ok {
		cur, _ := listField(existing, fieldObs)
		changes = append(changes, diffKeyed(join(path, fieldObs), obsIdentity, cur, in)...)
	}
	if in, ok := listField(incoming, fieldVoided); ok {
		cur, _ := listField(existing, fieldVoided)
		changes = append(changes, diffSet(join(path, fieldVoided), cur, in)...)
	}
	return changes
}

func mergeVaccineAdministration(existing, incoming record.Value) record.Value {
	existing, incoming = asMap(existing), asMap(incoming)
	fields := existing.Fields()
	for _, key := range incoming.Keys() {
		in, _ := incoming.Get(key)
		cur, _ := existing.Get(key)
		switch key {
		case fieldOrders:
			fields[key] = record.List(mergeKeyed(orderIdentity, cur.Items(), in.Items())...)
		case fieldObs:
			fields[key] = record.List(mergeKeyed(obsIdentity, cur.Items(), in.Items())...)
		case fieldVoided:
			fields[key] = record.List(union(cur.Items(), in.Items())...)
		default:
			fields[key] = in
		}
	}
	return record.Map(fields)
}
