package reconcile

import (
	"fmt"

	"github.com/drfirst/go-patientsync/internal/record"
)

const fieldNCDDrugOrders = "NCD_Drug_Orders"

// ncdDrugs returns the embedded NCD drug list of a pending medication order.
func ncdDrugs(order record.Value) ([]record.Value, bool) {
	drugs, ok := order.Get(fieldNCDDrugOrders)
	if !ok || !drugs.IsList() {
		return nil, false
	}
	return drugs.Items(), true
}

func indexOfNCD(orders []record.Value) int {
	for i, order := range orders {
		if _, ok := ncdDrugs(order); ok {
			return i
		}
	}
	return -1
}

func diffMedicationOrder(path string, existing, incoming record.Value) []Change {
	existing, incoming = asMap(existing), asMap(incoming)
	var changes []Change
	if in, ok := listField(incoming, fieldSaved); ok {
		cur, _ := listField(existing, fieldSaved)
		changes = append(changes, diffKeyed(join(path, fieldSaved), orderIdentity, cur, in)...)
	}
	if in, ok := listField(incoming, fieldUnsaved); ok {
		cur, _ := listField(existing, fieldUnsaved)
		changes = append(changes, diffPendingOrders(join(path, fieldUnsaved), cur, in)...)
	}
	return changes
}

// diffPendingOrders compares pending orders by position. Embedded NCD drug
// lists are compared by drug_inventory_id.
func diffPendingOrders(path string, existing, incoming []record.Value) []Change {
	var changes []Change
	if len(existing) != len(incoming) {
		changes = append(changes, restructured(path,
			fmt.Sprintf("pending medication order count changed from %d to %d", len(existing), len(incoming))))
	}
	for i, in := range incoming {
		p := atIndex(path, i)
		if i >= len(existing) {
			changes = append(changes, addedItem(p, in))
			continue
		}
		cur := existing[i]
		inDrugs, inHas := ncdDrugs(in)
		curDrugs, curHas := ncdDrugs(cur)
		switch {
		case inHas && curHas:
			changes = append(changes, diffKeyed(join(p, fieldNCDDrugOrders), drugIdentity, curDrugs, inDrugs)...)
		case inHas:
			changes = append(changes, addedItems(join(p, fieldNCDDrugOrders), inDrugs))
		case curHas && !containsEqual(existing, in):
			// Merge keeps the existing NCD entry and appends the order beside it.
			changes = append(changes, addedItem(p, in))
		case !curHas && !record.Equal(cur, in):
			changes = append(changes, updated(p, cur, in))
		}
	}
	return changes
}

func mergeMedicationOrder(existing, incoming record.Value) record.Value {
	return mergeSavedUnsaved(orderIdentity, asMap(existing), asMap(incoming), mergePendingOrders)
}

// mergePendingOrders merges the first incoming order carrying NCD drugs into
// the first existing one (drugs by drug_inventory_id, replace on match), then
// merges the remaining incoming orders by order_id.
func mergePendingOrders(id Identity, existing, incoming []record.Value) []record.Value {
	out := make([]record.Value, len(existing), len(existing)+len(incoming))
	copy(out, existing)

	rest := incoming
	if in := indexOfNCD(incoming); in >= 0 {
		entry := incoming[in]
		rest = make([]record.Value, 0, len(incoming)-1)
		rest = append(rest, incoming[:in]...)
		rest = append(rest, incoming[in+1:]...)

		if at := indexOfNCD(out); at >= 0 {
			curDrugs, _ := ncdDrugs(out[at])
			inDrugs, _ := ncdDrugs(entry)
			drugs := mergePending(drugIdentity, curDrugs, inDrugs)
			out[at] = overlay(out[at], entry).With(fieldNCDDrugOrders, record.List(drugs...))
		} else {
			out = append(out, entry)
		}
	}
	return mergePending(id, out, rest)
}
