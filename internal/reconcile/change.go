package reconcile

import (
	"strconv"

	"github.com/drfirst/go-patientsync/internal/record"
)

// ChangeType classifies a Change.
type ChangeType string

const (
	ChangeNew     ChangeType = "new"
	ChangeUpdated ChangeType = "updated"
)

// Change describes one difference between an existing and an incoming record.
// Section is a dotted path into the record; list items are addressed by position
// ("vitals.saved[2]") or by identity key ("diagnosis.saved[obs_id=42]").
type Change struct {
	Section string     `json:"section"`
	Type    ChangeType `json:"type"`
	Details Details    `json:"details"`
}

// Details holds the payload of a Change. Which fields are set depends on the
// section: Old/New for value updates, NewItem or NewItems for additions and
// Message for coarse structural differences.
type Details struct {
	Old      *record.Value  `json:"old,omitempty"`
	New      *record.Value  `json:"new,omitempty"`
	NewItem  *record.Value  `json:"newItem,omitempty"`
	NewItems []record.Value `json:"newItems,omitempty"`
	Message  string         `json:"message,omitempty"`
}

func updated(path string, from, to record.Value) Change {
	return Change{Section: path, Type: ChangeUpdated, Details: Details{Old: &from, New: &to}}
}

func addedItem(path string, item record.Value) Change {
	return Change{Section: path, Type: ChangeNew, Details: Details{NewItem: &item}}
}

func addedItems(path string, items []record.Value) Change {
	return Change{Section: path, Type: ChangeNew, Details: Details{NewItems: items}}
}

func restructured(path, message string) Change {
	return Change{Section: path, Type: ChangeUpdated, Details: Details{Message: message}}
}

func join(parent, child string) string {
	if parent == "" {
		return child
	}
	return parent + "." + child
}

func atIndex(path string, i int) string {
	return path + "[" + strconv.Itoa(i) + "]"
}

func atKey(path, key string) string {
	return path + "[" + key + "]"
}
