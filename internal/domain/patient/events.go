package patient

import (
	"time"

	"github.com/google/uuid"

	"github.com/drfirst/go-patientsync/internal/reconcile"
	"github.com/drfirst/go-patientsync/internal/record"
)

// EventType represents the type of patient event
type EventType string

const (
	EventPatientCreated       EventType = "PatientCreated"
	EventPatientMerged        EventType = "PatientMerged"
	EventPatientSyncRequested EventType = "PatientSyncRequested"
)

// Source identifies which side produced an incoming record.
type Source string

const (
	// SourceClient is a record pushed by a local client.
	SourceClient Source = "client"
	// SourceRemote is a record returned by the remote clinic API.
	SourceRemote Source = "remote"
)

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	return s == SourceClient || s == SourceRemote
}

// Event describes a persisted change to one patient.
type Event struct {
	ID        string             `json:"id"`
	Type      EventType          `json:"type"`
	PatientID string             `json:"patientID"`
	Source    Source             `json:"source"`
	Version   int64              `json:"version"`
	Changes   []reconcile.Change `json:"changes"`
	Record    record.Patient     `json:"record"`
	RequestID string             `json:"requestId,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// NewEvent creates a new event
func NewEvent(eventType EventType, doc *Document, source Source, changes []reconcile.Change, requestID string) *Event {
	if changes == nil {
		changes = []reconcile.Change{}
	}
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		PatientID: doc.PatientID,
		Source:    source,
		Version:   doc.Version,
		Changes:   changes,
		Record:    doc.Data,
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
	}
}

// SyncRequest asks the sync worker to push a patient to the remote API.
type SyncRequest struct {
	ID          string    `json:"id"`
	PatientID   string    `json:"patientID"`
	Version     int64     `json:"version"`
	RequestID   string    `json:"requestId,omitempty"`
	RequestedAt time.Time `json:"requestedAt"`
}

// NewSyncRequest creates a sync request for the given document version.
func NewSyncRequest(doc *Document, requestID string) *SyncRequest {
	return &SyncRequest{
		ID:          uuid.New().String(),
		PatientID:   doc.PatientID,
		Version:     doc.Version,
		RequestID:   requestID,
		RequestedAt: time.Now().UTC(),
	}
}
