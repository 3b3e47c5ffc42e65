// Package patient implements ingestion of patient records: locking, merge
// against the stored version, persistence with outbox events and change
// notification.
package patient

import (
	"context"
	"errors"
	"time"

	"github.com/drfirst/go-patientsync/internal/infrastructure/postgres"
	"github.com/drfirst/go-patientsync/internal/record"
)

var (
	// ErrMissingPatientID is returned for records without a patientID.
	ErrMissingPatientID = errors.New("patient record has no patientID")
	// ErrNotFound is returned when no record is stored for a patient.
	ErrNotFound = errors.New("patient not found")
	// ErrVersionConflict is returned by Store.Save when the stored version moved.
	ErrVersionConflict = errors.New("patient version conflict")
	// ErrLockNotAcquired is returned when the per-patient lock could not be taken in time.
	ErrLockNotAcquired = errors.New("patient lock not acquired")
)

// Document is the stored form of a patient record.
type Document struct {
	PatientID string         `json:"patientID"`
	Data      record.Patient `json:"data"`
	Version   int64          `json:"version"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Store persists documents. Save writes doc at doc.Version, which must be
// exactly one above the stored version (1 for a new patient); otherwise it
// returns ErrVersionConflict. Outbox entries are written atomically with it.
type Store interface {
	FindByPatientID(ctx context.Context, patientID string) (*Document, error)
	Save(ctx context.Context, doc *Document, entries ...*postgres.OutboxEntry) error
}

// Locker serializes work on one patient across goroutines or processes.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Notifier receives events after they have been persisted.
type Notifier interface {
	Notify(ctx context.Context, event *Event) error
}

// Recorder receives ingest metrics.
type Recorder interface {
	ObserveIngest(source Source, outcome string, changes int, elapsed time.Duration)
	IncVersionConflict()
}

type nopRecorder struct{}

func (nopRecorder) ObserveIngest(Source, string, int, time.Duration) {}
func (nopRecorder) IncVersionConflict()                              {}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, *Event) error { return nil }
