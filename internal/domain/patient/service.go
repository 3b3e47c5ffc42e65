package patient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-patientsync/internal/infrastructure/postgres"
	"github.com/drfirst/go-patientsync/internal/reconcile"
	"github.com/drfirst/go-patientsync/internal/record"
)

// Ingest outcomes reported to the Recorder.
const (
	OutcomeCreated   = "created"
	OutcomeMerged    = "merged"
	OutcomeUnchanged = "unchanged"
	OutcomeFailed    = "failed"
)

// ServiceConfig holds configuration for the service
type ServiceConfig struct {
	// MaxRetries is how many times a merge is redone after a version conflict
	MaxRetries int
	// LockWait bounds how long Ingest waits for the per-patient lock
	LockWait time.Duration
	// ChangedTopic receives an event for every persisted change
	ChangedTopic string
	// SyncTopic receives a sync request for every client change
	SyncTopic string
}

// DefaultServiceConfig returns sensible defaults
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		MaxRetries:   3,
		LockWait:     5 * time.Second,
		ChangedTopic: "patient.changed",
		SyncTopic:    "patient.sync.requests",
	}
}

// IngestRequest is one incoming version of a patient record.
type IngestRequest struct {
	Record    record.Patient
	Source    Source
	RequestID string
}

// IngestResult reports what Ingest did.
type IngestResult struct {
	PatientID  string             `json:"patientID"`
	Version    int64              `json:"version"`
	Created    bool               `json:"created"`
	HasChanges bool               `json:"hasChanges"`
	Changes    []reconcile.Change `json:"changes"`
	Record     record.Patient     `json:"record"`
}

// Service ingests patient records.
type Service struct {
	store    Store
	locker   Locker
	notifier Notifier
	recorder Recorder
	config   ServiceConfig
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewService creates a service. locker, notifier and recorder may be nil.
func NewService(store Store, locker Locker, notifier Notifier, recorder Recorder, cfg ServiceConfig, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if locker == nil {
		locker = NewLocalLocker()
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Service{
		store:    store,
		locker:   locker,
		notifier: notifier,
		recorder: recorder,
		config:   cfg,
		logger:   logger,
		tracer:   otel.Tracer("patient-service"),
	}
}

// Ingest creates the patient on first sight, otherwise merges the incoming
// record into the stored one. Work on one patient is serialized by the
// Locker; a version conflict reloads and merges again up to MaxRetries times.
func (s *Service) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	id := req.Record.ID()
	if id == "" {
		return nil, ErrMissingPatientID
	}
	if req.Source == "" {
		req.Source = SourceClient
	}

	ctx, span := s.tracer.Start(ctx, "patient_ingest",
		trace.WithAttributes(
			attribute.String("patient_id", id),
			attribute.String("source", string(req.Source)),
		))
	defer span.End()

	start := time.Now()
	result, err := s.ingestLocked(ctx, id, req)
	if err != nil {
		span.RecordError(err)
		s.recorder.ObserveIngest(req.Source, OutcomeFailed, 0, time.Since(start))
		return nil, err
	}

	outcome := OutcomeUnchanged
	switch {
	case result.Created:
		outcome = OutcomeCreated
	case result.HasChanges:
		outcome = OutcomeMerged
	}
	s.recorder.ObserveIngest(req.Source, outcome, len(result.Changes), time.Since(start))
	span.SetAttributes(
		attribute.String("outcome", outcome),
		attribute.Int("changes", len(result.Changes)),
		attribute.Int64("version", result.Version),
	)

	return result, nil
}

func (s *Service) ingestLocked(ctx context.Context, id string, req IngestRequest) (*IngestResult, error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.config.LockWait)
	unlock, err := s.locker.Lock(lockCtx, id)
	cancel()
	if err != nil {
		if !errors.Is(err, ErrLockNotAcquired) {
			err = fmt.Errorf("%w: %s: %v", ErrLockNotAcquired, id, err)
		}
		return nil, err
	}
	defer unlock()

	for attempt := 0; ; attempt++ {
		result, event, err := s.ingestOnce(ctx, id, req)
		if errors.Is(err, ErrVersionConflict) && attempt < s.config.MaxRetries {
			s.recorder.IncVersionConflict()
			s.logger.Warn("version conflict, retrying merge",
				zap.String("patient_id", id),
				zap.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			return nil, err
		}

		if event != nil {
			if err := s.notifier.Notify(ctx, event); err != nil {
				s.logger.Warn("change notification failed",
					zap.String("patient_id", id),
					zap.Error(err))
			}
			s.logger.Info("patient ingested",
				zap.String("patient_id", id),
				zap.String("source", string(req.Source)),
				zap.String("request_id", req.RequestID),
				zap.String("event_type", string(event.Type)),
				zap.Int("changes", len(result.Changes)),
				zap.Int64("version", result.Version))
		}
		return result, nil
	}
}

// ingestOnce runs one load-merge-save cycle. The returned event is nil when
// nothing was written.
func (s *Service) ingestOnce(ctx context.Context, id string, req IngestRequest) (*IngestResult, *Event, error) {
	current, err := s.store.FindByPatientID(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	if current == nil {
		doc := &Document{PatientID: id, Data: req.Record, Version: 1}
		event, err := s.persist(ctx, doc, EventPatientCreated, req, nil)
		if err != nil {
			return nil, nil, err
		}
		return &IngestResult{
			PatientID:  id,
			Version:    doc.Version,
			Created:    true,
			HasChanges: true,
			Changes:    []reconcile.Change{},
			Record:     doc.Data,
		}, event, nil
	}

	merged, err := reconcile.Merge(current.Data, req.Record)
	if err != nil {
		return nil, nil, err
	}
	if !merged.HasChanges {
		return &IngestResult{
			PatientID: id,
			Version:   current.Version,
			Changes:   merged.Changes,
			Record:    current.Data,
		}, nil, nil
	}

	doc := &Document{
		PatientID: id,
		Data:      merged.MergedData,
		Version:   current.Version + 1,
		CreatedAt: current.CreatedAt,
	}
	event, err := s.persist(ctx, doc, EventPatientMerged, req, merged.Changes)
	if err != nil {
		return nil, nil, err
	}
	return &IngestResult{
		PatientID:  id,
		Version:    doc.Version,
		HasChanges: true,
		Changes:    merged.Changes,
		Record:     doc.Data,
	}, event, nil
}

// persist saves doc with its change event and, for client changes, a sync request.
func (s *Service) persist(ctx context.Context, doc *Document, eventType EventType, req IngestRequest, changes []reconcile.Change) (*Event, error) {
	event := NewEvent(eventType, doc, req.Source, changes, req.RequestID)

	changed, err := postgres.NewOutboxEntry(doc.PatientID, string(eventType), s.config.ChangedTopic, event)
	if err != nil {
		return nil, err
	}
	entries := []*postgres.OutboxEntry{changed}

	if req.Source == SourceClient {
		syncEntry, err := postgres.NewOutboxEntry(doc.PatientID, string(EventPatientSyncRequested), s.config.SyncTopic,
			NewSyncRequest(doc, req.RequestID))
		if err != nil {
			return nil, err
		}
		entries = append(entries, syncEntry)
	}

	if err := s.store.Save(ctx, doc, entries...); err != nil {
		return nil, err
	}
	return event, nil
}

// Preview diffs incoming against the stored record without writing anything.
// An unknown patient is diffed against an empty record.
func (s *Service) Preview(ctx context.Context, incoming record.Patient) (*reconcile.DiffResult, error) {
	id := incoming.ID()
	if id == "" {
		return nil, ErrMissingPatientID
	}

	current, err := s.store.FindByPatientID(ctx, id)
	if err != nil {
		return nil, err
	}
	existing := emptyRecord(incoming)
	if current != nil {
		existing = current.Data
	}
	return reconcile.Diff(existing, incoming)
}

// Get returns the stored document or ErrNotFound.
func (s *Service) Get(ctx context.Context, patientID string) (*Document, error) {
	doc, err := s.store.FindByPatientID(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, patientID)
	}
	return doc, nil
}

func emptyRecord(like record.Patient) record.Patient {
	id, _ := like.Root().Get(record.FieldPatientID)
	return record.NewPatient(record.Map(map[string]record.Value{record.FieldPatientID: id}))
}
