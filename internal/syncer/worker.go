// Package syncer pushes locally changed patients to the remote clinic API and
// merges the remote's answer back into the local record.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-patientsync/internal/domain/patient"
	"github.com/drfirst/go-patientsync/internal/infrastructure/redpanda"
	"github.com/drfirst/go-patientsync/internal/reconcile"
	"github.com/drfirst/go-patientsync/internal/record"
	"github.com/drfirst/go-patientsync/internal/remote"
	"github.com/drfirst/go-patientsync/pkg/workerpool"
)

// Sync outcomes reported to the Observer.
const (
	OutcomeSynced    = "synced"
	OutcomeUnchanged = "unchanged"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

// Remote submits a record and returns the remote's normalized copy.
type Remote interface {
	SubmitPatient(ctx context.Context, p record.Patient) (record.Patient, error)
}

// PatientService is what the worker needs from patient.Service.
type PatientService interface {
	Get(ctx context.Context, patientID string) (*patient.Document, error)
	Ingest(ctx context.Context, req patient.IngestRequest) (*patient.IngestResult, error)
}

// Observer receives sync metrics.
type Observer interface {
	ObserveSync(outcome string, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveSync(string, time.Duration) {}

// Worker runs sync requests on a pool sharded by patient, so requests for one
// patient are handled in order and never concurrently.
type Worker struct {
	service  PatientService
	remote   Remote
	observer Observer
	pool     *workerpool.Pool
	logger   *zap.Logger
	tracer   trace.Tracer
}

// New creates a worker. observer may be nil.
func New(service PatientService, rem Remote, observer Observer, cfg workerpool.Config, logger *zap.Logger) (*Worker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if observer == nil {
		observer = nopObserver{}
	}

	w := &Worker{
		service:  service,
		remote:   rem,
		observer: observer,
		logger:   logger,
		tracer:   otel.Tracer("sync-worker"),
	}

	pool, err := workerpool.New(cfg, w.process, logger)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	w.pool = pool
	return w, nil
}

// Start launches the pool workers.
func (w *Worker) Start() {
	w.pool.Start()
}

// Stop waits for queued requests to finish.
func (w *Worker) Stop() error {
	return w.pool.Stop()
}

// Healthy reports whether the queues have room.
func (w *Worker) Healthy() bool {
	return w.pool.IsHealthy()
}

// Stats returns the pool statistics.
func (w *Worker) Stats() workerpool.Stats {
	return w.pool.Stats()
}

// HandleMessage is a redpanda.MessageHandler. It queues the request and
// returns once it is queued; malformed messages are dropped.
func (w *Worker) HandleMessage(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	var req patient.SyncRequest
	if err := json.Unmarshal(msg.Value, &req); err != nil || req.PatientID == "" {
		w.logger.Error("dropping malformed sync request",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return nil
	}

	// The consumer context carries the trace; the task must outlive the
	// handler, so only the span context is kept.
	taskCtx := trace.ContextWithSpanContext(context.Background(), trace.SpanContextFromContext(ctx))

	return w.pool.Submit(ctx, &workerpool.Task{
		ID:      req.ID,
		Key:     req.PatientID,
		Payload: &req,
		Context: taskCtx,
	})
}

// Sync runs one request synchronously.
func (w *Worker) Sync(ctx context.Context, req *patient.SyncRequest) (*patient.IngestResult, error) {
	res, err := w.pool.SubmitWait(ctx, &workerpool.Task{
		ID:      req.ID,
		Key:     req.PatientID,
		Payload: req,
		Context: ctx,
	})
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, res.Error
	}
	result, _ := res.Data.(*patient.IngestResult)
	return result, nil
}

func (w *Worker) process(ctx context.Context, task *workerpool.Task) *workerpool.Result {
	req := task.Payload.(*patient.SyncRequest)
	start := time.Now()

	result, err := w.syncOnce(ctx, req)
	if err != nil {
		outcome := OutcomeFailed
		if workerpool.IsPermanent(err) {
			outcome = OutcomeRejected
		}
		w.observer.ObserveSync(outcome, time.Since(start))
		return &workerpool.Result{TaskID: task.ID, Error: err}
	}

	outcome := OutcomeUnchanged
	if result.HasChanges {
		outcome = OutcomeSynced
	}
	w.observer.ObserveSync(outcome, time.Since(start))
	return &workerpool.Result{TaskID: task.ID, Success: true, Data: result}
}

// syncOnce submits the latest stored version, not the version named in the
// request, and merges the remote's answer back as a remote change.
func (w *Worker) syncOnce(ctx context.Context, req *patient.SyncRequest) (*patient.IngestResult, error) {
	ctx, span := w.tracer.Start(ctx, "patient_sync",
		trace.WithAttributes(
			attribute.String("patient_id", req.PatientID),
			attribute.Int64("requested_version", req.Version),
		))
	defer span.End()

	doc, err := w.service.Get(ctx, req.PatientID)
	if err != nil {
		if errors.Is(err, patient.ErrNotFound) {
			err = workerpool.Permanent(err)
		}
		span.RecordError(err)
		return nil, err
	}

	echoed, err := w.remote.SubmitPatient(ctx, doc.Data)
	if err != nil {
		if errors.Is(err, remote.ErrRejected) {
			err = workerpool.Permanent(err)
		}
		span.RecordError(err)
		return nil, err
	}
	switch echoed.ID() {
	case "":
		echoed = record.NewPatient(echoed.Root().With(record.FieldPatientID, patientID(doc.Data)))
	case doc.Data.ID():
	default:
		err := workerpool.Permanent(&reconcile.IdentityMismatchError{Existing: doc.Data.ID(), Incoming: echoed.ID()})
		span.RecordError(err)
		return nil, err
	}

	result, err := w.service.Ingest(ctx, patient.IngestRequest{
		Record:    echoed,
		Source:    patient.SourceRemote,
		RequestID: req.RequestID,
	})
	if err != nil {
		if errors.Is(err, patient.ErrMissingPatientID) {
			err = workerpool.Permanent(err)
		}
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(
		attribute.Int64("version", result.Version),
		attribute.Int("changes", len(result.Changes)),
	)
	w.logger.Info("patient synced",
		zap.String("patient_id", req.PatientID),
		zap.String("request_id", req.RequestID),
		zap.Int64("submitted_version", doc.Version),
		zap.Int64("version", result.Version),
		zap.Int("changes", len(result.Changes)))
	return result, nil
}

func patientID(p record.Patient) record.Value {
	id, _ := p.Root().Get(record.FieldPatientID)
	return id
}
