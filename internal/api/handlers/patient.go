// Package handlers provides HTTP handlers for the ingestion API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-patientsync/internal/api/middleware"
	"github.com/drfirst/go-patientsync/internal/domain/patient"
	"github.com/drfirst/go-patientsync/internal/reconcile"
	"github.com/drfirst/go-patientsync/internal/record"
	"github.com/drfirst/go-patientsync/pkg/idempotency"
)

const (
	maxBodyBytes  = 10 << 20
	ingestHandler = "patient_ingest"
)

// PatientService is what the handler needs from patient.Service.
type PatientService interface {
	Ingest(ctx context.Context, req patient.IngestRequest) (*patient.IngestResult, error)
	Preview(ctx context.Context, incoming record.Patient) (*reconcile.DiffResult, error)
	Get(ctx context.Context, patientID string) (*patient.Document, error)
}

// Deduplicator runs fn at most once per key.
type Deduplicator interface {
	Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error)
}

// PatientHandler handles patient endpoints
type PatientHandler struct {
	service PatientService
	inbox   Deduplicator
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewPatientHandler creates a new handler. inbox may be nil, in which case
// every request is processed.
func NewPatientHandler(service PatientService, inbox Deduplicator, logger *zap.Logger) *PatientHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PatientHandler{
		service: service,
		inbox:   inbox,
		logger:  logger,
		tracer:  otel.Tracer("patient-handler"),
	}
}

// Routes returns the handler routes
func (h *PatientHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Ingest)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/diff", h.Diff)
	return r
}

// Ingest handles POST /patients. The body is the patient record itself.
func (h *PatientHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ingest_patient")
	defer span.End()

	rec, ok := h.decodeRecord(w, r)
	if !ok {
		return
	}
	id := rec.ID()
	span.SetAttributes(attribute.String("patient_id", id))

	payload := rec.Root().Canonical()
	key := idempotency.PayloadKey(id, payload)
	if hk := r.Header.Get("Idempotency-Key"); hk != "" {
		key = idempotency.RequestKey(middleware.GetClientID(ctx), hk)
	}

	run := func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		result, err := h.service.Ingest(ctx, patient.IngestRequest{
			Record:    rec,
			Source:    patient.SourceClient,
			RequestID: middleware.GetRequestID(ctx),
		})
		if err != nil {
			if errors.Is(err, reconcile.ErrIdentityMismatch) {
				err = idempotency.Terminal(err)
			}
			return nil, err
		}
		return json.Marshal(result)
	}

	var (
		body   json.RawMessage
		replay bool
		err    error
	)
	if h.inbox == nil {
		body, err = run(ctx, payload)
	} else {
		var res *idempotency.ProcessResult
		res, err = h.inbox.Process(ctx, key, ingestHandler, payload, run)
		if err == nil {
			body = res.Result
			replay = !res.IsNew && !res.WasRecovered
		}
	}
	if err != nil {
		span.RecordError(err)
		h.writeError(w, r, id, err)
		return
	}

	status := http.StatusOK
	if replay {
		w.Header().Set("Idempotent-Replay", "true")
	} else {
		var created struct {
			Created bool `json:"created"`
		}
		if json.Unmarshal(body, &created) == nil && created.Created {
			status = http.StatusCreated
		}
	}

	h.writeRaw(w, status, body)
}

// Get handles GET /patients/{id}
func (h *PatientHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	doc, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, id, err)
		return
	}

	h.writeJSON(w, http.StatusOK, doc)
}

// Diff handles POST /patients/{id}/diff. It reports what ingesting the body
// would change without writing anything.
func (h *PatientHandler) Diff(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "diff_patient")
	defer span.End()

	id := chi.URLParam(r, "id")
	rec, ok := h.decodeRecord(w, r)
	if !ok {
		return
	}
	if rec.ID() != id {
		h.jsonError(w, "patientID does not match the path", http.StatusBadRequest)
		return
	}

	diff, err := h.service.Preview(ctx, rec)
	if err != nil {
		span.RecordError(err)
		h.writeError(w, r, id, err)
		return
	}

	h.writeJSON(w, http.StatusOK, diff)
}

func (h *PatientHandler) decodeRecord(w http.ResponseWriter, r *http.Request) (record.Patient, bool) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.jsonError(w, "failed to read request body", http.StatusRequestEntityTooLarge)
		return record.Patient{}, false
	}
	rec, err := record.ParsePatient(data)
	if err != nil {
		h.jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return record.Patient{}, false
	}
	if rec.ID() == "" {
		h.jsonError(w, "patientID is required", http.StatusBadRequest)
		return record.Patient{}, false
	}
	return rec, true
}

// StatusFor maps service errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, patient.ErrMissingPatientID):
		return http.StatusBadRequest
	case errors.Is(err, patient.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, reconcile.ErrIdentityMismatch),
		errors.Is(err, patient.ErrVersionConflict),
		errors.Is(err, idempotency.ErrMessageInProgress),
		errors.Is(err, idempotency.ErrDuplicateMessage):
		return http.StatusConflict
	case errors.Is(err, idempotency.ErrPreviouslyFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, patient.ErrLockNotAcquired):
		return http.StatusLocked
	default:
		return http.StatusInternalServerError
	}
}

func (h *PatientHandler) writeError(w http.ResponseWriter, r *http.Request, patientID string, err error) {
	code := StatusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("patient_id", patientID),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		msg = "internal server error"
	}
	h.jsonError(w, msg, code)
}

func (h *PatientHandler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (h *PatientHandler) writeRaw(w http.ResponseWriter, code int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(body)
}

func (h *PatientHandler) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
