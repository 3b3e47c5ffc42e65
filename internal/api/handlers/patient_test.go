package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-patientsync/internal/domain/patient"
	"github.com/drfirst/go-patientsync/internal/reconcile"
	"github.com/drfirst/go-patientsync/pkg/idempotency"
)

// memoryInbox keeps finished results in memory.
type memoryInbox struct {
	mu      sync.Mutex
	results map[string]json.RawMessage
}

func (m *memoryInbox) Process(ctx context.Context, key, _ string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if res, ok := m.results[key]; ok {
		return &idempotency.ProcessResult{Result: res}, nil
	}
	res, err := fn(ctx, payload)
	if err != nil {
		return nil, err
	}
	m.results[key] = res
	return &idempotency.ProcessResult{IsNew: true, Result: res}, nil
}

func newServer(t *testing.T, inbox Deduplicator) (*httptest.Server, *patient.MemoryStore) {
	t.Helper()
	store := patient.NewMemoryStore()
	svc := patient.NewService(store, nil, nil, nil, patient.DefaultServiceConfig(), nil)
	r := chi.NewRouter()
	r.Mount("/api/v1/patients", NewPatientHandler(svc, inbox, nil).Routes())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, store
}

func post(t *testing.T, url, body string, headers ...string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

const guardianJane = `{"patientID":"P-1","guardianInformation":{"saved":[{"relationship_id":1,"name":"Jane"}]}}`
const guardianTom = `{"patientID":"P-1","guardianInformation":{"saved":[{"relationship_id":1,"name":"Jane"},{"relationship_id":2,"name":"Tom"}]}}`

func TestIngest_CreateThenMerge(t *testing.T) {
	srv, store := newServer(t, nil)

	resp, body := post(t, srv.URL+"/api/v1/patients", guardianJane)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, true, body["created"])
	assert.Equal(t, float64(1), body["version"])

	resp, body = post(t, srv.URL+"/api/v1/patients", guardianTom)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["hasChanges"])
	assert.Equal(t, float64(2), body["version"])
	changes := body["changes"].([]any)
	require.NotEmpty(t, changes)
	assert.Contains(t, changes[0].(map[string]any)["section"], "guardianInformation.saved")

	doc, err := store.FindByPatientID(context.Background(), "P-1")
	require.NoError(t, err)
	saved, _ := doc.Data.Root().Lookup("guardianInformation", "saved")
	assert.Equal(t, 2, saved.Len())
}

func TestIngest_BadRequests(t *testing.T) {
	srv, _ := newServer(t, nil)

	resp, body := post(t, srv.URL+"/api/v1/patients", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "invalid request body")

	resp, _ = post(t, srv.URL+"/api/v1/patients", `[1,2]`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = post(t, srv.URL+"/api/v1/patients", `{"vitals":{}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "patientID is required", body["error"])
}

func TestIngest_ReplayIsServedFromInbox(t *testing.T) {
	inbox := &memoryInbox{results: map[string]json.RawMessage{}}
	srv, store := newServer(t, inbox)

	resp, _ := post(t, srv.URL+"/api/v1/patients", guardianJane)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := post(t, srv.URL+"/api/v1/patients", guardianJane)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "true", resp.Header.Get("Idempotent-Replay"))
	assert.Equal(t, float64(1), body["version"])
	assert.Len(t, store.Entries(), 2)

	resp, _ = post(t, srv.URL+"/api/v1/patients", guardianJane, "Idempotency-Key", "retry-1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Idempotent-Replay"))
}

func TestGet(t *testing.T) {
	srv, _ := newServer(t, nil)

	resp, err := http.Get(srv.URL + "/api/v1/patients/P-1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	post(t, srv.URL+"/api/v1/patients", guardianJane)

	resp, err = http.Get(srv.URL + "/api/v1/patients/P-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var doc patient.Document
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	assert.Equal(t, "P-1", doc.PatientID)
	assert.Equal(t, int64(1), doc.Version)
}

func TestDiff(t *testing.T) {
	srv, store := newServer(t, nil)
	post(t, srv.URL+"/api/v1/patients", guardianJane)

	resp, body := post(t, srv.URL+"/api/v1/patients/P-1/diff", guardianTom)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["hasChanges"])

	doc, _ := store.FindByPatientID(context.Background(), "P-1")
	assert.Equal(t, int64(1), doc.Version)

	resp, _ = post(t, srv.URL+"/api/v1/patients/P-2/diff", guardianTom)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{patient.ErrMissingPatientID, http.StatusBadRequest},
		{fmt.Errorf("%w: P-1", patient.ErrNotFound), http.StatusNotFound},
		{&reconcile.IdentityMismatchError{Existing: "A", Incoming: "B"}, http.StatusConflict},
		{patient.ErrVersionConflict, http.StatusConflict},
		{idempotency.ErrMessageInProgress, http.StatusConflict},
		{fmt.Errorf("%w: k", idempotency.ErrPreviouslyFailed), http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: P-1", patient.ErrLockNotAcquired), http.StatusLocked},
		{errors.New("connection reset"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.code, StatusFor(tt.err))
		})
	}
}
