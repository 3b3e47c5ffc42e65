package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-patientsync/internal/domain/patient"
	"github.com/drfirst/go-patientsync/internal/infrastructure/redpanda"
	"github.com/drfirst/go-patientsync/internal/reconcile"
	"github.com/drfirst/go-patientsync/internal/record"
	"github.com/drfirst/go-patientsync/internal/remote"
	"github.com/drfirst/go-patientsync/pkg/workerpool"
)

const pendingVitals = `{
	"patientID": "P-1",
	"vitals": {
		"saved": [],
		"unsaved": [{"concept_id": 5, "obs_datetime": "2024-01-01T10:00", "value": 98}]
	}
}`

const confirmedVitals = `{
	"patientID": "P-1",
	"vitals": {
		"saved": [{"obs_id": 77, "concept_id": 5, "obs_datetime": "2024-01-01T10:00", "value": 98}],
		"unsaved": []
	}
}`

type fakeRemote struct {
	mu        sync.Mutex
	calls     int
	failFirst error
	err       error
	answer    string
}

func (f *fakeRemote) SubmitPatient(_ context.Context, p record.Patient) (record.Patient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failFirst != nil && f.calls == 1 {
		return record.Patient{}, f.failFirst
	}
	if f.err != nil {
		return record.Patient{}, f.err
	}
	if f.answer == "" {
		return p, nil
	}
	return record.ParsePatient([]byte(f.answer))
}

func (f *fakeRemote) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type outcomes struct {
	mu   sync.Mutex
	seen []string
}

func (o *outcomes) ObserveSync(outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seen = append(o.seen, outcome)
}

func (o *outcomes) list() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.seen...)
}

func setup(t *testing.T, rem *fakeRemote) (*Worker, *patient.Service, *patient.MemoryStore, *outcomes) {
	t.Helper()
	store := patient.NewMemoryStore()
	svc := patient.NewService(store, nil, nil, nil, patient.DefaultServiceConfig(), nil)

	cfg := workerpool.DefaultConfig()
	cfg.Workers = 2
	cfg.RetryDelay = time.Millisecond
	obs := &outcomes{}
	w, err := New(svc, rem, obs, cfg, nil)
	require.NoError(t, err)
	w.Start()
	t.Cleanup(func() { _ = w.Stop() })
	return w, svc, store, obs
}

func seed(t *testing.T, svc *patient.Service, doc string) *patient.IngestResult {
	t.Helper()
	rec, err := record.ParsePatient([]byte(doc))
	require.NoError(t, err)
	res, err := svc.Ingest(context.Background(), patient.IngestRequest{Record: rec, Source: patient.SourceClient})
	require.NoError(t, err)
	return res
}

func TestSync_PromotesConfirmedItems(t *testing.T) {
	rem := &fakeRemote{answer: confirmedVitals}
	w, svc, store, obs := setup(t, rem)
	seed(t, svc, pendingVitals)

	res, err := w.Sync(context.Background(), &patient.SyncRequest{ID: "s1", PatientID: "P-1", Version: 1})
	require.NoError(t, err)
	assert.True(t, res.HasChanges)
	assert.Equal(t, int64(2), res.Version)

	doc, err := store.FindByPatientID(context.Background(), "P-1")
	require.NoError(t, err)
	saved, _ := doc.Data.Root().Lookup("vitals", "saved")
	unsaved, _ := doc.Data.Root().Lookup("vitals", "unsaved")
	assert.Equal(t, 1, saved.Len())
	assert.Equal(t, 0, unsaved.Len())

	// The remote merge announces the change but asks for no further sync.
	entries := store.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, string(patient.EventPatientMerged), entries[2].EventType)
	assert.Equal(t, []string{OutcomeSynced}, obs.list())
}

func TestSync_UnchangedEcho(t *testing.T) {
	rem := &fakeRemote{}
	w, svc, _, obs := setup(t, rem)
	seed(t, svc, pendingVitals)

	res, err := w.Sync(context.Background(), &patient.SyncRequest{ID: "s1", PatientID: "P-1"})
	require.NoError(t, err)
	assert.False(t, res.HasChanges)
	assert.Equal(t, int64(1), res.Version)
	assert.Equal(t, []string{OutcomeUnchanged}, obs.list())
}

func TestSync_UnknownPatientIsPermanent(t *testing.T) {
	rem := &fakeRemote{}
	w, _, _, obs := setup(t, rem)

	_, err := w.Sync(context.Background(), &patient.SyncRequest{ID: "s1", PatientID: "missing"})
	assert.ErrorIs(t, err, patient.ErrNotFound)
	assert.True(t, workerpool.IsPermanent(err))
	assert.Zero(t, rem.callCount())
	assert.Equal(t, []string{OutcomeRejected}, obs.list())
}

func TestSync_RemoteRejectionIsNotRetried(t *testing.T) {
	rem := &fakeRemote{err: &remote.StatusError{StatusCode: 422, Body: "bad vitals"}}
	w, svc, _, _ := setup(t, rem)
	seed(t, svc, pendingVitals)

	_, err := w.Sync(context.Background(), &patient.SyncRequest{ID: "s1", PatientID: "P-1"})
	assert.ErrorIs(t, err, remote.ErrRejected)
	assert.Equal(t, 1, rem.callCount())
}

func TestSync_TransientFailureIsRetried(t *testing.T) {
	rem := &fakeRemote{failFirst: errors.New("connection refused"), answer: confirmedVitals}
	w, svc, _, _ := setup(t, rem)
	seed(t, svc, pendingVitals)

	res, err := w.Sync(context.Background(), &patient.SyncRequest{ID: "s1", PatientID: "P-1"})
	require.NoError(t, err)
	assert.True(t, res.HasChanges)
	assert.Equal(t, 2, rem.callCount())
}

func TestSync_EchoForAnotherPatient(t *testing.T) {
	rem := &fakeRemote{answer: `{"patientID": "P-2"}`}
	w, svc, store, _ := setup(t, rem)
	seed(t, svc, pendingVitals)

	_, err := w.Sync(context.Background(), &patient.SyncRequest{ID: "s1", PatientID: "P-1"})
	assert.ErrorIs(t, err, reconcile.ErrIdentityMismatch)

	doc, _ := store.FindByPatientID(context.Background(), "P-2")
	assert.Nil(t, doc)
}

func TestHandleMessage(t *testing.T) {
	rem := &fakeRemote{answer: confirmedVitals}
	w, svc, store, _ := setup(t, rem)
	seed(t, svc, pendingVitals)

	payload, err := json.Marshal(patient.SyncRequest{ID: "s1", PatientID: "P-1", Version: 1})
	require.NoError(t, err)
	require.NoError(t, w.HandleMessage(context.Background(), &redpanda.ConsumedMessage{
		Topic: redpanda.TopicSyncRequests,
		Key:   []byte("P-1"),
		Value: payload,
	}))

	require.Eventually(t, func() bool {
		doc, _ := store.FindByPatientID(context.Background(), "P-1")
		return doc != nil && doc.Version == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHandleMessage_DropsMalformed(t *testing.T) {
	w, _, _, _ := setup(t, &fakeRemote{})

	assert.NoError(t, w.HandleMessage(context.Background(), &redpanda.ConsumedMessage{Value: []byte("{")}))
	assert.NoError(t, w.HandleMessage(context.Background(), &redpanda.ConsumedMessage{Value: []byte(`{"id":"x"}`)}))
	assert.Zero(t, w.Stats().TasksSubmitted)
}
