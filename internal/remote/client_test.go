package remote

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-patientsync/internal/record"
	"github.com/drfirst/go-patientsync/pkg/circuitbreaker"
)

func testConfig(url string) Config {
	cfg := DefaultConfig(url)
	cfg.Token = "secret"
	cfg.Timeout = 2 * time.Second
	cfg.RetryCount = 0
	return cfg
}

func TestSubmitPatient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/patients", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		body, _ := io.ReadAll(r.Body)
		var doc map[string]any
		require.NoError(t, json.Unmarshal(body, &doc))
		assert.Equal(t, "P-1", doc["patientID"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"patientID":"P-1","vitals":{"saved":[{"obs_id":1}],"unsaved":[]}}`))
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL), nil, nil)
	p := record.NewPatient(record.MustFromAny(map[string]any{"patientID": "P-1"}))

	got, err := c.SubmitPatient(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "P-1", got.ID())
	saved, ok := got.Root().Lookup("vitals", "saved")
	require.True(t, ok)
	assert.Equal(t, 1, saved.Len())
}

func TestFetchPatient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/patients/P-1" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"patientID":"P-1"}`))
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL), nil, nil)

	got, err := c.FetchPatient(context.Background(), "P-1")
	require.NoError(t, err)
	assert.Equal(t, "P-1", got.ID())

	_, err = c.FetchPatient(context.Background(), "P-2")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, ErrRejected)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
}

func TestClient_NonObjectResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[1,2]`))
	}))
	defer srv.Close()

	_, err := NewClient(testConfig(srv.URL), nil, nil).FetchPatient(context.Background(), "P-1")
	assert.ErrorIs(t, err, record.ErrNotObject)
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"patientID":"P-1"}`))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.RetryCount = 2
	got, err := NewClient(cfg, nil, nil).FetchPatient(context.Background(), "P-1")
	require.NoError(t, err)
	assert.Equal(t, "P-1", got.ID())
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestClient_BreakerIgnoresRejections(t *testing.T) {
	var status int32 = http.StatusUnprocessableEntity
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(atomic.LoadInt32(&status)))
	}))
	defer srv.Close()

	cfg := circuitbreaker.DefaultConfig("remote-test")
	cfg.FailureThreshold = 2
	cfg.IsFailure = IsBreakerFailure
	breaker, err := circuitbreaker.New(cfg, nil)
	require.NoError(t, err)

	c := NewClient(testConfig(srv.URL), breaker, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.FetchPatient(ctx, "P-1")
		assert.ErrorIs(t, err, ErrRejected)
	}
	assert.False(t, breaker.IsOpen())

	atomic.StoreInt32(&status, http.StatusServiceUnavailable)
	for i := 0; i < 2; i++ {
		_, _ = c.FetchPatient(ctx, "P-1")
	}
	assert.True(t, breaker.IsOpen())

	_, err = c.FetchPatient(ctx, "P-1")
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
}
