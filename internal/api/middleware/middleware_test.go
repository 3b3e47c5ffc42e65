package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-1")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "req-1", seen)
}

func TestAPIKeyAuth(t *testing.T) {
	keys := map[string]string{"k1": "clinic-a"}
	var client string
	h := APIKeyAuth(keys)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client = GetClientID(r.Context())
	}))

	tests := []struct {
		name   string
		setup  func(r *http.Request)
		target string
		code   int
		client string
	}{
		{"header", func(r *http.Request) { r.Header.Set("X-API-Key", "k1") }, "/", http.StatusOK, "clinic-a"},
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer k1") }, "/", http.StatusOK, "clinic-a"},
		{"query", func(r *http.Request) {}, "/ws?api_key=k1", http.StatusOK, "clinic-a"},
		{"missing", func(r *http.Request) {}, "/", http.StatusUnauthorized, ""},
		{"invalid", func(r *http.Request) { r.Header.Set("X-API-Key", "nope") }, "/", http.StatusUnauthorized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client = ""
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			tt.setup(req)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, tt.client, client)
		})
	}
}

func TestMetricsUsesRoutePattern(t *testing.T) {
	var (
		route  string
		status int
	)
	r := chi.NewRouter()
	r.Use(Metrics(func(method, rt string, code int, _ time.Duration) {
		route, status = rt, code
	}))
	r.Get("/api/v1/patients/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/patients/P-1", nil))

	assert.Equal(t, "/api/v1/patients/{id}", route)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestRecover(t *testing.T) {
	h := Recover(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	require.NotPanics(t, func() {
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestResponseWriterHijackUnsupported(t *testing.T) {
	w := &responseWriter{ResponseWriter: httptest.NewRecorder(), statusCode: http.StatusOK}
	_, _, err := w.Hijack()
	assert.Error(t, err)
}
