// Package remote is the client of the remote clinic-management API.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/drfirst/go-patientsync/internal/record"
	"github.com/drfirst/go-patientsync/pkg/circuitbreaker"
)

var (
	// ErrNotFound is returned when the remote API does not know the patient.
	ErrNotFound = errors.New("patient not found on remote")
	// ErrRejected is returned for any other 4xx answer. It does not trip the breaker.
	ErrRejected = errors.New("remote rejected request")
)

// StatusError is a non-2xx answer from the remote API.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote API returned %d: %s", e.StatusCode, e.Body)
}

// Is maps 404 to ErrNotFound and other 4xx to ErrRejected.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrRejected:
		return e.StatusCode >= 400 && e.StatusCode < 500
	}
	return false
}

// Config holds configuration for the client
type Config struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	RetryCount int
}

// DefaultConfig returns sensible defaults
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:    baseURL,
		Timeout:    10 * time.Second,
		RetryCount: 2,
	}
}

// Client talks to the remote API through a circuit breaker.
type Client struct {
	http    *resty.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewClient creates a client. breaker may be nil.
func NewClient(cfg Config, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || (r != nil && r.StatusCode() >= http.StatusInternalServerError)
		}).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.Token != "" {
		httpClient.SetAuthToken(cfg.Token)
	}

	return &Client{http: httpClient, breaker: breaker, logger: logger}
}

// IsBreakerFailure reports whether err should count against the breaker.
// Client errors are the caller's fault, not the remote's.
func IsBreakerFailure(err error) bool {
	return !errors.Is(err, ErrRejected)
}

// SubmitPatient sends the record and returns the remote's version of it,
// in which confirmed items have moved from unsaved to saved.
func (c *Client) SubmitPatient(ctx context.Context, p record.Patient) (record.Patient, error) {
	return c.call(ctx, "submit", p.ID(), func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetBody(p).
			Post("/patients")
	})
}

// FetchPatient returns the remote's current record of patientID.
func (c *Client) FetchPatient(ctx context.Context, patientID string) (record.Patient, error) {
	return c.call(ctx, "fetch", patientID, func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetPathParam("id", patientID).
			Get("/patients/{id}")
	})
}

func (c *Client) call(ctx context.Context, op, patientID string, send func() (*resty.Response, error)) (record.Patient, error) {
	do := func() (record.Patient, error) {
		resp, err := send()
		if err != nil {
			return record.Patient{}, fmt.Errorf("remote %s %s: %w", op, patientID, err)
		}
		if resp.IsError() {
			return record.Patient{}, &StatusError{StatusCode: resp.StatusCode(), Body: truncate(resp.String(), 512)}
		}
		p, err := record.ParsePatient(resp.Body())
		if err != nil {
			return record.Patient{}, fmt.Errorf("remote %s %s: decode response: %w", op, patientID, err)
		}
		return p, nil
	}

	var (
		p   record.Patient
		err error
	)
	if c.breaker != nil {
		p, err = circuitbreaker.Do(ctx, c.breaker, do)
	} else {
		p, err = do()
	}
	if err != nil {
		c.logger.Warn("remote call failed",
			zap.String("op", op),
			zap.String("patient_id", patientID),
			zap.Error(err))
		return record.Patient{}, err
	}

	c.logger.Debug("remote call succeeded",
		zap.String("op", op),
		zap.String("patient_id", patientID))
	return p, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
