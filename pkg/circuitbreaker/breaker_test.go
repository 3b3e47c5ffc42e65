package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func testConfig() Config {
	cfg := DefaultConfig("remote")
	cfg.FailureThreshold = 2
	cfg.Timeout = 50 * time.Millisecond
	cfg.MaxRequests = 1
	return cfg
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	var transitions []State
	cfg := testConfig()
	cfg.OnStateChange = func(name string, from, to State) {
		assert.Equal(t, "remote", name)
		transitions = append(transitions, to)
	}
	cb, err := New(cfg, nil)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := cb.Execute(ctx, func() (any, error) { return nil, errBoom })
		assert.ErrorIs(t, err, errBoom)
	}
	assert.True(t, cb.IsOpen())

	called := false
	_, err = cb.Execute(ctx, func() (any, error) { called = true; return nil, nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)

	time.Sleep(60 * time.Millisecond)
	got, err := Do(ctx, cb, func() (string, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, StateClosed, cb.GetState())

	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, transitions)
}

func TestBreaker_IgnoresNonFailures(t *testing.T) {
	errRejected := errors.New("rejected")
	cfg := testConfig()
	cfg.IsFailure = func(err error) bool { return !errors.Is(err, errRejected) }
	cb, err := New(cfg, nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := cb.Execute(context.Background(), func() (any, error) { return nil, errRejected })
		assert.ErrorIs(t, err, errRejected)
	}
	assert.Equal(t, StateClosed, cb.GetState())
	assert.Equal(t, uint32(0), cb.Counts().TotalFailures)
}

func TestDo_PropagatesError(t *testing.T) {
	cb, err := New(testConfig(), nil)
	require.NoError(t, err)

	got, err := Do(context.Background(), cb, func() (int, error) { return 0, errBoom })
	assert.ErrorIs(t, err, errBoom)
	assert.Zero(t, got)
}
