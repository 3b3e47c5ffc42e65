package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDB emulates the inbox table for the statements the Inbox issues.
type fakeDB struct {
	mu      sync.Mutex
	entries map[string]*InboxEntry
}

func newFakeDB() *fakeDB {
	return &fakeDB{entries: make(map[string]*InboxEntry)}
}

type fakeRow struct {
	vals []any
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = r.vals[i].(string)
		case *Status:
			*p = r.vals[i].(Status)
		case *json.RawMessage:
			*p = r.vals[i].(json.RawMessage)
		case *time.Time:
			*p = r.vals[i].(time.Time)
		case **time.Time:
			*p = r.vals[i].(*time.Time)
		default:
			return fmt.Errorf("unsupported scan target %T", d)
		}
	}
	return nil
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case strings.Contains(sql, "SELECT idempotency_key"):
		e, ok := f.entries[args[0].(string)]
		if !ok {
			return fakeRow{err: pgx.ErrNoRows}
		}
		return fakeRow{vals: []any{e.IdempotencyKey, e.HandlerName, e.Status, e.Payload, e.Result, e.CreatedAt, e.UpdatedAt, e.ExpiresAt}}
	case strings.Contains(sql, "INSERT INTO inbox"):
		key := args[0].(string)
		if e, ok := f.entries[key]; ok {
			if e.Status != StatusRecoverable {
				return fakeRow{err: pgx.ErrNoRows}
			}
			e.Status = StatusStarted
			e.UpdatedAt = time.Now()
			return fakeRow{vals: []any{key}}
		}
		expires := args[4].(time.Time)
		f.entries[key] = &InboxEntry{
			IdempotencyKey: key,
			HandlerName:    args[1].(string),
			Status:         args[2].(Status),
			Payload:        args[3].(json.RawMessage),
			CreatedAt:      time.Now(),
			UpdatedAt:      time.Now(),
			ExpiresAt:      &expires,
		}
		return fakeRow{vals: []any{key}}
	}
	return fakeRow{err: fmt.Errorf("unexpected query: %s", sql)}
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case strings.Contains(sql, "result = $2"):
		if e, ok := f.entries[args[2].(string)]; ok {
			e.Status = args[0].(Status)
			e.Result = args[1].(json.RawMessage)
			e.UpdatedAt = time.Now()
			return pgconn.NewCommandTag("UPDATE 1"), nil
		}
		return pgconn.NewCommandTag("UPDATE 0"), nil
	case strings.Contains(sql, "SET status = $1, updated_at"):
		if e, ok := f.entries[args[1].(string)]; ok {
			e.Status = args[0].(Status)
			e.UpdatedAt = time.Now()
			return pgconn.NewCommandTag("UPDATE 1"), nil
		}
		return pgconn.NewCommandTag("UPDATE 0"), nil
	}
	return pgconn.CommandTag{}, fmt.Errorf("unexpected statement: %s", sql)
}

func (f *fakeDB) entry(key string) *InboxEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entries[key]
}

func TestPayloadKey(t *testing.T) {
	a := PayloadKey("P-1", []byte(`{"patientID":"P-1"}`))
	assert.Len(t, a, 64)
	assert.Equal(t, a, PayloadKey("P-1", []byte(`{"patientID":"P-1"}`)))
	assert.NotEqual(t, a, PayloadKey("P-2", []byte(`{"patientID":"P-1"}`)))
	assert.NotEqual(t, a, PayloadKey("P-1", []byte(`{"patientID":"P-1","vitals":{}}`)))
}

func TestRequestKey(t *testing.T) {
	assert.Equal(t, RequestKey("clinic-a", "abc"), RequestKey("clinic-a", "abc"))
	assert.NotEqual(t, RequestKey("clinic-a", "abc"), RequestKey("clinic-b", "abc"))
}

func TestIsTerminalError(t *testing.T) {
	base := errors.New("patientID is required")
	assert.False(t, isTerminalError(base))
	assert.True(t, isTerminalError(Terminal(base)))
	assert.True(t, isTerminalError(fmt.Errorf("ingest: %w", Terminal(base))))
	assert.ErrorIs(t, Terminal(base), base)
	assert.Nil(t, Terminal(nil))
}

func TestProcess_FirstAndReplay(t *testing.T) {
	db := newFakeDB()
	inbox := NewInbox(db, DefaultInboxConfig(), nil)
	calls := 0
	fn := func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"version":1}`), nil
	}

	first, err := inbox.Process(context.Background(), "k1", "patient_ingest", json.RawMessage(`{}`), fn)
	require.NoError(t, err)
	assert.True(t, first.IsNew)
	assert.JSONEq(t, `{"version":1}`, string(first.Result))
	assert.Equal(t, StatusFinished, db.entry("k1").Status)

	replay, err := inbox.Process(context.Background(), "k1", "patient_ingest", json.RawMessage(`{}`), fn)
	require.NoError(t, err)
	assert.False(t, replay.IsNew)
	assert.JSONEq(t, `{"version":1}`, string(replay.Result))
	assert.Equal(t, 1, calls)
}

func TestProcess_RecoverableErrorAllowsRetry(t *testing.T) {
	db := newFakeDB()
	inbox := NewInbox(db, DefaultInboxConfig(), nil)
	errBusy := errors.New("lock busy")

	_, err := inbox.Process(context.Background(), "k1", "h", json.RawMessage(`{}`),
		func(context.Context, json.RawMessage) (json.RawMessage, error) { return nil, errBusy })
	assert.ErrorIs(t, err, errBusy)
	assert.Equal(t, StatusRecoverable, db.entry("k1").Status)
	assert.JSONEq(t, `{"error":"lock busy"}`, string(db.entry("k1").Result))

	res, err := inbox.Process(context.Background(), "k1", "h", json.RawMessage(`{}`),
		func(context.Context, json.RawMessage) (json.RawMessage, error) { return json.RawMessage(`{}`), nil })
	require.NoError(t, err)
	assert.True(t, res.WasRecovered)
	assert.False(t, res.IsNew)
}

func TestProcess_TerminalErrorIsRemembered(t *testing.T) {
	db := newFakeDB()
	inbox := NewInbox(db, DefaultInboxConfig(), nil)

	_, err := inbox.Process(context.Background(), "k1", "h", json.RawMessage(`{}`),
		func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return nil, Terminal(errors.New("bad record"))
		})
	require.Error(t, err)
	assert.Equal(t, StatusFailed, db.entry("k1").Status)

	_, err = inbox.Process(context.Background(), "k1", "h", json.RawMessage(`{}`),
		func(context.Context, json.RawMessage) (json.RawMessage, error) {
			t.Fatal("handler must not run again")
			return nil, nil
		})
	assert.ErrorIs(t, err, ErrPreviouslyFailed)
}

func TestProcess_InProgressAndStale(t *testing.T) {
	db := newFakeDB()
	cfg := DefaultInboxConfig()
	cfg.RecoveryTimeout = time.Minute
	inbox := NewInbox(db, cfg, nil)

	db.entries["k1"] = &InboxEntry{IdempotencyKey: "k1", HandlerName: "h", Status: StatusStarted, UpdatedAt: time.Now()}
	_, err := inbox.Process(context.Background(), "k1", "h", json.RawMessage(`{}`),
		func(context.Context, json.RawMessage) (json.RawMessage, error) { return json.RawMessage(`{}`), nil })
	assert.ErrorIs(t, err, ErrMessageInProgress)

	db.entries["k1"].UpdatedAt = time.Now().Add(-2 * time.Minute)
	res, err := inbox.Process(context.Background(), "k1", "h", json.RawMessage(`{}`),
		func(context.Context, json.RawMessage) (json.RawMessage, error) { return json.RawMessage(`{}`), nil })
	require.NoError(t, err)
	assert.True(t, res.WasRecovered)
	assert.Equal(t, StatusFinished, db.entry("k1").Status)
}
