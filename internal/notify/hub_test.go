package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-patientsync/internal/domain/patient"
	"github.com/drfirst/go-patientsync/internal/record"
)

func testEvent(patientID string) *patient.Event {
	doc := &patient.Document{
		PatientID: patientID,
		Data:      record.NewPatient(record.MustFromAny(map[string]any{"patientID": patientID})),
		Version:   2,
	}
	return patient.NewEvent(patient.EventPatientMerged, doc, patient.SourceClient, nil, "req-1")
}

func receive(t *testing.T, c *Client) Message {
	t.Helper()
	select {
	case data := <-c.Send:
		var msg Message
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message received")
		return Message{}
	}
}

func assertNothing(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.Send:
		t.Fatalf("unexpected message %s", data)
	default:
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	hub := NewHub(nil)
	client := NewClient(PatientTopic("P-1"))

	hub.Register(client)
	assert.Equal(t, 1, hub.ClientCount())
	assert.Equal(t, 1, hub.TopicCount("patient:P-1"))

	hub.Unregister(client)
	hub.Unregister(client)
	assert.Equal(t, 0, hub.ClientCount())
	assert.Equal(t, 0, hub.TopicCount("patient:P-1"))

	_, open := <-client.Send
	assert.False(t, open)
}

func TestHub_BroadcastByTopic(t *testing.T) {
	hub := NewHub(nil)
	one := NewClient(PatientTopic("P-1"))
	other := NewClient(PatientTopic("P-2"))
	all := NewClient(TopicAll)
	hub.Register(one)
	hub.Register(other)
	hub.Register(all)

	require.NoError(t, hub.Notify(context.Background(), testEvent("P-1")))

	msg := receive(t, one)
	assert.Equal(t, "patient:P-1", msg.Topic)
	assert.Equal(t, "P-1", msg.Event.PatientID)
	assert.Equal(t, int64(2), msg.Event.Version)

	msg = receive(t, all)
	assert.Equal(t, TopicAll, msg.Topic)
	assertNothing(t, other)
}

func TestHub_SubscribeUnsubscribe(t *testing.T) {
	hub := NewHub(nil)
	client := NewClient()
	hub.Register(client)

	hub.ProcessMessage(client, ClientMessage{Action: "subscribe", Topics: []string{"patient:P-1", "patient:P-2"}})
	assert.Equal(t, []string{"patient:P-1", "patient:P-2"}, client.Topics)

	hub.ProcessMessage(client, ClientMessage{Action: "unsubscribe", Topics: []string{"patient:P-1"}})
	assert.Equal(t, []string{"patient:P-2"}, client.Topics)
	assert.Equal(t, 0, hub.TopicCount("patient:P-1"))

	hub.Broadcast(testEvent("P-1"))
	assertNothing(t, client)
	hub.Broadcast(testEvent("P-2"))
	assert.Equal(t, "patient:P-2", receive(t, client).Topic)
}

func TestHub_FullBufferDropsEvent(t *testing.T) {
	hub := NewHub(nil)
	client := &Client{ID: "slow", Topics: []string{TopicAll}, Send: make(chan []byte, 1)}
	hub.Register(client)

	hub.Broadcast(testEvent("P-1"))
	hub.Broadcast(testEvent("P-2"))

	assert.Equal(t, "P-1", receive(t, client).Event.PatientID)
	assertNothing(t, client)
}

func TestInitialTopics(t *testing.T) {
	assert.Equal(t, []string{TopicAll}, initialTopics(""))
	assert.Equal(t, []string{"patient:A", "patient:B"}, initialTopics("A, B,"))
}

func TestHub_ServeHTTP(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?patients=P-1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.TopicCount("patient:P-1") == 1 }, time.Second, 5*time.Millisecond)

	hub.Broadcast(testEvent("P-1"))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "patient:P-1", msg.Topic)
	assert.Equal(t, patient.EventPatientMerged, msg.Event.Type)

	require.NoError(t, conn.WriteJSON(ClientMessage{Action: "subscribe", Topics: []string{TopicAll}}))
	require.Eventually(t, func() bool { return hub.TopicCount(TopicAll) == 1 }, time.Second, 5*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}

type failingNotifier struct{ err error }

func (f failingNotifier) Notify(context.Context, *patient.Event) error { return f.err }

func TestMulti(t *testing.T) {
	hub := NewHub(nil)
	client := NewClient(TopicAll)
	hub.Register(client)

	boom := errors.New("boom")
	err := Multi{failingNotifier{boom}, hub}.Notify(context.Background(), testEvent("P-1"))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "P-1", receive(t, client).Event.PatientID)

	assert.NoError(t, Multi{hub}.Notify(context.Background(), testEvent("P-1")))
}
