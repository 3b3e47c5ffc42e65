package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drfirst/go-patientsync/internal/domain/patient"
)

// Channel carries patient events between instances.
type Channel interface {
	Publish(ctx context.Context, payload []byte) error
	Subscribe(ctx context.Context, handle func(payload []byte)) (<-chan struct{}, error)
}

type envelope struct {
	Origin string         `json:"origin"`
	Event  *patient.Event `json:"event"`
}

// Fanout publishes local events to a Channel and replays events published by
// other instances into the local hub.
type Fanout struct {
	channel Channel
	hub     *Hub
	origin  string
	logger  *zap.Logger
}

// NewFanout creates a Fanout with a fresh instance identity. hub may be nil
// for processes that only publish.
func NewFanout(channel Channel, hub *Hub, logger *zap.Logger) *Fanout {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fanout{channel: channel, hub: hub, origin: uuid.New().String(), logger: logger}
}

// Notify implements patient.Notifier.
func (f *Fanout) Notify(ctx context.Context, event *patient.Event) error {
	data, err := json.Marshal(envelope{Origin: f.origin, Event: event})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return f.channel.Publish(ctx, data)
}

// Run relays remote events into the hub until ctx is done.
func (f *Fanout) Run(ctx context.Context) (<-chan struct{}, error) {
	return f.channel.Subscribe(ctx, f.receive)
}

func (f *Fanout) receive(payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil || env.Event == nil {
		f.logger.Warn("dropping malformed fanout message", zap.Error(err))
		return
	}
	if env.Origin == f.origin || f.hub == nil {
		return
	}
	f.hub.Broadcast(env.Event)
}

// Multi notifies every Notifier in order and joins their errors.
type Multi []patient.Notifier

// Notify implements patient.Notifier.
func (m Multi) Notify(ctx context.Context, event *patient.Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
