// Package usage is the metering egress of the gateway. Channel actors emit
// observed events (connect, subscribe, message); sinks batch them and ship
// them best-effort to an aggregation tier. Recording never blocks the
// caller, and delivery failures end in a logged drop, not backpressure.
package usage

import (
	"context"
	"time"
)

// EventType classifies a billable action.
type EventType string

const (
	EventConnect   EventType = "connect"
	EventSubscribe EventType = "subscribe"
	EventMessage   EventType = "message"
)

// Event is one observed billable action.
type Event struct {
	ProjectID     string    `json:"project_id"`
	KeyID         string    `json:"key_id,omitempty"`
	Event         EventType `json:"event"`
	PayloadLength *int      `json:"payload_length,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Sink accepts events for delivery. Record must be non-blocking; Close
// flushes whatever is buffered within the context deadline.
type Sink interface {
	Record(event Event)
	Close(ctx context.Context) error
}

// NoopSink discards everything; used in tests and when metering is off.
type NoopSink struct{}

func (NoopSink) Record(Event) {}

func (NoopSink) Close(context.Context) error { return nil }

// MessageEvent builds a message event carrying the payload size.
func MessageEvent(projectID, keyID string, payloadLength int) Event {
	return Event{
		ProjectID:     projectID,
		KeyID:         keyID,
		Event:         EventMessage,
		PayloadLength: &payloadLength,
		Timestamp:     time.Now(),
	}
}

// ConnectEvent builds a connect event.
func ConnectEvent(projectID, keyID string) Event {
	return Event{ProjectID: projectID, KeyID: keyID, Event: EventConnect, Timestamp: time.Now()}
}

// SubscribeEvent builds a subscribe event.
func SubscribeEvent(projectID, keyID string) Event {
	return Event{ProjectID: projectID, KeyID: keyID, Event: EventSubscribe, Timestamp: time.Now()}
}
