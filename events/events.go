// Package events is the chassis event bus. A Bus hands out named Topics;
// listeners subscribe to event names on a topic and receive every record
// appended under that name, in offset order, through a pluggable Provider.
package events

import (
	"context"
	"time"
)

// Offset position hints accepted by Topic.Offset.
const (
	// OffsetLatest resolves to the tail: the number of records ever appended.
	OffsetLatest int64 = -1
	// OffsetEarliest resolves to the first retained offset.
	OffsetEarliest int64 = -2
)

// Record is a single encoded event on a topic.
type Record struct {
	Offset    int64
	Event     string
	Data      []byte
	Timestamp time.Time
	// Passed marks a record of another event that the consumer walked past
	// at or after the subscription's committed position. Only Offset is
	// meaningful.
	Passed bool
}

// Context describes the record a listener is invoked for.
type Context struct {
	Offset    int64
	Topic     string
	Event     string
	Timestamp time.Time
}

// Listener handles one decoded payload. Returned errors are logged by the
// topic and do not stop delivery to the remaining listeners.
type Listener func(ctx context.Context, payload any, mc Context) error

// Handle identifies a registered listener; it is the argument of
// Topic.RemoveListener.
type Handle struct {
	event    string
	listener Listener
}

// Event returns the event name the handle listens to.
func (h *Handle) Event() string { return h.event }

// Delivery receives records from a provider's topic consumer. It returns
// after every listener of the record's event completed.
type Delivery func(ctx context.Context, rec Record)

// Capabilities advertises what a provider supports.
type Capabilities struct {
	Name string
	// Durable providers keep records after delivery.
	Durable bool
	// Replay allows ResetOffset to rewind a consumer.
	Replay bool
	// TimestampOffsets resolves non-negative Offset hints as unix milliseconds.
	TimestampOffsets bool
	// Synchronous providers deliver before Append returns.
	Synchronous bool
}

// Provider is a backend for the event bus.
//
// A provider runs at most one consumer per topic that walks records in offset
// order. A record of event E is handed to E's Delivery only when E is
// subscribed and the offset is at or past E's committed position, which then
// advances past the record. A subscription without a committed position starts
// at the tail. Unsubscribe must not wait for in-flight deliveries: it is called
// from inside listeners.
//
// Replaying providers also hand a subscribed Delivery a Passed record for
// records of other events they walk past, so a replay can tell when it moved
// beyond a given offset. The Passed record of an offset may be coalesced
// into the Passed record of a later one.
type Provider interface {
	Name() string
	Capabilities() Capabilities

	Start(ctx context.Context) error
	End(ctx context.Context) error

	// Append stores records and returns their assigned offsets. Offset and
	// Timestamp of the given records are ignored.
	Append(ctx context.Context, topic string, records []Record) ([]int64, error)
	Subscribe(ctx context.Context, topic, event string, deliver Delivery) error
	Unsubscribe(topic, event string)

	Offset(ctx context.Context, topic string, hint int64) (int64, error)
	ResetOffset(ctx context.Context, topic, event string, base int64) error
}
