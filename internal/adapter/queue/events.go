package queue

import (
	"github.com/relaydeck/connhive/internal/core/domain"
	"github.com/relaydeck/connhive/pkg/eventbus"
)

// EventType classifies the lifecycle notices an OriginQueue publishes for
// observability. The delivery protocol itself (Waiter.OnStream/OnFailure)
// never depends on these events; they exist for subscribers like a metrics
// adapter or the demo harness's event log.
type EventType int

const (
	EventTypeConnectionCreated EventType = iota
	EventTypeFallback
	EventTypePoolSaturated
	EventTypeQueueDrained
	EventTypeQueueError
)

func (t EventType) String() string {
	switch t {
	case EventTypeConnectionCreated:
		return "connection_created"
	case EventTypeFallback:
		return "fallback"
	case EventTypePoolSaturated:
		return "pool_saturated"
	case EventTypeQueueDrained:
		return "queue_drained"
	case EventTypeQueueError:
		return "queue_error"
	default:
		return "unknown"
	}
}

// Event is the value published on an OriginQueue's eventbus.
type Event struct {
	Type  EventType
	Key   domain.OriginKey
	Error error
}

// Events is the generic eventbus instantiated for queue.Event, shared
// across every OriginQueue a ConnectionManager owns so a single subscriber
// sees the whole origin population's lifecycle.
type Events = eventbus.Bus[Event]

// NewEvents builds a fresh events bus, ready to hand to registry.New.
func NewEvents() *Events {
	return eventbus.New[Event]()
}

func (q *OriginQueue) publish(evt Event) {
	if q.events == nil {
		return
	}
	evt.Key = q.key
	q.events.PublishAsync(evt)
}
