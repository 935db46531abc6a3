package interfaces

import "context"

// EventType identifies the kind of internal event published on the event
// bus (internal/events). Handlers register per-type.
type EventType string

const (
	// EventCrawlProgress carries a single bookmark's crawl outcome.
	// Payload: map[string]interface{}{"bookmark_id", "status", "error"?}.
	EventCrawlProgress EventType = "crawl_progress"

	// EventQueueStats carries a snapshot of every durable queue's depth,
	// throttled to at most one publish per window. Payload:
	// map[string]interface{} keyed by queue name to models.QueueStats.
	EventQueueStats EventType = "queue_stats"

	// EventImportProgress carries a staging session's processed/pending
	// counters. The websocket broadcaster relays it; the import controller
	// does not publish it.
	EventImportProgress EventType = "import_progress"
)

// Event is one message on the bus.
type Event struct {
	Type    EventType
	Payload interface{}
}

// EventHandler reacts to a published Event.
type EventHandler func(ctx context.Context, event Event) error

// EventService is the internal pub/sub bus internal/events.Bus
// implements; the queue-stats publisher publishes through it and the
// websocket broadcaster subscribes to it. The crawl pipeline and the
// import controller hold no reference to it.
type EventService interface {
	Subscribe(eventType EventType, handler EventHandler)
	Publish(ctx context.Context, event Event)
	Close()
}
