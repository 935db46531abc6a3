// Package events implements the internal pub/sub bus and its three
// fan-out consumers: batched search indexing, webhook delivery, and
// rule-engine evaluation. A throttled publisher pushes live queue-depth
// snapshots onto the same bus for the WebSocket surface.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/crawlcore/crawlcore/internal/common"
	"github.com/crawlcore/crawlcore/internal/interfaces"
	"github.com/crawlcore/crawlcore/internal/queue"
)

// Bus is the process-wide pub/sub event service.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[interfaces.EventType][]interfaces.EventHandler
	logger      arbor.ILogger
}

func NewBus(logger arbor.ILogger) *Bus {
	return &Bus{
		subscribers: make(map[interfaces.EventType][]interfaces.EventHandler),
		logger:      logger,
	}
}

var _ interfaces.EventService = (*Bus)(nil)

func (b *Bus) Subscribe(eventType interfaces.EventType, handler interfaces.EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish dispatches to every subscriber on its own goroutine; a handler
// failure is logged, never propagated to the publisher.
func (b *Bus) Publish(ctx context.Context, event interfaces.Event) {
	b.mu.RLock()
	handlers := append([]interfaces.EventHandler(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		handler := h
		common.SafeGo(b.logger, "event-handler-"+string(event.Type), func() {
			if err := handler(ctx, event); err != nil {
				b.logger.Warn().Err(err).Str("event_type", string(event.Type)).Msg("event handler failed")
			}
		})
	}
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = make(map[interfaces.EventType][]interfaces.EventHandler)
}

// StatsPublisher periodically snapshots every registered queue's depth
// and publishes it as EventQueueStats, throttled to once per interval
// (500ms by default) regardless of how often Notify is called.
type StatsPublisher struct {
	bus      interfaces.EventService
	store    *queue.Store
	queues   []string
	interval time.Duration

	mu   sync.Mutex
	last time.Time
}

func NewStatsPublisher(bus interfaces.EventService, store *queue.Store, queueNames []string, interval time.Duration) *StatsPublisher {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &StatsPublisher{bus: bus, store: store, queues: queueNames, interval: interval}
}

// Notify requests a stats publish; throttled, so callers may invoke this
// on every dispatch/enqueue without flooding subscribers.
func (p *StatsPublisher) Notify(ctx context.Context) {
	p.mu.Lock()
	if time.Since(p.last) < p.interval {
		p.mu.Unlock()
		return
	}
	p.last = time.Now()
	p.mu.Unlock()

	snapshot := make(map[string]interface{}, len(p.queues))
	for _, q := range p.queues {
		stats, err := p.store.Stats(ctx, q)
		if err != nil {
			continue
		}
		snapshot[q] = stats
	}
	p.bus.Publish(ctx, interfaces.Event{Type: interfaces.EventQueueStats, Payload: snapshot})
}
