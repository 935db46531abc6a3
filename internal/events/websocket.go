package events

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"

	"github.com/crawlcore/crawlcore/internal/interfaces"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsMessage is the envelope every broadcast frame uses.
type wsMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// WebSocketBroadcaster relays bus events to connected browser clients: a
// mutex-guarded client set, one write-mutex per connection,
// subscriptions registered against the event bus at construction time.
type WebSocketBroadcaster struct {
	logger arbor.ILogger

	mu          sync.RWMutex
	clients     map[*websocket.Conn]*sync.Mutex
}

func NewWebSocketBroadcaster(bus interfaces.EventService, logger arbor.ILogger) *WebSocketBroadcaster {
	b := &WebSocketBroadcaster{
		logger:  logger,
		clients: make(map[*websocket.Conn]*sync.Mutex),
	}

	bus.Subscribe(interfaces.EventCrawlProgress, func(ctx context.Context, event interfaces.Event) error {
		b.broadcast("crawl_progress", event.Payload)
		return nil
	})
	bus.Subscribe(interfaces.EventQueueStats, func(ctx context.Context, event interfaces.Event) error {
		b.broadcast("queue_stats", event.Payload)
		return nil
	})
	bus.Subscribe(interfaces.EventImportProgress, func(ctx context.Context, event interfaces.Event) error {
		b.broadcast("import_progress", event.Payload)
		return nil
	})

	return b
}

// ServeHTTP upgrades the connection and keeps it open until the client
// disconnects; this core pushes only, so inbound reads exist solely to
// detect connection close.
func (b *WebSocketBroadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Error().Err(err).Msg("failed to upgrade websocket connection")
		return
	}

	b.mu.Lock()
	b.clients[conn] = &sync.Mutex{}
	b.mu.Unlock()
	b.logger.Debug().Int("clients", len(b.clients)).Msg("websocket client connected")

	defer func() {
		b.mu.Lock()
		delete(b.clients, conn)
		remaining := len(b.clients)
		b.mu.Unlock()
		conn.Close()
		b.logger.Debug().Int("clients", remaining).Msg("websocket client disconnected")
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (b *WebSocketBroadcaster) broadcast(msgType string, payload interface{}) {
	data, err := json.Marshal(wsMessage{Type: msgType, Payload: payload})
	if err != nil {
		b.logger.Warn().Err(err).Str("type", msgType).Msg("failed to marshal broadcast message")
		return
	}

	b.mu.RLock()
	targets := make(map[*websocket.Conn]*sync.Mutex, len(b.clients))
	for conn, mu := range b.clients {
		targets[conn] = mu
	}
	b.mu.RUnlock()

	for conn, mu := range targets {
		mu.Lock()
		err := conn.WriteMessage(websocket.TextMessage, data)
		mu.Unlock()
		if err != nil {
			b.logger.Warn().Err(err).Msg("failed to send websocket broadcast")
		}
	}
}
