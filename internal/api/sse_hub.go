package api

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"golmm/ports"
)

// SSEClient represents one connected event-stream consumer
type SSEClient struct {
	RunID   string
	Channel chan ports.StageEvent
}

// SSEHub fans stage events out to clients following a run over Server-Sent
// Events. It implements ports.ProgressSinkPort, so the pipeline publishes
// into it directly. A client that falls behind has events dropped rather
// than stalling the pipeline or its fellow subscribers.
type SSEHub struct {
	clients    map[string]map[chan ports.StageEvent]bool
	clientsMu  sync.RWMutex
	register   chan SSEClient
	unregister chan SSEClient
	broadcast  chan ports.StageEvent
}

// NewSSEHub creates a new SSE hub
func NewSSEHub() *SSEHub {
	hub := &SSEHub{
		clients:    make(map[string]map[chan ports.StageEvent]bool),
		register:   make(chan SSEClient, 10),
		unregister: make(chan SSEClient, 10),
		broadcast:  make(chan ports.StageEvent, 100),
	}

	go hub.run()
	return hub
}

// run processes hub operations
func (h *SSEHub) run() {
	for {
		select {
		case client := <-h.register:
			h.clientsMu.Lock()
			if h.clients[client.RunID] == nil {
				h.clients[client.RunID] = make(map[chan ports.StageEvent]bool)
			}
			h.clients[client.RunID][client.Channel] = true
			log.Printf("[SSE] client subscribed to run %s (subscribers: %d)",
				client.RunID, len(h.clients[client.RunID]))
			h.clientsMu.Unlock()

		case client := <-h.unregister:
			h.clientsMu.Lock()
			if clients, exists := h.clients[client.RunID]; exists {
				delete(clients, client.Channel)
				close(client.Channel)
				if len(clients) == 0 {
					delete(h.clients, client.RunID)
				}
			}
			h.clientsMu.Unlock()

		case event := <-h.broadcast:
			h.clientsMu.RLock()
			if clients, exists := h.clients[event.RunID.String()]; exists {
				for clientChan := range clients {
					select {
					case clientChan <- event:
					default:
						log.Printf("[SSE] client behind on run %s, dropping %s event",
							event.RunID, event.State)
					}
				}
			}
			h.clientsMu.RUnlock()
		}
	}
}

// Publish implements ports.ProgressSinkPort. It never blocks; when the hub
// itself is saturated the event is dropped.
func (h *SSEHub) Publish(event ports.StageEvent) {
	select {
	case h.broadcast <- event:
	default:
		log.Printf("[SSE] broadcast channel full, dropping %s event for run %s",
			event.State, event.RunID)
	}
}

// HandleEvents streams one run's stage events as Server-Sent Events
func (h *SSEHub) HandleEvents(c *gin.Context) {
	runID := c.Param("id")
	if runID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "run id required"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	clientChan := make(chan ports.StageEvent, 10)

	select {
	case h.register <- SSEClient{RunID: runID, Channel: clientChan}:
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "event hub registration failed"})
		return
	}

	defer func() {
		select {
		case h.unregister <- SSEClient{RunID: runID, Channel: clientChan}:
		default:
			// Hub overloaded; the channel stays open but nothing sends on it.
		}
	}()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-clientChan:
			if !ok {
				return false
			}
			eventJSON, err := json.Marshal(event)
			if err != nil {
				log.Printf("[SSE] failed to marshal event: %v", err)
				return true
			}
			c.SSEvent("stage", string(eventJSON))
			return true

		case <-time.After(30 * time.Second):
			// Keep-alive ping so proxies do not reap idle streams.
			c.SSEvent("ping", `{"status":"alive"}`)
			return true

		case <-ctx.Done():
			return false
		}
	})
}

// ClientCount returns the number of subscribers following a run
func (h *SSEHub) ClientCount(runID string) int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients[runID])
}
