// Package ws implements a Server-Sent Events (SSE) hub that streams task
// notifications to operators.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/acurioustractor/farmhand/comms"
)

// client represents a single SSE connection.
type client struct {
	ch chan *comms.Event
}

// Hub manages SSE client connections and broadcasts events.
type Hub struct {
	mu        sync.RWMutex
	clients   map[*client]struct{}
	logger    *slog.Logger
	keepalive time.Duration
}

// NewHub creates a Hub ready to accept connections.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:   make(map[*client]struct{}),
		logger:    logger,
		keepalive: 30 * time.Second,
	}
}

// Attach streams every event published on bus to connected clients.
func (h *Hub) Attach(bus comms.Bus) (unsubscribe func()) {
	return bus.Subscribe(comms.AllEvents, func(_ context.Context, ev *comms.Event) error {
		h.Broadcast(ev)
		return nil
	})
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends an event to all connected clients. Slow clients miss events.
func (h *Hub) Broadcast(ev *comms.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.ch <- ev:
		default:
			h.logger.Debug("sse client lagging, event dropped", slog.String("event_id", ev.ID))
		}
	}
}

// ServeSSE handles an SSE connection request.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	c := &client{ch: make(chan *comms.Event, 64)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
	}()

	fmt.Fprint(w, "event: connected\ndata: {}\n\n") //nolint:errcheck
	flusher.Flush()

	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keepalive\n\n") //nolint:errcheck
			flusher.Flush()
		case ev := <-c.ch:
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("sse marshal", slog.Any("err", err))
				continue
			}
			// json.Marshal output never contains raw newlines
			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data) //nolint:errcheck
			flusher.Flush()
		}
	}
}
