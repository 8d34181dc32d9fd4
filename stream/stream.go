// Package stream fans job and download progress events out to connected
// SSE clients.
package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"
)

const (
	// Buffer size for each client's event channel
	ClientChannelBuffer = 128
	// How often to send keep-alive comments
	KeepAliveInterval = 30 * time.Second
	// Buffer size for the hub broadcast queue
	HubBroadcastBuffer = 1024
)

// Event is a single server-sent event. Data is marshalled to JSON.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type clientChan chan Event

// Hub fans events out to connected clients without blocking producers.
type Hub struct {
	mu        sync.Mutex
	clients   map[clientChan]struct{}
	broadcast chan Event
	dropped   int64

	shutdown     chan struct{}
	shutdownOnce sync.Once
}

var hub = newHub()

func newHub() *Hub {
	h := &Hub{
		clients:   make(map[clientChan]struct{}),
		broadcast: make(chan Event, HubBroadcastBuffer),
		shutdown:  make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case ev := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c <- ev:
				default:
					// client queue full; drop this event for this client
					h.dropped++
				}
			}
			h.mu.Unlock()
		case <-h.shutdown:
			return
		}
	}
}

func (h *Hub) addClient(c clientChan) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	log.Printf("stream: client connected (total: %d)", n)
}

func (h *Hub) removeClient(c clientChan) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c)
	}
	n := len(h.clients)
	h.mu.Unlock()
	log.Printf("stream: client disconnected (total: %d)", n)
}

// Broadcast enqueues an event for fan-out without blocking the caller.
func Broadcast(ev Event) {
	select {
	case hub.broadcast <- ev:
	default:
		hub.mu.Lock()
		hub.dropped++
		hub.mu.Unlock()
	}
}

// ClientCount returns the number of connected clients.
func ClientCount() int {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	return len(hub.clients)
}

// Shutdown stops the hub and disconnects all clients.
func Shutdown() {
	hub.shutdownOnce.Do(func() {
		close(hub.shutdown)
		hub.mu.Lock()
		for c := range hub.clients {
			delete(hub.clients, c)
			close(c)
		}
		hub.mu.Unlock()
		log.Println("stream: hub shutdown complete")
	})
}

// Handler serves the SSE endpoint.
func Handler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	events := make(clientChan, ClientChannelBuffer)
	hub.addClient(events)
	defer hub.removeClient(events)

	ctx := r.Context()

	keepAlive := time.NewTicker(KeepAliveInterval)
	defer keepAlive.Stop()

	if _, err := io.WriteString(w, "data: {\"type\":\"connected\"}\n\n"); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				return
			}
			if _, err := io.WriteString(w, formatSSE(ev)); err != nil {
				return
			}
			flusher.Flush()

		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func formatSSE(ev Event) string {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		data = []byte("{}")
	}
	return fmt.Sprintf("event: %s\ndata: %s\n\n", ev.Type, data)
}
