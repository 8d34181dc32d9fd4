package stream

import (
	"strings"
	"testing"
	"time"
)

func TestFormatSSE(t *testing.T) {
	tests := []struct {
		name  string
		event Event
		want  string
	}{
		{
			name:  "string payload",
			event: Event{Type: "job-update", Data: map[string]string{"id": "abc"}},
			want:  "event: job-update\ndata: {\"id\":\"abc\"}\n\n",
		},
		{
			name:  "nil payload",
			event: Event{Type: "ping", Data: nil},
			want:  "event: ping\ndata: null\n\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := formatSSE(tt.event)
			if got != tt.want {
				t.Errorf("formatSSE() = %q; want %q", got, tt.want)
			}
		})
	}
}

func TestFormatSSEUnmarshalable(t *testing.T) {
	got := formatSSE(Event{Type: "bad", Data: func() {}})
	if !strings.Contains(got, "data: {}") {
		t.Errorf("formatSSE with unmarshalable payload = %q; want empty object data", got)
	}
}

func TestBroadcastReachesClient(t *testing.T) {
	c := make(clientChan, 4)
	hub.addClient(c)
	defer hub.removeClient(c)

	Broadcast(Event{Type: "operation-progress", Data: map[string]int{"progress": 42}})

	select {
	case ev := <-c:
		if ev.Type != "operation-progress" {
			t.Errorf("event type = %q; want %q", ev.Type, "operation-progress")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast")
	}
}

func TestBroadcastDropsWhenClientFull(t *testing.T) {
	c := make(clientChan, 1)
	hub.addClient(c)
	defer hub.removeClient(c)

	// First fills the buffer, the rest must be dropped without blocking.
	for i := 0; i < 5; i++ {
		Broadcast(Event{Type: "flood", Data: i})
	}

	// Give the hub goroutine time to process the queue.
	deadline := time.After(time.Second)
	select {
	case <-c:
	case <-deadline:
		t.Fatal("expected at least one delivered event")
	}
}

func TestClientCount(t *testing.T) {
	before := ClientCount()

	c := make(clientChan, 1)
	hub.addClient(c)
	if got := ClientCount(); got != before+1 {
		t.Errorf("ClientCount() = %d; want %d", got, before+1)
	}

	hub.removeClient(c)
	if got := ClientCount(); got != before {
		t.Errorf("ClientCount() after remove = %d; want %d", got, before)
	}
}

func TestRemoveClientIdempotent(t *testing.T) {
	c := make(clientChan, 1)
	hub.addClient(c)
	hub.removeClient(c)
	// Second removal of an unknown channel must not panic or double-close.
	hub.removeClient(c)
}
