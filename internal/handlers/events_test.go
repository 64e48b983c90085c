package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jfreed-dev/reach/internal/events"
)

func TestListEvents(t *testing.T) {
	setupHandlers(t)
	Events.Add(events.TypeClientConnected, "u1", "worker-1", "Connected", nil)
	Events.Add(events.TypeCommandExecuted, "u1", "worker-1", "Executed: uptime", nil)
	Events.Add(events.TypeClientDisconnected, "u1", "worker-1", "Disconnected", nil)

	w := httptest.NewRecorder()
	ListEvents(w, httptest.NewRequest("GET", "/api/v1/events", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := decodeBody(t, w)
	list, _ := body["events"].([]any)
	if len(list) != 3 {
		t.Fatalf("events = %d, want 3", len(list))
	}
	first, _ := list[0].(map[string]any)
	if first["type"] != events.TypeClientDisconnected {
		t.Errorf("first event = %v, want newest first", first["type"])
	}
}

func TestListEvents_Limit(t *testing.T) {
	setupHandlers(t)
	for i := 0; i < 5; i++ {
		Events.Add(events.TypeCommandExecuted, "u1", "worker-1", "Executed: x", nil)
	}

	w := httptest.NewRecorder()
	ListEvents(w, httptest.NewRequest("GET", "/api/v1/events?limit=2", nil))

	body := decodeBody(t, w)
	if list, _ := body["events"].([]any); len(list) != 2 {
		t.Errorf("events = %d, want 2", len(list))
	}
}
