// Package events keeps the recent-activity stream shown on the
// dashboard: a fixed-size ring of system events, newest first, with
// subscriber channels feeding the WebSocket broadcaster.
package events

import (
	"sync"
	"time"
)

const (
	// MaxEvents bounds the ring; older entries fall off.
	MaxEvents = 100
	// DefaultLimit is used when a query does not name one.
	DefaultLimit = 20
)

// Common event types.
const (
	TypeClientConnected    = "client.connected"
	TypeClientDisconnected = "client.disconnected"
	TypeCommandExecuted    = "command.executed"
	TypeFileAccessed       = "file.accessed"
)

// Event is one entry in the activity stream.
type Event struct {
	Timestamp  string         `json:"timestamp"`
	Type       string         `json:"type"`
	ClientUUID string         `json:"client_uuid"`
	ClientName string         `json:"client_name"`
	Summary    string         `json:"summary"`
	Data       map[string]any `json:"data,omitempty"`
}

// Store is the bounded event ring plus its subscribers.
type Store struct {
	mu     sync.Mutex
	events []Event // newest first
	subs   map[int]chan Event
	nextID int
}

func NewStore() *Store {
	return &Store{subs: make(map[int]chan Event)}
}

// Add records an event and fans it out to subscribers. Slow subscribers
// miss events rather than stalling the emitter.
func (s *Store) Add(eventType, clientUUID, clientName, summary string, data map[string]any) Event {
	e := Event{
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Type:       eventType,
		ClientUUID: clientUUID,
		ClientName: clientName,
		Summary:    summary,
		Data:       data,
	}

	s.mu.Lock()
	s.events = append([]Event{e}, s.events...)
	if len(s.events) > MaxEvents {
		s.events = s.events[:MaxEvents]
	}
	for _, ch := range s.subs {
		select {
		case ch <- e:
		default:
		}
	}
	s.mu.Unlock()
	return e
}

// Recent returns up to limit events, newest first, without their data
// payloads (the stream endpoint only shows the summary line).
func (s *Store) Recent(limit int) []Event {
	if limit <= 0 {
		limit = DefaultLimit
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n := limit
	if n > len(s.events) {
		n = len(s.events)
	}
	out := make([]Event, n)
	for i := 0; i < n; i++ {
		e := s.events[i]
		e.Data = nil
		out[i] = e
	}
	return out
}

// Subscribe registers a listener for future events. The returned cancel
// removes it and closes the channel.
func (s *Store) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

// TruncateCommand shortens a command line for event summaries.
func TruncateCommand(cmd string) string {
	const max = 50
	runes := []rune(cmd)
	if len(runes) <= max {
		return cmd
	}
	return string(runes[:max]) + "..."
}
