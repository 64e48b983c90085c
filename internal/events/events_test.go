package events

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestAddAndRecent(t *testing.T) {
	s := NewStore()
	s.Add(TypeClientConnected, "u1", "alpha", "Connected", nil)
	s.Add(TypeCommandExecuted, "u1", "alpha", "Executed: ls", map[string]any{"command": "ls"})

	recent := s.Recent(10)
	if len(recent) != 2 {
		t.Fatalf("Recent() returned %d events, want 2", len(recent))
	}
	if recent[0].Type != TypeCommandExecuted {
		t.Errorf("newest first: got %q", recent[0].Type)
	}
	if recent[0].Data != nil {
		t.Error("Recent() should strip data payloads")
	}
	if recent[1].Summary != "Connected" {
		t.Errorf("summary = %q", recent[1].Summary)
	}
	if _, err := time.Parse(time.RFC3339, recent[0].Timestamp); err != nil {
		t.Errorf("timestamp %q is not RFC3339: %v", recent[0].Timestamp, err)
	}
}

func TestRingBound(t *testing.T) {
	s := NewStore()
	for i := 0; i < MaxEvents+25; i++ {
		s.Add(TypeClientConnected, fmt.Sprintf("u%d", i), "n", "Connected", nil)
	}

	all := s.Recent(MaxEvents * 2)
	if len(all) != MaxEvents {
		t.Fatalf("ring holds %d events, want %d", len(all), MaxEvents)
	}
	if all[0].ClientUUID != fmt.Sprintf("u%d", MaxEvents+24) {
		t.Errorf("newest entry = %q", all[0].ClientUUID)
	}
}

func TestRecentDefaultLimit(t *testing.T) {
	s := NewStore()
	for i := 0; i < 30; i++ {
		s.Add(TypeClientConnected, "u", "n", "Connected", nil)
	}
	if got := len(s.Recent(0)); got != DefaultLimit {
		t.Errorf("Recent(0) returned %d, want default %d", got, DefaultLimit)
	}
}

func TestSubscribe(t *testing.T) {
	s := NewStore()
	ch, cancel := s.Subscribe()
	defer cancel()

	s.Add(TypeClientDisconnected, "u9", "box", "Disconnected", map[string]any{"reason": "ssh_disconnect"})

	select {
	case e := <-ch:
		if e.Type != TypeClientDisconnected || e.ClientUUID != "u9" {
			t.Errorf("event = %+v", e)
		}
		if e.Data["reason"] != "ssh_disconnect" {
			t.Errorf("subscribers should see data: %v", e.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestSubscribeCancel(t *testing.T) {
	s := NewStore()
	ch, cancel := s.Subscribe()
	cancel()
	cancel() // double cancel is fine

	if _, open := <-ch; open {
		t.Error("channel should be closed after cancel")
	}
	// Emitting after cancel must not panic.
	s.Add(TypeClientConnected, "u", "n", "Connected", nil)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	s := NewStore()
	_, cancel := s.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		// Nobody drains the channel; Add must still return.
		for i := 0; i < 100; i++ {
			s.Add(TypeClientConnected, "u", "n", "Connected", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Add blocked on a slow subscriber")
	}
}

func TestTruncateCommand(t *testing.T) {
	if got := TruncateCommand("ls -la"); got != "ls -la" {
		t.Errorf("short command changed: %q", got)
	}
	long := strings.Repeat("x", 80)
	got := TruncateCommand(long)
	if len([]rune(got)) != 53 || !strings.HasSuffix(got, "...") {
		t.Errorf("truncated = %q (len %d)", got, len(got))
	}
}
