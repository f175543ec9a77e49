package events

import (
	"encoding/json"
	"testing"
)

func TestPublishAssignsIncreasingIDs(t *testing.T) {
	h := NewHub(8)
	h.Publish("job.started", map[string]any{"file": "part.g"})
	h.Publish("job.finished", nil)

	got := h.SnapshotSince(0)
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].ID != 1 || got[1].ID != 2 {
		t.Fatalf("ids = %d,%d, want 1,2", got[0].ID, got[1].ID)
	}
	var data map[string]string
	if err := json.Unmarshal(got[0].Data, &data); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if data["file"] != "part.g" {
		t.Fatalf("payload = %v", data)
	}
	if string(got[1].Data) != "{}" {
		t.Fatalf("nil payload encoded as %s", got[1].Data)
	}
}

func TestRingOverwritesOldest(t *testing.T) {
	h := NewHub(3)
	for range 5 {
		h.Publish("code.executed", nil)
	}
	got := h.SnapshotSince(0)
	if len(got) != 3 || got[0].ID != 3 || got[2].ID != 5 {
		t.Fatalf("unexpected ring contents: %+v", got)
	}
	if since := h.SnapshotSince(4); len(since) != 1 || since[0].ID != 5 {
		t.Fatalf("SnapshotSince(4) = %+v", since)
	}
}

func TestSubscribeFiltersByPrefix(t *testing.T) {
	h := NewHub(8)
	ch, cancel := h.Subscribe("job.")
	defer cancel()

	h.Publish("code.executed", nil)
	h.Publish("job.paused", nil)

	select {
	case ev := <-ch:
		if ev.Type != "job.paused" {
			t.Fatalf("received %q, want job.paused", ev.Type)
		}
	default:
		t.Fatal("expected a job event")
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %q", ev.Type)
	default:
	}

	if n := len(h.SnapshotSince(0, "job.")); n != 1 {
		t.Fatalf("filtered snapshot has %d events, want 1", n)
	}
}

func TestCancelClosesSubscription(t *testing.T) {
	h := NewHub(4)
	ch, cancel := h.Subscribe()
	if h.Subscribers() != 1 {
		t.Fatalf("subscribers = %d, want 1", h.Subscribers())
	}
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	if h.Subscribers() != 0 {
		t.Fatalf("subscribers = %d, want 0", h.Subscribers())
	}
	h.Publish("message", nil)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(4)
	_, cancel := h.Subscribe()
	defer cancel()

	for range subscriberBuffer + 10 {
		h.Publish("code.executed", nil)
	}
	for _, sub := range h.subs {
		if sub.dropped.Load() != 10 {
			t.Fatalf("dropped = %d, want 10", sub.dropped.Load())
		}
	}
}
