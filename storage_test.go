package gateway

import (
	"context"
	"testing"
)

func TestMemoryStorageMonotonicIDs(t *testing.T) {
	s := NewMemoryStorage(0)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := s.GenerateID(ctx, "c1")
		if err != nil {
			t.Fatalf("GenerateID: %v", err)
		}
		ids = append(ids, id)
		s.Store(ctx, "c1", id, SseEvent{EventType: "message", Data: "x"})
	}
	for i := 1; i < len(ids); i++ {
		if ids[i-1] >= ids[i] {
			t.Fatalf("ids not lexicographically increasing: %q >= %q", ids[i-1], ids[i])
		}
	}
}

func TestMemoryStorageGetMessagesAfter(t *testing.T) {
	s := NewMemoryStorage(0)
	ctx := context.Background()

	var ids []string
	for _, data := range []string{"1", "2", "3"} {
		id, _ := s.GenerateID(ctx, "c1")
		ids = append(ids, id)
		s.Store(ctx, "c1", id, SseEvent{EventType: "message", Data: data})
	}

	replay, err := s.GetMessagesAfter(ctx, "c1", ids[0])
	if err != nil {
		t.Fatalf("GetMessagesAfter: %v", err)
	}
	if len(replay) != 2 {
		t.Fatalf("expected 2 replayed events, got %d", len(replay))
	}
	if replay[0].Data != "2" || replay[1].Data != "3" {
		t.Fatalf("replayed out of order: %+v", replay)
	}
}

func TestMemoryStorageNoColdCatchup(t *testing.T) {
	s := NewMemoryStorage(0)
	ctx := context.Background()
	id, _ := s.GenerateID(ctx, "c1")
	s.Store(ctx, "c1", id, SseEvent{EventType: "message", Data: "1"})

	replay, err := s.GetMessagesAfter(ctx, "c1", "")
	if err != nil {
		t.Fatalf("GetMessagesAfter: %v", err)
	}
	if len(replay) != 0 {
		t.Fatalf("expected no cold catch-up, got %d events", len(replay))
	}
}

func TestMemoryStorageTrimsToCapacity(t *testing.T) {
	s := NewMemoryStorage(3)
	ctx := context.Background()

	var firstID string
	for i := 0; i < 5; i++ {
		id, _ := s.GenerateID(ctx, "c1")
		if i == 0 {
			firstID = id
		}
		s.Store(ctx, "c1", id, SseEvent{EventType: "message"})
	}

	replay, err := s.GetMessagesAfter(ctx, "c1", firstID)
	if err != nil {
		t.Fatalf("GetMessagesAfter: %v", err)
	}
	if len(replay) != 2 {
		t.Fatalf("expected trimmed history to retain only 2 events after the first, got %d", len(replay))
	}
}

func TestNoopStorage(t *testing.T) {
	s := NoopStorage{}
	ctx := context.Background()

	id, err := s.GenerateID(ctx, "c1")
	if err != nil || id != "" {
		t.Fatalf("expected empty id and no error, got %q, %v", id, err)
	}
	replay, err := s.GetMessagesAfter(ctx, "c1", "anything")
	if err != nil || replay != nil {
		t.Fatalf("expected nil replay and no error, got %v, %v", replay, err)
	}
	if s.IsAvailable(ctx) {
		t.Fatal("NoopStorage should report unavailable")
	}
}
