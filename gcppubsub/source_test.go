package gcppubsub

import "testing"

func TestIncomingMessageForChannelAttribute(t *testing.T) {
	msg := incomingMessageFor(map[string]string{"channel_id": "room-1", "event_type": "custom"}, []byte("payload"))
	if msg.ChannelID == nil || *msg.ChannelID != "room-1" {
		t.Fatalf("expected channel_id room-1, got %+v", msg.ChannelID)
	}
	if msg.EventType != "custom" || msg.Data != "payload" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestIncomingMessageForDefaultsEventType(t *testing.T) {
	msg := incomingMessageFor(map[string]string{"channel_id": "room-1"}, []byte("payload"))
	if msg.EventType != "message" {
		t.Fatalf("expected default event type message, got %q", msg.EventType)
	}
}

func TestIncomingMessageForBroadcastsWithoutChannel(t *testing.T) {
	msg := incomingMessageFor(map[string]string{}, []byte("payload"))
	if msg.ChannelID != nil {
		t.Fatalf("expected broadcast (nil channel), got %v", *msg.ChannelID)
	}
}

func TestIncomingMessageForTreatsEmptyChannelAsBroadcast(t *testing.T) {
	msg := incomingMessageFor(map[string]string{"channel_id": ""}, []byte("payload"))
	if msg.ChannelID != nil {
		t.Fatalf("expected broadcast for empty channel_id attribute, got %v", *msg.ChannelID)
	}
}

func TestNewAndName(t *testing.T) {
	s := New("my-project", "my-sub")
	if s.Name() != "gcp-pubsub" {
		t.Fatal("unexpected source name")
	}
	if s.projectID != "my-project" || s.subscriptionID != "my-sub" {
		t.Fatalf("unexpected construction: %+v", s)
	}
}
