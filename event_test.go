package gateway

import "testing"

func TestNewIncomingMessageTargetsChannel(t *testing.T) {
	msg := NewIncomingMessage("room-1", "message", "hi")
	if msg.ChannelID == nil || *msg.ChannelID != "room-1" {
		t.Fatalf("expected channel id room-1, got %+v", msg.ChannelID)
	}
}

func TestBroadcastMessageHasNoChannel(t *testing.T) {
	msg := BroadcastMessage("announce", "hi")
	if msg.ChannelID != nil {
		t.Fatalf("expected nil channel id, got %v", *msg.ChannelID)
	}
}

func TestWithBusinessIDAttachesID(t *testing.T) {
	msg := NewIncomingMessage("room-1", "message", "hi").WithBusinessID("biz-1")
	if msg.BusinessID == nil || *msg.BusinessID != "biz-1" {
		t.Fatalf("expected business id biz-1, got %+v", msg.BusinessID)
	}
}

func TestSseEventBuilders(t *testing.T) {
	e := ForChannel("message", "hi").WithBusinessID("biz-1").WithStreamID("5-0").WithRetry(3000)
	if e.BusinessID == nil || *e.BusinessID != "biz-1" {
		t.Fatalf("unexpected business id: %+v", e.BusinessID)
	}
	if e.StreamID == nil || *e.StreamID != "5-0" {
		t.Fatalf("unexpected stream id: %+v", e.StreamID)
	}
	if e.Retry == nil || *e.Retry != 3000 {
		t.Fatalf("unexpected retry: %+v", e.Retry)
	}
}

func TestHeartbeatEventCarriesNoStreamID(t *testing.T) {
	hb := heartbeatEvent()
	if hb.EventType != "heartbeat" {
		t.Fatalf("expected event type heartbeat, got %q", hb.EventType)
	}
	if hb.StreamID != nil {
		t.Fatal("heartbeat must not carry a stream id")
	}
}
