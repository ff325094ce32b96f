package gateway

import (
	"context"
	"testing"
	"time"
)

func TestNoopSourceReturnsOnCancel(t *testing.T) {
	cancel := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- NoopSource{}.Start(context.Background(), func(IncomingMessage) {}, nil, cancel)
	}()
	close(cancel)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("NoopSource.Start did not return after cancel")
	}
}

func TestChannelSourceDeliversSentMessages(t *testing.T) {
	src := NewChannelSource(4)
	received := make(chan IncomingMessage, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go src.Start(ctx, func(msg IncomingMessage) { received <- msg }, nil, ctx.Done())

	src.In() <- NewIncomingMessage("room-1", "message", "hi")

	select {
	case msg := <-received:
		if msg.Data != "hi" {
			t.Fatalf("unexpected message: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ChannelSource delivery")
	}
}

func TestChannelSourceStopsOnContextCancel(t *testing.T) {
	src := NewChannelSource(4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- src.Start(ctx, func(IncomingMessage) {}, nil, ctx.Done())
	}()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("ChannelSource.Start did not return after context cancel")
	}
}
