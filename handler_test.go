package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestWriteSSEFraming(t *testing.T) {
	id := "5-0"
	retry := uint32(2000)
	var buf bytes.Buffer
	err := writeSSE(&buf, SseEvent{StreamID: &id, EventType: "message", Data: "line one\nline two", Retry: &retry})
	if err != nil {
		t.Fatalf("writeSSE: %v", err)
	}
	want := "id: 5-0\nevent: message\nretry: 2000\ndata: line one\ndata: line two\n\n"
	if buf.String() != want {
		t.Fatalf("unexpected frame:\n got: %q\nwant: %q", buf.String(), want)
	}
}

func TestWriteSSEOmitsAbsentFields(t *testing.T) {
	var buf bytes.Buffer
	if err := writeSSE(&buf, SseEvent{Data: "hi"}); err != nil {
		t.Fatalf("writeSSE: %v", err)
	}
	want := "data: hi\n\n"
	if buf.String() != want {
		t.Fatalf("unexpected frame:\n got: %q\nwant: %q", buf.String(), want)
	}
}

func TestHealthHandlerAlwaysOK(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Fatalf("expected 200 OK, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestReadyHandlerReflectsStorageAndSource(t *testing.T) {
	storage := NewMemoryStorage(10)

	rec := httptest.NewRecorder()
	ReadyHandler(storage, func() bool { return false })(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when source has not started, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	ReadyHandler(storage, func() bool { return true })(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 when storage available and source started, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	ReadyHandler(NoopStorage{}, func() bool { return true })(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when storage unavailable, got %d", rec.Code)
	}
}

func TestPublishHandlerRejectsNonPostAndMissingEventType(t *testing.T) {
	registry := NewRegistry("inst-1", nil, time.Minute, time.Minute, 4, nil, nil)
	router := NewRouter(registry, NewMemoryStorage(10), nil)
	h := PublishHandler(router)

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/sse/publish", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	body := strings.NewReader(`{"data":"hi"}`)
	h(rec, httptest.NewRequest(http.MethodPost, "/sse/publish", body))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing event_type, got %d", rec.Code)
	}
}

func TestPublishHandlerAccepted(t *testing.T) {
	registry := NewRegistry("inst-1", nil, time.Minute, time.Minute, 4, nil, nil)
	router := NewRouter(registry, NewMemoryStorage(10), nil)
	_, events := registry.Register("conn-1", "room-1", "", "", make(chan struct{}))
	defer registry.Unregister("conn-1")

	h := PublishHandler(router)
	rec := httptest.NewRecorder()
	body := strings.NewReader(`{"channel_id":"room-1","event_type":"message","data":"hi"}`)
	h(rec, httptest.NewRequest(http.MethodPost, "/sse/publish", body))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if resp["accepted"] != true {
		t.Fatalf("expected accepted:true, got %+v", resp)
	}

	select {
	case e := <-events:
		if e.Data != "hi" {
			t.Fatalf("unexpected dispatched event: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("published message was not dispatched")
	}
}

func TestConnectHandlerDeniesOnAuthFailure(t *testing.T) {
	registry := NewRegistry("inst-1", nil, time.Minute, time.Minute, 4, nil, nil)
	cfg := HandlerConfig{Auth: func(AuthRequest) AuthDecision {
		return Deny(http.StatusUnauthorized, "no")
	}}
	h := ConnectHandler(registry, NewMemoryStorage(10), cfg, nil)

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/sse/connect?channel_id=room-1", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if registry.ConnectionCount() != 0 {
		t.Fatal("denied auth must not register a connection")
	}
}

// TestConnectHandlerStreamsLiveEventsAndReplay exercises the endpoint
// end-to-end over a real HTTP connection, since the handler needs a
// http.Flusher the httptest.ResponseRecorder doesn't provide streaming
// semantics for.
func TestConnectHandlerStreamsLiveEventsAndReplay(t *testing.T) {
	storage := NewMemoryStorage(10)
	registry := NewRegistry("inst-1", nil, time.Hour, time.Hour, 16, nil, nil)
	router := NewRouter(registry, storage, nil)

	pastID := router.Handle(context.Background(), NewIncomingMessage("room-1", "message", "missed"))
	if pastID == "" {
		t.Fatal("expected a stream id for the pre-connect message")
	}
	time.Sleep(50 * time.Millisecond) // let the fire-and-forget store land

	mux := http.NewServeMux()
	cfg := HandlerConfig{KeepAlive: time.Hour}
	mux.HandleFunc("/sse/connect", ConnectHandler(registry, storage, cfg, nil))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	zero := "00000000000000000000"
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/sse/connect?channel_id=room-1&last_event_id="+zero, nil)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("connect request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.Header.Get("Content-Type") != "text/event-stream" {
		t.Fatalf("unexpected content type: %s", resp.Header.Get("Content-Type"))
	}

	reader := bufio.NewReader(resp.Body)
	sawReplay := false
	for i := 0; i < 50; i++ {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("reading stream: %v", err)
		}
		if strings.Contains(line, "data: missed") {
			sawReplay = true
			break
		}
	}
	if !sawReplay {
		t.Fatal("did not observe the replayed event on the stream")
	}

	// Wait for registration to be visible, then publish a live event.
	for i := 0; i < 100 && registry.ChannelConnectionCount("room-1") == 0; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	router.Handle(context.Background(), NewIncomingMessage("room-1", "message", "live-event"))

	sawLive := false
	for i := 0; i < 50; i++ {
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		if strings.Contains(line, "data: live-event") {
			sawLive = true
			break
		}
	}
	if !sawLive {
		t.Fatal("did not observe the live event on the stream")
	}
}

func TestStatsHandlerReportsCounts(t *testing.T) {
	registry := NewRegistry("inst-1", nil, time.Minute, time.Minute, 4, nil, nil)
	registry.Register("conn-1", "room-1", "1.2.3.4", "ua", make(chan struct{}))
	defer registry.Unregister("conn-1")

	rec := httptest.NewRecorder()
	StatsHandler(registry, "inst-1")(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	var resp statsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if resp.InstanceID != "inst-1" || resp.TotalConnections != 1 {
		t.Fatalf("unexpected stats response: %+v", resp)
	}
}
