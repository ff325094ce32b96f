package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// writeSSE frames a single SseEvent onto w in the standard SSE wire format:
// optional id: line, event: line, one data: line per line of payload,
// terminated by a blank line.
func writeSSE(w io.Writer, e SseEvent) error {
	if e.StreamID != nil {
		if _, err := fmt.Fprintf(w, "id: %s\n", *e.StreamID); err != nil {
			return err
		}
	}
	if e.EventType != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", e.EventType); err != nil {
			return err
		}
	}
	if e.Retry != nil {
		if _, err := fmt.Fprintf(w, "retry: %d\n", *e.Retry); err != nil {
			return err
		}
	}
	data := e.Data
	start := 0
	for i := 0; i <= len(data); i++ {
		if i == len(data) || data[i] == '\n' {
			if _, err := fmt.Fprintf(w, "data: %s\n", data[start:i]); err != nil {
				return err
			}
			start = i + 1
		}
	}
	_, err := io.WriteString(w, "\n")
	return err
}

// HandlerConfig carries the per-connection tunables of ConnectHandler: the
// auth hook and the cadence of the ": keep-alive" comment lines. Mailbox
// sizing and the cleanup interval live on Registry; MailboxCapacity is
// carried here but not read by ConnectHandler.
type HandlerConfig struct {
	Auth            AuthFunc
	KeepAlive       time.Duration
	MailboxCapacity int
}

// ConnectHandler returns the `/sse/connect` endpoint (C6): authenticates,
// registers a connection, replays missed events via storage using
// Last-Event-ID, then streams live events until the client disconnects.
func ConnectHandler(registry *Registry, storage Storage, cfg HandlerConfig, logger Logger) http.HandlerFunc {
	keepAlive := cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 15 * time.Second
	}
	return func(w http.ResponseWriter, r *http.Request) {
		// An empty channel_id is permitted: it registers a broadcast-only
		// listener that receives broadcast events but no per-channel ones.
		channelID := r.URL.Query().Get("channel_id")

		authReq := AuthRequest{
			Method:    r.Method,
			URI:       r.URL.RequestURI(),
			Header:    r.Header,
			ChannelID: channelID,
			ClientIP:  clientIPFrom(r),
		}
		if cfg.Auth != nil {
			decision := cfg.Auth(authReq)
			if decision.Denied {
				if logger != nil {
					logger.Warn("sse connection denied", Field("channel_id", channelID), Field("client_ip", authReq.ClientIP))
				}
				status := decision.Status
				if status == 0 {
					status = http.StatusForbidden
				}
				http.Error(w, decision.Body, status)
				return
			}
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)

		connectionID := uuid.NewString()
		ctx := r.Context()
		_, events := registry.Register(connectionID, channelID, authReq.ClientIP, r.Header.Get("User-Agent"), ctx.Done())
		defer registry.Unregister(connectionID)

		if logger != nil {
			logger.Info("sse connection established", Field("connection_id", connectionID), Field("channel_id", channelID), Field("total", registry.ConnectionCount()))
		}

		bw := bufio.NewWriter(w)

		lastEventID := r.Header.Get("Last-Event-ID")
		if lastEventID == "" {
			lastEventID = r.URL.Query().Get("last_event_id")
		}
		if lastEventID != "" {
			replay, err := storage.GetMessagesAfter(ctx, channelID, lastEventID)
			if err != nil && logger != nil {
				logger.Warn("replay lookup failed", Field("channel_id", channelID), Field("error", err))
			}
			for _, event := range replay {
				if err := writeSSE(bw, event); err != nil {
					return
				}
			}
			if len(replay) > 0 {
				if logger != nil {
					logger.Info("replayed missed events", Field("channel_id", channelID), Field("count", len(replay)))
				}
				if err := bw.Flush(); err != nil {
					return
				}
				flusher.Flush()
			}
		}

		if _, err := io.WriteString(bw, ": connected "+channelID+"\n\n"); err != nil {
			return
		}
		if err := bw.Flush(); err != nil {
			return
		}
		flusher.Flush()

		ticker := time.NewTicker(keepAlive)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := io.WriteString(bw, ": keep-alive\n\n"); err != nil {
					return
				}
				if err := bw.Flush(); err != nil {
					return
				}
				flusher.Flush()
			case event, ok := <-events:
				if !ok {
					_, _ = io.WriteString(bw, ": server shutting down\n\n")
					_ = bw.Flush()
					flusher.Flush()
					return
				}
				if err := writeSSE(bw, event); err != nil {
					return
				}
				if err := bw.Flush(); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}

// HealthHandler reports process liveness: 200 "OK" always, as long as the
// HTTP server is accepting connections.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "OK")
	}
}

// ReadyHandler reports readiness: 200 iff storage.IsAvailable and at least
// one source has started (sourceStarted reports the latter).
func ReadyHandler(storage Storage, sourceStarted func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		ready := storage.IsAvailable(ctx) && sourceStarted()
		w.Header().Set("Content-Type", "application/json")
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":  map[bool]string{true: "ready", false: "not ready"}[ready],
			"storage": storage.Name(),
		})
	}
}

type statsConnection struct {
	ConnectionID string `json:"connection_id"`
	ChannelID    string `json:"channel_id"`
	ConnectedAt  string `json:"connected_at"`
}

type statsResponse struct {
	InstanceID        string            `json:"instance_id"`
	TotalConnections  int               `json:"total_connections"`
	ByChannel         map[string]int    `json:"connections_by_channel"`
	SlowConsumerDrops int64             `json:"slow_consumer_drops"`
	Connections       []statsConnection `json:"connections"`
}

// StatsHandler serves a JSON snapshot of this instance's registry state, the
// data source a connection-count dashboard would poll.
func StatsHandler(registry *Registry, instanceID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := registry.StatsSnapshot()
		conns := registry.ListConnections()
		out := statsResponse{
			InstanceID:        instanceID,
			TotalConnections:  snap.Total,
			ByChannel:         snap.ByChannelCount,
			SlowConsumerDrops: snap.SlowConsumerDrops,
			Connections:       make([]statsConnection, 0, len(conns)),
		}
		for _, c := range conns {
			out.Connections = append(out.Connections, statsConnection{
				ConnectionID: c.ConnectionID,
				ChannelID:    c.ChannelID,
				ConnectedAt:  c.ConnectedAt.Format(time.RFC3339),
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	}
}

// PublishHandler is the HTTP-push ingestion route: POST a message directly
// into the gateway without a Source.
func PublishHandler(router *Router) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, 256<<10)
		var body struct {
			ChannelID  *string `json:"channel_id"`
			EventType  string  `json:"event_type"`
			Data       string  `json:"data"`
			BusinessID *string `json:"business_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if body.EventType == "" {
			http.Error(w, "event_type is required", http.StatusBadRequest)
			return
		}
		msg := IncomingMessage{ChannelID: body.ChannelID, EventType: body.EventType, Data: body.Data, BusinessID: body.BusinessID}
		router.Handle(r.Context(), msg)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"accepted": true})
	}
}
