// Package coordinator implements the multi-instance coordination layer
// (C7): an instance registry with heartbeat/TTL, a channel→instance mapping
// refreshed while local connections exist, and a push/store HTTP API on a
// separate listener — grounded on the direct-push example's ChannelRegistry
// and lifecycle hooks, generalized from an in-memory map to Redis so it
// actually coordinates across processes.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hui0202/sse-gateway"
	"github.com/redis/go-redis/v9"
)

const (
	instanceSetKey   = "gateway:instances"
	instanceKeyPfx   = "gateway:instance:"
	channelKeyPfx    = "channel:"
	channelKeySuffix = ":instance"
)

// Config configures a Coordinator.
type Config struct {
	RedisURL string

	// InstanceID identifies this process in the instance registry; must
	// match the gateway.Service's own InstanceID so /channel lookups and
	// local ConnectionInfo.InstanceID agree.
	InstanceID string

	// Address is this instance's push-API address, reachable by peers
	// (e.g. "10.0.4.12:9000"), stored under gateway:instance:{id}.
	Address string

	ChannelTTL        time.Duration // default 60s
	HeartbeatInterval time.Duration // default 30s

	Logger gateway.Logger
}

// Coordinator owns the Redis-backed instance registry and channel mapping,
// and serves the push API once Attach is called on a mux bound to
// PUSH_PORT.
type Coordinator struct {
	cfg    Config
	client *redis.Client
	logger gateway.Logger

	registry gateway.RegistryView
	router   *gateway.Router
	storage  gateway.Storage

	channelsMu sync.Mutex
	channels   map[string]struct{}
}

// New connects to Redis and returns a Coordinator. Call Bind before Run to
// wire it to a gateway.Service's registry, router and storage.
func New(ctx context.Context, cfg Config) (*Coordinator, error) {
	if cfg.ChannelTTL <= 0 {
		cfg.ChannelTTL = 60 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = gateway.NewNopLogger()
	}
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("coordinator: parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("coordinator: connect: %w", err)
	}
	return &Coordinator{cfg: cfg, client: client, logger: cfg.Logger, channels: make(map[string]struct{})}, nil
}

// Bind wires the coordinator to the local gateway.Service components it
// needs for the push API and the channel→instance mapping's "is anyone
// local" checks. Resolves the source/registry cyclic reference the same way
// Source does: by accepting a view rather than constructing the registry
// itself.
func (c *Coordinator) Bind(registry gateway.RegistryView, router *gateway.Router, storage gateway.Storage) {
	c.registry = registry
	c.router = router
	c.storage = storage
}

// OnConnect upserts the channel→instance mapping for info.ChannelID and
// starts tracking it for periodic refresh, so the mapping outlives
// ChannelTTL for as long as the connection does. Called synchronously from
// Registry.Register; the Redis write is backgrounded so connection
// acceptance is never blocked by coordinator unavailability.
func (c *Coordinator) OnConnect(info gateway.ConnectionInfo) {
	if info.ChannelID == "" {
		return
	}
	channelID := info.ChannelID
	c.channelsMu.Lock()
	c.channels[channelID] = struct{}{}
	c.channelsMu.Unlock()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.client.Set(ctx, channelKey(channelID), c.cfg.InstanceID, c.cfg.ChannelTTL).Err(); err != nil {
			c.logger.Warn("channel mapping write failed", gateway.Field("channel_id", channelID), gateway.Field("error", err))
		}
	}()
}

// OnDisconnect removes the channel→instance mapping once this was the last
// local connection for info.ChannelID, and stops refreshing it.
func (c *Coordinator) OnDisconnect(info gateway.ConnectionInfo) {
	if info.ChannelID == "" || c.registry == nil {
		return
	}
	channelID := info.ChannelID
	if c.registry.ChannelConnectionCount(channelID) > 0 {
		return
	}
	c.channelsMu.Lock()
	delete(c.channels, channelID)
	c.channelsMu.Unlock()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.client.Del(ctx, channelKey(channelID)).Err(); err != nil {
			c.logger.Warn("channel mapping delete failed", gateway.Field("channel_id", channelID), gateway.Field("error", err))
		}
	}()
}

// refreshChannelMappings re-extends the TTL on every locally-tracked
// channel→instance mapping that still has at least one live connection,
// and drops bookkeeping for any that don't (OnDisconnect should already have
// done so; this is a safety net against a missed callback).
func (c *Coordinator) refreshChannelMappings(ctx context.Context) {
	c.channelsMu.Lock()
	channelIDs := make([]string, 0, len(c.channels))
	for channelID := range c.channels {
		channelIDs = append(channelIDs, channelID)
	}
	c.channelsMu.Unlock()

	for _, channelID := range channelIDs {
		if c.registry == nil || c.registry.ChannelConnectionCount(channelID) == 0 {
			c.channelsMu.Lock()
			delete(c.channels, channelID)
			c.channelsMu.Unlock()
			continue
		}
		if err := c.client.Expire(ctx, channelKey(channelID), c.cfg.ChannelTTL).Err(); err != nil {
			c.logger.Warn("channel mapping refresh failed", gateway.Field("channel_id", channelID), gateway.Field("error", err))
		}
	}
}

func channelKey(channelID string) string { return channelKeyPfx + channelID + channelKeySuffix }
func instanceKey(instanceID string) string { return instanceKeyPfx + instanceID }

// Run registers this instance and refreshes its heartbeat and its
// channel→instance mappings until ctx is done, then deregisters the
// instance. Blocks; run it in its own goroutine.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.registerInstance(ctx); err != nil {
		return err
	}
	heartbeat := time.NewTicker(c.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	refreshInterval := c.cfg.ChannelTTL / 2
	if refreshInterval < time.Second {
		refreshInterval = time.Second
	}
	channelRefresh := time.NewTicker(refreshInterval)
	defer channelRefresh.Stop()
	for {
		select {
		case <-ctx.Done():
			c.deregisterInstance()
			return nil
		case <-heartbeat.C:
			if err := c.registerInstance(ctx); err != nil {
				c.logger.Warn("instance heartbeat failed", gateway.Field("error", err))
			}
		case <-channelRefresh.C:
			c.refreshChannelMappings(ctx)
		}
	}
}

func (c *Coordinator) registerInstance(ctx context.Context) error {
	pipe := c.client.TxPipeline()
	pipe.SAdd(ctx, instanceSetKey, c.cfg.InstanceID)
	pipe.HSet(ctx, instanceKey(c.cfg.InstanceID), map[string]any{
		"address":   c.cfg.Address,
		"last_seen": time.Now().UTC().Format(time.RFC3339),
	})
	pipe.Expire(ctx, instanceKey(c.cfg.InstanceID), 3*c.cfg.HeartbeatInterval)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("coordinator: register instance: %w", err)
	}
	return nil
}

func (c *Coordinator) deregisterInstance() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pipe := c.client.TxPipeline()
	pipe.SRem(ctx, instanceSetKey, c.cfg.InstanceID)
	pipe.Del(ctx, instanceKey(c.cfg.InstanceID))
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn("instance deregistration failed", gateway.Field("error", err))
	}
}

// Close releases the underlying Redis client.
func (c *Coordinator) Close() error { return c.client.Close() }

// Attach registers the push API routes on mux, intended to be served on
// PUSH_PORT, a listener separate from the SSE port.
func (c *Coordinator) Attach(mux *http.ServeMux) {
	mux.HandleFunc("/push", c.handlePush)
	mux.HandleFunc("/store", c.handleStore)
	mux.HandleFunc("/channel/", c.handleChannel)
	mux.HandleFunc("/instances", c.handleInstances)
	mux.HandleFunc("/channels", c.handleChannels)
}

type pushRequest struct {
	ChannelID *string `json:"channel_id"`
	EventType string  `json:"event_type"`
	Data      string  `json:"data"`
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (c *Coordinator) handlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req pushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed JSON: "+err.Error())
		return
	}
	if req.EventType == "" {
		writeJSONError(w, http.StatusBadRequest, "event_type is required")
		return
	}

	var online bool
	var msg gateway.IncomingMessage
	if req.ChannelID != nil && *req.ChannelID != "" {
		online = c.registry.ChannelConnectionCount(*req.ChannelID) > 0
		msg = gateway.NewIncomingMessage(*req.ChannelID, req.EventType, req.Data)
	} else {
		msg = gateway.BroadcastMessage(req.EventType, req.Data)
	}

	streamID := c.router.Handle(r.Context(), msg)

	w.Header().Set("Content-Type", "application/json")
	resp := map[string]any{"success": true, "online": online}
	if streamID != "" {
		resp["stream_id"] = streamID
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (c *Coordinator) handleStore(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req pushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed JSON: "+err.Error())
		return
	}
	if req.ChannelID == nil || *req.ChannelID == "" {
		writeJSONError(w, http.StatusBadRequest, "channel_id is required")
		return
	}
	if req.EventType == "" {
		writeJSONError(w, http.StatusBadRequest, "event_type is required")
		return
	}

	event := gateway.SseEvent{EventType: req.EventType, Data: req.Data}
	streamID := c.router.StoreOnly(r.Context(), *req.ChannelID, event)

	w.Header().Set("Content-Type", "application/json")
	resp := map[string]any{"success": streamID != ""}
	if streamID != "" {
		resp["stream_id"] = streamID
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (c *Coordinator) handleChannel(w http.ResponseWriter, r *http.Request) {
	channelID := strings.TrimPrefix(r.URL.Path, "/channel/")
	if channelID == "" {
		writeJSONError(w, http.StatusBadRequest, "channel id is required")
		return
	}

	ctx := r.Context()
	instanceID, err := c.client.Get(ctx, channelKey(channelID)).Result()
	resp := map[string]any{"channel_id": channelID}
	if err == redis.Nil {
		resp["online"] = false
	} else if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "lookup failed: "+err.Error())
		return
	} else {
		resp["online"] = true
		resp["instance_id"] = instanceID
		if address, err := c.client.HGet(ctx, instanceKey(instanceID), "address").Result(); err == nil {
			resp["instance_address"] = address
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (c *Coordinator) handleInstances(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ids, err := c.client.SMembers(ctx, instanceSetKey).Result()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "list failed: "+err.Error())
		return
	}
	instances := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		fields, err := c.client.HGetAll(ctx, instanceKey(id)).Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		instances = append(instances, map[string]any{
			"instance_id": id,
			"address":     fields["address"],
			"last_seen":   fields["last_seen"],
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"instances": instances})
}

func (c *Coordinator) handleChannels(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	channels := make([]map[string]any, 0)
	iter := c.client.Scan(ctx, 0, channelKeyPfx+"*"+channelKeySuffix, 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		instanceID, err := c.client.Get(ctx, key).Result()
		if err != nil {
			continue
		}
		channelID := strings.TrimSuffix(strings.TrimPrefix(key, channelKeyPfx), channelKeySuffix)
		channels = append(channels, map[string]any{"channel_id": channelID, "instance_id": instanceID})
	}
	if err := iter.Err(); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "list failed: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"channels": channels})
}
