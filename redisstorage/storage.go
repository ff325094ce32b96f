// Package redisstorage implements the gateway.Storage contract on top of
// Redis Streams, giving the gateway a replay-bound, ordered persistence
// backend.
package redisstorage

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hui0202/sse-gateway"
	"github.com/redis/go-redis/v9"
)

const defaultMaxPerChannel = 100

// Storage persists events in a per-channel Redis Stream, one XADD per event
// under an explicit, pre-assigned ID (see GenerateID).
type Storage struct {
	client        *redis.Client
	maxPerChannel int64
	ttl           time.Duration
	logger        gateway.Logger
}

// New connects to redisURL and returns a ready Storage. maxPerChannel bounds
// XADD's MAXLEN (approximate trim); ttl bounds the stream's key expiry,
// refreshed on every write.
func New(ctx context.Context, redisURL string, maxPerChannel int, ttl time.Duration) (*Storage, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redisstorage: parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redisstorage: connect: %w", err)
	}
	if maxPerChannel <= 0 {
		maxPerChannel = defaultMaxPerChannel
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Storage{client: client, maxPerChannel: int64(maxPerChannel), ttl: ttl, logger: gateway.NewNopLogger()}, nil
}

// SetLogger attaches a logger used to report Store failures, which are
// logged but never surfaced to the caller. Optional; defaults to a no-op.
func (s *Storage) SetLogger(logger gateway.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

func streamKey(channelID string) string { return "sse:stream:" + channelID }
func seqKey(channelID string) string    { return "sse:seq:" + channelID }

// GenerateID issues a stream ID by atomically incrementing a per-channel
// Redis counter and formatting it as "<seq>-0", a valid Redis Stream entry
// ID. INCR is strictly increasing, so the IDs this produces are always
// acceptable as an explicit XADD ID later in Store, regardless of clock
// skew — unlike deriving the ID from wall-clock time.
func (s *Storage) GenerateID(ctx context.Context, channelID string) (string, error) {
	seq, err := s.client.Incr(ctx, seqKey(channelID)).Result()
	if err != nil {
		return "", fmt.Errorf("redisstorage: generate id: %w", err)
	}
	return strconv.FormatInt(seq, 10) + "-0", nil
}

// Store writes event to the channel's stream under the given streamID
// (previously issued by GenerateID) and refreshes the key's TTL.
func (s *Storage) Store(ctx context.Context, channelID, streamID string, event gateway.SseEvent) {
	key := streamKey(channelID)
	businessID := ""
	if event.BusinessID != nil {
		businessID = *event.BusinessID
	}
	pipe := s.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		ID:     streamID,
		MaxLen: s.maxPerChannel,
		Approx: true,
		Values: map[string]any{"event_type": event.EventType, "data": event.Data, "business_id": businessID},
	})
	pipe.Expire(ctx, key, s.ttl)
	// Fire-and-forget per the storage contract: Store has no error return,
	// so a pipeline failure is logged and otherwise swallowed here.
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("redis streams write failed", gateway.Field("channel_id", channelID), gateway.Field("stream_id", streamID), gateway.Field("error", err))
	}
}

// GetMessagesAfter returns events with stream_id > afterID, in issue order,
// using an exclusive-start XRANGE.
func (s *Storage) GetMessagesAfter(ctx context.Context, channelID string, afterID string) ([]gateway.SseEvent, error) {
	if afterID == "" {
		return nil, nil
	}
	if !isValidStreamID(afterID) {
		return nil, nil
	}
	key := streamKey(channelID)
	entries, err := s.client.XRangeN(ctx, key, "("+afterID, "+", s.maxPerChannel).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstorage: xrange: %w", err)
	}
	out := make([]gateway.SseEvent, 0, len(entries))
	for _, entry := range entries {
		eventType, _ := entry.Values["event_type"].(string)
		data, _ := entry.Values["data"].(string)
		id := entry.ID
		event := gateway.SseEvent{EventType: eventType, Data: data, StreamID: &id}
		if businessID, ok := entry.Values["business_id"].(string); ok && businessID != "" {
			event.BusinessID = &businessID
		}
		out = append(out, event)
	}
	return out, nil
}

// IsAvailable pings Redis with a short timeout.
func (s *Storage) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.client.Ping(ctx).Err() == nil
}

func (s *Storage) Name() string { return "redis-streams" }

// Close releases the underlying Redis client.
func (s *Storage) Close() error { return s.client.Close() }

// isValidStreamID validates Redis's "timestamp-sequence" stream ID format,
// mirroring the Rust storage's guard against replaying with a
// non-Redis-shaped Last-Event-ID (e.g. a UUID from a different backend).
func isValidStreamID(id string) bool {
	parts := strings.SplitN(id, "-", 2)
	if len(parts) != 2 {
		return false
	}
	if _, err := strconv.ParseUint(parts[0], 10, 64); err != nil {
		return false
	}
	_, err := strconv.ParseUint(parts[1], 10, 64)
	return err == nil
}

var _ gateway.Storage = (*Storage)(nil)
