package gateway

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"
)

const registryShards = 32 // power of two, so fnv%N stays evenly distributed

// mailboxCapacity is the default bound on a connection's pending-event queue.
const mailboxCapacity = 256

// mailbox is a bounded single-producer/single-consumer queue: the Router is
// its sole writer, the owning connection its sole reader. On overflow the
// oldest queued event is dropped in favor of the new one.
type mailbox struct {
	mu      sync.RWMutex
	closed  bool
	ch      chan SseEvent
	dropped atomic.Int64
}

func newMailbox(capacity int) *mailbox {
	if capacity <= 0 {
		capacity = mailboxCapacity
	}
	return &mailbox{ch: make(chan SseEvent, capacity)}
}

// send never blocks. On a full mailbox it drops the oldest queued event and
// counts the drop. A send racing with close is a no-op rather than a panic:
// the closed flag is checked under the same lock close takes, so a
// dispatch that copied this handle out of the registry just before
// Unregister closed it still sees the mailbox as gone instead of sending on
// a closed channel.
func (m *mailbox) send(event SseEvent) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.ch <- event:
		return
	default:
	}
	select {
	case <-m.ch:
	default:
	}
	select {
	case m.ch <- event:
	default:
		// Raced with the reader draining concurrently; the event is simply
		// lost, which is within the overflow contract (drop something, don't
		// block).
	}
	m.dropped.Add(1)
}

func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.ch)
}

// ConnectionHandle is returned from Register; it identifies the connection
// and exposes the bits needed for unregistration bookkeeping.
type ConnectionHandle struct {
	Info ConnectionInfo
	mb   *mailbox
}

// SlowConsumerDrops reports how many events have been dropped from this
// connection's mailbox due to overflow.
func (h *ConnectionHandle) SlowConsumerDrops() int64 { return h.mb.dropped.Load() }

// Stats is a point-in-time snapshot of registry counters.
type Stats struct {
	Total             int
	ByChannelCount    map[string]int
	SlowConsumerDrops int64
}

type registryEntry struct {
	handle *ConnectionHandle
	done   <-chan struct{}
}

type registryShard struct {
	mu        sync.RWMutex
	byChannel map[string]map[string]*registryEntry
}

// Registry is the connection registry: per-connection mailboxes, the
// channel→connections index, heartbeat, and garbage collection. It shards
// its channel index by hash(channel_id) so that register/unregister/dispatch
// across unrelated channels never contend on the same lock.
type Registry struct {
	instanceID string
	logger     Logger

	shards [registryShards]*registryShard

	// routing table: connection_id -> shard index, so Unregister(id) can find
	// its shard without a linear scan. Registration is the only structural
	// mutation; reads are lock-free via sync.Map.
	route sync.Map // string -> int

	total             atomic.Int64
	slowConsumerDrops atomic.Int64

	onConnect    func(ConnectionInfo)
	onDisconnect func(ConnectionInfo)

	cleanupInterval   time.Duration
	heartbeatInterval time.Duration
	mailboxCapacity   int
}

// NewRegistry constructs a Registry. onConnect/onDisconnect are the source's
// lifecycle hooks; either may be nil.
func NewRegistry(instanceID string, logger Logger, cleanupInterval, heartbeatInterval time.Duration, mailboxCap int, onConnect, onDisconnect func(ConnectionInfo)) *Registry {
	r := &Registry{
		instanceID:        instanceID,
		logger:            logger,
		cleanupInterval:   cleanupInterval,
		heartbeatInterval: heartbeatInterval,
		mailboxCapacity:   mailboxCap,
		onConnect:         onConnect,
		onDisconnect:      onDisconnect,
	}
	for i := range r.shards {
		r.shards[i] = &registryShard{byChannel: make(map[string]map[string]*registryEntry)}
	}
	return r
}

func channelShard(channelID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(channelID))
	return int(h.Sum32() % registryShards)
}

// Register creates a mailbox for a new connection, inserts it into both
// indices atomically (with respect to the owning shard's lock), and invokes
// the source's on_connect hook. done is the caller's notion of "this
// connection is gone" (typically an HTTP request context's Done channel);
// the cleanup loop uses it as a belt-and-braces guard.
func (r *Registry) Register(connectionID, channelID string, clientIP, userAgent string, done <-chan struct{}) (*ConnectionHandle, <-chan SseEvent) {
	info := ConnectionInfo{
		ConnectionID: connectionID,
		ChannelID:    channelID,
		InstanceID:   r.instanceID,
		ConnectedAt:  time.Now(),
		ClientIP:     clientIP,
		UserAgent:    userAgent,
	}
	handle := &ConnectionHandle{Info: info, mb: newMailbox(r.mailboxCapacity)}

	idx := channelShard(channelID)
	shard := r.shards[idx]

	shard.mu.Lock()
	bucket, ok := shard.byChannel[channelID]
	if !ok {
		bucket = make(map[string]*registryEntry)
		shard.byChannel[channelID] = bucket
	}
	bucket[connectionID] = &registryEntry{handle: handle, done: done}
	shard.mu.Unlock()

	r.route.Store(connectionID, idx)
	r.total.Add(1)

	if r.logger != nil {
		r.logger.Info("connection registered", Field("connection_id", connectionID), Field("channel_id", channelID), Field("total", r.total.Load()))
	}
	if r.onConnect != nil {
		r.onConnect(info)
	}
	return handle, handle.mb.ch
}

// Unregister removes a connection from both indices, closes its mailbox, and
// invokes on_disconnect. It is idempotent: unregistering an unknown or
// already-removed connection is a no-op.
func (r *Registry) Unregister(connectionID string) {
	v, ok := r.route.Load(connectionID)
	if !ok {
		return
	}
	idx := v.(int)
	shard := r.shards[idx]

	shard.mu.Lock()
	var entry *registryEntry
	for channelID, bucket := range shard.byChannel {
		if e, exists := bucket[connectionID]; exists {
			entry = e
			delete(bucket, connectionID)
			if len(bucket) == 0 {
				delete(shard.byChannel, channelID)
			}
			break
		}
	}
	shard.mu.Unlock()

	if entry == nil {
		r.route.Delete(connectionID)
		return
	}

	r.route.Delete(connectionID)
	r.total.Add(-1)
	entry.handle.mb.close()

	if r.logger != nil {
		r.logger.Info("connection unregistered", Field("connection_id", connectionID), Field("channel_id", entry.handle.Info.ChannelID))
	}
	if r.onDisconnect != nil {
		r.onDisconnect(entry.handle.Info)
	}
}

// Dispatch delivers event to every connection subscribed to channelID, or to
// every live connection on the instance if channelID is nil (broadcast).
// Delivery never blocks: a full mailbox drops its oldest entry.
func (r *Registry) Dispatch(channelID *string, event SseEvent) {
	if channelID == nil {
		for _, shard := range r.shards {
			shard.mu.RLock()
			for _, bucket := range shard.byChannel {
				for _, entry := range bucket {
					entry.handle.mb.send(event)
				}
			}
			shard.mu.RUnlock()
		}
		return
	}

	idx := channelShard(*channelID)
	shard := r.shards[idx]
	shard.mu.RLock()
	bucket := shard.byChannel[*channelID]
	handles := make([]*ConnectionHandle, 0, len(bucket))
	for _, entry := range bucket {
		handles = append(handles, entry.handle)
	}
	shard.mu.RUnlock()

	for _, h := range handles {
		h.mb.send(event)
	}
}

// ChannelConnectionCount returns how many connections are currently
// subscribed to channelID on this instance.
func (r *Registry) ChannelConnectionCount(channelID string) int {
	idx := channelShard(channelID)
	shard := r.shards[idx]
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	return len(shard.byChannel[channelID])
}

// ConnectionCount returns the total number of live connections on this
// instance.
func (r *Registry) ConnectionCount() int { return int(r.total.Load()) }

// ListConnections returns a snapshot of every live connection's info.
func (r *Registry) ListConnections() []ConnectionInfo {
	out := make([]ConnectionInfo, 0, r.total.Load())
	for _, shard := range r.shards {
		shard.mu.RLock()
		for _, bucket := range shard.byChannel {
			for _, entry := range bucket {
				out = append(out, entry.handle.Info)
			}
		}
		shard.mu.RUnlock()
	}
	return out
}

// StatsSnapshot returns total/per-channel connection counts and the
// cumulative slow-consumer drop count.
func (r *Registry) StatsSnapshot() Stats {
	byChannel := make(map[string]int)
	var drops int64
	for _, shard := range r.shards {
		shard.mu.RLock()
		for channelID, bucket := range shard.byChannel {
			byChannel[channelID] += len(bucket)
			for _, entry := range bucket {
				drops += entry.handle.SlowConsumerDrops()
			}
		}
		shard.mu.RUnlock()
	}
	return Stats{Total: int(r.total.Load()), ByChannelCount: byChannel, SlowConsumerDrops: drops}
}

// RunCleanupLoop unregisters any connection whose done channel has already
// fired — a belt-and-braces guard against endpoint tasks that exited without
// calling Unregister. It runs until ctx is done.
func (r *Registry) RunCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepDead()
		}
	}
}

func (r *Registry) sweepDead() {
	var dead []string
	for _, shard := range r.shards {
		shard.mu.RLock()
		for _, bucket := range shard.byChannel {
			for id, entry := range bucket {
				select {
				case <-entry.done:
					dead = append(dead, id)
				default:
				}
			}
		}
		shard.mu.RUnlock()
	}
	for _, id := range dead {
		r.Unregister(id)
	}
	if len(dead) > 0 && r.logger != nil {
		r.logger.Debug("cleanup swept dead connections", Field("count", len(dead)))
	}
}

// RunHeartbeatLoop emits a synthetic heartbeat event to every mailbox every
// heartbeatInterval, until ctx is done. Heartbeats are not persisted and
// carry no stream ID.
func (r *Registry) RunHeartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	hb := heartbeatEvent()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Dispatch(nil, hb)
		}
	}
}
