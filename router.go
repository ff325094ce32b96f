package gateway

import (
	"context"
	"sync"
)

// routerIngressCapacity bounds the router's single ingress queue, fed by
// handler(msg) callbacks from whatever Source is wired in.
const routerIngressCapacity = 4096

// storeQueueCapacity bounds the router's async storage-write queue. A single
// consumer drains it in enqueue order so concurrent Handle/StoreOnly calls
// for the same channel never race each other's writes out of stream-ID
// order — spawning one bare goroutine per write lets the Go scheduler land
// them in any order, which corrupts a replay-ordered backend like Redis
// Streams (an XADD with an explicit ID smaller than the stream's current
// tail is rejected).
const storeQueueCapacity = 4096

type storeJob struct {
	ctx       context.Context
	channelID string
	streamID  string
	event     SseEvent
}

// Router owns the single ingress queue fed by Source.Start's handler
// callback and turns each IncomingMessage into a persisted, dispatched
// SseEvent.
//
// Messages are drained off the ingress queue by a single goroutine (Run) in
// the exact order Source handed them in, so stream-ID assignment and
// dispatch for any one channel observe a single total order — spawning a
// goroutine per message would let Go's scheduler reorder lock acquisition
// across channels that arrived in sequence, which this design avoids
// entirely. A second single-consumer queue (storeQueue/RunStoreLoop) gives
// the same ordering guarantee to the asynchronous storage write that
// Handle/StoreOnly enqueue under the per-channel lock.
type Router struct {
	registry *Registry
	storage  Storage
	logger   Logger

	ingress    chan IncomingMessage
	storeQueue chan storeJob
	storeDone  chan struct{}
	stopStore  func()

	chanLocksMu sync.Mutex
	chanLocks   map[string]*sync.Mutex
}

// NewRouter builds a Router dispatching through registry and persisting
// through storage. It immediately starts its own storage-write loop (see
// RunStoreLoop); callers only need to drive Run themselves for the
// Source-fed ingress queue, since that one is tied to the service's own
// background-task lifecycle.
func NewRouter(registry *Registry, storage Storage, logger Logger) *Router {
	storeCtx, stop := context.WithCancel(context.Background())
	rt := &Router{
		registry:   registry,
		storage:    storage,
		logger:     logger,
		ingress:    make(chan IncomingMessage, routerIngressCapacity),
		storeQueue: make(chan storeJob, storeQueueCapacity),
		storeDone:  make(chan struct{}),
		stopStore:  stop,
		chanLocks:  make(map[string]*sync.Mutex),
	}
	go func() {
		defer close(rt.storeDone)
		rt.RunStoreLoop(storeCtx)
	}()
	return rt
}

// Close stops the router's internal storage-write loop and waits for it to
// exit. Safe to call more than once.
func (rt *Router) Close() {
	rt.stopStore()
	<-rt.storeDone
}

func (rt *Router) lockFor(channelID string) *sync.Mutex {
	rt.chanLocksMu.Lock()
	l, ok := rt.chanLocks[channelID]
	if !ok {
		l = &sync.Mutex{}
		rt.chanLocks[channelID] = l
	}
	rt.chanLocksMu.Unlock()
	return l
}

// Handle processes a single IncomingMessage: assign a stream ID (channel
// messages only), store fire-and-forget, then dispatch. Broadcasts
// (ChannelID == nil) are never stored: they have no channel to replay
// against and no stream ID to assign. It returns the assigned stream ID, or
// "" for broadcasts and for channel messages where ID generation failed.
func (rt *Router) Handle(ctx context.Context, msg IncomingMessage) string {
	event := SseEvent{EventType: msg.EventType, Data: msg.Data, BusinessID: msg.BusinessID}

	if msg.ChannelID == nil {
		rt.registry.Dispatch(nil, event)
		return ""
	}

	channelID := *msg.ChannelID
	lock := rt.lockFor(channelID)
	lock.Lock()
	defer lock.Unlock()

	streamID, err := rt.storage.GenerateID(ctx, channelID)
	if err != nil {
		if rt.logger != nil {
			rt.logger.Warn("stream id generation failed, dispatching without one", Field("channel_id", channelID), Field("error", err))
		}
	} else if streamID != "" {
		event.StreamID = &streamID
	}

	// Fire-and-forget: storage failures never block or fail live dispatch.
	// Enqueued while the per-channel lock is held, so the single store-loop
	// consumer sees this channel's writes in the same order Handle issued
	// them.
	if streamID != "" {
		rt.enqueueStore(ctx, channelID, streamID, event)
	}

	rt.registry.Dispatch(&channelID, event)
	return streamID
}

// enqueueStore hands a write to the store-loop goroutine without blocking
// the caller. A full queue means storage can't keep up; the write is
// dropped and logged rather than backing up the hot path, the same
// drop-and-count tradeoff mailboxes use for slow consumers.
func (rt *Router) enqueueStore(ctx context.Context, channelID, streamID string, event SseEvent) {
	job := storeJob{ctx: context.WithoutCancel(ctx), channelID: channelID, streamID: streamID, event: event}
	select {
	case rt.storeQueue <- job:
	default:
		if rt.logger != nil {
			rt.logger.Warn("storage write queue full, dropping event", Field("channel_id", channelID), Field("stream_id", streamID))
		}
	}
}

// RunStoreLoop drains the storage-write queue and calls storage.Store for
// each job, one at a time, until ctx is done. Running writes through a
// single consumer (rather than one goroutine per write) is what makes the
// per-channel enqueue order in Handle/StoreOnly translate into the same
// order arriving at storage.
func (rt *Router) RunStoreLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-rt.storeQueue:
			rt.storage.Store(job.ctx, job.channelID, job.streamID, job.event)
		}
	}
}

// AsHandler adapts the router's ingress queue into the MessageHandler
// callback signature Source implementations invoke. It only enqueues: Run
// must be driven (by the caller that built this Router) to actually process
// messages, in the order Source delivered them.
func (rt *Router) AsHandler(ctx context.Context) MessageHandler {
	return func(msg IncomingMessage) {
		select {
		case rt.ingress <- msg:
		case <-ctx.Done():
		}
	}
}

// Run drains the ingress queue and calls Handle for each message, in
// arrival order, until ctx is done. It is the sole source of ordering
// guarantees for messages delivered through AsHandler.
func (rt *Router) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-rt.ingress:
			rt.Handle(ctx, msg)
		}
	}
}

// StoreOnly persists an event under channelID without dispatching it to any
// live connection — the coordinator's `/store` route, used when a publisher
// targets a channel with no locally-connected instance. It shares the
// per-channel lock with Handle so stored stream IDs stay in the same total
// order regardless of which path assigned them.
func (rt *Router) StoreOnly(ctx context.Context, channelID string, event SseEvent) string {
	lock := rt.lockFor(channelID)
	lock.Lock()
	defer lock.Unlock()

	streamID, err := rt.storage.GenerateID(ctx, channelID)
	if err != nil {
		if rt.logger != nil {
			rt.logger.Warn("stream id generation failed for store-only write", Field("channel_id", channelID), Field("error", err))
		}
		return ""
	}
	event.StreamID = &streamID
	rt.enqueueStore(ctx, channelID, streamID, event)
	return streamID
}
