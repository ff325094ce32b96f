package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Config configures a Service. Zero values are filled in by DefaultConfig /
// New.
type Config struct {
	// InstanceID identifies this process in logs, stats and the
	// multi-instance coordinator. Defaults to a random UUID.
	InstanceID string

	// HTTP routes
	ConnectPath string // default "/sse/connect"
	PublishPath string // default "/sse/publish"
	HealthPath  string // default "/health"
	ReadyPath   string // default "/ready"
	StatsPath   string // default "/api/stats"

	KeepAlive         time.Duration // default 15s SSE heartbeat interval written per-connection
	HeartbeatInterval time.Duration // default 20s registry-wide synthetic heartbeat
	CleanupInterval   time.Duration // default 30s dead-connection sweep
	MailboxCapacity   int           // default 256

	// DisableDashboard, when true, skips mounting StatsPath entirely. The
	// dashboard UI itself is a separate, external frontend; this flag gates
	// the JSON contract it would consume, inverted from ENABLE_DASHBOARD so
	// the zero value matches that env var's documented default of true.
	DisableDashboard bool

	Storage Storage // default MemoryStorage(100); NoopStorage disables replay entirely
	Source  Source  // default NoopSource{}
	Auth    AuthFunc

	// OnConnect/OnDisconnect are invoked in addition to Source's own hooks,
	// composed so a component that is not itself the message Source (the
	// multi-instance coordinator, typically) can still observe connection
	// lifecycle events without owning ingestion.
	OnConnect    func(ConnectionInfo)
	OnDisconnect func(ConnectionInfo)

	Logger Logger // default NewNopLogger()
}

// DefaultConfig returns a Config with every field defaulted, suitable for
// embedding a gateway with no backend wiring (in-process publish only).
func DefaultConfig() Config {
	return Config{
		ConnectPath:       "/sse/connect",
		PublishPath:       "/sse/publish",
		HealthPath:        "/health",
		ReadyPath:         "/ready",
		StatsPath:         "/api/stats",
		KeepAlive:         15 * time.Second,
		HeartbeatInterval: 20 * time.Second,
		CleanupInterval:   30 * time.Second,
		MailboxCapacity:   mailboxCapacity,
		Storage:           NewMemoryStorage(100),
		Source:            NoopSource{},
		Logger:            NewNopLogger(),
	}
}

// Service ties the registry, router and source together and exposes the
// gateway's HTTP surface.
type Service struct {
	cfg      Config
	registry *Registry
	router   *Router
	logger   Logger

	cancel        context.CancelFunc
	done          chan struct{}
	sourceStarted atomic.Bool

	closeOnce sync.Once
}

// New fills in defaults for any zero fields of cfg and starts the background loops
// (source ingestion, heartbeat, cleanup). The returned Service is ready to
// Attach to a mux.
func New(ctx context.Context, cfg Config) (*Service, error) {
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.ConnectPath == "" {
		cfg.ConnectPath = "/sse/connect"
	}
	if cfg.PublishPath == "" {
		cfg.PublishPath = "/sse/publish"
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/health"
	}
	if cfg.ReadyPath == "" {
		cfg.ReadyPath = "/ready"
	}
	if cfg.StatsPath == "" {
		cfg.StatsPath = "/api/stats"
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 15 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 20 * time.Second
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 30 * time.Second
	}
	if cfg.MailboxCapacity <= 0 {
		cfg.MailboxCapacity = mailboxCapacity
	}
	if cfg.Storage == nil {
		cfg.Storage = NewMemoryStorage(100)
	}
	if cfg.Source == nil {
		cfg.Source = NoopSource{}
	}
	if cfg.Logger == nil {
		cfg.Logger = NewNopLogger()
	}

	bgCtx, cancel := context.WithCancel(context.Background())

	svc := &Service{
		cfg:    cfg,
		logger: cfg.Logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	onConnect := composeHooks(cfg.Source.OnConnect, cfg.OnConnect)
	onDisconnect := composeHooks(cfg.Source.OnDisconnect, cfg.OnDisconnect)
	svc.registry = NewRegistry(cfg.InstanceID, cfg.Logger, cfg.CleanupInterval, cfg.HeartbeatInterval, cfg.MailboxCapacity, onConnect, onDisconnect)
	svc.router = NewRouter(svc.registry, cfg.Storage, cfg.Logger)

	sourceDone := make(chan struct{})
	go func() {
		defer close(sourceDone)
		svc.runSourceWithBackoff(bgCtx)
	}()
	go svc.router.Run(bgCtx)
	go svc.registry.RunCleanupLoop(bgCtx)
	go svc.registry.RunHeartbeatLoop(bgCtx)

	go func() {
		<-bgCtx.Done()
		<-sourceDone
		close(svc.done)
	}()

	cfg.Logger.Info("gateway service started", Field("instance_id", cfg.InstanceID), Field("source", cfg.Source.Name()), Field("storage", cfg.Storage.Name()))
	return svc, nil
}

// composeHooks returns a func that calls every non-nil hook in order; nil if
// both are nil, so Registry can skip the call entirely on the common path.
func composeHooks(hooks ...func(ConnectionInfo)) func(ConnectionInfo) {
	var active []func(ConnectionInfo)
	for _, h := range hooks {
		if h != nil {
			active = append(active, h)
		}
	}
	if len(active) == 0 {
		return nil
	}
	return func(info ConnectionInfo) {
		for _, h := range active {
			h(info)
		}
	}
}

const (
	sourceBackoffInitial = 500 * time.Millisecond
	sourceBackoffMax     = 30 * time.Second
)

// runSourceWithBackoff drives cfg.Source.Start, restarting it with
// exponential backoff (capped at sourceBackoffMax) whenever it returns an
// error, until bgCtx is cancelled. A clean (nil-error) return ends the loop;
// existing connections are unaffected either way since Source failures never
// touch the registry or any live mailbox.
func (s *Service) runSourceWithBackoff(ctx context.Context) {
	backoff := sourceBackoffInitial
	for {
		s.sourceStarted.Store(true)
		err := s.cfg.Source.Start(ctx, s.router.AsHandler(ctx), s.registry, ctx.Done())
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			return
		}
		s.logger.Error("source stopped with error, retrying", Field("source", s.cfg.Source.Name()), Field("error", err), Field("backoff_ms", int(backoff/time.Millisecond)))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > sourceBackoffMax {
			backoff = sourceBackoffMax
		}
	}
}

// Attach registers the gateway's HTTP routes on mux:
//
//	GET  {ConnectPath} SSE subscribe, replaying from Last-Event-ID if present
//	POST {PublishPath} push a message directly into the router
//	GET  {HealthPath}  liveness
//	GET  {ReadyPath}   readiness (storage availability)
//	GET  {StatsPath}   JSON connection/channel stats
func (s *Service) Attach(mux *http.ServeMux) {
	handlerCfg := HandlerConfig{Auth: s.cfg.Auth, KeepAlive: s.cfg.KeepAlive, MailboxCapacity: s.cfg.MailboxCapacity}
	mux.HandleFunc(s.cfg.ConnectPath, ConnectHandler(s.registry, s.cfg.Storage, handlerCfg, s.logger))
	mux.HandleFunc(s.cfg.PublishPath, PublishHandler(s.router))
	mux.HandleFunc(s.cfg.HealthPath, HealthHandler())
	mux.HandleFunc(s.cfg.ReadyPath, ReadyHandler(s.cfg.Storage, s.sourceStarted.Load))
	if !s.cfg.DisableDashboard {
		mux.HandleFunc(s.cfg.StatsPath, StatsHandler(s.registry, s.cfg.InstanceID))
	}
}

// Publish allows programmatic publish, bypassing HTTP and any configured
// Source entirely.
func (s *Service) Publish(ctx context.Context, channelID, eventType, data string) error {
	if eventType == "" {
		return errors.New("gateway: event_type is required")
	}
	var msg IncomingMessage
	if channelID == "" {
		msg = BroadcastMessage(eventType, data)
	} else {
		msg = NewIncomingMessage(channelID, eventType, data)
	}
	s.router.Handle(ctx, msg)
	return nil
}

// Registry exposes the connection registry for callers that need
// instance-local introspection beyond the stats endpoint (e.g. a
// coordinator wiring its own push route against the same process).
func (s *Service) Registry() *Registry { return s.registry }

// Router exposes the router for components (the multi-instance coordinator)
// that need to inject messages with access to the assigned stream ID.
func (s *Service) Router() *Router { return s.router }

// InstanceID returns the instance identifier this service was started with.
func (s *Service) InstanceID() string { return s.cfg.InstanceID }

// Close stops the source and background loops, waits up to ctx's deadline
// for the source to return, then stops the router's storage-write loop.
func (s *Service) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		select {
		case <-s.done:
		case <-ctx.Done():
			err = fmt.Errorf("gateway: shutdown timed out: %w", ctx.Err())
		}
		s.router.Close()
	})
	return err
}
