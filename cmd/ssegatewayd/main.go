// Command ssegatewayd runs the SSE gateway as a standalone process: an SSE
// listener on PORT and, when REDIS_URL is set, a push-API listener on
// PUSH_PORT backed by the multi-instance coordinator.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"
	_ "go.uber.org/automaxprocs"

	gateway "github.com/hui0202/sse-gateway"
	"github.com/hui0202/sse-gateway/coordinator"
	"github.com/hui0202/sse-gateway/redispubsub"
	"github.com/hui0202/sse-gateway/redisstorage"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(secs) * time.Second
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "ssegatewayd"
	}
	return h
}

func main() {
	zlog, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer zlog.Sync()
	logger := gateway.NewLogger(zlog)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	port := getenv("PORT", "8080")
	pushPort := getenv("PUSH_PORT", "9000")
	instanceID := getenv("INSTANCE_ID", hostname())
	gatewayAddr := getenv("GATEWAY_ADDR", "localhost:"+pushPort)
	redisURL := os.Getenv("REDIS_URL")
	channelTTL := getenvDuration("CHANNEL_TTL", 60*time.Second)
	enableDashboard := getenvBool("ENABLE_DASHBOARD", true)

	cfg := gateway.DefaultConfig()
	cfg.InstanceID = instanceID
	cfg.Logger = logger
	cfg.DisableDashboard = !enableDashboard

	var coord *coordinator.Coordinator
	if redisURL != "" {
		storage, err := redisstorage.New(ctx, redisURL, 100, time.Hour)
		if err != nil {
			logger.Error("failed to connect storage", gateway.Field("error", err))
			os.Exit(1)
		}
		storage.SetLogger(logger)
		cfg.Storage = storage
		cfg.Source = redispubsub.New(redisURL, "*")

		coord, err = coordinator.New(ctx, coordinator.Config{
			RedisURL:          redisURL,
			InstanceID:        instanceID,
			Address:           gatewayAddr,
			ChannelTTL:        channelTTL,
			HeartbeatInterval: 30 * time.Second,
			Logger:            logger,
		})
		if err != nil {
			logger.Error("failed to start coordinator", gateway.Field("error", err))
			os.Exit(1)
		}
		cfg.OnConnect = coord.OnConnect
		cfg.OnDisconnect = coord.OnDisconnect
	} else {
		logger.Info("REDIS_URL not set; running single-instance with in-memory storage")
	}

	svc, err := gateway.New(ctx, cfg)
	if err != nil {
		logger.Error("failed to start gateway", gateway.Field("error", err))
		os.Exit(1)
	}

	if coord != nil {
		coord.Bind(svc.Registry(), svc.Router(), cfg.Storage)
		go func() {
			if err := coord.Run(ctx); err != nil {
				logger.Error("coordinator stopped", gateway.Field("error", err))
			}
		}()
	}

	mux := http.NewServeMux()
	svc.Attach(mux)
	sseServer := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       70 * time.Second, // SSE-friendly
	}

	var pushServer *http.Server
	if coord != nil {
		pushMux := http.NewServeMux()
		coord.Attach(pushMux)
		pushServer = &http.Server{
			Addr:              ":" + pushPort,
			Handler:           pushMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("sse listener starting", gateway.Field("addr", sseServer.Addr))
		if err := sseServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	if pushServer != nil {
		go func() {
			logger.Info("push api listener starting", gateway.Field("addr", pushServer.Addr))
			if err := pushServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("listener failed", gateway.Field("error", err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = sseServer.Shutdown(shutdownCtx)
	if pushServer != nil {
		_ = pushServer.Shutdown(shutdownCtx)
	}
	_ = svc.Close(shutdownCtx)
	if coord != nil {
		_ = coord.Close()
	}
}
