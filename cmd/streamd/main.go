package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/orbitdx/skystream/pkg/config"
	"github.com/orbitdx/skystream/pkg/fetch"
	"github.com/orbitdx/skystream/pkg/logger"
	"github.com/orbitdx/skystream/pkg/metrics"
	"github.com/orbitdx/skystream/pkg/redisclient"
	"github.com/orbitdx/skystream/pkg/stream"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic("config load error: " + err.Error())
	}

	// 2. Initialize structured logging
	if err := logger.Init(); err != nil {
		panic("logger init error: " + err.Error())
	}
	defer logger.Log.Sync()

	// 3. Connect to Redis (shared cache + message bus)
	rdb, err := redisclient.New(cfg.RedisURL)
	if err != nil {
		logger.Log.Fatal("redis connect", zap.Error(err))
	}
	defer rdb.Close()

	// 4. Build the streaming core
	svc := stream.New(stream.Options{
		Sources: cfg.Sources,
		Cache:   rdb,
		Bus:     rdb,
		Fetcher: fetch.NewClient(cfg.UpstreamAPIKey),
		History: stream.HistoryOptions{
			TTL:        cfg.HistoricalTTL,
			RatePerSec: cfg.HistoricalRatePerSec,
			Parallel:   cfg.HistoricalParallel,
		},
		MetricsInterval: cfg.MetricsInterval,
	})
	if err := svc.Start(); err != nil {
		logger.Log.Fatal("stream service start", zap.Error(err))
	}
	defer svc.Shutdown()

	// 5. WebSocket broadcast layer
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := newHub()
	go hub.run(ctx)
	go hub.pumpLocal(ctx, svc)

	var sourceNames []string
	for _, s := range cfg.Sources {
		sourceNames = append(sourceNames, s.Name)
	}
	go hub.pumpBus(ctx, rdb, sourceNames)

	// 6. HTTP API
	srv := &Server{svc: svc, redis: rdb, hub: hub}

	r := chi.NewRouter()
	r.Use(loggingMiddleware)
	r.Use(metricsMiddleware)

	r.Get("/health", srv.healthHandler)
	r.Get("/ws", srv.serveWS)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/latest/{source}", srv.getLatestHandler)
		r.Get("/historical/{source}", srv.getHistoricalHandler)
		r.Get("/stats", srv.getStatsHandler)

		r.Get("/streams", srv.getStreamsHandler)
		r.Post("/streams/{source}/enable", srv.enableStreamHandler)
		r.Post("/streams/{source}/disable", srv.disableStreamHandler)
		r.Post("/streams/{source}/refresh", srv.refreshStreamHandler)
		r.Patch("/streams/{source}", srv.updateStreamHandler)
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go startMetricsServer(cfg.MetricsPort)

	go func() {
		logger.Log.Info("http server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal("http server", zap.Error(err))
		}
	}()

	// 7. Graceful shutdown on SIGINT/SIGTERM
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Log.Info("shutdown signal received, exiting")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error("server forced to shutdown", zap.Error(err))
	}
}

func startMetricsServer(port int) {
	r := chi.NewRouter()
	r.Handle("/metrics", metrics.Handler())
	addr := fmt.Sprintf(":%d", port)
	logger.Log.Info("metrics server listening", zap.String("addr", addr))
	http.ListenAndServe(addr, r) // errors are logged by default
}
