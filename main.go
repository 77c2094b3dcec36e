package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"aegis-gw/internal/ai"
	"aegis-gw/internal/audit"
	"aegis-gw/internal/config"
	"aegis-gw/internal/guardrails"
	"aegis-gw/internal/handlers"
	"aegis-gw/internal/metrics"
	"aegis-gw/internal/ratelimit"
	"aegis-gw/internal/router"
	"aegis-gw/internal/upstream"
)

func main() {
	cfg := config.Load()

	logger := newLogger(cfg.AppMode)
	defer logger.Sync()

	// Audit pipeline: every configured sink behind one bounded async queue.
	var sinks audit.MultiSink
	memory := audit.NewMemorySink(200)
	sinks = append(sinks, memory)

	var store *audit.Store
	if cfg.AuditDBDSN != "" {
		s, err := audit.OpenStore(cfg.AuditDBDSN, logger)
		if err != nil {
			logger.Fatal("failed to open audit database", zap.Error(err))
		}
		store = s
		sinks = append(sinks, store)
	}
	if cfg.AuditLogPath != "" {
		fs, err := audit.NewFileSink(cfg.AuditLogPath, logger)
		if err != nil {
			logger.Fatal("failed to open audit log file", zap.Error(err))
		}
		defer fs.Close()
		sinks = append(sinks, fs)
	}
	if cfg.AuditConsole {
		sinks = append(sinks, &audit.ConsoleSink{Logger: logger})
	}
	if cfg.SIEMWebhookURL != "" {
		sinks = append(sinks, audit.NewWebhookSink(cfg.SIEMWebhookURL, logger))
	}
	asyncSink := audit.NewAsyncSink(sinks, cfg.AuditQueueSize, logger)
	defer asyncSink.Close()

	// Rate limiter, disabled when Redis is not configured.
	var limiter *ratelimit.Limiter
	if cfg.RedisURL != "" {
		l, err := ratelimit.New(cfg.RedisURL, cfg.RateLimitPerMin, logger)
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.Error(err))
		}
		limiter = l
		logger.Info("rate limiting enabled", zap.Int("per_minute", cfg.RateLimitPerMin))
	}

	// ML capabilities for the detector pipeline.
	caps := guardrails.Capabilities{}
	if cfg.EmbeddingsURL != "" {
		caps.Embedder = ai.NewEmbeddingsClient(ai.EmbeddingsConfig{
			URL:    cfg.EmbeddingsURL,
			APIKey: cfg.EmbeddingsKey,
			Model:  cfg.EmbeddingsModel,
		})
		logger.Info("embeddings capability configured", zap.String("model", cfg.EmbeddingsModel))
	}

	buildEngine := func() (*guardrails.Engine, error) {
		profile, err := guardrails.LoadProfile(cfg.ProfilePath)
		if err != nil {
			return nil, err
		}
		return guardrails.BuildEngine(context.Background(), profile, caps, asyncSink, logger), nil
	}

	initial, err := buildEngine()
	if err != nil {
		logger.Fatal("failed to load security profile", zap.String("path", cfg.ProfilePath), zap.Error(err))
	}
	var engine atomic.Pointer[guardrails.Engine]
	engine.Store(initial)

	watchProfile(cfg.ProfilePath, &engine, buildEngine, logger)

	rt := router.New(cfg)
	client := upstream.NewClient(cfg.UpstreamTimeout, logger)

	var bedrock *upstream.BedrockClient
	if cfg.BedrockRegion != "" {
		b, err := upstream.NewBedrockClient(cfg.BedrockRegion, cfg.BedrockEndpointOverride, logger)
		if err != nil {
			logger.Warn("bedrock disabled", zap.Error(err))
		} else {
			bedrock = b
			logger.Info("bedrock dispatch enabled", zap.String("region", cfg.BedrockRegion))
		}
	}

	gateway := handlers.NewGateway(cfg, &engine, rt, client, bedrock, limiter, asyncSink, logger)
	admin := handlers.NewAdmin(cfg, &engine, store, memory, buildEngine, logger)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("UP"))
	})

	mux.HandleFunc("GET /ready", func(w http.ResponseWriter, r *http.Request) {
		if err := limiter.Ping(r.Context()); err != nil {
			http.Error(w, "Redis not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("READY"))
	})

	mux.HandleFunc("POST /v1/chat/completions", gateway.ChatCompletions)

	mux.HandleFunc("GET /api/logs", admin.Logs)
	mux.HandleFunc("GET /api/profile", admin.Profile)
	mux.HandleFunc("POST /admin/reload", admin.Reload)

	mux.Handle("GET /metrics", metrics.Handler())

	server := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: mux,
	}

	go func() {
		logger.Info("server starting",
			zap.String("port", cfg.ServerPort),
			zap.String("profile", initial.ProfileName()),
			zap.Bool("mock_mode", cfg.UseMockLLM),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.Info("server shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal("forced shutdown", zap.Error(err))
	}

	logger.Info("server exited")
}

func newLogger(appMode string) *zap.Logger {
	var logger *zap.Logger
	var err error
	if appMode == "PROD" {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	return logger
}

// watchProfile hot-reloads the engine when the profile file changes on disk.
// The watch is on the parent directory so editors that replace the file
// (rename-over) are still observed. A rebuild failure keeps the old engine.
func watchProfile(path string, engine *atomic.Pointer[guardrails.Engine], build func() (*guardrails.Engine, error), logger *zap.Logger) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("profile hot reload disabled", zap.Error(err))
		return
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		logger.Warn("profile hot reload disabled", zap.Error(err))
		watcher.Close()
		return
	}

	target := filepath.Clean(path)
	go func() {
		var last time.Time
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				// Debounce bursts from editors writing in several syscalls.
				if time.Since(last) < 500*time.Millisecond {
					continue
				}
				last = time.Now()

				next, err := build()
				if err != nil {
					logger.Error("profile reload failed, keeping current engine", zap.Error(err))
					continue
				}
				engine.Store(next)
				logger.Info("profile reloaded from disk",
					zap.String("profile", next.ProfileName()),
					zap.Bool("shadow_mode", next.ShadowMode()),
				)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("profile watcher error", zap.Error(err))
			}
		}
	}()
}
