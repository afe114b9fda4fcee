package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"relaycast/internal/core/ports"
	"relaycast/internal/core/services"
	httphandlers "relaycast/internal/handlers/http"
	"relaycast/internal/infrastructure/distributed"
	"relaycast/internal/infrastructure/middleware"
	"relaycast/internal/infrastructure/monitoring"
	"relaycast/internal/infrastructure/registry"
	signalhub "relaycast/internal/infrastructure/signal"
	webrtcinfra "relaycast/internal/infrastructure/webrtc"
	"relaycast/pkg/config"
	"relaycast/pkg/logger"
	"relaycast/pkg/tracing"
	"relaycast/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Try multiple config paths
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error

	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}

	if err != nil {
		// Fallback to defaults if config cannot be loaded
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()

	log := zapLogger.Sugar()

	// Tracing
	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	// Registries and the WebRTC session factory
	broadcasters := registry.NewBroadcasterRegistry(log)
	viewers := registry.NewViewerRegistry(log)
	engine := webrtcinfra.NewEngine(webrtcinfra.EngineConfigFrom(cfg), log)

	collector := monitoring.NewPrometheusCollector()
	health := monitoring.NewHealthChecker(2 * time.Second)

	// Push notifications: always the local websocket hub, mirrored over
	// redis when running multiple relay instances.
	hub := signalhub.NewHub(cfg.Events.SendBuffer, log)
	notifier := ports.Notifier(hub)

	var redisClient *redis.Client
	var eventBus *distributed.EventBus
	busCtx, busCancel := context.WithCancel(context.Background())
	defer busCancel()

	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})

		instanceID := utils.GenerateInstanceID()
		eventBus = distributed.NewEventBus(redisClient, instanceID, log)
		notifier = signalhub.NewFanout(hub, eventBus)

		go func() {
			if err := eventBus.Subscribe(busCtx, hub); err != nil && busCtx.Err() == nil {
				log.Errorw("event bus subscription ended", "error", err)
			}
		}()

		health.AddCheck("redis", func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})

		log.Infow("distributed event bus enabled", "instance_id", instanceID)
	}

	sessionCfg := services.Config{
		ConnectTimeout: cfg.Session.ConnectTimeout,
		IdleTimeout:    cfg.Session.IdleTimeout,
		SweepInterval:  cfg.Session.SweepInterval,
	}

	orchestrator := services.NewOrchestrator(
		broadcasters,
		viewers,
		engine,
		notifier,
		collector,
		sessionCfg,
		log,
	)

	reaper := services.NewReaper(orchestrator, sessionCfg, log)
	reaperCtx, reaperCancel := context.WithCancel(context.Background())
	defer reaperCancel()
	go reaper.Run(reaperCtx)

	// HTTP surface
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.ErrorHandlerMiddleware(log))
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}

	handler := httphandlers.NewSignalingHandler(orchestrator, hub, health)
	handler.SetupRoutes(router)

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting RelayCast signaling server on %s", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down RelayCast server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	}

	// End every active broadcast so peers get clean closes.
	for _, st := range orchestrator.ListStreams(shutdownCtx) {
		if err := orchestrator.EndBroadcast(shutdownCtx, st.StreamID); err != nil {
			log.Errorw("failed to end broadcast on shutdown", "stream_id", st.StreamID, "error", err)
		}
	}

	reaperCancel()
	busCancel()

	if eventBus != nil {
		if err := eventBus.Close(); err != nil {
			log.Errorw("Error closing event bus", "error", err)
		}
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			log.Errorw("Error closing redis client", "error", err)
		}
	}

	if err := tp.Shutdown(context.Background()); err != nil {
		log.Errorw("Error shutting down tracer", "error", err)
	}

	log.Info("RelayCast server stopped")
}
