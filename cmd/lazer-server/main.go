package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/M1PPosu/lazer-server-sub001/internal/auth"
	"github.com/M1PPosu/lazer-server-sub001/internal/beatmaps"
	"github.com/M1PPosu/lazer-server-sub001/internal/bus"
	"github.com/M1PPosu/lazer-server-sub001/internal/chat"
	"github.com/M1PPosu/lazer-server-sub001/internal/config"
	"github.com/M1PPosu/lazer-server-sub001/internal/health"
	"github.com/M1PPosu/lazer-server-sub001/internal/logging"
	"github.com/M1PPosu/lazer-server-sub001/internal/mailer"
	"github.com/M1PPosu/lazer-server-sub001/internal/metadata"
	"github.com/M1PPosu/lazer-server-sub001/internal/middleware"
	"github.com/M1PPosu/lazer-server-sub001/internal/multiplayer"
	"github.com/M1PPosu/lazer-server-sub001/internal/pipeline"
	"github.com/M1PPosu/lazer-server-sub001/internal/ratelimit"
	"github.com/M1PPosu/lazer-server-sub001/internal/signalr"
	"github.com/M1PPosu/lazer-server-sub001/internal/spectator"
	"github.com/M1PPosu/lazer-server-sub001/internal/store"
	"github.com/M1PPosu/lazer-server-sub001/internal/store/memstore"
	"github.com/M1PPosu/lazer-server-sub001/internal/store/sqlstore"
	"github.com/M1PPosu/lazer-server-sub001/internal/tracing"
)

const botUsername = "BanchoBot"

func main() {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../.env"}
	var envLoaded bool

	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}

	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	// Validate environment variables before starting the server
	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("Logger initialization failed", "error", err)
		os.Exit(1)
	}

	if cfg.DevelopmentMode {
		slog.Info("Running in DEVELOPMENT MODE")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Tracing (Optional) ---
	if cfg.OTLPCollector != "" {
		tp, err := tracing.InitTracer(ctx, "lazer-server", cfg.OTLPCollector)
		if err != nil {
			slog.Error("Tracer initialization failed", "error", err)
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
		slog.Info("✅ OTLP tracing initialized", "collector", cfg.OTLPCollector)
	}

	// --- Store ---
	var st store.Store
	var dbPinger health.DatabasePinger
	if cfg.DatabaseURL != "" {
		sqlSt, err := sqlstore.New(cfg.DatabaseURL)
		if err != nil {
			slog.Error("Database connection failed", "error", err)
			os.Exit(1)
		}
		defer sqlSt.Close()
		st = sqlSt
		dbPinger = sqlSt.DB()
		slog.Info("✅ Connected to PostgreSQL")
	} else {
		st = memstore.New()
		slog.Warn("⚠️  Using in-memory store (development mode) - data is not persisted")
	}

	// --- Redis Bus (Optional) ---
	// Pub/sub, the verification keyspace, and the message pipeline all
	// ride this client.
	var busService *bus.Service
	if cfg.RedisEnabled {
		busService, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			slog.Error("Failed to connect to Redis, running in single-instance mode", "error", err)
			busService = nil // Fallback to single-instance mode
		} else {
			defer busService.Close()
			slog.Info("✅ Redis initialized", "addr", cfg.RedisAddr)
		}
	} else {
		slog.Info("Running in single-instance mode (Redis disabled)")
	}

	// --- Message pipeline and chat ---
	pipe := pipeline.NewService(busService.Client(), st)
	pipe.Start(ctx)

	chatSvc := chat.NewService(st, pipe, busService)
	if err := chatSvc.EnsureBot(ctx, botUsername); err != nil {
		slog.Error("Bot account setup failed", "error", err)
		os.Exit(1)
	}
	chatSvc.Start(ctx)

	// --- Mail and auth ---
	mailSvc := mailer.NewService(mailer.LogSender{})
	mailSvc.Start(ctx)

	authSvc := auth.NewService(st, busService, cfg, mailSvc)
	authHandler := auth.NewHandler(authSvc)

	// --- Beatmap lookup ---
	maps := beatmaps.NewClient(cfg.BeatmapAPIURL, nil)

	// --- Hubs ---
	mpEndpoint := signalr.NewHub(multiplayer.HubName, authSvc)
	specEndpoint := signalr.NewHub(spectator.HubName, authSvc)
	metaEndpoint := signalr.NewHub(metadata.HubName, authSvc)

	mpHub := multiplayer.NewHub(mpEndpoint, st, maps, busService, chatSvc)
	specHub := spectator.NewHub(specEndpoint, st, maps, busService, cfg.ReplayDir)
	specHub.Start(ctx)
	mpHub.SetSpectator(specHub)

	metaHub := metadata.NewHub(metaEndpoint, st)
	chatSvc.SetPusher(metaHub)

	// --- Rate limiting ---
	rl, err := ratelimit.New(cfg, busService.Client())
	if err != nil {
		slog.Error("Rate limiter setup failed", "error", err)
		os.Exit(1)
	}

	// --- Router ---
	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	if cfg.OTLPCollector != "" {
		router.Use(otelgin.Middleware("lazer-server"))
	}

	corsConfig := cors.DefaultConfig()
	if cfg.AllowedOrigins != "" {
		corsConfig.AllowOrigins = []string{cfg.AllowedOrigins}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization", "x-api-version")
	router.Use(cors.New(corsConfig))

	// OAuth token endpoint is IP-limited; session endpoints additionally
	// need a bearer token.
	oauthGroup := router.Group("/", rl.Auth())
	sessionGroup := router.Group("/", authSvc.Middleware(), rl.Verify())
	authHandler.Register(oauthGroup, sessionGroup)

	// Chat and notification REST surface.
	apiGroup := router.Group("/api/v2", authSvc.Middleware())
	chat.NewHandler(chatSvc).Register(apiGroup, rl.Messages())

	// SignalR endpoints: negotiate + websocket per hub.
	hubGroup := router.Group("/signalr")
	mpEndpoint.Register(hubGroup)
	specEndpoint.Register(hubGroup)
	metaEndpoint.Register(hubGroup)

	// Prometheus metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check endpoints
	healthHandler := health.NewHandler(busService, dbPinger)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// --- Graceful Shutdown ---
	go func() {
		slog.Info("API server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	<-ctx.Done()
	slog.Info("Shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown failed", "error", err)
	}

	// Hubs first so no new work reaches the services below.
	mpHub.Shutdown(shutdownCtx)
	for _, endpoint := range []*signalr.Hub{mpEndpoint, specEndpoint, metaEndpoint} {
		if err := endpoint.Shutdown(shutdownCtx); err != nil {
			slog.Error("Hub shutdown failed", "hub", endpoint.Name(), "error", err)
		}
	}
	if err := specHub.Shutdown(shutdownCtx); err != nil {
		slog.Error("Spectator shutdown failed", "error", err)
	}
	if err := chatSvc.Shutdown(shutdownCtx); err != nil {
		slog.Error("Chat shutdown failed", "error", err)
	}
	if err := pipe.Shutdown(shutdownCtx); err != nil {
		slog.Error("Pipeline shutdown failed", "error", err)
	}
	if err := mailSvc.Shutdown(shutdownCtx); err != nil {
		slog.Error("Mailer shutdown failed", "error", err)
	}

	slog.Info("Shutdown complete")
}
