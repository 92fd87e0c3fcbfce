package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prismgate/relay/internal/application/bus"
	"github.com/prismgate/relay/internal/application/channels"
	"github.com/prismgate/relay/internal/application/dispatcher"
	"github.com/prismgate/relay/internal/application/health"
	"github.com/prismgate/relay/internal/application/sse"
	"github.com/prismgate/relay/internal/application/ws"
	"github.com/prismgate/relay/internal/config"
	"github.com/prismgate/relay/pkg/adapters/metrics/prometheus"
	redistransport "github.com/prismgate/relay/pkg/adapters/transport/redis"
	grpcapi "github.com/prismgate/relay/pkg/api/grpc"
	httpapi "github.com/prismgate/relay/pkg/api/http"
	"github.com/prismgate/relay/pkg/api/websocket"
	"github.com/prismgate/relay/pkg/domain"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Version is set by build flags
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := initLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("starting relay service",
		zap.String("version", Version),
		zap.String("build_time", BuildTime))

	// Initialize Redis client
	redisClient := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		MaxRetries:   cfg.Redis.MaxRetries,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})

	// Test Redis connection
	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal("failed to connect to Redis", zap.Error(err))
	}
	logger.Info("connected to Redis", zap.String("addr", cfg.Redis.Addr))

	// Initialize adapters
	transport := redistransport.NewPubSubTransport(redisClient, logger)
	metricsCollector := prometheus.NewCollector()

	// Initialize application components
	registry := channels.NewRegistry(logger)
	bootstrapChannels(registry)

	eventBus := bus.NewBus(transport, cfg.OrganizationID, metricsCollector, logger)
	if err := eventBus.Start(ctx); err != nil {
		logger.Fatal("failed to start event bus", zap.Error(err))
	}

	sseManager := sse.NewManager(
		cfg.Realtime.SSEHeartbeatInterval,
		cfg.Realtime.QueueCapacity,
		metricsCollector,
		logger,
	)
	sseManager.Start()

	wsManager := ws.NewManager(
		cfg.Realtime.WSPingInterval,
		cfg.Realtime.WSAuthTimeout,
		cfg.Realtime.MaxConnectionsPerOrg,
		metricsCollector,
		logger,
	)
	wsManager.Start()

	// Route inbound bus events onto the connection managers
	dispatcher.New(eventBus, sseManager, wsManager, metricsCollector, logger).Register()

	// Admin messages received over WebSocket are republished on the bus so
	// every process sees them
	registerAdminHandlers(wsManager, eventBus, logger)

	healthReporter := health.NewReporter(
		eventBus,
		sseManager,
		wsManager,
		cfg.OrganizationID,
		cfg.Realtime.HealthReportInterval,
		logger,
	)
	healthReporter.Start()

	// Initialize API servers
	httpServer := httpapi.NewServer(&httpapi.Config{
		Port:     cfg.HTTPPort,
		SSE:      sseManager,
		WS:       wsManager,
		Bus:      eventBus,
		Registry: registry,
		Logger:   logger,
	})

	wsHandler := websocket.NewHandler(wsManager, logger)
	httpServer.SetupWebSocket(wsHandler)

	grpcServer, err := grpcapi.NewServer(&grpcapi.Config{
		Port:   cfg.GRPCPort,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("failed to create gRPC server", zap.Error(err))
	}

	// Start servers
	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	go func() {
		if err := grpcServer.Start(); err != nil {
			logger.Fatal("gRPC server failed", zap.Error(err))
		}
	}()

	logger.Info("relay service started",
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("grpc_port", cfg.GRPCPort))

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.ShutdownTimeout)
	defer cancel()

	// Shutdown components
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := grpcServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("gRPC server shutdown error", zap.Error(err))
	}

	healthReporter.Stop()
	wsManager.Stop()
	sseManager.Stop()
	eventBus.Stop()

	if err := redisClient.Close(); err != nil {
		logger.Error("Redis close error", zap.Error(err))
	}

	logger.Info("relay service shut down complete")
}

// bootstrapChannels defines the channels every process expects to exist.
func bootstrapChannels(registry *channels.Registry) {
	registry.CreateChannel(channels.ChannelParams{
		Suffix: "global",
		Type:   channels.TypeSystem,
	})
	registry.CreateChannel(channels.ChannelParams{
		Suffix:        "announcements",
		Type:          channels.TypeSystem,
		RequiredRoles: []string{channels.RoleSuperAdmin},
	})
}

// registerAdminHandlers wires the admin message types to bus publication.
// Each handler acknowledges via the manager once the event is on the bus.
func registerAdminHandlers(wsManager *ws.Manager, eventBus *bus.Bus, logger *zap.Logger) {
	republish := func(eventType domain.EventType) ws.HandlerFunc {
		return func(ctx context.Context, conn *ws.Connection, msg *domain.Message) {
			event := &domain.Event{
				Type:           eventType,
				OrganizationID: conn.OrganizationID,
				UserID:         conn.UserID,
				Data:           msg.Data,
				Source:         "relay-ws",
				CorrelationID:  msg.CorrelationID,
			}
			if err := eventBus.Publish(ctx, event); err != nil {
				logger.Error("failed to republish admin message",
					zap.String("connection_id", conn.ID),
					zap.String("type", string(msg.Type)),
					zap.Error(err))
				_ = wsManager.SendMessage(conn.ID, domain.NewErrorMessage("Failed to publish", msg.CorrelationID))
				return
			}
			_ = wsManager.SendMessage(conn.ID, domain.NewSuccessMessage(map[string]interface{}{
				"event_id": event.ID,
			}, msg.CorrelationID))
		}
	}

	wsManager.RegisterHandler(domain.MessageTypeCommand, republish(domain.EventTypeAdminCommand))
	wsManager.RegisterHandler(domain.MessageTypeConfigUpdate, republish(domain.EventTypeAdminConfigUpdate))
	wsManager.RegisterHandler(domain.MessageTypeSystemControl, republish(domain.EventTypeAdminSystemControl))
}

// initLogger initializes the logger based on log level
func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}

	return logger
}
