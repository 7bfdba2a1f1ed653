// Package server contains the HTTP and WebSocket surface of the gateway
// backend: webhook ingestion, operator commands and conversation reads.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"lopeswhatsapp/internal/bus"
	"lopeswhatsapp/internal/cache"
	"lopeswhatsapp/internal/config"
	"lopeswhatsapp/internal/database"
	"lopeswhatsapp/internal/gateway"
	"lopeswhatsapp/internal/media"
	"lopeswhatsapp/internal/middleware"
	"lopeswhatsapp/internal/models"
	"lopeswhatsapp/internal/normalizer"
	"lopeswhatsapp/internal/notifications"
	"lopeswhatsapp/internal/observability"
	"lopeswhatsapp/internal/repository"
	"lopeswhatsapp/internal/service"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const bodyLimit = 64 * 1024 * 1024

// Deps are the collaborators a Server is assembled from. DB is required;
// Redis, Media and Bus are optional.
type Deps struct {
	DB      *gorm.DB
	Redis   *redis.Client
	Gateway service.GatewayClient
	Media   normalizer.MediaStore
	Bus     *bus.Publisher
}

// Server holds all dependencies and provides handlers
type Server struct {
	config      *config.Config
	db          *gorm.DB
	redis       *redis.Client
	app         *fiber.App
	prom        *fiberprometheus.FiberPrometheus
	shutdownCtx context.Context
	shutdownFn  context.CancelFunc

	normalizer *normalizer.Normalizer
	reconciler *service.Reconciler
	registry   *service.PendingRegistry
	unread     *service.UnreadTracker
	dispatcher *service.Dispatcher
	profiles   *service.ProfileSync
	sweeper    *service.StaleSweeper
	webhooks   *cache.WebhookSink

	notifier *notifications.Notifier
	hub      *notifications.Hub
	fanout   *notifications.Fanout
	bus      *bus.Publisher
}

// NewServer connects everything cfg describes and builds a Server.
func NewServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	db, err := database.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}

	deps := Deps{
		DB:      db,
		Redis:   cache.InitRedis(cfg.RedisURL),
		Gateway: gateway.NewClient(cfg),
		Media:   media.NewLocalStore(cfg),
	}

	if cfg.AMQPURL != "" {
		pub, err := bus.Dial(ctx, cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			// Export is optional; the console keeps working without it.
			middleware.Logger.Warn("event bus unavailable, continuing without export",
				slog.String("error", err.Error()),
			)
		} else {
			deps.Bus = pub
		}
	}

	return NewServerWithDeps(cfg, deps)
}

// NewServerWithDeps creates a Server using already-initialized dependencies.
// Tests use it with sqlite and miniredis.
func NewServerWithDeps(cfg *config.Config, deps Deps) (*Server, error) {
	if deps.DB == nil {
		return nil, errors.New("server: database is required")
	}

	s := &Server{
		config: cfg,
		db:     deps.DB,
		redis:  deps.Redis,
		prom:   observability.HTTPMetrics(),
		bus:    deps.Bus,
	}

	s.hub = notifications.NewHub()
	s.notifier = notifications.NewNotifier(deps.Redis)
	var sinks []notifications.Sink
	if deps.Bus != nil {
		sinks = append(sinks, deps.Bus)
	}
	s.fanout = notifications.NewFanout(s.hub, s.notifier, sinks...)

	store := repository.NewStore(deps.DB)
	s.registry = service.NewPendingRegistry(store, s.fanout, cfg.PendingGrace())
	s.unread = service.NewUnreadTracker(store, deps.Redis, cfg.UnreadCacheTTL(), s.fanout)
	s.reconciler = service.NewReconciler(store, s.registry, s.fanout, service.WithUnreadTracker(s.unread))
	s.normalizer = normalizer.New(deps.Media)
	s.dispatcher = service.NewDispatcher(s.reconciler, s.registry, s.unread, deps.Gateway,
		service.WithDomainSuffix(cfg.DefaultDomainSuffix),
		service.WithGatewayTimeout(cfg.GatewayTimeout()),
		service.WithMediaStore(deps.Media),
	)
	s.profiles = service.NewProfileSync(s.reconciler, deps.Gateway, cfg.GatewayTimeout())
	s.webhooks = cache.NewWebhookSink(deps.Redis)

	sweeper, err := service.NewStaleSweeper(s.registry, s.fanout, cfg.PendingSweepCron, cfg.PendingStaleAfter())
	if err != nil {
		return nil, err
	}
	s.sweeper = sweeper

	return s, nil
}

// SetupMiddleware configures middleware for the Fiber app
func (s *Server) SetupMiddleware(app *fiber.App) {
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(middleware.TracingMiddleware())
	app.Use(middleware.ContextMiddleware())

	if s.prom != nil {
		app.Use(s.prom.Middleware)
	}

	app.Use(helmet.New())
	app.Use(middleware.StructuredLogger())

	// CORS runs before the limiter so rejected requests still carry the headers.
	origins := s.config.AllowedOrigins
	if origins == "" {
		origins = "http://localhost:5173,http://localhost:3000"
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version",
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// The gateway has its own per-instance limit on the webhook route.
	app.Use(limiter.New(limiter.Config{
		Max:        100,
		Expiration: 1 * time.Minute,
		Next: func(c *fiber.Ctx) bool {
			return c.Method() == fiber.MethodOptions || strings.HasPrefix(c.Path(), "/webhook/")
		},
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Too many requests, please try again later.",
			})
		},
	}))
}

// SetupRoutes configures all routes for the application
func (s *Server) SetupRoutes(app *fiber.App) {
	app.Get("/health/live", s.LivenessCheck)
	app.Get("/health/ready", s.ReadinessCheck)
	app.Get("/health/gateway", s.GatewayHealth)
	if s.prom != nil {
		s.prom.RegisterAt(app, "/metrics")
	}

	baseURL := media.DefaultBaseURL
	if s.config.MediaBaseURL != "" {
		baseURL = s.config.MediaBaseURL
	}
	if strings.HasPrefix(baseURL, "/") {
		dir := media.DefaultDir
		if s.config.MediaDir != "" {
			dir = s.config.MediaDir
		}
		app.Static(baseURL, dir)
	}

	app.Post("/webhook/:instance",
		middleware.WebhookToken(s.config.WebhookToken),
		middleware.RateLimit(s.redis, "webhook", 1200, time.Minute, middleware.FailOpen, middleware.ByParam("instance")),
		s.Webhook,
	)

	auth := middleware.AuthRequired(s.config.JWTSecret)
	app.Get("/ws", auth, s.WebSocketUpgrade, s.WebsocketHandler())

	api := app.Group("/api", auth)

	commands := api.Group("/commands",
		middleware.RateLimit(s.redis, "commands", 60, time.Minute, middleware.FailOpen, middleware.ByOperatorOrIP))
	commands.Post("/text", s.SendText)
	commands.Post("/media", s.SendMedia)
	commands.Post("/audio", s.SendAudio)
	commands.Post("/location", s.SendLocation)
	commands.Post("/poll", s.SendPoll)
	commands.Post("/react", s.React)
	commands.Post("/delete", s.DeleteMessage)
	commands.Post("/edit", s.EditMessage)
	commands.Post("/forward", s.Forward)
	commands.Post("/reply", s.Reply)

	conversations := api.Group("/conversations")
	conversations.Get("/", s.GetConversations)
	// Specific /:id/:resource routes before the generic /:id route.
	conversations.Get("/:id/messages", s.GetMessages)
	conversations.Post("/:id/read", s.MarkRead)
	conversations.Get("/:id/unread", s.GetUnread)
	conversations.Post("/:id/profile/refresh", s.RefreshProfile)
	conversations.Delete("/:id", s.DeleteConversation)

	api.Get("/unread", s.GetUnreadSummary)
	api.Get("/pending/stale", s.GetStalePending)
	api.Get("/debug/webhook/last", s.GetLastWebhook)
}

// App builds the fiber application with middleware and routes installed.
func (s *Server) App() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:   "lopeswhatsapp",
		BodyLimit: bodyLimit,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			var fe *fiber.Error
			if errors.As(err, &fe) {
				return c.Status(fe.Code).JSON(models.ErrorResponse{Error: fe.Message})
			}
			middleware.Logger.ErrorContext(c.UserContext(), "unhandled error", slog.String("error", err.Error()))
			return models.RespondWithError(c, fiber.StatusInternalServerError, models.NewInternalError(err))
		},
	})
	s.SetupMiddleware(app)
	s.SetupRoutes(app)
	return app
}

// StartBackground launches the realtime relay, event export and stale
// sweeper. They stop when ctx is cancelled.
func (s *Server) StartBackground(ctx context.Context) error {
	if s.notifier.Enabled() {
		if err := s.hub.StartWiring(ctx, s.notifier); err != nil {
			return fmt.Errorf("start %s wiring: %w", s.hub.Name(), err)
		}
		go s.fanout.Run(ctx)
	}
	if s.bus != nil {
		go s.bus.Run(ctx)
	}
	go s.sweeper.Run(ctx)
	return nil
}

// Start starts the server
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.shutdownCtx = ctx
	s.shutdownFn = cancel

	if err := s.StartBackground(ctx); err != nil {
		// Realtime still reaches this instance's clients without the relay.
		middleware.Logger.Warn("realtime relay unavailable", slog.String("error", err.Error()))
	}

	s.app = s.App()
	middleware.Logger.Info("server starting", slog.String("port", s.config.Port))
	return s.app.Listen(":" + s.config.Port)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.shutdownFn != nil {
		s.shutdownFn()
	}

	if s.app != nil {
		if err := s.app.ShutdownWithContext(ctx); err != nil {
			middleware.Logger.Error("error shutting down HTTP server", slog.String("error", err.Error()))
		}
	}

	if err := s.hub.Shutdown(ctx); err != nil {
		middleware.Logger.Error("error shutting down hub", slog.String("error", err.Error()))
	}

	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			middleware.Logger.Error("error closing event bus", slog.String("error", err.Error()))
		}
	}

	if sqlDB, err := s.db.DB(); err == nil {
		if cerr := sqlDB.Close(); cerr != nil {
			middleware.Logger.Error("error closing sql DB", slog.String("error", cerr.Error()))
		}
	}

	if s.redis != nil {
		if rerr := s.redis.Close(); rerr != nil {
			middleware.Logger.Error("error closing redis", slog.String("error", rerr.Error()))
		}
	}

	middleware.Logger.Info("server shutdown complete")
	return nil
}

// LivenessCheck handles liveness check requests
func (s *Server) LivenessCheck(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status": "up",
		"time":   time.Now(),
	})
}

// ReadinessCheck reports database and redis health. Redis is optional, so
// only a configured but unreachable redis makes the instance unready.
func (s *Server) ReadinessCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 5*time.Second)
	defer cancel()

	dbStatus := "healthy"
	sqlDB, err := s.db.DB()
	if err != nil {
		dbStatus = "unhealthy"
	} else if err := sqlDB.PingContext(ctx); err != nil {
		dbStatus = "unhealthy"
	}

	redisStatus := "disabled"
	if s.redis != nil {
		redisStatus = "healthy"
		if err := s.redis.Ping(ctx).Err(); err != nil {
			redisStatus = "unhealthy"
		}
	}

	status := fiber.StatusOK
	overallStatus := "healthy"
	if dbStatus == "unhealthy" || redisStatus == "unhealthy" {
		status = fiber.StatusServiceUnavailable
		overallStatus = "unhealthy"
	}

	return c.Status(status).JSON(fiber.Map{
		"status": overallStatus,
		"checks": fiber.Map{
			"database": dbStatus,
			"redis":    redisStatus,
		},
		"time": time.Now(),
	})
}

// GatewayHealth reports the gateway's WhatsApp connection state.
func (s *Server) GatewayHealth(c *fiber.Ctx) error {
	state, err := s.dispatcher.ConnectionState(c.UserContext())
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "unreachable",
			"error":  err.Error(),
		})
	}
	status := fiber.StatusOK
	if state != "open" {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(fiber.Map{
		"status": state,
	})
}
