// Package api assembles the HTTP application.
package api

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"

	"github.com/contract-insights/backend/internal/api/handlers"
	"github.com/contract-insights/backend/internal/contracts"
	"github.com/contract-insights/backend/internal/middleware/auth"
	"github.com/contract-insights/backend/internal/middleware/ratelimit"
	"github.com/contract-insights/backend/internal/middleware/security"
	"github.com/contract-insights/backend/internal/middleware/validation"
)

type Options struct {
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	BodyLimit      int
	AllowedOrigins []string
	Development    bool
	AccessLog      bool

	Auth       auth.Config
	Validation validation.Config
	// RateLimiter is optional.
	RateLimiter *ratelimit.RateLimiter
	// Metrics serves /metrics when set.
	Metrics fiber.Handler
}

func NewApp(svc *contracts.Service, opts Options) *fiber.App {
	app := fiber.New(fiber.Config{
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		BodyLimit:    opts.BodyLimit,
	})

	origins := "*"
	if len(opts.AllowedOrigins) > 0 {
		origins = strings.Join(opts.AllowedOrigins, ",")
	}

	app.Use(recover.New())
	if opts.AccessLog {
		app.Use(fiberlogger.New())
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, " + headerOrDefault(opts.Auth.Header),
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: opts.AllowedOrigins,
		IsDevelopment:  opts.Development,
	}))

	healthHandler := handlers.NewHealthHandler(svc)
	app.Get("/health", healthHandler.Health)
	app.Get("/ready", healthHandler.Ready)
	if opts.Metrics != nil {
		app.Get("/metrics", opts.Metrics)
	}

	documentHandler := handlers.NewDocumentHandler(svc)
	queryHandler := handlers.NewQueryHandler(svc)
	insightsHandler := handlers.NewInsightsHandler(svc)
	wsHandler := handlers.NewWebSocketHandler(svc)

	api := app.Group("/api/v1")
	api.Get("/health", healthHandler.Health)
	api.Get("/ready", healthHandler.Ready)

	api.Use(auth.Middleware(opts.Auth))
	if opts.RateLimiter != nil {
		api.Use(opts.RateLimiter.Middleware())
	}
	api.Use(validation.Middleware(opts.Validation))

	api.Post("/documents", documentHandler.UploadDocument)
	api.Get("/documents", documentHandler.ListDocuments)
	api.Get("/documents/:id", documentHandler.GetDocument)
	api.Delete("/documents/:id", documentHandler.DeleteDocument)
	api.Get("/documents/:id/status", documentHandler.GetStatus)
	api.Get("/documents/:id/insights", documentHandler.GetInsights)
	api.Post("/documents/:id/reanalyze", documentHandler.Reanalyze)
	api.Post("/documents/:id/reindex", documentHandler.Reindex)

	api.Get("/insights", insightsHandler.ListInsights)
	api.Get("/stats", insightsHandler.GetStats)

	api.Post("/query", queryHandler.HandleQuery)
	api.Get("/query/history", queryHandler.GetQueryHistory)

	api.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	api.Get("/ws", websocket.New(wsHandler.HandleConnection))

	return app
}

func headerOrDefault(h string) string {
	if h == "" {
		return auth.DefaultHeader
	}
	return h
}
