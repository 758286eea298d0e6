// Package router provides HTTP routing, middleware configuration, and server setup for the web application
package router

import (
	"encoding/json"
	"slices"
	"strings"
	"time"

	"github.com/amirphl/Kusanagi/app/dto"
	"github.com/amirphl/Kusanagi/app/handlers"
	"github.com/amirphl/Kusanagi/app/middleware"
	"github.com/amirphl/Kusanagi/config"
	"github.com/amirphl/Kusanagi/utils"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/compress"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/helmet"
	"github.com/gofiber/fiber/v3/middleware/limiter"
	fiberlogger "github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const serviceName = "kusanagi-api"

// Router interface for HTTP routing
type Router interface {
	SetupRoutes()
	Start(address string) error
	Shutdown(timeout time.Duration) error
	GetApp() *fiber.App
}

// Handlers groups the endpoint handlers mounted by the router
type Handlers struct {
	Payment   handlers.PaymentHandlerInterface
	AdminAuth handlers.AdminAuthHandlerInterface
	BotAuth   handlers.BotAuthHandlerInterface
}

// FiberRouter implements Router using Fiber v3
type FiberRouter struct {
	app      *fiber.App
	cfg      *config.ProductionConfig
	handlers Handlers
	auth     *middleware.AuthMiddleware
	logger   *zap.Logger
}

// NewFiberRouter creates a new Fiber router
func NewFiberRouter(cfg *config.ProductionConfig, h Handlers, auth *middleware.AuthMiddleware, logger *zap.Logger) Router {
	if logger == nil {
		logger = zap.NewNop()
	}

	bodyLimit := cfg.Server.BodyLimit
	if bodyLimit <= 0 {
		bodyLimit = 4 * 1024 * 1024
	}

	r := &FiberRouter{
		cfg:      cfg,
		handlers: h,
		auth:     auth,
		logger:   logger,
	}
	r.app = fiber.New(fiber.Config{
		AppName:      "Kusanagi API",
		ServerHeader: "Kusanagi",
		ErrorHandler: r.errorHandler,
		BodyLimit:    bodyLimit,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		JSONEncoder:  json.Marshal,
		JSONDecoder:  json.Unmarshal,
	})
	return r
}

// SetupRoutes configures all application routes
func (r *FiberRouter) SetupRoutes() {
	r.setupMiddleware()

	api := r.app.Group("/api/v1")

	// Health and metrics are outside rate limiting
	api.Get("/health", r.healthCheck)
	if r.cfg.Metrics.Enabled {
		path := r.cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.app.Get(path, adaptor.HTTPHandler(promhttp.Handler()))
	}

	api.Use(r.rateLimiter(r.cfg.Security.GlobalRateLimit, 2000))

	// Providers sign their webhooks, so this group has no operator auth
	payments := api.Group("/payments")
	payments.Post("/providers/:provider/webhook", r.handlers.Payment.Webhook)

	auth := api.Group("/auth")
	auth.Use(r.rateLimiter(r.cfg.Security.AuthRateLimit, 20))
	auth.Post("/admin/login", r.handlers.AdminAuth.Login)
	auth.Post("/admin/refresh", r.handlers.AdminAuth.Refresh)
	auth.Post("/bot/login", r.handlers.BotAuth.Login)
	auth.Post("/bot/refresh", r.handlers.BotAuth.Refresh)

	bot := api.Group("/bot", r.auth.BotAuthenticate())
	bot.Post("/payments", r.handlers.Payment.InitiatePayment)
	bot.Get("/payments/:provider/:id/status", r.handlers.Payment.PaymentStatus)

	admin := api.Group("/admin", r.auth.AdminAuthenticate())
	admin.Post("/payments/reconcile", r.handlers.Payment.Reconcile)

	r.app.Use(r.notFoundHandler)

	r.logger.Info("Routes configured")
}

func (r *FiberRouter) rateLimiter(limit, fallback int) fiber.Handler {
	if limit <= 0 {
		limit = fallback
	}
	window := r.cfg.Security.RateLimitWindow
	if window <= 0 {
		window = time.Minute
	}
	return limiter.New(limiter.Config{
		Max:        limit,
		Expiration: window,
		KeyGenerator: func(c fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(dto.APIResponse{
				Success: false,
				Message: "Too many requests. Please try again later.",
				Error: dto.ErrorDetail{
					Code: "RATE_LIMIT_EXCEEDED",
				},
			})
		},
	})
}

// setupMiddleware configures global middleware
func (r *FiberRouter) setupMiddleware() {
	// Request ID middleware - must be first
	r.app.Use(requestid.New(requestid.Config{
		Header: "X-Request-ID",
		Generator: func() string {
			return uuid.NewString()
		},
	}))

	r.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
		StackTraceHandler: func(c fiber.Ctx, e any) {
			r.logger.Error("Panic recovered",
				zap.String("request_id", requestid.FromContext(c)),
				zap.Any("error", e),
				zap.String("path", c.Path()),
				zap.String("method", c.Method()),
				zap.String("ip", c.IP()),
			)
		},
	}))

	r.app.Use(middleware.Metrics())

	sec := r.cfg.Security
	r.app.Use(helmet.New(helmet.Config{
		XSSProtection:             "1; mode=block",
		ContentTypeNosniff:        "nosniff",
		XFrameOptions:             firstNonEmpty(sec.XFrameOptions, "DENY"),
		HSTSMaxAge:                31536000,
		ContentSecurityPolicy:     firstNonEmpty(sec.CSPPolicy, "default-src 'none'; frame-ancestors 'none';"),
		ReferrerPolicy:            firstNonEmpty(sec.ReferrerPolicy, "strict-origin-when-cross-origin"),
		CrossOriginOpenerPolicy:   "same-origin",
		CrossOriginResourcePolicy: "same-origin",
		XDNSPrefetchControl:       "off",
		XDownloadOptions:          "noopen",
		XPermittedCrossDomain:     "none",
	}))

	if len(sec.AllowedOrigins) > 0 {
		r.app.Use(cors.New(cors.Config{
			AllowOrigins:     sec.AllowedOrigins,
			AllowMethods:     sec.AllowedMethods,
			AllowHeaders:     sec.AllowedHeaders,
			ExposeHeaders:    []string{"X-Request-ID"},
			AllowCredentials: sec.AllowCredentials,
			MaxAge:           utils.CORSMaxAge,
		}))
	}

	if r.cfg.Server.EnableCompression {
		r.app.Use(compress.New(compress.Config{
			Level: compress.LevelBestSpeed,
		}))
	}

	if r.cfg.Logging.EnableAccessLog {
		r.app.Use(fiberlogger.New(fiberlogger.Config{
			Format:     `{"time":"${time}","request_id":"${reqHeader:X-Request-ID}","level":"info","method":"${method}","path":"${path}","ip":"${ip}","status":${status},"latency":"${latency}","bytes_in":${bytesReceived},"bytes_out":${bytesSent}}` + "\n",
			TimeFormat: time.RFC3339,
			TimeZone:   "UTC",
			Next: func(c fiber.Ctx) bool {
				return c.Path() == "/api/v1/health"
			},
		}))
	}

	r.app.Use(r.securityMiddleware)
}

// securityMiddleware enforces the IP blacklist and the optional API key.
// Webhooks are exempt from the API key since providers cannot send one.
func (r *FiberRouter) securityMiddleware(c fiber.Ctx) error {
	sec := r.cfg.Security
	if slices.Contains(sec.IPBlacklist, c.IP()) {
		return c.Status(fiber.StatusForbidden).JSON(dto.APIResponse{
			Success: false,
			Message: "Access denied from this IP address",
			Error:   dto.ErrorDetail{Code: "ACCESS_DENIED"},
		})
	}

	if !sec.RequireAPIKey || c.Path() == "/api/v1/health" || strings.HasPrefix(c.Path(), "/api/v1/payments/providers/") {
		return c.Next()
	}

	header := firstNonEmpty(sec.APIKeyHeader, "X-API-Key")
	apiKey := c.Get(header)
	if apiKey == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(dto.APIResponse{
			Success: false,
			Message: "API key is required",
			Error:   dto.ErrorDetail{Code: "MISSING_API_KEY"},
		})
	}
	if !slices.Contains(sec.AllowedAPIKeys, apiKey) {
		return c.Status(fiber.StatusUnauthorized).JSON(dto.APIResponse{
			Success: false,
			Message: "Invalid API key",
			Error:   dto.ErrorDetail{Code: "INVALID_API_KEY"},
		})
	}
	return c.Next()
}

// Start starts the HTTP server
func (r *FiberRouter) Start(address string) error {
	r.logger.Info("Starting server", zap.String("address", address))
	return r.app.Listen(address, fiber.ListenConfig{DisableStartupMessage: true})
}

// Shutdown stops accepting connections and waits for in-flight requests
func (r *FiberRouter) Shutdown(timeout time.Duration) error {
	return r.app.ShutdownWithTimeout(timeout)
}

// GetApp returns the Fiber app instance
func (r *FiberRouter) GetApp() *fiber.App {
	return r.app
}

func (r *FiberRouter) healthCheck(c fiber.Ctx) error {
	return c.JSON(dto.APIResponse{
		Success: true,
		Message: "Service is healthy",
		Data: fiber.Map{
			"status":    "ok",
			"timestamp": utils.UTCNow().Unix(),
			"version":   "1.0.0",
			"service":   serviceName,
		},
	})
}

func (r *FiberRouter) notFoundHandler(c fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).JSON(dto.APIResponse{
		Success: false,
		Message: "The requested resource was not found",
		Error: dto.ErrorDetail{
			Code: "NOT_FOUND",
			Details: fiber.Map{
				"path":       c.Path(),
				"method":     c.Method(),
				"request_id": requestid.FromContext(c),
			},
		},
	})
}

func (r *FiberRouter) errorHandler(c fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "An internal server error occurred"
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	r.logger.Error("Request failed",
		zap.Int("status", code),
		zap.String("path", c.Path()),
		zap.String("request_id", requestid.FromContext(c)),
		zap.Error(err),
	)

	return c.Status(code).JSON(dto.APIResponse{
		Success: false,
		Message: message,
		Error: dto.ErrorDetail{
			Code: "INTERNAL_ERROR",
			Details: fiber.Map{
				"timestamp":  utils.UTCNow().Unix(),
				"request_id": requestid.FromContext(c),
			},
		},
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
