package router

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/amirphl/Kusanagi/app/middleware"
	"github.com/amirphl/Kusanagi/app/services"
	"github.com/amirphl/Kusanagi/config"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPaymentHandler struct{}

func (stubPaymentHandler) Webhook(c fiber.Ctx) error {
	return c.SendString("ok:" + c.Params("provider"))
}
func (stubPaymentHandler) InitiatePayment(c fiber.Ctx) error {
	return c.SendStatus(fiber.StatusCreated)
}
func (stubPaymentHandler) PaymentStatus(c fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) }
func (stubPaymentHandler) Reconcile(c fiber.Ctx) error     { return c.SendStatus(fiber.StatusOK) }

type stubAuthHandler struct{}

func (stubAuthHandler) Login(c fiber.Ctx) error   { return c.SendStatus(fiber.StatusOK) }
func (stubAuthHandler) Refresh(c fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) }

func newTestRouter(t *testing.T, mutate func(*config.ProductionConfig)) (*fiber.App, services.TokenService) {
	t.Helper()
	cfg := &config.ProductionConfig{
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
		Security: config.SecurityConfig{
			GlobalRateLimit: 1000,
			AuthRateLimit:   1000,
		},
	}
	if mutate != nil {
		mutate(cfg)
	}

	tokens, err := services.NewTokenService(config.JWTConfig{
		SecretKey:       "test-secret-key-for-jwt-signing-32-chars",
		AccessTokenTTL:  time.Minute,
		RefreshTokenTTL: time.Hour,
		Issuer:          "kusanagi-test",
		Audience:        "kusanagi-test",
	}, services.NewMemoryRevocationStore())
	require.NoError(t, err)

	r := NewFiberRouter(cfg, Handlers{
		Payment:   stubPaymentHandler{},
		AdminAuth: stubAuthHandler{},
		BotAuth:   stubAuthHandler{},
	}, middleware.NewAuthMiddleware(tokens), nil)
	r.SetupRoutes()
	return r.GetApp(), tokens
}

func do(t *testing.T, app *fiber.App, method, path, token string) (*http.Response, string) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(b)
}

func TestRouter_PublicRoutes(t *testing.T) {
	app, _ := newTestRouter(t, nil)

	resp, body := do(t, app, http.MethodGet, "/api/v1/health", "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"status":"ok"`)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp, body = do(t, app, http.MethodPost, "/api/v1/payments/providers/crypto_invoice/webhook", "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok:crypto_invoice", body)

	resp, body = do(t, app, http.MethodGet, "/metrics", "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(body, "http_requests_total"))

	resp, body = do(t, app, http.MethodGet, "/api/v1/nope", "")
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	assert.Contains(t, body, "NOT_FOUND")
}

func TestRouter_OperatorRoutes(t *testing.T) {
	app, tokens := newTestRouter(t, nil)

	adminToken, _, err := tokens.GenerateTokens(services.OperatorAdmin, 1)
	require.NoError(t, err)
	botToken, _, err := tokens.GenerateTokens(services.OperatorBot, 2)
	require.NoError(t, err)

	resp, _ := do(t, app, http.MethodPost, "/api/v1/bot/payments", "")
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	resp, _ = do(t, app, http.MethodPost, "/api/v1/bot/payments", botToken)
	assert.Equal(t, fiber.StatusCreated, resp.StatusCode)

	resp, _ = do(t, app, http.MethodGet, "/api/v1/bot/payments/bank_link/abc/status", botToken)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp, _ = do(t, app, http.MethodPost, "/api/v1/admin/payments/reconcile", botToken)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	resp, _ = do(t, app, http.MethodPost, "/api/v1/admin/payments/reconcile", adminToken)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	for _, path := range []string{"/api/v1/auth/admin/login", "/api/v1/auth/bot/login", "/api/v1/auth/admin/refresh", "/api/v1/auth/bot/refresh"} {
		resp, _ = do(t, app, http.MethodPost, path, "")
		assert.Equal(t, fiber.StatusOK, resp.StatusCode, path)
	}
}

func TestRouter_Security(t *testing.T) {
	app, _ := newTestRouter(t, func(cfg *config.ProductionConfig) {
		cfg.Security.RequireAPIKey = true
		cfg.Security.AllowedAPIKeys = []string{"key-1"}
	})

	resp, body := do(t, app, http.MethodPost, "/api/v1/auth/admin/login", "")
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, body, "MISSING_API_KEY")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/admin/login", nil)
	req.Header.Set("X-API-Key", "key-1")
	r, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, r.StatusCode)

	// providers cannot send API keys
	resp, _ = do(t, app, http.MethodPost, "/api/v1/payments/providers/bank_link/webhook", "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp, _ = do(t, app, http.MethodGet, "/api/v1/health", "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestRouter_RateLimit(t *testing.T) {
	app, _ := newTestRouter(t, func(cfg *config.ProductionConfig) {
		cfg.Security.AuthRateLimit = 2
	})

	for i := 0; i < 2; i++ {
		resp, _ := do(t, app, http.MethodPost, "/api/v1/auth/bot/login", "")
		require.Equal(t, fiber.StatusOK, resp.StatusCode)
	}
	resp, body := do(t, app, http.MethodPost, "/api/v1/auth/bot/login", "")
	assert.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)
	assert.Contains(t, body, "RATE_LIMIT_EXCEEDED")
}
