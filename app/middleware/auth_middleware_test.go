package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/amirphl/Kusanagi/app/services"
	"github.com/amirphl/Kusanagi/config"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTokenService(t *testing.T) services.TokenService {
	t.Helper()
	tokens, err := services.NewTokenService(config.JWTConfig{
		SecretKey:       "test-secret-key-for-jwt-signing-32-chars",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: time.Hour,
		Issuer:          "kusanagi-test",
		Audience:        "kusanagi-test",
	}, services.NewMemoryRevocationStore())
	require.NoError(t, err)
	return tokens
}

func newProtectedApp(tokens services.TokenService) *fiber.App {
	auth := NewAuthMiddleware(tokens)
	app := fiber.New()
	handler := func(c fiber.Ctx) error {
		id, ok := GetOperatorIDFromContext(c)
		if !ok {
			return c.SendStatus(fiber.StatusInternalServerError)
		}
		claims, _ := GetTokenClaimsFromContext(c)
		return c.JSON(fiber.Map{"operator_id": id, "kind": claims.Kind})
	}
	app.Get("/admin", auth.AdminAuthenticate(), handler)
	app.Get("/bot", auth.BotAuthenticate(), handler)
	return app
}

func call(t *testing.T, app *fiber.App, path, authHeader string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)

	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
		OperatorID uint `json:"operator_id"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if resp.StatusCode == fiber.StatusOK {
		return resp.StatusCode, ""
	}
	return resp.StatusCode, body.Error.Code
}

func TestAuthMiddleware(t *testing.T) {
	tokens := newTokenService(t)
	app := newProtectedApp(tokens)

	adminAccess, adminRefresh, err := tokens.GenerateTokens(services.OperatorAdmin, 7)
	require.NoError(t, err)
	botAccess, _, err := tokens.GenerateTokens(services.OperatorBot, 3)
	require.NoError(t, err)

	t.Run("admin token on admin route", func(t *testing.T) {
		status, _ := call(t, app, "/admin", "Bearer "+adminAccess)
		assert.Equal(t, fiber.StatusOK, status)
	})

	t.Run("bot token on bot route", func(t *testing.T) {
		status, _ := call(t, app, "/bot", "Bearer "+botAccess)
		assert.Equal(t, fiber.StatusOK, status)
	})

	t.Run("tokens do not cross operator kinds", func(t *testing.T) {
		status, _ := call(t, app, "/admin", "Bearer "+botAccess)
		assert.Equal(t, fiber.StatusUnauthorized, status)
		status, _ = call(t, app, "/bot", "Bearer "+adminAccess)
		assert.Equal(t, fiber.StatusUnauthorized, status)
	})

	t.Run("refresh token is not an access token", func(t *testing.T) {
		status, code := call(t, app, "/admin", "Bearer "+adminRefresh)
		assert.Equal(t, fiber.StatusUnauthorized, status)
		assert.Equal(t, "TOKEN_INVALID", code)
	})

	t.Run("header problems", func(t *testing.T) {
		status, code := call(t, app, "/admin", "")
		assert.Equal(t, fiber.StatusUnauthorized, status)
		assert.Equal(t, "MISSING_AUTHORIZATION_HEADER", code)

		_, code = call(t, app, "/admin", "Token "+adminAccess)
		assert.Equal(t, "INVALID_AUTHORIZATION_FORMAT", code)

		status, _ = call(t, app, "/admin", "Bearer not-a-jwt")
		assert.Equal(t, fiber.StatusUnauthorized, status)
	})

	t.Run("revoked token", func(t *testing.T) {
		access, _, err := tokens.GenerateTokens(services.OperatorAdmin, 9)
		require.NoError(t, err)
		require.NoError(t, tokens.RevokeToken(context.Background(), services.OperatorAdmin, access))

		status, code := call(t, app, "/admin", "Bearer "+access)
		assert.Equal(t, fiber.StatusUnauthorized, status)
		assert.Equal(t, "TOKEN_REVOKED", code)
	})
}
