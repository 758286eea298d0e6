// Package middleware contains HTTP middleware functions for request processing
package middleware

import (
	"errors"
	"strings"

	"github.com/amirphl/Kusanagi/app/dto"
	"github.com/amirphl/Kusanagi/app/services"
	"github.com/gofiber/fiber/v3"
)

// Locals keys set by the authentication middleware
const (
	LocalOperatorID   = "operator_id"
	LocalOperatorKind = "operator_kind"
	LocalTokenClaims  = "token_claims"
	LocalRequestID    = "request_id"
)

// AuthMiddleware handles JWT token validation for protected endpoints
type AuthMiddleware struct {
	tokenService services.TokenService
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(tokenService services.TokenService) *AuthMiddleware {
	return &AuthMiddleware{
		tokenService: tokenService,
	}
}

func unauthorized(c fiber.Ctx, message, code string) error {
	return c.Status(fiber.StatusUnauthorized).JSON(dto.APIResponse{
		Success: false,
		Message: message,
		Error:   dto.ErrorDetail{Code: code},
	})
}

// AdminAuthenticate accepts admin access tokens only
func (m *AuthMiddleware) AdminAuthenticate() fiber.Handler {
	return m.authenticate(services.OperatorAdmin)
}

// BotAuthenticate accepts bot access tokens only
func (m *AuthMiddleware) BotAuthenticate() fiber.Handler {
	return m.authenticate(services.OperatorBot)
}

func (m *AuthMiddleware) authenticate(kind services.OperatorKind) fiber.Handler {
	return func(c fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return unauthorized(c, "Authorization header is required", "MISSING_AUTHORIZATION_HEADER")
		}

		if !strings.HasPrefix(authHeader, "Bearer ") {
			return unauthorized(c, "Invalid authorization header format. Expected 'Bearer <token>'", "INVALID_AUTHORIZATION_FORMAT")
		}

		token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		if token == "" {
			return unauthorized(c, "Access token is required", "MISSING_ACCESS_TOKEN")
		}

		// ValidateToken also checks kind and revocation
		claims, err := m.tokenService.ValidateToken(c.Context(), kind, token)
		if err != nil {
			switch {
			case errors.Is(err, services.ErrTokenExpired):
				return unauthorized(c, "Access token has expired", "TOKEN_EXPIRED")
			case errors.Is(err, services.ErrTokenInvalid):
				return unauthorized(c, "Invalid access token", "TOKEN_INVALID")
			case errors.Is(err, services.ErrTokenRevoked):
				return unauthorized(c, "Access token has been revoked", "TOKEN_REVOKED")
			default:
				return unauthorized(c, "Token validation failed", "TOKEN_VALIDATION_FAILED")
			}
		}
		if !claims.IsAccess() {
			return unauthorized(c, "Refresh tokens cannot be used here", "TOKEN_INVALID")
		}

		c.Locals(LocalOperatorID, claims.OperatorID)
		c.Locals(LocalOperatorKind, claims.Kind)
		c.Locals(LocalTokenClaims, claims)

		if requestID := c.Get("X-Request-ID"); requestID != "" {
			c.Locals(LocalRequestID, requestID)
		}

		return c.Next()
	}
}

// GetOperatorIDFromContext extracts the authenticated operator id
func GetOperatorIDFromContext(c fiber.Ctx) (uint, bool) {
	id, ok := c.Locals(LocalOperatorID).(uint)
	return id, ok
}

// GetTokenClaimsFromContext extracts token claims from the request context
func GetTokenClaimsFromContext(c fiber.Ctx) (*services.TokenClaims, bool) {
	claims, ok := c.Locals(LocalTokenClaims).(*services.TokenClaims)
	return claims, ok
}
