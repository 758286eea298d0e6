package handlers

import (
	"github.com/amirphl/Kusanagi/app/dto"
	"github.com/amirphl/Kusanagi/app/services"
	businessflow "github.com/amirphl/Kusanagi/business_flow"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"go.uber.org/zap"
)

// AdminAuthHandlerInterface defines the contract for admin auth handlers
type AdminAuthHandlerInterface interface {
	Login(c fiber.Ctx) error
	Refresh(c fiber.Ctx) error
}

// AdminAuthHandler implements AdminAuthHandlerInterface
type AdminAuthHandler struct {
	responder
	flow      businessflow.OperatorAuthFlow
	validator *validator.Validate
	logger    *zap.Logger
}

func NewAdminAuthHandler(flow businessflow.OperatorAuthFlow, logger *zap.Logger) *AdminAuthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminAuthHandler{
		flow:      flow,
		validator: NewValidator(),
		logger:    logger,
	}
}

// Login authenticates an admin with username and password
// @Summary Admin login
// @Tags Admin Authentication
// @Accept json
// @Produce json
// @Param request body dto.OperatorLoginRequest true "Admin login data"
// @Success 200 {object} dto.APIResponse{data=dto.OperatorLoginResponse} "Login successful"
// @Failure 400 {object} dto.APIResponse "Validation error"
// @Failure 401 {object} dto.APIResponse "Invalid credentials"
// @Failure 403 {object} dto.APIResponse "Admin inactive"
// @Router /api/v1/auth/admin/login [post]
func (h *AdminAuthHandler) Login(c fiber.Ctx) error {
	var req dto.OperatorLoginRequest
	if err := c.Bind().JSON(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	if err := h.validator.Struct(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", validationMessages(err))
	}

	ctx, cancel := createRequestContext(c, "/api/v1/auth/admin/login", defaultRequestTimeout)
	defer cancel()

	result, err := h.flow.LoginAdmin(ctx, &req, clientMetadata(c))
	if err != nil {
		switch {
		case businessflow.IsAdminNotFound(err), businessflow.IsIncorrectPassword(err), businessflow.IsInvalidCredentials(err):
			// Unknown usernames and wrong passwords look the same to the caller
			return h.ErrorResponse(c, fiber.StatusUnauthorized, "Invalid username or password", "INVALID_CREDENTIALS", nil)
		case businessflow.IsAdminInactive(err):
			return h.ErrorResponse(c, fiber.StatusForbidden, "Admin inactive", "ADMIN_INACTIVE", nil)
		}
		h.logger.Error("Admin login failed", zap.String("username", req.Username), zap.Error(err))
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Login failed", "LOGIN_FAILED", nil)
	}

	return h.SuccessResponse(c, fiber.StatusOK, "Login successful", result)
}

// Refresh exchanges an admin refresh token for a new token pair
// @Summary Admin token refresh
// @Tags Admin Authentication
// @Accept json
// @Produce json
// @Param request body dto.RefreshTokenRequest true "Refresh token"
// @Success 200 {object} dto.APIResponse{data=dto.SessionDTO} "Token refreshed"
// @Failure 401 {object} dto.APIResponse "Invalid refresh token"
// @Router /api/v1/auth/admin/refresh [post]
func (h *AdminAuthHandler) Refresh(c fiber.Ctx) error {
	return refreshSession(c, h.responder, h.validator, h.flow, services.OperatorAdmin, "/api/v1/auth/admin/refresh")
}

// refreshSession is shared by the admin and bot refresh endpoints
func refreshSession(c fiber.Ctx, r responder, v *validator.Validate, flow businessflow.OperatorAuthFlow, kind services.OperatorKind, endpoint string) error {
	var req dto.RefreshTokenRequest
	if err := c.Bind().JSON(&req); err != nil {
		return r.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	if err := v.Struct(&req); err != nil {
		return r.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", validationMessages(err))
	}

	ctx, cancel := createRequestContext(c, endpoint, defaultRequestTimeout)
	defer cancel()

	session, err := flow.Refresh(ctx, kind, req.RefreshToken)
	if err != nil {
		return r.ErrorResponse(c, fiber.StatusUnauthorized, "Invalid or expired refresh token", "TOKEN_REFRESH_FAILED", nil)
	}
	return r.SuccessResponse(c, fiber.StatusOK, "Token refreshed", session)
}
