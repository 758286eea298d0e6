package handlers

import (
	"github.com/amirphl/Kusanagi/app/dto"
	"github.com/amirphl/Kusanagi/app/services"
	businessflow "github.com/amirphl/Kusanagi/business_flow"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"go.uber.org/zap"
)

// BotAuthHandlerInterface defines the contract for bot auth handlers
type BotAuthHandlerInterface interface {
	Login(c fiber.Ctx) error
	Refresh(c fiber.Ctx) error
}

// BotAuthHandler implements BotAuthHandlerInterface
type BotAuthHandler struct {
	responder
	flow      businessflow.OperatorAuthFlow
	validator *validator.Validate
	logger    *zap.Logger
}

func NewBotAuthHandler(flow businessflow.OperatorAuthFlow, logger *zap.Logger) *BotAuthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BotAuthHandler{
		flow:      flow,
		validator: NewValidator(),
		logger:    logger,
	}
}

// Login authenticates a bot backend
// @Summary Bot login
// @Tags Bot Authentication
// @Accept json
// @Produce json
// @Param request body dto.OperatorLoginRequest true "Bot credentials"
// @Success 200 {object} dto.APIResponse{data=dto.OperatorLoginResponse} "Login successful"
// @Failure 401 {object} dto.APIResponse "Invalid credentials"
// @Router /api/v1/auth/bot/login [post]
func (h *BotAuthHandler) Login(c fiber.Ctx) error {
	var req dto.OperatorLoginRequest
	if err := c.Bind().JSON(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	if err := h.validator.Struct(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", validationMessages(err))
	}

	ctx, cancel := createRequestContext(c, "/api/v1/auth/bot/login", defaultRequestTimeout)
	defer cancel()

	result, err := h.flow.LoginBot(ctx, &req, clientMetadata(c))
	if err != nil {
		switch {
		case businessflow.IsBotNotFound(err), businessflow.IsIncorrectPassword(err), businessflow.IsInvalidCredentials(err):
			return h.ErrorResponse(c, fiber.StatusUnauthorized, "Invalid username or password", "INVALID_CREDENTIALS", nil)
		case businessflow.IsBotInactive(err):
			return h.ErrorResponse(c, fiber.StatusForbidden, "Bot inactive", "BOT_INACTIVE", nil)
		}
		h.logger.Error("Bot login failed", zap.String("username", req.Username), zap.Error(err))
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Login failed", "LOGIN_FAILED", nil)
	}

	return h.SuccessResponse(c, fiber.StatusOK, "Login successful", result)
}

// Refresh exchanges a bot refresh token for a new token pair
// @Summary Bot token refresh
// @Tags Bot Authentication
// @Accept json
// @Produce json
// @Param request body dto.RefreshTokenRequest true "Refresh token"
// @Success 200 {object} dto.APIResponse{data=dto.SessionDTO} "Token refreshed"
// @Router /api/v1/auth/bot/refresh [post]
func (h *BotAuthHandler) Refresh(c fiber.Ctx) error {
	return refreshSession(c, h.responder, h.validator, h.flow, services.OperatorBot, "/api/v1/auth/bot/refresh")
}
