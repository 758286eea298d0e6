package handlers

import (
	"strings"
	"time"

	"github.com/amirphl/Kusanagi/app/dto"
	"github.com/amirphl/Kusanagi/app/services"
	businessflow "github.com/amirphl/Kusanagi/business_flow"
	"github.com/amirphl/Kusanagi/models"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"go.uber.org/zap"
)

// PaymentHandlerInterface defines the contract for payment handlers
type PaymentHandlerInterface interface {
	Webhook(c fiber.Ctx) error
	InitiatePayment(c fiber.Ctx) error
	PaymentStatus(c fiber.Ctx) error
	Reconcile(c fiber.Ctx) error
}

// PaymentHandler serves provider webhooks and the operator payment endpoints
type PaymentHandler struct {
	responder
	flow      businessflow.ReconciliationFlow
	validator *validator.Validate
	logger    *zap.Logger
}

// NewPaymentHandler creates a new payment handler
func NewPaymentHandler(flow businessflow.ReconciliationFlow, logger *zap.Logger) *PaymentHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaymentHandler{
		flow:      flow,
		validator: NewValidator(),
		logger:    logger,
	}
}

// Webhook accepts a provider notification.
// Providers only need to know whether to retry, so the body is plain text.
// @Summary Provider webhook
// @Tags Payments
// @Accept json
// @Produce plain
// @Param provider path string true "Provider tag"
// @Success 200 {string} string "ok"
// @Failure 400 {string} string "Invalid payload or amount"
// @Failure 404 {string} string "Unknown provider or payment"
// @Failure 503 {string} string "Provider disabled or unavailable"
// @Router /api/v1/payments/providers/{provider}/webhook [post]
func (h *PaymentHandler) Webhook(c fiber.Ctx) error {
	provider := models.Provider(strings.ToLower(c.Params("provider")))

	headers := make(map[string]string)
	for name, values := range c.GetReqHeaders() {
		if len(values) > 0 {
			headers[name] = values[0]
		}
	}
	// fasthttp reuses the request buffer once the handler returns
	payload := services.WebhookPayload{
		Body:    append([]byte(nil), c.Body()...),
		Headers: headers,
	}

	ctx, cancel := createRequestContext(c, "/api/v1/payments/providers/:provider/webhook", defaultRequestTimeout)
	defer cancel()

	result, err := h.flow.HandleWebhook(ctx, provider, payload, clientMetadata(c))
	if err != nil {
		status := webhookStatus(err)
		fields := []zap.Field{
			zap.String("provider", string(provider)),
			zap.String("code", businessflow.ErrorCode(err)),
			zap.Int("status", status),
			zap.Error(err),
		}
		if status >= fiber.StatusInternalServerError {
			h.logger.Error("Webhook processing failed", fields...)
		} else {
			h.logger.Warn("Webhook rejected", fields...)
		}
		return c.Status(status).SendString(webhookErrorText(status))
	}

	h.logger.Debug("Webhook processed",
		zap.String("provider", string(provider)),
		zap.String("outcome", string(result.Outcome)),
	)
	return c.Status(fiber.StatusOK).SendString("ok")
}

func webhookErrorText(status int) string {
	switch status {
	case fiber.StatusBadRequest:
		return "invalid payload"
	case fiber.StatusNotFound:
		return "not found"
	case fiber.StatusServiceUnavailable:
		return "unavailable"
	default:
		return "error"
	}
}

func webhookStatus(err error) int {
	switch {
	case businessflow.IsInvalidPayload(err), businessflow.IsInvalidAmount(err):
		return fiber.StatusBadRequest
	case businessflow.IsUnknownProvider(err), businessflow.IsPaymentRecordNotFound(err):
		return fiber.StatusNotFound
	case businessflow.IsProviderDisabled(err), businessflow.IsProviderUnavailable(err):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

// InitiatePayment starts tracking a payment for a chat user
// @Summary Initiate payment
// @Tags Bot Payments
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body dto.InitiatePaymentRequest true "Payment data"
// @Success 201 {object} dto.APIResponse{data=dto.InitiatePaymentResponse} "Payment created"
// @Failure 400 {object} dto.APIResponse "Validation error"
// @Failure 404 {object} dto.APIResponse "User not found"
// @Failure 409 {object} dto.APIResponse "Payment already tracked"
// @Router /api/v1/bot/payments [post]
func (h *PaymentHandler) InitiatePayment(c fiber.Ctx) error {
	var req dto.InitiatePaymentRequest
	if err := c.Bind().JSON(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	if err := h.validator.Struct(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", validationMessages(err))
	}

	ctx, cancel := createRequestContext(c, "/api/v1/bot/payments", defaultRequestTimeout)
	defer cancel()

	resp, err := h.flow.InitiatePayment(ctx, &req, clientMetadata(c))
	if err != nil {
		switch {
		case businessflow.IsUserNotFound(err):
			return h.ErrorResponse(c, fiber.StatusNotFound, "User not found", "USER_NOT_FOUND", nil)
		case businessflow.IsPaymentRecordExists(err):
			return h.ErrorResponse(c, fiber.StatusConflict, "Payment is already tracked", "PAYMENT_RECORD_EXISTS", nil)
		case businessflow.IsUnknownProvider(err):
			return h.ErrorResponse(c, fiber.StatusBadRequest, "Unknown provider", "UNKNOWN_PROVIDER", nil)
		case businessflow.IsProviderDisabled(err):
			return h.ErrorResponse(c, fiber.StatusServiceUnavailable, "Provider is disabled", "PROVIDER_DISABLED", nil)
		case businessflow.IsProviderUnavailable(err):
			return h.ErrorResponse(c, fiber.StatusBadGateway, "Provider is unavailable", "PROVIDER_UNAVAILABLE", nil)
		case businessflow.IsInvoiceNotSupported(err), businessflow.IsExternalIDRequired(err):
			return h.ErrorResponse(c, fiber.StatusBadRequest, "This provider needs an external_id", "EXTERNAL_ID_REQUIRED", nil)
		case businessflow.IsInvalidAmount(err):
			return h.ErrorResponse(c, fiber.StatusBadRequest, "Amount must be positive", "INVALID_AMOUNT", nil)
		case businessflow.IsInvalidPayload(err):
			return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid payment request", "INVALID_PAYLOAD", err.Error())
		}
		h.logger.Error("Payment initiation failed", zap.String("provider", req.Provider), zap.Error(err))
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Payment initiation failed", "PAYMENT_INITIATION_FAILED", nil)
	}

	return h.SuccessResponse(c, fiber.StatusCreated, "Payment created", resp)
}

// PaymentStatus polls the provider for a payment and credits it when paid
// @Summary Payment status
// @Tags Bot Payments
// @Produce json
// @Security BearerAuth
// @Param provider path string true "Provider tag"
// @Param id path string true "External id or payment UUID"
// @Success 200 {object} dto.APIResponse{data=dto.PaymentStatusResponse} "Payment status"
// @Failure 404 {object} dto.APIResponse "Payment not found"
// @Router /api/v1/bot/payments/{provider}/{id}/status [get]
func (h *PaymentHandler) PaymentStatus(c fiber.Ctx) error {
	provider := models.Provider(strings.ToLower(c.Params("provider")))
	paymentID := strings.TrimSpace(c.Params("id"))
	if paymentID == "" {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Payment id is required", "INVALID_REQUEST", nil)
	}

	ctx, cancel := createRequestContext(c, "/api/v1/bot/payments/:provider/:id/status", defaultRequestTimeout)
	defer cancel()

	status, err := h.flow.CheckStatus(ctx, provider, paymentID)
	if err != nil {
		switch {
		case businessflow.IsUnknownProvider(err):
			return h.ErrorResponse(c, fiber.StatusNotFound, "Unknown provider", "UNKNOWN_PROVIDER", nil)
		case businessflow.IsPaymentRecordNotFound(err):
			return h.ErrorResponse(c, fiber.StatusNotFound, "Payment not found", "PAYMENT_RECORD_NOT_FOUND", nil)
		case businessflow.IsProviderDisabled(err):
			return h.ErrorResponse(c, fiber.StatusServiceUnavailable, "Provider is disabled", "PROVIDER_DISABLED", nil)
		case businessflow.IsInvalidPayload(err), businessflow.IsInvalidAmount(err):
			return h.ErrorResponse(c, fiber.StatusBadGateway, "Provider returned an unusable status", "POLL_FAILED", nil)
		}
		h.logger.Error("Payment status check failed",
			zap.String("provider", string(provider)),
			zap.String("payment_id", paymentID),
			zap.Error(err),
		)
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Payment status check failed", "PAYMENT_STATUS_FAILED", nil)
	}

	resp := dto.PaymentStatusResponse{
		Provider:       string(status.Record.Provider),
		ExternalID:     status.Record.ExternalID,
		Status:         string(status.Status),
		IsPaid:         status.IsPaid,
		Credited:       status.Credited,
		CreditedAmount: status.CreditedAmount,
	}
	if status.Record.PaidAt != nil {
		paidAt := status.Record.PaidAt.UTC().Format(time.RFC3339)
		resp.PaidAt = &paidAt
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Payment status retrieved", resp)
}

// Reconcile runs one sweep over stale pending payments
// @Summary Reconcile pending payments
// @Tags Admin Payments
// @Produce json
// @Security BearerAuth
// @Success 200 {object} dto.APIResponse{data=dto.ReconcileResponse} "Sweep finished"
// @Router /api/v1/admin/payments/reconcile [post]
func (h *PaymentHandler) Reconcile(c fiber.Ctx) error {
	ctx, cancel := createRequestContext(c, "/api/v1/admin/payments/reconcile", 2*time.Minute)
	defer cancel()

	result, err := h.flow.SweepPending(ctx)
	if err != nil {
		h.logger.Error("Manual reconciliation failed", zap.Error(err))
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Reconciliation failed", "RECONCILIATION_FAILED", nil)
	}

	return h.SuccessResponse(c, fiber.StatusOK, "Reconciliation finished", dto.ReconcileResponse{
		Scanned:         result.Scanned,
		Credited:        result.Credited,
		AlreadyCredited: result.AlreadyCredited,
		Pending:         result.Pending,
		Failed:          result.Failed,
		Expired:         result.Expired,
		Unavailable:     result.Unavailable,
		Skipped:         result.Skipped,
		Errors:          result.Errors,
		Duration:        result.Duration.Round(time.Millisecond).String(),
	})
}
