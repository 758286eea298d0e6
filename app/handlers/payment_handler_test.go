package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/amirphl/Kusanagi/app/dto"
	"github.com/amirphl/Kusanagi/app/services"
	businessflow "github.com/amirphl/Kusanagi/business_flow"
	"github.com/amirphl/Kusanagi/models"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockReconciliationFlow struct {
	mock.Mock
}

func (m *mockReconciliationFlow) HandleWebhook(ctx context.Context, provider models.Provider, payload services.WebhookPayload, metadata *businessflow.ClientMetadata) (*businessflow.ApplyResult, error) {
	args := m.Called(ctx, provider, payload, metadata)
	res, _ := args.Get(0).(*businessflow.ApplyResult)
	return res, args.Error(1)
}

func (m *mockReconciliationFlow) CheckStatus(ctx context.Context, provider models.Provider, paymentID string) (*businessflow.PaymentStatus, error) {
	args := m.Called(ctx, provider, paymentID)
	res, _ := args.Get(0).(*businessflow.PaymentStatus)
	return res, args.Error(1)
}

func (m *mockReconciliationFlow) SweepPending(ctx context.Context) (*businessflow.SweepResult, error) {
	args := m.Called(ctx)
	res, _ := args.Get(0).(*businessflow.SweepResult)
	return res, args.Error(1)
}

func (m *mockReconciliationFlow) InitiatePayment(ctx context.Context, req *dto.InitiatePaymentRequest, metadata *businessflow.ClientMetadata) (*dto.InitiatePaymentResponse, error) {
	args := m.Called(ctx, req, metadata)
	res, _ := args.Get(0).(*dto.InitiatePaymentResponse)
	return res, args.Error(1)
}

func newPaymentApp(flow businessflow.ReconciliationFlow) *fiber.App {
	h := NewPaymentHandler(flow, nil)
	app := fiber.New()
	app.Post("/api/v1/payments/providers/:provider/webhook", h.Webhook)
	app.Post("/api/v1/bot/payments", h.InitiatePayment)
	app.Get("/api/v1/bot/payments/:provider/:id/status", h.PaymentStatus)
	app.Post("/api/v1/admin/payments/reconcile", h.Reconcile)
	return app
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

// apiEnvelope mirrors dto.APIResponse with concrete field types for decoding
type apiEnvelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    map[string]any  `json:"data"`
	Error   dto.ErrorDetail `json:"error"`
}

func decodeAPIResponse(t *testing.T, resp *http.Response) apiEnvelope {
	t.Helper()
	var out apiEnvelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestPaymentHandler_Webhook(t *testing.T) {
	t.Run("credited returns ok and forwards the raw request", func(t *testing.T) {
		flow := new(mockReconciliationFlow)
		body := []byte(`{"track_id":"trk-1","status":"Paid"}`)
		flow.On("HandleWebhook", mock.Anything, models.ProviderCryptoInvoice, mock.MatchedBy(func(p services.WebhookPayload) bool {
			return bytes.Equal(p.Body, body) && p.Header("HMAC") == "abc"
		}), mock.Anything).Return(&businessflow.ApplyResult{Outcome: businessflow.OutcomeCredited}, nil).Once()

		req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/providers/crypto_invoice/webhook", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("HMAC", "abc")
		resp, err := newPaymentApp(flow).Test(req)
		require.NoError(t, err)

		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
		assert.Equal(t, "ok", readBody(t, resp))
		flow.AssertExpectations(t)
	})

	t.Run("duplicate delivery is still ok", func(t *testing.T) {
		flow := new(mockReconciliationFlow)
		flow.On("HandleWebhook", mock.Anything, models.ProviderCardGateway, mock.Anything, mock.Anything).
			Return(&businessflow.ApplyResult{Outcome: businessflow.OutcomeAlreadyCredited}, nil)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/providers/CARD_GATEWAY/webhook", bytes.NewBufferString("state=2"))
		resp, err := newPaymentApp(flow).Test(req)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	})

	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"invalid payload", fmt.Errorf("bad signature: %w", businessflow.ErrInvalidPayload), fiber.StatusBadRequest},
		{"invalid amount", businessflow.NewBusinessError("INVALID_AMOUNT", "amount", businessflow.ErrInvalidAmount), fiber.StatusBadRequest},
		{"unknown provider", businessflow.ErrUnknownProvider, fiber.StatusNotFound},
		{"unknown payment", businessflow.NewBusinessError("PAYMENT_RECORD_NOT_FOUND", "missing", businessflow.ErrPaymentRecordNotFound), fiber.StatusNotFound},
		{"disabled provider", businessflow.ErrProviderDisabled, fiber.StatusServiceUnavailable},
		{"provider unavailable", fmt.Errorf("rate: %w", businessflow.ErrProviderUnavailable), fiber.StatusServiceUnavailable},
		{"storage failure", fmt.Errorf("db closed"), fiber.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			flow := new(mockReconciliationFlow)
			flow.On("HandleWebhook", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil, tc.err)

			req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/providers/crypto_invoice/webhook", bytes.NewBufferString("{}"))
			resp, err := newPaymentApp(flow).Test(req)
			require.NoError(t, err)
			assert.Equal(t, tc.status, resp.StatusCode)
			assert.NotEqual(t, "ok", readBody(t, resp))
		})
	}
}

func TestPaymentHandler_InitiatePayment(t *testing.T) {
	t.Run("created", func(t *testing.T) {
		flow := new(mockReconciliationFlow)
		flow.On("InitiatePayment", mock.Anything, mock.MatchedBy(func(r *dto.InitiatePaymentRequest) bool {
			return r.TelegramID == 42 && r.Provider == "crypto_invoice" && r.Amount == "10"
		}), mock.Anything).Return(&dto.InitiatePaymentResponse{
			UUID:       "f47ac10b-58cc-4372-a567-0e02b2c3d479",
			Provider:   "crypto_invoice",
			ExternalID: "inv-1",
			Status:     "pending",
		}, nil)

		payload := `{"telegram_id":42,"provider":"crypto_invoice","amount":"10","currency":"USDT"}`
		req := httptest.NewRequest(http.MethodPost, "/api/v1/bot/payments", bytes.NewBufferString(payload))
		req.Header.Set("Content-Type", "application/json")
		resp, err := newPaymentApp(flow).Test(req)
		require.NoError(t, err)

		assert.Equal(t, fiber.StatusCreated, resp.StatusCode)
		out := decodeAPIResponse(t, resp)
		assert.True(t, out.Success)
		assert.Equal(t, "inv-1", out.Data["external_id"])
	})

	t.Run("validation", func(t *testing.T) {
		flow := new(mockReconciliationFlow)
		for _, payload := range []string{
			`{"telegram_id":42,"provider":"paypal","amount":"10"}`,
			`{"telegram_id":42,"provider":"crypto_invoice","amount":"-5"}`,
			`{"provider":"crypto_invoice","amount":"10"}`,
			`{"telegram_id":42,"provider":"crypto_invoice","amount":"ten"}`,
		} {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/bot/payments", bytes.NewBufferString(payload))
			req.Header.Set("Content-Type", "application/json")
			resp, err := newPaymentApp(flow).Test(req)
			require.NoError(t, err)
			assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode, payload)
			assert.Equal(t, "VALIDATION_ERROR", decodeAPIResponse(t, resp).Error.Code, payload)
		}
		flow.AssertNotCalled(t, "InitiatePayment", mock.Anything, mock.Anything, mock.Anything)
	})

	cases := []struct {
		err    error
		status int
		code   string
	}{
		{businessflow.ErrUserNotFound, fiber.StatusNotFound, "USER_NOT_FOUND"},
		{businessflow.ErrPaymentRecordExists, fiber.StatusConflict, "PAYMENT_RECORD_EXISTS"},
		{businessflow.ErrInvoiceNotSupported, fiber.StatusBadRequest, "EXTERNAL_ID_REQUIRED"},
		{businessflow.ErrProviderDisabled, fiber.StatusServiceUnavailable, "PROVIDER_DISABLED"},
		{fmt.Errorf("create invoice: %w", businessflow.ErrProviderUnavailable), fiber.StatusBadGateway, "PROVIDER_UNAVAILABLE"},
		{fmt.Errorf("boom"), fiber.StatusInternalServerError, "PAYMENT_INITIATION_FAILED"},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			flow := new(mockReconciliationFlow)
			flow.On("InitiatePayment", mock.Anything, mock.Anything, mock.Anything).Return(nil, tc.err)

			payload := `{"telegram_id":42,"provider":"card_gateway","amount":"50000","external_id":"res-1"}`
			req := httptest.NewRequest(http.MethodPost, "/api/v1/bot/payments", bytes.NewBufferString(payload))
			req.Header.Set("Content-Type", "application/json")
			resp, err := newPaymentApp(flow).Test(req)
			require.NoError(t, err)
			assert.Equal(t, tc.status, resp.StatusCode)
			assert.Equal(t, tc.code, decodeAPIResponse(t, resp).Error.Code)
		})
	}
}

func TestPaymentHandler_PaymentStatus(t *testing.T) {
	t.Run("credited payment", func(t *testing.T) {
		paidAt := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
		txID := uint(7)
		flow := new(mockReconciliationFlow)
		flow.On("CheckStatus", mock.Anything, models.ProviderCryptoInvoice, "trk-1").Return(&businessflow.PaymentStatus{
			Record: &models.PaymentRecord{
				Provider:      models.ProviderCryptoInvoice,
				ExternalID:    "trk-1",
				Status:        models.PaymentRecordStatusPaid,
				TransactionID: &txID,
				PaidAt:        &paidAt,
			},
			Status:         models.PaymentRecordStatusPaid,
			IsPaid:         true,
			Credited:       true,
			CreditedAmount: 950,
		}, nil)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/bot/payments/crypto_invoice/trk-1/status", nil)
		resp, err := newPaymentApp(flow).Test(req)
		require.NoError(t, err)
		require.Equal(t, fiber.StatusOK, resp.StatusCode)

		data := decodeAPIResponse(t, resp).Data
		assert.Equal(t, "paid", data["status"])
		assert.Equal(t, true, data["is_paid"])
		assert.Equal(t, true, data["credited"])
		assert.EqualValues(t, 950, data["credited_amount"])
		assert.Equal(t, "2024-01-15T10:30:00Z", data["paid_at"])
	})

	t.Run("not found", func(t *testing.T) {
		flow := new(mockReconciliationFlow)
		flow.On("CheckStatus", mock.Anything, mock.Anything, mock.Anything).Return(nil, businessflow.ErrPaymentRecordNotFound)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/bot/payments/bank_link/nope/status", nil)
		resp, err := newPaymentApp(flow).Test(req)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
		assert.Equal(t, "PAYMENT_RECORD_NOT_FOUND", decodeAPIResponse(t, resp).Error.Code)
	})
}

func TestPaymentHandler_Reconcile(t *testing.T) {
	flow := new(mockReconciliationFlow)
	flow.On("SweepPending", mock.Anything).Return(&businessflow.SweepResult{
		Scanned:  3,
		Credited: 1,
		Pending:  1,
		Failed:   1,
		Duration: 1500 * time.Millisecond,
	}, nil).Once()
	flow.On("SweepPending", mock.Anything).Return(nil, fmt.Errorf("db down")).Once()

	app := newPaymentApp(flow)

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/api/v1/admin/payments/reconcile", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	data := decodeAPIResponse(t, resp).Data
	assert.EqualValues(t, 3, data["scanned"])
	assert.EqualValues(t, 1, data["credited"])
	assert.Equal(t, "1.5s", data["duration"])

	resp, err = app.Test(httptest.NewRequest(http.MethodPost, "/api/v1/admin/payments/reconcile", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
}
