package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/amirphl/Kusanagi/config"
	"github.com/amirphl/Kusanagi/models"
	"github.com/amirphl/Kusanagi/utils"
	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
	"go.uber.org/zap"
)

// AtipayClient is the card_gateway channel. Atipay callbacks are unsigned, so a paid
// callback is only trusted after a verify-payment round trip.
type AtipayClient struct {
	BaseURL    string
	HTTPClient *http.Client
	cfg        config.AtipayConfig
	logger     *zap.Logger
}

func NewAtipayClient(cfg config.AtipayConfig, logger *zap.Logger) *AtipayClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AtipayClient{
		BaseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
		cfg:        cfg,
		logger:     logger.Named("atipay"),
	}
}

func (c *AtipayClient) Provider() models.Provider { return models.ProviderCardGateway }

// atipayCallback is the gateway redirect/callback body
type atipayCallback struct {
	State             string `json:"state"`
	Status            string `json:"status"`
	ReferenceNumber   string `json:"referenceNumber"`
	ReservationNumber string `json:"reservationNumber"`
	TerminalID        string `json:"terminalId"`
	TraceNumber       string `json:"traceNumber"`
	MaskedPAN         string `json:"maskedPan"`
	RRN               string `json:"rrn"`
}

func parseAtipayCallback(body []byte) (*atipayCallback, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrInvalidPayload)
	}
	var cb atipayCallback
	if trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &cb); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return &cb, nil
	}
	form, err := url.ParseQuery(string(trimmed))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	cb = atipayCallback{
		State:             form.Get("state"),
		Status:            form.Get("status"),
		ReferenceNumber:   form.Get("referenceNumber"),
		ReservationNumber: form.Get("reservationNumber"),
		TerminalID:        form.Get("terminalId"),
		TraceNumber:       form.Get("traceNumber"),
		MaskedPAN:         form.Get("maskedPan"),
		RRN:               form.Get("rrn"),
	}
	return &cb, nil
}

// Normalize translates a callback; paid callbacks are confirmed through verify-payment
func (c *AtipayClient) Normalize(ctx context.Context, payload WebhookPayload) (*PaymentEvent, error) {
	ev, err := c.Parse(payload)
	if err != nil {
		return nil, err
	}
	return c.Confirm(ctx, ev)
}

// Parse reads a callback without calling the gateway. A paid event carries no
// amount until Confirm runs.
func (c *AtipayClient) Parse(payload WebhookPayload) (*PaymentEvent, error) {
	cb, err := parseAtipayCallback(payload.Body)
	if err != nil {
		return nil, err
	}
	if cb.ReservationNumber == "" {
		return nil, fmt.Errorf("%w: missing reservationNumber", ErrInvalidPayload)
	}
	if cb.Status == "" {
		return nil, fmt.Errorf("%w: missing status", ErrInvalidPayload)
	}

	ev := &PaymentEvent{
		Provider:    models.ProviderCardGateway,
		ExternalID:  cb.ReservationNumber,
		RawCurrency: utils.RialCurrency,
		Status:      mapAtipayStatus(cb.Status, cb.State),
		OccurredAt:  utils.UTCNow(),
		Subject:     models.PaymentSubjectBalanceTopup,
		Metadata: map[string]any{
			"atipay_status":    cb.Status + "_" + cb.State,
			"reference_number": cb.ReferenceNumber,
			"trace_number":     cb.TraceNumber,
			"masked_pan":       cb.MaskedPAN,
			"rrn":              cb.RRN,
		},
	}
	if ev.Status == EventStatusPaid && cb.ReferenceNumber == "" {
		return nil, fmt.Errorf("%w: missing referenceNumber", ErrInvalidPayload)
	}
	return ev, nil
}

// Confirm runs verify-payment for a paid event and converts the settled IRR to TMN
func (c *AtipayClient) Confirm(ctx context.Context, ev *PaymentEvent) (*PaymentEvent, error) {
	if !ev.IsPaid() {
		return ev, nil
	}
	referenceNumber := cast.ToString(ev.Metadata["reference_number"])
	if referenceNumber == "" {
		return nil, fmt.Errorf("%w: missing referenceNumber", ErrInvalidPayload)
	}
	amountIRR, err := c.verifyPayment(ctx, referenceNumber)
	if err != nil {
		return nil, err
	}
	ev.RawAmount = amountIRR
	ev.Amount = roundToUnits(amountIRR.Div(decimal.NewFromInt(10)))
	ev.Metadata["rate"] = "0.1"
	ev.Metadata["rate_source"] = RateSourceStatic
	return ev, nil
}

// PollStatus cannot look up a payment by reservation number; the gateway only answers
// verify-payment for a known reference number, so polls always report pending.
func (c *AtipayClient) PollStatus(ctx context.Context, reservationNumber string) (*PaymentEvent, error) {
	if strings.TrimSpace(reservationNumber) == "" {
		return nil, fmt.Errorf("%w: empty reservationNumber", ErrInvalidPayload)
	}
	return &PaymentEvent{
		Provider:    models.ProviderCardGateway,
		ExternalID:  reservationNumber,
		RawCurrency: utils.RialCurrency,
		Status:      EventStatusPending,
		OccurredAt:  utils.UTCNow(),
		Subject:     models.PaymentSubjectBalanceTopup,
		Metadata:    map[string]any{"poll_supported": false},
	}, nil
}

func mapAtipayStatus(status, state string) EventStatus {
	if status+"_"+state == "2_OK" {
		return EventStatusPaid
	}
	// 1_CanceledByUser, 3_Failed, 4_SessionIsNull and anything unknown
	return EventStatusFailed
}

type atipayVerifyResponse struct {
	Amount           any    `json:"amount"`
	ErrorCode        string `json:"errorCode"`
	ErrorDescription string `json:"errorDescription"`
}

// verifyPayment calls verify-payment and returns the settled amount in IRR
func (c *AtipayClient) verifyPayment(ctx context.Context, referenceNumber string) (decimal.Decimal, error) {
	payload, err := json.Marshal(map[string]any{
		"referenceNumber": referenceNumber,
		"apiKey":          c.cfg.APIKey,
	})
	if err != nil {
		return decimal.Zero, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/verify-payment", bytes.NewReader(payload))
	if err != nil {
		return decimal.Zero, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: atipay verify: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	if err := classifyHTTPStatus("atipay", resp.StatusCode); err != nil {
		return decimal.Zero, err
	}

	var out atipayVerifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return decimal.Zero, fmt.Errorf("atipay verify decode: %w", err)
	}
	if out.ErrorCode != "" {
		c.logger.Warn("atipay verification rejected",
			zap.String("reference_number", referenceNumber),
			zap.String("error_code", out.ErrorCode),
			zap.String("error_description", out.ErrorDescription),
		)
		return decimal.Zero, fmt.Errorf("%w: verification rejected (code %s)", ErrInvalidPayload, out.ErrorCode)
	}
	amountStr, err := cast.ToStringE(out.Amount)
	if err != nil || amountStr == "" {
		return decimal.Zero, fmt.Errorf("%w: verification returned no amount", ErrInvalidPayload)
	}
	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: verification amount %q", ErrInvalidPayload, amountStr)
	}
	return amount, nil
}
