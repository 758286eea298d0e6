package services

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/amirphl/Kusanagi/config"
	"github.com/amirphl/Kusanagi/models"
	"github.com/amirphl/Kusanagi/utils"
	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
	"go.uber.org/zap"
)

// OxapayHMACHeader carries the hex HMAC-SHA512 of the webhook body
const OxapayHMACHeader = "HMAC"

// OxapayClient is the crypto_invoice channel backed by Oxapay invoices
type OxapayClient struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	cfg        config.OxapayConfig
	rates      ExchangeRateService
	logger     *zap.Logger
}

func NewOxapayClient(cfg config.OxapayConfig, rates ExchangeRateService, logger *zap.Logger) *OxapayClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OxapayClient{
		BaseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		APIKey:     cfg.MerchantKey,
		HTTPClient: &http.Client{Timeout: timeout},
		cfg:        cfg,
		rates:      rates,
		logger:     logger.Named("oxapay"),
	}
}

func (c *OxapayClient) Provider() models.Provider { return models.ProviderCryptoInvoice }

// oxapayWebhook is the payment webhook schema (subset)
type oxapayWebhook struct {
	TrackID     string `json:"track_id"`
	Status      string `json:"status"`
	Type        string `json:"type"`
	Amount      any    `json:"amount"`
	Currency    string `json:"currency"`
	OrderID     string `json:"order_id"`
	Description string `json:"description"`
	Date        int64  `json:"date"`
	Txs         []struct {
		TxHash   string `json:"tx_hash"`
		Currency string `json:"currency"`
		Network  string `json:"network"`
		Status   string `json:"status"`
	} `json:"txs"`
}

// Normalize verifies the HMAC header and translates the webhook body
func (c *OxapayClient) Normalize(ctx context.Context, payload WebhookPayload) (*PaymentEvent, error) {
	sig := payload.Header(OxapayHMACHeader)
	if len(payload.Body) == 0 || sig == "" {
		return nil, fmt.Errorf("%w: missing body or HMAC header", ErrInvalidPayload)
	}
	if !verifyOxapayHMAC(payload.Body, sig, c.APIKey) {
		return nil, fmt.Errorf("%w: invalid HMAC signature", ErrInvalidPayload)
	}

	var wh oxapayWebhook
	if err := json.Unmarshal(payload.Body, &wh); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if wh.TrackID == "" {
		return nil, fmt.Errorf("%w: missing track_id", ErrInvalidPayload)
	}

	ev, err := c.buildEvent(ctx, wh.TrackID, wh.Status, wh.Amount, wh.Currency, wh.Date)
	if err != nil {
		return nil, err
	}
	if wh.OrderID != "" {
		ev.Metadata["order_id"] = wh.OrderID
	}
	if len(wh.Txs) > 0 {
		ev.Metadata["tx_hash"] = wh.Txs[0].TxHash
		ev.Metadata["network"] = wh.Txs[0].Network
	}
	return ev, nil
}

type oxapayPaymentInfoEnv struct {
	Data struct {
		TrackID   string `json:"track_id"`
		Type      string `json:"type"`
		Amount    any    `json:"amount"`
		Currency  string `json:"currency"`
		Status    string `json:"status"`
		ExpiredAt int64  `json:"expired_at"`
		Date      int64  `json:"date"`
	} `json:"data"`
	Message string `json:"message"`
	Error   any    `json:"error"`
	Status  int    `json:"status"`
	Version string `json:"version"`
}

// PollStatus fetches GET /payment/{track_id}
func (c *OxapayClient) PollStatus(ctx context.Context, trackID string) (*PaymentEvent, error) {
	if strings.TrimSpace(trackID) == "" {
		return nil, fmt.Errorf("%w: empty track_id", ErrInvalidPayload)
	}
	var env oxapayPaymentInfoEnv
	if err := c.doMerchantJSON(ctx, http.MethodGet, "/payment/"+trackID, nil, &env); err != nil {
		return nil, err
	}
	if env.Status != 0 && env.Status != http.StatusOK {
		return nil, fmt.Errorf("%w: oxapay status %d: %s", ErrProviderUnavailable, env.Status, env.Message)
	}
	if env.Data.TrackID == "" {
		env.Data.TrackID = trackID
	}
	return c.buildEvent(ctx, env.Data.TrackID, env.Data.Status, env.Data.Amount, env.Data.Currency, env.Data.Date)
}

func (c *OxapayClient) buildEvent(ctx context.Context, trackID, status string, rawAmount any, currency string, date int64) (*PaymentEvent, error) {
	st, ok := mapOxapayStatus(status)
	if !ok {
		return nil, fmt.Errorf("%w: unknown oxapay status %q", ErrInvalidPayload, status)
	}
	amountStr, err := cast.ToStringE(rawAmount)
	if err != nil {
		return nil, fmt.Errorf("%w: amount: %v", ErrInvalidPayload, err)
	}
	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return nil, fmt.Errorf("%w: amount %q", ErrInvalidPayload, amountStr)
	}
	if currency == "" {
		currency = utils.USDTCurrency
	}
	currency = strings.ToUpper(currency)

	occurred := utils.UTCNow()
	if date > 0 {
		occurred = time.Unix(date, 0).UTC()
	}

	ev := &PaymentEvent{
		Provider:    models.ProviderCryptoInvoice,
		ExternalID:  trackID,
		RawAmount:   amount,
		RawCurrency: currency,
		Status:      st,
		OccurredAt:  occurred,
		Subject:     models.PaymentSubjectBalanceTopup,
		Metadata:    map[string]any{"oxapay_status": status},
	}

	// Non-paid events carry no amount worth converting
	if st != EventStatusPaid {
		return ev, nil
	}
	conv, err := c.rates.Convert(ctx, amount, currency, utils.TomanCurrency)
	if err != nil {
		return nil, fmt.Errorf("%w: convert %s: %v", ErrProviderUnavailable, currency, err)
	}
	ev.Amount = roundToUnits(conv.Amount)
	ev.Metadata["rate"] = conv.Rate.String()
	ev.Metadata["rate_source"] = conv.Source
	return ev, nil
}

func mapOxapayStatus(s string) (EventStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "paid", "manual_accept":
		return EventStatusPaid, true
	case "expired", "refunding", "refunded":
		return EventStatusFailed, true
	case "new", "waiting", "paying", "confirming", "underpaid":
		return EventStatusPending, true
	case "":
		return "", false
	default:
		return EventStatusPending, true
	}
}

func verifyOxapayHMAC(raw []byte, hmacHeader, secret string) bool {
	mac := hmac.New(sha512.New, []byte(secret))
	_, _ = mac.Write(raw)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(hmacHeader)))
}

// POST /payment/invoice (merchant_api_key header)
type oxapayInvoiceReq struct {
	Amount         string `json:"amount"`
	Currency       string `json:"currency"`
	LifeTime       int    `json:"lifetime,omitempty"`
	FeePaidByPayer *int   `json:"fee_paid_by_payer,omitempty"`
	ToCurrency     string `json:"to_currency,omitempty"`
	AutoWithdrawal bool   `json:"auto_withdrawal"`
	MixedPayment   bool   `json:"mixed_payment"`
	CallbackURL    string `json:"callback_url"`
	ReturnURL      string `json:"return_url,omitempty"`
	Email          string `json:"email,omitempty"`
	OrderID        string `json:"order_id"`
	Description    string `json:"description,omitempty"`
}

type oxapayInvoiceEnv struct {
	Data struct {
		TrackID    string `json:"track_id"`
		PaymentURL string `json:"payment_url"`
		ExpiredAt  int64  `json:"expired_at"`
		Date       int64  `json:"date"`
	} `json:"data"`
	Message string `json:"message"`
	Error   any    `json:"error"`
	Status  int    `json:"status"`
	Version string `json:"version"`
}

// CreateInvoice issues a USDT invoice. TMN amounts are converted at the current USDT rate.
func (c *OxapayClient) CreateInvoice(ctx context.Context, in InvoiceRequest) (*Invoice, error) {
	if !in.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: invoice amount must be positive", ErrInvalidPayload)
	}
	asset := c.cfg.SettleAsset
	if asset == "" {
		asset = utils.USDTCurrency
	}

	amount := in.Amount
	currency := strings.ToUpper(in.Currency)
	meta := map[string]any{}
	if currency != "" && currency != asset {
		conv, err := c.rates.Convert(ctx, decimal.NewFromInt(1), asset, currency)
		if err != nil {
			return nil, fmt.Errorf("%w: rate %s/%s: %v", ErrProviderUnavailable, asset, currency, err)
		}
		amount = in.Amount.DivRound(conv.Rate, 2)
		meta["rate"] = conv.Rate.String()
		meta["rate_source"] = conv.Source
		meta["requested_amount"] = in.Amount.String()
		meta["requested_currency"] = currency
	}

	body := oxapayInvoiceReq{
		Amount:       amount.String(),
		Currency:     asset,
		LifeTime:     c.cfg.Lifetime,
		CallbackURL:  c.cfg.CallbackURL,
		ReturnURL:    c.cfg.ReturnURL,
		Email:        in.Email,
		OrderID:      in.OrderID,
		Description:  in.Description,
		MixedPayment: false,
	}
	if c.cfg.FeePaidByPayer {
		body.FeePaidByPayer = utils.ToPtr(1)
	}

	var env oxapayInvoiceEnv
	if err := c.doMerchantJSON(ctx, http.MethodPost, "/payment/invoice", body, &env); err != nil {
		return nil, err
	}
	if env.Data.PaymentURL == "" || env.Data.TrackID == "" {
		return nil, errors.New("oxapay: empty invoice response")
	}

	var exp *time.Time
	if env.Data.ExpiredAt > 0 {
		exp = utils.ToPtr(time.Unix(env.Data.ExpiredAt, 0).UTC())
	}
	return &Invoice{
		ExternalID: env.Data.TrackID,
		PaymentURL: env.Data.PaymentURL,
		Amount:     amount,
		Currency:   asset,
		ExpiresAt:  exp,
		Metadata:   meta,
	}, nil
}

// doMerchantJSON sets the required header 'merchant_api_key' for Oxapay merchant APIs
func (c *OxapayClient) doMerchantJSON(ctx context.Context, method, path string, payload any, out any) error {
	var body *bytes.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.APIKey != "" {
		req.Header.Set("merchant_api_key", c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: oxapay %s: %v", ErrProviderUnavailable, path, err)
	}
	defer resp.Body.Close()
	if err := classifyHTTPStatus("oxapay", resp.StatusCode); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("oxapay decode %s: %w", path, err)
	}
	return nil
}
