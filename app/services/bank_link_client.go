package services

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
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

// BankLinkSignatureHeader carries the hex HMAC-SHA256 of the webhook body
const BankLinkSignatureHeader = "X-Signature"

// BankLinkClient is the bank_link channel for bank-transfer payment links
type BankLinkClient struct {
	BaseURL    string
	HTTPClient *http.Client
	cfg        config.BankLinkConfig
	logger     *zap.Logger
}

func NewBankLinkClient(cfg config.BankLinkConfig, logger *zap.Logger) *BankLinkClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BankLinkClient{
		BaseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
		cfg:        cfg,
		logger:     logger.Named("bank_link"),
	}
}

func (c *BankLinkClient) Provider() models.Provider { return models.ProviderBankLink }

// bankLinkState is shared by webhooks and GET /links/{id}
type bankLinkState struct {
	LinkID    string `json:"link_id"`
	Status    string `json:"status"`
	Amount    any    `json:"amount"` // string or number
	Currency  string `json:"currency"`
	Reference string `json:"reference"`
	PaidAt    string `json:"paid_at"`
	URL       string `json:"url"`
	ExpiresAt string `json:"expires_at"`
}

// Normalize verifies X-Signature and translates the link state
func (c *BankLinkClient) Normalize(ctx context.Context, payload WebhookPayload) (*PaymentEvent, error) {
	sig := payload.Header(BankLinkSignatureHeader)
	if len(payload.Body) == 0 || sig == "" {
		return nil, fmt.Errorf("%w: missing body or signature", ErrInvalidPayload)
	}
	if !verifyBankLinkSignature(payload.Body, sig, c.cfg.WebhookSecret) {
		return nil, fmt.Errorf("%w: invalid signature", ErrInvalidPayload)
	}
	var st bankLinkState
	if err := json.Unmarshal(payload.Body, &st); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return c.toEvent(&st)
}

// PollStatus fetches GET /links/{id}
func (c *BankLinkClient) PollStatus(ctx context.Context, linkID string) (*PaymentEvent, error) {
	if strings.TrimSpace(linkID) == "" {
		return nil, fmt.Errorf("%w: empty link_id", ErrInvalidPayload)
	}
	var st bankLinkState
	if err := c.doJSON(ctx, http.MethodGet, "/links/"+url.PathEscape(linkID), nil, &st); err != nil {
		return nil, err
	}
	if st.LinkID == "" {
		st.LinkID = linkID
	}
	return c.toEvent(&st)
}

func (c *BankLinkClient) toEvent(st *bankLinkState) (*PaymentEvent, error) {
	if st.LinkID == "" {
		return nil, fmt.Errorf("%w: missing link_id", ErrInvalidPayload)
	}
	status, ok := mapBankLinkStatus(st.Status)
	if !ok {
		return nil, fmt.Errorf("%w: unknown link status %q", ErrInvalidPayload, st.Status)
	}

	amount := decimal.Zero
	if st.Amount != nil {
		s, err := cast.ToStringE(st.Amount)
		if err != nil {
			return nil, fmt.Errorf("%w: amount: %v", ErrInvalidPayload, err)
		}
		if amount, err = decimal.NewFromString(s); err != nil {
			return nil, fmt.Errorf("%w: amount %q", ErrInvalidPayload, s)
		}
	}
	currency := strings.ToUpper(st.Currency)
	if currency == "" {
		currency = utils.TomanCurrency
	}
	if currency != utils.TomanCurrency {
		return nil, fmt.Errorf("%w: unsupported currency %q", ErrInvalidPayload, currency)
	}

	occurred := utils.UTCNow()
	if st.PaidAt != "" {
		if t, err := time.Parse(time.RFC3339, st.PaidAt); err == nil {
			occurred = t.UTC()
		}
	}
	return &PaymentEvent{
		Provider:    models.ProviderBankLink,
		ExternalID:  st.LinkID,
		RawAmount:   amount,
		RawCurrency: currency,
		Amount:      roundToUnits(amount),
		Status:      status,
		OccurredAt:  occurred,
		Subject:     models.PaymentSubjectBalanceTopup,
		Metadata: map[string]any{
			"bank_link_status": st.Status,
			"reference":        st.Reference,
		},
	}, nil
}

func mapBankLinkStatus(s string) (EventStatus, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PAID":
		return EventStatusPaid, true
	case "PENDING", "CREATED":
		return EventStatusPending, true
	case "EXPIRED", "FAILED", "CANCELLED":
		return EventStatusFailed, true
	}
	return "", false
}

func verifyBankLinkSignature(raw []byte, signature, secret string) bool {
	if secret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(raw)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}

type bankLinkCreateReq struct {
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	OrderID     string `json:"order_id"`
	CallbackURL string `json:"callback_url,omitempty"`
	Description string `json:"description,omitempty"`
}

// CreateInvoice creates a payment link for a TMN amount
func (c *BankLinkClient) CreateInvoice(ctx context.Context, in InvoiceRequest) (*Invoice, error) {
	if !in.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: link amount must be positive", ErrInvalidPayload)
	}
	if in.Currency != "" && !strings.EqualFold(in.Currency, utils.TomanCurrency) {
		return nil, fmt.Errorf("%w: bank links are issued in %s", ErrInvalidPayload, utils.TomanCurrency)
	}
	body := bankLinkCreateReq{
		Amount:      in.Amount.Round(0).String(),
		Currency:    utils.TomanCurrency,
		OrderID:     in.OrderID,
		CallbackURL: c.cfg.CallbackURL,
		Description: in.Description,
	}
	var st bankLinkState
	if err := c.doJSON(ctx, http.MethodPost, "/links", body, &st); err != nil {
		return nil, err
	}
	if st.LinkID == "" || st.URL == "" {
		return nil, fmt.Errorf("bank link: empty create response")
	}
	var exp *time.Time
	if st.ExpiresAt != "" {
		if t, err := time.Parse(time.RFC3339, st.ExpiresAt); err == nil {
			exp = utils.TimeToUTCPtr(&t)
		}
	}
	return &Invoice{
		ExternalID: st.LinkID,
		PaymentURL: st.URL,
		Amount:     in.Amount.Round(0),
		Currency:   utils.TomanCurrency,
		ExpiresAt:  exp,
		Metadata:   map[string]any{},
	}, nil
}

func (c *BankLinkClient) doJSON(ctx context.Context, method, path string, payload any, out any) error {
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: bank link %s: %v", ErrProviderUnavailable, path, err)
	}
	defer resp.Body.Close()
	if err := classifyHTTPStatus("bank link", resp.StatusCode); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("bank link decode %s: %w", path, err)
	}
	return nil
}
