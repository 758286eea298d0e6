package services

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/amirphl/Kusanagi/config"
	"github.com/amirphl/Kusanagi/models"
	"github.com/amirphl/Kusanagi/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// StarsSecretHeader is set by Telegram on every webhook delivery
const StarsSecretHeader = "X-Telegram-Bot-Api-Secret-Token"

const starsPollPageSize = 100

// StarsClient is the chat_micropay channel backed by Telegram Stars
type StarsClient struct {
	tg     *TelegramClient
	cfg    config.StarsConfig
	logger *zap.Logger
}

func NewStarsClient(tg *TelegramClient, cfg config.StarsConfig, logger *zap.Logger) *StarsClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StarsClient{tg: tg, cfg: cfg, logger: logger.Named("stars")}
}

func (c *StarsClient) Provider() models.Provider { return models.ProviderChatMicropay }

type starsUser struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type starsUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		Date              int64     `json:"date"`
		From              starsUser `json:"from"`
		SuccessfulPayment *struct {
			Currency                string `json:"currency"`
			TotalAmount             int64  `json:"total_amount"`
			InvoicePayload          string `json:"invoice_payload"`
			TelegramPaymentChargeID string `json:"telegram_payment_charge_id"`
			ProviderPaymentChargeID string `json:"provider_payment_charge_id"`
		} `json:"successful_payment"`
	} `json:"message"`
	PreCheckoutQuery *struct {
		ID             string    `json:"id"`
		From           starsUser `json:"from"`
		Currency       string    `json:"currency"`
		TotalAmount    int64     `json:"total_amount"`
		InvoicePayload string    `json:"invoice_payload"`
	} `json:"pre_checkout_query"`
}

// Normalize checks the secret token header and translates a payment update
func (c *StarsClient) Normalize(ctx context.Context, payload WebhookPayload) (*PaymentEvent, error) {
	secret := payload.Header(StarsSecretHeader)
	if c.cfg.WebhookSecret == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(c.cfg.WebhookSecret)) != 1 {
		return nil, fmt.Errorf("%w: secret token mismatch", ErrInvalidPayload)
	}

	var upd starsUpdate
	if err := json.Unmarshal(payload.Body, &upd); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	switch {
	case upd.Message != nil && upd.Message.SuccessfulPayment != nil:
		sp := upd.Message.SuccessfulPayment
		if sp.InvoicePayload == "" {
			return nil, fmt.Errorf("%w: missing invoice_payload", ErrInvalidPayload)
		}
		if !strings.EqualFold(sp.Currency, utils.StarsCurrency) {
			return nil, fmt.Errorf("%w: unexpected currency %q", ErrInvalidPayload, sp.Currency)
		}
		occurred := utils.UTCNow()
		if upd.Message.Date > 0 {
			occurred = time.Unix(upd.Message.Date, 0).UTC()
		}
		ev := c.paidEvent(sp.InvoicePayload, sp.TotalAmount, occurred)
		ev.Metadata["telegram_payment_charge_id"] = sp.TelegramPaymentChargeID
		ev.Metadata["telegram_user_id"] = upd.Message.From.ID
		return ev, nil

	case upd.PreCheckoutQuery != nil:
		q := upd.PreCheckoutQuery
		if q.InvoicePayload == "" {
			return nil, fmt.Errorf("%w: missing invoice_payload", ErrInvalidPayload)
		}
		return &PaymentEvent{
			Provider:    models.ProviderChatMicropay,
			ExternalID:  q.InvoicePayload,
			RawAmount:   decimal.NewFromInt(q.TotalAmount),
			RawCurrency: utils.StarsCurrency,
			Status:      EventStatusPending,
			OccurredAt:  utils.UTCNow(),
			Subject:     models.PaymentSubjectBalanceTopup,
			Metadata:    map[string]any{"pre_checkout_query_id": q.ID},
		}, nil
	}

	return nil, fmt.Errorf("%w: update %d carries no payment", ErrInvalidPayload, upd.UpdateID)
}

type starTransactions struct {
	Transactions []struct {
		ID     string `json:"id"`
		Amount int64  `json:"amount"`
		Date   int64  `json:"date"`
		Source *struct {
			Type           string    `json:"type"`
			User           starsUser `json:"user"`
			InvoicePayload string    `json:"invoice_payload"`
		} `json:"source"`
	} `json:"transactions"`
}

// PollStatus scans the latest incoming star transactions for the invoice payload
func (c *StarsClient) PollStatus(ctx context.Context, invoicePayload string) (*PaymentEvent, error) {
	if strings.TrimSpace(invoicePayload) == "" {
		return nil, fmt.Errorf("%w: empty invoice_payload", ErrInvalidPayload)
	}
	var out starTransactions
	if err := c.tg.Call(ctx, "getStarTransactions", map[string]any{"offset": 0, "limit": starsPollPageSize}, &out); err != nil {
		return nil, err
	}
	for _, t := range out.Transactions {
		if t.Source == nil || t.Source.InvoicePayload != invoicePayload {
			continue
		}
		occurred := utils.UTCNow()
		if t.Date > 0 {
			occurred = time.Unix(t.Date, 0).UTC()
		}
		ev := c.paidEvent(invoicePayload, t.Amount, occurred)
		ev.Metadata["telegram_payment_charge_id"] = t.ID
		ev.Metadata["telegram_user_id"] = t.Source.User.ID
		return ev, nil
	}
	return &PaymentEvent{
		Provider:    models.ProviderChatMicropay,
		ExternalID:  invoicePayload,
		RawCurrency: utils.StarsCurrency,
		Status:      EventStatusPending,
		OccurredAt:  utils.UTCNow(),
		Subject:     models.PaymentSubjectBalanceTopup,
		Metadata:    map[string]any{},
	}, nil
}

func (c *StarsClient) paidEvent(invoicePayload string, stars int64, occurred time.Time) *PaymentEvent {
	raw := decimal.NewFromInt(stars)
	return &PaymentEvent{
		Provider:    models.ProviderChatMicropay,
		ExternalID:  invoicePayload,
		RawAmount:   raw,
		RawCurrency: utils.StarsCurrency,
		Amount:      roundToUnits(raw.Mul(c.cfg.RatePerStar)),
		Status:      EventStatusPaid,
		OccurredAt:  occurred,
		Subject:     models.PaymentSubjectBalanceTopup,
		Metadata: map[string]any{
			"rate":        c.cfg.RatePerStar.String(),
			"rate_source": RateSourceStatic,
		},
	}
}

// CreateInvoice creates an invoice link priced in stars. TMN amounts are divided by
// the configured rate and rounded up to whole stars.
func (c *StarsClient) CreateInvoice(ctx context.Context, in InvoiceRequest) (*Invoice, error) {
	if !in.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: invoice amount must be positive", ErrInvalidPayload)
	}
	if in.OrderID == "" {
		return nil, fmt.Errorf("%w: order id is required as invoice payload", ErrInvalidPayload)
	}
	stars := in.Amount
	if !strings.EqualFold(in.Currency, utils.StarsCurrency) {
		if !c.cfg.RatePerStar.IsPositive() {
			return nil, fmt.Errorf("stars rate is not configured")
		}
		stars = in.Amount.Div(c.cfg.RatePerStar).Ceil()
	}

	title := in.Description
	if title == "" {
		title = "Balance top-up"
	}
	var link string
	err := c.tg.Call(ctx, "createInvoiceLink", map[string]any{
		"title":       title,
		"description": title,
		"payload":     in.OrderID,
		"currency":    utils.StarsCurrency,
		"prices":      []map[string]any{{"label": title, "amount": stars.IntPart()}},
	}, &link)
	if err != nil {
		return nil, err
	}
	return &Invoice{
		ExternalID: in.OrderID,
		PaymentURL: link,
		Amount:     stars,
		Currency:   utils.StarsCurrency,
		Metadata:   map[string]any{"rate": c.cfg.RatePerStar.String()},
	}, nil
}
