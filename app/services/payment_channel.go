// Package services provides external service integrations and technical concerns like payment channels, notifications and tokens
package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/amirphl/Kusanagi/models"
	"github.com/shopspring/decimal"
)

// Channel errors
var (
	ErrInvalidPayload      = errors.New("invalid provider payload")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrUnknownProvider     = errors.New("unknown payment provider")
)

// EventStatus is the provider status normalized to the engine's vocabulary
type EventStatus string

const (
	EventStatusPending EventStatus = "pending"
	EventStatusPaid    EventStatus = "paid"
	EventStatusFailed  EventStatus = "failed"
)

// PaymentEvent is a provider notification or poll answer translated to TMN
type PaymentEvent struct {
	Provider    models.Provider
	ExternalID  string
	RawAmount   decimal.Decimal
	RawCurrency string
	Amount      int64 // TMN, rounded half-up
	Status      EventStatus
	OccurredAt  time.Time
	Subject     models.PaymentSubject
	Metadata    map[string]any
}

// IsPaid reports whether the provider considers the payment settled
func (e *PaymentEvent) IsPaid() bool {
	return e != nil && e.Status == EventStatusPaid
}

// WebhookPayload carries the raw webhook request
type WebhookPayload struct {
	Body    []byte
	Headers map[string]string
}

// Header returns a header value using a case-insensitive lookup
func (p WebhookPayload) Header(name string) string {
	if v, ok := p.Headers[name]; ok {
		return v
	}
	canonical := http.CanonicalHeaderKey(name)
	if v, ok := p.Headers[canonical]; ok {
		return v
	}
	for k, v := range p.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// PaymentChannel translates one provider's webhooks and status answers into PaymentEvents.
// Implementations never write to storage.
type PaymentChannel interface {
	Provider() models.Provider
	Normalize(ctx context.Context, payload WebhookPayload) (*PaymentEvent, error)
	PollStatus(ctx context.Context, externalID string) (*PaymentEvent, error)
}

// ConfirmingChannel is implemented by channels whose paid webhooks must be
// confirmed with the provider before they are trusted. Parse reads the payload
// without contacting the provider; Confirm settles a paid event's amount.
type ConfirmingChannel interface {
	PaymentChannel
	Parse(payload WebhookPayload) (*PaymentEvent, error)
	Confirm(ctx context.Context, event *PaymentEvent) (*PaymentEvent, error)
}

// InvoiceRequest asks a channel to issue a payable invoice or link
type InvoiceRequest struct {
	OrderID     string
	Amount      decimal.Decimal
	Currency    string
	Description string
	Email       string
}

// Invoice is what an issuer returns for a new payment
type Invoice struct {
	ExternalID string
	PaymentURL string
	Amount     decimal.Decimal
	Currency   string
	ExpiresAt  *time.Time
	Metadata   map[string]any
}

// InvoiceIssuer is implemented by channels that can create invoices on the provider side
type InvoiceIssuer interface {
	CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error)
}

// ChannelRegistry resolves channels by provider tag
type ChannelRegistry struct {
	mu       sync.RWMutex
	channels map[models.Provider]PaymentChannel
}

// NewChannelRegistry creates a registry holding the given channels
func NewChannelRegistry(channels ...PaymentChannel) (*ChannelRegistry, error) {
	r := &ChannelRegistry{channels: make(map[models.Provider]PaymentChannel)}
	for _, ch := range channels {
		if err := r.Register(ch); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a channel; registering the same provider twice is an error
func (r *ChannelRegistry) Register(ch PaymentChannel) error {
	if ch == nil {
		return fmt.Errorf("channel is nil")
	}
	p := ch.Provider()
	if !p.IsValid() {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, p)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.channels[p]; exists {
		return fmt.Errorf("channel %s already registered", p)
	}
	r.channels[p] = ch
	return nil
}

// Get returns the channel for provider
func (r *ChannelRegistry) Get(provider models.Provider) (PaymentChannel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	return ch, nil
}

// Providers lists registered provider tags in a stable order
func (r *ChannelRegistry) Providers() []models.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Provider, 0, len(r.channels))
	for p := range r.channels {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// roundToUnits converts a decimal amount to whole TMN, half away from zero
func roundToUnits(d decimal.Decimal) int64 {
	return d.Round(0).IntPart()
}

// classifyHTTPStatus maps a provider response code to a channel error
func classifyHTTPStatus(provider string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%w: %s returned http %d", ErrProviderUnavailable, provider, status)
	default:
		return fmt.Errorf("%s returned http %d", provider, status)
	}
}
