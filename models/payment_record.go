package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Provider identifies the payment channel that owns a payment record
type Provider string

const (
	ProviderCryptoInvoice Provider = "crypto_invoice" // Oxapay crypto invoices
	ProviderCardGateway   Provider = "card_gateway"   // Atipay bank-card gateway
	ProviderChatMicropay  Provider = "chat_micropay"  // Telegram Stars
	ProviderBankLink      Provider = "bank_link"      // Bank-transfer payment links
)

// AllProviders lists every supported provider tag
var AllProviders = []Provider{
	ProviderCryptoInvoice,
	ProviderCardGateway,
	ProviderChatMicropay,
	ProviderBankLink,
}

// IsValid reports whether p is a known provider tag
func (p Provider) IsValid() bool {
	for _, known := range AllProviders {
		if p == known {
			return true
		}
	}
	return false
}

func (p Provider) String() string {
	return string(p)
}

// PaymentRecordStatus represents the provider-side lifecycle of a payment
type PaymentRecordStatus string

const (
	PaymentRecordStatusPending   PaymentRecordStatus = "pending"   // Invoice issued, awaiting payment
	PaymentRecordStatusPaid      PaymentRecordStatus = "paid"      // Provider reported settlement
	PaymentRecordStatusFailed    PaymentRecordStatus = "failed"    // Provider reported failure
	PaymentRecordStatusExpired   PaymentRecordStatus = "expired"   // Invoice expired unpaid
	PaymentRecordStatusCancelled PaymentRecordStatus = "cancelled" // Cancelled by the user
)

// PaymentSubject describes what a payment is meant to fund
type PaymentSubject string

const (
	PaymentSubjectBalanceTopup        PaymentSubject = "balance_topup"
	PaymentSubjectSubscriptionRenewal PaymentSubject = "subscription_renewal"
)

// PaymentRecord tracks one provider invoice, link or charge.
// TransactionID is set exactly once, by the crediting transaction.
type PaymentRecord struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	UUID       uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:uk_payment_records_uuid" json:"uuid"`
	UserID     uint      `gorm:"not null;index:idx_payment_records_user_id" json:"user_id"`
	User       *User     `gorm:"foreignKey:UserID;references:ID" json:"-"`
	Provider   Provider  `gorm:"type:varchar(32);not null;uniqueIndex:uk_payment_records_provider_external_id,priority:1" json:"provider"`
	ExternalID string    `gorm:"size:255;not null;uniqueIndex:uk_payment_records_provider_external_id,priority:2" json:"external_id"`

	Amount   decimal.Decimal     `gorm:"type:numeric(20,8);not null" json:"amount"` // Amount in the provider's unit
	Currency string              `gorm:"size:16;not null" json:"currency"`
	Subject  PaymentSubject      `gorm:"type:varchar(32);not null;default:'balance_topup'" json:"subject"`
	Status   PaymentRecordStatus `gorm:"type:varchar(20);not null;default:'pending';index:idx_payment_records_status" json:"status"`

	TransactionID *uint        `gorm:"uniqueIndex:uk_payment_records_transaction_id" json:"transaction_id,omitempty"`
	Transaction   *Transaction `gorm:"foreignKey:TransactionID;references:ID" json:"-"`

	Description string          `gorm:"type:text" json:"description"`
	PaymentURL  string          `gorm:"type:text" json:"payment_url,omitempty"`
	Metadata    json.RawMessage `gorm:"type:jsonb;default:'{}'" json:"metadata"`

	CreatedAt    time.Time  `gorm:"autoCreateTime;index:idx_payment_records_created_at" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	PaidAt       *time.Time `json:"paid_at,omitempty"`
	LastPolledAt *time.Time `json:"last_polled_at,omitempty"`
}

func (PaymentRecord) TableName() string {
	return "payment_records"
}

func (p *PaymentRecord) BeforeCreate(tx *gorm.DB) error {
	if p.UUID == uuid.Nil {
		p.UUID = uuid.New()
	}
	if len(p.Metadata) == 0 {
		p.Metadata = json.RawMessage(`{}`)
	}
	return nil
}

// IsCredited returns true once the crediting transaction has linked a ledger entry
func (p *PaymentRecord) IsCredited() bool {
	return p.TransactionID != nil
}

// IsTerminal returns true if the provider will not change the status anymore
func (p *PaymentRecord) IsTerminal() bool {
	switch p.Status {
	case PaymentRecordStatusPaid, PaymentRecordStatusFailed, PaymentRecordStatusExpired, PaymentRecordStatusCancelled:
		return true
	}
	return false
}

// IsPaid returns true if the provider reported settlement
func (p *PaymentRecord) IsPaid() bool {
	return p.Status == PaymentRecordStatusPaid
}

// PaymentRecordFilter represents filter criteria for payment record queries
type PaymentRecordFilter struct {
	ID            *uint                `json:"id,omitempty"`
	UUID          *uuid.UUID           `json:"uuid,omitempty"`
	UserID        *uint                `json:"user_id,omitempty"`
	Provider      *Provider            `json:"provider,omitempty"`
	ExternalID    *string              `json:"external_id,omitempty"`
	Status        *PaymentRecordStatus `json:"status,omitempty"`
	Uncredited    *bool                `json:"uncredited,omitempty"`
	CreatedAfter  *time.Time           `json:"created_after,omitempty"`
	CreatedBefore *time.Time           `json:"created_before,omitempty"`
}
