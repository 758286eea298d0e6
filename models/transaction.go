package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TransactionType represents the type of ledger entry
type TransactionType string

const (
	TransactionTypeDeposit             TransactionType = "deposit"              // Balance topup from a provider payment
	TransactionTypeSubscriptionPayment TransactionType = "subscription_payment" // Spend from balance
	TransactionTypeCommission          TransactionType = "commission"           // Referral bonus or commission
)

// IsCredit reports whether the type increases the balance
func (t TransactionType) IsCredit() bool {
	return t == TransactionTypeDeposit || t == TransactionTypeCommission
}

// Payment methods used for ledger entries that do not come from a provider
const (
	PaymentMethodBalance       = "balance"
	PaymentMethodReferral      = "referral"
	PaymentMethodReferralBonus = "referral_bonus"
)

// Transaction is an append-only ledger entry.
// At most one completed transaction exists per (payment_method, external_id).
type Transaction struct {
	ID     uint            `gorm:"primaryKey;autoIncrement" json:"id"`
	UUID   uuid.UUID       `gorm:"type:uuid;uniqueIndex;not null" json:"uuid"`
	UserID uint            `gorm:"not null;index" json:"user_id"`
	Type   TransactionType `gorm:"type:varchar(32);not null;index" json:"type"`
	Amount int64           `gorm:"not null" json:"amount"` // Amount in Tomans

	// Balance snapshots
	BalanceBefore int64 `gorm:"not null" json:"balance_before"`
	BalanceAfter  int64 `gorm:"not null" json:"balance_after"`

	PaymentMethod string `gorm:"type:varchar(32);not null;index:idx_transactions_method_external,priority:1;uniqueIndex:ux_transactions_completed_external,priority:1,where:is_completed = true" json:"payment_method"`
	ExternalID    string `gorm:"type:varchar(255);not null;index:idx_transactions_method_external,priority:2;uniqueIndex:ux_transactions_completed_external,priority:2,where:is_completed = true" json:"external_id"`
	IsCompleted   bool   `gorm:"not null;default:false" json:"is_completed"`

	Description string          `gorm:"type:text" json:"description"`
	Metadata    json.RawMessage `gorm:"type:jsonb;default:'{}'" json:"metadata"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (Transaction) TableName() string {
	return "transactions"
}

// BeforeCreate ensures UUID is set
func (t *Transaction) BeforeCreate(tx *gorm.DB) error {
	if t.UUID == uuid.Nil {
		t.UUID = uuid.New()
	}
	if len(t.Metadata) == 0 {
		t.Metadata = json.RawMessage(`{}`)
	}
	return nil
}

// TransactionFilter represents filter criteria for transaction queries
type TransactionFilter struct {
	ID            *uint            `json:"id,omitempty"`
	UUID          *uuid.UUID       `json:"uuid,omitempty"`
	UserID        *uint            `json:"user_id,omitempty"`
	Type          *TransactionType `json:"type,omitempty"`
	PaymentMethod *string          `json:"payment_method,omitempty"`
	ExternalID    *string          `json:"external_id,omitempty"`
	IsCompleted   *bool            `json:"is_completed,omitempty"`
	CreatedAfter  *time.Time       `json:"created_after,omitempty"`
	CreatedBefore *time.Time       `json:"created_before,omitempty"`
}
