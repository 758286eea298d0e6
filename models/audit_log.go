package models

import (
	"encoding/json"
	"time"
)

type AuditLog struct {
	ID           uint            `gorm:"primaryKey" json:"id"`
	UserID       *uint           `gorm:"index:idx_audit_user_id" json:"user_id,omitempty"`
	Action       string          `gorm:"size:64;not null;index:idx_audit_action" json:"action"`
	Description  *string         `gorm:"type:text" json:"description,omitempty"`
	IPAddress    *string         `gorm:"size:64" json:"ip_address,omitempty"`
	UserAgent    *string         `gorm:"type:text" json:"user_agent,omitempty"`
	RequestID    *string         `gorm:"size:255;index:idx_audit_request_id" json:"request_id,omitempty"`
	Metadata     json.RawMessage `gorm:"type:jsonb" json:"metadata,omitempty"`
	Success      *bool           `gorm:"default:true;index:idx_audit_success" json:"success"`
	ErrorMessage *string         `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt    time.Time       `gorm:"autoCreateTime;index:idx_audit_created_at" json:"created_at"`
}

func (AuditLog) TableName() string {
	return "audit_log"
}

// Audit action constants
const (
	AuditActionWebhookReceived      = "webhook_received"
	AuditActionWebhookRejected      = "webhook_rejected"
	AuditActionPaymentInitiated     = "payment_initiated"
	AuditActionPaymentPolled        = "payment_polled"
	AuditActionPaymentPollFailed    = "payment_poll_failed"
	AuditActionPaymentCredited      = "payment_credited"
	AuditActionPaymentCreditDup     = "payment_credit_duplicate"
	AuditActionPaymentCreditFailed  = "payment_credit_failed"
	AuditActionPaymentExpired       = "payment_expired"
	AuditActionReferralPaid         = "referral_paid"
	AuditActionReferralFailed       = "referral_failed"
	AuditActionEffectFailed         = "effect_failed"
	AuditActionAutoPurchaseComplete = "auto_purchase_completed"
	AuditActionLoginSuccess         = "login_success"
	AuditActionLoginFailed          = "login_failed"
)

// AuditLogFilter represents filter criteria for audit log queries
type AuditLogFilter struct {
	ID            *uint
	UserID        *uint
	Action        *string
	Success       *bool
	RequestID     *string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
}

func (a *AuditLog) IsFailed() bool {
	return a.Success != nil && !*a.Success
}
