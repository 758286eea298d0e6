// Package dto contains Data Transfer Objects for API request and response structures
package dto

// InitiatePaymentRequest asks the engine to track a new payment for a chat user.
// Without external_id the provider is asked to issue an invoice.
type InitiatePaymentRequest struct {
	TelegramID  int64  `json:"telegram_id" validate:"required,gt=0" example:"123456789"`
	Provider    string `json:"provider" validate:"required,oneof=crypto_invoice card_gateway chat_micropay bank_link" example:"crypto_invoice"`
	Amount      string `json:"amount" validate:"required,decimal_amount" example:"950000"`
	Currency    string `json:"currency,omitempty" validate:"omitempty,max=16" example:"TMN"`
	ExternalID  string `json:"external_id,omitempty" validate:"omitempty,max=255" example:"trk-1"`
	PaymentURL  string `json:"payment_url,omitempty" validate:"omitempty,url" example:"https://pay.example/trk-1"`
	Subject     string `json:"subject,omitempty" validate:"omitempty,oneof=balance_topup subscription_renewal" example:"balance_topup"`
	Description string `json:"description,omitempty" validate:"omitempty,max=500" example:"Balance topup"`
	Email       string `json:"email,omitempty" validate:"omitempty,email" example:"user@example.com"`
}

// InitiatePaymentResponse describes the tracked payment
type InitiatePaymentResponse struct {
	UUID       string  `json:"uuid" example:"f47ac10b-58cc-4372-a567-0e02b2c3d479"`
	Provider   string  `json:"provider" example:"crypto_invoice"`
	ExternalID string  `json:"external_id" example:"trk-1"`
	Amount     string  `json:"amount" example:"10"`
	Currency   string  `json:"currency" example:"USDT"`
	PaymentURL string  `json:"payment_url,omitempty" example:"https://pay.example/trk-1"`
	Status     string  `json:"status" example:"pending"`
	ExpiresAt  *string `json:"expires_at,omitempty" example:"2024-01-15T10:30:00Z"`
	CreatedAt  string  `json:"created_at" example:"2024-01-15T10:30:00Z"`
}

// PaymentStatusResponse is the result of a manual status check
type PaymentStatusResponse struct {
	Provider       string  `json:"provider" example:"crypto_invoice"`
	ExternalID     string  `json:"external_id" example:"trk-1"`
	Status         string  `json:"status" example:"paid"`
	IsPaid         bool    `json:"is_paid" example:"true"`
	Credited       bool    `json:"credited" example:"true"`
	CreditedAmount int64   `json:"credited_amount,omitempty" example:"950"`
	PaidAt         *string `json:"paid_at,omitempty" example:"2024-01-15T10:30:00Z"`
}

// ReconcileResponse reports the counters of one sweep
type ReconcileResponse struct {
	Scanned         int    `json:"scanned" example:"12"`
	Credited        int    `json:"credited" example:"2"`
	AlreadyCredited int    `json:"already_credited" example:"1"`
	Pending         int    `json:"pending" example:"6"`
	Failed          int    `json:"failed" example:"1"`
	Expired         int    `json:"expired" example:"3"`
	Unavailable     int    `json:"unavailable" example:"1"`
	Skipped         int    `json:"skipped" example:"0"`
	Errors          int    `json:"errors" example:"1"`
	Duration        string `json:"duration" example:"1.2s"`
}
