package models

import "time"

// ReferralReason explains why a referrer was paid
type ReferralReason string

const (
	ReferralReasonFirstTopupBonus   ReferralReason = "first_topup_bonus"
	ReferralReasonOngoingCommission ReferralReason = "ongoing_commission"
)

// ReferralEarning records one payout to a referrer; created only by the referral cascade
type ReferralEarning struct {
	ID                      uint           `gorm:"primaryKey" json:"id"`
	ReferrerUserID          uint           `gorm:"not null;index:idx_referral_earnings_referrer" json:"referrer_user_id"`
	ReferralUserID          uint           `gorm:"not null;index:idx_referral_earnings_referral" json:"referral_user_id"`
	Amount                  int64          `gorm:"not null" json:"amount"`
	Reason                  ReferralReason `gorm:"type:varchar(32);not null" json:"reason"`
	RelatedTransactionID    uint           `gorm:"not null;index" json:"related_transaction_id"`
	CommissionTransactionID uint           `gorm:"not null;uniqueIndex:uk_referral_earnings_commission_tx" json:"commission_transaction_id"`
	CreatedAt               time.Time      `gorm:"autoCreateTime" json:"created_at"`
}

func (ReferralEarning) TableName() string {
	return "referral_earnings"
}

// ReferralEarningFilter represents filter criteria for referral earning queries
type ReferralEarningFilter struct {
	ID                   *uint
	ReferrerUserID       *uint
	ReferralUserID       *uint
	Reason               *ReferralReason
	RelatedTransactionID *uint
}
