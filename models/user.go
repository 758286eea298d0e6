// Package models contains domain entities for the payment reconciliation engine
package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User is a chat user holding an internal balance in TMN units
type User struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	UUID       uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:uk_users_uuid" json:"uuid"`
	TelegramID int64     `gorm:"not null;uniqueIndex:uk_users_telegram_id" json:"telegram_id"`
	Username   string    `gorm:"size:255" json:"username"`
	Balance    int64     `gorm:"not null;default:0" json:"balance"`

	// Referral relationship
	ReferrerID                *uint `gorm:"index:idx_users_referrer_id" json:"referrer_id,omitempty"`
	Referrer                  *User `gorm:"foreignKey:ReferrerID;references:ID" json:"-"`
	HasMadeFirstTopup         bool  `gorm:"not null;default:false" json:"has_made_first_topup"`
	ReferralCommissionPercent *int  `json:"referral_commission_percent,omitempty"` // overrides the configured percentage

	CreatedAt time.Time `gorm:"autoCreateTime;index:idx_users_created_at" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (User) TableName() string {
	return "users"
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.UUID == uuid.Nil {
		u.UUID = uuid.New()
	}
	return nil
}

// HasReferrer reports whether the user was invited by another user
func (u *User) HasReferrer() bool {
	return u.ReferrerID != nil && *u.ReferrerID != 0
}

// UserFilter represents filter criteria for user queries
type UserFilter struct {
	ID         *uint
	UUID       *uuid.UUID
	TelegramID *int64
	ReferrerID *uint
}
