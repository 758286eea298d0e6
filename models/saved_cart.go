package models

import "time"

// SavedCart is a subscription plan the user picked but could not afford yet
type SavedCart struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	UserID        uint       `gorm:"not null;index:idx_saved_carts_user_id" json:"user_id"`
	PlanName      string     `gorm:"size:255;not null" json:"plan_name"`
	Price         int64      `gorm:"not null" json:"price"`
	DurationDays  int        `gorm:"not null" json:"duration_days"`
	IsPurchased   bool       `gorm:"not null;default:false;index:idx_saved_carts_is_purchased" json:"is_purchased"`
	PurchasedAt   *time.Time `json:"purchased_at,omitempty"`
	TransactionID *uint      `json:"transaction_id,omitempty"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (SavedCart) TableName() string {
	return "saved_carts"
}

type SavedCartFilter struct {
	ID          *uint
	UserID      *uint
	IsPurchased *bool
}
