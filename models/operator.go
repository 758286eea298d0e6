package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Admin is a human operator allowed to trigger reconciliation sweeps
type Admin struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	UUID         uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:uk_admins_uuid" json:"uuid"`
	Username     string     `gorm:"size:255;not null;uniqueIndex:uk_admins_username" json:"username"`
	PasswordHash string     `gorm:"size:255;not null" json:"-"`
	IsActive     *bool      `gorm:"default:true" json:"is_active"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
}

func (Admin) TableName() string {
	return "admins"
}

func (a *Admin) BeforeCreate(tx *gorm.DB) error {
	if a.UUID == uuid.Nil {
		a.UUID = uuid.New()
	}
	return nil
}

func (a *Admin) IsEnabled() bool {
	return a.IsActive == nil || *a.IsActive
}

// Bot is the chat bot backend; it initiates payments and asks for status checks
// on behalf of users.
type Bot struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	UUID         uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:uk_bots_uuid" json:"uuid"`
	Username     string     `gorm:"size:255;not null;uniqueIndex:uk_bots_username" json:"username"`
	PasswordHash string     `gorm:"size:255;not null" json:"-"`
	IsActive     *bool      `gorm:"default:true" json:"is_active"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
}

func (Bot) TableName() string {
	return "bots"
}

func (b *Bot) BeforeCreate(tx *gorm.DB) error {
	if b.UUID == uuid.Nil {
		b.UUID = uuid.New()
	}
	return nil
}

func (b *Bot) IsEnabled() bool {
	return b.IsActive == nil || *b.IsActive
}

// OperatorFilter represents filter criteria for admin and bot queries
type OperatorFilter struct {
	ID       *uint
	UUID     *uuid.UUID
	Username *string
	IsActive *bool
}
