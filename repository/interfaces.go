package repository

import (
	"context"
	"time"

	"github.com/amirphl/Kusanagi/models"
)

// RepositoryContext key for transaction in context
type contextKey string

const TxContextKey contextKey = "tx"

type Repository[T any, F any] interface {
	ByID(ctx context.Context, id uint) (*T, error)
	ByFilter(ctx context.Context, filter F, orderBy string, limit, offset int) ([]*T, error)
	Save(ctx context.Context, entity *T) error
	SaveBatch(ctx context.Context, entities []*T) error
	Count(ctx context.Context, filter F) (int64, error)
	Exists(ctx context.Context, filter F) (bool, error)
}

// UserRepository defines operations for users and their balances
type UserRepository interface {
	Repository[models.User, models.UserFilter]
	ByTelegramID(ctx context.Context, telegramID int64) (*models.User, error)
	// LockByID re-reads the user holding a row lock; must run inside WithTransaction
	LockByID(ctx context.Context, id uint) (*models.User, error)
	IncrementBalance(ctx context.Context, id uint, delta int64) error
	// ClaimFirstTopup flips has_made_first_topup and reports whether this call did it
	ClaimFirstTopup(ctx context.Context, id uint) (bool, error)
}

// PaymentRecordRepository defines operations for provider payment records
type PaymentRecordRepository interface {
	Repository[models.PaymentRecord, models.PaymentRecordFilter]
	ByUUID(ctx context.Context, uuid string) (*models.PaymentRecord, error)
	ByProviderAndExternalID(ctx context.Context, provider models.Provider, externalID string) (*models.PaymentRecord, error)
	LockByID(ctx context.Context, id uint) (*models.PaymentRecord, error)
	// UpdateStatus never moves a paid record to another status
	UpdateStatus(ctx context.Context, id uint, status models.PaymentRecordStatus, paidAt *time.Time) error
	// AttachTransaction sets transaction_id only if it is still NULL
	AttachTransaction(ctx context.Context, id uint, transactionID uint) (bool, error)
	MergeMetadata(ctx context.Context, id uint, metadata map[string]any) error
	TouchPolled(ctx context.Context, id uint, at time.Time) error
	// ListStale orders never-polled records first, then by last_polled_at
	ListStale(ctx context.Context, createdBefore, polledBefore time.Time, limit int) ([]*models.PaymentRecord, error)
}

// TransactionRepository defines operations for ledger entries
type TransactionRepository interface {
	Repository[models.Transaction, models.TransactionFilter]
	ByUUID(ctx context.Context, uuid string) (*models.Transaction, error)
	CompletedByExternalID(ctx context.Context, paymentMethod, externalID string) (*models.Transaction, error)
	SumCompletedByUser(ctx context.Context, userID uint) (int64, error)
}

// ReferralEarningRepository defines operations for referral earnings
type ReferralEarningRepository interface {
	Repository[models.ReferralEarning, models.ReferralEarningFilter]
	TotalByReferrer(ctx context.Context, referrerID uint) (int64, error)
}

// SavedCartRepository defines operations for saved carts
type SavedCartRepository interface {
	Repository[models.SavedCart, models.SavedCartFilter]
	LatestUnpurchased(ctx context.Context, userID uint) (*models.SavedCart, error)
	MarkPurchased(ctx context.Context, id uint, transactionID uint, at time.Time) (bool, error)
}

// AuditLogRepository defines operations for audit logs
type AuditLogRepository interface {
	Repository[models.AuditLog, models.AuditLogFilter]
	ListByUser(ctx context.Context, userID uint, limit, offset int) ([]*models.AuditLog, error)
	ListByAction(ctx context.Context, action string, limit, offset int) ([]*models.AuditLog, error)
}

// AdminRepository defines operations for admins
type AdminRepository interface {
	Repository[models.Admin, models.OperatorFilter]
	ByUsername(ctx context.Context, username string) (*models.Admin, error)
	UpdateLastLogin(ctx context.Context, id uint, at time.Time) error
}

// BotRepository defines operations for bots
type BotRepository interface {
	Repository[models.Bot, models.OperatorFilter]
	ByUsername(ctx context.Context, username string) (*models.Bot, error)
	UpdateLastLogin(ctx context.Context, id uint, at time.Time) error
}
