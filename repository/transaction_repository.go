package repository

import (
	"context"
	"errors"

	"github.com/amirphl/Kusanagi/models"
	"gorm.io/gorm"
)

// TransactionRepositoryImpl implements TransactionRepository interface
type TransactionRepositoryImpl struct {
	*BaseRepository[models.Transaction, models.TransactionFilter]
}

// NewTransactionRepository creates a new transaction repository
func NewTransactionRepository(db *gorm.DB) TransactionRepository {
	return &TransactionRepositoryImpl{
		BaseRepository: NewBaseRepository[models.Transaction, models.TransactionFilter](db),
	}
}

// ByUUID finds a transaction by UUID
func (r *TransactionRepositoryImpl) ByUUID(ctx context.Context, uuid string) (*models.Transaction, error) {
	db := r.getDB(ctx)
	var transaction models.Transaction
	err := db.Where("uuid = ?", uuid).Last(&transaction).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &transaction, nil
}

// CompletedByExternalID returns the completed ledger entry for a payment, if any
func (r *TransactionRepositoryImpl) CompletedByExternalID(ctx context.Context, paymentMethod, externalID string) (*models.Transaction, error) {
	db := r.getDB(ctx)
	var transaction models.Transaction
	err := db.Where("payment_method = ? AND external_id = ? AND is_completed = ?", paymentMethod, externalID, true).
		Take(&transaction).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &transaction, nil
}

// SumCompletedByUser returns credits minus spends over completed entries
func (r *TransactionRepositoryImpl) SumCompletedByUser(ctx context.Context, userID uint) (int64, error) {
	db := r.getDB(ctx)
	var sum struct {
		Credits int64
		Debits  int64
	}
	err := db.Model(&models.Transaction{}).
		Select(
			"COALESCE(SUM(CASE WHEN type IN ? THEN amount ELSE 0 END), 0) AS credits, "+
				"COALESCE(SUM(CASE WHEN type = ? THEN amount ELSE 0 END), 0) AS debits",
			[]models.TransactionType{models.TransactionTypeDeposit, models.TransactionTypeCommission},
			models.TransactionTypeSubscriptionPayment,
		).
		Where("user_id = ? AND is_completed = ?", userID, true).
		Scan(&sum).Error
	if err != nil {
		return 0, err
	}
	return sum.Credits - sum.Debits, nil
}

func (r *TransactionRepositoryImpl) applyFilter(query *gorm.DB, filter models.TransactionFilter) *gorm.DB {
	if filter.ID != nil {
		query = query.Where("id = ?", *filter.ID)
	}
	if filter.UUID != nil {
		query = query.Where("uuid = ?", *filter.UUID)
	}
	if filter.UserID != nil {
		query = query.Where("user_id = ?", *filter.UserID)
	}
	if filter.Type != nil {
		query = query.Where("type = ?", *filter.Type)
	}
	if filter.PaymentMethod != nil {
		query = query.Where("payment_method = ?", *filter.PaymentMethod)
	}
	if filter.ExternalID != nil {
		query = query.Where("external_id = ?", *filter.ExternalID)
	}
	if filter.IsCompleted != nil {
		query = query.Where("is_completed = ?", *filter.IsCompleted)
	}
	if filter.CreatedAfter != nil {
		query = query.Where("created_at > ?", *filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		query = query.Where("created_at < ?", *filter.CreatedBefore)
	}
	return query
}

// ByFilter retrieves transactions based on filter criteria
func (r *TransactionRepositoryImpl) ByFilter(ctx context.Context, filter models.TransactionFilter, orderBy string, limit, offset int) ([]*models.Transaction, error) {
	query := r.applyFilter(r.getDB(ctx).Model(&models.Transaction{}), filter)
	query = paginate(query, orderBy, limit, offset)

	var transactions []*models.Transaction
	if err := query.Find(&transactions).Error; err != nil {
		return nil, err
	}
	return transactions, nil
}

// Count returns the number of transactions matching the filter
func (r *TransactionRepositoryImpl) Count(ctx context.Context, filter models.TransactionFilter) (int64, error) {
	var count int64
	err := r.applyFilter(r.getDB(ctx).Model(&models.Transaction{}), filter).Count(&count).Error
	return count, err
}

// Exists checks if any transaction matching the filter exists
func (r *TransactionRepositoryImpl) Exists(ctx context.Context, filter models.TransactionFilter) (bool, error) {
	count, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
