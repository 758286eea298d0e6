package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/amirphl/Kusanagi/models"
	"gorm.io/gorm"
)

// PaymentRecordRepositoryImpl implements PaymentRecordRepository interface
type PaymentRecordRepositoryImpl struct {
	*BaseRepository[models.PaymentRecord, models.PaymentRecordFilter]
}

// NewPaymentRecordRepository creates a new payment record repository
func NewPaymentRecordRepository(db *gorm.DB) PaymentRecordRepository {
	return &PaymentRecordRepositoryImpl{
		BaseRepository: NewBaseRepository[models.PaymentRecord, models.PaymentRecordFilter](db),
	}
}

// ByUUID retrieves a payment record by UUID
func (r *PaymentRecordRepositoryImpl) ByUUID(ctx context.Context, uuid string) (*models.PaymentRecord, error) {
	db := r.getDB(ctx)
	var record models.PaymentRecord
	err := db.Where("uuid = ?", uuid).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// ByProviderAndExternalID is the ledger lookup gate
func (r *PaymentRecordRepositoryImpl) ByProviderAndExternalID(ctx context.Context, provider models.Provider, externalID string) (*models.PaymentRecord, error) {
	db := r.getDB(ctx)
	var record models.PaymentRecord
	err := db.Where("provider = ? AND external_id = ?", provider, externalID).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func (r *PaymentRecordRepositoryImpl) LockByID(ctx context.Context, id uint) (*models.PaymentRecord, error) {
	db := lockForUpdate(r.getDB(ctx))
	var record models.PaymentRecord
	err := db.Where("id = ?", id).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to lock payment record %d: %w", id, err)
	}
	return &record, nil
}

func (r *PaymentRecordRepositoryImpl) UpdateStatus(ctx context.Context, id uint, status models.PaymentRecordStatus, paidAt *time.Time) error {
	updates := map[string]any{"status": status}
	if paidAt != nil {
		updates["paid_at"] = gorm.Expr("COALESCE(paid_at, ?)", *paidAt)
	}

	query := r.getDB(ctx).Model(&models.PaymentRecord{}).Where("id = ?", id)
	if status != models.PaymentRecordStatusPaid {
		query = query.Where("status <> ?", models.PaymentRecordStatusPaid)
	}
	if err := query.Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to update status of payment record %d: %w", id, err)
	}
	return nil
}

func (r *PaymentRecordRepositoryImpl) AttachTransaction(ctx context.Context, id uint, transactionID uint) (bool, error) {
	res := r.getDB(ctx).Model(&models.PaymentRecord{}).
		Where("id = ? AND transaction_id IS NULL", id).
		Update("transaction_id", transactionID)
	if res.Error != nil {
		return false, fmt.Errorf("failed to attach transaction to payment record %d: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// MergeMetadata adds keys to the record's metadata, overwriting existing ones.
// The read and the write happen under the record's row lock.
func (r *PaymentRecordRepositoryImpl) MergeMetadata(ctx context.Context, id uint, metadata map[string]any) error {
	if len(metadata) == 0 {
		return nil
	}

	return WithTransaction(ctx, r.DB, func(txCtx context.Context) error {
		db := r.getDB(txCtx)

		var record models.PaymentRecord
		if err := lockForUpdate(db).Select("id", "metadata").Where("id = ?", id).Take(&record).Error; err != nil {
			return fmt.Errorf("failed to load metadata of payment record %d: %w", id, err)
		}

		merged := map[string]any{}
		if len(record.Metadata) > 0 {
			if err := json.Unmarshal(record.Metadata, &merged); err != nil {
				merged = map[string]any{}
			}
		}
		for k, v := range metadata {
			merged[k] = v
		}
		raw, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}

		if err := db.Model(&models.PaymentRecord{}).Where("id = ?", id).Update("metadata", json.RawMessage(raw)).Error; err != nil {
			return fmt.Errorf("failed to update metadata of payment record %d: %w", id, err)
		}
		return nil
	})
}

func (r *PaymentRecordRepositoryImpl) TouchPolled(ctx context.Context, id uint, at time.Time) error {
	return r.getDB(ctx).Model(&models.PaymentRecord{}).Where("id = ?", id).Update("last_polled_at", at).Error
}

// ListStale returns records that still need reconciliation: pending ones,
// and paid ones that never got a ledger entry. Records never polled come
// first, then the ones polled longest ago; anything polled at or after
// polledBefore waits for a later sweep.
func (r *PaymentRecordRepositoryImpl) ListStale(ctx context.Context, createdBefore, polledBefore time.Time, limit int) ([]*models.PaymentRecord, error) {
	query := r.getDB(ctx).Model(&models.PaymentRecord{}).
		Where("transaction_id IS NULL").
		Where("status IN ?", []models.PaymentRecordStatus{models.PaymentRecordStatusPending, models.PaymentRecordStatusPaid}).
		Where("created_at < ?", createdBefore).
		Where("last_polled_at IS NULL OR last_polled_at < ?", polledBefore)
	query = paginate(query, "last_polled_at IS NOT NULL, last_polled_at ASC, id ASC", limit, 0)

	var records []*models.PaymentRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list stale payment records: %w", err)
	}
	return records, nil
}

func (r *PaymentRecordRepositoryImpl) applyFilter(query *gorm.DB, filter models.PaymentRecordFilter) *gorm.DB {
	if filter.ID != nil {
		query = query.Where("id = ?", *filter.ID)
	}
	if filter.UUID != nil {
		query = query.Where("uuid = ?", *filter.UUID)
	}
	if filter.UserID != nil {
		query = query.Where("user_id = ?", *filter.UserID)
	}
	if filter.Provider != nil {
		query = query.Where("provider = ?", *filter.Provider)
	}
	if filter.ExternalID != nil {
		query = query.Where("external_id = ?", *filter.ExternalID)
	}
	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}
	if filter.Uncredited != nil {
		if *filter.Uncredited {
			query = query.Where("transaction_id IS NULL")
		} else {
			query = query.Where("transaction_id IS NOT NULL")
		}
	}
	if filter.CreatedAfter != nil {
		query = query.Where("created_at > ?", *filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		query = query.Where("created_at < ?", *filter.CreatedBefore)
	}
	return query
}

func (r *PaymentRecordRepositoryImpl) ByFilter(ctx context.Context, filter models.PaymentRecordFilter, orderBy string, limit, offset int) ([]*models.PaymentRecord, error) {
	query := r.applyFilter(r.getDB(ctx).Model(&models.PaymentRecord{}), filter)
	query = paginate(query, orderBy, limit, offset)

	var records []*models.PaymentRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func (r *PaymentRecordRepositoryImpl) Count(ctx context.Context, filter models.PaymentRecordFilter) (int64, error) {
	var count int64
	err := r.applyFilter(r.getDB(ctx).Model(&models.PaymentRecord{}), filter).Count(&count).Error
	return count, err
}

func (r *PaymentRecordRepositoryImpl) Exists(ctx context.Context, filter models.PaymentRecordFilter) (bool, error) {
	count, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
