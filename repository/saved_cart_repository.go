package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/amirphl/Kusanagi/models"
	"gorm.io/gorm"
)

type SavedCartRepositoryImpl struct {
	*BaseRepository[models.SavedCart, models.SavedCartFilter]
}

func NewSavedCartRepository(db *gorm.DB) SavedCartRepository {
	return &SavedCartRepositoryImpl{
		BaseRepository: NewBaseRepository[models.SavedCart, models.SavedCartFilter](db),
	}
}

// LatestUnpurchased returns the most recent cart the user has not paid for yet
func (r *SavedCartRepositoryImpl) LatestUnpurchased(ctx context.Context, userID uint) (*models.SavedCart, error) {
	var cart models.SavedCart
	err := r.getDB(ctx).
		Where("user_id = ? AND is_purchased = ?", userID, false).
		Order("id DESC").
		Take(&cart).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &cart, nil
}

func (r *SavedCartRepositoryImpl) MarkPurchased(ctx context.Context, id uint, transactionID uint, at time.Time) (bool, error) {
	res := r.getDB(ctx).Model(&models.SavedCart{}).
		Where("id = ? AND is_purchased = ?", id, false).
		Updates(map[string]any{
			"is_purchased":   true,
			"purchased_at":   at,
			"transaction_id": transactionID,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to mark cart %d purchased: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *SavedCartRepositoryImpl) applyFilter(query *gorm.DB, filter models.SavedCartFilter) *gorm.DB {
	if filter.ID != nil {
		query = query.Where("id = ?", *filter.ID)
	}
	if filter.UserID != nil {
		query = query.Where("user_id = ?", *filter.UserID)
	}
	if filter.IsPurchased != nil {
		query = query.Where("is_purchased = ?", *filter.IsPurchased)
	}
	return query
}

func (r *SavedCartRepositoryImpl) ByFilter(ctx context.Context, filter models.SavedCartFilter, orderBy string, limit, offset int) ([]*models.SavedCart, error) {
	query := paginate(r.applyFilter(r.getDB(ctx).Model(&models.SavedCart{}), filter), orderBy, limit, offset)

	var carts []*models.SavedCart
	if err := query.Find(&carts).Error; err != nil {
		return nil, err
	}
	return carts, nil
}

func (r *SavedCartRepositoryImpl) Count(ctx context.Context, filter models.SavedCartFilter) (int64, error) {
	var count int64
	err := r.applyFilter(r.getDB(ctx).Model(&models.SavedCart{}), filter).Count(&count).Error
	return count, err
}

func (r *SavedCartRepositoryImpl) Exists(ctx context.Context, filter models.SavedCartFilter) (bool, error) {
	count, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
