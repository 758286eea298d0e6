package repository

import (
	"context"

	"github.com/amirphl/Kusanagi/models"
	"gorm.io/gorm"
)

type ReferralEarningRepositoryImpl struct {
	*BaseRepository[models.ReferralEarning, models.ReferralEarningFilter]
}

func NewReferralEarningRepository(db *gorm.DB) ReferralEarningRepository {
	return &ReferralEarningRepositoryImpl{
		BaseRepository: NewBaseRepository[models.ReferralEarning, models.ReferralEarningFilter](db),
	}
}

// TotalByReferrer sums everything a referrer has earned
func (r *ReferralEarningRepositoryImpl) TotalByReferrer(ctx context.Context, referrerID uint) (int64, error) {
	var total int64
	err := r.getDB(ctx).Model(&models.ReferralEarning{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("referrer_user_id = ?", referrerID).
		Scan(&total).Error
	return total, err
}

func (r *ReferralEarningRepositoryImpl) applyFilter(query *gorm.DB, filter models.ReferralEarningFilter) *gorm.DB {
	if filter.ID != nil {
		query = query.Where("id = ?", *filter.ID)
	}
	if filter.ReferrerUserID != nil {
		query = query.Where("referrer_user_id = ?", *filter.ReferrerUserID)
	}
	if filter.ReferralUserID != nil {
		query = query.Where("referral_user_id = ?", *filter.ReferralUserID)
	}
	if filter.Reason != nil {
		query = query.Where("reason = ?", *filter.Reason)
	}
	if filter.RelatedTransactionID != nil {
		query = query.Where("related_transaction_id = ?", *filter.RelatedTransactionID)
	}
	return query
}

func (r *ReferralEarningRepositoryImpl) ByFilter(ctx context.Context, filter models.ReferralEarningFilter, orderBy string, limit, offset int) ([]*models.ReferralEarning, error) {
	query := paginate(r.applyFilter(r.getDB(ctx).Model(&models.ReferralEarning{}), filter), orderBy, limit, offset)

	var earnings []*models.ReferralEarning
	if err := query.Find(&earnings).Error; err != nil {
		return nil, err
	}
	return earnings, nil
}

func (r *ReferralEarningRepositoryImpl) Count(ctx context.Context, filter models.ReferralEarningFilter) (int64, error) {
	var count int64
	err := r.applyFilter(r.getDB(ctx).Model(&models.ReferralEarning{}), filter).Count(&count).Error
	return count, err
}

func (r *ReferralEarningRepositoryImpl) Exists(ctx context.Context, filter models.ReferralEarningFilter) (bool, error) {
	count, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
