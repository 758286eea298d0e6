package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/amirphl/Kusanagi/models"
	"gorm.io/gorm"
)

// UserRepositoryImpl implements UserRepository interface
type UserRepositoryImpl struct {
	*BaseRepository[models.User, models.UserFilter]
}

// NewUserRepository creates a new user repository
func NewUserRepository(db *gorm.DB) UserRepository {
	return &UserRepositoryImpl{
		BaseRepository: NewBaseRepository[models.User, models.UserFilter](db),
	}
}

// ByTelegramID retrieves a user by chat id
func (r *UserRepositoryImpl) ByTelegramID(ctx context.Context, telegramID int64) (*models.User, error) {
	users, err := r.ByFilter(ctx, models.UserFilter{TelegramID: &telegramID}, "", 1, 0)
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, nil
	}
	return users[0], nil
}

func (r *UserRepositoryImpl) LockByID(ctx context.Context, id uint) (*models.User, error) {
	db := lockForUpdate(r.getDB(ctx))

	var user models.User
	err := db.Where("id = ?", id).Take(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to lock user %d: %w", id, err)
	}
	return &user, nil
}

// IncrementBalance adds delta (which may be negative) to the user's balance
func (r *UserRepositoryImpl) IncrementBalance(ctx context.Context, id uint, delta int64) error {
	db := r.getDB(ctx)
	res := db.Model(&models.User{}).
		Where("id = ?", id).
		Update("balance", gorm.Expr("balance + ?", delta))
	if res.Error != nil {
		return fmt.Errorf("failed to update balance of user %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("failed to update balance of user %d: %w", id, gorm.ErrRecordNotFound)
	}
	return nil
}

func (r *UserRepositoryImpl) ClaimFirstTopup(ctx context.Context, id uint) (bool, error) {
	db := r.getDB(ctx)
	res := db.Model(&models.User{}).
		Where("id = ? AND has_made_first_topup = ?", id, false).
		Update("has_made_first_topup", true)
	if res.Error != nil {
		return false, fmt.Errorf("failed to claim first topup of user %d: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *UserRepositoryImpl) applyFilter(query *gorm.DB, filter models.UserFilter) *gorm.DB {
	if filter.ID != nil {
		query = query.Where("id = ?", *filter.ID)
	}
	if filter.UUID != nil {
		query = query.Where("uuid = ?", *filter.UUID)
	}
	if filter.TelegramID != nil {
		query = query.Where("telegram_id = ?", *filter.TelegramID)
	}
	if filter.ReferrerID != nil {
		query = query.Where("referrer_id = ?", *filter.ReferrerID)
	}
	return query
}

// ByFilter retrieves users based on filter criteria
func (r *UserRepositoryImpl) ByFilter(ctx context.Context, filter models.UserFilter, orderBy string, limit, offset int) ([]*models.User, error) {
	query := r.applyFilter(r.getDB(ctx).Model(&models.User{}), filter)
	query = paginate(query, orderBy, limit, offset)

	var users []*models.User
	if err := query.Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

func (r *UserRepositoryImpl) Count(ctx context.Context, filter models.UserFilter) (int64, error) {
	var count int64
	err := r.applyFilter(r.getDB(ctx).Model(&models.User{}), filter).Count(&count).Error
	return count, err
}

func (r *UserRepositoryImpl) Exists(ctx context.Context, filter models.UserFilter) (bool, error) {
	count, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
