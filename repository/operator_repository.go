package repository

import (
	"context"
	"time"

	"github.com/amirphl/Kusanagi/models"
	"gorm.io/gorm"
)

// operatorRepository holds the queries shared by admins and bots
type operatorRepository[T any] struct {
	*BaseRepository[T, models.OperatorFilter]
}

func (r *operatorRepository[T]) applyFilter(query *gorm.DB, filter models.OperatorFilter) *gorm.DB {
	if filter.ID != nil {
		query = query.Where("id = ?", *filter.ID)
	}
	if filter.UUID != nil {
		query = query.Where("uuid = ?", *filter.UUID)
	}
	if filter.Username != nil {
		query = query.Where("username = ?", *filter.Username)
	}
	if filter.IsActive != nil {
		query = query.Where("is_active = ?", *filter.IsActive)
	}
	return query
}

func (r *operatorRepository[T]) ByFilter(ctx context.Context, filter models.OperatorFilter, orderBy string, limit, offset int) ([]*T, error) {
	var model T
	query := paginate(r.applyFilter(r.getDB(ctx).Model(&model), filter), orderBy, limit, offset)

	var rows []*T
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *operatorRepository[T]) Count(ctx context.Context, filter models.OperatorFilter) (int64, error) {
	var model T
	var count int64
	err := r.applyFilter(r.getDB(ctx).Model(&model), filter).Count(&count).Error
	return count, err
}

func (r *operatorRepository[T]) Exists(ctx context.Context, filter models.OperatorFilter) (bool, error) {
	count, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *operatorRepository[T]) ByUsername(ctx context.Context, username string) (*T, error) {
	rows, err := r.ByFilter(ctx, models.OperatorFilter{Username: &username}, "", 1, 0)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

func (r *operatorRepository[T]) UpdateLastLogin(ctx context.Context, id uint, at time.Time) error {
	var model T
	return r.getDB(ctx).Model(&model).Where("id = ?", id).Update("last_login_at", at).Error
}

// AdminRepositoryImpl implements AdminRepository interface
type AdminRepositoryImpl struct {
	*operatorRepository[models.Admin]
}

// NewAdminRepository creates a new admin repository
func NewAdminRepository(db *gorm.DB) AdminRepository {
	return &AdminRepositoryImpl{
		operatorRepository: &operatorRepository[models.Admin]{
			BaseRepository: NewBaseRepository[models.Admin, models.OperatorFilter](db),
		},
	}
}

// BotRepositoryImpl implements BotRepository interface
type BotRepositoryImpl struct {
	*operatorRepository[models.Bot]
}

// NewBotRepository creates a new bot repository
func NewBotRepository(db *gorm.DB) BotRepository {
	return &BotRepositoryImpl{
		operatorRepository: &operatorRepository[models.Bot]{
			BaseRepository: NewBaseRepository[models.Bot, models.OperatorFilter](db),
		},
	}
}
