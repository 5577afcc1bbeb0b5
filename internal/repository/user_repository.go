package repository

import (
	"time"

	"converse_backend/internal/model"

	"gorm.io/gorm"
)

// UserRepository resolves identity refs to local user projections. Identity
// issuance lives in the external auth gateway; this table only mirrors it.
type UserRepository interface {
	GetByID(id uint) (*model.User, error)
	GetByIDs(ids []uint) ([]model.User, error)
	UpdateLastSeen(userID uint) error
}

type userRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db}
}

func (r *userRepository) GetByID(id uint) (*model.User, error) {
	var user model.User
	err := r.db.First(&user, id).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *userRepository) GetByIDs(ids []uint) ([]model.User, error) {
	var users []model.User
	err := r.db.Where("id IN ?", ids).Find(&users).Error
	return users, err
}

func (r *userRepository) UpdateLastSeen(userID uint) error {
	return r.db.Model(&model.User{}).Where("id = ?", userID).Update("last_seen", time.Now()).Error
}
