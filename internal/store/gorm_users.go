package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/wuwenbin0122/chatrelay/internal/models"
)

// GormUsers implements Users on gorm. The connection must be opened with
// TranslateError so unique violations surface as gorm.ErrDuplicatedKey.
type GormUsers struct {
	db *gorm.DB
}

var _ Users = (*GormUsers)(nil)

func NewGormUsers(db *gorm.DB) *GormUsers {
	return &GormUsers{db: db}
}

func (g *GormUsers) CreateUser(ctx context.Context, user *models.User) error {
	if err := g.db.WithContext(ctx).Create(user).Error; err != nil {
		return fmt.Errorf("store: create user: %w", translateGormError(err))
	}
	return nil
}

func (g *GormUsers) GetUser(ctx context.Context, id int64) (*models.User, error) {
	var user models.User
	if err := g.db.WithContext(ctx).First(&user, id).Error; err != nil {
		return nil, fmt.Errorf("store: get user %d: %w", id, translateGormError(err))
	}
	return &user, nil
}

func (g *GormUsers) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	if err := g.db.WithContext(ctx).Where("email = ?", email).First(&user).Error; err != nil {
		return nil, fmt.Errorf("store: get user by email: %w", translateGormError(err))
	}
	return &user, nil
}

func (g *GormUsers) UpdateUser(ctx context.Context, user *models.User) error {
	result := g.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", user.ID).Updates(map[string]interface{}{
		"name":          user.Name,
		"email":         user.Email,
		"password_hash": user.Password,
		"updated_at":    time.Now().UTC(),
	})
	if result.Error != nil {
		return fmt.Errorf("store: update user %d: %w", user.ID, translateGormError(result.Error))
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("store: update user %d: %w", user.ID, ErrNotFound)
	}

	updated, err := g.GetUser(ctx, user.ID)
	if err != nil {
		return err
	}
	*user = *updated
	return nil
}

func (g *GormUsers) DeleteUser(ctx context.Context, id int64) error {
	result := g.db.WithContext(ctx).Delete(&models.User{}, id)
	if result.Error != nil {
		return fmt.Errorf("store: delete user %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("store: delete user %d: %w", id, ErrNotFound)
	}
	return nil
}

func translateGormError(err error) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrEmailTaken
	default:
		return translateError(err)
	}
}
