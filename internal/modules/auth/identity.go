package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mx-space/authgate/internal/models"
	"gorm.io/gorm"
)

// IdentityStore is the user directory the auth core reads roles and emails
// from and writes password hashes and verification timestamps to.
type IdentityStore interface {
	FindByID(ctx context.Context, id string) (*Identity, error)
	FindByEmail(ctx context.Context, email string) (*Identity, error)
	FindByUsername(ctx context.Context, username string) (*Identity, error)
	Create(ctx context.Context, identity *Identity) error
	UpdatePassword(ctx context.Context, id, passwordHash string) error
	MarkEmailVerified(ctx context.Context, id string, at time.Time) error
	TouchLogin(ctx context.Context, id, ip string, at time.Time) error
	SetRole(ctx context.Context, id, role string) error
}

// GormIdentityStore keeps identities in the users table.
type GormIdentityStore struct {
	db *gorm.DB
}

func NewGormIdentityStore(db *gorm.DB) *GormIdentityStore {
	return &GormIdentityStore{db: db}
}

func (s *GormIdentityStore) FindByID(ctx context.Context, id string) (*Identity, error) {
	return s.findOne(ctx, "id = ?", id)
}

func (s *GormIdentityStore) FindByEmail(ctx context.Context, email string) (*Identity, error) {
	return s.findOne(ctx, "email = ?", normalizeEmail(email))
}

func (s *GormIdentityStore) FindByUsername(ctx context.Context, username string) (*Identity, error) {
	return s.findOne(ctx, "username = ?", strings.TrimSpace(username))
}

func (s *GormIdentityStore) findOne(ctx context.Context, query string, arg string) (*Identity, error) {
	if arg == "" {
		return nil, ErrIdentityNotFound
	}
	var u models.UserModel
	if err := s.db.WithContext(ctx).Where(query, arg).First(&u).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrIdentityNotFound
		}
		return nil, unavailable("find identity", err)
	}
	return fromUserModel(&u), nil
}

func (s *GormIdentityStore) Create(ctx context.Context, identity *Identity) error {
	db := s.db.WithContext(ctx)
	var count int64
	if err := db.Model(&models.UserModel{}).
		Where("username = ? OR email = ?", identity.Username, normalizeEmail(identity.Email)).
		Count(&count).Error; err != nil {
		return unavailable("check identity", err)
	}
	if count > 0 {
		return ErrIdentityExists
	}

	u := models.UserModel{
		Username: strings.TrimSpace(identity.Username),
		Name:     strings.TrimSpace(identity.Name),
		Email:    normalizeEmail(identity.Email),
		Role:     identity.Role,
		Password: identity.PasswordHash,
	}
	if err := db.Create(&u).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrIdentityExists
		}
		return unavailable("create identity", err)
	}
	identity.ID = u.ID
	return nil
}

func (s *GormIdentityStore) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	return s.update(ctx, "update password", id, map[string]interface{}{"password": passwordHash})
}

func (s *GormIdentityStore) MarkEmailVerified(ctx context.Context, id string, at time.Time) error {
	return s.update(ctx, "mark email verified", id, map[string]interface{}{"email_verified_at": at})
}

func (s *GormIdentityStore) TouchLogin(ctx context.Context, id, ip string, at time.Time) error {
	return s.update(ctx, "touch login", id, map[string]interface{}{
		"last_login_time": at,
		"last_login_ip":   ip,
	})
}

func (s *GormIdentityStore) SetRole(ctx context.Context, id, role string) error {
	return s.update(ctx, "set role", id, map[string]interface{}{"role": role})
}

func (s *GormIdentityStore) update(ctx context.Context, op, id string, values map[string]interface{}) error {
	res := s.db.WithContext(ctx).Model(&models.UserModel{}).Where("id = ?", id).Updates(values)
	if res.Error != nil {
		return unavailable(op, res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	// MySQL reports zero affected rows when the values did not change.
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.UserModel{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return unavailable(op, err)
	}
	if count == 0 {
		return ErrIdentityNotFound
	}
	return nil
}

func fromUserModel(u *models.UserModel) *Identity {
	return &Identity{
		ID:              u.ID,
		Username:        u.Username,
		Name:            u.Name,
		Email:           u.Email,
		Role:            u.Role,
		PasswordHash:    u.Password,
		EmailVerifiedAt: u.EmailVerifiedAt,
		LastLoginTime:   u.LastLoginTime,
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}
