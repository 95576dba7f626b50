package session

import (
	"context"
	"errors"
	"time"

	"github.com/mx-space/authgate/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore persists sessions in the refresh_sessions table.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Create(ctx context.Context, rec *models.RefreshSession) error {
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return storeError("create", err)
	}
	return nil
}

func (s *GormStore) Find(ctx context.Context, id string) (*models.RefreshSession, error) {
	var rec models.RefreshSession
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, storeError("find", err)
	}
	return &rec, nil
}

// Take locks the row, deletes it and reports the deleted record. The delete's
// RowsAffected is the compare-and-delete: a concurrent taker that read the same
// row before the lock was granted sees zero affected rows and loses.
func (s *GormStore) Take(ctx context.Context, id string) (*models.RefreshSession, error) {
	var taken *models.RefreshSession
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec models.RefreshSession
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", id).
			Take(&rec).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}

		res := tx.Where("id = ?", id).Delete(&models.RefreshSession{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			taken = &rec
		}
		return nil
	})
	if err != nil {
		return nil, storeError("take", err)
	}
	return taken, nil
}

func (s *GormStore) MarkConsumed(ctx context.Context, id string, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.RefreshSession{}).
		Where("id = ? AND consumed_at IS NULL", id).
		Update("consumed_at", at)
	if res.Error != nil {
		return false, storeError("consume", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *GormStore) Delete(ctx context.Context, id string) (bool, error) {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&models.RefreshSession{})
	if res.Error != nil {
		return false, storeError("delete", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *GormStore) DeleteBySubject(ctx context.Context, subjectID string) (int64, error) {
	res := s.db.WithContext(ctx).Where("subject_id = ?", subjectID).Delete(&models.RefreshSession{})
	if res.Error != nil {
		return 0, storeError("delete by subject", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *GormStore) DeleteAll(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.RefreshSession{})
	if res.Error != nil {
		return 0, storeError("delete all", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *GormStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("expires_at <= ? OR consumed_at IS NOT NULL", now).
		Delete(&models.RefreshSession{})
	if res.Error != nil {
		return 0, storeError("delete expired", res.Error)
	}
	return res.RowsAffected, nil
}
