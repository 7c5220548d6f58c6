package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/leynos/wildside-sub000/pkg/core"
)

// SavePlan upserts a plan keyed by fingerprint. A redelivered job
// overwrites the row it wrote earlier instead of appending a second one,
// and plan.ID is set to the id of the stored row.
func (s *GormStorage) SavePlan(ctx context.Context, plan *core.RoutePlan) error {
	if plan.ID == "" {
		plan.ID = uuid.New().String()
	}
	if len(plan.Path) == 0 {
		plan.Path = datatypes.JSON("null")
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "fingerprint"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"tracking_id", "origin_lat", "origin_lng", "stops", "path",
				"budget_mins", "total_minutes", "score", "partial", "expires_at",
			}),
		}).Create(plan).Error
		if err != nil {
			return err
		}

		var stored core.RoutePlan
		if err := tx.First(&stored, "fingerprint = ?", plan.Fingerprint).Error; err != nil {
			return err
		}
		*plan = stored
		return nil
	})
}

// FindPlan returns the live plan for a fingerprint, or nil.
func (s *GormStorage) FindPlan(ctx context.Context, fingerprint string) (*core.RoutePlan, error) {
	var plan core.RoutePlan
	err := s.db.WithContext(ctx).
		Where("fingerprint = ?", fingerprint).
		Where("(pinned = ? OR expires_at IS NULL OR expires_at > ?)", true, time.Now()).
		First(&plan).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

// GetPlan retrieves a plan by id.
func (s *GormStorage) GetPlan(ctx context.Context, id string) (*core.RoutePlan, error) {
	var plan core.RoutePlan
	err := s.db.WithContext(ctx).First(&plan, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

// PinPlan exempts a plan from retention, or releases it again.
func (s *GormStorage) PinPlan(ctx context.Context, id string, pinned bool) error {
	result := s.db.WithContext(ctx).
		Model(&core.RoutePlan{}).
		Where("id = ?", id).
		Update("pinned", pinned)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrNotFound
	}
	return nil
}

// DeleteExpiredPlans applies the retention policy.
func (s *GormStorage) DeleteExpiredPlans(ctx context.Context, now time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("pinned = ?", false).
		Where("expires_at IS NOT NULL AND expires_at <= ?", now).
		Delete(&core.RoutePlan{})
	return result.RowsAffected, result.Error
}
