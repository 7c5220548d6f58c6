package storage

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/leynos/wildside-sub000/pkg/core"
)

// CreateTracking inserts the durable status row of a new request.
func (s *GormStorage) CreateTracking(ctx context.Context, t *core.Tracking) error {
	return s.db.WithContext(ctx).Create(t).Error
}

// GetTracking returns core.ErrNotFound for unknown ids.
func (s *GormStorage) GetTracking(ctx context.Context, trackingID string) (*core.Tracking, error) {
	var t core.Tracking
	err := s.db.WithContext(ctx).First(&t, "tracking_id = ?", trackingID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateTracking writes the mutable status columns, zero values included.
func (s *GormStorage) UpdateTracking(ctx context.Context, t *core.Tracking) error {
	result := s.db.WithContext(ctx).
		Model(t).
		Select("job_id", "status", "progress", "route_plan_id", "error_code", "updated_at").
		Updates(t)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrNotFound
	}
	return nil
}

// RecordProvenance stores one enrichment import.
func (s *GormStorage) RecordProvenance(ctx context.Context, p *core.EnrichmentProvenance) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	return s.db.WithContext(ctx).Create(p).Error
}

// ListProvenance returns the most recent imports.
func (s *GormStorage) ListProvenance(ctx context.Context, limit int) ([]core.EnrichmentProvenance, error) {
	var out []core.EnrichmentProvenance
	err := s.db.WithContext(ctx).Order("imported_at DESC").Limit(limit).Find(&out).Error
	return out, err
}
