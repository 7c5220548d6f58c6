package storage

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/leynos/wildside-sub000/pkg/core"
)

// claimRow inserts row unless its key exists. An existing row whose
// expires_at has passed is taken over with the given updates. Reports
// whether the caller now owns the key.
func (s *GormStorage) claimRow(ctx context.Context, row any, model any, keyColumn, key string, updates map[string]any, now time.Time) (bool, error) {
	db := s.db.WithContext(ctx)

	created := db.Clauses(clause.OnConflict{DoNothing: true}).Create(row)
	if created.Error != nil {
		return false, created.Error
	}
	if created.RowsAffected == 1 {
		return true, nil
	}

	taken := db.Model(model).
		Where(keyColumn+" = ?", key).
		Where("expires_at <= ?", now).
		Updates(updates)
	if taken.Error != nil {
		return false, taken.Error
	}
	return taken.RowsAffected == 1, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Idempotency
// ──────────────────────────────────────────────────────────────────────────────

// Lookup classifies a key against the fingerprint of the current request.
func (s *GormStorage) Lookup(ctx context.Context, key string, fingerprint string, now time.Time) (core.IdempotencyOutcome, *core.IdempotencyRecord, error) {
	var rec core.IdempotencyRecord
	err := s.db.WithContext(ctx).
		Where("idempotency_key = ? AND expires_at > ?", key, now).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return core.IdempotencyNotFound, nil, nil
	}
	if err != nil {
		return core.IdempotencyNotFound, nil, err
	}
	if rec.Fingerprint != fingerprint {
		return core.IdempotencyConflictingPayload, &rec, nil
	}
	return core.IdempotencyMatchingPayload, &rec, nil
}

// Store saves a new idempotency record, replacing an expired one.
func (s *GormStorage) Store(ctx context.Context, rec *core.IdempotencyRecord) error {
	claimed, err := s.claimRow(ctx, rec, &core.IdempotencyRecord{}, "idempotency_key", rec.Key, map[string]any{
		"tracking_id":   rec.TrackingID,
		"fingerprint":   rec.Fingerprint,
		"route_plan_id": rec.RoutePlanID,
		"expires_at":    rec.ExpiresAt,
	}, time.Now())
	if err != nil {
		return err
	}
	if !claimed {
		return core.ErrDuplicateKey
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// In-flight markers
// ──────────────────────────────────────────────────────────────────────────────

// Claim registers m as the in-flight job for its fingerprint.
func (s *GormStorage) Claim(ctx context.Context, m *core.InflightMarker, now time.Time) (*core.InflightMarker, bool, error) {
	claimed, err := s.claimRow(ctx, m, &core.InflightMarker{}, "fingerprint", m.Fingerprint, map[string]any{
		"tracking_id": m.TrackingID,
		"job_id":      m.JobID,
		"expires_at":  m.ExpiresAt,
	}, now)
	if err != nil {
		return nil, false, err
	}
	if claimed {
		return m, true, nil
	}

	existing, err := s.Active(ctx, m.Fingerprint, now)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		// Released between our insert and read; the caller may retry.
		return nil, false, nil
	}
	return existing, false, nil
}

// Active returns the unexpired marker for a fingerprint, or nil.
func (s *GormStorage) Active(ctx context.Context, fingerprint string, now time.Time) (*core.InflightMarker, error) {
	var m core.InflightMarker
	err := s.db.WithContext(ctx).
		Where("fingerprint = ? AND expires_at > ?", fingerprint, now).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Release drops the marker if it still belongs to trackingID.
func (s *GormStorage) Release(ctx context.Context, fingerprint string, trackingID string) error {
	return s.db.WithContext(ctx).
		Where("fingerprint = ? AND tracking_id = ?", fingerprint, trackingID).
		Delete(&core.InflightMarker{}).Error
}

// ──────────────────────────────────────────────────────────────────────────────
// Enrichment cool-down markers
// ──────────────────────────────────────────────────────────────────────────────

// ClaimMarker starts a cool-down for key unless one is running.
func (s *GormStorage) ClaimMarker(ctx context.Context, key string, ttl time.Duration, now time.Time) (bool, error) {
	expires := now.Add(ttl)
	return s.claimRow(ctx, &core.EnrichmentMarker{DedupKey: key, ExpiresAt: expires}, &core.EnrichmentMarker{},
		"dedup_key", key, map[string]any{"expires_at": expires, "job_id": ""}, now)
}

// ReleaseMarker ends a cool-down early.
func (s *GormStorage) ReleaseMarker(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).
		Where("dedup_key = ?", key).
		Delete(&core.EnrichmentMarker{}).Error
}

// PurgeExpired deletes expired idempotency records and markers.
func (s *GormStorage) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	var total int64
	for _, model := range []any{&core.IdempotencyRecord{}, &core.InflightMarker{}, &core.EnrichmentMarker{}} {
		result := s.db.WithContext(ctx).Where("expires_at <= ?", now).Delete(model)
		if result.Error != nil {
			return total, result.Error
		}
		total += result.RowsAffected
	}
	return total, nil
}
