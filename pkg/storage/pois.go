package storage

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/leynos/wildside-sub000/pkg/core"
)

// UpsertPOI inserts or replaces a POI keyed by its source id. Concurrent
// writers resolve last-write-wins. poi.ID is set to the stored id.
func (s *GormStorage) UpsertPOI(ctx context.Context, poi *core.POI) error {
	if poi.ID == "" {
		poi.ID = uuid.New().String()
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "source_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"name", "lat", "lng", "tags", "narrative", "popularity", "themes", "updated_at",
			}),
		}).Create(poi).Error
		if err != nil {
			return err
		}
		var ids []string
		if err := tx.Model(&core.POI{}).Where("source_id = ?", poi.SourceID).Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 1 {
			poi.ID = ids[0]
		}
		return nil
	})
}

// QueryBBox returns POIs inside the box, most popular first.
func (s *GormStorage) QueryBBox(ctx context.Context, bbox core.BBox, limit int) ([]core.POI, error) {
	var pois []core.POI
	q := s.db.WithContext(ctx).
		Where("lng BETWEEN ? AND ?", bbox[0], bbox[2]).
		Where("lat BETWEEN ? AND ?", bbox[1], bbox[3]).
		Order("popularity DESC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&pois).Error
	return pois, err
}
