package core

import (
	"fmt"
	"math"
	"time"

	"github.com/paulmach/orb"
	"gorm.io/datatypes"
)

// BBox is [min_lng, min_lat, max_lng, max_lat].
type BBox [4]float64

// BBoxFromBound converts an orb bound.
func BBoxFromBound(b orb.Bound) BBox {
	return BBox{b.Min.Lon(), b.Min.Lat(), b.Max.Lon(), b.Max.Lat()}
}

// Bound returns the box as an orb bound.
func (b BBox) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{b[0], b[1]}, Max: orb.Point{b[2], b[3]}}
}

// Validate rejects non-finite, inverted or out-of-range boxes.
func (b BBox) Validate() error {
	for _, v := range b {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("bbox: non-finite coordinate")
		}
	}
	if b[0] >= b[2] || b[1] >= b[3] {
		return fmt.Errorf("bbox: min must be less than max")
	}
	if b[0] < -180 || b[2] > 180 {
		return fmt.Errorf("bbox: longitude out of range")
	}
	if b[1] < -90 || b[3] > 90 {
		return fmt.Errorf("bbox: latitude out of range")
	}
	return nil
}

// EnrichmentRequest asks the enrichment worker to backfill an area.
type EnrichmentRequest struct {
	BBox     BBox     `json:"bbox"`
	Themes   []string `json:"themes"`
	TraceID  string   `json:"trace_id,omitempty"`
	DedupKey string   `json:"dedup_key"`
}

// EnrichmentMarker holds the cool-down for a (bbox, themes) pair.
type EnrichmentMarker struct {
	DedupKey  string    `gorm:"primaryKey;size:80"`
	JobID     string    `gorm:"size:36"`
	ExpiresAt time.Time `gorm:"index"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

// EnrichmentProvenance records one import from the external source.
type EnrichmentProvenance struct {
	ID          string                      `gorm:"primaryKey;size:36" json:"id"`
	SourceURL   string                      `gorm:"size:512" json:"source_url"`
	ImportedAt  time.Time                   `gorm:"index" json:"imported_at"`
	MinLng      float64                     `json:"min_lng"`
	MinLat      float64                     `json:"min_lat"`
	MaxLng      float64                     `json:"max_lng"`
	MaxLat      float64                     `json:"max_lat"`
	Themes      datatypes.JSONSlice[string] `json:"themes"`
	UpsertCount int                         `json:"upsert_count"`
	TraceID     string                      `gorm:"size:64" json:"trace_id,omitempty"`
}
