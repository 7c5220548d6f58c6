package core

import (
	"time"

	"github.com/paulmach/orb"
	"gorm.io/datatypes"
)

// POI is a point of interest. Only ingestion and enrichment write POIs.
type POI struct {
	ID         string                                `gorm:"primaryKey;size:36" json:"id"`
	SourceID   string                                `gorm:"uniqueIndex;size:64;not null" json:"source_id"`
	Name       string                                `gorm:"size:255" json:"name"`
	Lat        float64                               `gorm:"index" json:"lat"`
	Lng        float64                               `gorm:"index" json:"lng"`
	Tags       datatypes.JSONType[map[string]string] `json:"tags"`
	Narrative  string                                `gorm:"type:text" json:"narrative,omitempty"`
	Popularity float64                               `gorm:"default:0" json:"popularity"`
	Themes     datatypes.JSONSlice[string]           `json:"themes"`
	CreatedAt  time.Time                             `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time                             `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName pins the table name.
func (POI) TableName() string { return "pois" }

// Point returns the POI location.
func (p POI) Point() orb.Point {
	return orb.Point{p.Lng, p.Lat}
}

// Tag returns a tag value, or "" when absent.
func (p POI) Tag(key string) string {
	return p.Tags.Data()[key]
}

// HasTheme reports whether the POI is associated with a theme.
func (p POI) HasTheme(id string) bool {
	for _, t := range p.Themes {
		if t == id {
			return true
		}
	}
	return false
}

// ScoredPOI is a POI with its request-specific score. Never persisted.
type ScoredPOI struct {
	POI       POI
	Score     float64
	Relevance float64
}

// CandidateStats summarises candidate density for a request.
type CandidateStats struct {
	Total        int
	PerTheme     map[string]int
	SparseThemes []string
	BBox         BBox
}

// Sparse reports whether enrichment should be considered.
func (s CandidateStats) Sparse() bool {
	return len(s.SparseThemes) > 0
}
