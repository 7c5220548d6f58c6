package core

import (
	"fmt"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"gorm.io/datatypes"
)

// PlanTolerance is how far a plan may exceed its time budget.
const PlanTolerance = 30 * time.Second

// Stop is one visited POI in a plan.
type Stop struct {
	Position      int     `json:"position"`
	POIID         string  `json:"poi_id"`
	Name          string  `json:"name,omitempty"`
	Lat           float64 `json:"lat"`
	Lng           float64 `json:"lng"`
	ArriveMinutes float64 `json:"arrive_minutes"`
}

// RoutePlan is a solved route. Written once per fingerprint and
// immutable afterwards, except for pinning.
type RoutePlan struct {
	ID           string                    `gorm:"primaryKey;size:36" json:"id"`
	Fingerprint  string                    `gorm:"uniqueIndex;size:80;not null" json:"fingerprint"`
	TrackingID   string                    `gorm:"index;size:36" json:"tracking_id,omitempty"`
	OriginLat    float64                   `json:"origin_lat"`
	OriginLng    float64                   `json:"origin_lng"`
	Stops        datatypes.JSONSlice[Stop] `json:"stops"`
	Path         datatypes.JSON            `json:"path"`
	BudgetMins   int                       `json:"budget_minutes"`
	TotalMinutes float64                   `json:"total_minutes"`
	Score        float64                   `json:"score"`
	Partial      bool                      `json:"partial"`
	Pinned       bool                      `gorm:"index;default:false" json:"pinned"`
	ExpiresAt    *time.Time                `gorm:"index" json:"expires_at,omitempty"`
	CreatedAt    time.Time                 `gorm:"autoCreateTime" json:"created_at"`
}

// Origin returns the start point.
func (p *RoutePlan) Origin() orb.Point {
	return orb.Point{p.OriginLng, p.OriginLat}
}

// POIIDs returns the visited POI ids in order.
func (p *RoutePlan) POIIDs() []string {
	ids := make([]string, len(p.Stops))
	for i, s := range p.Stops {
		ids[i] = s.POIID
	}
	return ids
}

// Loop returns the walk as a line from the origin through every stop and
// back to the origin.
func (p *RoutePlan) Loop() orb.LineString {
	ls := make(orb.LineString, 0, len(p.Stops)+2)
	ls = append(ls, p.Origin())
	for _, s := range p.Stops {
		ls = append(ls, orb.Point{s.Lng, s.Lat})
	}
	return append(ls, p.Origin())
}

// SetPath stores the path as a GeoJSON geometry. Non-finite coordinates
// cannot be encoded.
func (p *RoutePlan) SetPath(ls orb.LineString) error {
	raw, err := geojson.NewGeometry(ls).MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode path: %w", err)
	}
	p.Path = raw
	return nil
}

// LineString decodes the stored path.
func (p *RoutePlan) LineString() (orb.LineString, error) {
	if len(p.Path) == 0 || string(p.Path) == "null" {
		return nil, nil
	}
	g, err := geojson.UnmarshalGeometry(p.Path)
	if err != nil {
		return nil, fmt.Errorf("decode path: %w", err)
	}
	ls, ok := g.Geometry().(orb.LineString)
	if !ok {
		return nil, fmt.Errorf("decode path: unexpected geometry %s", g.Type)
	}
	return ls, nil
}

// WithinBudget checks the budget invariant.
func (p *RoutePlan) WithinBudget() bool {
	limit := time.Duration(p.BudgetMins)*time.Minute + PlanTolerance
	return time.Duration(p.TotalMinutes*float64(time.Minute)) <= limit
}

// Expired reports whether retention may delete the plan.
func (p *RoutePlan) Expired(now time.Time) bool {
	return !p.Pinned && p.ExpiresAt != nil && !p.ExpiresAt.After(now)
}
