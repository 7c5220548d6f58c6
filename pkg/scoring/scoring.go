// Package scoring selects the candidate POIs of a route request and
// scores them against the requested themes.
package scoring

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"

	"github.com/leynos/wildside-sub000/pkg/core"
)

// Config tunes candidate selection.
type Config struct {
	// MaxCandidates caps the candidate set, most popular first.
	MaxCandidates int `yaml:"max_candidates"`

	// SparsityThreshold is the per-theme candidate count below which
	// enrichment is requested. ThemeThresholds overrides it per theme.
	SparsityThreshold int            `yaml:"sparsity_threshold"`
	ThemeThresholds   map[string]int `yaml:"theme_thresholds"`

	WalkingSpeedKmh float64 `yaml:"walking_speed_kmh"`
	MinRadiusMeters float64 `yaml:"min_radius_meters"`
	MaxRadiusMeters float64 `yaml:"max_radius_meters"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxCandidates:     1500,
		SparsityThreshold: 10,
		WalkingSpeedKmh:   5,
		MinRadiusMeters:   300,
		MaxRadiusMeters:   5000,
	}
}

func (c Config) threshold(theme string) int {
	if n, ok := c.ThemeThresholds[theme]; ok {
		return n
	}
	return c.SparsityThreshold
}

// RadiusFor returns the search radius for a time budget: the distance
// walked in half the budget, clamped to the configured range.
func (c Config) RadiusFor(budget time.Duration) float64 {
	metersPerMinute := c.WalkingSpeedKmh * 1000 / 60
	r := metersPerMinute * budget.Minutes() / 2
	return min(max(r, c.MinRadiusMeters), c.MaxRadiusMeters)
}

// BBoxAround returns the box enclosing a circle of radius meters.
func BBoxAround(origin orb.Point, radius float64) core.BBox {
	return core.BBoxFromBound(geo.NewBoundAroundPoint(origin, radius))
}

// SelectCandidates returns up to limit POIs within radius meters of
// origin. The bounding box query prefilters; the haversine distance
// decides.
func SelectCandidates(ctx context.Context, store core.POIStore, origin orb.Point, radius float64, limit int) ([]core.POI, error) {
	bbox := BBoxAround(origin, radius)
	// corners of the box fall outside the circle, so over-fetch
	pois, err := store.QueryBBox(ctx, bbox, limit*2)
	if err != nil {
		return nil, fmt.Errorf("query candidates: %w", err)
	}

	out := pois[:0]
	for _, p := range pois {
		if geo.DistanceHaversine(origin, p.Point()) <= radius {
			out = append(out, p)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// Relevance is the share of requested theme weight the POI matches, in [0,1].
func Relevance(poi core.POI, req core.RouteRequest) float64 {
	var total, matched float64
	for _, t := range req.Themes {
		total += t.Weight
		if poi.HasTheme(t.ThemeID) {
			matched += t.Weight
		}
	}
	if total == 0 {
		return 0
	}
	return matched / total
}

// Score combines popularity and relevance:
// (1-bias)*popularity + bias*relevance.
func Score(poi core.POI, req core.RouteRequest) float64 {
	return score(poi, Relevance(poi, req), req.PopularityBias)
}

func score(poi core.POI, relevance, bias float64) float64 {
	popularity := min(max(poi.Popularity, 0), 1)
	return (1-bias)*popularity + bias*relevance
}

// Rank scores pois, drops those matching no requested theme (unless the
// request accepts any theme) and sorts the rest best first. Stats count
// the candidates per requested theme before filtering.
func Rank(pois []core.POI, req core.RouteRequest, cfg Config) ([]core.ScoredPOI, core.CandidateStats) {
	stats := core.CandidateStats{
		Total:    len(pois),
		PerTheme: make(map[string]int, len(req.Themes)),
	}
	for _, t := range req.Themes {
		stats.PerTheme[t.ThemeID] = 0
	}

	scored := make([]core.ScoredPOI, 0, len(pois))
	for _, p := range pois {
		for _, t := range req.Themes {
			if p.HasTheme(t.ThemeID) {
				stats.PerTheme[t.ThemeID]++
			}
		}

		rel := Relevance(p, req)
		if rel == 0 && !req.AnyTheme {
			continue
		}
		scored = append(scored, core.ScoredPOI{POI: p, Score: score(p, rel, req.PopularityBias), Relevance: rel})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].POI.ID < scored[j].POI.ID
	})

	for _, id := range req.ThemeIDs() {
		if stats.PerTheme[id] < cfg.threshold(id) {
			stats.SparseThemes = append(stats.SparseThemes, id)
		}
	}
	if req.AnyTheme && stats.Total < cfg.threshold(core.AnyThemeID) {
		stats.SparseThemes = append(stats.SparseThemes, core.AnyThemeID)
	}
	return scored, stats
}

// Result is the scored candidate set of one request.
type Result struct {
	Candidates []core.ScoredPOI
	Stats      core.CandidateStats
	Radius     float64
}

// Scorer runs selection and ranking against a POI store.
type Scorer struct {
	store core.POIStore
	cfg   Config
}

// New creates a scorer.
func New(store core.POIStore, cfg Config) *Scorer {
	return &Scorer{store: store, cfg: cfg}
}

// Config returns the scorer configuration.
func (s *Scorer) Config() Config {
	return s.cfg
}

// Candidates selects and ranks the candidates of req. The returned stats
// carry the search box for the enrichment trigger.
func (s *Scorer) Candidates(ctx context.Context, req core.RouteRequest) (Result, error) {
	origin := req.Start.Point()
	radius := s.cfg.RadiusFor(req.Budget())

	pois, err := SelectCandidates(ctx, s.store, origin, radius, s.cfg.MaxCandidates)
	if err != nil {
		return Result{}, err
	}
	ranked, stats := Rank(pois, req, s.cfg)
	stats.BBox = BBoxAround(origin, radius)
	return Result{Candidates: ranked, Stats: stats, Radius: radius}, nil
}
