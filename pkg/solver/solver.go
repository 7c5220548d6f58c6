package solver

import (
	"context"
	"strconv"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"

	"github.com/leynos/wildside-sub000/pkg/core"
)

// Options tune the travel model.
type Options struct {
	// WalkingSpeed in meters per second.
	WalkingSpeed float64 `yaml:"walking_speed"`
	// DetourFactor scales straight-line distance to street distance.
	DetourFactor float64 `yaml:"detour_factor"`
	// DwellMinutes is spent at each stop unless the POI carries a
	// dwell_minutes tag.
	DwellMinutes float64 `yaml:"dwell_minutes"`
	// AccessibleSlowdown reduces walking speed for restricted mobility.
	AccessibleSlowdown float64 `yaml:"accessible_slowdown"`
	// Accessibility of the request being solved.
	Accessibility core.Accessibility `yaml:"-"`
}

// DefaultOptions returns the production travel model.
func DefaultOptions() Options {
	return Options{
		WalkingSpeed:       1.3,
		DetourFactor:       1.2,
		DwellMinutes:       5,
		AccessibleSlowdown: 0.15,
	}
}

// deadlineCheckEvery is how many candidate evaluations run between
// clock reads.
const deadlineCheckEvery = 64

const epsilon = 1e-6

type problem struct {
	origin orb.Point
	nodes  []core.ScoredPOI
	dwell  []float64
	budget float64 // minutes

	metersPerMinute float64
	detour          float64
}

// travel returns walking minutes between node a and b; -1 is the origin.
func (p *problem) travel(a, b int) float64 {
	return geo.DistanceHaversine(p.point(a), p.point(b)) * p.detour / p.metersPerMinute
}

func (p *problem) point(i int) orb.Point {
	if i < 0 {
		return p.origin
	}
	return p.nodes[i].POI.Point()
}

// Solve returns the best plan found before deadline or ctx ends.
func Solve(ctx context.Context, origin orb.Point, candidates []core.ScoredPOI, budget time.Duration, deadline time.Time, opts Options) *core.RoutePlan {
	prob := newProblem(origin, candidates, budget, opts)
	s := &search{prob: prob, ctx: ctx, deadline: deadline, used: make([]bool, len(prob.nodes))}
	s.run()
	return s.best.plan(prob, budget, s.interrupted)
}

func newProblem(origin orb.Point, candidates []core.ScoredPOI, budget time.Duration, opts Options) *problem {
	speed := opts.WalkingSpeed
	if speed <= 0 {
		speed = DefaultOptions().WalkingSpeed
	}
	if opts.Accessibility.Restricted() {
		speed *= 1 - opts.AccessibleSlowdown
	}
	detour := opts.DetourFactor
	if detour < 1 {
		detour = 1
	}

	p := &problem{
		origin:          origin,
		budget:          budget.Minutes(),
		metersPerMinute: speed * 60,
		detour:          detour,
	}

	seen := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		if _, dup := seen[c.POI.ID]; dup {
			continue
		}
		if opts.Accessibility.Restricted() && c.POI.Tag("wheelchair") == "no" {
			continue
		}
		seen[c.POI.ID] = struct{}{}
		p.nodes = append(p.nodes, c)
		p.dwell = append(p.dwell, dwellMinutes(c.POI, opts.DwellMinutes))
	}
	return p
}

func dwellMinutes(poi core.POI, fallback float64) float64 {
	if v := poi.Tag("dwell_minutes"); v != "" {
		if d, err := strconv.ParseFloat(v, 64); err == nil && d >= 0 {
			return d
		}
	}
	return fallback
}
