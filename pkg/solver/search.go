package solver

import (
	"context"
	"time"

	"github.com/leynos/wildside-sub000/pkg/core"
)

// tour is an ordered list of node indices; the origin is implicit at
// both ends.
type tour struct {
	stops   []int
	minutes float64
	score   float64
}

func (t tour) clone() tour {
	t.stops = append([]int(nil), t.stops...)
	return t
}

func (t tour) better(o tour) bool {
	if t.score != o.score {
		return t.score > o.score
	}
	if len(t.stops) != len(o.stops) {
		return len(t.stops) > len(o.stops)
	}
	return t.minutes < o.minutes
}

type search struct {
	prob     *problem
	ctx      context.Context
	deadline time.Time

	cur  tour
	best tour
	used []bool

	evals       int
	interrupted bool
}

// expired reads the clock every deadlineCheckEvery calls.
func (s *search) expired() bool {
	if s.interrupted {
		return true
	}
	s.evals++
	if s.evals%deadlineCheckEvery != 0 {
		return false
	}
	return s.checkNow()
}

func (s *search) checkNow() bool {
	if s.ctx.Err() != nil || (!s.deadline.IsZero() && !time.Now().Before(s.deadline)) {
		s.interrupted = true
	}
	return s.interrupted
}

func (s *search) snapshot() {
	if s.cur.better(s.best) {
		s.best = s.cur.clone()
	}
}

func (s *search) run() {
	if len(s.prob.nodes) == 0 || s.checkNow() {
		return
	}
	for {
		inserted := s.insertAll()
		shortened := s.twoOpt()
		if s.interrupted || (!inserted && !shortened) {
			return
		}
	}
}

// neighbours returns the nodes either side of insertion position pos;
// -1 is the origin.
func (s *search) neighbours(pos int) (int, int) {
	prev, next := -1, -1
	if pos > 0 {
		prev = s.cur.stops[pos-1]
	}
	if pos < len(s.cur.stops) {
		next = s.cur.stops[pos]
	}
	return prev, next
}

// insertAll greedily inserts the candidate with the best score per extra
// minute until none fits. Reports whether anything was inserted.
func (s *search) insertAll() bool {
	p := s.prob
	inserted := false
	for {
		bestNode, bestPos := -1, 0
		var bestRatio, bestExtra float64

		for n := range p.nodes {
			if s.used[n] {
				continue
			}
			if s.expired() {
				return inserted
			}
			gain := p.nodes[n].Score + epsilon
			for pos := 0; pos <= len(s.cur.stops); pos++ {
				prev, next := s.neighbours(pos)
				extra := p.travel(prev, n) + p.travel(n, next) - p.travel(prev, next) + p.dwell[n]
				if s.cur.minutes+extra > p.budget {
					continue
				}
				ratio := gain / (max(extra, 0) + epsilon)
				if bestNode < 0 || ratio > bestRatio {
					bestNode, bestPos, bestRatio, bestExtra = n, pos, ratio, extra
				}
			}
		}
		if bestNode < 0 {
			return inserted
		}

		s.cur.stops = append(s.cur.stops, 0)
		copy(s.cur.stops[bestPos+1:], s.cur.stops[bestPos:])
		s.cur.stops[bestPos] = bestNode
		s.cur.minutes += bestExtra
		s.cur.score += p.nodes[bestNode].Score
		s.used[bestNode] = true
		inserted = true
		s.snapshot()
	}
}

// twoOpt reverses tour segments while that strictly shortens the tour.
// Reports whether the tour changed.
func (s *search) twoOpt() bool {
	p := s.prob
	stops := s.cur.stops
	n := len(stops)
	node := func(i int) int {
		if i < 0 || i >= n {
			return -1
		}
		return stops[i]
	}

	changed := false
	for improved := true; improved; {
		improved = false
		for i := 0; i < n-1; i++ {
			for j := i + 1; j < n; j++ {
				if s.expired() {
					return changed
				}
				a, b := node(i-1), node(i)
				c, d := node(j), node(j+1)
				delta := p.travel(a, c) + p.travel(b, d) - p.travel(a, b) - p.travel(c, d)
				if delta < -epsilon {
					for l, r := i, j; l < r; l, r = l+1, r-1 {
						stops[l], stops[r] = stops[r], stops[l]
					}
					s.cur.minutes += delta
					improved, changed = true, true
					s.snapshot()
				}
			}
		}
	}
	return changed
}

// plan renders a tour as a RoutePlan.
func (t tour) plan(p *problem, budget time.Duration, partial bool) *core.RoutePlan {
	plan := &core.RoutePlan{
		OriginLat:  p.origin.Lat(),
		OriginLng:  p.origin.Lon(),
		BudgetMins: int(budget / time.Minute),
		Partial:    partial,
	}

	var clock, score float64
	prev := -1
	for i, n := range t.stops {
		clock += p.travel(prev, n)
		poi := p.nodes[n].POI
		plan.Stops = append(plan.Stops, core.Stop{
			Position:      i,
			POIID:         poi.ID,
			Name:          poi.Name,
			Lat:           poi.Lat,
			Lng:           poi.Lng,
			ArriveMinutes: clock,
		})
		clock += p.dwell[n]
		score += p.nodes[n].Score
		prev = n
	}

	plan.TotalMinutes = clock + p.travel(prev, -1)
	plan.Score = score
	return plan
}
