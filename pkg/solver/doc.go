// Package solver builds walking tours for the orienteering problem: pick
// and order stops that maximize total score within a time budget.
//
// Solve is an anytime heuristic. Greedy insertion builds a tour by best
// score per extra minute, then 2-opt shortens it and frees time for more
// insertions, alternating until nothing improves. The tour is feasible
// after every step, so when the deadline or the context ends the search
// the best tour so far is returned with Partial set. Solve never returns
// an error: no candidates gives an origin-only plan with score 0.
package solver
