// Package enrichment backfills sparse areas of the POI store from
// OpenStreetMap through the Overpass API.
//
// The route worker calls a Trigger with the candidate statistics of a
// request. When some requested theme is sparse, the trigger claims a
// cool-down marker for the (bbox, themes) pair and enqueues a single
// enrichment job:
//
//	req, err := trigger.MaybeTrigger(ctx, stats, stats.BBox, traceID)
//
// The enrichment job handler (Worker.Handle) runs each request behind a
// daily quota, a circuit breaker, a global concurrency limit and a
// request pacer, then upserts the returned POIs by source id and records
// where they came from. Failures stay inside the enrichment lane and are
// never reported to the route request that caused them.
package enrichment
