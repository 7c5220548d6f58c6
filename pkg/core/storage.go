package core

import (
	"context"
	"time"
)

// Starter is the interface for starting workers.
type Starter interface {
	Start(ctx context.Context) error
}

// JobStore is the durable at-least-once queue. A leased job is owned by
// exactly one worker until it is acked, nacked, failed or dead-lettered,
// or until its lease goes stale.
type JobStore interface {
	// Migrate creates the necessary database tables.
	Migrate(ctx context.Context) error

	// Job lifecycle
	Enqueue(ctx context.Context, job *Job) error
	EnqueueUnique(ctx context.Context, job *Job, uniqueKey string) error
	Lease(ctx context.Context, lanes []string, workerID string, lease time.Duration) (*Job, error)
	Ack(ctx context.Context, jobID string, workerID string) error
	NackAndRetry(ctx context.Context, jobID string, workerID string, errMsg string, retryAt time.Time) error
	Fail(ctx context.Context, jobID string, workerID string, errMsg string) error
	DeadLetter(ctx context.Context, jobID string, workerID string, errMsg string) error
	ReleaseLease(ctx context.Context, jobID string, workerID string) error

	// Locking
	Heartbeat(ctx context.Context, jobID string, workerID string, lease time.Duration) error
	// ReleaseStaleLocks also returns the IDs of jobs it dead-lettered.
	ReleaseStaleLocks(ctx context.Context, staleDuration time.Duration) (int64, []string, error)

	// Queries
	GetJob(ctx context.Context, jobID string) (*Job, error)
	GetJobsByStatus(ctx context.Context, status JobStatus, limit int) ([]*Job, error)
	CountPending(ctx context.Context, lane string) (int64, error)

	// Dead letters
	ListDeadLetters(ctx context.Context, lane string, limit int) ([]*Job, error)
	RequeueDeadLetter(ctx context.Context, jobID string) error
}

// PlanStore persists route plans keyed by request fingerprint.
type PlanStore interface {
	// SavePlan upserts by fingerprint; plan.ID is set to the stored id.
	SavePlan(ctx context.Context, plan *RoutePlan) error
	// FindPlan returns the unexpired plan for a fingerprint, or nil.
	FindPlan(ctx context.Context, fingerprint string) (*RoutePlan, error)
	GetPlan(ctx context.Context, id string) (*RoutePlan, error)
}

// POIStore is the candidate store.
type POIStore interface {
	UpsertPOI(ctx context.Context, poi *POI) error
	QueryBBox(ctx context.Context, bbox BBox, limit int) ([]POI, error)
}

// RouteCache maps cache keys to route plan ids.
type RouteCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Put(ctx context.Context, key string, planID string, ttl time.Duration) error
}

// IdempotencyStore keeps key -> (tracking id, fingerprint) mappings.
type IdempotencyStore interface {
	Lookup(ctx context.Context, key string, fingerprint string, now time.Time) (IdempotencyOutcome, *IdempotencyRecord, error)
	// Store returns ErrDuplicateKey when the key already exists.
	Store(ctx context.Context, rec *IdempotencyRecord) error
}

// InflightStore coalesces submissions while a route job runs.
type InflightStore interface {
	// Claim inserts the marker unless an unexpired one exists, in which
	// case the existing marker is returned with claimed=false.
	Claim(ctx context.Context, m *InflightMarker, now time.Time) (*InflightMarker, bool, error)
	Active(ctx context.Context, fingerprint string, now time.Time) (*InflightMarker, error)
	Release(ctx context.Context, fingerprint string, trackingID string) error
}

// TrackingStore keeps the durable status read by polling.
type TrackingStore interface {
	CreateTracking(ctx context.Context, t *Tracking) error
	GetTracking(ctx context.Context, trackingID string) (*Tracking, error)
	UpdateTracking(ctx context.Context, t *Tracking) error
}

// EnrichmentMarkerStore holds enrichment cool-downs.
type EnrichmentMarkerStore interface {
	// ClaimMarker returns false when an unexpired marker exists.
	ClaimMarker(ctx context.Context, key string, ttl time.Duration, now time.Time) (bool, error)
	ReleaseMarker(ctx context.Context, key string) error
}

// ProvenanceStore records enrichment imports.
type ProvenanceStore interface {
	RecordProvenance(ctx context.Context, p *EnrichmentProvenance) error
}

// Notifier delivers status events to live receivers. Delivery is best
// effort; a missing receiver is not an error.
type Notifier interface {
	Push(ctx context.Context, ev StatusEvent) error
}

// TagSelector matches a tag key and, when Value is set, its value.
type TagSelector struct {
	Key   string `yaml:"key" json:"key"`
	Value string `yaml:"value,omitempty" json:"value,omitempty"`
}

// Matches reports whether tags satisfy the selector.
func (s TagSelector) Matches(tags map[string]string) bool {
	v, ok := tags[s.Key]
	if !ok {
		return false
	}
	return s.Value == "" || v == s.Value
}

// RawPOI is an untrusted record returned by the enrichment source.
type RawPOI struct {
	SourceID string
	Lat      float64
	Lng      float64
	Tags     map[string]string
}

// SourceResult is one complete response of the enrichment source.
type SourceResult struct {
	POIs      []RawPOI
	Bytes     int64
	SourceURL string
}

// EnrichmentSource queries the external POI source.
type EnrichmentSource interface {
	Fetch(ctx context.Context, bbox BBox, selectors []TagSelector) (*SourceResult, error)
}
