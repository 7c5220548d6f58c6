package core

import "time"

// IdempotencyRecord maps a client key to the tracking id and request
// fingerprint of its first submission.
type IdempotencyRecord struct {
	Key         string    `gorm:"primaryKey;size:36;column:idempotency_key"`
	TrackingID  string    `gorm:"size:36;not null"`
	Fingerprint string    `gorm:"size:80;not null"`
	RoutePlanID string    `gorm:"size:36"`
	ExpiresAt   time.Time `gorm:"index"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
}

// IdempotencyOutcome is the result of looking up a key.
type IdempotencyOutcome int

const (
	IdempotencyNotFound IdempotencyOutcome = iota
	IdempotencyMatchingPayload
	IdempotencyConflictingPayload
)

func (o IdempotencyOutcome) String() string {
	switch o {
	case IdempotencyMatchingPayload:
		return "matching_payload"
	case IdempotencyConflictingPayload:
		return "conflicting_payload"
	}
	return "not_found"
}

// InflightMarker coalesces concurrent submissions for one fingerprint.
type InflightMarker struct {
	Fingerprint string    `gorm:"primaryKey;size:80"`
	TrackingID  string    `gorm:"size:36;not null"`
	JobID       string    `gorm:"size:36"`
	ExpiresAt   time.Time `gorm:"index"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
}
