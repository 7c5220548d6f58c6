package core

import "time"

// RequestStatus is the client-visible state of a tracked request.
type RequestStatus string

const (
	RequestQueued    RequestStatus = "queued"
	RequestRunning   RequestStatus = "running"
	RequestSucceeded RequestStatus = "succeeded"
	RequestFailed    RequestStatus = "failed"
)

// Error codes carried by failed status events.
const (
	ErrorCodeTimeout      = "timeout"
	ErrorCodeNoCandidates = "no_candidates"
	ErrorCodeInternal     = "internal_error"
)

// StatusEventType is the push message type.
const StatusEventType = "route_status"

// StatusEvent is pushed to live clients. Not persisted.
type StatusEvent struct {
	Type      string        `json:"type"`
	RequestID string        `json:"request_id"`
	Status    RequestStatus `json:"status"`
	Progress  int           `json:"progress"`
	RouteID   string        `json:"route_id,omitempty"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// Terminal reports whether no further transition is allowed.
func (s RequestStatus) Terminal() bool {
	return s == RequestSucceeded || s == RequestFailed
}

// CanTransition reports whether from -> to is legal. Repeating a
// non-terminal status is allowed so redelivered jobs can re-announce. A
// queued request may fail without running, for example when its job
// could not be enqueued.
func CanTransition(from, to RequestStatus) bool {
	switch from {
	case "":
		return to == RequestQueued
	case RequestQueued:
		return to == RequestQueued || to == RequestRunning || to == RequestFailed
	case RequestRunning:
		return to == RequestRunning || to == RequestSucceeded || to == RequestFailed
	}
	return false
}

// Tracking is the durable status of a submitted request, read by polling.
type Tracking struct {
	TrackingID  string        `gorm:"primaryKey;size:36" json:"request_id"`
	Fingerprint string        `gorm:"index;size:80" json:"fingerprint"`
	JobID       string        `gorm:"size:36" json:"job_id,omitempty"`
	Status      RequestStatus `gorm:"size:20;index" json:"status"`
	Progress    int           `json:"progress"`
	RoutePlanID string        `gorm:"size:36" json:"route_id,omitempty"`
	ErrorCode   string        `gorm:"size:32" json:"error,omitempty"`
	TraceID     string        `gorm:"size:64" json:"trace_id,omitempty"`
	CreatedAt   time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

// Event builds the push message for the current state.
func (t *Tracking) Event(now time.Time) StatusEvent {
	return StatusEvent{
		Type:      StatusEventType,
		RequestID: t.TrackingID,
		Status:    t.Status,
		Progress:  t.Progress,
		RouteID:   t.RoutePlanID,
		Error:     t.ErrorCode,
		Timestamp: now,
	}
}
