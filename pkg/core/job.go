// Package core provides the domain models and ports of the route pipeline.
package core

import (
	"time"
)

// JobStatus represents the current state of a job.
type JobStatus string

const (
	StatusPending      JobStatus = "pending"
	StatusRunning      JobStatus = "running"
	StatusCompleted    JobStatus = "completed"
	StatusFailed       JobStatus = "failed"        // Terminal, not retried (NoRetry)
	StatusDeadLettered JobStatus = "dead_lettered" // Retries exhausted, operator action required
)

// Lanes.
const (
	LaneRouteGeneration = "route_generation"
	LaneEnrichment      = "enrichment"
)

// Job kinds.
const (
	KindRouteGeneration = "route.generate"
	KindEnrichment      = "enrichment.overpass"
)

// Job represents a unit of work delivered at least once to a worker.
type Job struct {
	ID              string     `gorm:"primaryKey;size:36"`
	Type            string     `gorm:"index;size:255;not null"`
	Args            []byte     `gorm:"type:bytes"`
	Queue           string     `gorm:"index;size:255;default:'default'"`
	Priority        int        `gorm:"index;default:0"`
	Status          JobStatus  `gorm:"index;size:20;default:'pending'"`
	Attempt         int        `gorm:"default:0"`
	MaxAttempts     int        `gorm:"default:3"`
	LastError       string     `gorm:"type:text"`
	TraceID         string     `gorm:"index;size:64"`
	TimeoutSeconds  int        `gorm:"default:0"`
	RunAt           *time.Time `gorm:"index"`
	StartedAt       *time.Time
	CompletedAt     *time.Time
	DeadLetteredAt  *time.Time `gorm:"index"`
	CreatedAt       time.Time  `gorm:"autoCreateTime"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime"`
	LockedBy        string     `gorm:"size:255"`
	LockedUntil     *time.Time `gorm:"index"`
	LastHeartbeatAt *time.Time
	UniqueKey       string `gorm:"index;size:255"` // For job deduplication
}

// Timeout returns the execution timeout carried by the job, or zero.
func (j *Job) Timeout() time.Duration {
	if j == nil || j.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(j.TimeoutSeconds) * time.Second
}

// Final reports whether the job has reached a state it never leaves on its own.
func (j *Job) Final() bool {
	switch j.Status {
	case StatusCompleted, StatusFailed, StatusDeadLettered:
		return true
	}
	return false
}
