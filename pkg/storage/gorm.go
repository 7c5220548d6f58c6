package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/leynos/wildside-sub000/pkg/core"
	"github.com/leynos/wildside-sub000/pkg/security"
)

// DefaultLease is how long a leased job stays owned without a heartbeat.
const DefaultLease = 5 * time.Minute

// GormStorage implements the job queue, plan, POI and bookkeeping ports using GORM.
type GormStorage struct {
	db *gorm.DB
}

var (
	_ core.JobStore              = (*GormStorage)(nil)
	_ core.PlanStore             = (*GormStorage)(nil)
	_ core.POIStore              = (*GormStorage)(nil)
	_ core.IdempotencyStore      = (*GormStorage)(nil)
	_ core.InflightStore         = (*GormStorage)(nil)
	_ core.TrackingStore         = (*GormStorage)(nil)
	_ core.EnrichmentMarkerStore = (*GormStorage)(nil)
	_ core.ProvenanceStore       = (*GormStorage)(nil)
)

// NewGormStorage creates a new GORM-backed storage.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return &GormStorage{db: db}
}

// DB returns the underlying connection.
func (s *GormStorage) DB() *gorm.DB {
	return s.db
}

// IsSQLite reports whether the dialect lacks row locking.
func (s *GormStorage) IsSQLite() bool {
	return s.db != nil && s.db.Dialector != nil && s.db.Dialector.Name() == "sqlite"
}

// Migrate creates the necessary tables.
func (s *GormStorage) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&core.Job{},
		&core.RoutePlan{},
		&core.POI{},
		&core.IdempotencyRecord{},
		&core.InflightMarker{},
		&core.Tracking{},
		&core.EnrichmentMarker{},
		&core.EnrichmentProvenance{},
	)
}

func prepareJob(job *core.Job) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = core.StatusPending
	}
	if job.Queue == "" {
		job.Queue = core.LaneRouteGeneration
	}
	if job.MaxAttempts < 1 {
		job.MaxAttempts = 1
	}
}

// Enqueue adds a job to its lane.
func (s *GormStorage) Enqueue(ctx context.Context, job *core.Job) error {
	prepareJob(job)
	return s.db.WithContext(ctx).Create(job).Error
}

// EnqueueUnique adds a job only if no job with the same unique key is pending or running.
func (s *GormStorage) EnqueueUnique(ctx context.Context, job *core.Job, uniqueKey string) error {
	prepareJob(job)
	job.UniqueKey = uniqueKey

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if !s.IsSQLite() {
			if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", uniqueKey).Error; err != nil {
				return err
			}
		}

		var count int64
		err := tx.Model(&core.Job{}).
			Where("unique_key = ?", uniqueKey).
			Where("status IN ?", []core.JobStatus{core.StatusPending, core.StatusRunning}).
			Count(&count).Error
		if err != nil {
			return err
		}
		if count > 0 {
			return core.ErrDuplicateJob
		}
		return tx.Create(job).Error
	})
}

// Lease fetches and locks the next due job from the given lanes.
// Returns nil when nothing is due.
func (s *GormStorage) Lease(ctx context.Context, lanes []string, workerID string, lease time.Duration) (*core.Job, error) {
	if lease <= 0 {
		lease = DefaultLease
	}
	var job core.Job
	now := time.Now()
	lockUntil := now.Add(lease)
	leased := false

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.
			Where("queue IN ?", lanes).
			Where("status = ?", core.StatusPending).
			Where("(run_at IS NULL OR run_at <= ?)", now).
			Where("(locked_until IS NULL OR locked_until < ?)", now).
			Order("priority DESC, created_at ASC")
		if !s.IsSQLite() {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		if err := q.First(&job).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}

		res := tx.Model(&core.Job{}).
			Where("id = ? AND status = ?", job.ID, core.StatusPending).
			Updates(map[string]any{
				"status":            core.StatusRunning,
				"locked_by":         workerID,
				"locked_until":      lockUntil,
				"last_heartbeat_at": now,
				"started_at":        now,
				"attempt":           gorm.Expr("attempt + 1"),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		leased = true
		job.Status = core.StatusRunning
		job.LockedBy = workerID
		job.LockedUntil = &lockUntil
		job.LastHeartbeatAt = &now
		job.StartedAt = &now
		job.Attempt++
		return nil
	})

	if err != nil {
		return nil, err
	}
	if !leased {
		return nil, nil
	}
	return &job, nil
}

// settle moves a leased job out of running, checking ownership.
func (s *GormStorage) settle(ctx context.Context, jobID, workerID string, updates map[string]any) error {
	updates["locked_by"] = ""
	updates["locked_until"] = nil

	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND locked_by = ? AND status = ?", jobID, workerID, core.StatusRunning).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrJobNotOwned
	}
	return nil
}

// Ack marks a job as successfully completed.
func (s *GormStorage) Ack(ctx context.Context, jobID string, workerID string) error {
	return s.settle(ctx, jobID, workerID, map[string]any{
		"status":       core.StatusCompleted,
		"completed_at": time.Now(),
	})
}

// NackAndRetry returns a job to its lane to run again at retryAt.
// Error messages are sanitized before storage.
func (s *GormStorage) NackAndRetry(ctx context.Context, jobID string, workerID string, errMsg string, retryAt time.Time) error {
	return s.settle(ctx, jobID, workerID, map[string]any{
		"status":     core.StatusPending,
		"run_at":     retryAt,
		"last_error": security.SanitizeErrorMessage(errMsg),
	})
}

// Fail marks a job as permanently failed without dead-lettering it.
func (s *GormStorage) Fail(ctx context.Context, jobID string, workerID string, errMsg string) error {
	return s.settle(ctx, jobID, workerID, map[string]any{
		"status":       core.StatusFailed,
		"completed_at": time.Now(),
		"last_error":   security.SanitizeErrorMessage(errMsg),
	})
}

// DeadLetter parks a job that exhausted its attempts.
func (s *GormStorage) DeadLetter(ctx context.Context, jobID string, workerID string, errMsg string) error {
	now := time.Now()
	return s.settle(ctx, jobID, workerID, map[string]any{
		"status":           core.StatusDeadLettered,
		"completed_at":     now,
		"dead_lettered_at": now,
		"last_error":       security.SanitizeErrorMessage(errMsg),
	})
}

// ReleaseLease hands a leased job back to its lane without spending the
// attempt it was leased with. Workers use it when they stop mid-job.
func (s *GormStorage) ReleaseLease(ctx context.Context, jobID string, workerID string) error {
	return s.settle(ctx, jobID, workerID, map[string]any{
		"status":     core.StatusPending,
		"attempt":    gorm.Expr("CASE WHEN attempt > 0 THEN attempt - 1 ELSE 0 END"),
		"started_at": nil,
	})
}

// Heartbeat extends the lease on a running job.
func (s *GormStorage) Heartbeat(ctx context.Context, jobID string, workerID string, lease time.Duration) error {
	if lease <= 0 {
		lease = DefaultLease
	}
	now := time.Now()
	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND locked_by = ? AND status = ?", jobID, workerID, core.StatusRunning).
		Updates(map[string]any{
			"locked_until":      now.Add(lease),
			"last_heartbeat_at": now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrJobNotOwned
	}
	return nil
}

// ReleaseStaleLocks returns running jobs whose lease expired more than
// staleDuration ago to their lane. Jobs that already used their last
// attempt are dead-lettered instead, so a job that crashes its worker
// cannot loop forever. The IDs of those jobs are returned so their
// dead-letter hooks can still run.
func (s *GormStorage) ReleaseStaleLocks(ctx context.Context, staleDuration time.Duration) (int64, []string, error) {
	now := time.Now()
	cutoff := now.Add(-staleDuration)
	var (
		released int64
		dead     []string
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		exhausted := tx.Model(&core.Job{}).
			Where("status = ?", core.StatusRunning).
			Where("locked_until < ?", cutoff).
			Where("attempt >= max_attempts")
		if !s.IsSQLite() {
			exhausted = exhausted.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		if err := exhausted.Pluck("id", &dead).Error; err != nil {
			return err
		}

		if len(dead) > 0 {
			res := tx.Model(&core.Job{}).
				Where("id IN ? AND status = ?", dead, core.StatusRunning).
				Updates(map[string]any{
					"status":           core.StatusDeadLettered,
					"dead_lettered_at": now,
					"completed_at":     now,
					"last_error":       core.ErrLeaseExpired.Error(),
					"locked_by":        "",
					"locked_until":     nil,
				})
			if res.Error != nil {
				return res.Error
			}
			released += res.RowsAffected
		}

		retry := tx.Model(&core.Job{}).
			Where("status = ?", core.StatusRunning).
			Where("locked_until < ?", cutoff).
			Updates(map[string]any{
				"status":       core.StatusPending,
				"last_error":   "lease expired",
				"locked_by":    "",
				"locked_until": nil,
			})
		if retry.Error != nil {
			return retry.Error
		}
		released += retry.RowsAffected
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return released, dead, nil
}

// GetJob retrieves a job by ID.
func (s *GormStorage) GetJob(ctx context.Context, jobID string) (*core.Job, error) {
	var job core.Job
	err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &job, err
}

// GetJobsByStatus retrieves jobs by status.
func (s *GormStorage) GetJobsByStatus(ctx context.Context, status core.JobStatus, limit int) ([]*core.Job, error) {
	var jobList []*core.Job
	err := s.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC").
		Limit(limit).
		Find(&jobList).Error
	return jobList, err
}

// CountPending counts jobs waiting in a lane.
func (s *GormStorage) CountPending(ctx context.Context, lane string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("queue = ? AND status = ?", lane, core.StatusPending).
		Count(&count).Error
	return count, err
}

// ListDeadLetters returns dead-lettered jobs, newest first. An empty
// lane lists all lanes.
func (s *GormStorage) ListDeadLetters(ctx context.Context, lane string, limit int) ([]*core.Job, error) {
	var jobList []*core.Job
	q := s.db.WithContext(ctx).Where("status = ?", core.StatusDeadLettered)
	if lane != "" {
		q = q.Where("queue = ?", lane)
	}
	err := q.Order("dead_lettered_at DESC").Limit(limit).Find(&jobList).Error
	return jobList, err
}

// RequeueDeadLetter gives a dead-lettered job a fresh attempt budget.
// Only operators call this; dead letters are never retried automatically.
func (s *GormStorage) RequeueDeadLetter(ctx context.Context, jobID string) error {
	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND status = ?", jobID, core.StatusDeadLettered).
		Updates(map[string]any{
			"status":           core.StatusPending,
			"attempt":          0,
			"run_at":           nil,
			"completed_at":     nil,
			"dead_lettered_at": nil,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrJobNotDeadLettered
	}
	return nil
}
