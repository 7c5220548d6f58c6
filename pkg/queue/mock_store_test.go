package queue

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/leynos/wildside-sub000/pkg/core"
)

// mockStore is a testify mock of core.JobStore.
type mockStore struct {
	mock.Mock
}

var _ core.JobStore = (*mockStore)(nil)

func (m *mockStore) Migrate(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockStore) Enqueue(ctx context.Context, job *core.Job) error {
	return m.Called(ctx, job).Error(0)
}

func (m *mockStore) EnqueueUnique(ctx context.Context, job *core.Job, uniqueKey string) error {
	return m.Called(ctx, job, uniqueKey).Error(0)
}

func (m *mockStore) Lease(ctx context.Context, lanes []string, workerID string, lease time.Duration) (*core.Job, error) {
	args := m.Called(ctx, lanes, workerID, lease)
	job, _ := args.Get(0).(*core.Job)
	return job, args.Error(1)
}

func (m *mockStore) Ack(ctx context.Context, jobID, workerID string) error {
	return m.Called(ctx, jobID, workerID).Error(0)
}

func (m *mockStore) NackAndRetry(ctx context.Context, jobID, workerID, errMsg string, retryAt time.Time) error {
	return m.Called(ctx, jobID, workerID, errMsg, retryAt).Error(0)
}

func (m *mockStore) Fail(ctx context.Context, jobID, workerID, errMsg string) error {
	return m.Called(ctx, jobID, workerID, errMsg).Error(0)
}

func (m *mockStore) DeadLetter(ctx context.Context, jobID, workerID, errMsg string) error {
	return m.Called(ctx, jobID, workerID, errMsg).Error(0)
}

func (m *mockStore) ReleaseLease(ctx context.Context, jobID, workerID string) error {
	return m.Called(ctx, jobID, workerID).Error(0)
}

func (m *mockStore) Heartbeat(ctx context.Context, jobID, workerID string, lease time.Duration) error {
	return m.Called(ctx, jobID, workerID, lease).Error(0)
}

func (m *mockStore) ReleaseStaleLocks(ctx context.Context, staleDuration time.Duration) (int64, []string, error) {
	args := m.Called(ctx, staleDuration)
	ids, _ := args.Get(1).([]string)
	return args.Get(0).(int64), ids, args.Error(2)
}

func (m *mockStore) GetJob(ctx context.Context, jobID string) (*core.Job, error) {
	args := m.Called(ctx, jobID)
	job, _ := args.Get(0).(*core.Job)
	return job, args.Error(1)
}

func (m *mockStore) GetJobsByStatus(ctx context.Context, status core.JobStatus, limit int) ([]*core.Job, error) {
	args := m.Called(ctx, status, limit)
	jobs, _ := args.Get(0).([]*core.Job)
	return jobs, args.Error(1)
}

func (m *mockStore) CountPending(ctx context.Context, lane string) (int64, error) {
	args := m.Called(ctx, lane)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockStore) ListDeadLetters(ctx context.Context, lane string, limit int) ([]*core.Job, error) {
	args := m.Called(ctx, lane, limit)
	jobs, _ := args.Get(0).([]*core.Job)
	return jobs, args.Error(1)
}

func (m *mockStore) RequeueDeadLetter(ctx context.Context, jobID string) error {
	return m.Called(ctx, jobID).Error(0)
}
