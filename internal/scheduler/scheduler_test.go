package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/bpelrt/internal/store"
	"github.com/rendis/bpelrt/pkg/schema"
)

// mockSchedulerStore satisfies store.Store for scheduler tests.
type mockSchedulerStore struct {
	store.Store
	mu   sync.Mutex
	jobs map[string]*store.CronJob
}

func newMockSchedulerStore() *mockSchedulerStore {
	return &mockSchedulerStore{jobs: make(map[string]*store.CronJob)}
}

func (m *mockSchedulerStore) CreateCronJob(_ context.Context, job *store.CronJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *mockSchedulerStore) GetCronJob(_ context.Context, id string) (*store.CronJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

func (m *mockSchedulerStore) UpdateCronJob(_ context.Context, id string, update store.CronJobUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil
	}
	if update.Enabled != nil {
		j.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		j.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		j.NextRunAt = update.NextRunAt
	}
	if update.LastRunStatus != "" {
		j.LastRunStatus = update.LastRunStatus
	}
	return nil
}

func (m *mockSchedulerStore) ListCronJobs(_ context.Context, filter store.CronJobFilter) ([]*store.CronJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*store.CronJob
	for _, j := range m.jobs {
		if filter.Enabled != nil && j.Enabled != *filter.Enabled {
			continue
		}
		if filter.Process != "" && j.Process != filter.Process {
			continue
		}
		cp := *j
		result = append(result, &cp)
	}
	return result, nil
}

// mockStarter tracks StartFromCron calls.
type mockStarter struct {
	mu    sync.Mutex
	calls []startCall
	err   error
}

type startCall struct {
	Process     string
	PartnerLink string
	Operation   string
	Message     schema.Message
}

func (r *mockStarter) StartFromCron(_ context.Context, process, partnerLink, operation string, msg schema.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, startCall{Process: process, PartnerLink: partnerLink, Operation: operation, Message: msg})
	return r.err
}

func (r *mockStarter) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newTestScheduler(s store.Store, starter Starter) *Scheduler {
	return NewScheduler(s, starter, slog.Default())
}

func cronJob(id, process string, enabled bool, next *time.Time) *store.CronJob {
	return &store.CronJob{
		ID:             id,
		Process:        process,
		PartnerLink:    "client",
		Operation:      "start",
		CronExpression: "0 * * * *",
		Enabled:        enabled,
		NextRunAt:      next,
	}
}

// --- Tests ---

func TestCalculateNextRun(t *testing.T) {
	sched := newTestScheduler(newMockSchedulerStore(), &mockStarter{})
	from := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	next, err := sched.CalculateNextRun("0 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC), next)

	next, err = sched.CalculateNextRun("*/15 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 12, 15, 0, 0, time.UTC), next)

	next, err = sched.CalculateNextRun("@daily", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC), next)

	_, err = sched.CalculateNextRun("invalid cron", from)
	require.Error(t, err)
}

func TestAddJob(t *testing.T) {
	ms := newMockSchedulerStore()
	sched := newTestScheduler(ms, &mockStarter{})
	ctx := context.Background()

	job := cronJob("", "orders", true, nil)
	require.NoError(t, sched.AddJob(ctx, job))
	assert.NotEmpty(t, job.ID)
	require.NotNil(t, job.NextRunAt)
	assert.True(t, job.NextRunAt.After(time.Now().UTC()))

	bad := cronJob("bad", "orders", true, nil)
	bad.CronExpression = "every tuesday"
	err := sched.AddJob(ctx, bad)
	require.Error(t, err)
	var se *schema.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, schema.ErrCodeValidation, se.Code)
}

func TestTickRunsDueJobs(t *testing.T) {
	ms := newMockSchedulerStore()
	starter := &mockStarter{}
	sched := newTestScheduler(ms, starter)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)
	job := cronJob("job-1", "orders", true, &past)
	job.Message = json.RawMessage(`{"order":{"id":"nightly"}}`)
	require.NoError(t, ms.CreateCronJob(ctx, job))

	sched.tick(ctx)

	require.Equal(t, 1, starter.callCount())
	call := starter.calls[0]
	assert.Equal(t, "orders", call.Process)
	assert.Equal(t, "client", call.PartnerLink)
	assert.Equal(t, "start", call.Operation)
	assert.Equal(t, map[string]any{"id": "nightly"}, call.Message["order"])

	got, _ := ms.GetCronJob(ctx, "job-1")
	assert.NotNil(t, got.LastRunAt)
	assert.True(t, got.NextRunAt.After(time.Now().UTC().Add(-time.Second)))
	assert.Equal(t, "success", got.LastRunStatus)
}

func TestTickSkipsNotDueAndDisabledJobs(t *testing.T) {
	ms := newMockSchedulerStore()
	starter := &mockStarter{}
	sched := newTestScheduler(ms, starter)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)
	require.NoError(t, ms.CreateCronJob(ctx, cronJob("future", "orders", true, &future)))
	require.NoError(t, ms.CreateCronJob(ctx, cronJob("disabled", "orders", false, &past)))

	sched.tick(ctx)

	assert.Equal(t, 0, starter.callCount())
}

func TestTickWithNilNextRunAt(t *testing.T) {
	ms := newMockSchedulerStore()
	starter := &mockStarter{}
	sched := newTestScheduler(ms, starter)

	ctx := context.Background()
	require.NoError(t, ms.CreateCronJob(ctx, cronJob("job-nil-next", "orders", true, nil)))

	sched.tick(ctx)

	assert.Equal(t, 1, starter.callCount())
}

func TestMissedRecovery(t *testing.T) {
	ms := newMockSchedulerStore()
	starter := &mockStarter{}
	sched := newTestScheduler(ms, starter)

	ctx := context.Background()
	past := time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, ms.CreateCronJob(ctx, cronJob("job-missed", "cleanup", true, &past)))

	require.NoError(t, sched.RecoverMissed(ctx))

	assert.Equal(t, 1, starter.callCount())
	got, _ := ms.GetCronJob(ctx, "job-missed")
	assert.Equal(t, "success", got.LastRunStatus)
	assert.True(t, got.NextRunAt.After(time.Now().UTC()))
}

func TestJobStartFailure(t *testing.T) {
	ms := newMockSchedulerStore()
	starter := &mockStarter{err: assert.AnError}
	sched := newTestScheduler(ms, starter)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, ms.CreateCronJob(ctx, cronJob("job-fail", "orders", true, &past)))

	sched.tick(ctx)

	got, _ := ms.GetCronJob(ctx, "job-fail")
	assert.Equal(t, "error", got.LastRunStatus)
	assert.NotNil(t, got.NextRunAt)
}

func TestInvalidMessageMarksError(t *testing.T) {
	ms := newMockSchedulerStore()
	starter := &mockStarter{}
	sched := newTestScheduler(ms, starter)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)
	job := cronJob("job-bad-msg", "orders", true, &past)
	job.Message = json.RawMessage(`[1, 2]`)
	require.NoError(t, ms.CreateCronJob(ctx, job))

	sched.tick(ctx)

	assert.Equal(t, 0, starter.callCount())
	got, _ := ms.GetCronJob(ctx, "job-bad-msg")
	assert.Equal(t, "error", got.LastRunStatus)
}

func TestStartStop(t *testing.T) {
	sched := newTestScheduler(newMockSchedulerStore(), &mockStarter{})
	ctx := context.Background()

	require.NoError(t, sched.Start(ctx))

	err := sched.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")

	require.NoError(t, sched.Stop())
	require.NoError(t, sched.Stop())
}

func TestDedupPreventsDoubleRun(t *testing.T) {
	ms := newMockSchedulerStore()
	starter := &mockStarter{}
	sched := newTestScheduler(ms, starter)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, ms.CreateCronJob(ctx, cronJob("job-dedup", "orders", true, &past)))

	// Simulate an in-flight execution.
	assert.True(t, sched.tryAcquire("job-dedup"))

	sched.tick(ctx)
	assert.Equal(t, 0, starter.callCount())

	sched.releaseJob("job-dedup")
	sched.tick(ctx)
	assert.Equal(t, 1, starter.callCount())

	// Due again: the job was released after the tick.
	past2 := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, ms.UpdateCronJob(ctx, "job-dedup", store.CronJobUpdate{NextRunAt: &past2}))
	sched.tick(ctx)
	assert.Equal(t, 2, starter.callCount())
}

func TestMultipleJobsSomeDue(t *testing.T) {
	ms := newMockSchedulerStore()
	starter := &mockStarter{}
	sched := newTestScheduler(ms, starter)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)
	require.NoError(t, ms.CreateCronJob(ctx, cronJob("due-1", "alpha", true, &past)))
	require.NoError(t, ms.CreateCronJob(ctx, cronJob("not-due", "beta", true, &future)))
	require.NoError(t, ms.CreateCronJob(ctx, cronJob("due-2", "gamma", true, nil)))

	sched.tick(ctx)

	assert.Equal(t, 2, starter.callCount())
	starter.mu.Lock()
	names := make([]string, len(starter.calls))
	for i, c := range starter.calls {
		names[i] = c.Process
	}
	starter.mu.Unlock()
	assert.ElementsMatch(t, []string{"alpha", "gamma"}, names)
}
