package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blobmover/pkg/config"
	"blobmover/pkg/models"
	"blobmover/pkg/progress"
	"blobmover/pkg/queue"
	"blobmover/pkg/state"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

// fakeEngine fails the urls in failing and records every job it sees
type fakeEngine struct {
	mu      sync.Mutex
	tracker *progress.Tracker
	failing map[string]bool
	fatal   error
	jobs    []models.Job
}

func (e *fakeEngine) Transfer(_ context.Context, job models.Job) (models.TransferOutcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.jobs = append(e.jobs, job)
	if e.fatal != nil {
		return models.TransferOutcome{Job: job, Status: models.OutcomeFailed}, e.fatal
	}
	outcome := models.TransferOutcome{Job: job, Status: models.OutcomeCompleted, Size: 10}
	if e.failing[job.ObjectURL] {
		outcome = models.TransferOutcome{Job: job, Status: models.OutcomeFailed, Err: errors.New("copy failed")}
	}
	e.tracker.AddBytes(outcome.Size)
	e.tracker.Record(outcome)
	return outcome, nil
}

type harness struct {
	env     config.Environment
	clock   *fakeClock
	queues  *queue.MemoryService
	q       *queue.MemoryQueue
	records *state.MemoryStore
	engine  *fakeEngine
	tracker *progress.Tracker
}

func newHarness(t *testing.T, bodies ...string) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
	env := config.DefaultEnvironment()
	env.QueueWaitMinutes = 0
	env.MaxMinutesPerDownload = 1
	env.PollInterval = 2 * time.Minute

	queues := queue.NewMemoryService().WithClock(clock.Now)
	q := queues.MemoryQueue("p2bjobs-b1")
	require.NoError(t, q.Create(context.Background()))
	for _, body := range bodies {
		require.NoError(t, q.Enqueue(context.Background(), body))
	}
	tracker := progress.NewTracker(0)
	return &harness{
		env:     env,
		clock:   clock,
		queues:  queues,
		q:       q,
		records: state.NewMemoryStore(),
		engine:  &fakeEngine{tracker: tracker, failing: map[string]bool{}},
		tracker: tracker,
	}
}

func (h *harness) worker() *Worker {
	record := models.BatchRecord{CustomerID: "contoso", BatchID: "B1"}
	return New(h.env, record, h.q, h.engine, h.records,
		WithID("w-1"),
		WithTracker(h.tracker),
		WithClock(h.clock.Now),
		WithSleep(h.clock.Sleep),
	)
}

func TestRunDrainsQueue(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "memory://account/src/a", " memory://account/src/b\n")
	w := h.worker()

	require.NoError(t, w.Run(context.Background()))

	assert.Empty(t, h.q.Bodies())
	require.Len(t, h.engine.jobs, 2)
	assert.Equal(t, models.Job{ObjectURL: "memory://account/src/b", BatchID: "B1", DeliveryCount: 1}, h.engine.jobs[1])

	status := w.Status()
	assert.Equal(t, StateStopped, status.State)
	assert.Equal(t, int64(2), status.Received)
	assert.Equal(t, int64(2), status.Stats.Total)
	assert.Equal(t, "p2bjobs-b1", status.Queue)
	assert.True(t, status.NextLifeSignal.IsZero(), "no life signal is scheduled once stopped")

	signal, ok := h.records.LifeSignal("B1", "w-1")
	require.True(t, ok)
	assert.Equal(t, int64(2), signal.Processed)
	assert.Equal(t, int64(20), signal.Bytes)
	assert.Equal(t, "contoso", signal.CustomerID)
}

func TestRunLeavesFailedJobForRedelivery(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "bad", "good")
	h.engine.failing["bad"] = true

	require.NoError(t, h.worker().Run(context.Background()))
	assert.Equal(t, []string{"bad"}, h.q.Bodies())
}

func TestRunCompletesPoisonMessages(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "bad")
	h.env.MaxDeliveries = 3
	h.env.QueueWaitMinutes = 10
	h.engine.failing["bad"] = true
	w := h.worker()

	require.NoError(t, w.Run(context.Background()))

	assert.Empty(t, h.q.Bodies())
	require.Len(t, h.engine.jobs, 3)
	assert.Equal(t, int64(3), h.engine.jobs[2].DeliveryCount)
	assert.Equal(t, int64(1), w.Status().Poisoned)
}

func TestRunWaitsForLateJobs(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.env.QueueWaitMinutes = 10
	enqueued := false
	w := New(h.env, models.BatchRecord{BatchID: "B1"}, h.q, h.engine, h.records,
		WithID("w-1"),
		WithTracker(h.tracker),
		WithClock(h.clock.Now),
		WithSleep(func(ctx context.Context, d time.Duration) error {
			if !enqueued {
				enqueued = true
				require.NoError(t, h.q.Enqueue(ctx, "late"))
			}
			return h.clock.Sleep(ctx, d)
		}),
	)

	require.NoError(t, w.Run(context.Background()))
	require.Len(t, h.engine.jobs, 1)
	assert.Equal(t, "late", h.engine.jobs[0].ObjectURL)
}

func TestStatusReportsNextLifeSignal(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.env.QueueWaitMinutes = 1
	h.env.LifeSignalMinutes = 5

	var (
		w    *Worker
		seen Status
	)
	w = New(h.env, models.BatchRecord{BatchID: "B1"}, h.q, h.engine, h.records,
		WithID("w-1"),
		WithTracker(h.tracker),
		WithClock(h.clock.Now),
		WithSleep(func(ctx context.Context, d time.Duration) error {
			if seen.NextLifeSignal.IsZero() {
				require.Eventually(t, func() bool {
					seen = w.Status()
					return !seen.NextLifeSignal.IsZero()
				}, 3*time.Second, 10*time.Millisecond)
			}
			return h.clock.Sleep(ctx, d)
		}),
	)

	require.NoError(t, w.Run(context.Background()))
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), seen.NextLifeSignal, time.Minute)
	assert.Equal(t, StateIdle, seen.State)
}

func TestRunStopsOnFatalError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "a", "b")
	h.engine.fatal = models.ConfigurationError("download", models.ErrCopyToolNotFound)

	err := h.worker().Run(context.Background())
	require.ErrorIs(t, err, models.ErrCopyToolNotFound)
	assert.Len(t, h.engine.jobs, 1)
	assert.Len(t, h.q.Bodies(), 2, "nothing is completed")
}

func TestRunCancelled(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "a")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.NoError(t, h.worker().Run(ctx))
	assert.Empty(t, h.engine.jobs)

	_, ok := h.records.LifeSignal("B1", "w-1")
	assert.True(t, ok, "the last life signal is written even after cancellation")
}

func TestIdentity(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "product_uuid")
	require.NoError(t, os.WriteFile(path, []byte("4C4C4544-0042-3510-8051-B7C04F4E3132\n"), 0o600))

	hostname := func() (string, error) { return "vm-7", nil }
	newID := func() string { return "r4nd" }

	assert.Equal(t, "4c4c4544-0042-3510-8051-b7c04f4e3132", identity(path, hostname, newID))
	assert.Equal(t, "vm-7-r4nd", identity(filepath.Join(dir, "missing"), hostname, newID))
	assert.Equal(t, "worker-r4nd", identity(filepath.Join(dir, "missing"),
		func() (string, error) { return "", errors.New("no hostname") }, newID))
}
