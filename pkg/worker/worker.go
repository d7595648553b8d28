// Package worker consumes a batch queue, running the transfer engine on each job.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"blobmover/pkg/config"
	"blobmover/pkg/models"
	"blobmover/pkg/progress"
	"blobmover/pkg/queue"
	"blobmover/pkg/scheduler"
	"blobmover/pkg/state"
)

// Transferer runs one job. A non-nil error means the worker cannot continue.
type Transferer interface {
	Transfer(ctx context.Context, job models.Job) (models.TransferOutcome, error)
}

// State of the receive loop
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateIdle     State = "idle"
	StateStopped  State = "stopped"
)

const lifeSignalJob = "life-signal"

// Status is a point-in-time view of a worker
type Status struct {
	WorkerID   string         `json:"worker_id"`
	CustomerID string         `json:"customer_id"`
	BatchID    string         `json:"batch_id"`
	Queue      string         `json:"queue"`
	State      State          `json:"state"`
	Received   int64          `json:"received"`
	Poisoned   int64          `json:"poisoned"`
	Stats      progress.Stats `json:"stats"`

	// zero until the periodic life signal is scheduled
	NextLifeSignal time.Time `json:"next_life_signal"`
}

// Worker processes the jobs of one batch
type Worker struct {
	id      string
	env     config.Environment
	record  models.BatchRecord
	queue   queue.Queue
	engine  Transferer
	records state.RecordStore
	tracker *progress.Tracker
	logger  *slog.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error

	mu         sync.RWMutex
	state      State
	lifeSignal *scheduler.Scheduler
	received atomic.Int64
	poisoned atomic.Int64
}

// Option configures a Worker
type Option func(*Worker)

// WithID overrides the machine-derived worker id
func WithID(id string) Option {
	return func(w *Worker) { w.id = id }
}

// WithTracker shares the engine's tracker so life signals report its counters
func WithTracker(t *progress.Tracker) Option {
	return func(w *Worker) { w.tracker = t }
}

// WithLogger sets the diagnostic logger
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// WithClock replaces the time source
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// WithSleep replaces how the worker waits between polls of an empty queue
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(w *Worker) { w.sleep = sleep }
}

// New creates a worker for the batch described by record
func New(env config.Environment, record models.BatchRecord, q queue.Queue, engine Transferer, records state.RecordStore, opts ...Option) *Worker {
	w := &Worker{
		env:     env,
		record:  record,
		queue:   q,
		engine:  engine,
		records: records,
		logger:  slog.Default(),
		now:     time.Now,
		sleep:   sleepContext,
		state:   StateStarting,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.id == "" {
		w.id = Identity()
	}
	if w.tracker == nil {
		w.tracker = progress.NewTracker(0)
	}
	w.logger = w.logger.With("worker", w.id, "batch", record.BatchID)
	return w
}

// ID returns the worker id
func (w *Worker) ID() string {
	return w.id
}

// Status returns the current counters
func (w *Worker) Status() Status {
	w.mu.RLock()
	st := w.state
	sched := w.lifeSignal
	w.mu.RUnlock()

	var next time.Time
	if sched != nil {
		next, _ = sched.Next(lifeSignalJob)
	}
	return Status{
		WorkerID:   w.id,
		CustomerID: w.record.CustomerID,
		BatchID:    w.record.BatchID,
		Queue:      w.queue.Name(),
		State:      st,
		Received:   w.received.Load(),
		Poisoned:   w.poisoned.Load(),
		Stats:      w.tracker.Stats(),

		NextLifeSignal: next,
	}
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Run receives and processes jobs until the queue has stayed empty for the
// configured wait, ctx is cancelled, or the engine reports a fatal error.
// Cancellation is a clean stop and returns nil.
func (w *Worker) Run(ctx context.Context) error {
	defer w.setState(StateStopped)

	if count, err := w.queue.ApproximateCount(ctx); err == nil {
		w.tracker.SetTotal(count)
	}

	stop, err := w.startLifeSignal(ctx)
	if err != nil {
		return err
	}
	defer stop()

	w.logger.Info("worker started", "queue", w.queue.Name(), "visibility", w.env.VisibilityTimeout())
	idleSince := w.now()
	for {
		if ctx.Err() != nil {
			return nil
		}

		msg, err := w.queue.Receive(ctx, w.env.VisibilityTimeout())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Warn("receive failed", "error", err)
			msg = nil
		}

		if msg == nil {
			w.setState(StateIdle)
			if w.now().Sub(idleSince) >= w.env.QueueWait() {
				w.logger.Info("queue stayed empty, exiting", "waited", w.now().Sub(idleSince).Round(time.Second))
				return nil
			}
			if err := w.sleep(ctx, w.env.PollInterval); err != nil {
				return nil
			}
			continue
		}

		w.setState(StateRunning)
		if err := w.handle(ctx, msg); err != nil {
			return err
		}
		idleSince = w.now()
	}
}

func (w *Worker) handle(ctx context.Context, msg *queue.Message) error {
	w.received.Add(1)
	job := models.Job{
		ObjectURL:     strings.TrimSpace(msg.Body),
		BatchID:       w.record.BatchID,
		DeliveryCount: msg.DequeueCount,
	}

	outcome, fatal := w.engine.Transfer(ctx, job)
	if fatal != nil {
		// the message becomes visible again once its timeout lapses
		w.logger.Error("stopping worker", "url", job.ObjectURL, "error", fatal)
		return fatal
	}

	switch {
	case !outcome.Failed():
		w.complete(ctx, msg)
	case msg.DequeueCount >= w.env.MaxDeliveries:
		w.poisoned.Add(1)
		w.logger.Error("giving up on job after repeated failures",
			"url", job.ObjectURL, "deliveries", msg.DequeueCount, "error", outcome.Err)
		w.complete(ctx, msg)
	default:
		w.logger.Warn("job failed, leaving it for redelivery",
			"url", job.ObjectURL, "deliveries", msg.DequeueCount, "error", outcome.Err)
	}
	return nil
}

func (w *Worker) complete(ctx context.Context, msg *queue.Message) {
	err := w.queue.Complete(ctx, msg)
	switch {
	case err == nil:
	case errors.Is(err, queue.ErrReceiptExpired):
		w.logger.Warn("job outlived its visibility timeout and may run again", "message", msg.ID)
	default:
		w.logger.Warn("failed to complete job", "message", msg.ID, "error", err)
	}
}

// startLifeSignal writes a first heartbeat, schedules the periodic ones and
// returns a stop function that writes the last.
func (w *Worker) startLifeSignal(ctx context.Context) (func(), error) {
	w.SendLifeSignal(ctx)

	sched := scheduler.New(w.logger)
	if w.env.LifeSignalMinutes > 0 {
		every := time.Duration(w.env.LifeSignalMinutes) * time.Minute
		if err := sched.Add(lifeSignalJob, scheduler.Every(every), func() { w.SendLifeSignal(ctx) }); err != nil {
			return nil, fmt.Errorf("failed to schedule life signal: %w", err)
		}
	}
	if err := sched.Start(); err != nil {
		return nil, err
	}
	w.mu.Lock()
	w.lifeSignal = sched
	w.mu.Unlock()

	return func() {
		w.mu.Lock()
		w.lifeSignal = nil
		w.mu.Unlock()
		if err := sched.Stop(); err != nil {
			w.logger.Warn("failed to stop life signal", "error", err)
		}
		w.SendLifeSignal(context.WithoutCancel(ctx))
	}, nil
}

// SendLifeSignal upserts this worker's heartbeat into the progress table
func (w *Worker) SendLifeSignal(ctx context.Context) {
	stats := w.tracker.Stats()
	signal := models.LifeSignal{
		BatchID:       w.record.BatchID,
		WorkerID:      w.id,
		CustomerID:    w.record.CustomerID,
		Processed:     stats.Processed(),
		Failed:        stats.Failed,
		Bytes:         stats.Bytes,
		CurrentObject: stats.CurrentObject,
		At:            w.now().UTC(),
	}
	if err := w.records.SaveLifeSignal(ctx, signal); err != nil {
		w.logger.Warn("failed to save life signal", "error", err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
