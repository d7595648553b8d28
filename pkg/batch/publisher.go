// Package batch turns a movement configuration into a persisted batch record
// and a queue holding one job per selected source object.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"blobmover/pkg/config"
	"blobmover/pkg/models"
	"blobmover/pkg/queue"
	"blobmover/pkg/selector"
	"blobmover/pkg/state"
	"blobmover/pkg/storage"
)

// StoreOpener opens a container-scoped store for an account
type StoreOpener func(ctx context.Context, account config.Account, container string) (storage.Store, error)

// ProgressFunc is called after each enqueue with the running and total counts
type ProgressFunc func(done, total int)

// Result describes a published batch
type Result struct {
	BatchID    string `json:"batch_id"`
	QueueName  string `json:"queue_name"`
	Enqueued   int    `json:"enqueued"`
	TotalBytes int64  `json:"total_bytes"`
}

// Publisher creates batches
type Publisher struct {
	env       config.Environment
	records   state.RecordStore
	queues    queue.Service
	openStore StoreOpener
	selector  *selector.Selector
	newID     func() string
	now       func() time.Time
	progress  ProgressFunc
	validated func()
	logger    *slog.Logger
}

// Option configures a Publisher
type Option func(*Publisher)

// WithStoreOpener replaces how the source container is opened
func WithStoreOpener(open StoreOpener) Option {
	return func(p *Publisher) { p.openStore = open }
}

// WithIDGenerator replaces the batch id generator
func WithIDGenerator(newID func() string) Option {
	return func(p *Publisher) { p.newID = newID }
}

// WithClock replaces the time source used for CreatedAt
func WithClock(now func() time.Time) Option {
	return func(p *Publisher) { p.now = now }
}

// WithProgress reports enqueue progress
func WithProgress(fn ProgressFunc) Option {
	return func(p *Publisher) { p.progress = fn }
}

// WithAccountsValidated is called once both connection strings resolved
func WithAccountsValidated(fn func()) Option {
	return func(p *Publisher) { p.validated = fn }
}

// WithLogger sets the diagnostic logger
func WithLogger(l *slog.Logger) Option {
	return func(p *Publisher) { p.logger = l }
}

// NewPublisher creates a publisher writing records to records and jobs to queues
func NewPublisher(env config.Environment, records state.RecordStore, queues queue.Service, opts ...Option) *Publisher {
	p := &Publisher{
		env:       env,
		records:   records,
		queues:    queues,
		openStore: storage.Open,
		newID:     uuid.NewString,
		now:       time.Now,
		progress:  func(int, int) {},
		validated: func() {},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.selector = selector.New(p.logger)
	return p
}

// Publish validates cfg, stores its batch record, selects the source objects
// and enqueues one job per object. Validation happens before anything is written.
func (p *Publisher) Publish(ctx context.Context, cfg models.MovementConfiguration) (Result, error) {
	srcAccount, _, err := config.ResolveAccounts(cfg)
	if err != nil {
		return Result{}, err
	}
	p.validated()

	batchID := p.newID()
	cfg = cfg.WithBatchID(batchID)
	result := Result{BatchID: batchID, QueueName: p.env.QueueName(batchID)}
	logger := p.logger.With("batch", batchID, "customer", cfg.CustomerID)

	if err := p.records.EnsureTables(ctx); err != nil {
		return result, fmt.Errorf("failed to prepare tables: %w", err)
	}
	record := models.BatchRecord{
		CustomerID:    cfg.CustomerID,
		BatchID:       batchID,
		Configuration: cfg,
		CreatedAt:     p.now().UTC(),
	}
	if err := p.records.InsertBatch(ctx, record); err != nil {
		return result, fmt.Errorf("failed to save batch %s: %w", batchID, err)
	}
	logger.Debug("batch record saved")

	source, err := p.openStore(ctx, srcAccount, cfg.SrcContainerName)
	if err != nil {
		return result, models.ConfigurationError("open source container", err)
	}
	candidates, err := p.selector.Select(ctx, source, cfg.SrcPattern, cfg.SrcExcludePattern)
	if err != nil {
		return result, err
	}
	result.TotalBytes = candidates.TotalBytes()

	q := p.queues.Queue(result.QueueName)
	if err := q.Create(ctx); err != nil {
		return result, fmt.Errorf("failed to create queue %s: %w", result.QueueName, err)
	}

	objects := candidates.Objects()
	for i, obj := range objects {
		objectURL := obj.URL
		if objectURL == "" {
			objectURL = source.ObjectURL(obj.Name)
		}
		if err := q.Enqueue(ctx, objectURL); err != nil {
			return result, fmt.Errorf("failed to enqueue %s: %w", obj.Name, err)
		}
		result.Enqueued++
		p.progress(i+1, len(objects))
	}

	logger.Info("batch published", "queue", result.QueueName, "jobs", result.Enqueued, "bytes", result.TotalBytes)
	return result, nil
}
