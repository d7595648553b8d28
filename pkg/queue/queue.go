// Package queue carries batch jobs from the batch creator to the movers.
//
// Delivery is at-least-once: a received message stays invisible for the
// visibility timeout and comes back unless it is completed first.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"blobmover/pkg/config"
	"blobmover/pkg/models"
)

// ErrReceiptExpired is returned when a message is completed after its
// visibility timeout elapsed and another consumer received it.
var ErrReceiptExpired = errors.New("message receipt no longer valid")

// Message is one received queue message
type Message struct {
	ID           string
	Receipt      string
	Body         string
	DequeueCount int64
	InsertedAt   time.Time
}

// Queue is a named at-least-once queue
type Queue interface {
	Name() string
	// Create makes the queue if it does not exist yet
	Create(ctx context.Context) error
	Enqueue(ctx context.Context, body string) error
	// Receive returns the next visible message, or nil when none is visible
	Receive(ctx context.Context, visibility time.Duration) (*Message, error)
	Complete(ctx context.Context, msg *Message) error
	ApproximateCount(ctx context.Context) (int, error)
}

// Service hands out queues by name
type Service interface {
	Queue(name string) Queue
	Close() error
}

// Open selects the queue backend: the configured database when there is one,
// otherwise the queue service of the Azure source account.
func Open(ctx context.Context, env config.Environment, account config.Account) (Service, error) {
	if env.DatabaseURL != "" {
		return NewSQLService(ctx, env.DatabaseDriver, env.DatabaseURL)
	}
	if account.Kind == config.AccountAzure {
		return NewAzureService(account)
	}
	return nil, models.ConfigurationError("open queue",
		fmt.Errorf("%s accounts have no queue service, set P2B_DATABASE_URL", account.Kind))
}
