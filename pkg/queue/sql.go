package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver
)

const jobsSchema = `
	CREATE TABLE IF NOT EXISTS p2b_jobs (
		id BIGSERIAL PRIMARY KEY,
		queue_name VARCHAR(255) NOT NULL,
		body TEXT NOT NULL,
		receipt VARCHAR(64),
		dequeue_count BIGINT NOT NULL DEFAULT 0,
		visible_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_p2b_jobs_visible ON p2b_jobs(queue_name, visible_at);
`

const receiveQuery = `
	UPDATE p2b_jobs
	SET receipt = $1,
		dequeue_count = dequeue_count + 1,
		visible_at = CURRENT_TIMESTAMP + ($2 * INTERVAL '1 second')
	WHERE id = (
		SELECT id FROM p2b_jobs
		WHERE queue_name = $3 AND visible_at <= CURRENT_TIMESTAMP
		ORDER BY id
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	)
	RETURNING id, body, dequeue_count, created_at
`

// SQLService keeps every batch queue as rows of one jobs table
type SQLService struct {
	db *sql.DB
}

// NewSQLService opens the database and makes sure the jobs table exists
func NewSQLService(ctx context.Context, driverName, connectionString string) (*SQLService, error) {
	db, err := sql.Open(driverName, connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &SQLService{db: db}, nil
}

// Queue returns the named queue
func (s *SQLService) Queue(name string) Queue {
	return &sqlQueue{name: name, db: s.db}
}

// Close closes the database connection
func (s *SQLService) Close() error {
	return s.db.Close()
}

type sqlQueue struct {
	name string
	db   *sql.DB
}

func (q *sqlQueue) Name() string {
	return q.name
}

func (q *sqlQueue) Create(ctx context.Context) error {
	if _, err := q.db.ExecContext(ctx, jobsSchema); err != nil {
		return fmt.Errorf("failed to create jobs table: %w", err)
	}
	return nil
}

func (q *sqlQueue) Enqueue(ctx context.Context, body string) error {
	_, err := q.db.ExecContext(ctx, `INSERT INTO p2b_jobs (queue_name, body) VALUES ($1, $2)`, q.name, body)
	if err != nil {
		return fmt.Errorf("failed to enqueue to %s: %w", q.name, err)
	}
	return nil
}

func (q *sqlQueue) Receive(ctx context.Context, visibility time.Duration) (*Message, error) {
	receipt := uuid.NewString()

	var (
		id  int64
		msg = Message{Receipt: receipt}
	)
	err := q.db.QueryRowContext(ctx, receiveQuery, receipt, int64(visibility/time.Second), q.name).
		Scan(&id, &msg.Body, &msg.DequeueCount, &msg.InsertedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to receive from %s: %w", q.name, err)
	}
	msg.ID = strconv.FormatInt(id, 10)
	return &msg, nil
}

func (q *sqlQueue) Complete(ctx context.Context, msg *Message) error {
	result, err := q.db.ExecContext(ctx, `DELETE FROM p2b_jobs WHERE id = $1 AND receipt = $2`, msg.ID, msg.Receipt)
	if err != nil {
		return fmt.Errorf("failed to complete message %s: %w", msg.ID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("message %s: %w", msg.ID, ErrReceiptExpired)
	}
	return nil
}

func (q *sqlQueue) ApproximateCount(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM p2b_jobs WHERE queue_name = $1`, q.name).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", q.name, err)
	}
	return n, nil
}
