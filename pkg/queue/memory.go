package queue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryService keeps queues in process memory with the same visibility
// semantics as the durable backends
type MemoryService struct {
	mu     sync.Mutex
	queues map[string]*MemoryQueue
	now    func() time.Time
}

// NewMemoryService creates an empty in-memory queue service
func NewMemoryService() *MemoryService {
	return &MemoryService{queues: make(map[string]*MemoryQueue), now: time.Now}
}

// WithClock replaces the time source, used to expire visibility timeouts in tests
func (s *MemoryService) WithClock(now func() time.Time) *MemoryService {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	return s
}

// Queue returns the named queue, creating its handle on first use
func (s *MemoryService) Queue(name string) Queue {
	return s.MemoryQueue(name)
}

// MemoryQueue returns the concrete in-memory queue for inspection
func (s *MemoryService) MemoryQueue(name string) *MemoryQueue {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[name]
	if !ok {
		q = &MemoryQueue{name: name, clock: s.clock}
		s.queues[name] = q
	}
	return q
}

func (s *MemoryService) clock() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now()
}

// Close is a no-op
func (s *MemoryService) Close() error {
	return nil
}

type memoryMessage struct {
	id           int64
	body         string
	receipt      string
	dequeueCount int64
	visibleAt    time.Time
	insertedAt   time.Time
}

// MemoryQueue is a single in-memory queue
type MemoryQueue struct {
	mu       sync.Mutex
	name     string
	created  bool
	nextID   int64
	messages []*memoryMessage
	clock    func() time.Time

	// FailEnqueueAfter makes Enqueue fail once this many messages were accepted; 0 disables
	FailEnqueueAfter int
	enqueued         int
}

func (q *MemoryQueue) Name() string {
	return q.name
}

func (q *MemoryQueue) Create(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.created = true
	return nil
}

// Created reports whether Create was called
func (q *MemoryQueue) Created() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.created
}

func (q *MemoryQueue) Enqueue(ctx context.Context, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := q.clock()
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.created {
		return fmt.Errorf("queue %s does not exist", q.name)
	}
	if q.FailEnqueueAfter > 0 && q.enqueued >= q.FailEnqueueAfter {
		return fmt.Errorf("queue %s rejected message", q.name)
	}
	q.nextID++
	q.enqueued++
	q.messages = append(q.messages, &memoryMessage{
		id:         q.nextID,
		body:       body,
		visibleAt:  now,
		insertedAt: now,
	})
	return nil
}

func (q *MemoryQueue) Receive(ctx context.Context, visibility time.Duration) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := q.clock()
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range q.messages {
		if m.visibleAt.After(now) {
			continue
		}
		m.receipt = uuid.NewString()
		m.dequeueCount++
		m.visibleAt = now.Add(visibility)
		return &Message{
			ID:           strconv.FormatInt(m.id, 10),
			Receipt:      m.receipt,
			Body:         m.body,
			DequeueCount: m.dequeueCount,
			InsertedAt:   m.insertedAt,
		}, nil
	}
	return nil, nil
}

func (q *MemoryQueue) Complete(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, m := range q.messages {
		if strconv.FormatInt(m.id, 10) != msg.ID {
			continue
		}
		if m.receipt != msg.Receipt {
			break
		}
		q.messages = append(q.messages[:i], q.messages[i+1:]...)
		return nil
	}
	return fmt.Errorf("message %s: %w", msg.ID, ErrReceiptExpired)
}

func (q *MemoryQueue) ApproximateCount(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages), nil
}

// Bodies returns the bodies of all messages still in the queue, in enqueue order
func (q *MemoryQueue) Bodies() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	bodies := make([]string, len(q.messages))
	for i, m := range q.messages {
		bodies[i] = m.body
	}
	return bodies
}
