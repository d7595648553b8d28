package state

import (
	"context"
	"fmt"
	"sync"

	"blobmover/pkg/models"
)

// MemoryStore is an in-process RecordStore that round-trips records through
// their property bags like the durable backends do
type MemoryStore struct {
	mu            sync.Mutex
	tablesCreated bool
	records       map[string]map[string]any
	signals       map[string]models.LifeSignal
}

// NewMemoryStore creates an empty record store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]map[string]any),
		signals: make(map[string]models.LifeSignal),
	}
}

func recordKey(customerID, batchID string) string {
	return customerID + "/" + batchID
}

func (m *MemoryStore) EnsureTables(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tablesCreated = true
	return nil
}

// TablesCreated reports whether EnsureTables ran
func (m *MemoryStore) TablesCreated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tablesCreated
}

func (m *MemoryStore) InsertBatch(ctx context.Context, record models.BatchRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.tablesCreated {
		return fmt.Errorf("params table does not exist")
	}
	key := recordKey(record.CustomerID, record.BatchID)
	if _, ok := m.records[key]; ok {
		return fmt.Errorf("%s: %w", key, models.ErrRecordExists)
	}
	m.records[key] = RecordProperties(record)
	return nil
}

func (m *MemoryStore) LoadBatch(ctx context.Context, customerID, batchID string) (*models.BatchRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	props, ok := m.records[recordKey(customerID, batchID)]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", customerID, batchID, models.ErrRecordNotFound)
	}
	record := RecordFromProperties(customerID, batchID, props)
	return &record, nil
}

func (m *MemoryStore) SaveLifeSignal(ctx context.Context, signal models.LifeSignal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signals[recordKey(signal.BatchID, signal.WorkerID)] = signal
	return nil
}

// LifeSignal returns the last heartbeat of a worker
func (m *MemoryStore) LifeSignal(batchID, workerID string) (models.LifeSignal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.signals[recordKey(batchID, workerID)]
	return s, ok
}

// RecordCount returns the number of stored batch records
func (m *MemoryStore) RecordCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *MemoryStore) Close() error {
	return nil
}
