package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps idempotency records in process. It backs the memory and
// postgres order backends when no DynamoDB table is configured.
type MemoryStore struct {
	mu        sync.Mutex
	records   map[string]IdempotencyRecord
	ttlWindow time.Duration
	nowFunc   func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore(ttlWindow time.Duration) *MemoryStore {
	return &MemoryStore{
		records:   make(map[string]IdempotencyRecord),
		ttlWindow: ttlWindow,
		nowFunc:   time.Now,
	}
}

func (m *MemoryStore) CreateIfNotExists(_ context.Context, key, orderID, requestHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nowFunc().UTC()
	if rec, ok := m.records[key]; ok && !rec.Expired(now) {
		return false, nil
	}
	m.records[key] = IdempotencyRecord{
		IdempotencyKey: key,
		Status:         StatusInProgress,
		OrderID:        orderID,
		RequestHash:    requestHash,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(m.ttlWindow).Unix(),
	}
	return true, nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (*IdempotencyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok || rec.Expired(m.nowFunc()) {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) MarkDone(_ context.Context, key, responseBody string, responseStatus int) error {
	return m.update(key, func(r *IdempotencyRecord) {
		r.Status = StatusDone
		r.ResponseBody = responseBody
		r.ResponseStatus = responseStatus
	})
}

func (m *MemoryStore) MarkFailed(_ context.Context, key, note string) error {
	return m.update(key, func(r *IdempotencyRecord) {
		r.Status = StatusFailed
		r.Note = note
	})
}

func (m *MemoryStore) update(key string, fn func(*IdempotencyRecord)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok {
		return ErrRecordNotFound
	}
	fn(&rec)
	rec.UpdatedAt = m.nowFunc().UTC()
	m.records[key] = rec
	return nil
}
