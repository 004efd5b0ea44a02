package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory Repository for local runs and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]Order
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]Order)}
}

func (m *MemoryStore) Create(_ context.Context, order Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.orders[order.ID]; exists {
		return ErrAlreadyExists
	}
	order.CustomerEmailKey = EmailKey(order.CustomerEmail)
	cp, err := clone(order)
	if err != nil {
		return err
	}
	m.orders[order.ID] = cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, orderID string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	cp, err := clone(o)
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

func (m *MemoryStore) List(_ context.Context, filter Filter, page Page) (ListResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	matched := make([]Order, 0)
	for _, o := range m.orders {
		if !filter.Matches(o) {
			continue
		}
		cp, err := clone(o)
		if err != nil {
			return ListResult{}, err
		}
		matched = append(matched, cp)
	}
	return paginate(matched, page), nil
}

func (m *MemoryStore) UpdateDetails(_ context.Context, orderID string, patch DetailsPatch) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	if patch.ExpectBasis != nil && !BasisOf(o).Equal(*patch.ExpectBasis) {
		return nil, ErrStale
	}
	o.ApplyPatch(patch)
	stored, err := clone(o)
	if err != nil {
		return nil, err
	}
	m.orders[orderID] = stored
	cp, err := clone(stored)
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

func (m *MemoryStore) ApplyStatusChange(_ context.Context, orderID string, change StatusChange) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	if change.ExpectStatus != "" && o.Status != change.ExpectStatus {
		return nil, ErrStale
	}
	o.Apply(change)
	m.orders[orderID] = o
	cp, err := clone(o)
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// clone deep-copies an order so callers never share the opaque item maps
// with the store.
func clone(o Order) (Order, error) {
	b, err := json.Marshal(o)
	if err != nil {
		return Order{}, fmt.Errorf("clone order: %w", err)
	}
	var out Order
	if err := json.Unmarshal(b, &out); err != nil {
		return Order{}, fmt.Errorf("clone order: %w", err)
	}
	out.CustomerEmailKey = o.CustomerEmailKey
	return out, nil
}
