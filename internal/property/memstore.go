package property

import (
	"context"
	"sync"
	"time"
)

// MemStore is a Store backed by process memory, for tests and local
// development.
type MemStore struct {
	mu    sync.Mutex
	props map[string]Property
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{props: make(map[string]Property)}
}

// Get implements Store.
func (s *MemStore) Get(_ context.Context, code string) (Property, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.props[code]
	if !ok {
		return Property{}, ErrNotFound
	}
	return p, nil
}

// EnsurePending implements Store.
func (s *MemStore) EnsurePending(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.props[code]
	if ok && p.Status == StatusRegistered {
		return nil
	}
	s.props[code] = Property{Code: code, Status: StatusPending, UpdatedAt: time.Now()}
	return nil
}

// MarkRegistered implements Store.
func (s *MemStore) MarkRegistered(_ context.Context, code, txRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.props[code]
	if !ok {
		return ErrNotFound
	}
	if p.Status != StatusPending {
		return nil
	}
	p.Status = StatusRegistered
	p.TxRef = txRef
	p.LastError = ""
	p.UpdatedAt = time.Now()
	s.props[code] = p
	return nil
}

// MarkFailed implements Store.
func (s *MemStore) MarkFailed(_ context.Context, code, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.props[code]
	if !ok {
		return ErrNotFound
	}
	if p.Status == StatusRegistered {
		return nil
	}
	p.Status = StatusFailed
	p.LastError = reason
	p.UpdatedAt = time.Now()
	s.props[code] = p
	return nil
}
