package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sebas/registrard/internal/registrar/binding"
)

// MemoryStore is an in-memory BindingStore. Bindings are copied on the way
// in and out so callers can mutate their snapshots freely between calls.
type MemoryStore struct {
	mu       sync.RWMutex
	bindings map[string]*binding.Binding // keyed by binding ID
}

// NewMemoryStore creates an empty in-memory binding store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bindings: make(map[string]*binding.Binding)}
}

func (s *MemoryStore) Add(ctx context.Context, b *binding.Binding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.bindings[b.ID]; exists {
		return fmt.Errorf("binding %s already exists", b.ID)
	}
	cp := *b
	s.bindings[b.ID] = &cp
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, b *binding.Binding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.bindings[b.ID]; !exists {
		return fmt.Errorf("update binding %s: %w", b.ID, ErrNotFound)
	}
	cp := *b
	s.bindings[b.ID] = &cp
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, b *binding.Binding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.bindings, b.ID)
	return nil
}

func (s *MemoryStore) FetchOne(ctx context.Context, f Filter) (*binding.Binding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, b := range s.bindings {
		if matches(b, f) {
			cp := *b
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) FetchMany(ctx context.Context, f Filter, order Order, offset, limit int) ([]*binding.Binding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*binding.Binding
	for _, b := range s.bindings {
		if matches(b, f) {
			cp := *b
			result = append(result, &cp)
		}
	}

	switch order {
	case OrderLastUpdateAsc:
		sort.Slice(result, func(i, j int) bool {
			return result[i].LastUpdate.Before(result[j].LastUpdate)
		})
	default:
		// Map iteration is unordered; sort by ID for stable paging.
		sort.Slice(result, func(i, j int) bool {
			return result[i].ID < result[j].ID
		})
	}

	if offset > 0 {
		if offset >= len(result) {
			return nil, nil
		}
		result = result[offset:]
	}
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) Count(ctx context.Context, f Filter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, b := range s.bindings {
		if matches(b, f) {
			n++
		}
	}
	return n, nil
}
