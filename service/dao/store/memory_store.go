package store

import (
	"context"
	"sync"

	"github.com/medscreen/collab/service/dao"
)

// MemoryStore is a generic in-memory implementation of dao.Service keeping
// entities of type *T mapped by a comparable key K obtained through the
// supplied keySelector.  Concrete DAOs embed the store instead of rewriting
// identical Save/Load/Delete/List logic per entity type.
//
// When a versionSelector is supplied the store additionally implements
// dao.Versioned: SaveWithVersion persists only when the stored copy still
// carries the expected version and bumps it on success.
type MemoryStore[K comparable, T any] struct {
	mu              sync.RWMutex
	records         map[K]*T
	keySelector     func(*T) K
	versionSelector func(*T) *int
}

// Option customises a MemoryStore.
type Option[K comparable, T any] func(*MemoryStore[K, T])

// WithVersionSelector enables compare-and-swap saves; the selector must
// return a pointer to the entity's version counter.
func WithVersionSelector[K comparable, T any](selector func(*T) *int) Option[K, T] {
	return func(s *MemoryStore[K, T]) { s.versionSelector = selector }
}

// NewMemoryStore creates a new MemoryStore.  keySelector extracts the entity
// key (usually the ID field) from a value.
func NewMemoryStore[K comparable, T any](keySelector func(*T) K, options ...Option[K, T]) *MemoryStore[K, T] {
	ret := &MemoryStore[K, T]{
		records:     make(map[K]*T),
		keySelector: keySelector,
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

// Save stores or overwrites a record.
func (s *MemoryStore[K, T]) Save(_ context.Context, v *T) error {
	if v == nil {
		return dao.ErrNilEntity
	}
	key := s.keySelector(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = v
	return nil
}

// SaveWithVersion persists v only when the stored copy still carries the
// expected version; on success the version is incremented.
func (s *MemoryStore[K, T]) SaveWithVersion(_ context.Context, v *T, expected int) error {
	if v == nil {
		return dao.ErrNilEntity
	}
	if s.versionSelector == nil {
		return dao.ErrVersionConflict
	}
	key := s.keySelector(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.records[key]; ok {
		if *s.versionSelector(current) != expected {
			return dao.ErrVersionConflict
		}
	} else if expected != 0 {
		return dao.ErrVersionConflict
	}
	*s.versionSelector(v) = expected + 1
	s.records[key] = v
	return nil
}

// Load returns a copy of a record by key, or nil when absent.  The copy keeps
// the stored version counter from aliasing the caller's value, so a stale
// SaveWithVersion is rejected rather than silently matched against itself.
func (s *MemoryStore[K, T]) Load(_ context.Context, key K) (*T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.records[key]
	if !ok {
		return nil, nil
	}
	cp := *v
	return &cp, nil
}

// Delete removes a record.
func (s *MemoryStore[K, T]) Delete(_ context.Context, key K) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

// List returns all stored records.
func (s *MemoryStore[K, T]) List(_ context.Context, _ ...*dao.Parameter) ([]*T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*T, 0, len(s.records))
	for _, v := range s.records {
		cp := *v
		out = append(out, &cp)
	}
	return out, nil
}
