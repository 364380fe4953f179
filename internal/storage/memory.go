package storage

import (
	"context"
	"iter"
	"slices"
	"sync"

	"wpsync/internal/model"
)

type pageKey struct {
	scope string
	page  int
}

// Memory implements PostCache in process memory. It never performs I/O.
type Memory struct {
	mu      sync.RWMutex
	pages   map[pageKey]model.CachePage
	indexes map[string]map[int64]model.PostSummary
}

// NewMemory creates an empty in-memory cache.
func NewMemory() *Memory {
	return &Memory{
		pages:   make(map[pageKey]model.CachePage),
		indexes: make(map[string]map[int64]model.PostSummary),
	}
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

// GetPage returns the cached page or ErrNotFound.
func (m *Memory) GetPage(_ context.Context, scope string, page int) (*model.CachePage, error) {
	m.mu.RLock()
	p, ok := m.pages[pageKey{scope, page}]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	p.Items = slices.Clone(p.Items)
	return &p, nil
}

// UpsertPage replaces whatever was stored for (scope, page.Page).
func (m *Memory) UpsertPage(_ context.Context, scope string, page model.CachePage) error {
	page.Items = slices.Clone(page.Items)
	m.mu.Lock()
	m.pages[pageKey{scope, page.Page}] = page
	m.mu.Unlock()
	return nil
}

// ReadAllPages yields the items of every page cached for scope at call time,
// lowest page number first.
func (m *Memory) ReadAllPages(ctx context.Context, scope string) iter.Seq2[[]model.PostSummary, error] {
	return func(yield func([]model.PostSummary, error) bool) {
		m.mu.RLock()
		var nums []int
		for k := range m.pages {
			if k.scope == scope {
				nums = append(nums, k.page)
			}
		}
		m.mu.RUnlock()
		slices.Sort(nums)

		for _, n := range nums {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			m.mu.RLock()
			p, ok := m.pages[pageKey{scope, n}]
			m.mu.RUnlock()
			if !ok {
				continue
			}
			if !yield(slices.Clone(p.Items), nil) {
				return
			}
		}
	}
}

// GetAllKnownIDs returns a copy of the index key set for scope.
func (m *Memory) GetAllKnownIDs(_ context.Context, scope string) (map[int64]struct{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx := m.indexes[scope]
	ids := make(map[int64]struct{}, len(idx))
	for id := range idx {
		ids[id] = struct{}{}
	}
	return ids, nil
}

// UpsertIndex stores each item under its ID; the last write for an ID wins.
// Each ID is written under its own critical section, so a batch is not atomic.
func (m *Memory) UpsertIndex(_ context.Context, scope string, items []model.PostSummary) error {
	for _, it := range items {
		m.mu.Lock()
		idx, ok := m.indexes[scope]
		if !ok {
			idx = make(map[int64]model.PostSummary)
			m.indexes[scope] = idx
		}
		idx[it.ID] = it
		m.mu.Unlock()
	}
	return nil
}

// RemoveFromIndex deletes ids from the scope's index.
func (m *Memory) RemoveFromIndex(_ context.Context, scope string, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.indexes[scope]
	if !ok {
		return nil
	}
	for _, id := range ids {
		delete(idx, id)
	}
	return nil
}

// GetIndexed returns the indexed summary for id or ErrNotFound.
func (m *Memory) GetIndexed(_ context.Context, scope string, id int64) (*model.PostSummary, error) {
	m.mu.RLock()
	p, ok := m.indexes[scope][id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}
