package feed

import (
	"cmp"
	"slices"

	"wpsync/internal/model"
)

// Snapshot is an immutable, fully merged view of one scope.
// Items are sorted by ID. Version increases by one on every merge.
type Snapshot struct {
	Scope   string              `json:"scope"`
	Version uint64              `json:"version"`
	Items   []model.PostSummary `json:"items"`
}

// Len returns the number of items.
func (s Snapshot) Len() int { return len(s.Items) }

// Get returns the item with the given ID.
func (s Snapshot) Get(id int64) (model.PostSummary, bool) {
	i, ok := slices.BinarySearchFunc(s.Items, id, func(p model.PostSummary, id int64) int {
		return cmp.Compare(p.ID, id)
	})
	if !ok {
		return model.PostSummary{}, false
	}
	return s.Items[i], true
}

// IDs returns the item IDs in ascending order.
func (s Snapshot) IDs() []int64 {
	ids := make([]int64, len(s.Items))
	for i, p := range s.Items {
		ids[i] = p.ID
	}
	return ids
}

// merge returns a new snapshot with batch applied over s, last writer wins per ID.
func (s Snapshot) merge(batch []model.PostSummary) Snapshot {
	byID := make(map[int64]model.PostSummary, len(s.Items)+len(batch))
	for _, p := range s.Items {
		byID[p.ID] = p
	}
	for _, p := range batch {
		byID[p.ID] = p
	}
	items := make([]model.PostSummary, 0, len(byID))
	for _, p := range byID {
		items = append(items, p)
	}
	slices.SortFunc(items, func(a, b model.PostSummary) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return Snapshot{Scope: s.Scope, Version: s.Version + 1, Items: items}
}
