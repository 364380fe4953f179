// Package storage defines the page cache and id index interface and its implementations.
package storage

import (
	"context"
	"errors"
	"iter"

	"wpsync/internal/model"
)

// ErrNotFound is returned when a requested page is not cached.
var ErrNotFound = errors.New("not found")

// PostCache stores fetched pages per (scope, page number) and an id-keyed
// index of the latest known summary per scope. Implementations are safe for
// concurrent use.
type PostCache interface {
	GetPage(ctx context.Context, scope string, page int) (*model.CachePage, error)
	UpsertPage(ctx context.Context, scope string, page model.CachePage) error
	ReadAllPages(ctx context.Context, scope string) iter.Seq2[[]model.PostSummary, error]

	GetIndexed(ctx context.Context, scope string, id int64) (*model.PostSummary, error)
	GetAllKnownIDs(ctx context.Context, scope string) (map[int64]struct{}, error)
	UpsertIndex(ctx context.Context, scope string, items []model.PostSummary) error
	RemoveFromIndex(ctx context.Context, scope string, ids []int64) error

	Close() error
}
