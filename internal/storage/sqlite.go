package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"wpsync/internal/model"
	"wpsync/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// SQLite implements PostCache backed by a SQLite database, so the cache
// survives restarts.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := migrations.Run(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// GetPage returns the cached page or ErrNotFound.
func (s *SQLite) GetPage(ctx context.Context, scope string, page int) (*model.CachePage, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT page, items, etag, total_pages_hint, fetched_at
		 FROM cache_pages WHERE scope = ? AND page = ?`, scope, page,
	)
	return scanPage(row)
}

// UpsertPage replaces whatever was stored for (scope, page.Page).
func (s *SQLite) UpsertPage(ctx context.Context, scope string, page model.CachePage) error {
	items, err := json.Marshal(page.Items)
	if err != nil {
		return fmt.Errorf("encode items: %w", err)
	}
	fetched := page.FetchedAt
	if fetched.IsZero() {
		fetched = time.Now()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO cache_pages (scope, page, items, etag, total_pages_hint, fetched_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (scope, page) DO UPDATE SET
		   items = excluded.items,
		   etag = excluded.etag,
		   total_pages_hint = excluded.total_pages_hint,
		   fetched_at = excluded.fetched_at`,
		scope, page.Page, string(items), page.ETag, page.TotalPagesHint, fetched.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("upsert page: %w", err)
	}
	return nil
}

// ReadAllPages yields the items of every page cached for scope at call time,
// lowest page number first.
func (s *SQLite) ReadAllPages(ctx context.Context, scope string) iter.Seq2[[]model.PostSummary, error] {
	return func(yield func([]model.PostSummary, error) bool) {
		nums, err := s.pageNumbers(ctx, scope)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, n := range nums {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			p, err := s.GetPage(ctx, scope, n)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(p.Items, nil) {
				return
			}
		}
	}
}

func (s *SQLite) pageNumbers(ctx context.Context, scope string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT page FROM cache_pages WHERE scope = ? ORDER BY page`, scope,
	)
	if err != nil {
		return nil, fmt.Errorf("query pages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var nums []int
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scan page number: %w", err)
		}
		nums = append(nums, n)
	}
	return nums, rows.Err()
}

// GetIndexed returns the indexed summary for id or ErrNotFound.
func (s *SQLite) GetIndexed(ctx context.Context, scope string, id int64) (*model.PostSummary, error) {
	var p model.PostSummary
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, status, link, modified_gmt FROM post_index WHERE scope = ? AND id = ?`,
		scope, id,
	).Scan(&p.ID, &p.Title, &p.Status, &p.Link, &p.ModifiedGMT)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan summary: %w", err)
	}
	return &p, nil
}

// GetAllKnownIDs returns the set of indexed IDs for scope.
func (s *SQLite) GetAllKnownIDs(ctx context.Context, scope string) (map[int64]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM post_index WHERE scope = ?`, scope)
	if err != nil {
		return nil, fmt.Errorf("query ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	ids := make(map[int64]struct{})
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// UpsertIndex stores each item under its ID; the last write for an ID wins.
func (s *SQLite) UpsertIndex(ctx context.Context, scope string, items []model.PostSummary) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, it := range items {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO post_index (scope, id, title, status, link, modified_gmt)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (scope, id) DO UPDATE SET
			   title = excluded.title,
			   status = excluded.status,
			   link = excluded.link,
			   modified_gmt = excluded.modified_gmt`,
			scope, it.ID, it.Title, it.Status, it.Link, it.ModifiedGMT,
		)
		if err != nil {
			return fmt.Errorf("upsert summary %d: %w", it.ID, err)
		}
	}
	return tx.Commit()
}

// RemoveFromIndex deletes ids from the scope's index.
func (s *SQLite) RemoveFromIndex(ctx context.Context, scope string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM post_index WHERE scope = ? AND id = ?`, scope, id); err != nil {
			return fmt.Errorf("delete summary %d: %w", id, err)
		}
	}
	return tx.Commit()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanPage(row scannable) (*model.CachePage, error) {
	var p model.CachePage
	var items, fetched string
	err := row.Scan(&p.Page, &items, &p.ETag, &p.TotalPagesHint, &fetched)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan page: %w", err)
	}
	if err := json.Unmarshal([]byte(items), &p.Items); err != nil {
		return nil, fmt.Errorf("decode items: %w", err)
	}
	p.FetchedAt, _ = time.Parse(timeLayout, fetched)
	return &p, nil
}
