// Package model defines the domain types used across the application.
package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PostSummary is the listing view of one item in a remote collection.
// Identity is ID; two summaries with the same ID describe the same item.
type PostSummary struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	Status      string `json:"status"`
	Link        string `json:"link"`
	ModifiedGMT string `json:"modified_gmt"`
}

// Known post statuses.
const (
	StatusDraft   = "draft"
	StatusPending = "pending"
	StatusPublish = "publish"
	StatusPrivate = "private"
	StatusTrash   = "trash"
)

// CachePage is one fetched page of a scope.
type CachePage struct {
	Page           int
	Items          []PostSummary
	ETag           string
	TotalPagesHint int
	FetchedAt      time.Time
}

// StreamOptions configures a single crawl.
type StreamOptions struct {
	WarmFirstCount int
	MaxBatchSize   int
}

// DefaultStreamOptions returns the crawl sizes used when none are configured.
func DefaultStreamOptions() StreamOptions {
	return StreamOptions{WarmFirstCount: 10, MaxBatchSize: 100}
}

// StreamProgress reports how far a crawl has come.
type StreamProgress struct {
	PagesCompleted int
	TotalPagesHint int
}

// LockInfo is the decoded value of an item's _edit_lock meta field.
type LockInfo struct {
	At     time.Time
	UserID int64
}

// ParseLock decodes "<unixSeconds>:<userId>". It reports false when there
// is no numeric owner. An unreadable timestamp leaves At zero, which makes
// the lock stale for any ttl.
func ParseLock(raw string) (LockInfo, bool) {
	raw = strings.TrimSpace(raw)
	ts, uid, ok := strings.Cut(raw, ":")
	if !ok {
		return LockInfo{}, false
	}
	id, err := strconv.ParseInt(uid, 10, 64)
	if err != nil {
		return LockInfo{}, false
	}
	info := LockInfo{UserID: id}
	if sec, err := strconv.ParseInt(ts, 10, 64); err == nil {
		info.At = time.Unix(sec, 0).UTC()
	}
	return info, true
}

// String encodes the lock in the _edit_lock wire format.
func (l LockInfo) String() string {
	return fmt.Sprintf("%d:%d", l.At.Unix(), l.UserID)
}

// Stale reports whether the lock is older than ttl at now.
// Nothing enforces this; callers decide whether an old lock may be taken over.
func (l LockInfo) Stale(now time.Time, ttl time.Duration) bool {
	return now.Sub(l.At) > ttl
}

// ReasonCode classifies why an edit did not land exactly as requested.
type ReasonCode string

// Supported reason codes.
const (
	ReasonUnknown  ReasonCode = "Unknown"
	ReasonNotFound ReasonCode = "NotFound"
	ReasonTrashed  ReasonCode = "Trashed"
	ReasonConflict ReasonCode = "Conflict"
)

// EditResult is what the server reports back after a create or update.
// Reason is empty when the write went through without incident.
type EditResult struct {
	ID     int64      `json:"id"`
	URL    string     `json:"url"`
	Status string     `json:"status"`
	Reason ReasonCode `json:"reason,omitempty"`
}
