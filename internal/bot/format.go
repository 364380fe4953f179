package bot

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"time"

	"wpsync/internal/feed"
	"wpsync/internal/model"
)

// ChangeKind says what happened to an item between two snapshots.
type ChangeKind string

// Change kinds.
const (
	ChangeNew    ChangeKind = "new"
	ChangeStatus ChangeKind = "status"
)

// Change is one announced difference between two snapshots.
type Change struct {
	Kind      ChangeKind
	Post      model.PostSummary
	OldStatus string
}

// Diff lists items that changed status and items that are new.
//
// An item absent from prev only counts as new when it was modified after
// everything prev knew about. Older items surfacing while a crawl is still
// filling the snapshot are not news.
func Diff(prev, next feed.Snapshot) []Change {
	var newest string
	for _, p := range prev.Items {
		newest = max(newest, p.ModifiedGMT)
	}

	var changes []Change
	for _, p := range next.Items {
		old, ok := prev.Get(p.ID)
		switch {
		case !ok && p.ModifiedGMT > newest:
			changes = append(changes, Change{Kind: ChangeNew, Post: p})
		case ok && old.Status != p.Status:
			changes = append(changes, Change{Kind: ChangeStatus, Post: p, OldStatus: old.Status})
		}
	}
	return changes
}

// FormatChanges formats announced changes as a Telegram notification message.
func FormatChanges(scope string, changes []Change) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]\n", scope)
	for _, c := range changes {
		b.WriteString("\n")
		switch c.Kind {
		case ChangeNew:
			fmt.Fprintf(&b, "New: #%d %s [%s]", c.Post.ID, title(c.Post), c.Post.Status)
		case ChangeStatus:
			fmt.Fprintf(&b, "#%d %s: %s → %s", c.Post.ID, title(c.Post), c.OldStatus, c.Post.Status)
		}
		if c.Post.Link != "" {
			b.WriteString("\n")
			b.WriteString(c.Post.Link)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// FormatScopeList formats the watched scopes with their item counts.
func FormatScopeList(scopes []string, counts map[string]int) string {
	if len(scopes) == 0 {
		return "No scopes are configured. Set WP_SCOPES."
	}
	var b strings.Builder
	b.WriteString("Watched scopes:\n")
	for _, s := range scopes {
		fmt.Fprintf(&b, "\n%s  (%d items)", s, counts[s])
	}
	return b.String()
}

// FormatPostList formats the most recently modified items of a snapshot.
func FormatPostList(snap feed.Snapshot, limit int) string {
	if snap.Len() == 0 {
		return fmt.Sprintf("No items in %s yet. Use /refresh %s to crawl it.", snap.Scope, snap.Scope)
	}

	items := slices.Clone(snap.Items)
	slices.SortStableFunc(items, func(a, b model.PostSummary) int {
		return cmp.Compare(b.ModifiedGMT, a.ModifiedGMT)
	})
	if len(items) > limit {
		items = items[:limit]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d item(s), showing %d\n", snap.Scope, snap.Len(), len(items))
	for _, p := range items {
		fmt.Fprintf(&b, "\n#%d %s [%s]", p.ID, title(p), p.Status)
		if p.ModifiedGMT != "" {
			fmt.Fprintf(&b, "\n   modified %s UTC", strings.Replace(p.ModifiedGMT, "T", " ", 1))
		}
	}
	return b.String()
}

// FormatLock describes a held lock.
func FormatLock(postType string, id int64, info model.LockInfo, now time.Time) string {
	s := fmt.Sprintf("%s #%d is locked by user %d since %s.", postType, id, info.UserID, info.At.Format("2006-01-02 15:04 UTC"))
	if info.Stale(now, lockTTL) {
		s += "\nThe lock is stale; the editor has probably left."
	}
	return s
}

func title(p model.PostSummary) string {
	if p.Title == "" {
		return "(no title)"
	}
	return p.Title
}
