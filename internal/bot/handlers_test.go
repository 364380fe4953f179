package bot

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"wpsync/internal/feed"
	"wpsync/internal/model"
)

func TestDiff(t *testing.T) {
	prev := feed.Snapshot{Scope: "posts", Items: []model.PostSummary{
		{ID: 1, Status: "draft", ModifiedGMT: "2024-03-01T10:00:00"},
		{ID: 2, Status: "publish", ModifiedGMT: "2024-02-01T10:00:00"},
	}}

	tests := []struct {
		name string
		next []model.PostSummary
		want []Change
	}{
		{
			name: "identical",
			next: prev.Items,
			want: nil,
		},
		{
			name: "status change",
			next: []model.PostSummary{
				{ID: 1, Status: "publish", ModifiedGMT: "2024-03-01T11:00:00"},
				{ID: 2, Status: "publish", ModifiedGMT: "2024-02-01T10:00:00"},
			},
			want: []Change{{Kind: ChangeStatus, Post: model.PostSummary{ID: 1, Status: "publish", ModifiedGMT: "2024-03-01T11:00:00"}, OldStatus: "draft"}},
		},
		{
			name: "title edit is not announced",
			next: []model.PostSummary{
				{ID: 1, Title: "Renamed", Status: "draft", ModifiedGMT: "2024-03-01T12:00:00"},
				{ID: 2, Status: "publish", ModifiedGMT: "2024-02-01T10:00:00"},
			},
			want: nil,
		},
		{
			name: "new recent item",
			next: append(prev.Items[:2:2], model.PostSummary{ID: 9, Status: "pending", ModifiedGMT: "2024-03-05T00:00:00"}),
			want: []Change{{Kind: ChangeNew, Post: model.PostSummary{ID: 9, Status: "pending", ModifiedGMT: "2024-03-05T00:00:00"}}},
		},
		{
			name: "older item from backfill",
			next: append(prev.Items[:2:2], model.PostSummary{ID: 9, Status: "publish", ModifiedGMT: "2023-12-31T00:00:00"}),
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Diff(prev, feed.Snapshot{Scope: "posts", Items: tt.next})
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Diff mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDiffFromEmptyBaseline(t *testing.T) {
	next := feed.Snapshot{Items: []model.PostSummary{{ID: 1, Status: "draft"}}}
	got := Diff(feed.Snapshot{}, next)
	// An empty ModifiedGMT is never newer than an empty baseline.
	if diff := cmp.Diff(0, len(got)); diff != "" {
		t.Errorf("change count mismatch (-want +got):\n%s", diff)
	}
}

func TestFormatChanges(t *testing.T) {
	changes := []Change{
		{Kind: ChangeNew, Post: model.PostSummary{ID: 4, Status: "draft"}},
		{Kind: ChangeStatus, Post: model.PostSummary{ID: 5, Title: "Five", Status: "trash", Link: "https://example.com/?p=5"}, OldStatus: "publish"},
	}
	want := "[pages]\n\nNew: #4 (no title) [draft]\n\n#5 Five: publish → trash\nhttps://example.com/?p=5\n"
	if diff := cmp.Diff(want, FormatChanges("pages", changes)); diff != "" {
		t.Errorf("FormatChanges mismatch (-want +got):\n%s", diff)
	}
}

func TestFormatScopeList(t *testing.T) {
	tests := []struct {
		name   string
		scopes []string
		counts map[string]int
		want   string
	}{
		{
			name: "none",
			want: "No scopes are configured. Set WP_SCOPES.",
		},
		{
			name:   "some",
			scopes: []string{"posts", "office"},
			counts: map[string]int{"posts": 12},
			want:   "Watched scopes:\n\nposts  (12 items)\noffice  (0 items)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, FormatScopeList(tt.scopes, tt.counts)); diff != "" {
				t.Errorf("FormatScopeList mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFormatPostListLimit(t *testing.T) {
	snap := feed.Snapshot{Scope: "posts", Items: []model.PostSummary{
		{ID: 1, Title: "a", ModifiedGMT: "2024-01-01T00:00:00"},
		{ID: 2, Title: "b", ModifiedGMT: "2024-01-03T00:00:00"},
		{ID: 3, Title: "c", ModifiedGMT: "2024-01-02T00:00:00"},
	}}
	want := "posts: 3 item(s), showing 2\n" +
		"\n#2 b []\n   modified 2024-01-03 00:00:00 UTC" +
		"\n#3 c []\n   modified 2024-01-02 00:00:00 UTC"
	if diff := cmp.Diff(want, FormatPostList(snap, 2)); diff != "" {
		t.Errorf("FormatPostList mismatch (-want +got):\n%s", diff)
	}
}

func TestFormatLock(t *testing.T) {
	at := time.Date(2024, 3, 5, 14, 0, 0, 0, time.UTC)
	info := model.LockInfo{At: at, UserID: 7}

	tests := []struct {
		name string
		now  time.Time
		want string
	}{
		{
			name: "fresh",
			now:  at.Add(time.Minute),
			want: "posts #3 is locked by user 7 since 2024-03-05 14:00 UTC.",
		},
		{
			name: "stale",
			now:  at.Add(10 * time.Minute),
			want: "posts #3 is locked by user 7 since 2024-03-05 14:00 UTC.\nThe lock is stale; the editor has probably left.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, FormatLock("posts", 3, info, tt.now)); diff != "" {
				t.Errorf("FormatLock mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseScopeArg(t *testing.T) {
	scopes := []string{"posts", "pages"}
	tests := []struct {
		name    string
		args    string
		want    string
		wantErr bool
	}{
		{name: "known", args: "pages", want: "pages"},
		{name: "extra words ignored", args: " posts now ", want: "posts"},
		{name: "empty", args: "", wantErr: true},
		{name: "unknown", args: "users", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseScopeArg(tt.args, scopes)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseScopeArg mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseLockArgs(t *testing.T) {
	tests := []struct {
		name     string
		args     string
		wantType string
		wantID   int64
		wantErr  bool
	}{
		{name: "valid", args: "posts 42", wantType: "posts", wantID: 42},
		{name: "custom type", args: "office  7", wantType: "office", wantID: 7},
		{name: "missing id", args: "posts", wantErr: true},
		{name: "bad id", args: "posts abc", wantErr: true},
		{name: "zero id", args: "posts 0", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotType, gotID, err := ParseLockArgs(tt.args)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.wantType, gotType); diff != "" {
				t.Errorf("type mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantID, gotID); diff != "" {
				t.Errorf("id mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
