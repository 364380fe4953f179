package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"wpsync/internal/editlock"
	"wpsync/internal/editor"
	"wpsync/internal/feed"
	"wpsync/internal/model"
	"wpsync/internal/stream"
	"wpsync/internal/wpapi"
)

type scriptedStream struct {
	mu      sync.Mutex
	batches [][]model.PostSummary
	err     error
}

func (s *scriptedStream) Stream(context.Context, string, model.StreamOptions, stream.ProgressFunc) iter.Seq2[[]model.PostSummary, error] {
	s.mu.Lock()
	batches, err := s.batches, s.err
	s.mu.Unlock()
	return func(yield func([]model.PostSummary, error) bool) {
		for _, b := range batches {
			if !yield(b, nil) {
				return
			}
		}
		if err != nil {
			yield(nil, err)
		}
	}
}

type fakeEditor struct {
	result model.EditResult
	err    error
	calls  []string
}

func (f *fakeEditor) Create(_ context.Context, scope, title, html string) (model.EditResult, error) {
	f.calls = append(f.calls, "create "+scope+" "+title+" "+html)
	return f.result, f.err
}

func (f *fakeEditor) Update(_ context.Context, scope string, _ int64, html, lastSeen string) (model.EditResult, error) {
	if lastSeen == "" {
		return model.EditResult{}, editor.ErrLastSeenRequired
	}
	f.calls = append(f.calls, "update "+scope+" "+html+" "+lastSeen)
	return f.result, f.err
}

// lockSite stores _edit_lock values per item path.
type lockSite struct {
	mu    sync.Mutex
	locks map[string]string
}

func (l *lockSite) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	l.mu.Lock()
	defer l.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	switch r.Method {
	case http.MethodGet:
		_ = json.NewEncoder(w).Encode(map[string]any{"meta": map[string]string{"_edit_lock": l.locks[r.URL.Path]}})
	case http.MethodPost:
		var body struct {
			Meta struct {
				EditLock string `json:"_edit_lock"`
			} `json:"meta"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		l.locks[r.URL.Path] = body.Meta.EditLock
		_, _ = io.WriteString(w, `{}`)
	}
}

type fixture struct {
	srv    *Server
	http   *httptest.Server
	feed   *feed.Feed
	stream *scriptedStream
	editor *fakeEditor
	site   *lockSite
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	site := &lockSite{locks: make(map[string]string)}
	wp := httptest.NewServer(site)
	t.Cleanup(wp.Close)

	st := &scriptedStream{}
	f := feed.New(st, log)
	ed := &fakeEditor{}
	locks := editlock.New(wpapi.New(wp.Client(), wp.URL), log, editlock.Options{})

	srv := New(f, locks, ed, []string{"posts", "office"}, log)
	srv.SetHeartbeatInterval(0)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &fixture{srv: srv, http: ts, feed: f, stream: st, editor: ed, site: site}
}

func (fx *fixture) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, fx.http.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := fx.http.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func TestHealthz(t *testing.T) {
	fx := newFixture(t)
	resp, body := fx.do(t, http.MethodGet, "/healthz", "")
	if diff := cmp.Diff(http.StatusOK, resp.StatusCode); diff != "" {
		t.Errorf("status mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(`{"status":"ok"}`, strings.TrimSpace(string(body))); diff != "" {
		t.Errorf("body mismatch (-want +got):\n%s", diff)
	}
}

func TestScopeRoutes(t *testing.T) {
	fx := newFixture(t)
	fx.stream.batches = [][]model.PostSummary{
		{{ID: 2, Title: "Two", Status: "draft"}, {ID: 1, Title: "One", Status: "publish"}},
	}

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "unknown scope",
			method:     http.MethodGet,
			path:       "/scopes/secret/posts",
			wantStatus: http.StatusNotFound,
			wantBody:   `{"error":"unknown scope"}`,
		},
		{
			name:       "empty before refresh",
			method:     http.MethodGet,
			path:       "/scopes/posts/posts",
			wantStatus: http.StatusOK,
			wantBody:   `{"scope":"posts","version":0,"items":[]}`,
		},
		{
			name:       "refresh",
			method:     http.MethodPost,
			path:       "/scopes/posts/refresh",
			wantStatus: http.StatusOK,
			wantBody:   `{"scope":"posts","version":1,"items":[{"id":1,"title":"One","status":"publish","link":"","modified_gmt":""},{"id":2,"title":"Two","status":"draft","link":"","modified_gmt":""}]}`,
		},
		{
			name:       "single post",
			method:     http.MethodGet,
			path:       "/scopes/posts/posts/2",
			wantStatus: http.StatusOK,
			wantBody:   `{"id":2,"title":"Two","status":"draft","link":"","modified_gmt":""}`,
		},
		{
			name:       "missing post",
			method:     http.MethodGet,
			path:       "/scopes/posts/posts/9",
			wantStatus: http.StatusNotFound,
			wantBody:   `{"error":"post not found"}`,
		},
		{
			name:       "bad id",
			method:     http.MethodGet,
			path:       "/scopes/posts/posts/abc",
			wantStatus: http.StatusBadRequest,
			wantBody:   `{"error":"invalid id"}`,
		},
		{
			name:       "other scope untouched",
			method:     http.MethodGet,
			path:       "/scopes/office/posts",
			wantStatus: http.StatusOK,
			wantBody:   `{"scope":"office","version":0,"items":[]}`,
		},
	}

	// Cases run in order; "refresh" populates the posts scope for the ones after it.
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := fx.do(t, tt.method, tt.path, "")
			if diff := cmp.Diff(tt.wantStatus, resp.StatusCode); diff != "" {
				t.Errorf("status mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantBody, strings.TrimSpace(string(body))); diff != "" {
				t.Errorf("body mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRefreshFailureIsBadGateway(t *testing.T) {
	fx := newFixture(t)
	fx.stream.err = &wpapi.APIError{StatusCode: http.StatusServiceUnavailable}

	resp, _ := fx.do(t, http.MethodPost, "/scopes/posts/refresh", "")
	if diff := cmp.Diff(http.StatusBadGateway, resp.StatusCode); diff != "" {
		t.Errorf("status mismatch (-want +got):\n%s", diff)
	}
}

func TestEventsStreamSnapshots(t *testing.T) {
	fx := newFixture(t)
	fx.stream.batches = [][]model.PostSummary{{{ID: 1, Title: "One"}}, {{ID: 2, Title: "Two"}}}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fx.http.URL+"/scopes/posts/events", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := fx.http.Client().Do(req)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	defer resp.Body.Close()

	if diff := cmp.Diff("text/event-stream", resp.Header.Get("Content-Type")); diff != "" {
		t.Fatalf("content type mismatch (-want +got):\n%s", diff)
	}

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil || line != ": subscribed\n" {
		t.Fatalf("expected subscribe comment, got %q (%v)", line, err)
	}

	if err := fx.feed.Refresh(context.Background(), "posts"); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	var versions []uint64
	var last snapshotResponse
	for len(versions) < 2 {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read event: %v", err)
		}
		data, ok := strings.CutPrefix(strings.TrimSpace(line), "data: ")
		if !ok {
			continue
		}
		var snap snapshotResponse
		if err := json.Unmarshal([]byte(data), &snap); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		versions = append(versions, snap.Version)
		last = snap
	}

	if diff := cmp.Diff([]uint64{1, 2}, versions); diff != "" {
		t.Errorf("versions mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(2, len(last.Items)); diff != "" {
		t.Errorf("items mismatch (-want +got):\n%s", diff)
	}
}

func TestShutdownEndsEventStreams(t *testing.T) {
	fx := newFixture(t)

	resp, err := fx.http.Client().Get(fx.http.URL + "/scopes/posts/events")
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	if line, err := reader.ReadString('\n'); err != nil || line != ": subscribed\n" {
		t.Fatalf("expected subscribe comment, got %q (%v)", line, err)
	}
	if diff := cmp.Diff(1, fx.feed.Subscribers("posts")); diff != "" {
		t.Fatalf("subscribers mismatch (-want +got):\n%s", diff)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	fx.srv.Shutdown(ctx)
	if err := fx.http.Config.Shutdown(ctx); err != nil {
		t.Fatalf("http shutdown: %v", err)
	}
	if took := time.Since(start); took > 2*time.Second {
		t.Errorf("shutdown took %s", took)
	}

	if _, err := io.ReadAll(reader); err != nil {
		t.Errorf("stream did not end cleanly: %v", err)
	}
	if diff := cmp.Diff(0, fx.feed.Subscribers("posts")); diff != "" {
		t.Errorf("subscribers after shutdown mismatch (-want +got):\n%s", diff)
	}
}

func TestEditorRoutes(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		result     model.EditResult
		err        error
		wantStatus int
		wantCalls  []string
	}{
		{
			name:       "create",
			method:     http.MethodPost,
			path:       "/scopes/posts/posts",
			body:       `{"title":"Hi","content":"<p>x</p>"}`,
			result:     model.EditResult{ID: 5, Status: "draft"},
			wantStatus: http.StatusCreated,
			wantCalls:  []string{"create posts Hi <p>x</p>"},
		},
		{
			name:       "update",
			method:     http.MethodPut,
			path:       "/scopes/office/posts/5",
			body:       `{"content":"v2","last_seen_modified":"2024-03-01T10:00:00"}`,
			result:     model.EditResult{ID: 5, Status: "publish", Reason: model.ReasonConflict},
			wantStatus: http.StatusOK,
			wantCalls:  []string{"update office v2 2024-03-01T10:00:00"},
		},
		{
			name:       "update without base version",
			method:     http.MethodPut,
			path:       "/scopes/posts/posts/5",
			body:       `{"content":"v2"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "upstream failure",
			method:     http.MethodPost,
			path:       "/scopes/posts/posts",
			body:       `{"title":"Hi","content":"x"}`,
			err:        &wpapi.APIError{StatusCode: http.StatusForbidden},
			wantStatus: http.StatusBadGateway,
			wantCalls:  []string{"create posts Hi x"},
		},
		{
			name:       "malformed body",
			method:     http.MethodPost,
			path:       "/scopes/posts/posts",
			body:       `{`,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t)
			fx.editor.result = tt.result
			fx.editor.err = tt.err

			resp, body := fx.do(t, tt.method, tt.path, tt.body)
			if diff := cmp.Diff(tt.wantStatus, resp.StatusCode); diff != "" {
				t.Errorf("status mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantCalls, fx.editor.calls); diff != "" {
				t.Errorf("calls mismatch (-want +got):\n%s", diff)
			}
			if resp.StatusCode < 300 {
				var got model.EditResult
				if err := json.Unmarshal(body, &got); err != nil {
					t.Fatalf("decode: %v", err)
				}
				if diff := cmp.Diff(tt.result, got); diff != "" {
					t.Errorf("result mismatch (-want +got):\n%s", diff)
				}
			}
		})
	}
}

func TestLockLifecycle(t *testing.T) {
	fx := newFixture(t)
	fx.site.locks["/wp-json/wp/v2/posts/42"] = "1700000000:1"

	resp, body := fx.do(t, http.MethodPost, "/locks/posts/42", `{"user_id":2}`)
	if diff := cmp.Diff(http.StatusCreated, resp.StatusCode); diff != "" {
		t.Fatalf("status mismatch (-want +got):\n%s", diff)
	}
	var opened sessionResponse
	if err := json.Unmarshal(body, &opened); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if opened.SessionID == "" {
		t.Fatal("expected a session id")
	}
	if opened.ForeignOwner == nil || *opened.ForeignOwner != 1 {
		t.Errorf("expected foreign owner 1, got %v", opened.ForeignOwner)
	}
	if diff := cmp.Diff("claimed", opened.State); diff != "" {
		t.Errorf("state mismatch (-want +got):\n%s", diff)
	}

	resp, body = fx.do(t, http.MethodGet, "/locks/posts/42", "")
	var lock lockResponse
	if err := json.Unmarshal(body, &lock); err != nil {
		t.Fatalf("decode lock: %v", err)
	}
	if diff := cmp.Diff(http.StatusOK, resp.StatusCode); diff != "" {
		t.Errorf("status mismatch (-want +got):\n%s", diff)
	}
	if !lock.Locked || lock.UserID != 2 {
		t.Errorf("expected lock held by 2, got %+v", lock)
	}

	resp, _ = fx.do(t, http.MethodPost, "/locks/sessions/"+opened.SessionID+"/heartbeat", "")
	if diff := cmp.Diff(http.StatusNoContent, resp.StatusCode); diff != "" {
		t.Errorf("heartbeat status mismatch (-want +got):\n%s", diff)
	}

	resp, _ = fx.do(t, http.MethodDelete, "/locks/sessions/"+opened.SessionID, "")
	if diff := cmp.Diff(http.StatusNoContent, resp.StatusCode); diff != "" {
		t.Errorf("release status mismatch (-want +got):\n%s", diff)
	}

	_, body = fx.do(t, http.MethodGet, "/locks/posts/42", "")
	if diff := cmp.Diff(`{"locked":false}`, strings.TrimSpace(string(body))); diff != "" {
		t.Errorf("lock after release mismatch (-want +got):\n%s", diff)
	}

	resp, _ = fx.do(t, http.MethodDelete, "/locks/sessions/"+opened.SessionID, "")
	if diff := cmp.Diff(http.StatusNotFound, resp.StatusCode); diff != "" {
		t.Errorf("second release status mismatch (-want +got):\n%s", diff)
	}
}

func TestOpenLockValidation(t *testing.T) {
	fx := newFixture(t)
	for _, body := range []string{``, `{}`, `{"user_id":0}`} {
		resp, _ := fx.do(t, http.MethodPost, "/locks/posts/1", body)
		if diff := cmp.Diff(http.StatusBadRequest, resp.StatusCode); diff != "" {
			t.Errorf("body %q: status mismatch (-want +got):\n%s", body, diff)
		}
	}
}

func TestShutdownReleasesSessions(t *testing.T) {
	fx := newFixture(t)
	for _, id := range []string{"1", "2"} {
		resp, _ := fx.do(t, http.MethodPost, "/locks/posts/"+id, `{"user_id":3}`)
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("open %s: status %d", id, resp.StatusCode)
		}
	}

	fx.srv.Shutdown(context.Background())

	fx.site.mu.Lock()
	defer fx.site.mu.Unlock()
	want := map[string]string{"/wp-json/wp/v2/posts/1": "", "/wp-json/wp/v2/posts/2": ""}
	if diff := cmp.Diff(want, fx.site.locks); diff != "" {
		t.Errorf("locks after shutdown mismatch (-want +got):\n%s", diff)
	}
}

func TestUpstreamErrorMessage(t *testing.T) {
	fx := newFixture(t)
	rec := httptest.NewRecorder()
	fx.srv.writeUpstreamError(rec, "read lock", errors.Join(errors.New("ctx"), &wpapi.APIError{StatusCode: 401}))
	if diff := cmp.Diff(`{"error":"read lock: upstream status 401"}`, strings.TrimSpace(rec.Body.String())); diff != "" {
		t.Errorf("body mismatch (-want +got):\n%s", diff)
	}
}
