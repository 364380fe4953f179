// Package server exposes feeds, edit locks and the editor over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"wpsync/internal/editlock"
	"wpsync/internal/editor"
	"wpsync/internal/feed"
	"wpsync/internal/model"
	"wpsync/internal/wpapi"
)

// Feed is the snapshot source behind the scope routes.
type Feed interface {
	Current(scope string) feed.Snapshot
	Refresh(ctx context.Context, scope string) error
	Subscribe(ctx context.Context, scope string) *feed.Subscription
}

// Locker opens and inspects edit locks.
type Locker interface {
	Open(ctx context.Context, postType string, postID, userID int64, opts *editlock.Options) (*editlock.Session, error)
	ReadLock(ctx context.Context, postType string, postID int64) (model.LockInfo, bool, error)
}

// Editor writes post content.
type Editor interface {
	Create(ctx context.Context, scope, title, html string) (model.EditResult, error)
	Update(ctx context.Context, scope string, id int64, html, lastSeenModified string) (model.EditResult, error)
}

// Server is the HTTP API. Lock sessions opened through it live until they
// are released or the server shuts down.
type Server struct {
	feed      Feed
	locks     Locker
	editor    Editor
	scopes    []string
	log       *slog.Logger
	router    chi.Router
	heartbeat time.Duration

	mu       sync.Mutex
	sessions map[string]*editlock.Session

	// closing is cancelled by Shutdown to end long-lived event streams.
	closing context.Context
	stop    context.CancelFunc
}

// New creates a Server serving the given scopes.
func New(f Feed, locks Locker, ed Editor, scopes []string, log *slog.Logger) *Server {
	s := &Server{
		feed:      f,
		locks:     locks,
		editor:    ed,
		scopes:    scopes,
		log:       log,
		heartbeat: editlock.DefaultOptions().HeartbeatInterval,
		sessions:  make(map[string]*editlock.Session),
	}
	s.closing, s.stop = context.WithCancel(context.Background())
	s.setupRoutes()
	return s
}

// SetHeartbeatInterval sets the renewal period of sessions opened from now on.
func (s *Server) SetHeartbeatInterval(d time.Duration) {
	s.heartbeat = d
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Route("/scopes/{scope}", func(r chi.Router) {
		r.Use(s.knownScope)
		r.Get("/posts", s.handleListPosts)
		r.Post("/posts", s.handleCreatePost)
		r.Get("/posts/{id}", s.handleGetPost)
		r.Put("/posts/{id}", s.handleUpdatePost)
		r.Post("/refresh", s.handleRefresh)
		r.Get("/events", s.handleEvents)
	})

	r.Route("/locks", func(r chi.Router) {
		r.Post("/sessions/{sessionID}/heartbeat", s.handleHeartbeat)
		r.Delete("/sessions/{sessionID}", s.handleRelease)
		r.Get("/{postType}/{id}", s.handleReadLock)
		r.Post("/{postType}/{id}", s.handleOpenLock)
	})

	s.router = r
}

// Shutdown ends open event streams and releases every open lock session.
// It must run before http.Server.Shutdown, which waits for streams to end.
func (s *Server) Shutdown(ctx context.Context) {
	s.stop()

	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*editlock.Session)
	s.mu.Unlock()

	for id, sess := range sessions {
		if ctx.Err() != nil {
			s.log.Warn("shutdown interrupted", "open_sessions", len(sessions))
			return
		}
		_ = sess.Close()
		s.log.Debug("closed lock session", "session_id", id)
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"took", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) knownScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !slices.Contains(s.scopes, chi.URLParam(r, "scope")) {
			writeError(w, http.StatusNotFound, "unknown scope")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- Scope Handlers ---

type snapshotResponse struct {
	Scope   string              `json:"scope"`
	Version uint64              `json:"version"`
	Items   []model.PostSummary `json:"items"`
}

func newSnapshotResponse(snap feed.Snapshot) snapshotResponse {
	items := snap.Items
	if items == nil {
		items = []model.PostSummary{}
	}
	return snapshotResponse{Scope: snap.Scope, Version: snap.Version, Items: items}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListPosts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newSnapshotResponse(s.feed.Current(chi.URLParam(r, "scope"))))
}

func (s *Server) handleGetPost(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	post, found := s.feed.Current(chi.URLParam(r, "scope")).Get(id)
	if !found {
		writeError(w, http.StatusNotFound, "post not found")
		return
	}
	writeJSON(w, http.StatusOK, post)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")
	if err := s.feed.Refresh(r.Context(), scope); err != nil {
		s.log.Error("refresh", "scope", scope, "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, newSnapshotResponse(s.feed.Current(scope)))
}

// handleEvents streams one "snapshot" event per snapshot delivered to a
// fresh subscription until the client disconnects or the server shuts down.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	defer context.AfterFunc(s.closing, cancel)()

	scope := chi.URLParam(r, "scope")
	sub := s.feed.Subscribe(ctx, scope)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, ": subscribed\n\n")
	flusher.Flush()

	for snap := range sub.Snapshots(ctx) {
		data, err := json.Marshal(newSnapshotResponse(snap))
		if err != nil {
			s.log.Error("encode snapshot", "scope", scope, "error", err)
			return
		}
		if _, err := fmt.Fprintf(w, "event: snapshot\nid: %d\ndata: %s\n\n", snap.Version, data); err != nil {
			return
		}
		flusher.Flush()
	}
}

func (s *Server) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title   string `json:"title"`
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	res, err := s.editor.Create(r.Context(), chi.URLParam(r, "scope"), req.Title, req.Content)
	if err != nil {
		s.writeUpstreamError(w, "create post", err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleUpdatePost(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req struct {
		Content          string `json:"content"`
		LastSeenModified string `json:"last_seen_modified"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	res, err := s.editor.Update(r.Context(), chi.URLParam(r, "scope"), id, req.Content, req.LastSeenModified)
	if errors.Is(err, editor.ErrLastSeenRequired) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.writeUpstreamError(w, "update post", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Lock Handlers ---

type lockResponse struct {
	Locked bool       `json:"locked"`
	UserID int64      `json:"user_id,omitempty"`
	At     *time.Time `json:"at,omitempty"`
}

type sessionResponse struct {
	SessionID    string `json:"session_id"`
	State        string `json:"state"`
	ForeignOwner *int64 `json:"foreign_owner,omitempty"`
}

func (s *Server) handleReadLock(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	info, locked, err := s.locks.ReadLock(r.Context(), chi.URLParam(r, "postType"), id)
	if err != nil {
		s.writeUpstreamError(w, "read lock", err)
		return
	}
	resp := lockResponse{Locked: locked}
	if locked {
		resp.UserID = info.UserID
		resp.At = &info.At
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleOpenLock(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req struct {
		UserID int64 `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID <= 0 {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	var foreign *int64
	opts := &editlock.Options{
		HeartbeatInterval: s.heartbeat,
		OnForeignLock: func(owner int64) {
			foreign = &owner
		},
	}
	// Sessions outlive the request, so they must not inherit its context.
	sess, err := s.locks.Open(context.WithoutCancel(r.Context()), chi.URLParam(r, "postType"), id, req.UserID, opts)
	if err != nil {
		s.writeUpstreamError(w, "open lock", err)
		return
	}

	sessionID := uuid.NewString()
	s.mu.Lock()
	s.sessions[sessionID] = sess
	s.mu.Unlock()

	s.log.Info("lock session opened", "session_id", sessionID, "post_type", sess.PostType(), "post_id", id, "user_id", req.UserID)
	writeJSON(w, http.StatusCreated, sessionResponse{
		SessionID:    sessionID,
		State:        sess.State().String(),
		ForeignOwner: foreign,
	})
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (string, *editlock.Session, bool) {
	id := chi.URLParam(r, "sessionID")
	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
	}
	return id, sess, ok
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	_, sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := sess.HeartbeatNow(r.Context()); err != nil {
		if errors.Is(err, editlock.ErrReleased) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.writeUpstreamError(w, "heartbeat", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	id, sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := sess.ReleaseNow(r.Context()); err != nil {
		s.writeUpstreamError(w, "release lock", err)
		return
	}
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	s.log.Info("lock session released", "session_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// --- Helpers ---

func parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

// writeUpstreamError maps site failures to 502 and passes the site's
// status through in the message.
func (s *Server) writeUpstreamError(w http.ResponseWriter, op string, err error) {
	s.log.Error(op, "error", err)
	var apiErr *wpapi.APIError
	if errors.As(err, &apiErr) {
		writeError(w, http.StatusBadGateway, fmt.Sprintf("%s: upstream status %d", op, apiErr.StatusCode))
		return
	}
	writeError(w, http.StatusBadGateway, op+" failed")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
