// Package editor writes post content with last-write-wins semantics.
//
// Updates never fail because someone else changed the item first. A
// divergence is recorded as a warning in the item's wpdi_info meta, and a
// missing or trashed target is recovered as a new draft.
package editor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"wpsync/internal/model"
	"wpsync/internal/wpapi"
)

// ErrLastSeenRequired is returned by Update when the caller has no base version.
var ErrLastSeenRequired = errors.New("last seen modified time is required")

// API is the subset of the REST client used by the editor.
type API interface {
	GetFresh(ctx context.Context, path string, query url.Values, out any) (http.Header, error)
	Post(ctx context.Context, path string, body, out any) error
}

// Editor creates and updates items in any scope.
type Editor struct {
	api API
	log *slog.Logger
	now func() time.Time
}

// New creates an Editor.
func New(api API, log *slog.Logger) *Editor {
	return &Editor{api: api, log: log, now: time.Now}
}

type reasonArgs struct {
	Kind string `json:"kind"`
	ID   int64  `json:"id"`
}

type reason struct {
	Code model.ReasonCode `json:"code"`
	Args reasonArgs       `json:"args"`
}

// info is the wpdi_info meta value the site plugin surfaces to editors.
type info struct {
	Kind              string `json:"kind"`
	Reason            reason `json:"reason"`
	OriginalID        int64  `json:"originalId,omitempty"`
	BaseModifiedUTC   string `json:"baseModifiedUtc,omitempty"`
	ServerModifiedUTC string `json:"serverModifiedUtc,omitempty"`
	TimestampUTC      string `json:"timestampUtc"`
}

type infoMeta struct {
	Info info `json:"wpdi_info"`
}

type writeBody struct {
	Title   string    `json:"title,omitempty"`
	Status  string    `json:"status,omitempty"`
	Content string    `json:"content"`
	Meta    *infoMeta `json:"meta,omitempty"`
}

type writeResponse struct {
	ID     int64  `json:"id"`
	Link   string `json:"link"`
	Status string `json:"status"`
}

// Create posts a new draft into scope.
func (e *Editor) Create(ctx context.Context, scope, title, html string) (model.EditResult, error) {
	body := writeBody{Title: title, Status: model.StatusDraft, Content: html}
	res, err := e.write(ctx, wpapi.Path(scope), body)
	if err != nil {
		return model.EditResult{}, fmt.Errorf("create draft: %w", err)
	}
	return res, nil
}

// Update replaces the content of item id. lastSeenModified is the
// modified_gmt the caller based its edit on.
//
// A 404 or 410 on the target creates a recovered draft instead and reports
// ReasonNotFound or ReasonTrashed. A newer server version is overwritten and
// reported as ReasonConflict.
func (e *Editor) Update(ctx context.Context, scope string, id int64, html, lastSeenModified string) (model.EditResult, error) {
	if lastSeenModified == "" {
		return model.EditResult{}, ErrLastSeenRequired
	}

	itemPath := wpapi.Path(scope, strconv.FormatInt(id, 10))
	now := e.now().UTC()

	var current struct {
		ModifiedGMT string `json:"modified_gmt"`
	}
	query := url.Values{
		"context": {"edit"},
		"_":       {strconv.FormatInt(now.UnixMilli(), 10)},
	}
	_, err := e.api.GetFresh(ctx, itemPath, query, &current)
	if err != nil {
		var apiErr *wpapi.APIError
		switch {
		case wpapi.IsGone(err):
			return e.recoverDraft(ctx, scope, id, html, err, now)
		case errors.As(err, &apiErr), errors.Is(err, wpapi.ErrDecode):
			// Without the server version there is nothing to compare; write anyway.
			e.log.Warn("preflight failed", "scope", scope, "post_id", id, "error", err)
			current.ModifiedGMT = ""
		default:
			return model.EditResult{}, fmt.Errorf("preflight %s/%d: %w", scope, id, err)
		}
	}

	body := writeBody{Content: html}
	conflict := current.ModifiedGMT != "" && current.ModifiedGMT != lastSeenModified
	if conflict {
		body.Meta = &infoMeta{Info: info{
			Kind:              "warning",
			Reason:            reason{Code: model.ReasonConflict, Args: reasonArgs{Kind: "post", ID: id}},
			BaseModifiedUTC:   lastSeenModified,
			ServerModifiedUTC: current.ModifiedGMT,
			TimestampUTC:      now.Format(time.RFC3339Nano),
		}}
		e.log.Info("overwriting newer version", "scope", scope, "post_id", id,
			"base_modified", lastSeenModified, "server_modified", current.ModifiedGMT)
	}

	res, err := e.write(ctx, itemPath, body)
	if err != nil {
		return model.EditResult{}, fmt.Errorf("update %s/%d: %w", scope, id, err)
	}
	if conflict {
		res.Reason = model.ReasonConflict
	}
	return res, nil
}

// recoverDraft creates a draft holding html when the original item is gone.
func (e *Editor) recoverDraft(ctx context.Context, scope string, id int64, html string, cause error, now time.Time) (model.EditResult, error) {
	code := model.ReasonNotFound
	var apiErr *wpapi.APIError
	if errors.As(cause, &apiErr) && apiErr.StatusCode == http.StatusGone {
		code = model.ReasonTrashed
	}

	body := writeBody{
		Title:   fmt.Sprintf("Recovered #%d %s UTC", id, now.Format("2006-01-02 15:04")),
		Status:  model.StatusDraft,
		Content: html,
		Meta: &infoMeta{Info: info{
			Kind:         "duplicate",
			Reason:       reason{Code: code, Args: reasonArgs{Kind: "post", ID: id}},
			OriginalID:   id,
			TimestampUTC: now.Format(time.RFC3339Nano),
		}},
	}
	res, err := e.write(ctx, wpapi.Path(scope), body)
	if err != nil {
		return model.EditResult{}, fmt.Errorf("recover %s/%d: %w", scope, id, err)
	}
	res.Reason = code
	e.log.Info("recovered missing item as draft", "scope", scope, "post_id", id, "new_id", res.ID, "reason", code)
	return res, nil
}

func (e *Editor) write(ctx context.Context, path string, body writeBody) (model.EditResult, error) {
	var resp writeResponse
	if err := e.api.Post(ctx, path, body, &resp); err != nil {
		return model.EditResult{}, err
	}
	return model.EditResult{ID: resp.ID, URL: resp.Link, Status: resp.Status}, nil
}
