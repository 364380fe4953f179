// Package wpapi is a small JSON client for the WordPress REST API (wp/v2).
package wpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const (
	apiRoot      = "/wp-json/wp/v2"
	maxBodyBytes = 10 * 1024 * 1024
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ErrDecode wraps a 2xx response whose body is not the expected JSON.
var ErrDecode = errors.New("decode response")

// APIError is returned for any non-2xx response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("wordpress api error %d", e.StatusCode)
}

// IsGone reports whether err is a 404 or 410 response.
func IsGone(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusNotFound || apiErr.StatusCode == http.StatusGone
}

// Client issues requests against one site.
type Client struct {
	http      HTTPClient
	baseURL   string
	user      string
	password  string
	userAgent string
}

// Option configures a Client.
type Option func(*Client)

// WithBasicAuth attaches application-password credentials to every request
// except the API root, which WordPress rejects when credentials are present.
func WithBasicAuth(user, password string) Option {
	return func(c *Client) {
		c.user = user
		c.password = password
	}
}

// WithUserAgent overrides the default User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// New creates a Client for the site at baseURL (scheme and host, optional path prefix).
func New(client HTTPClient, baseURL string, opts ...Option) *Client {
	c := &Client{
		http:      client,
		baseURL:   strings.TrimRight(baseURL, "/"),
		userAgent: "wpsync/1.0",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Path joins segments below the wp/v2 root, e.g. Path("posts", "12").
func Path(segments ...string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	return apiRoot + "/" + strings.Join(escaped, "/")
}

// Get fetches path with query and decodes the JSON body into out.
// The response headers are returned on success so callers can read paging hints.
func (c *Client) Get(ctx context.Context, path string, query url.Values, out any) (http.Header, error) {
	return c.do(ctx, http.MethodGet, path, query, nil, nil, out)
}

// GetFresh is Get with caching disabled on every intermediary.
func (c *Client) GetFresh(ctx context.Context, path string, query url.Values, out any) (http.Header, error) {
	h := http.Header{}
	h.Set("Cache-Control", "no-cache")
	h.Set("Pragma", "no-cache")
	return c.do(ctx, http.MethodGet, path, query, h, nil, out)
}

// Post sends body as JSON to path and decodes the response into out (which may be nil).
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	_, err := c.do(ctx, http.MethodPost, path, nil, nil, body, out)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, header http.Header, body, out any) (http.Header, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.user != "" && !isAPIRoot(path) {
		req.SetBasicAuth(c.user, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http %s: %w", strings.ToLower(method), err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.Header, &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	if out != nil && len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.Header, fmt.Errorf("%w: %w", ErrDecode, err)
		}
	}
	return resp.Header, nil
}

func isAPIRoot(path string) bool {
	return strings.EqualFold(strings.TrimRight(path, "/"), apiRoot)
}
