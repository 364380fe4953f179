// Package probe detects site changes cheaply by watching the public RSS feed.
package probe

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/mmcdole/gofeed"
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Probe remembers the last feed signature it saw.
type Probe struct {
	client HTTPClient
	url    string

	mu   sync.Mutex
	last string
	seen bool
}

// New creates a Probe for the feed at url.
func New(client HTTPClient, url string) *Probe {
	return &Probe{client: client, url: url}
}

// Changed fetches the feed and reports whether it differs from the previous
// successful check. The first successful check always reports true.
// A failed fetch leaves the remembered signature untouched.
func (p *Probe) Changed(ctx context.Context) (bool, error) {
	feed, err := p.fetch(ctx)
	if err != nil {
		return false, err
	}
	sig := Signature(feed)

	p.mu.Lock()
	defer p.mu.Unlock()
	changed := !p.seen || sig != p.last
	p.last = sig
	p.seen = true
	return changed, nil
}

func (p *Probe) fetch(ctx context.Context) (*gofeed.Feed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "wpsync/1.0")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	feed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	return feed, nil
}

// Signature summarises the parts of a feed that move when content changes:
// the feed's updated time, the item count and the newest item's GUID.
func Signature(feed *gofeed.Feed) string {
	first := ""
	if len(feed.Items) > 0 {
		first = ItemGUID(feed.Items[0])
	}
	return feed.Updated + "|" + strconv.Itoa(len(feed.Items)) + "|" + first
}

// ItemGUID returns the GUID for an RSS item.
// If the item has no GUID, a SHA-256 hash of title+link is used.
func ItemGUID(item *gofeed.Item) string {
	if item.GUID != "" {
		return item.GUID
	}
	h := sha256.Sum256([]byte(item.Title + "|" + item.Link))
	return fmt.Sprintf("sha256:%x", h[:16])
}
