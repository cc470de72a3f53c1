// Package harvest reads jobs and applications from the Greenhouse Harvest API.
package harvest

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/anatolykoptev/go_roletrends/internal/engine"
)

// DefaultBaseURL is the Harvest API root.
const DefaultBaseURL = "https://harvest.greenhouse.io/v1"

// Client is a read-only Harvest API client. Safe for concurrent use.
type Client struct {
	baseURL    string
	authHeader string
	http       *http.Client
	pageSize   int
	maxRetries int
	backoff    time.Duration
}

// NewClient builds a client from cfg. httpClient may be nil.
func NewClient(cfg engine.Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = engine.NewHTTPClient(cfg.FetchTimeout)
	}
	base := cfg.TrackerBaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	pageSize := cfg.FetchPageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	return &Client{
		baseURL:    strings.TrimRight(base, "/"),
		authHeader: cfg.TrackerAuthHeader(),
		http:       httpClient,
		pageSize:   pageSize,
		maxRetries: cfg.FetchMaxRetries,
		backoff:    cfg.FetchBackoff,
	}
}

// Host returns the tracker host, used to decide where credentials may be sent.
func (c *Client) Host() string {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return ""
	}
	return u.Host
}

// AuthHeader returns the pre-encoded Authorization header value.
func (c *Client) AuthHeader() string { return c.authHeader }

// Window bounds an application listing by creation time.
// A zero CreatedBefore leaves the window open-ended.
type Window struct {
	CreatedAfter  time.Time
	CreatedBefore time.Time
}

// Jobs lists every job. Returns nil when the tracker returned none.
func (c *Client) Jobs(ctx context.Context) ([]Job, Stats, error) {
	return FetchAll[Job](ctx, c, "/jobs", nil)
}

// Applications lists applications created inside w.
// Returns nil when the tracker returned none.
func (c *Client) Applications(ctx context.Context, w Window) ([]Application, Stats, error) {
	params := url.Values{}
	if !w.CreatedAfter.IsZero() {
		params.Set("created_after", w.CreatedAfter.UTC().Format(time.RFC3339))
	}
	if !w.CreatedBefore.IsZero() {
		params.Set("created_before", w.CreatedBefore.UTC().Format(time.RFC3339))
	}
	return FetchAll[Application](ctx, c, "/applications", params)
}
