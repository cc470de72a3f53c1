package harvest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/anatolykoptev/go_roletrends/internal/engine"
)

const maxPageBytes = 32 * 1024 * 1024

// Stats describes how a listing ended.
type Stats struct {
	Pages     int
	Malformed int
	Retries   int
	// Abandoned is set when the retry budget ran out; items hold what
	// was accumulated before that.
	Abandoned bool
	// HaltStatus is the non-success status that stopped pagination, if any.
	HaltStatus int
}

// FetchAll walks path page by page until an empty page or a non-success
// status. Transport failures are retried with one exponential backoff budget
// shared by the whole listing; once it runs out, pagination is abandoned and
// the accumulated items are returned. Non-success statuses stop immediately.
// Items that fail to decode as T are dropped and counted.
//
// Returns nil items when nothing was accumulated. The error is non-nil only
// when ctx ends or the request cannot be built.
func FetchAll[T any](ctx context.Context, c *Client, path string, base url.Values) ([]T, Stats, error) {
	var (
		items []T
		stats Stats
	)
	bo := engine.NewBackoff(c.maxRetries, c.backoff)
	log := slog.With(slog.String("path", path))

	for page := 1; ; {
		raw, status, err := c.getPage(ctx, path, base, page)
		if err != nil {
			if ctx.Err() != nil {
				return items, stats, ctx.Err()
			}
			var be *buildError
			if errors.As(err, &be) {
				return items, stats, err
			}
			log.Warn("harvest: transport error", slog.Int("page", page), slog.Int("retries_left", bo.Remaining()), slog.Any("error", err))
			ok, werr := bo.Wait(ctx)
			if werr != nil {
				return items, stats, werr
			}
			if !ok {
				log.Warn("harvest: retries exhausted, abandoning pagination", slog.Int("page", page), slog.Int("items", len(items)))
				stats.Abandoned = true
				break
			}
			stats.Retries++
			engine.IncrTrackerRetries()
			continue
		}
		if status < 200 || status > 299 {
			log.Warn("harvest: non-success status, stopping", slog.Int("page", page), slog.Int("status", status))
			stats.HaltStatus = status
			break
		}
		bo.Success()

		var elems []json.RawMessage
		if err := json.Unmarshal(raw, &elems); err != nil {
			log.Warn("harvest: page is not a JSON array, stopping", slog.Int("page", page), slog.Any("error", err))
			stats.Malformed++
			engine.IncrMalformedItems()
			break
		}
		if len(elems) == 0 {
			break
		}
		stats.Pages++
		for i, e := range elems {
			var v T
			if err := json.Unmarshal(e, &v); err != nil {
				log.Warn("harvest: dropping item", slog.Int("page", page), slog.Int("index", i), slog.Any("error", err))
				stats.Malformed++
				engine.IncrMalformedItems()
				continue
			}
			items = append(items, v)
		}
		page++
	}

	log.Info("harvest: listing done", slog.Int("items", len(items)), slog.Int("pages", stats.Pages),
		slog.Int("malformed", stats.Malformed), slog.Int("retries", stats.Retries))
	if len(items) == 0 {
		return nil, stats, nil
	}
	return items, stats, nil
}

type buildError struct{ err error }

func (e *buildError) Error() string { return "build request: " + e.err.Error() }
func (e *buildError) Unwrap() error { return e.err }

// getPage returns the body and status of one page. A non-nil error means
// the request never produced a complete response.
func (c *Client) getPage(ctx context.Context, path string, base url.Values, page int) ([]byte, int, error) {
	q := url.Values{}
	for k, v := range base {
		q[k] = append([]string(nil), v...)
	}
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(c.pageSize))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return nil, 0, &buildError{err}
	}
	req.Header.Set("Authorization", c.authHeader)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", engine.UserAgent)

	engine.IncrTrackerRequests()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read page %d: %w", page, err)
	}
	return body, resp.StatusCode, nil
}
