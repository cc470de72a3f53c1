package harvest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anatolykoptev/go_roletrends/internal/engine"
)

// flakyTransport fails the first n round trips with a transport error.
type flakyTransport struct {
	fail  func(call int) bool
	calls atomic.Int64
}

func (f *flakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	n := int(f.calls.Add(1))
	if f.fail(n) {
		return nil, errors.New("connection reset by peer")
	}
	return http.DefaultTransport.RoundTrip(req)
}

func testClient(t *testing.T, srv *httptest.Server, rt http.RoundTripper) *Client {
	t.Helper()
	cfg := engine.Config{
		TrackerBaseURL:  srv.URL,
		TrackerAPIKey:   "secret",
		FetchPageSize:   100,
		FetchMaxRetries: 5,
		FetchBackoff:    0,
	}
	hc := &http.Client{Timeout: 5 * time.Second}
	if rt != nil {
		hc.Transport = rt
	}
	return NewClient(cfg, hc)
}

// pagedServer serves pages of jobs; pages beyond len(pages) are empty.
func pagedServer(t *testing.T, pages [][]map[string]any, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		w.Header().Set("Content-Type", "application/json")
		if page < 1 || page > len(pages) {
			fmt.Fprint(w, "[]")
			return
		}
		_ = json.NewEncoder(w).Encode(pages[page-1])
	}))
}

func TestFetchAllStopsOnEmptyPage(t *testing.T) {
	var hits atomic.Int64
	var gotAuth, gotPerPage string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		gotAuth = r.Header.Get("Authorization")
		gotPerPage = r.URL.Query().Get("per_page")
		switch r.URL.Query().Get("page") {
		case "1":
			fmt.Fprint(w, `[{"id":1,"name":"A"},{"id":2,"name":"B"}]`)
		case "2":
			fmt.Fprint(w, `[{"id":3,"name":"C"}]`)
		default:
			fmt.Fprint(w, `[]`)
		}
	}))
	defer srv.Close()

	c := testClient(t, srv, nil)
	jobs, stats, err := c.Jobs(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, int64(3), hits.Load())
	assert.Equal(t, 2, stats.Pages)
	assert.Equal(t, "C", jobs[2].Name)
	assert.Equal(t, "100", gotPerPage)
	assert.Equal(t, "Basic c2VjcmV0Og==", gotAuth)
}

func TestFetchAllRetriesTransportErrors(t *testing.T) {
	var hits atomic.Int64
	srv := pagedServer(t, [][]map[string]any{{{"id": 1, "name": "A"}}}, &hits)
	defer srv.Close()

	ft := &flakyTransport{fail: func(n int) bool { return n <= 4 }}
	c := testClient(t, srv, ft)

	jobs, stats, err := c.Jobs(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 4, stats.Retries)
	assert.False(t, stats.Abandoned)
}

func TestFetchAllAbandonsAfterBudget(t *testing.T) {
	var hits atomic.Int64
	srv := pagedServer(t, [][]map[string]any{{{"id": 1, "name": "A"}}}, &hits)
	defer srv.Close()

	ft := &flakyTransport{fail: func(int) bool { return true }}
	c := testClient(t, srv, ft)

	jobs, stats, err := c.Jobs(context.Background())
	require.NoError(t, err)
	assert.Nil(t, jobs)
	assert.True(t, stats.Abandoned)
	assert.Equal(t, int64(6), ft.calls.Load()) // first attempt + 5 retries
}

func TestFetchAllAbandonKeepsPriorPages(t *testing.T) {
	var hits atomic.Int64
	srv := pagedServer(t, [][]map[string]any{
		{{"id": 1, "name": "A"}},
		{{"id": 2, "name": "B"}},
	}, &hits)
	defer srv.Close()

	// Page 1 succeeds, every later attempt fails.
	ft := &flakyTransport{fail: func(n int) bool { return n > 1 }}
	c := testClient(t, srv, ft)

	jobs, stats, err := c.Jobs(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, int64(1), jobs[0].ID)
	assert.True(t, stats.Abandoned)
}

func TestFetchAllRetryBudgetIsShared(t *testing.T) {
	var hits atomic.Int64
	srv := pagedServer(t, [][]map[string]any{
		{{"id": 1}}, {{"id": 2}}, {{"id": 3}},
	}, &hits)
	defer srv.Close()

	// Three failures before each of the first two pages exceed a budget of 5.
	ft := &flakyTransport{fail: func(n int) bool { return n <= 3 || (n >= 5 && n <= 7) }}
	c := testClient(t, srv, ft)

	jobs, stats, err := c.Jobs(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.True(t, stats.Abandoned)
	assert.Equal(t, 5, stats.Retries)
}

func TestFetchAllStopsOnNonSuccessWithoutRetry(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Query().Get("page") == "1" {
			fmt.Fprint(w, `[{"id":1,"name":"A"}]`)
			return
		}
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := testClient(t, srv, nil)
	jobs, stats, err := c.Jobs(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, int64(2), hits.Load())
	assert.Equal(t, http.StatusInternalServerError, stats.HaltStatus)
	assert.Zero(t, stats.Retries)
}

func TestFetchAllNonSuccessOnFirstPageReturnsNil(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	jobs, stats, err := testClient(t, srv, nil).Jobs(context.Background())
	require.NoError(t, err)
	assert.Nil(t, jobs)
	assert.Equal(t, http.StatusUnauthorized, stats.HaltStatus)
}

func TestFetchAllDropsMalformedItems(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "1" {
			fmt.Fprint(w, `[{"id":1,"name":"A"},{"name":"no id"},"str",{"id":"x"}]`)
			return
		}
		fmt.Fprint(w, `[]`)
	}))
	defer srv.Close()

	jobs, stats, err := testClient(t, srv, nil).Jobs(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 3, stats.Malformed)
}

func TestApplicationsWindowParams(t *testing.T) {
	var after, before string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		after = r.URL.Query().Get("created_after")
		before = r.URL.Query().Get("created_before")
		assert.Equal(t, "/applications", r.URL.Path)
		fmt.Fprint(w, `[]`)
	}))
	defer srv.Close()

	w := Window{
		CreatedAfter:  time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		CreatedBefore: time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC),
	}
	apps, _, err := testClient(t, srv, nil).Applications(context.Background(), w)
	require.NoError(t, err)
	assert.Nil(t, apps)
	assert.Equal(t, "2024-01-02T00:00:00Z", after)
	assert.Equal(t, "2024-02-01T12:00:00Z", before)
}

func TestFetchAllContextCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := testClient(t, srv, nil).Jobs(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
