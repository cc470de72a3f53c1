package resume

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anatolykoptev/go_roletrends/internal/engine"
	"github.com/anatolykoptev/go_roletrends/internal/engine/harvest"
)

type fakeArchive struct {
	mu   sync.Mutex
	puts map[int64]string
	err  error
}

func (f *fakeArchive) Put(_ context.Context, id int64, filename, _ string, _ []byte) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.puts == nil {
		f.puts = map[int64]string{}
	}
	f.puts[id] = filename
	return "https://files.example/" + filename, nil
}

func app(id int64, atts ...harvest.Attachment) harvest.Application {
	return harvest.Application{ID: id, Attachments: atts, Jobs: []harvest.JobRef{{ID: 10}}}
}

func resumeAtt(srvURL, filename string) harvest.Attachment {
	return harvest.Attachment{Type: "resume", Filename: filename, URL: srvURL + "/files/" + filename}
}

func TestExtractAll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/files/cv.txt":
			w.Write([]byte("Jane Doe\nGo developer"))
		case "/files/cv.pdf":
			w.Write([]byte("%PDF-1.4 fake"))
		case "/files/broken.pdf":
			w.Write([]byte("%PDF-1.4 broken"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	pdfPrimary := Engine{Name: "primary", Fn: func(b []byte) (string, error) {
		return "", errors.New("primary failed")
	}}
	pdfFallback := Engine{Name: "fallback", Fn: func(b []byte) (string, error) {
		if strings.Contains(string(b), "broken") {
			return "", errors.New("fallback failed")
		}
		return "pdf text", nil
	}}
	engines := DefaultEngines()
	engines[FormatPDF] = []Engine{pdfPrimary, pdfFallback}

	ex := NewExtractor(Options{Workers: 3, Engines: engines, DownloadTimeout: 5 * time.Second})

	apps := []harvest.Application{
		app(1, resumeAtt(srv.URL, "cv.txt")),
		app(2), // no attachments
		app(3, harvest.Attachment{Type: "cover_letter", Filename: "c.txt", URL: srv.URL + "/files/cv.txt"}),
		app(4, resumeAtt(srv.URL, "cv.pdf")),
		app(5, resumeAtt(srv.URL, "broken.pdf")),
		app(6, resumeAtt(srv.URL, "photo.png")),
		app(7, resumeAtt(srv.URL, "missing.txt")),
	}

	got, failures := ex.ExtractAll(context.Background(), apps)
	require.Len(t, got, len(apps))

	require.NotNil(t, got[0].Content)
	assert.Equal(t, "Jane Doe\nGo developer", *got[0].Content)
	assert.Nil(t, got[1].Content)
	assert.Nil(t, got[1].Attachment)
	assert.Nil(t, got[2].Content)
	require.NotNil(t, got[3].Content)
	assert.Equal(t, "pdf text", *got[3].Content)
	assert.Nil(t, got[4].Content)
	assert.Nil(t, got[5].Content)
	assert.Nil(t, got[6].Content)

	failed := map[int64]error{}
	for _, f := range failures {
		failed[f.ApplicationID] = f.Err
	}
	assert.Len(t, failed, 3)
	assert.Contains(t, failed, int64(5))
	assert.ErrorIs(t, failed[6], ErrUnsupportedFormat)
	var statusErr *engine.HTTPStatusError
	require.ErrorAs(t, failed[7], &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
}

func TestExtractAllEmpty(t *testing.T) {
	got, failures := NewExtractor(Options{}).ExtractAll(context.Background(), nil)
	assert.Empty(t, got)
	assert.Empty(t, failures)
}

func TestDownloadAuthOnlyForTrackerHost(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]string{}
	handler := func(name string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			seen[name] = r.Header.Get("Authorization")
			mu.Unlock()
			w.Write([]byte("text"))
		}
	}
	tracker := httptest.NewServer(handler("tracker"))
	defer tracker.Close()
	storage := httptest.NewServer(handler("storage"))
	defer storage.Close()

	u, err := url.Parse(tracker.URL)
	require.NoError(t, err)
	ex := NewExtractor(Options{TrackerHost: u.Host, AuthHeader: "Basic abc"})

	_, failures := ex.ExtractAll(context.Background(), []harvest.Application{
		app(1, resumeAtt(tracker.URL, "a.txt")),
		app(2, resumeAtt(storage.URL, "b.txt")),
	})
	require.Empty(t, failures)
	assert.Equal(t, "Basic abc", seen["tracker"])
	assert.Empty(t, seen["storage"])
}

func TestDownloadTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer srv.Close()

	ex := NewExtractor(Options{MaxBytes: 16})
	_, failures := ex.ExtractAll(context.Background(), []harvest.Application{app(1, resumeAtt(srv.URL, "big.txt"))})
	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures[0].Err, ErrTooLarge)
	assert.Equal(t, "big.txt", failures[0].Filename)
}

func TestExtractArchivesDocuments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("resume"))
	}))
	defer srv.Close()

	arch := &fakeArchive{}
	ex := NewExtractor(Options{Archive: arch})
	got, failures := ex.ExtractAll(context.Background(), []harvest.Application{app(9, resumeAtt(srv.URL, "cv.txt"))})
	require.Empty(t, failures)
	assert.Equal(t, "https://files.example/cv.txt", got[0].Link)
	assert.Equal(t, "cv.txt", arch.puts[9])
}

func TestArchiveFailureIsNotFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("resume"))
	}))
	defer srv.Close()

	ex := NewExtractor(Options{Archive: &fakeArchive{err: errors.New("bucket gone")}})
	got, failures := ex.ExtractAll(context.Background(), []harvest.Application{app(9, resumeAtt(srv.URL, "cv.txt"))})
	require.Empty(t, failures)
	require.NotNil(t, got[0].Content)
	assert.Empty(t, got[0].Link)
}
