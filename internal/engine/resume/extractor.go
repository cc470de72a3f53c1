// Package resume downloads resume attachments and extracts their text.
package resume

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/anatolykoptev/go_roletrends/internal/engine"
	"github.com/anatolykoptev/go_roletrends/internal/engine/harvest"
)

// Archiver stores downloaded documents and returns a link to them.
type Archiver interface {
	Put(ctx context.Context, applicationID int64, filename, contentType string, data []byte) (string, error)
}

// Resume is the extraction outcome for one application.
type Resume struct {
	// Attachment is the resume attachment, if the application has one.
	Attachment *harvest.Attachment
	// Content is set only when extraction succeeded.
	Content *string
	// Link points at the archived copy, when archiving is enabled.
	Link string
}

// Failure records an application whose resume could not be read.
type Failure struct {
	ApplicationID int64
	Filename      string
	Err           error
}

func (f Failure) Error() string {
	return fmt.Sprintf("application %d (%s): %v", f.ApplicationID, f.Filename, f.Err)
}

func (f Failure) Unwrap() error { return f.Err }

// Options configures an Extractor.
type Options struct {
	HTTPClient      *http.Client
	DownloadTimeout time.Duration
	MaxBytes        int64
	Workers         int
	// TrackerHost and AuthHeader: credentials are attached only to
	// downloads from the tracker's own host.
	TrackerHost string
	AuthHeader  string
	Archive     Archiver
	// Engines overrides the per-format engine chain.
	Engines map[Format][]Engine
}

// Extractor downloads and parses resumes concurrently. Safe for concurrent use.
type Extractor struct {
	http        *http.Client
	timeout     time.Duration
	maxBytes    int64
	workers     int
	trackerHost string
	authHeader  string
	archive     Archiver
	engines     map[Format][]Engine
}

// DefaultEngines is the extraction chain per format. PDF and HTML have a
// fallback engine.
func DefaultEngines() map[Format][]Engine {
	return map[Format][]Engine{
		FormatPDF:  {PlainPDF, PositionalPDF},
		FormatDOCX: {DOCX},
		FormatDOC:  {DOC},
		FormatTXT:  {TXT},
		FormatHTML: {Markdown, HTMLText},
	}
}

// NewExtractor builds an Extractor with defaults for unset options.
func NewExtractor(opts Options) *Extractor {
	e := &Extractor{
		http:        opts.HTTPClient,
		timeout:     opts.DownloadTimeout,
		maxBytes:    opts.MaxBytes,
		workers:     opts.Workers,
		trackerHost: opts.TrackerHost,
		authHeader:  opts.AuthHeader,
		archive:     opts.Archive,
		engines:     opts.Engines,
	}
	if e.timeout <= 0 {
		e.timeout = 10 * time.Second
	}
	if e.http == nil {
		e.http = engine.NewHTTPClient(e.timeout)
	}
	if e.maxBytes <= 0 {
		e.maxBytes = 20 << 20
	}
	if e.workers <= 0 {
		e.workers = 4
	}
	if e.engines == nil {
		e.engines = DefaultEngines()
	}
	return e
}

// ExtractAll processes every application on a bounded worker pool.
// The returned slice is index-aligned with apps. Applications without a
// resume attachment are not failures.
func (e *Extractor) ExtractAll(ctx context.Context, apps []harvest.Application) ([]Resume, []Failure) {
	out := make([]Resume, len(apps))
	errs := make([]error, len(apps))

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < min(e.workers, len(apps)); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				out[i], errs[i] = e.extractOne(ctx, &apps[i])
			}
		}()
	}
feed:
	for i := range apps {
		select {
		case jobs <- i:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	var failures []Failure
	for i, err := range errs {
		if err == nil {
			continue
		}
		f := Failure{ApplicationID: apps[i].ID, Err: err}
		if out[i].Attachment != nil {
			f.Filename = out[i].Attachment.Filename
		}
		failures = append(failures, f)
	}
	return out, failures
}

func (e *Extractor) extractOne(ctx context.Context, app *harvest.Application) (Resume, error) {
	att, ok := app.Resume()
	if !ok {
		return Resume{}, nil
	}
	res := Resume{Attachment: &att}
	log := slog.With(slog.Int64("application_id", app.ID), slog.String("filename", att.Filename))

	format, err := DetectFormat(att.Filename)
	if err != nil {
		engine.IncrExtractFailures()
		log.Warn("resume: unsupported format")
		return res, err
	}

	data, err := e.download(ctx, att.URL)
	if err != nil {
		engine.IncrExtractFailures()
		log.Warn("resume: download failed", slog.Any("error", err))
		return res, err
	}

	text, err := firstOf(data, e.engines[format]...)
	if err != nil {
		engine.IncrExtractFailures()
		log.Warn("resume: extraction failed", slog.Any("error", err))
		return res, err
	}
	res.Content = &text

	if e.archive != nil {
		link, err := e.archive.Put(ctx, app.ID, att.Filename, format.ContentType(), data)
		if err != nil {
			engine.IncrArchiveErrors()
			log.Warn("resume: archive failed", slog.Any("error", err))
		} else {
			engine.IncrArchiveUploads()
			res.Link = link
		}
	}
	log.Debug("resume: extracted", slog.Int("chars", len(text)))
	return res, nil
}

// ErrTooLarge marks an attachment that exceeds the size limit.
var ErrTooLarge = errors.New("attachment too large")

func (e *Extractor) download(ctx context.Context, rawURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", engine.UserAgent)
	if e.authHeader != "" && e.trackerHost != "" {
		if u, err := url.Parse(rawURL); err == nil && u.Host == e.trackerHost {
			req.Header.Set("Authorization", e.authHeader)
		}
	}

	engine.IncrResumeDownloads()
	resp, err := e.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("download: %w", &engine.HTTPStatusError{StatusCode: resp.StatusCode})
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, e.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > e.maxBytes {
		return nil, fmt.Errorf("%w: over %d bytes", ErrTooLarge, e.maxBytes)
	}
	return data, nil
}
