package enrich

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/anatolykoptev/go_roletrends/internal/engine"
	"github.com/anatolykoptev/go_roletrends/internal/engine/candidate"
)

// ErrBatchFailed marks a batch job that ended without output.
var ErrBatchFailed = errors.New("batch job failed")

const (
	batchEndpoint    = "/v1/chat/completions"
	batchDescription = "candidate data reporting generator"
	maxPollErrors    = 5
)

// Terminal batch states.
const (
	batchCompleted = "completed"
	batchFailed    = "failed"
	batchExpired   = "expired"
	batchCancelled = "cancelled"
)

// batchJob is the subset of a batch's state the poller needs.
type batchJob struct {
	ID           string
	Status       string
	OutputFileID string
	ErrorFileID  string
}

type batchAPI interface {
	Upload(ctx context.Context, name string, jsonl []byte) (string, error)
	Create(ctx context.Context, inputFileID string) (string, error)
	Get(ctx context.Context, batchID string) (batchJob, error)
	Content(ctx context.Context, fileID string) ([]byte, error)
}

// BatchOptions configures a BatchClient.
type BatchOptions struct {
	SystemPrompt string
	Model        string
	Temperature  float64
	MaxTokens    int
	// PollInterval is the wait between status checks. Defaults to 2s.
	PollInterval time.Duration
	Cache        *engine.Cache
	Budget       *Budget
}

// BatchClient submits every candidate as one Batch API job and polls it to
// completion. Results are matched back to candidates by custom_id, so output
// order in the result file does not matter.
type BatchClient struct {
	api  batchAPI
	opts BatchOptions
}

// NewBatchClient builds a BatchClient on the OpenAI SDK. LLMAPIBase
// overrides the endpoint when set.
func NewBatchClient(cfg engine.Config, opts BatchOptions) *BatchClient {
	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.LLMAPIKey),
		option.WithHTTPClient(&http.Client{Timeout: cfg.LLMTimeout}),
	}
	if cfg.LLMAPIBase != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.LLMAPIBase))
	}
	return newBatchClient(openaiBatches{client: openai.NewClient(reqOpts...)}, opts)
}

func newBatchClient(api batchAPI, opts BatchOptions) *BatchClient {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	return &BatchClient{api: api, opts: opts}
}

func (c *BatchClient) Model() string { return c.opts.Model }

type batchMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type batchBody struct {
	Model          string            `json:"model"`
	ResponseFormat map[string]string `json:"response_format"`
	Messages       []batchMessage    `json:"messages"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	N              int               `json:"n"`
	Temperature    float64           `json:"temperature"`
}

type batchRequest struct {
	CustomID string    `json:"custom_id"`
	Method   string    `json:"method"`
	URL      string    `json:"url"`
	Body     batchBody `json:"body"`
}

type batchResult struct {
	CustomID string `json:"custom_id"`
	Response *struct {
		StatusCode int             `json:"status_code"`
		Body       json.RawMessage `json:"body"`
	} `json:"response"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// pending is a submitted candidate awaiting its result.
type pending struct {
	index    int
	id       int64
	cacheKey string
}

// EnrichAll returns one raw response per candidate, in input order. Cached
// candidates are answered without submission. A candidate whose result line
// is missing or failed keeps a nil slot. The error is non-nil when the job
// could not be submitted, ended in a failed state, or ctx ended first.
func (c *BatchClient) EnrichAll(ctx context.Context, cands []candidate.Candidate) ([]*string, error) {
	out := make([]*string, len(cands))

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	waiting := make(map[string]pending)
	for i, cand := range cands {
		user, err := userContent(cand, c.opts.Budget)
		if err != nil {
			slog.Warn("enrich batch: candidate skipped", slog.Int64("application_id", cand.ID()), slog.Any("error", err))
			continue
		}
		key := engine.CacheKey("enrich", c.opts.Model, c.opts.SystemPrompt, user)
		if cached, ok := c.opts.Cache.Get(ctx, key); ok {
			out[i] = &cached
			continue
		}
		customID := uuid.NewString()
		if err := enc.Encode(c.request(customID, user)); err != nil {
			return out, fmt.Errorf("enrich batch: encode request: %w", err)
		}
		waiting[customID] = pending{index: i, id: cand.ID(), cacheKey: key}
	}
	if len(waiting) == 0 {
		return out, nil
	}

	fileID, err := c.api.Upload(ctx, "candidates.jsonl", buf.Bytes())
	if err != nil {
		return out, fmt.Errorf("enrich batch: %w", err)
	}
	batchID, err := c.api.Create(ctx, fileID)
	if err != nil {
		return out, fmt.Errorf("enrich batch: %w", err)
	}
	for range waiting {
		engine.IncrLLMCalls()
	}
	slog.Info("enrich batch: submitted", slog.String("batch_id", batchID), slog.Int("requests", len(waiting)))

	job, err := c.wait(ctx, batchID)
	if err != nil {
		return out, err
	}

	if job.ErrorFileID != "" {
		if raw, err := c.api.Content(ctx, job.ErrorFileID); err != nil {
			slog.Warn("enrich batch: error file unreadable", slog.String("batch_id", batchID), slog.Any("error", err))
		} else {
			c.collect(ctx, raw, waiting, out)
		}
	}
	if job.OutputFileID != "" {
		raw, err := c.api.Content(ctx, job.OutputFileID)
		if err != nil {
			return out, fmt.Errorf("enrich batch %s: output: %w", batchID, err)
		}
		c.collect(ctx, raw, waiting, out)
	}
	for _, p := range waiting {
		engine.IncrLLMErrors()
		slog.Warn("enrich batch: no result", slog.Int64("application_id", p.id))
	}
	return out, nil
}

func (c *BatchClient) request(customID, user string) batchRequest {
	return batchRequest{
		CustomID: customID,
		Method:   http.MethodPost,
		URL:      batchEndpoint,
		Body: batchBody{
			Model:          c.opts.Model,
			ResponseFormat: map[string]string{"type": "json_object"},
			Messages: []batchMessage{
				{Role: "system", Content: c.opts.SystemPrompt},
				{Role: "user", Content: user},
			},
			MaxTokens:   c.opts.MaxTokens,
			N:           1,
			Temperature: c.opts.Temperature,
		},
	}
}

// wait polls until the batch reaches a terminal state. A few consecutive
// status errors are tolerated.
func (c *BatchClient) wait(ctx context.Context, batchID string) (batchJob, error) {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()
	errCount := 0
	for {
		select {
		case <-ctx.Done():
			return batchJob{}, fmt.Errorf("enrich batch %s: %w", batchID, ctx.Err())
		case <-ticker.C:
		}
		job, err := c.api.Get(ctx, batchID)
		if err != nil {
			errCount++
			if errCount >= maxPollErrors {
				return batchJob{}, fmt.Errorf("enrich batch %s: status: %w", batchID, err)
			}
			slog.Warn("enrich batch: status check failed", slog.String("batch_id", batchID), slog.Any("error", err))
			continue
		}
		errCount = 0
		switch job.Status {
		case batchCompleted:
			return job, nil
		case batchFailed, batchExpired, batchCancelled:
			return job, fmt.Errorf("%w: %s is %s", ErrBatchFailed, batchID, job.Status)
		}
	}
}

// collect fills out from a result file and removes answered entries from
// waiting. Unparseable lines and unknown ids are logged and skipped.
func (c *BatchClient) collect(ctx context.Context, raw []byte, waiting map[string]pending, out []*string) {
	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var res batchResult
		if err := json.Unmarshal(line, &res); err != nil {
			slog.Warn("enrich batch: bad result line", slog.Any("error", err))
			continue
		}
		p, ok := waiting[res.CustomID]
		if !ok {
			slog.Warn("enrich batch: unknown custom_id", slog.String("custom_id", res.CustomID))
			continue
		}
		delete(waiting, res.CustomID)

		text, err := resultText(res)
		if err != nil {
			engine.IncrLLMErrors()
			slog.Warn("enrich batch: candidate failed", slog.Int64("application_id", p.id), slog.Any("error", err))
			continue
		}
		c.opts.Cache.Set(ctx, p.cacheKey, text)
		out[p.index] = &text
	}
	if err := sc.Err(); err != nil {
		slog.Warn("enrich batch: result file truncated", slog.Any("error", err))
	}
}

func resultText(res batchResult) (string, error) {
	if res.Error != nil {
		return "", fmt.Errorf("%s: %s", res.Error.Code, res.Error.Message)
	}
	if res.Response == nil {
		return "", errors.New("no response")
	}
	if res.Response.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d", res.Response.StatusCode)
	}
	var completion openai.ChatCompletion
	if err := json.Unmarshal(res.Response.Body, &completion); err != nil {
		return "", fmt.Errorf("decode completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", ErrNoChoices
	}
	return completion.Choices[0].Message.Content, nil
}

// openaiBatches adapts the SDK's Files and Batches services.
type openaiBatches struct {
	client openai.Client
}

func (o openaiBatches) Upload(ctx context.Context, name string, jsonl []byte) (string, error) {
	f, err := o.client.Files.New(ctx, openai.FileNewParams{
		File:    openai.File(bytes.NewReader(jsonl), name, "application/jsonl"),
		Purpose: openai.FilePurposeBatch,
	})
	if err != nil {
		return "", fmt.Errorf("upload input: %w", err)
	}
	return f.ID, nil
}

func (o openaiBatches) Create(ctx context.Context, inputFileID string) (string, error) {
	b, err := o.client.Batches.New(ctx, openai.BatchNewParams{
		InputFileID:      inputFileID,
		Endpoint:         openai.BatchNewParamsEndpointV1ChatCompletions,
		CompletionWindow: openai.BatchNewParamsCompletionWindow24h,
		Metadata:         shared.Metadata{"description": batchDescription},
	})
	if err != nil {
		return "", fmt.Errorf("create batch: %w", err)
	}
	return b.ID, nil
}

func (o openaiBatches) Get(ctx context.Context, batchID string) (batchJob, error) {
	b, err := o.client.Batches.Get(ctx, batchID)
	if err != nil {
		return batchJob{}, err
	}
	return batchJob{
		ID:           b.ID,
		Status:       string(b.Status),
		OutputFileID: b.OutputFileID,
		ErrorFileID:  b.ErrorFileID,
	}, nil
}

func (o openaiBatches) Content(ctx context.Context, fileID string) ([]byte, error) {
	resp, err := o.client.Files.Content(ctx, fileID)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}
