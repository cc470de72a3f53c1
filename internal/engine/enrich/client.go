// Package enrich asks a language model to summarize each candidate.
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/anatolykoptev/go_roletrends/internal/engine"
	"github.com/anatolykoptev/go_roletrends/internal/engine/candidate"
)

// userPrefix precedes the serialized candidate in the user message.
const userPrefix = "Candidate info: "

// LoadPrompt reads the system instruction. A missing or blank file is a
// configuration error.
func LoadPrompt(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: prompt %s: %w", engine.ErrConfig, path, err)
	}
	if strings.TrimSpace(string(b)) == "" {
		return "", fmt.Errorf("%w: prompt %s is empty", engine.ErrConfig, path)
	}
	return string(b), nil
}

// Options configures a Client.
type Options struct {
	Completer    Completer
	SystemPrompt string
	Concurrency  int
	// RPS caps request starts per second; 0 disables the cap.
	RPS         float64
	CallTimeout time.Duration
	Cache       *engine.Cache
	Budget      *Budget
}

// Client fans candidates out to a Completer on a bounded pool.
type Client struct {
	completer   Completer
	system      string
	sem         chan struct{}
	limiter     *rate.Limiter
	callTimeout time.Duration
	cache       *engine.Cache
	budget      *Budget
}

// NewClient builds a Client. Concurrency below 1 is treated as 1.
func NewClient(opts Options) *Client {
	n := max(opts.Concurrency, 1)
	c := &Client{
		completer:   opts.Completer,
		system:      opts.SystemPrompt,
		sem:         make(chan struct{}, n),
		callTimeout: opts.CallTimeout,
		cache:       opts.Cache,
		budget:      opts.Budget,
	}
	if opts.RPS > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RPS), n)
	}
	if c.callTimeout <= 0 {
		c.callTimeout = 2 * time.Minute
	}
	return c
}

// EnrichAll returns one raw response per candidate, in input order. A failed
// call leaves nil in its slot and is logged. The error is non-nil only when
// ctx ends before every call was dispatched.
func (c *Client) EnrichAll(ctx context.Context, cands []candidate.Candidate) ([]*string, error) {
	out := make([]*string, len(cands))
	var wg sync.WaitGroup

	var dispatchErr error
dispatch:
	for i := range cands {
		if err := ctx.Err(); err != nil {
			dispatchErr = err
			break dispatch
		}
		select {
		case c.sem <- struct{}{}:
		case <-ctx.Done():
			dispatchErr = ctx.Err()
			break dispatch
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				<-c.sem
				dispatchErr = err
				break dispatch
			}
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-c.sem }()
			text, err := c.enrichOne(ctx, cands[i])
			if err != nil {
				slog.Warn("enrich: candidate failed", slog.Int64("application_id", cands[i].ID()), slog.Any("error", err))
				return
			}
			out[i] = &text
		}(i)
	}
	wg.Wait()

	if dispatchErr != nil {
		return out, fmt.Errorf("enrich dispatch: %w", dispatchErr)
	}
	return out, nil
}

func (c *Client) enrichOne(ctx context.Context, cand candidate.Candidate) (_ string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	user, err := c.UserContent(cand)
	if err != nil {
		return "", err
	}

	key := engine.CacheKey("enrich", c.completer.Model(), c.system, user)
	if cached, ok := c.cache.Get(ctx, key); ok {
		return cached, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	engine.IncrLLMCalls()
	text, err := c.completer.Complete(callCtx, c.system, user)
	if err != nil {
		engine.IncrLLMErrors()
		return "", err
	}
	c.cache.Set(ctx, key, text)
	return text, nil
}

// UserContent serializes a candidate for the prompt, trimming resume text to
// the token budget.
func (c *Client) UserContent(cand candidate.Candidate) (string, error) {
	return userContent(cand, c.budget)
}

func userContent(cand candidate.Candidate, budget *Budget) (string, error) {
	if cand.ResumeContent != nil && budget != nil {
		cand = cand.WithResumeContent(budget.Trim(*cand.ResumeContent))
	}
	b, err := json.Marshal(cand)
	if err != nil {
		return "", fmt.Errorf("serialize candidate: %w", err)
	}
	return userPrefix + string(b), nil
}
