package engine

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrConfig marks a configuration problem detected at startup.
var ErrConfig = errors.New("config")

// Config holds all pipeline configuration, built once in main and injected
// into every component. Nothing in this module reads the environment directly.
type Config struct {
	// Tracker (Greenhouse Harvest).
	TrackerBaseURL    string
	TrackerAPIKey     string
	FetchPageSize     int
	FetchMaxRetries   int
	FetchBackoff      time.Duration
	FetchTimeout      time.Duration
	DownloadTimeout   time.Duration
	ExtractWorkers    int
	MaxResumeBytes    int64
	ResumeMaxTokens   int
	TrackerHTTPClient *http.Client

	// Language model.
	LLMProvider        string // "compat" (default), "openai", "gemini"
	LLMAPIKey          string
	LLMAPIKeyFallbacks []string
	LLMAPIBase         string
	LLMModel           string
	LLMTemperature     float64
	LLMMaxTokens       int
	LLMTimeout         time.Duration
	EnrichConcurrency  int
	EnrichRPS          float64
	EnrichMode         string // "direct" (default) or "batch"
	BatchPollInterval  time.Duration
	PromptPath         string

	// Spreadsheet sink.
	SpreadsheetID        string
	SheetTab             string
	SheetsCredentialsB64 string

	// Optional collaborators; empty disables them.
	RedisURL         string
	CacheTTL         time.Duration
	CacheMaxEntries  int
	LedgerDSN        string
	ArchiveBucket    string
	ArchiveEndpoint  string
	ArchiveRegion    string
	ArchiveAccessKey string
	ArchiveSecretKey string
	ArchivePublicURL string
	RabbitMQURL      string
	ScheduleCron     string
}

// TrackerAuthHeader returns the pre-encoded Basic auth value for the tracker API.
// Harvest uses the API key as the username and an empty password.
func (c Config) TrackerAuthHeader() string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(c.TrackerAPIKey+":"))
}

// SheetsCredentials decodes the base64 service-account JSON blob.
func (c Config) SheetsCredentials() ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(c.SheetsCredentialsB64))
	if err != nil {
		return nil, fmt.Errorf("%w: GOOGLE_SHEETS_CREDENTIALS_BASE64: %w", ErrConfig, err)
	}
	return raw, nil
}

// Validate checks required fields. dryRun relaxes the sink requirements.
func (c Config) Validate(dryRun bool) error {
	var missing []string
	if c.TrackerAPIKey == "" {
		missing = append(missing, "GREENHOUSE_API_KEY")
	}
	if c.TrackerBaseURL == "" {
		missing = append(missing, "GREENHOUSE_BASE_URL")
	}
	if c.LLMAPIKey == "" {
		missing = append(missing, "LLM_API_KEY")
	}
	if !dryRun {
		if c.SpreadsheetID == "" {
			missing = append(missing, "SPREADSHEET_ID")
		}
		if c.SheetsCredentialsB64 == "" {
			missing = append(missing, "GOOGLE_SHEETS_CREDENTIALS_BASE64")
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrConfig, strings.Join(missing, ", "))
	}
	switch c.LLMProvider {
	case "", "compat", "openai", "gemini":
	default:
		return fmt.Errorf("%w: unknown LLM_PROVIDER %q", ErrConfig, c.LLMProvider)
	}
	switch c.EnrichMode {
	case "", "direct":
	case "batch":
		if c.LLMProvider == "gemini" {
			return fmt.Errorf("%w: ENRICH_MODE=batch needs an OpenAI-compatible provider", ErrConfig)
		}
	default:
		return fmt.Errorf("%w: unknown ENRICH_MODE %q", ErrConfig, c.EnrichMode)
	}
	if c.EnrichConcurrency < 1 {
		return fmt.Errorf("%w: ENRICH_CONCURRENCY must be >= 1, got %d", ErrConfig, c.EnrichConcurrency)
	}
	return nil
}
