// Package llm provides the shared client for the local Ollama model server:
// text generation, vision-assisted generation over image attachments, and
// embeddings with a bounded content-hash cache.
//
// All model calls flow through one [Client] so retry, circuit breaking, and
// caching behave identically for every channel. The client is safe for
// concurrent use.
package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hearthward/famulus/internal/resilience"
)

// DefaultBaseURL is the default base URL for a locally running Ollama
// instance.
const DefaultBaseURL = "http://localhost:11434"

// ErrUnavailable is returned when the model server cannot be reached after
// retries, or when the circuit breaker is open. Callers degrade to their
// channel-specific fallback phrasing instead of propagating this upward.
var ErrUnavailable = errors.New("llm: model server unavailable")

// ErrEmptyResponse is returned when the model replies with HTTP 200 but an
// empty completion on every retry attempt. A blank completion is a soft
// failure: the prompt is retried like a transport error, but the server did
// answer, so it never counts against the circuit breaker.
var ErrEmptyResponse = errors.New("llm: empty model response")

// Client talks to an Ollama server. Construct with [New].
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
	retry      resilience.RetryConfig
	embedCache *embedCache
}

// config holds optional configuration collected from functional options.
type config struct {
	timeout        time.Duration
	retry          resilience.RetryConfig
	embedCacheSize int
}

// Option is a functional option for Client.
type Option func(*config)

// WithTimeout bounds a single HTTP request. Zero or negative means the
// 300-second default.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithRetry overrides the retry policy (default 3 attempts, 2s base delay,
// 8s cap, 25% jitter).
func WithRetry(r resilience.RetryConfig) Option {
	return func(c *config) {
		c.retry = r
	}
}

// WithEmbedCacheSize overrides the embedding cache capacity (default 4096
// entries).
func WithEmbedCacheSize(n int) Option {
	return func(c *config) {
		c.embedCacheSize = n
	}
}

// New constructs a Client for the Ollama server at baseURL. An empty baseURL
// uses [DefaultBaseURL]; a trailing slash is stripped.
func New(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	cfg := &config{
		timeout:        300 * time.Second,
		embedCacheSize: 4096,
	}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.timeout <= 0 {
		cfg.timeout = 300 * time.Second
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: cfg.timeout},
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name: "ollama",
		}),
		retry:      cfg.retry,
		embedCache: newEmbedCache(cfg.embedCacheSize),
	}
}

// GenerateRequest describes one completion call.
type GenerateRequest struct {
	// Model is the Ollama model name. Required.
	Model string

	// Prompt is the full prompt text. Required.
	Prompt string

	// System is an optional system prompt.
	System string

	// Images holds raw image bytes for vision models. Encoded as base64 in
	// the wire request.
	Images [][]byte

	// Temperature overrides the model default when non-zero.
	Temperature float64
}

// generateRequest is the JSON body sent to Ollama's /api/generate endpoint.
type generateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Images  []string       `json:"images,omitempty"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

// generateResponse is the JSON body returned by /api/generate when streaming
// is disabled.
type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Generate runs one non-streaming completion. Transport failures and blank
// completions are retried with backoff; an open breaker or exhausted
// transport retries surface as [ErrUnavailable], a completion that stays
// blank through every attempt as [ErrEmptyResponse].
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	if req.Model == "" {
		return "", errors.New("llm: generate: model must not be empty")
	}

	wire := generateRequest{
		Model:  req.Model,
		Prompt: req.Prompt,
		System: req.System,
		Stream: false,
	}
	for _, img := range req.Images {
		wire.Images = append(wire.Images, base64.StdEncoding.EncodeToString(img))
	}
	if req.Temperature != 0 {
		wire.Options = map[string]any{"temperature": req.Temperature}
	}

	var out string
	err := resilience.Retry(ctx, c.retry, func() error {
		var raw []byte
		err := c.breaker.Execute(func() error {
			resp, err := c.post(ctx, "/api/generate", wire)
			if err != nil {
				return err
			}
			raw = resp
			return nil
		})
		if err != nil {
			return err
		}
		var parsed generateResponse
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return resilience.Permanent(fmt.Errorf("decode response: %w", err))
		}
		if strings.TrimSpace(parsed.Response) == "" {
			// The model answered but said nothing. Checked outside the
			// breaker so the retry re-prompts without charging the server
			// for a fault it did not commit.
			return ErrEmptyResponse
		}
		out = parsed.Response
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrEmptyResponse) {
			return "", ErrEmptyResponse
		}
		return "", fmt.Errorf("%w: generate with %s: %v", ErrUnavailable, req.Model, err)
	}
	return out, nil
}

// embeddingsRequest is the JSON body sent to Ollama's /api/embeddings
// endpoint.
type embeddingsRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

// embeddingsResponse is the JSON body returned by /api/embeddings.
type embeddingsResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed returns the embedding vector for text, consulting the content-hash
// cache first. Identical (model, text) pairs never hit the server twice while
// the entry is cached.
func (c *Client) Embed(ctx context.Context, model, text string) ([]float32, error) {
	if model == "" {
		return nil, errors.New("llm: embed: model must not be empty")
	}
	if vec, ok := c.embedCache.get(model, text); ok {
		return vec, nil
	}

	var out []float32
	err := resilience.Retry(ctx, c.retry, func() error {
		var raw []byte
		err := c.breaker.Execute(func() error {
			resp, err := c.post(ctx, "/api/embeddings", embeddingsRequest{
				Model:  model,
				Prompt: text,
			})
			if err != nil {
				return err
			}
			raw = resp
			return nil
		})
		if err != nil {
			return err
		}
		var parsed embeddingsResponse
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return resilience.Permanent(fmt.Errorf("decode response: %w", err))
		}
		if len(parsed.Embedding) == 0 {
			return ErrEmptyResponse
		}
		out = parsed.Embedding
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrEmptyResponse) {
			return nil, ErrEmptyResponse
		}
		return nil, fmt.Errorf("%w: embed with %s: %v", ErrUnavailable, model, err)
	}

	c.embedCache.put(model, text, out)
	return out, nil
}

// Healthy reports whether the model server answers its version endpoint.
func (c *Client) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/version", nil)
	if err != nil {
		return fmt.Errorf("llm: health: build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("llm: health: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("llm: health: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// BreakerState exposes the circuit breaker state for the health surface.
func (c *Client) BreakerState() resilience.State {
	return c.breaker.State()
}

// post sends one JSON request and returns the raw response body. Non-200
// statuses in the 4xx range are permanent (retrying a rejected request cannot
// succeed); 5xx and transport errors stay retryable.
func (c *Client) post(ctx context.Context, path string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, resilience.Permanent(fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, resilience.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(string(raw), 200))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, resilience.Permanent(err)
		}
		return nil, err
	}
	return raw, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
