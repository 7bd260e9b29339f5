// Package whisper is the HTTP client for the Whisper transcription service.
// The service takes a WAV upload and returns the transcribed text with the
// detected language; it holds no per-session state, so one client serves all
// channels concurrently.
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/hearthward/famulus/pkg/audio"
)

const defaultTimeout = 60 * time.Second

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithLanguage pins the transcription language. Defaults to "auto", letting
// the service detect per utterance.
func WithLanguage(lang string) Option {
	return func(c *Client) { c.language = lang }
}

// WithLanguageSource reads the language per request, typically from the
// runtime config store. An empty result falls back to the static language.
func WithLanguageSource(src func(ctx context.Context) string) Option {
	return func(c *Client) { c.languageSource = src }
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// Result is one transcription outcome.
type Result struct {
	Text                string  `json:"text"`
	Language            string  `json:"language"`
	LanguageProbability float64 `json:"language_probability"`
}

// Client talks to the transcription service. Safe for concurrent use.
type Client struct {
	baseURL        string
	language       string
	languageSource func(ctx context.Context) string
	httpClient     *http.Client
}

// New creates a Client for the service at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("whisper: baseURL must not be empty")
	}
	c := &Client{
		baseURL:    baseURL,
		language:   "auto",
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// TranscribePCM wraps raw 16-bit mono PCM in a WAV container and transcribes
// it. sampleRate is the rate of the supplied PCM.
func (c *Client) TranscribePCM(ctx context.Context, pcm []byte, sampleRate int) (Result, error) {
	return c.Transcribe(ctx, audio.EncodeWAV(pcm, sampleRate, 1))
}

// Transcribe uploads a complete WAV file and returns the transcript.
func (c *Client) Transcribe(ctx context.Context, wav []byte) (Result, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("audio", "utterance.wav")
	if err != nil {
		return Result{}, fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return Result{}, fmt.Errorf("whisper: write wav data: %w", err)
	}
	lang := c.language
	if c.languageSource != nil {
		if l := c.languageSource(ctx); l != "" {
			lang = l
		}
	}
	if err := mw.WriteField("language", lang); err != nil {
		return Result{}, fmt.Errorf("whisper: write language field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return Result{}, fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transcribe", &body)
	if err != nil {
		return Result{}, fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("whisper: read response body: %w", err)
	}

	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return Result{}, fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	return result, nil
}

// Healthy probes the service's /health endpoint.
func (c *Client) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("whisper: create health request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("whisper: health probe: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("whisper: health returned HTTP %d", resp.StatusCode)
	}
	return nil
}
