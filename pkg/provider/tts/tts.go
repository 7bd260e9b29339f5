// Package tts abstracts the three interchangeable speech-synthesis services
// (piper, silero, chatterbox). All expose the same stateless HTTP contract:
// POST /synthesize with the text returns a WAV, GET /health returns 200. The
// engine in use is selected by configuration and can differ per deployment.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hearthward/famulus/pkg/audio"
)

const defaultTimeout = 60 * time.Second

// Synthesizer turns text into WAV audio.
type Synthesizer interface {
	// Synthesize returns a complete WAV file for text.
	Synthesize(ctx context.Context, text string) ([]byte, error)

	// Healthy probes the engine.
	Healthy(ctx context.Context) error

	// Engine names the backing service ("piper", "silero", "chatterbox").
	Engine() string
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithVoice sets the voice identifier sent with every request. Engines
// without voice selection ignore it.
func WithVoice(voice string) Option {
	return func(c *Client) { c.voice = voice }
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// Client is the shared HTTP implementation behind every engine.
// Safe for concurrent use.
type Client struct {
	engine     string
	baseURL    string
	voice      string
	httpClient *http.Client
}

var _ Synthesizer = (*Client)(nil)

// New creates a Client for the named engine at baseURL.
func New(engine, baseURL string, opts ...Option) (*Client, error) {
	if engine == "" {
		return nil, errors.New("tts: engine must not be empty")
	}
	if baseURL == "" {
		return nil, fmt.Errorf("tts: %s: baseURL must not be empty", engine)
	}
	c := &Client{
		engine:     engine,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Engine implements [Synthesizer].
func (c *Client) Engine() string { return c.engine }

// Synthesize implements [Synthesizer].
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	return c.synthesize(ctx, text, c.voice)
}

func (c *Client) synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	payload := map[string]string{"text": text}
	if voice != "" {
		payload["voice"] = voice
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("tts: %s: marshal request: %w", c.engine, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/synthesize", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("tts: %s: create request: %w", c.engine, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts: %s: http request: %w", c.engine, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tts: %s: server returned HTTP %d", c.engine, resp.StatusCode)
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("tts: %s: read audio: %w", c.engine, err)
	}
	if _, err := audio.ParseWAV(wav); err != nil {
		return nil, fmt.Errorf("tts: %s: invalid audio: %w", c.engine, err)
	}
	return wav, nil
}

// SynthesizePCM synthesizes text and converts the result to raw 16-bit mono
// PCM at the requested sample rate, whatever format the engine produced.
func (c *Client) SynthesizePCM(ctx context.Context, text string, sampleRate int) ([]byte, error) {
	return c.synthesizePCM(ctx, text, c.voice, sampleRate)
}

func (c *Client) synthesizePCM(ctx context.Context, text, voice string, sampleRate int) ([]byte, error) {
	wav, err := c.synthesize(ctx, text, voice)
	if err != nil {
		return nil, err
	}
	info, err := audio.ParseWAV(wav)
	if err != nil {
		return nil, fmt.Errorf("tts: %s: parse audio: %w", c.engine, err)
	}

	pcm := wav[info.DataOffset : info.DataOffset+info.DataSize]
	if info.Channels == 2 {
		pcm = audio.StereoToMono16(pcm)
	}
	if info.SampleRate != sampleRate {
		pcm = audio.ResampleMono16(pcm, info.SampleRate, sampleRate)
	}
	return pcm, nil
}

// Healthy implements [Synthesizer].
func (c *Client) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("tts: %s: create health request: %w", c.engine, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("tts: %s: health probe: %w", c.engine, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tts: %s: health returned HTTP %d", c.engine, resp.StatusCode)
	}
	return nil
}

// Settings name the engine and voice for one synthesis call.
type Settings struct {
	Engine string
	Voice  string
}

// Selector supplies per-call settings, typically backed by the runtime
// config store so the active engine and voice can change without a restart.
// Empty fields mean "use the default".
type Selector func(ctx context.Context) Settings

// Switcher routes each synthesis call to the engine the selector names. It
// holds one Client per configured endpoint; a selector naming an engine with
// no endpoint falls back to the default engine.
type Switcher struct {
	clients  map[string]*Client
	fallback string
	sel      Selector
}

// NewSwitcher creates a Switcher over the endpoint map. fallback is the
// engine used when the selector is nil or names nothing usable; it must have
// an endpoint.
func NewSwitcher(endpoints map[string]string, fallback string, sel Selector) (*Switcher, error) {
	if _, ok := endpoints[fallback]; !ok {
		return nil, fmt.Errorf("tts: default engine %q has no endpoint", fallback)
	}
	clients := make(map[string]*Client, len(endpoints))
	for engine, url := range endpoints {
		c, err := New(engine, url)
		if err != nil {
			return nil, err
		}
		clients[engine] = c
	}
	return &Switcher{clients: clients, fallback: fallback, sel: sel}, nil
}

// pick resolves the client and voice for one call.
func (s *Switcher) pick(ctx context.Context) (*Client, string) {
	engine, voice := s.fallback, ""
	if s.sel != nil {
		set := s.sel(ctx)
		if set.Engine != "" {
			if _, ok := s.clients[set.Engine]; ok {
				engine = set.Engine
			} else {
				slog.Warn("tts engine has no endpoint, using default",
					"engine", set.Engine, "default", s.fallback)
			}
		}
		voice = set.Voice
	}
	return s.clients[engine], voice
}

// SynthesizePCM synthesizes text with the currently selected engine and
// voice, as raw 16-bit mono PCM at the requested sample rate.
func (s *Switcher) SynthesizePCM(ctx context.Context, text string, sampleRate int) ([]byte, error) {
	c, voice := s.pick(ctx)
	return c.synthesizePCM(ctx, text, voice, sampleRate)
}

// Synthesize synthesizes text with the currently selected engine and voice.
func (s *Switcher) Synthesize(ctx context.Context, text string) ([]byte, error) {
	c, voice := s.pick(ctx)
	return c.synthesize(ctx, text, voice)
}

// Healthy probes the currently selected engine.
func (s *Switcher) Healthy(ctx context.Context) error {
	c, _ := s.pick(ctx)
	return c.Healthy(ctx)
}
