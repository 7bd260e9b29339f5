// Package botcfg exposes the runtime key/value configuration with a
// read-through cache. Unlike the bootstrap YAML config, these values can be
// changed while the assistant is running (through the admin surface or by
// e-mail command) and take effect on the next read.
package botcfg

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/hearthward/famulus/pkg/memory"
)

// Well-known configuration keys.
const (
	KeyBotName         = "bot_name"
	KeyPersona         = "persona"
	KeyChatModel       = "chat_model"
	KeyExtractModel    = "extract_model"
	KeyVisionModel     = "vision_model"
	KeyDisplayTimezone = "display_timezone"

	KeySessionIdleMinutes       = "session_idle_minutes"
	KeySessionReactivateMinutes = "session_reactivate_minutes"

	KeyRecallLimit         = "recall_limit"
	KeyRecallMinSimilarity = "recall_min_similarity"
	KeyShortTermLimit      = "short_term_memory_limit"

	KeyReminderDefaultLead = "reminder_default_lead_minutes"

	KeyExtractionEnabled = "extraction_enabled"

	// Speech keys default to empty: the bootstrap YAML supplies the
	// fallback engine, and an empty language means auto-detect.
	KeyTTSEngine       = "tts_engine"
	KeyPiperVoice      = "piper_voice"
	KeySileroVoice     = "silero_voice"
	KeyWhisperLanguage = "whisper_language"
)

// Defaults maps every well-known key to its fallback value. Get returns the
// default when the key has never been stored.
var Defaults = map[string]string{
	KeyBotName:         "Famulus",
	KeyPersona:         "a helpful, concise household assistant",
	KeyDisplayTimezone: "America/New_York",

	KeySessionIdleMinutes:       "10",
	KeySessionReactivateMinutes: "30",

	KeyRecallLimit:         "5",
	KeyRecallMinSimilarity: "0.35",
	KeyShortTermLimit:      "10",

	KeyReminderDefaultLead: "30",

	KeyExtractionEnabled: "true",
}

// cacheTTL bounds how stale a cached value may be. A value changed through
// another process is picked up within this window.
const cacheTTL = 30 * time.Second

type cachedValue struct {
	value     string
	ok        bool
	fetchedAt time.Time
}

// Service is the read-through cache over a [memory.ConfigStore].
// Safe for concurrent use.
type Service struct {
	store memory.ConfigStore

	mu    sync.Mutex
	cache map[string]cachedValue
}

// New creates a Service backed by store.
func New(store memory.ConfigStore) *Service {
	return &Service{
		store: store,
		cache: make(map[string]cachedValue),
	}
}

// Get returns the value for key, consulting the cache first, then the store,
// then [Defaults]. A store failure falls back to the last cached value or the
// default so a database blip never stalls the dialog path.
func (s *Service) Get(ctx context.Context, key string) string {
	s.mu.Lock()
	cached, haveCached := s.cache[key]
	s.mu.Unlock()

	if haveCached && time.Since(cached.fetchedAt) < cacheTTL {
		if cached.ok {
			return cached.value
		}
		return Defaults[key]
	}

	value, ok, err := s.store.GetConfig(ctx, key)
	if err != nil {
		slog.Warn("runtime config read failed, using fallback", "key", key, "error", err)
		if haveCached && cached.ok {
			return cached.value
		}
		return Defaults[key]
	}

	s.mu.Lock()
	s.cache[key] = cachedValue{value: value, ok: ok, fetchedAt: time.Now()}
	s.mu.Unlock()

	if ok {
		return value
	}
	return Defaults[key]
}

// Set writes through to the store and refreshes the cache.
func (s *Service) Set(ctx context.Context, key, value string) error {
	if err := s.store.SetConfig(ctx, key, value); err != nil {
		return fmt.Errorf("botcfg: set %q: %w", key, err)
	}
	s.mu.Lock()
	s.cache[key] = cachedValue{value: value, ok: true, fetchedAt: time.Now()}
	s.mu.Unlock()
	return nil
}

// All returns every stored key/value pair merged over [Defaults].
func (s *Service) All(ctx context.Context) (map[string]string, error) {
	stored, err := s.store.AllConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("botcfg: list: %w", err)
	}
	out := make(map[string]string, len(Defaults)+len(stored))
	for k, v := range Defaults {
		out[k] = v
	}
	for k, v := range stored {
		out[k] = v
	}
	return out, nil
}

// Int returns the key's value parsed as an integer, or fallback on
// missing/unparsable values.
func (s *Service) Int(ctx context.Context, key string, fallback int) int {
	v := s.Get(ctx, key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("runtime config value is not an integer", "key", key, "value", v)
		return fallback
	}
	return n
}

// Float returns the key's value parsed as a float, or fallback.
func (s *Service) Float(ctx context.Context, key string, fallback float64) float64 {
	v := s.Get(ctx, key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("runtime config value is not a number", "key", key, "value", v)
		return fallback
	}
	return f
}

// Bool returns the key's value parsed as a boolean, or fallback.
func (s *Service) Bool(ctx context.Context, key string, fallback bool) bool {
	v := s.Get(ctx, key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("runtime config value is not a boolean", "key", key, "value", v)
		return fallback
	}
	return b
}

// Invalidate drops the cached entry for key, forcing the next Get to hit the
// store. Used by tests and the admin surface after bulk imports.
func (s *Service) Invalidate(key string) {
	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()
}
