package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ValidTTSEngines lists the speech-synthesis engines the TTS client knows how
// to drive. Used by [Validate] to warn about unrecognised engine names.
var ValidTTSEngines = []string{"piper", "silero", "chatterbox"}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. A .env file next to the working directory is applied first (if
// present) so ${VAR} references in the YAML can resolve against it.
func Load(path string) (*Config, error) {
	// Missing .env is fine; explicit environment always wins because
	// godotenv never overwrites existing variables.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("could not load .env file", "error", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} environment
// references, applies defaults, and validates the result. Useful in tests
// where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}

	expanded := os.Expand(string(raw), func(key string) string {
		return os.Getenv(key)
	})

	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}

	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Database.EmbeddingDimensions == 0 {
		cfg.Database.EmbeddingDimensions = 768
	}
	if cfg.Ollama.BaseURL == "" {
		cfg.Ollama.BaseURL = "http://localhost:11434"
	}
	if cfg.Ollama.ExtractModel == "" {
		cfg.Ollama.ExtractModel = cfg.Ollama.ChatModel
	}
	if cfg.Ollama.Timeout == 0 {
		cfg.Ollama.Timeout = 300 * time.Second
	}
	if cfg.TTS.Engine == "" {
		cfg.TTS.Engine = "piper"
	}
	if cfg.SIP.ListenAddr == "" {
		cfg.SIP.ListenAddr = "0.0.0.0:5060"
	}
	if cfg.SIP.RTPPortMin == 0 {
		cfg.SIP.RTPPortMin = 10000
	}
	if cfg.SIP.RTPPortMax == 0 {
		cfg.SIP.RTPPortMax = 10100
	}
	if cfg.Email.PollInterval == 0 {
		cfg.Email.PollInterval = 60 * time.Second
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if cfg.Database.EmbeddingDimensions < 0 {
		errs = append(errs, fmt.Errorf("database.embedding_dimensions %d must be positive", cfg.Database.EmbeddingDimensions))
	}

	if cfg.Ollama.ChatModel == "" {
		slog.Warn("ollama.chat_model is empty; generation will fail until a model is set via runtime config")
	}

	if !slices.Contains(ValidTTSEngines, cfg.TTS.Engine) {
		errs = append(errs, fmt.Errorf("tts.engine %q is invalid; valid values: %s", cfg.TTS.Engine, strings.Join(ValidTTSEngines, ", ")))
	}
	if _, ok := cfg.TTS.Endpoints[cfg.TTS.Engine]; !ok && len(cfg.TTS.Endpoints) > 0 {
		errs = append(errs, fmt.Errorf("tts.endpoints has no entry for active engine %q", cfg.TTS.Engine))
	}

	if cfg.Mumble.Enabled {
		if cfg.Mumble.Server == "" {
			errs = append(errs, errors.New("mumble.server is required when mumble is enabled"))
		}
		if cfg.Mumble.Username == "" {
			errs = append(errs, errors.New("mumble.username is required when mumble is enabled"))
		}
	}

	if cfg.SIP.Enabled {
		if cfg.SIP.AdvertisedIP == "" {
			errs = append(errs, errors.New("sip.advertised_ip is required when sip is enabled"))
		}
		if cfg.SIP.RTPPortMin >= cfg.SIP.RTPPortMax {
			errs = append(errs, fmt.Errorf("sip rtp port range [%d, %d] is empty", cfg.SIP.RTPPortMin, cfg.SIP.RTPPortMax))
		}
	}

	return errors.Join(errs...)
}
