// Command famulus is the main entry point for the Famulus assistant server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hearthward/famulus/internal/admin"
	"github.com/hearthward/famulus/internal/botcfg"
	"github.com/hearthward/famulus/internal/config"
	"github.com/hearthward/famulus/internal/consolidate"
	"github.com/hearthward/famulus/internal/dialog"
	"github.com/hearthward/famulus/internal/digest"
	"github.com/hearthward/famulus/internal/extract"
	"github.com/hearthward/famulus/internal/health"
	"github.com/hearthward/famulus/internal/llm"
	"github.com/hearthward/famulus/internal/mailchan"
	"github.com/hearthward/famulus/internal/mumble"
	"github.com/hearthward/famulus/internal/observe"
	"github.com/hearthward/famulus/internal/prompt"
	"github.com/hearthward/famulus/internal/reminder"
	"github.com/hearthward/famulus/internal/schedsearch"
	"github.com/hearthward/famulus/internal/sessionmgr"
	"github.com/hearthward/famulus/internal/sipchan"
	"github.com/hearthward/famulus/pkg/memory/postgres"
	"github.com/hearthward/famulus/pkg/provider/stt/whisper"
	"github.com/hearthward/famulus/pkg/provider/tts"
)

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "famulus: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "famulus: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.Server.LogLevel))

	slog.Info("famulus starting",
		"config", *configPath,
		"admin_addr", cfg.Server.AdminAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "famulus"})
	if err != nil {
		slog.Error("telemetry init failed", "error", err)
		return 1
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := otelShutdown(shutCtx); err != nil {
			slog.Warn("telemetry shutdown error", "error", err)
		}
	}()

	// ── Memory store ──────────────────────────────────────────────────────────
	store, err := postgres.NewStore(ctx, cfg.Database.DSN, cfg.Database.EmbeddingDimensions)
	if err != nil {
		slog.Error("database init failed", "error", err)
		return 1
	}
	defer store.Close()

	// ── Runtime config ────────────────────────────────────────────────────────
	cfgSvc := botcfg.New(store)

	// ── Providers ─────────────────────────────────────────────────────────────
	llmClient := llm.New(cfg.Ollama.BaseURL, llm.WithTimeout(cfg.Ollama.Timeout))

	extractModel := cfg.Ollama.ExtractModel
	if extractModel == "" {
		extractModel = cfg.Ollama.ChatModel
	}

	var sttClient *whisper.Client
	var ttsClient *tts.Switcher
	if cfg.Mumble.Enabled || cfg.SIP.Enabled {
		sttClient, err = whisper.New(cfg.Whisper.BaseURL,
			whisper.WithLanguageSource(func(ctx context.Context) string {
				return cfgSvc.Get(ctx, botcfg.KeyWhisperLanguage)
			}))
		if err != nil {
			slog.Error("whisper client init failed", "error", err)
			return 1
		}
		// Engine and voice are runtime settings; the YAML engine is the
		// fallback when the store names nothing.
		ttsClient, err = tts.NewSwitcher(cfg.TTS.Endpoints, cfg.TTS.Engine,
			func(ctx context.Context) tts.Settings {
				engine := cfgSvc.Get(ctx, botcfg.KeyTTSEngine)
				var voice string
				switch engine {
				case "piper":
					voice = cfgSvc.Get(ctx, botcfg.KeyPiperVoice)
				case "silero":
					voice = cfgSvc.Get(ctx, botcfg.KeySileroVoice)
				}
				return tts.Settings{Engine: engine, Voice: voice}
			})
		if err != nil {
			slog.Error("tts client init failed", "error", err)
			return 1
		}
	}

	// ── Core pipeline ─────────────────────────────────────────────────────────
	sessions := sessionmgr.New(store, cfgSvc, nil)
	prompts := prompt.NewBuilder(store, llmClient, cfgSvc, cfg.Ollama.EmbedModel, nil)
	extractor := extract.New(llmClient)
	searcher := schedsearch.New(store, llmClient, extractModel, nil)

	orch := dialog.New(store, sessions, prompts, llmClient, extractor, cfgSvc,
		cfg.Ollama.ChatModel, extractModel, cfg.Ollama.EmbedModel,
		dialog.WithSearcher(searcher))

	// ── Mail path ─────────────────────────────────────────────────────────────
	mailer := mailchan.NewMailer(store)
	digestSched := digest.New(store, llmClient, mailer, cfg.Ollama.ChatModel, nil)
	reminderSched := reminder.New(store, llmClient, mailer, mailer, cfgSvc, cfg.Ollama.ChatModel, nil)
	consolidator := consolidate.New(store, llmClient, extractModel, nil)

	// ── Health ────────────────────────────────────────────────────────────────
	checkers := []health.Checker{
		{Name: "database", Check: store.Ping},
		{Name: "llm", Check: llmClient.Healthy},
	}
	if sttClient != nil {
		checkers = append(checkers,
			health.Checker{Name: "whisper", Check: sttClient.Healthy},
			health.Checker{Name: "tts", Check: ttsClient.Healthy},
		)
	}
	healthHandler := health.New(checkers...)

	printStartupSummary(cfg)

	// ── Run loops ─────────────────────────────────────────────────────────────
	g, runCtx := errgroup.WithContext(ctx)

	g.Go(func() error { return ignoreCancel(sessions.Run(runCtx)) })
	g.Go(func() error { return ignoreCancel(reminderSched.Run(runCtx)) })
	g.Go(func() error { return ignoreCancel(digestSched.Run(runCtx)) })
	g.Go(func() error { return ignoreCancel(consolidator.Run(runCtx)) })

	if cfg.Email.Enabled {
		mail := mailchan.New(cfg.Email, store, orch, llmClient, cfg.Ollama.VisionModel, mailer)
		g.Go(func() error { return ignoreCancel(mail.Run(runCtx)) })
	}
	if cfg.Mumble.Enabled {
		voice := mumble.New(cfg.Mumble, orch, sttClient, ttsClient)
		g.Go(func() error { return ignoreCancel(voice.Run(runCtx)) })
	}
	if cfg.SIP.Enabled {
		sip := sipchan.New(cfg.SIP, orch, sttClient, ttsClient)
		g.Go(func() error { return ignoreCancel(sip.Run(runCtx)) })
	}
	if cfg.Server.AdminAddr != "" {
		adminSrv := admin.New(store, cfgSvc, mailer, digestSched, healthHandler)
		g.Go(func() error { return ignoreCancel(adminSrv.Run(runCtx, cfg.Server.AdminAddr)) })
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	err = g.Wait()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutting down, draining background work")
	orch.Drain()

	if err != nil {
		slog.Error("run error", "error", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ignoreCancel maps the expected shutdown error to nil so a clean Ctrl+C does
// not read as a failure.
func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Famulus — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printLine("LLM", cfg.Ollama.BaseURL+" / "+cfg.Ollama.ChatModel)
	printLine("Whisper", cfg.Whisper.BaseURL)
	printLine("TTS", cfg.TTS.Engine)
	printChannel("Mumble", cfg.Mumble.Enabled)
	printChannel("SIP", cfg.SIP.Enabled)
	printChannel("E-mail", cfg.Email.Enabled)
	if cfg.Server.AdminAddr != "" {
		printLine("Admin addr", cfg.Server.AdminAddr)
	} else {
		printLine("Admin addr", "(disabled)")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printLine(kind, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 22 {
		value = value[:19] + "…"
	}
	fmt.Printf("║  %-11s : %-22s ║\n", kind, value)
}

func printChannel(name string, enabled bool) {
	state := "(disabled)"
	if enabled {
		state = "enabled"
	}
	printLine(name, state)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
