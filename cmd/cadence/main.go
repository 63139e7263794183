// Command cadence runs a standalone audio node: clients resolve tracks and
// drive per-guild players over HTTP and a websocket while the node streams
// Opus frames into voice channels.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/MrWong99/cadence/internal/app"
	"github.com/MrWong99/cadence/internal/config"
	"github.com/MrWong99/cadence/internal/observe"
	"github.com/MrWong99/cadence/internal/resolver"
	"github.com/MrWong99/cadence/internal/resolver/direct"
	"github.com/MrWong99/cadence/internal/resolver/local"
	"github.com/MrWong99/cadence/internal/resolver/youtube"
	"github.com/MrWong99/cadence/pkg/audio"
	"github.com/MrWong99/cadence/pkg/audio/discord"
	"github.com/MrWong99/cadence/pkg/audio/disgo"
	"github.com/MrWong99/cadence/pkg/source"
	"github.com/MrWong99/cadence/pkg/source/ffmpeg"
)

// Set at build time with -ldflags "-X main.version=... -X main.buildTime=...".
var (
	version   = "dev"
	buildTime = ""
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "cadence.yaml", "path to the YAML configuration file")
	envFile := flag.String("env", ".env", "optional dotenv file loaded before the config is expanded")
	watch := flag.Bool("watch", true, "reload hot-reloadable settings when the config file changes")
	flag.Parse()

	// Variables already set in the environment win over the dotenv file.
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "cadence: load %s: %v\n", *envFile, err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "cadence: config file %q not found; see configs/cadence.example.yaml\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "cadence: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	logger, closeLog, err := newLogger(cfg.Server, level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cadence: %v\n", err)
		return 1
	}
	defer closeLog()
	slog.SetDefault(logger)

	slog.Info("cadence starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"sources", cfg.Resolver.Sources,
		"transport", cfg.Voice.Transport,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "cadence",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Component registry ────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltins(reg)

	built, _ := time.Parse(time.RFC3339, buildTime)
	application, err := app.New(ctx, cfg, reg,
		app.WithLevel(level),
		app.WithVersion(version, built),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if *watch {
		w, err := config.NewWatcher(*configPath, application.Reload)
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	slog.Info("node ready; press Ctrl+C to shut down")
	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Component wiring ──────────────────────────────────────────────────────────

// registerBuiltins wires the sources and voice transports that ship with
// the node into reg.
func registerBuiltins(reg *config.Registry) {
	// ── Sources ───────────────────────────────────────────────────────────────

	reg.RegisterSource(youtube.SourceName, func(cfg *config.Config) (resolver.Resolver, error) {
		yt := cfg.Resolver.YouTube
		return youtube.New(youtube.Config{
			Executable:    yt.Executable,
			Proxy:         yt.Proxy,
			SearchLimit:   yt.SearchLimit,
			PlaylistLimit: yt.PlaylistLimit,
		}, transcoder(cfg)), nil
	})

	reg.RegisterSource(local.SourceName, func(cfg *config.Config) (resolver.Resolver, error) {
		return local.New(local.Config{
			Roots:       cfg.Resolver.Local.Roots,
			SearchLimit: cfg.Resolver.Local.SearchLimit,
		}, transcoder(cfg))
	})

	reg.RegisterSource(direct.SourceName, func(cfg *config.Config) (resolver.Resolver, error) {
		h := cfg.Resolver.HTTP
		var client *http.Client
		if h.Timeout > 0 {
			client = &http.Client{Timeout: h.Timeout}
		}
		return direct.New(direct.Config{Client: client, UserAgent: h.UserAgent}, transcoder(cfg)), nil
	})

	// ── Voice transports ──────────────────────────────────────────────────────

	reg.RegisterTransport("disgo", func(*config.Config) (audio.Dialer, func() error, error) {
		return disgo.New(), nil, nil
	})

	reg.RegisterTransport("discordgo", func(cfg *config.Config) (audio.Dialer, func() error, error) {
		s, err := discord.Open(cfg.Voice.BotToken)
		if err != nil {
			return nil, nil, err
		}
		return discord.New(s), s.Close, nil
	})
}

// transcoder returns an opener decoding through the configured ffmpeg. A
// missing binary is only logged: sources that never transcode still work.
func transcoder(cfg *config.Config) func(context.Context, string, ffmpeg.Options) (source.Source, error) {
	t := ffmpeg.New(cfg.Resolver.FFmpegPath)
	if err := t.Available(); err != nil {
		slog.Warn("ffmpeg unavailable; transcoded playback will fail", "path", cfg.Resolver.FFmpegPath, "err", err)
	}
	return func(ctx context.Context, input string, opts ffmpeg.Options) (source.Source, error) {
		src, err := t.Open(ctx, input, opts)
		if err != nil {
			return nil, err
		}
		return src, nil
	}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger writes text logs to stderr and, when log_file is set, to a
// size-rotated file as well.
func newLogger(sc config.ServerConfig, level *slog.LevelVar) (*slog.Logger, func(), error) {
	var (
		out     io.Writer = os.Stderr
		closeFn           = func() {}
	)
	if sc.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(sc.LogFile), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		rotator := &lumberjack.Logger{
			Filename:   sc.LogFile,
			MaxSize:    sc.LogMaxSizeMB,
			MaxBackups: sc.LogMaxBackups,
			MaxAge:     sc.LogMaxAgeDays,
			Compress:   true,
		}
		out = io.MultiWriter(os.Stderr, rotator)
		closeFn = func() { _ = rotator.Close() }
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})), closeFn, nil
}
