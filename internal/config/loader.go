package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// KnownSources lists the source names the node ships with. Used by
// [Validate] to reject unknown entries in resolver.sources.
var KnownSources = []string{"youtube", "local", "http"}

// KnownTransports lists the voice transports the node ships with.
var KnownTransports = []string{"disgo", "discordgo"}

// KnownCacheBackends lists the accepted cache.backend values.
var KnownCacheBackends = []string{"none", "memory", "redis"}

// envRef matches ${NAME} and ${NAME:-default}.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
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

// LoadFromReader decodes a YAML config from r on top of [Default], expands
// ${VAR} references from the environment and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(ExpandEnv(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ExpandEnv replaces ${NAME} with the value of the environment variable NAME
// and ${NAME:-fallback} with fallback when NAME is unset or empty. A bare $
// is left alone so passwords may contain it.
func ExpandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		sub := envRef.FindSubmatch(m)
		if v := os.Getenv(string(sub[1])); v != "" {
			return []byte(v)
		}
		return sub[2]
	})
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if cfg.Server.Password == "" {
		slog.Warn("config: server.password is empty; the node accepts unauthenticated clients")
	}

	// Player
	p := cfg.Player
	if p.FrameInterval < time.Millisecond {
		errs = append(errs, fmt.Errorf("player.frame_interval %s must be at least 1ms", p.FrameInterval))
	} else if p.FrameInterval != 20*time.Millisecond {
		slog.Warn("config: player.frame_interval differs from the 20ms voice frame size", "frame_interval", p.FrameInterval)
	}
	if p.UpdateInterval <= 0 {
		errs = append(errs, fmt.Errorf("player.update_interval %s must be positive", p.UpdateInterval))
	}
	if p.HandoffTimeout <= 0 {
		errs = append(errs, fmt.Errorf("player.handoff_timeout %s must be positive", p.HandoffTimeout))
	}
	if p.DefaultVolume < 0 || p.DefaultVolume > 1000 {
		errs = append(errs, fmt.Errorf("player.default_volume %d is out of range [0, 1000]", p.DefaultVolume))
	}
	if p.StuckThreshold > 0 && p.StuckThreshold < p.FrameInterval {
		errs = append(errs, fmt.Errorf("player.stuck_threshold %s is shorter than one frame", p.StuckThreshold))
	}
	if p.Reconnect.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("player.reconnect.max_retries %d must not be negative", p.Reconnect.MaxRetries))
	}

	// Session
	s := cfg.Session
	if s.ResumeTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.resume_timeout %s must not be negative", s.ResumeTimeout))
	}
	if s.BufferSize <= 0 {
		errs = append(errs, fmt.Errorf("session.buffer_size %d must be positive", s.BufferSize))
	}
	if !s.OverflowPolicy.IsValid() {
		errs = append(errs, fmt.Errorf("session.overflow_policy %q is invalid; valid values: drop_oldest, reject_new", s.OverflowPolicy))
	}
	if s.StatsInterval <= 0 {
		errs = append(errs, fmt.Errorf("session.stats_interval %s must be positive", s.StatsInterval))
	}

	// Resolver
	r := cfg.Resolver
	if r.Workers <= 0 {
		errs = append(errs, fmt.Errorf("resolver.workers %d must be positive", r.Workers))
	}
	seen := make(map[string]int, len(r.Sources))
	for i, name := range r.Sources {
		if !slices.Contains(KnownSources, name) {
			errs = append(errs, fmt.Errorf("resolver.sources[%d] %q is unknown; known sources: %v", i, name, KnownSources))
		}
		if prev, ok := seen[name]; ok {
			errs = append(errs, fmt.Errorf("resolver.sources[%d] %q duplicates resolver.sources[%d]", i, name, prev))
		}
		seen[name] = i
	}
	if len(r.Sources) == 0 {
		slog.Warn("config: resolver.sources is empty; every load request will return no matches")
	}
	if _, ok := seen["local"]; ok && len(r.Local.Roots) == 0 {
		errs = append(errs, errors.New("resolver.local.roots is required when the local source is enabled"))
	}

	// Cache
	if !slices.Contains(KnownCacheBackends, cfg.Cache.Backend) {
		errs = append(errs, fmt.Errorf("cache.backend %q is invalid; valid values: %v", cfg.Cache.Backend, KnownCacheBackends))
	}
	if cfg.Cache.Backend == "redis" && cfg.Cache.Redis.Addr == "" {
		errs = append(errs, errors.New("cache.redis.addr is required when cache.backend is redis"))
	}

	// Voice
	if !slices.Contains(KnownTransports, cfg.Voice.Transport) {
		errs = append(errs, fmt.Errorf("voice.transport %q is invalid; valid values: %v", cfg.Voice.Transport, KnownTransports))
	}
	if cfg.Voice.Transport == "discordgo" && cfg.Voice.BotToken == "" {
		errs = append(errs, errors.New("voice.bot_token is required when voice.transport is discordgo"))
	}

	return errors.Join(errs...)
}
