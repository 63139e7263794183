package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/cadence/internal/config"
)

func TestLoad_FileNotFound(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_FromFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "cadence.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.ListenAddr != ":2333" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
}

func TestLoadFromReader_EmptyUsesDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader("resolver:\n  sources: [youtube]\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.ListenAddr != ":2333" || cfg.Voice.Transport != "disgo" {
		t.Errorf("defaults not applied: %+v", cfg.Server)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  listen_adr: \":1\"\n"))
	if err == nil || !strings.Contains(err.Error(), "listen_adr") {
		t.Errorf("expected unknown-field error, got %v", err)
	}
}

func TestLoadFromReader_EnvExpansion(t *testing.T) {
	t.Setenv("CADENCE_TEST_PASSWORD", "s3cret")
	t.Setenv("CADENCE_TEST_EMPTY", "")
	yaml := `
server:
  password: ${CADENCE_TEST_PASSWORD}
resolver:
  sources: [youtube]
  youtube:
    proxy: ${CADENCE_TEST_EMPTY:-socks5://proxy:1080}
cache:
  redis:
    password: "pa$$word"
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Password != "s3cret" {
		t.Errorf("password = %q", cfg.Server.Password)
	}
	if cfg.Resolver.YouTube.Proxy != "socks5://proxy:1080" {
		t.Errorf("proxy = %q", cfg.Resolver.YouTube.Proxy)
	}
	if cfg.Cache.Redis.Password != "pa$$word" {
		t.Errorf("bare $ was expanded: %q", cfg.Cache.Redis.Password)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{"bad log level", func(c *config.Config) { c.Server.LogLevel = "loud" }, "server.log_level"},
		{"half tls", func(c *config.Config) { c.Server.TLS = &config.TLSConfig{CertFile: "c.pem"} }, "server.tls"},
		{"volume", func(c *config.Config) { c.Player.DefaultVolume = 1001 }, "player.default_volume"},
		{"frame interval", func(c *config.Config) { c.Player.FrameInterval = 0 }, "player.frame_interval"},
		{"policy", func(c *config.Config) { c.Session.OverflowPolicy = "drop_newest" }, "session.overflow_policy"},
		{"buffer", func(c *config.Config) { c.Session.BufferSize = 0 }, "session.buffer_size"},
		{"unknown source", func(c *config.Config) { c.Resolver.Sources = []string{"soundcloud"} }, "resolver.sources[0]"},
		{"duplicate source", func(c *config.Config) { c.Resolver.Sources = []string{"http", "http"} }, "duplicates"},
		{"local without roots", func(c *config.Config) { c.Resolver.Sources = []string{"local"} }, "resolver.local.roots"},
		{"cache backend", func(c *config.Config) { c.Cache.Backend = "memcached" }, "cache.backend"},
		{"redis addr", func(c *config.Config) { c.Cache.Backend = "redis" }, "cache.redis.addr"},
		{"transport", func(c *config.Config) { c.Voice.Transport = "lavalink" }, "voice.transport"},
		{"bot token", func(c *config.Config) { c.Voice.Transport = "discordgo" }, "voice.bot_token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := config.Default()
			cfg.Resolver.Sources = []string{"youtube"}
			tt.mutate(cfg)
			err := config.Validate(cfg)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_JoinsAllErrors(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Server.LogLevel = "loud"
	cfg.Cache.Backend = "memcached"
	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"server.log_level", "cache.backend"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}
