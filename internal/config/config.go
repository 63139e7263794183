// Package config provides the configuration schema, loader, hot-reload
// watcher and component registry for the cadence node.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// OverflowPolicy names what a full session event buffer does.
type OverflowPolicy string

const (
	OverflowDropOldest OverflowPolicy = "drop_oldest"
	OverflowRejectNew  OverflowPolicy = "reject_new"
)

// IsValid reports whether p is a recognised policy.
func (p OverflowPolicy) IsValid() bool {
	return p == OverflowDropOldest || p == OverflowRejectNew
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader], which start from [Default].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Player   PlayerConfig   `yaml:"player"`
	Session  SessionConfig  `yaml:"session"`
	Resolver ResolverConfig `yaml:"resolver"`
	Cache    CacheConfig    `yaml:"cache"`
	Voice    VoiceConfig    `yaml:"voice"`
}

// ServerConfig holds network, authentication and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":2333").
	ListenAddr string `yaml:"listen_addr"`

	// Password is required in the Authorization header of every client
	// request. Empty disables authentication.
	Password string `yaml:"password"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// LogFile, when set, additionally writes logs to a rotating file.
	LogFile       string `yaml:"log_file"`
	LogMaxSizeMB  int    `yaml:"log_max_size_mb"`
	LogMaxBackups int    `yaml:"log_max_backups"`
	LogMaxAgeDays int    `yaml:"log_max_age_days"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// PlayerConfig holds defaults for new players. Changes apply to players
// created after a reload.
type PlayerConfig struct {
	// FrameInterval is the frame pacing period.
	FrameInterval time.Duration `yaml:"frame_interval"`

	// StuckThreshold is how long playback may make no progress before a
	// trackStuck event. Negative disables the watchdog.
	StuckThreshold time.Duration `yaml:"stuck_threshold"`

	// UpdateInterval is the periodic playerUpdate tick.
	UpdateInterval time.Duration `yaml:"update_interval"`

	// HandoffTimeout bounds how long one frame may wait on a backpressured
	// transport.
	HandoffTimeout time.Duration `yaml:"handoff_timeout"`

	// DefaultVolume is the initial volume in percent.
	DefaultVolume int `yaml:"default_volume"`

	// ConnectTimeout bounds a voice connection attempt.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// Reconnect tunes voice reconnection after resumable closes.
	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig tunes voice reconnect backoff.
type ReconnectConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// SessionConfig holds client session settings.
type SessionConfig struct {
	// ResumeTimeout is the default resume window for sessions that enable
	// resuming without choosing a timeout.
	ResumeTimeout time.Duration `yaml:"resume_timeout"`

	// BufferSize bounds each session's outbound event buffer.
	BufferSize int `yaml:"buffer_size"`

	// OverflowPolicy selects what a full buffer does.
	OverflowPolicy OverflowPolicy `yaml:"overflow_policy"`

	// StatsInterval is the stats broadcast period.
	StatsInterval time.Duration `yaml:"stats_interval"`
}

// ResolverConfig configures track resolution.
type ResolverConfig struct {
	// Workers bounds concurrent lookups.
	Workers int `yaml:"workers"`

	// Timeout bounds a single lookup or stream open.
	Timeout time.Duration `yaml:"timeout"`

	// Sources lists the enabled source names in priority order.
	Sources []string `yaml:"sources"`

	// FFmpegPath is the ffmpeg executable used for remote streams.
	FFmpegPath string `yaml:"ffmpeg_path"`

	YouTube YouTubeConfig `yaml:"youtube"`
	Local   LocalConfig   `yaml:"local"`
	HTTP    HTTPConfig    `yaml:"http"`

	// Breaker is the per-source circuit breaker template.
	Breaker BreakerConfig `yaml:"breaker"`
}

// YouTubeConfig configures the YouTube source.
type YouTubeConfig struct {
	// Executable overrides the yt-dlp binary.
	Executable    string `yaml:"executable"`
	Proxy         string `yaml:"proxy"`
	SearchLimit   int    `yaml:"search_limit"`
	PlaylistLimit int    `yaml:"playlist_limit"`
}

// LocalConfig configures the local file source.
type LocalConfig struct {
	// Roots are the directories tracks may be played from.
	Roots       []string `yaml:"roots"`
	SearchLimit int      `yaml:"search_limit"`

	// Watch keeps the search index current as files change.
	Watch bool `yaml:"watch"`
}

// HTTPConfig configures the direct HTTP source.
type HTTPConfig struct {
	UserAgent string        `yaml:"user_agent"`
	Timeout   time.Duration `yaml:"timeout"`
}

// BreakerConfig tunes a circuit breaker.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// CacheConfig configures the resolution result cache.
type CacheConfig struct {
	// Backend is "none", "memory" or "redis".
	Backend    string        `yaml:"backend"`
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
	Redis      RedisConfig   `yaml:"redis"`
}

// RedisConfig holds redis connection settings.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// VoiceConfig selects the voice transport.
type VoiceConfig struct {
	// Transport is "disgo" (joins with client-supplied credentials) or
	// "discordgo" (joins through a node-owned bot session).
	Transport string `yaml:"transport"`

	// BotToken authenticates the node-owned bot session of the discordgo
	// transport.
	BotToken string `yaml:"bot_token"`
}

// Default returns a config with every default filled in.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:    ":2333",
			LogLevel:      LogInfo,
			LogMaxSizeMB:  100,
			LogMaxBackups: 3,
			LogMaxAgeDays: 28,
		},
		Player: PlayerConfig{
			FrameInterval:  20 * time.Millisecond,
			StuckThreshold: 10 * time.Second,
			UpdateInterval: 5 * time.Second,
			HandoffTimeout: 100 * time.Millisecond,
			DefaultVolume:  100,
			ConnectTimeout: 10 * time.Second,
			Reconnect: ReconnectConfig{
				MaxRetries:     5,
				InitialBackoff: time.Second,
				MaxBackoff:     30 * time.Second,
			},
		},
		Session: SessionConfig{
			ResumeTimeout:  60 * time.Second,
			BufferSize:     512,
			OverflowPolicy: OverflowDropOldest,
			StatsInterval:  60 * time.Second,
		},
		Resolver: ResolverConfig{
			Workers:    16,
			Timeout:    20 * time.Second,
			Sources:    []string{"youtube", "local", "http"},
			FFmpegPath: "ffmpeg",
			Breaker: BreakerConfig{
				MaxFailures:  5,
				ResetTimeout: 30 * time.Second,
				HalfOpenMax:  3,
			},
		},
		Cache: CacheConfig{
			Backend:    "memory",
			TTL:        10 * time.Minute,
			MaxEntries: 10000,
		},
		Voice: VoiceConfig{
			Transport: "disgo",
		},
	}
}
