package player

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/cadence/pkg/audio"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 5
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// Reconnector re-dials a voice link that closed with a resumable code,
// using the credentials of the original voice update.
//
// Attempts back off exponentially from Backoff up to MaxBackoff. A
// Reconnector is stateless between calls and safe for concurrent use.
type Reconnector struct {
	dialer     audio.Dialer
	guildID    string
	userID     string
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration
}

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// Dialer creates the replacement links.
	Dialer audio.Dialer

	// GuildID and UserID identify the voice session being restored.
	GuildID string
	UserID  string

	// MaxRetries is the maximum number of attempts. Defaults to 5 if zero.
	MaxRetries int

	// Backoff is the wait after the first failed attempt. Doubles each
	// attempt up to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on backoff duration. Defaults to 30s if zero.
	MaxBackoff time.Duration
}

// NewReconnector returns a Reconnector with zero fields of cfg defaulted.
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	r := &Reconnector{
		dialer:     cfg.Dialer,
		guildID:    cfg.GuildID,
		userID:     cfg.UserID,
		maxRetries: defaultMaxRetries,
		backoff:    defaultBackoff,
		maxBackoff: defaultMaxBackoff,
	}
	if cfg.MaxRetries > 0 {
		r.maxRetries = cfg.MaxRetries
	}
	if cfg.Backoff > 0 {
		r.backoff = cfg.Backoff
	}
	if cfg.MaxBackoff > 0 {
		r.maxBackoff = cfg.MaxBackoff
	}
	return r
}

// delay is the wait after the given failed attempt, counting from 1.
func (r *Reconnector) delay(attempt int) time.Duration {
	d := r.backoff
	for i := 1; i < attempt && d < r.maxBackoff; i++ {
		d *= 2
	}
	return min(d, r.maxBackoff)
}

// Reconnect dials a fresh link with info until one connects, the retries
// run out or ctx ends. Links that fail to connect are disconnected before
// the next attempt.
func (r *Reconnector) Reconnect(ctx context.Context, info audio.VoiceServerInfo) (audio.Link, error) {
	log := slog.With("guild_id", r.guildID, "max_retries", r.maxRetries)
	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		link := r.dialer.NewLink(r.guildID, r.userID)
		lastErr = link.Connect(ctx, info)
		if lastErr == nil {
			log.Info("player: voice reconnected", "attempt", attempt)
			return link, nil
		}
		_ = link.Disconnect()
		log.Warn("player: voice reconnect attempt failed", "attempt", attempt, "err", lastErr)
		if attempt >= r.maxRetries {
			break
		}

		t := time.NewTimer(r.delay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	return nil, fmt.Errorf("player: voice reconnect gave up after %d attempts: %w", r.maxRetries, lastErr)
}
