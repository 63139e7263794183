// Package disgo provides an [audio.Dialer] backed by the disgoorg/disgo voice
// package. Unlike the discordgo transport, a disgo link connects with the
// credentials the controlling client forwards (voice session id, token and
// endpoint), so the node never needs its own bot session.
package disgo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/cadence/pkg/audio"
	"github.com/disgoorg/disgo/discord"
	botgateway "github.com/disgoorg/disgo/gateway"
	"github.com/disgoorg/disgo/voice"
	"github.com/disgoorg/snowflake/v2"
	"github.com/gorilla/websocket"
)

var _ audio.Link = (*Link)(nil)

// voiceConn is the subset of [voice.Conn] a Link drives.
type voiceConn interface {
	Open(ctx context.Context, channelID snowflake.ID, selfMute bool, selfDeaf bool) error
	Close(ctx context.Context)
	SetSpeaking(ctx context.Context, flags voice.SpeakingFlags) error
	SetOpusFrameProvider(provider voice.OpusFrameProvider)
	HandleVoiceStateUpdate(update botgateway.EventVoiceStateUpdate)
	HandleVoiceServerUpdate(update botgateway.EventVoiceServerUpdate)
}

// Link adapts a disgo voice connection to [audio.Link]. disgo's audio sender
// pulls one packet every 20 ms through ProvideOpusFrame; SendFrame parks
// frames in a one-slot channel, so at most one frame is ever in flight.
type Link struct {
	guildID snowflake.ID
	userID  snowflake.ID
	log     *slog.Logger

	mu       sync.Mutex
	conn     voiceConn
	ping     func() time.Duration
	ready    chan struct{}
	speaking bool

	frames    chan []byte
	done      chan struct{}
	closed    chan audio.CloseEvent
	closeOnce sync.Once

	// newConn builds the underlying connection; overridden in tests.
	newConn func(onClose func(error)) (voiceConn, func() time.Duration)
}

func newLink(guildID, userID snowflake.ID) *Link {
	l := &Link{
		guildID: guildID,
		userID:  userID,
		log:     slog.With("guild_id", guildID.String()),
		ready:   make(chan struct{}),
		frames:  make(chan []byte, 1),
		done:    make(chan struct{}),
		closed:  make(chan audio.CloseEvent, 1),
	}
	l.newConn = l.dialConn
	return l
}

// dialConn creates a disgo connection whose voice-state updates are supplied
// by Connect instead of a bot gateway.
func (l *Link) dialConn(onClose func(error)) (voiceConn, func() time.Duration) {
	var gw voice.Gateway
	var gwMu sync.Mutex

	stateUpdate := func(context.Context, snowflake.ID, *snowflake.ID, bool, bool) error {
		// The controlling client already told the platform which channel
		// to join; it forwards the resulting credentials to us.
		return nil
	}
	createGateway := func(eh voice.EventHandlerFunc, ch voice.CloseHandlerFunc, opts ...voice.GatewayConfigOpt) voice.Gateway {
		g := voice.NewGateway(eh, func(g voice.Gateway, err error, reconnect bool) {
			if ch != nil {
				ch(g, err, reconnect)
			}
			if !reconnect {
				onClose(err)
			}
		}, opts...)
		gwMu.Lock()
		gw = g
		gwMu.Unlock()
		return g
	}

	conn := voice.NewConn(l.guildID, l.userID, stateUpdate, func() {},
		voice.WithConnLogger(l.log),
		voice.WithConnGatewayCreateFunc(createGateway),
	)
	ping := func() time.Duration {
		gwMu.Lock()
		defer gwMu.Unlock()
		if gw == nil {
			return -1
		}
		return gw.Latency()
	}
	return conn, ping
}

// Connect opens the voice connection with the client-supplied credentials.
func (l *Link) Connect(ctx context.Context, info audio.VoiceServerInfo) error {
	if err := info.Validate(); err != nil {
		return fmt.Errorf("disgo: connect: %w", err)
	}
	if info.ChannelID == "" {
		return fmt.Errorf("disgo: connect guild %s: channelId is required", l.guildID)
	}
	guildID, err := snowflake.Parse(info.GuildID)
	if err != nil || guildID != l.guildID {
		return fmt.Errorf("disgo: connect: guild mismatch %q != %s", info.GuildID, l.guildID)
	}
	channelID, err := snowflake.Parse(info.ChannelID)
	if err != nil {
		return fmt.Errorf("disgo: connect: invalid channel id %q: %w", info.ChannelID, err)
	}

	select {
	case <-l.done:
		return audio.ErrClosed
	default:
	}

	conn, ping := l.newConn(l.handleGatewayClose)
	l.mu.Lock()
	l.conn = conn
	l.ping = ping
	l.mu.Unlock()

	conn.HandleVoiceStateUpdate(botgateway.EventVoiceStateUpdate{
		VoiceState: discord.VoiceState{
			GuildID:   l.guildID,
			ChannelID: &channelID,
			UserID:    l.userID,
			SessionID: info.SessionID,
		},
	})
	endpoint := info.Endpoint
	conn.HandleVoiceServerUpdate(botgateway.EventVoiceServerUpdate{
		Token:    info.Token,
		GuildID:  l.guildID,
		Endpoint: &endpoint,
	})

	if err := conn.Open(ctx, channelID, false, true); err != nil {
		conn.Close(context.WithoutCancel(ctx))
		return fmt.Errorf("disgo: open voice connection: %w", err)
	}
	conn.SetOpusFrameProvider(&frameProvider{frames: l.frames, done: l.done})

	l.mu.Lock()
	close(l.ready)
	l.mu.Unlock()
	l.log.Info("disgo: voice link connected", "voice", info)
	return nil
}

// SendFrame parks f for the audio sender. It blocks while the previous frame
// has not been picked up yet.
func (l *Link) SendFrame(ctx context.Context, f audio.Frame) error {
	select {
	case <-l.ready:
	case <-l.done:
		return audio.ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", audio.ErrWouldBlock, ctx.Err())
	}

	l.mu.Lock()
	conn := l.conn
	needSpeaking := !l.speaking
	l.speaking = true
	l.mu.Unlock()
	if needSpeaking {
		if err := conn.SetSpeaking(ctx, voice.SpeakingFlagMicrophone); err != nil {
			l.log.Warn("disgo: set speaking", "error", err)
		}
	}

	select {
	case l.frames <- f.Data:
		return nil
	case <-l.done:
		return audio.ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", audio.ErrWouldBlock, ctx.Err())
	}
}

// Disconnect closes the voice connection. It is safe to call more than once.
func (l *Link) Disconnect() error {
	l.shutdown(audio.CloseEvent{Code: audio.CloseNormal, Reason: "disconnected by node"})
	return nil
}

// Closed implements [audio.Link].
func (l *Link) Closed() <-chan audio.CloseEvent { return l.closed }

// Ping returns the voice gateway heartbeat latency in milliseconds, or -1.
func (l *Link) Ping() int64 {
	l.mu.Lock()
	ping := l.ping
	l.mu.Unlock()
	if ping == nil {
		return -1
	}
	if d := ping(); d >= 0 {
		return d.Milliseconds()
	}
	return -1
}

// handleGatewayClose runs when disgo gives up on the voice gateway.
func (l *Link) handleGatewayClose(err error) {
	ev := CloseEventFromError(err)
	l.log.Info("disgo: voice gateway closed", "code", ev.Code, "reason", ev.Reason)
	go l.shutdown(ev)
}

func (l *Link) shutdown(ev audio.CloseEvent) {
	l.closeOnce.Do(func() {
		close(l.done)

		l.mu.Lock()
		conn := l.conn
		l.mu.Unlock()
		if conn != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			conn.SetOpusFrameProvider(nil)
			conn.Close(ctx)
			cancel()
		}

		l.closed <- ev
		close(l.closed)
	})
}

// CloseEventFromError converts a gateway close error into a remote
// [audio.CloseEvent]. Errors that carry no websocket close frame are reported
// as an abnormal closure.
func CloseEventFromError(err error) audio.CloseEvent {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return audio.CloseEvent{Code: ce.Code, Reason: ce.Text, ByRemote: true}
	}
	reason := "connection lost"
	if err != nil {
		reason = err.Error()
	}
	return audio.CloseEvent{Code: audio.CloseAbnormal, Reason: reason, ByRemote: true}
}

// frameProvider feeds disgo's audio sender from the link's hand-off slot.
type frameProvider struct {
	frames <-chan []byte
	done   <-chan struct{}
}

// ProvideOpusFrame implements [voice.OpusFrameProvider]. It never blocks;
// returning no packet lets disgo send silence for the tick.
func (p *frameProvider) ProvideOpusFrame() ([]byte, error) {
	select {
	case f := <-p.frames:
		return f, nil
	case <-p.done:
		return nil, audio.ErrClosed
	default:
		return nil, nil
	}
}

// Close implements [voice.OpusFrameProvider]. The link owns the channels.
func (p *frameProvider) Close() {}
