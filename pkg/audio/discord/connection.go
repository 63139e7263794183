package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/cadence/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

// Compile-time interface assertion.
var _ audio.Link = (*Link)(nil)

// Link wraps a discordgo.VoiceConnection and adapts it to [audio.Link].
// Frames are handed straight to the connection's OpusSend channel, whose
// small buffer is the bounded hand-off: when discordgo's sender falls behind,
// SendFrame blocks.
//
// Link is safe for concurrent use.
type Link struct {
	session *discordgo.Session
	guildID string

	mu       sync.Mutex
	vc       *discordgo.VoiceConnection
	ready    chan struct{} // closed once vc is set
	speaking bool

	done      chan struct{}
	closed    chan audio.CloseEvent
	closeOnce sync.Once

	removeHandler func() // removes the VoiceStateUpdate handler

	// join performs the voice join. Defaults to session.ChannelVoiceJoin;
	// overridden in tests.
	join func(guildID, channelID string) (*discordgo.VoiceConnection, error)

	// disconnectVC tears down the voice connection. Defaults to
	// vc.Disconnect; overridden in tests.
	disconnectVC func(vc *discordgo.VoiceConnection) error
}

func newLink(session *discordgo.Session, guildID string) *Link {
	l := &Link{
		session: session,
		guildID: guildID,
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
		closed:  make(chan audio.CloseEvent, 1),
	}
	l.join = func(gID, cID string) (*discordgo.VoiceConnection, error) {
		// Not muted (we send audio), deafened (we never receive).
		return session.ChannelVoiceJoin(gID, cID, false, true)
	}
	l.disconnectVC = func(vc *discordgo.VoiceConnection) error { return vc.Disconnect() }
	return l
}

// Connect joins the voice channel named in info. The node's own bot session
// performs the join, so only GuildID and ChannelID are used; the remaining
// credentials are ignored by this transport.
func (l *Link) Connect(ctx context.Context, info audio.VoiceServerInfo) error {
	if info.ChannelID == "" {
		return fmt.Errorf("discord: connect guild %s: channelId is required by the discordgo transport", l.guildID)
	}
	if info.GuildID != "" && info.GuildID != l.guildID {
		return fmt.Errorf("discord: connect: guild mismatch %s != %s", info.GuildID, l.guildID)
	}

	select {
	case <-l.done:
		return audio.ErrClosed
	default:
	}

	type joinResult struct {
		vc  *discordgo.VoiceConnection
		err error
	}
	resCh := make(chan joinResult, 1)
	go func() {
		vc, err := l.join(l.guildID, info.ChannelID)
		resCh <- joinResult{vc, err}
	}()

	var res joinResult
	select {
	case res = <-resCh:
	case <-ctx.Done():
		// The join goroutine still owns its result; release it when it lands.
		go func() {
			if r := <-resCh; r.vc != nil {
				_ = l.disconnectVC(r.vc)
			}
		}()
		return fmt.Errorf("discord: join voice channel %q: %w", info.ChannelID, ctx.Err())
	}
	if res.err != nil {
		return fmt.Errorf("discord: join voice channel %q: %w", info.ChannelID, res.err)
	}

	l.mu.Lock()
	l.vc = res.vc
	close(l.ready)
	l.mu.Unlock()

	if l.session != nil && l.session.State != nil {
		l.removeHandler = l.session.AddHandler(l.handleVoiceStateUpdate)
	}
	slog.Info("discord: voice link connected", "guild_id", l.guildID, "channel_id", info.ChannelID)
	return nil
}

// SendFrame hands the Opus packet to discordgo's sender.
func (l *Link) SendFrame(ctx context.Context, f audio.Frame) error {
	select {
	case <-l.ready:
	case <-l.done:
		return audio.ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", audio.ErrWouldBlock, ctx.Err())
	}

	l.mu.Lock()
	vc := l.vc
	needSpeaking := !l.speaking
	l.speaking = true
	l.mu.Unlock()

	if needSpeaking {
		l.setSpeaking(vc, true)
	}

	select {
	case vc.OpusSend <- f.Data:
		return nil
	case <-l.done:
		return audio.ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", audio.ErrWouldBlock, ctx.Err())
	}
}

// Disconnect leaves the voice channel. It is safe to call more than once.
func (l *Link) Disconnect() error {
	return l.shutdown(audio.CloseEvent{Code: audio.CloseNormal, Reason: "disconnected by node"})
}

// Closed implements [audio.Link].
func (l *Link) Closed() <-chan audio.CloseEvent { return l.closed }

// Ping reports the bot gateway heartbeat latency; discordgo does not expose
// the voice gateway round trip.
func (l *Link) Ping() int64 {
	if l.session == nil {
		return -1
	}
	return l.session.HeartbeatLatency().Milliseconds()
}

func (l *Link) shutdown(ev audio.CloseEvent) error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)

		if l.removeHandler != nil {
			l.removeHandler()
		}

		l.mu.Lock()
		vc := l.vc
		speaking := l.speaking
		l.mu.Unlock()

		if vc != nil {
			if speaking {
				l.setSpeaking(vc, false)
			}
			err = l.disconnectVC(vc)
		}

		l.closed <- ev
		close(l.closed)
	})
	return err
}

// handleVoiceStateUpdate detects the bot being removed from its channel.
func (l *Link) handleVoiceStateUpdate(s *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
	if vsu.GuildID != l.guildID || s.State == nil || s.State.User == nil {
		return
	}
	if vsu.UserID != s.State.User.ID || vsu.ChannelID != "" {
		return
	}
	slog.Info("discord: bot left voice channel", "guild_id", l.guildID)
	_ = l.shutdown(audio.CloseEvent{
		Code:     audio.CloseDisconnected,
		Reason:   "disconnected from voice channel",
		ByRemote: true,
	})
}

// setSpeaking sends a speaking notification to Discord, logging any errors.
func (l *Link) setSpeaking(vc *discordgo.VoiceConnection, b bool) {
	if vc == nil {
		return
	}
	if err := vc.Speaking(b); err != nil {
		slog.Warn("discord: speaking notification error", "speaking", b, "error", err)
	}
}
