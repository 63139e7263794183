// Package audio defines the voice transport abstraction and the canonical PCM
// and frame types used across the node.
//
// The two primary abstractions are:
//
//   - [Dialer] creates a [Link] for one guild.
//   - [Link] carries encoded [Frame] values to the voice transport and reports
//     when the transport closes.
//
// Implementations live in adapter packages (audio/discord, audio/disgo). The
// interfaces are narrow so the player engine never touches sockets.
package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

var (
	// ErrWouldBlock is returned by [Link.SendFrame] when the transport did not
	// accept the frame before the context expired.
	ErrWouldBlock = errors.New("audio: transport would block")

	// ErrClosed is returned by [Link.SendFrame] and [Link.Connect] once the
	// link has been closed.
	ErrClosed = errors.New("audio: link closed")
)

// VoiceServerInfo is the set of credentials a client supplies so the node can
// join a voice server on its behalf. Token, SessionID and Endpoint are opaque
// credentials; both String and LogValue redact them.
type VoiceServerInfo struct {
	GuildID   string `json:"guildId"`
	ChannelID string `json:"channelId,omitempty"`
	Endpoint  string `json:"endpoint"`
	SessionID string `json:"sessionId"`
	Token     string `json:"token"`
}

// String implements [fmt.Stringer] without exposing credentials.
func (v VoiceServerInfo) String() string {
	return fmt.Sprintf("VoiceServerInfo{guild=%s channel=%s credentials=redacted}", v.GuildID, v.ChannelID)
}

// LogValue implements [slog.LogValuer] without exposing credentials.
func (v VoiceServerInfo) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("guild_id", v.GuildID),
		slog.String("channel_id", v.ChannelID),
	)
}

// Validate reports whether the fields a transport needs are present.
func (v VoiceServerInfo) Validate() error {
	var errs []error
	if v.GuildID == "" {
		errs = append(errs, errors.New("guildId is required"))
	}
	if v.Endpoint == "" {
		errs = append(errs, errors.New("endpoint is required"))
	}
	if v.SessionID == "" {
		errs = append(errs, errors.New("sessionId is required"))
	}
	if v.Token == "" {
		errs = append(errs, errors.New("token is required"))
	}
	return errors.Join(errs...)
}

// CloseEvent describes why a [Link] closed.
type CloseEvent struct {
	// Code is the voice gateway close code, or 1000 for a local disconnect.
	Code int

	// Reason is the human-readable close reason, if any.
	Reason string

	// ByRemote is true when the remote side closed the connection.
	ByRemote bool
}

// Common voice gateway close codes.
const (
	CloseNormal             = 1000
	CloseAbnormal           = 1006
	CloseSessionNoLonger    = 4006
	CloseSessionTimeout     = 4009
	CloseDisconnected       = 4014
	CloseVoiceServerCrashed = 4015
)

// Resumable reports whether a link closed with this event may be re-dialled
// with the same credentials.
func (e CloseEvent) Resumable() bool {
	return e.ByRemote && (e.Code == CloseVoiceServerCrashed || e.Code == CloseAbnormal)
}

// Link is an established (or establishing) voice transport for one guild.
//
// Implementations must be safe for concurrent use. Frames passed to SendFrame
// by a single caller must be transmitted in call order.
type Link interface {
	// Connect joins the voice server described by info. The supplied ctx
	// bounds the connection attempt only.
	Connect(ctx context.Context, info VoiceServerInfo) error

	// SendFrame hands one frame to the transport. It blocks while the
	// transport is backpressured, holding at most one frame in flight. It
	// returns an error wrapping [ErrWouldBlock] when ctx expires first and
	// [ErrClosed] once the link is closed.
	SendFrame(ctx context.Context, f Frame) error

	// Disconnect tears the link down. It is idempotent.
	Disconnect() error

	// Closed returns a channel that receives exactly one [CloseEvent] when
	// the link closes for any reason, then is closed.
	Closed() <-chan CloseEvent

	// Ping returns the last measured transport round-trip time in
	// milliseconds, or -1 when unknown.
	Ping() int64
}

// Dialer creates links. userID is the bot user on whose behalf the node
// joins voice.
type Dialer interface {
	NewLink(guildID, userID string) Link
}
