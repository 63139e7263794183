package disgo

import (
	"context"
	"fmt"

	"github.com/MrWong99/cadence/pkg/audio"
	"github.com/disgoorg/snowflake/v2"
)

var _ audio.Dialer = (*Dialer)(nil)

// Dialer creates disgo-backed links. It holds no state and is safe for
// concurrent use.
type Dialer struct{}

// New returns a Dialer.
func New() *Dialer { return &Dialer{} }

// NewLink returns an unconnected link for the guild, acting as userID. When
// either id is not a valid snowflake the returned link fails every Connect.
func (d *Dialer) NewLink(guildID, userID string) audio.Link {
	g, gErr := snowflake.Parse(guildID)
	u, uErr := snowflake.Parse(userID)
	if gErr != nil || uErr != nil {
		return &invalidLink{
			err:    fmt.Errorf("disgo: invalid ids guild=%q user=%q", guildID, userID),
			closed: make(chan audio.CloseEvent),
		}
	}
	return newLink(g, u)
}

// Ready always succeeds: disgo links need no shared session.
func (d *Dialer) Ready() error { return nil }

// invalidLink is returned for ids that cannot address a Discord guild.
type invalidLink struct {
	err    error
	closed chan audio.CloseEvent
}

func (l *invalidLink) Connect(context.Context, audio.VoiceServerInfo) error { return l.err }
func (l *invalidLink) SendFrame(context.Context, audio.Frame) error         { return audio.ErrClosed }
func (l *invalidLink) Disconnect() error                                   { return nil }
func (l *invalidLink) Closed() <-chan audio.CloseEvent                     { return l.closed }
func (l *invalidLink) Ping() int64                                         { return -1 }
