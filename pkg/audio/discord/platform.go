// Package discord provides an [audio.Dialer] backed by the bwmarrin/discordgo
// library. The node owns the bot session: links join voice channels through
// the node's own gateway connection, which suits self-hosted deployments where
// the node and the bot share a token.
package discord

import (
	"fmt"

	"github.com/MrWong99/cadence/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

// Compile-time interface assertion.
var _ audio.Dialer = (*Dialer)(nil)

// Dialer implements [audio.Dialer] using an open *discordgo.Session.
//
// Dialer is safe for concurrent use.
type Dialer struct {
	session *discordgo.Session
}

// New creates a Dialer for an already-opened session.
func New(session *discordgo.Session) *Dialer {
	return &Dialer{session: session}
}

// Open creates and opens a bot session for token with the voice-state intent
// needed to join channels.
func Open(token string) (*discordgo.Session, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
	if err := s.Open(); err != nil {
		return nil, fmt.Errorf("discord: open session: %w", err)
	}
	return s, nil
}

// NewLink returns an unconnected link for guildID. The userID is implied by
// the session and ignored.
func (d *Dialer) NewLink(guildID, _ string) audio.Link {
	return newLink(d.session, guildID)
}

// Ready reports whether the underlying gateway session is usable.
func (d *Dialer) Ready() error {
	if d.session == nil || d.session.State == nil || d.session.State.User == nil {
		return fmt.Errorf("discord: session not ready")
	}
	return nil
}
