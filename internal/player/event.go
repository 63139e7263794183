package player

import (
	"time"

	"github.com/MrWong99/cadence/internal/filter"
	"github.com/MrWong99/cadence/pkg/audio"
	"github.com/MrWong99/cadence/pkg/track"
)

// State is a player's playback state.
type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading"
	StatePlaying State = "playing"
	StatePaused  State = "paused"
	StateStopped State = "stopped"
)

// EndReason says why a track stopped.
type EndReason string

const (
	EndFinished   EndReason = "finished"
	EndLoadFailed EndReason = "loadFailed"
	EndStopped    EndReason = "stopped"
	EndReplaced   EndReason = "replaced"
	EndCleanup    EndReason = "cleanup"
)

// MayStartNext reports whether a client queue should advance after a track
// ended for this reason.
func (r EndReason) MayStartNext() bool {
	return r == EndFinished || r == EndLoadFailed
}

// EventType tags an [Event].
type EventType string

const (
	EventTrackStart      EventType = "trackStart"
	EventTrackEnd        EventType = "trackEnd"
	EventTrackException  EventType = "trackException"
	EventTrackStuck      EventType = "trackStuck"
	EventStateChanged    EventType = "stateChanged"
	EventWebSocketClosed EventType = "websocketClosed"
)

// Event is one lifecycle notification. Only the fields relevant to Type are
// set.
type Event struct {
	Type    EventType
	GuildID string

	// Track is set on trackStart, trackEnd, trackException and trackStuck.
	Track *track.Track

	// Reason is set on trackEnd.
	Reason EndReason

	// Exception is set on trackException.
	Exception *track.Exception

	// Threshold is set on trackStuck.
	Threshold time.Duration

	// Close is set on websocketClosed.
	Close *audio.CloseEvent

	// Snapshot is set on stateChanged.
	Snapshot *Snapshot
}

// Sink receives a player's events in emission order. It is called with the
// player's lock held and must not block or call back into the player.
type Sink func(Event)

// VoiceState is the transport part of a [Snapshot]. Credentials are never
// included.
type VoiceState struct {
	Endpoint  string `json:"endpoint"`
	ChannelID string `json:"channelId,omitempty"`
	Connected bool   `json:"connected"`
	Ping      int64  `json:"ping"`
}

// Snapshot is a consistent view of a player.
type Snapshot struct {
	GuildID  string
	State    State
	Track    *track.Track // with Info.Position set
	Position time.Duration
	Volume   int
	Paused   bool
	Filters  filter.Config
	Voice    VoiceState
	Frames   FrameStats
	Time     time.Time
}

// FrameStats are the cumulative frame counters of a player across tracks.
type FrameStats struct {
	Sent   int64
	Nulled int64
	Late   int64
}
