package protocol

import (
	"errors"

	"github.com/MrWong99/cadence/internal/fault"
	"github.com/MrWong99/cadence/internal/filter"
	"github.com/MrWong99/cadence/internal/player"
	"github.com/MrWong99/cadence/pkg/track"
)

// Ready is the first message on every control connection.
type Ready struct {
	Op        Op     `json:"op"`
	Resumed   bool   `json:"resumed"`
	SessionID string `json:"sessionId"`
}

// NewReady builds a ready message.
func NewReady(sessionID string, resumed bool) Ready {
	return Ready{Op: OpReady, Resumed: resumed, SessionID: sessionID}
}

// PlayerState is the telemetry part of a player.
type PlayerState struct {
	Time      int64 `json:"time"`     // unix ms
	Position  int64 `json:"position"` // ms
	Connected bool  `json:"connected"`
	Ping      int64 `json:"ping"`
}

// StateOf extracts the telemetry of a snapshot.
func StateOf(s player.Snapshot) PlayerState {
	return PlayerState{
		Time:      s.Time.UnixMilli(),
		Position:  s.Position.Milliseconds(),
		Connected: s.Voice.Connected,
		Ping:      s.Voice.Ping,
	}
}

// PlayerUpdate reports a player's state.
type PlayerUpdate struct {
	Op      Op          `json:"op"`
	GuildID string      `json:"guildId"`
	State   PlayerState `json:"state"`
}

// NewPlayerUpdate builds a playerUpdate message from a snapshot.
func NewPlayerUpdate(s player.Snapshot) PlayerUpdate {
	return PlayerUpdate{Op: OpPlayerUpdate, GuildID: s.GuildID, State: StateOf(s)}
}

// Event is a lifecycle notification. Only the fields belonging to Type are
// set.
type Event struct {
	Op      Op     `json:"op"`
	Type    string `json:"type"`
	GuildID string `json:"guildId"`

	Track       *track.Track     `json:"track,omitempty"`
	Reason      string           `json:"reason,omitempty"`
	Exception   *track.Exception `json:"exception,omitempty"`
	ThresholdMs int64            `json:"thresholdMs,omitempty"`
	Code        int              `json:"code,omitempty"`
	ByRemote    *bool            `json:"byRemote,omitempty"`
}

// FromPlayerEvent converts a player event into its wire message: an [Event]
// for lifecycle events and a [PlayerUpdate] for state changes.
func FromPlayerEvent(ev player.Event) any {
	if ev.Type == player.EventStateChanged {
		return NewPlayerUpdate(*ev.Snapshot)
	}
	msg := Event{Op: OpEvent, Type: string(ev.Type), GuildID: ev.GuildID, Track: ev.Track}
	switch ev.Type {
	case player.EventTrackEnd:
		msg.Reason = string(ev.Reason)
	case player.EventTrackException:
		msg.Exception = ev.Exception
	case player.EventTrackStuck:
		msg.ThresholdMs = ev.Threshold.Milliseconds()
	case player.EventWebSocketClosed:
		msg.Code = ev.Close.Code
		msg.Reason = ev.Close.Reason
		msg.ByRemote = &ev.Close.ByRemote
	}
	return msg
}

// Error reports a rejected command.
type Error struct {
	Op        Op     `json:"op"`
	Kind      string `json:"kind"`
	Category  string `json:"category"`
	Message   string `json:"message"`
	GuildID   string `json:"guildId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// NewError builds an error message for err.
func NewError(err error, guildID, sessionID string) Error {
	kind := fault.KindOf(err)
	return Error{
		Op:        OpError,
		Kind:      string(kind),
		Category:  fault.Category(kind),
		Message:   err.Error(),
		GuildID:   guildID,
		SessionID: sessionID,
	}
}

// Stats is the periodic node status.
type Stats struct {
	Op             Op          `json:"op,omitempty"`
	Players        int         `json:"players"`
	PlayingPlayers int         `json:"playingPlayers"`
	Sessions       int         `json:"sessions"`
	Uptime         int64       `json:"uptime"` // ms
	Memory         Memory      `json:"memory"`
	FrameStats     *FrameStats `json:"frameStats"`
}

// Memory is the process memory use in bytes.
type Memory struct {
	Free       uint64 `json:"free"`
	Used       uint64 `json:"used"`
	Allocated  uint64 `json:"allocated"`
	Reservable uint64 `json:"reservable"`
}

// FrameStats are cumulative frame counters summed over all players.
type FrameStats struct {
	Sent    int64 `json:"sent"`
	Nulled  int64 `json:"nulled"`
	Deficit int64 `json:"deficit"`
}

// ─── REST ─────────────────────────────────────────────────────────────────────

// Player is the REST view of a player.
type Player struct {
	GuildID string            `json:"guildId"`
	Track   *track.Track      `json:"track"`
	Volume  int               `json:"volume"`
	Paused  bool              `json:"paused"`
	Status  string            `json:"status"`
	State   PlayerState       `json:"state"`
	Voice   player.VoiceState `json:"voice"`
	Filters filter.Config     `json:"filters"`
}

// PlayerOf converts a snapshot.
func PlayerOf(s player.Snapshot) Player {
	return Player{
		GuildID: s.GuildID,
		Track:   s.Track,
		Volume:  s.Volume,
		Paused:  s.Paused,
		Status:  string(s.State),
		State:   StateOf(s),
		Voice:   s.Voice,
		Filters: s.Filters,
	}
}

// UpdatePlayer is the body of the update-player call. Absent fields are
// left alone.
type UpdatePlayer struct {
	Track    *UpdateTrack   `json:"track,omitempty"`
	Position *int64         `json:"position,omitempty"`
	EndTime  *int64         `json:"endTime,omitempty"`
	Volume   *int           `json:"volume,omitempty"`
	Paused   *bool          `json:"paused,omitempty"`
	Filters  *filter.Config `json:"filters,omitempty"`
	Voice    *VoiceBody     `json:"voice,omitempty"`
}

// UpdateTrack selects the track of an update. An object with neither field
// set (or encoded null) stops the player.
type UpdateTrack struct {
	Encoded    *string `json:"encoded"`
	Identifier string  `json:"identifier,omitempty"`
}

// VoiceBody carries voice credentials in a REST update.
type VoiceBody struct {
	Token     string `json:"token"`
	Endpoint  string `json:"endpoint"`
	SessionID string `json:"sessionId"`
	ChannelID string `json:"channelId,omitempty"`
}

// Validate checks field ranges; it does not touch any player.
func (u UpdatePlayer) Validate() error {
	var errs []error
	if t := u.Track; t != nil && t.Encoded != nil && *t.Encoded != "" && t.Identifier != "" {
		errs = append(errs, errors.New("track: encoded and identifier are mutually exclusive"))
	}
	if u.Position != nil && *u.Position < 0 {
		errs = append(errs, errors.New("position must not be negative"))
	}
	if u.EndTime != nil && *u.EndTime < 0 {
		errs = append(errs, errors.New("endTime must not be negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return fault.New(fault.KindBadRequest, "protocol: update player", err)
	}
	if u.Volume != nil {
		if err := checkVolume(*u.Volume); err != nil {
			return err
		}
	}
	if u.Filters != nil {
		return u.Filters.Validate()
	}
	return nil
}

// UpdateSession is the body of the session update call.
type UpdateSession struct {
	Resuming *bool  `json:"resuming,omitempty"`
	Timeout  *int64 `json:"timeout,omitempty"` // seconds
}

// Session is the REST view of a session's resume settings.
type Session struct {
	Resuming bool  `json:"resuming"`
	Timeout  int64 `json:"timeout"`
}

// Info describes the node.
type Info struct {
	Version        string   `json:"version"`
	BuildTime      int64    `json:"buildTime"`
	Go             string   `json:"go"`
	SourceManagers []string `json:"sourceManagers"`
	Filters        []string `json:"filters"`
}

// FilterNames lists the supported filters in processing order.
func FilterNames() []string {
	out := make([]string, len(filter.Kinds))
	for i, k := range filter.Kinds {
		out[i] = string(k)
	}
	return out
}
