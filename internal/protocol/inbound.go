// Package protocol defines the JSON messages exchanged with clients over the
// control connection and the REST surface, and converts between them and
// the node's internal types.
//
// Inbound control messages are validated here, per op, so the session layer
// only ever sees well-formed commands. Every validation failure is a
// [fault.Error] of kind badRequest, unknownOp or invalidParameter.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/cadence/internal/fault"
	"github.com/MrWong99/cadence/internal/filter"
	"github.com/MrWong99/cadence/pkg/audio"
	"github.com/MrWong99/cadence/pkg/track"
)

// Op names a message type.
type Op string

// Client to node ops.
const (
	OpVoiceUpdate       Op = "voiceUpdate"
	OpPlay              Op = "play"
	OpStop              Op = "stop"
	OpPause             Op = "pause"
	OpSeek              Op = "seek"
	OpVolume            Op = "volume"
	OpFilters           Op = "filters"
	OpDestroy           Op = "destroy"
	OpConfigureResuming Op = "configureResuming"
)

// Node to client ops.
const (
	OpReady        Op = "ready"
	OpPlayerUpdate Op = "playerUpdate"
	OpEvent        Op = "event"
	OpStats        Op = "stats"
	OpError        Op = "error"
)

// MaxResumeTimeout bounds the resume window a client may request.
const MaxResumeTimeout = 24 * time.Hour

// Header is the part every inbound message shares.
type Header struct {
	Op      Op     `json:"op"`
	GuildID string `json:"guildId,omitempty"`
}

// Command is a validated inbound message.
type Command interface {
	Op() Op
}

// VoiceUpdate hands the node the credentials to join a voice server.
type VoiceUpdate struct {
	GuildID string
	Info    audio.VoiceServerInfo
}

// Play loads a track.
type Play struct {
	GuildID    string
	Track      *track.Track // decoded from the encoded form
	Identifier string
	StartTime  time.Duration
	EndTime    time.Duration
	Volume     *int
	Pause      *bool
	NoReplace  bool
	Filters    *filter.Config
}

type (
	Stop    struct{ GuildID string }
	Destroy struct{ GuildID string }
	Pause   struct {
		GuildID string
		Pause   bool
	}
	Seek struct {
		GuildID  string
		Position time.Duration
	}
	Volume struct {
		GuildID string
		Volume  int
	}
	Filters struct {
		GuildID string
		Config  filter.Config
	}
)

// ConfigureResuming sets the session's resume behaviour.
type ConfigureResuming struct {
	Resuming bool
	Timeout  time.Duration
}

func (VoiceUpdate) Op() Op       { return OpVoiceUpdate }
func (Play) Op() Op              { return OpPlay }
func (Stop) Op() Op              { return OpStop }
func (Destroy) Op() Op           { return OpDestroy }
func (Pause) Op() Op             { return OpPause }
func (Seek) Op() Op              { return OpSeek }
func (Volume) Op() Op            { return OpVolume }
func (Filters) Op() Op           { return OpFilters }
func (ConfigureResuming) Op() Op { return OpConfigureResuming }

// wire payloads; unknown fields are rejected.
type (
	voiceUpdateMsg struct {
		Header
		SessionID string `json:"sessionId"`
		Token     string `json:"token"`
		Endpoint  string `json:"endpoint"`
		ChannelID string `json:"channelId"`
	}
	playMsg struct {
		Header
		Track      string         `json:"track"`
		Identifier string         `json:"identifier"`
		StartTime  int64          `json:"startTime"`
		EndTime    int64          `json:"endTime"`
		Volume     *int           `json:"volume"`
		NoReplace  bool           `json:"noReplace"`
		Pause      *bool          `json:"pause"`
		Filters    *filter.Config `json:"filters"`
	}
	pauseMsg struct {
		Header
		Pause *bool `json:"pause"`
	}
	seekMsg struct {
		Header
		Position *int64 `json:"position"`
	}
	volumeMsg struct {
		Header
		Volume *int `json:"volume"`
	}
	filtersMsg struct {
		Header
		filter.Config
	}
	resumingMsg struct {
		Header
		Resuming bool  `json:"resuming"`
		Timeout  int64 `json:"timeout"`
	}
)

// Decode parses and validates one inbound message. The returned header is
// filled in as far as it could be parsed, so errors can be attributed to a
// guild.
func Decode(data []byte) (Header, Command, error) {
	var h Header
	if err := json.Unmarshal(data, &h); err != nil {
		return h, nil, fault.New(fault.KindBadRequest, "protocol: decode", err)
	}
	if h.Op == "" {
		return h, nil, fault.Newf(fault.KindBadRequest, "protocol: decode", "missing op")
	}
	if h.Op.guildScoped() && h.GuildID == "" {
		return h, nil, fault.Newf(fault.KindBadRequest, "protocol: "+string(h.Op), "guildId is required")
	}

	cmd, err := decodeOp(h, data)
	return h, cmd, err
}

func (op Op) guildScoped() bool {
	switch op {
	case OpVoiceUpdate, OpPlay, OpStop, OpPause, OpSeek, OpVolume, OpFilters, OpDestroy:
		return true
	}
	return false
}

func decodeOp(h Header, data []byte) (Command, error) {
	op := "protocol: " + string(h.Op)
	switch h.Op {
	case OpVoiceUpdate:
		var m voiceUpdateMsg
		if err := strict(data, &m); err != nil {
			return nil, fault.New(fault.KindBadRequest, op, err)
		}
		info := audio.VoiceServerInfo{
			GuildID:   h.GuildID,
			ChannelID: m.ChannelID,
			Endpoint:  m.Endpoint,
			SessionID: m.SessionID,
			Token:     m.Token,
		}
		if err := info.Validate(); err != nil {
			return nil, fault.New(fault.KindBadRequest, op, err)
		}
		return VoiceUpdate{GuildID: h.GuildID, Info: info}, nil

	case OpPlay:
		var m playMsg
		if err := strict(data, &m); err != nil {
			return nil, fault.New(fault.KindBadRequest, op, err)
		}
		return m.command(op)

	case OpStop:
		if err := strict(data, &Header{}); err != nil {
			return nil, fault.New(fault.KindBadRequest, op, err)
		}
		return Stop{GuildID: h.GuildID}, nil

	case OpDestroy:
		if err := strict(data, &Header{}); err != nil {
			return nil, fault.New(fault.KindBadRequest, op, err)
		}
		return Destroy{GuildID: h.GuildID}, nil

	case OpPause:
		var m pauseMsg
		if err := strict(data, &m); err != nil {
			return nil, fault.New(fault.KindBadRequest, op, err)
		}
		if m.Pause == nil {
			return nil, fault.Newf(fault.KindBadRequest, op, "pause is required")
		}
		return Pause{GuildID: h.GuildID, Pause: *m.Pause}, nil

	case OpSeek:
		var m seekMsg
		if err := strict(data, &m); err != nil {
			return nil, fault.New(fault.KindBadRequest, op, err)
		}
		if m.Position == nil || *m.Position < 0 {
			return nil, fault.Newf(fault.KindBadRequest, op, "position must be a non-negative number of milliseconds")
		}
		return Seek{GuildID: h.GuildID, Position: time.Duration(*m.Position) * time.Millisecond}, nil

	case OpVolume:
		var m volumeMsg
		if err := strict(data, &m); err != nil {
			return nil, fault.New(fault.KindBadRequest, op, err)
		}
		if m.Volume == nil {
			return nil, fault.Newf(fault.KindBadRequest, op, "volume is required")
		}
		if err := checkVolume(*m.Volume); err != nil {
			return nil, err
		}
		return Volume{GuildID: h.GuildID, Volume: *m.Volume}, nil

	case OpFilters:
		var m filtersMsg
		if err := strict(data, &m); err != nil {
			return nil, fault.New(fault.KindBadRequest, op, err)
		}
		if err := m.Config.Validate(); err != nil {
			return nil, err
		}
		return Filters{GuildID: h.GuildID, Config: m.Config}, nil

	case OpConfigureResuming:
		var m resumingMsg
		if err := strict(data, &m); err != nil {
			return nil, fault.New(fault.KindBadRequest, op, err)
		}
		timeout, err := ResumeTimeout(m.Timeout)
		if err != nil {
			return nil, fault.New(fault.KindBadRequest, op, err)
		}
		return ConfigureResuming{Resuming: m.Resuming, Timeout: timeout}, nil
	}
	return nil, fault.Newf(fault.KindUnknownOp, "protocol: decode", "unknown op %q", h.Op)
}

func (m playMsg) command(op string) (Command, error) {
	switch {
	case m.Track == "" && m.Identifier == "":
		return nil, fault.Newf(fault.KindBadRequest, op, "track or identifier is required")
	case m.Track != "" && m.Identifier != "":
		return nil, fault.Newf(fault.KindBadRequest, op, "track and identifier are mutually exclusive")
	case m.StartTime < 0 || m.EndTime < 0:
		return nil, fault.Newf(fault.KindBadRequest, op, "startTime and endTime must not be negative")
	case m.EndTime > 0 && m.EndTime <= m.StartTime:
		return nil, fault.Newf(fault.KindBadRequest, op, "endTime must be after startTime")
	}
	if m.Volume != nil {
		if err := checkVolume(*m.Volume); err != nil {
			return nil, err
		}
	}
	if m.Filters != nil {
		if err := m.Filters.Validate(); err != nil {
			return nil, err
		}
	}
	p := Play{
		GuildID:    m.GuildID,
		Identifier: m.Identifier,
		StartTime:  time.Duration(m.StartTime) * time.Millisecond,
		EndTime:    time.Duration(m.EndTime) * time.Millisecond,
		Volume:     m.Volume,
		Pause:      m.Pause,
		NoReplace:  m.NoReplace,
		Filters:    m.Filters,
	}
	if m.Track != "" {
		t, err := track.Decode(m.Track)
		if err != nil {
			return nil, fault.New(fault.KindBadRequest, op, err)
		}
		p.Track = &t
	}
	return p, nil
}

func checkVolume(v int) error {
	if v < 0 || v > filter.MaxPlayerVolume {
		return fault.Newf(fault.KindInvalidParameter, "protocol: volume", "volume = %d: must be in [0, %d]", v, filter.MaxPlayerVolume)
	}
	return nil
}

// ResumeTimeout converts a client-supplied timeout in seconds.
func ResumeTimeout(seconds int64) (time.Duration, error) {
	d := time.Duration(seconds) * time.Second
	if seconds < 0 || d > MaxResumeTimeout {
		return 0, fmt.Errorf("timeout = %d: must be in [0, %d] seconds", seconds, int64(MaxResumeTimeout/time.Second))
	}
	return d, nil
}

// strict decodes data into v, rejecting unknown fields and trailing data.
func strict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after message")
	}
	return nil
}
