package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/cadence/internal/fault"
	"github.com/MrWong99/cadence/internal/player"
	"github.com/MrWong99/cadence/pkg/audio"
	"github.com/MrWong99/cadence/pkg/track"
)

func TestDecode_Rejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msg  string
		kind fault.Kind
	}{
		{"not json", `{"op":`, fault.KindBadRequest},
		{"missing op", `{"guildId":"1"}`, fault.KindBadRequest},
		{"unknown op", `{"op":"dance","guildId":"1"}`, fault.KindUnknownOp},
		{"missing guild", `{"op":"stop"}`, fault.KindBadRequest},
		{"unknown field", `{"op":"stop","guildId":"1","force":true}`, fault.KindBadRequest},
		{"play without track", `{"op":"play","guildId":"1"}`, fault.KindBadRequest},
		{"play with both", `{"op":"play","guildId":"1","track":"x","identifier":"y"}`, fault.KindBadRequest},
		{"play bad encoded", `{"op":"play","guildId":"1","track":"!!!"}`, fault.KindBadRequest},
		{"play end before start", `{"op":"play","guildId":"1","identifier":"a","startTime":500,"endTime":100}`, fault.KindBadRequest},
		{"play volume", `{"op":"play","guildId":"1","identifier":"a","volume":1001}`, fault.KindInvalidParameter},
		{"pause missing", `{"op":"pause","guildId":"1"}`, fault.KindBadRequest},
		{"pause wrong type", `{"op":"pause","guildId":"1","pause":"yes"}`, fault.KindBadRequest},
		{"seek negative", `{"op":"seek","guildId":"1","position":-1}`, fault.KindBadRequest},
		{"seek missing", `{"op":"seek","guildId":"1"}`, fault.KindBadRequest},
		{"volume range", `{"op":"volume","guildId":"1","volume":-5}`, fault.KindInvalidParameter},
		{"filters invalid", `{"op":"filters","guildId":"1","timescale":{"speed":0,"pitch":1,"rate":1}}`, fault.KindInvalidParameter},
		{"voice missing token", `{"op":"voiceUpdate","guildId":"1","sessionId":"s","endpoint":"e"}`, fault.KindBadRequest},
		{"resume timeout", `{"op":"configureResuming","resuming":true,"timeout":-1}`, fault.KindBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, cmd, err := Decode([]byte(tt.msg))
			if cmd != nil {
				t.Errorf("got command %#v for invalid message", cmd)
			}
			if got := fault.KindOf(err); got != tt.kind {
				t.Errorf("kind = %q, want %q (err %v)", got, tt.kind, err)
			}
		})
	}
}

func TestDecode_HeaderSurvivesErrors(t *testing.T) {
	t.Parallel()
	h, _, err := Decode([]byte(`{"op":"seek","guildId":"42","position":-1}`))
	if err == nil {
		t.Fatal("expected error")
	}
	if h.GuildID != "42" || h.Op != OpSeek {
		t.Errorf("header = %+v", h)
	}
}

func TestDecode_Play(t *testing.T) {
	t.Parallel()
	tr := track.New(track.Info{Identifier: "abc", Title: "T", SourceName: "youtube", Length: 1000, IsSeekable: true})
	msg := `{"op":"play","guildId":"1","track":"` + tr.Encoded + `","startTime":250,"endTime":750,"volume":80,"noReplace":true,"pause":true,"filters":{"volume":0.5}}`

	_, cmd, err := Decode([]byte(msg))
	if err != nil {
		t.Fatal(err)
	}
	p, ok := cmd.(Play)
	if !ok {
		t.Fatalf("command = %T", cmd)
	}
	if p.Track == nil || !p.Track.Same(tr) {
		t.Errorf("track = %+v", p.Track)
	}
	if p.StartTime != 250*time.Millisecond || p.EndTime != 750*time.Millisecond {
		t.Errorf("times = %v..%v", p.StartTime, p.EndTime)
	}
	if *p.Volume != 80 || !*p.Pause || !p.NoReplace || *p.Filters.Volume != 0.5 {
		t.Errorf("play = %+v", p)
	}
}

func TestDecode_Commands(t *testing.T) {
	t.Parallel()

	tests := []struct {
		msg  string
		want Command
	}{
		{`{"op":"stop","guildId":"1"}`, Stop{GuildID: "1"}},
		{`{"op":"destroy","guildId":"1"}`, Destroy{GuildID: "1"}},
		{`{"op":"pause","guildId":"1","pause":false}`, Pause{GuildID: "1", Pause: false}},
		{`{"op":"seek","guildId":"1","position":1500}`, Seek{GuildID: "1", Position: 1500 * time.Millisecond}},
		{`{"op":"volume","guildId":"1","volume":0}`, Volume{GuildID: "1", Volume: 0}},
		{`{"op":"configureResuming","resuming":true,"timeout":60}`, ConfigureResuming{Resuming: true, Timeout: time.Minute}},
		{
			`{"op":"voiceUpdate","guildId":"1","sessionId":"s","token":"t","endpoint":"e","channelId":"c"}`,
			VoiceUpdate{GuildID: "1", Info: audio.VoiceServerInfo{GuildID: "1", ChannelID: "c", Endpoint: "e", SessionID: "s", Token: "t"}},
		},
	}
	for _, tt := range tests {
		t.Run(string(tt.want.Op()), func(t *testing.T) {
			t.Parallel()
			_, cmd, err := Decode([]byte(tt.msg))
			if err != nil {
				t.Fatal(err)
			}
			if cmd != tt.want {
				t.Errorf("command = %#v, want %#v", cmd, tt.want)
			}
		})
	}
}

func TestDecode_FiltersInline(t *testing.T) {
	t.Parallel()
	_, cmd, err := Decode([]byte(`{"op":"filters","guildId":"1","lowPass":{"smoothing":20},"equalizer":[{"band":0,"gain":3}]}`))
	if err != nil {
		t.Fatal(err)
	}
	f := cmd.(Filters)
	if f.Config.LowPass == nil || f.Config.LowPass.Smoothing != 20 || len(f.Config.Equalizer) != 1 {
		t.Errorf("filters = %+v", f.Config)
	}
}

func TestNewError(t *testing.T) {
	t.Parallel()
	err := fault.Newf(fault.KindUnsupportedOperation, "player: seek", "not seekable")
	msg := NewError(err, "g1", "s1")
	if msg.Op != OpError || msg.Kind != "unsupportedOperation" || msg.Category != "PlayerError" {
		t.Errorf("error = %+v", msg)
	}
	if msg.GuildID != "g1" || msg.SessionID != "s1" || !strings.Contains(msg.Message, "not seekable") {
		t.Errorf("error = %+v", msg)
	}

	plain := NewError(errors.New("boom"), "", "")
	if plain.Kind != "internal" || plain.Category != "InternalError" {
		t.Errorf("untyped error = %+v", plain)
	}
}

func TestFromPlayerEvent(t *testing.T) {
	t.Parallel()
	tr := track.New(track.Info{Identifier: "a", SourceName: "http"})

	end := FromPlayerEvent(player.Event{Type: player.EventTrackEnd, GuildID: "1", Track: &tr, Reason: player.EndStopped})
	b, err := json.Marshal(end)
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatal(err)
	}
	if got["op"] != "event" || got["type"] != "trackEnd" || got["reason"] != "stopped" || got["guildId"] != "1" {
		t.Errorf("trackEnd = %s", b)
	}

	closed := FromPlayerEvent(player.Event{
		Type:    player.EventWebSocketClosed,
		GuildID: "1",
		Close:   &audio.CloseEvent{Code: 4014, Reason: "kicked", ByRemote: true},
	}).(Event)
	if closed.Code != 4014 || closed.Reason != "kicked" || closed.ByRemote == nil || !*closed.ByRemote {
		t.Errorf("websocketClosed = %+v", closed)
	}

	stuck := FromPlayerEvent(player.Event{Type: player.EventTrackStuck, Threshold: 10 * time.Second}).(Event)
	if stuck.ThresholdMs != 10000 {
		t.Errorf("thresholdMs = %d", stuck.ThresholdMs)
	}

	snap := player.Snapshot{GuildID: "1", Position: 1500 * time.Millisecond, Time: time.UnixMilli(99), Voice: player.VoiceState{Connected: true, Ping: 12}}
	upd, ok := FromPlayerEvent(player.Event{Type: player.EventStateChanged, Snapshot: &snap}).(PlayerUpdate)
	if !ok {
		t.Fatal("stateChanged did not become a playerUpdate")
	}
	want := PlayerState{Time: 99, Position: 1500, Connected: true, Ping: 12}
	if upd.Op != OpPlayerUpdate || upd.State != want {
		t.Errorf("playerUpdate = %+v", upd)
	}
}

func TestPlayerOfOmitsCredentials(t *testing.T) {
	t.Parallel()
	snap := player.Snapshot{GuildID: "1", State: player.StatePlaying, Volume: 100, Voice: player.VoiceState{Endpoint: "e", Connected: true}}
	b, err := json.Marshal(PlayerOf(snap))
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{`"token"`, `"sessionId"`} {
		if strings.Contains(string(b), key) {
			t.Errorf("player JSON contains %s: %s", key, b)
		}
	}
	if !strings.Contains(string(b), `"status":"playing"`) {
		t.Errorf("player JSON = %s", b)
	}
}

func TestUpdatePlayerValidate(t *testing.T) {
	t.Parallel()
	enc, neg, vol := "x", int64(-1), 2000

	tests := []struct {
		name string
		u    UpdatePlayer
		kind fault.Kind
	}{
		{"empty", UpdatePlayer{}, ""},
		{"both track forms", UpdatePlayer{Track: &UpdateTrack{Encoded: &enc, Identifier: "y"}}, fault.KindBadRequest},
		{"negative position", UpdatePlayer{Position: &neg}, fault.KindBadRequest},
		{"volume", UpdatePlayer{Volume: &vol}, fault.KindInvalidParameter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := fault.KindOf(tt.u.Validate()); got != tt.kind {
				t.Errorf("kind = %q, want %q", got, tt.kind)
			}
		})
	}
}
