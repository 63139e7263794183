package discord

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/cadence/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

// ─── compile-time interface assertions ───────────────────────────────────────

var _ audio.Dialer = (*Dialer)(nil)
var _ audio.Link = (*Link)(nil)

// ─── test helpers ─────────────────────────────────────────────────────────────

// newTestLink creates a Link whose join returns a fake voice connection with
// a buffered OpusSend channel of the given size.
func newTestLink(t *testing.T, sendBuf int) (*Link, *discordgo.VoiceConnection) {
	t.Helper()
	vc := &discordgo.VoiceConnection{
		OpusSend: make(chan []byte, sendBuf),
		OpusRecv: make(chan *discordgo.Packet, 1),
	}
	l := newLink(nil, "guild-test")
	l.join = func(string, string) (*discordgo.VoiceConnection, error) { return vc, nil }
	l.disconnectVC = func(*discordgo.VoiceConnection) error { return nil }
	t.Cleanup(func() { _ = l.Disconnect() })
	return l, vc
}

func testInfo() audio.VoiceServerInfo {
	return audio.VoiceServerInfo{
		GuildID:   "guild-test",
		ChannelID: "chan-1",
		Endpoint:  "example.discord.media",
		SessionID: "sess",
		Token:     "secret",
	}
}

// ─── Dialer tests ─────────────────────────────────────────────────────────────

func TestNew(t *testing.T) {
	t.Parallel()

	s := &discordgo.Session{}
	d := New(s)
	if d.session != s {
		t.Error("session not stored correctly")
	}
	l, ok := d.NewLink("guild-123", "user").(*Link)
	if !ok {
		t.Fatal("NewLink did not return *Link")
	}
	if l.guildID != "guild-123" {
		t.Errorf("guildID = %q, want %q", l.guildID, "guild-123")
	}
}

func TestDialer_ReadyRequiresUser(t *testing.T) {
	t.Parallel()

	if err := New(&discordgo.Session{}).Ready(); err == nil {
		t.Error("expected error for session without state")
	}
}

// ─── Link tests ───────────────────────────────────────────────────────────────

func TestLink_ConnectRequiresChannel(t *testing.T) {
	t.Parallel()

	l, _ := newTestLink(t, 1)
	info := testInfo()
	info.ChannelID = ""
	if err := l.Connect(t.Context(), info); err == nil {
		t.Fatal("expected error without channel id")
	}
}

func TestLink_ConnectGuildMismatch(t *testing.T) {
	t.Parallel()

	l, _ := newTestLink(t, 1)
	info := testInfo()
	info.GuildID = "other"
	if err := l.Connect(t.Context(), info); err == nil {
		t.Fatal("expected guild mismatch error")
	}
}

func TestLink_SendFrameDeliversToOpusSend(t *testing.T) {
	t.Parallel()

	l, vc := newTestLink(t, 2)
	if err := l.Connect(t.Context(), testInfo()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := l.SendFrame(t.Context(), audio.Frame{Seq: 1, Data: []byte{1, 2, 3}}); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}
	select {
	case got := <-vc.OpusSend:
		if len(got) != 3 || got[0] != 1 {
			t.Errorf("unexpected packet %v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for packet")
	}
}

func TestLink_SendFrameBackpressure(t *testing.T) {
	t.Parallel()

	l, _ := newTestLink(t, 1)
	if err := l.Connect(t.Context(), testInfo()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	// Fill the one-slot hand-off.
	if err := l.SendFrame(t.Context(), audio.Frame{Seq: 1, Data: []byte{1}}); err != nil {
		t.Fatalf("first SendFrame: %v", err)
	}

	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Millisecond)
	defer cancel()
	err := l.SendFrame(ctx, audio.Frame{Seq: 2, Data: []byte{2}})
	if !errors.Is(err, audio.ErrWouldBlock) {
		t.Fatalf("err = %v, want ErrWouldBlock", err)
	}
}

func TestLink_SendBeforeConnectWouldBlock(t *testing.T) {
	t.Parallel()

	l, _ := newTestLink(t, 1)
	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	if err := l.SendFrame(ctx, audio.Frame{}); !errors.Is(err, audio.ErrWouldBlock) {
		t.Fatalf("err = %v, want ErrWouldBlock", err)
	}
}

func TestLink_DisconnectIdempotentAndReportsClose(t *testing.T) {
	t.Parallel()

	l, _ := newTestLink(t, 1)
	if err := l.Connect(t.Context(), testInfo()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	for i := range 3 {
		if err := l.Disconnect(); err != nil {
			t.Fatalf("Disconnect[%d]: unexpected error: %v", i, err)
		}
	}

	select {
	case ev, ok := <-l.Closed():
		if !ok {
			t.Fatal("closed channel yielded no event")
		}
		if ev.Code != audio.CloseNormal || ev.ByRemote {
			t.Errorf("close event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for close event")
	}

	if err := l.SendFrame(t.Context(), audio.Frame{}); !errors.Is(err, audio.ErrClosed) {
		t.Errorf("SendFrame after close = %v, want ErrClosed", err)
	}
}

func TestLink_VoiceStateUpdateRemovesBot(t *testing.T) {
	t.Parallel()

	l, _ := newTestLink(t, 1)
	if err := l.Connect(t.Context(), testInfo()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	s := &discordgo.Session{State: discordgo.NewState()}
	s.State.User = &discordgo.User{ID: "bot"}

	// Another user leaving must be ignored.
	l.handleVoiceStateUpdate(s, &discordgo.VoiceStateUpdate{VoiceState: &discordgo.VoiceState{GuildID: "guild-test", UserID: "someone"}})
	select {
	case <-l.Closed():
		t.Fatal("link closed on unrelated voice state update")
	case <-time.After(20 * time.Millisecond):
	}

	l.handleVoiceStateUpdate(s, &discordgo.VoiceStateUpdate{VoiceState: &discordgo.VoiceState{GuildID: "guild-test", UserID: "bot"}})
	select {
	case ev := <-l.Closed():
		if ev.Code != audio.CloseDisconnected || !ev.ByRemote {
			t.Errorf("close event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for close event")
	}
}

func TestLink_ConcurrentDisconnect(t *testing.T) {
	t.Parallel()

	l, _ := newTestLink(t, 1)
	var wg sync.WaitGroup
	for range 10 {
		wg.Go(func() {
			_ = l.Disconnect()
		})
	}
	wg.Wait()
}
