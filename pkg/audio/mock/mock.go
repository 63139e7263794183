// Package mock provides in-memory implementations of [audio.Link],
// [audio.Dialer] and [audio.Encoder] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every call so tests can
// assert on call counts and arguments, and expose exported fields that the
// test sets to control behaviour.
//
// Typical usage:
//
//	link := mock.NewLink()
//	dialer := &mock.Dialer{Links: []*mock.Link{link}}
//	p := player.New(..., dialer)
//	...
//	frames := link.Frames()
package mock

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/MrWong99/cadence/pkg/audio"
)

// ─── Link ─────────────────────────────────────────────────────────────────────

// Link is a mock [audio.Link]. Frames handed to SendFrame are recorded in
// arrival order. Setting Block makes SendFrame wait until the context expires
// or Unblock is called, which simulates transport backpressure.
type Link struct {
	mu sync.Mutex

	// ConnectError is returned by Connect.
	ConnectError error

	// ConnectGate, when non-nil, holds Connect until it is closed or the
	// context ends.
	ConnectGate chan struct{}

	// PingResult is returned by Ping.
	PingResult int64

	// ConnectCalls records the info passed to each Connect call.
	ConnectCalls []audio.VoiceServerInfo

	// CallCountDisconnect records how many times Disconnect was called.
	CallCountDisconnect int

	frames    []audio.Frame
	blocked   bool
	unblock   chan struct{}
	closed    chan audio.CloseEvent
	done      chan struct{}
	closeOnce sync.Once
	sent      chan struct{} // signalled after each recorded frame
}

// NewLink returns a ready mock link.
func NewLink() *Link {
	return &Link{
		unblock: make(chan struct{}),
		closed:  make(chan audio.CloseEvent, 1),
		done:    make(chan struct{}),
		sent:    make(chan struct{}, 1),
	}
}

// Connect implements [audio.Link].
func (l *Link) Connect(ctx context.Context, info audio.VoiceServerInfo) error {
	l.mu.Lock()
	l.ConnectCalls = append(l.ConnectCalls, info)
	gate := l.ConnectGate
	l.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ConnectError
}

// SendFrame implements [audio.Link].
func (l *Link) SendFrame(ctx context.Context, f audio.Frame) error {
	select {
	case <-l.done:
		return audio.ErrClosed
	default:
	}

	l.mu.Lock()
	blocked := l.blocked
	unblock := l.unblock
	l.mu.Unlock()

	if blocked {
		select {
		case <-unblock:
		case <-l.done:
			return audio.ErrClosed
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", audio.ErrWouldBlock, ctx.Err())
		}
	}

	l.mu.Lock()
	l.frames = append(l.frames, f)
	l.mu.Unlock()

	select {
	case l.sent <- struct{}{}:
	default:
	}
	return nil
}

// Disconnect implements [audio.Link]. It reports a local normal close.
func (l *Link) Disconnect() error {
	l.mu.Lock()
	l.CallCountDisconnect++
	l.mu.Unlock()
	l.close(audio.CloseEvent{Code: audio.CloseNormal, Reason: "disconnect"})
	return nil
}

// Closed implements [audio.Link].
func (l *Link) Closed() <-chan audio.CloseEvent { return l.closed }

// Ping implements [audio.Link].
func (l *Link) Ping() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.PingResult
}

// CloseRemote simulates the transport closing with the given code.
func (l *Link) CloseRemote(code int, reason string) {
	l.close(audio.CloseEvent{Code: code, Reason: reason, ByRemote: true})
}

func (l *Link) close(ev audio.CloseEvent) {
	l.closeOnce.Do(func() {
		close(l.done)
		l.closed <- ev
		close(l.closed)
	})
}

// SetBlocked toggles simulated backpressure.
func (l *Link) SetBlocked(b bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.blocked && !b {
		close(l.unblock)
		l.unblock = make(chan struct{})
	}
	l.blocked = b
}

// Frames returns a copy of all frames received so far.
func (l *Link) Frames() []audio.Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]audio.Frame, len(l.frames))
	copy(out, l.frames)
	return out
}

// FrameCount returns how many frames were received.
func (l *Link) FrameCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.frames)
}

// Sent returns a channel signalled (coalesced) whenever a frame is recorded.
func (l *Link) Sent() <-chan struct{} { return l.sent }

// Disconnects returns how many times Disconnect was called.
func (l *Link) Disconnects() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.CallCountDisconnect
}

// Connects returns a copy of the recorded Connect calls.
func (l *Link) Connects() []audio.VoiceServerInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]audio.VoiceServerInfo, len(l.ConnectCalls))
	copy(out, l.ConnectCalls)
	return out
}

// ─── Dialer ───────────────────────────────────────────────────────────────────

// Dialer is a mock [audio.Dialer]. When Links is non-empty each NewLink call
// pops the next one; otherwise a fresh [Link] is created. Every returned link
// is recorded in Created.
type Dialer struct {
	mu sync.Mutex

	// Links is a queue of links to hand out.
	Links []*Link

	// Created records every link returned by NewLink, in order.
	Created []*Link

	// NewLinkCalls records the guild and user IDs of each call.
	NewLinkCalls [][2]string
}

// NewLink implements [audio.Dialer].
func (d *Dialer) NewLink(guildID, userID string) audio.Link {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.NewLinkCalls = append(d.NewLinkCalls, [2]string{guildID, userID})
	var l *Link
	if len(d.Links) > 0 {
		l = d.Links[0]
		d.Links = d.Links[1:]
	} else {
		l = NewLink()
	}
	d.Created = append(d.Created, l)
	return l
}

// Last returns the most recently created link, or nil.
func (d *Dialer) Last() *Link {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Created) == 0 {
		return nil
	}
	return d.Created[len(d.Created)-1]
}

// Count returns how many links NewLink has returned.
func (d *Dialer) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Created)
}

// ─── Encoder ──────────────────────────────────────────────────────────────────

// Encoder is a mock [audio.Encoder]. It records the PCM of every frame it
// encodes and returns a 4-byte packet holding the frame's peak amplitude
// scaled to int32, which lets tests read amplitude back from sent frames.
type Encoder struct {
	mu sync.Mutex

	// EncodeError, when set, is returned by Encode.
	EncodeError error

	// Blocks records a copy of every PCM block passed to Encode.
	Blocks [][]float32
}

// Encode implements [audio.Encoder].
func (e *Encoder) Encode(pcm []float32) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.EncodeError != nil {
		return nil, e.EncodeError
	}
	cp := make([]float32, len(pcm))
	copy(cp, pcm)
	e.Blocks = append(e.Blocks, cp)
	return PeakPacket(pcm), nil
}

// Encoded returns a copy of the recorded blocks.
func (e *Encoder) Encoded() [][]float32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([][]float32, len(e.Blocks))
	copy(out, e.Blocks)
	return out
}

// PeakPacket encodes the peak absolute amplitude of pcm into four bytes.
func PeakPacket(pcm []float32) []byte {
	var peak float64
	for _, s := range pcm {
		peak = math.Max(peak, math.Abs(float64(s)))
	}
	v := uint32(peak * 1e6)
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

// PacketPeak decodes a packet produced by [PeakPacket].
func PacketPeak(b []byte) float64 {
	if len(b) != 4 {
		return -1
	}
	v := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	return float64(v) / 1e6
}
