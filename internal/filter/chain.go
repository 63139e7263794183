package filter

import (
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/cadence/internal/fault"
)

// MaxPlayerVolume is the highest player volume in percent.
const MaxPlayerVolume = 1000

// Chain applies a [Config] to audio blocks. Configure and SetVolume may be
// called from any goroutine while another goroutine calls Process; changes
// take effect on the next block.
type Chain struct {
	mu     sync.Mutex
	cfg    Config
	stages map[Kind]stage
	volume float32 // player volume as a multiplier
}

// NewChain returns an empty chain at 100% volume.
func NewChain() *Chain {
	return &Chain{stages: make(map[Kind]stage), volume: 1}
}

// Configure validates cfg and replaces the active configuration. Stages
// whose parameters did not change keep their state so reconfiguring does
// not click.
func (c *Chain) Configure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.cfg
	next := make(map[Kind]stage, len(Kinds))
	for _, k := range cfg.Enabled() {
		if old, ok := c.stages[k]; ok && sameParams(k, prev, cfg) {
			next[k] = old
			continue
		}
		next[k] = build(k, cfg)
	}
	c.stages = next
	c.cfg = clone(cfg)
	return nil
}

// Config returns a copy of the active configuration.
func (c *Chain) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return clone(c.cfg)
}

// SetVolume sets the player volume in percent, applied after every filter.
func (c *Chain) SetVolume(percent int) error {
	if percent < 0 || percent > MaxPlayerVolume {
		return fault.New(fault.KindInvalidParameter, "filter: volume",
			fmt.Errorf("volume = %d: must be in [0, %d]", percent, MaxPlayerVolume))
	}
	c.mu.Lock()
	c.volume = float32(percent) / 100
	c.mu.Unlock()
	return nil
}

// Volume returns the player volume in percent.
func (c *Chain) Volume() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int(c.volume*100 + 0.5)
}

// Process runs block through every enabled stage in [Kinds] order and then
// the player volume. The returned block may differ in length from the input
// and may alias it.
func (c *Chain) Process(block []float32) []float32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, k := range Kinds {
		if s, ok := c.stages[k]; ok {
			block = s.process(block)
		}
	}
	if c.volume != 1 {
		for i := range block {
			block[i] *= c.volume
		}
	}
	return block
}

// Reset drops carried filter state, e.g. after a seek.
func (c *Chain) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.stages {
		s.reset()
	}
}

func build(k Kind, cfg Config) stage {
	switch k {
	case KindVolume:
		return &gain{g: float32(*cfg.Volume)}
	case KindEqualizer:
		return newEqualizer(cfg.Equalizer)
	case KindKaraoke:
		return newKaraoke(*cfg.Karaoke)
	case KindTimescale:
		return newTimescale(*cfg.Timescale)
	case KindTremolo:
		return &tremolo{depth: cfg.Tremolo.Depth, osc: newOscillator(cfg.Tremolo.Frequency)}
	case KindVibrato:
		return newVibrato(*cfg.Vibrato)
	case KindRotation:
		return &rotation{osc: newOscillator(cfg.Rotation.RotationHz)}
	case KindDistortion:
		return &distortion{cfg: *cfg.Distortion}
	case KindChannelMix:
		return &channelMix{m: *cfg.ChannelMix}
	case KindLowPass:
		return &lowPass{smoothing: float32(cfg.LowPass.Smoothing)}
	}
	panic("filter: unknown kind " + string(k))
}

func sameParams(k Kind, a, b Config) bool {
	switch k {
	case KindVolume:
		return eq(a.Volume, b.Volume)
	case KindEqualizer:
		return slices.Equal(a.Equalizer, b.Equalizer)
	case KindKaraoke:
		return eq(a.Karaoke, b.Karaoke)
	case KindTimescale:
		return eq(a.Timescale, b.Timescale)
	case KindTremolo:
		return eq(a.Tremolo, b.Tremolo)
	case KindVibrato:
		return eq(a.Vibrato, b.Vibrato)
	case KindRotation:
		return eq(a.Rotation, b.Rotation)
	case KindDistortion:
		return eq(a.Distortion, b.Distortion)
	case KindChannelMix:
		return eq(a.ChannelMix, b.ChannelMix)
	case KindLowPass:
		return eq(a.LowPass, b.LowPass)
	}
	return false
}

func eq[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func ptr[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func clone(c Config) Config {
	return Config{
		Volume:     ptr(c.Volume),
		Equalizer:  slices.Clone(c.Equalizer),
		Karaoke:    ptr(c.Karaoke),
		Timescale:  ptr(c.Timescale),
		Tremolo:    ptr(c.Tremolo),
		Vibrato:    ptr(c.Vibrato),
		Rotation:   ptr(c.Rotation),
		Distortion: ptr(c.Distortion),
		ChannelMix: ptr(c.ChannelMix),
		LowPass:    ptr(c.LowPass),
	}
}
