// Package filter implements the DSP chain applied between decode and encode.
//
// A [Chain] holds one optional stage per filter kind and always runs them in
// the order of [Kinds], whatever order the client listed them in. Stages
// operate on canonical interleaved stereo float32 blocks. Timescale changes
// the number of samples in a block, so everything after it is driven by the
// output length.
package filter

import (
	"errors"
	"fmt"
	"math"

	"github.com/MrWong99/cadence/internal/fault"
)

// Kind names a filter. Its string form is the JSON key clients use.
type Kind string

const (
	KindTimescale  Kind = "timescale"
	KindEqualizer  Kind = "equalizer"
	KindKaraoke    Kind = "karaoke"
	KindTremolo    Kind = "tremolo"
	KindVibrato    Kind = "vibrato"
	KindRotation   Kind = "rotation"
	KindDistortion Kind = "distortion"
	KindChannelMix Kind = "channelMix"
	KindLowPass    Kind = "lowPass"
	KindVolume     Kind = "volume"
)

// Kinds lists every filter in processing order.
var Kinds = []Kind{
	KindTimescale, KindEqualizer, KindKaraoke, KindTremolo, KindVibrato,
	KindRotation, KindDistortion, KindChannelMix, KindLowPass, KindVolume,
}

// Bands is the number of equalizer bands.
const Bands = 15

// BandFrequencies are the centre frequencies of the equalizer bands in Hz.
var BandFrequencies = [Bands]float64{
	25, 40, 63, 100, 160, 250, 400, 630, 1000, 1600, 2500, 4000, 6300, 10000, 16000,
}

// MaxBandGain bounds equalizer gains in dB, in both directions.
const MaxBandGain = 12.0

// MaxVolume bounds the volume filter multiplier.
const MaxVolume = 5.0

// Config is the complete filter configuration of one player. A nil field
// disables that filter.
type Config struct {
	Volume     *float64    `json:"volume,omitempty"`
	Equalizer  []Band      `json:"equalizer,omitempty"`
	Karaoke    *Karaoke    `json:"karaoke,omitempty"`
	Timescale  *Timescale  `json:"timescale,omitempty"`
	Tremolo    *Tremolo    `json:"tremolo,omitempty"`
	Vibrato    *Vibrato    `json:"vibrato,omitempty"`
	Rotation   *Rotation   `json:"rotation,omitempty"`
	Distortion *Distortion `json:"distortion,omitempty"`
	ChannelMix *ChannelMix `json:"channelMix,omitempty"`
	LowPass    *LowPass    `json:"lowPass,omitempty"`
}

// Band sets the gain of one equalizer band.
type Band struct {
	Band int     `json:"band"`
	Gain float64 `json:"gain"` // dB
}

// Karaoke attenuates centre-panned content outside a protected band.
type Karaoke struct {
	Level       float64 `json:"level"`
	MonoLevel   float64 `json:"monoLevel"`
	FilterBand  float64 `json:"filterBand"`  // Hz
	FilterWidth float64 `json:"filterWidth"` // Hz
}

// Timescale changes playback speed, pitch and rate. Speed changes tempo
// only, pitch changes pitch only, rate changes both.
type Timescale struct {
	Speed float64 `json:"speed"`
	Pitch float64 `json:"pitch"`
	Rate  float64 `json:"rate"`
}

// Tremolo modulates amplitude.
type Tremolo struct {
	Frequency float64 `json:"frequency"`
	Depth     float64 `json:"depth"`
}

// Vibrato modulates pitch.
type Vibrato struct {
	Frequency float64 `json:"frequency"`
	Depth     float64 `json:"depth"`
}

// Rotation pans the signal around the stereo field.
type Rotation struct {
	RotationHz float64 `json:"rotationHz"`
}

// Distortion shapes each sample with sine, cosine and tangent terms. A term
// takes part when its scale or offset is non-zero.
type Distortion struct {
	SinOffset float64 `json:"sinOffset"`
	SinScale  float64 `json:"sinScale"`
	CosOffset float64 `json:"cosOffset"`
	CosScale  float64 `json:"cosScale"`
	TanOffset float64 `json:"tanOffset"`
	TanScale  float64 `json:"tanScale"`
	Offset    float64 `json:"offset"`
	Scale     float64 `json:"scale"`
}

// ChannelMix routes each input channel into both outputs.
type ChannelMix struct {
	LeftToLeft   float64 `json:"leftToLeft"`
	LeftToRight  float64 `json:"leftToRight"`
	RightToLeft  float64 `json:"rightToLeft"`
	RightToRight float64 `json:"rightToRight"`
}

// LowPass suppresses high frequencies; larger smoothing cuts more.
type LowPass struct {
	Smoothing float64 `json:"smoothing"`
}

// Enabled returns the kinds set in c, in processing order.
func (c Config) Enabled() []Kind {
	set := map[Kind]bool{
		KindVolume:     c.Volume != nil,
		KindEqualizer:  len(c.Equalizer) > 0,
		KindKaraoke:    c.Karaoke != nil,
		KindTimescale:  c.Timescale != nil,
		KindTremolo:    c.Tremolo != nil,
		KindVibrato:    c.Vibrato != nil,
		KindRotation:   c.Rotation != nil,
		KindDistortion: c.Distortion != nil,
		KindChannelMix: c.ChannelMix != nil,
		KindLowPass:    c.LowPass != nil,
	}
	var out []Kind
	for _, k := range Kinds {
		if set[k] {
			out = append(out, k)
		}
	}
	return out
}

// Validate checks every parameter and reports all violations at once. Out of
// range values are rejected, never clamped.
func (c Config) Validate() error {
	var errs []error
	bad := func(k Kind, field string, v float64, want string) {
		errs = append(errs, fmt.Errorf("%s.%s = %v: must be %s", k, field, v, want))
	}
	finite := func(k Kind, field string, v float64) bool {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			bad(k, field, v, "finite")
			return false
		}
		return true
	}

	if c.Volume != nil {
		if v := *c.Volume; finite(KindVolume, "volume", v) && (v < 0 || v > MaxVolume) {
			bad(KindVolume, "volume", v, fmt.Sprintf("in [0, %v]", MaxVolume))
		}
	}

	seen := make(map[int]bool, len(c.Equalizer))
	for _, b := range c.Equalizer {
		if b.Band < 0 || b.Band >= Bands {
			errs = append(errs, fmt.Errorf("equalizer.band = %d: must be in [0, %d]", b.Band, Bands-1))
			continue
		}
		if seen[b.Band] {
			errs = append(errs, fmt.Errorf("equalizer.band = %d: listed twice", b.Band))
		}
		seen[b.Band] = true
		if finite(KindEqualizer, "gain", b.Gain) && math.Abs(b.Gain) > MaxBandGain {
			bad(KindEqualizer, "gain", b.Gain, fmt.Sprintf("in [-%v, %v] dB", MaxBandGain, MaxBandGain))
		}
	}

	if k := c.Karaoke; k != nil {
		for field, v := range map[string]float64{"level": k.Level, "monoLevel": k.MonoLevel} {
			if finite(KindKaraoke, field, v) && (v < 0 || v > 1) {
				bad(KindKaraoke, field, v, "in [0, 1]")
			}
		}
		if finite(KindKaraoke, "filterBand", k.FilterBand) && (k.FilterBand <= 0 || k.FilterBand >= 24000) {
			bad(KindKaraoke, "filterBand", k.FilterBand, "in (0, 24000) Hz")
		}
		if finite(KindKaraoke, "filterWidth", k.FilterWidth) && k.FilterWidth <= 0 {
			bad(KindKaraoke, "filterWidth", k.FilterWidth, "positive")
		}
	}

	if t := c.Timescale; t != nil {
		for field, v := range map[string]float64{"speed": t.Speed, "pitch": t.Pitch, "rate": t.Rate} {
			if finite(KindTimescale, field, v) && (v <= 0 || v > 4) {
				bad(KindTimescale, field, v, "in (0, 4]")
			}
		}
	}

	if t := c.Tremolo; t != nil {
		if finite(KindTremolo, "frequency", t.Frequency) && t.Frequency <= 0 {
			bad(KindTremolo, "frequency", t.Frequency, "positive")
		}
		if finite(KindTremolo, "depth", t.Depth) && (t.Depth <= 0 || t.Depth > 1) {
			bad(KindTremolo, "depth", t.Depth, "in (0, 1]")
		}
	}

	if v := c.Vibrato; v != nil {
		if finite(KindVibrato, "frequency", v.Frequency) && (v.Frequency <= 0 || v.Frequency > 14) {
			bad(KindVibrato, "frequency", v.Frequency, "in (0, 14]")
		}
		if finite(KindVibrato, "depth", v.Depth) && (v.Depth <= 0 || v.Depth > 1) {
			bad(KindVibrato, "depth", v.Depth, "in (0, 1]")
		}
	}

	if r := c.Rotation; r != nil {
		finite(KindRotation, "rotationHz", r.RotationHz)
	}

	if d := c.Distortion; d != nil {
		for field, v := range map[string]float64{
			"sinOffset": d.SinOffset, "sinScale": d.SinScale,
			"cosOffset": d.CosOffset, "cosScale": d.CosScale,
			"tanOffset": d.TanOffset, "tanScale": d.TanScale,
			"offset": d.Offset, "scale": d.Scale,
		} {
			finite(KindDistortion, field, v)
		}
	}

	if m := c.ChannelMix; m != nil {
		for field, v := range map[string]float64{
			"leftToLeft": m.LeftToLeft, "leftToRight": m.LeftToRight,
			"rightToLeft": m.RightToLeft, "rightToRight": m.RightToRight,
		} {
			if finite(KindChannelMix, field, v) && (v < 0 || v > 1) {
				bad(KindChannelMix, field, v, "in [0, 1]")
			}
		}
	}

	if l := c.LowPass; l != nil {
		if finite(KindLowPass, "smoothing", l.Smoothing) && l.Smoothing < 1 {
			bad(KindLowPass, "smoothing", l.Smoothing, "at least 1")
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fault.New(fault.KindInvalidParameter, "filter: configure", err)
	}
	return nil
}
