package filter

import (
	"math"

	"github.com/MrWong99/cadence/pkg/audio"
)

// stage transforms one interleaved stereo block. Stages other than timescale
// work in place and return their input.
type stage interface {
	process(buf []float32) []float32
	reset()
}

const sampleRate = float64(audio.SampleRate)

// ─── volume ──────────────────────────────────────────────────────────────────

type gain struct{ g float32 }

func (s *gain) process(buf []float32) []float32 {
	for i := range buf {
		buf[i] *= s.g
	}
	return buf
}

func (s *gain) reset() {}

// ─── equalizer ───────────────────────────────────────────────────────────────

// biquad is a peaking filter in transposed direct form II, one state pair
// per channel.
type biquad struct {
	b0, b1, b2, a1, a2 float64
	z1, z2             [2]float64
}

// peaking returns an RBJ cookbook peaking filter.
func peaking(freq, gainDB, q float64) *biquad {
	a := math.Pow(10, gainDB/40)
	w := 2 * math.Pi * freq / sampleRate
	alpha := math.Sin(w) / (2 * q)
	cos := math.Cos(w)
	a0 := 1 + alpha/a
	return &biquad{
		b0: (1 + alpha*a) / a0,
		b1: -2 * cos / a0,
		b2: (1 - alpha*a) / a0,
		a1: -2 * cos / a0,
		a2: (1 - alpha/a) / a0,
	}
}

// bandpass returns an RBJ cookbook band-pass filter with 0 dB peak gain.
func bandpass(freq, width float64) *biquad {
	q := freq / width
	w := 2 * math.Pi * freq / sampleRate
	alpha := math.Sin(w) / (2 * q)
	a0 := 1 + alpha
	return &biquad{
		b0: alpha / a0,
		b2: -alpha / a0,
		a1: -2 * math.Cos(w) / a0,
		a2: (1 - alpha) / a0,
	}
}

func (f *biquad) step(ch int, x float64) float64 {
	y := f.b0*x + f.z1[ch]
	f.z1[ch] = f.b1*x - f.a1*y + f.z2[ch]
	f.z2[ch] = f.b2*x - f.a2*y
	return y
}

func (f *biquad) reset() { f.z1, f.z2 = [2]float64{}, [2]float64{} }

type equalizer struct{ bands []*biquad }

func newEqualizer(bands []Band) *equalizer {
	eq := &equalizer{}
	for _, b := range bands {
		if b.Gain != 0 {
			eq.bands = append(eq.bands, peaking(BandFrequencies[b.Band], b.Gain, math.Sqrt2))
		}
	}
	return eq
}

func (s *equalizer) process(buf []float32) []float32 {
	for i := 0; i+1 < len(buf); i += 2 {
		l, r := float64(buf[i]), float64(buf[i+1])
		for _, f := range s.bands {
			l = f.step(0, l)
			r = f.step(1, r)
		}
		buf[i], buf[i+1] = float32(l), float32(r)
	}
	return buf
}

func (s *equalizer) reset() {
	for _, f := range s.bands {
		f.reset()
	}
}

// ─── karaoke ─────────────────────────────────────────────────────────────────

type karaoke struct {
	cfg  Karaoke
	band *biquad
}

func newKaraoke(cfg Karaoke) *karaoke {
	return &karaoke{cfg: cfg, band: bandpass(cfg.FilterBand, cfg.FilterWidth)}
}

func (s *karaoke) process(buf []float32) []float32 {
	for i := 0; i+1 < len(buf); i += 2 {
		l, r := float64(buf[i]), float64(buf[i+1])
		centre := (l + r) / 2
		keep := s.band.step(0, centre)
		removed := s.cfg.Level * (s.cfg.MonoLevel*centre - keep)
		buf[i], buf[i+1] = float32(l-removed), float32(r-removed)
	}
	return buf
}

func (s *karaoke) reset() { s.band.reset() }

// ─── tremolo ─────────────────────────────────────────────────────────────────

// oscillator is a phase accumulator in cycles.
type oscillator struct {
	step  float64
	phase float64
}

func newOscillator(hz float64) oscillator { return oscillator{step: hz / sampleRate} }

// next returns sin of the current phase and advances by one sample.
func (o *oscillator) next() float64 {
	v := math.Sin(2 * math.Pi * o.phase)
	o.phase += o.step
	if o.phase >= 1 {
		o.phase -= math.Floor(o.phase)
	}
	return v
}

type tremolo struct {
	depth float64
	osc   oscillator
}

func (s *tremolo) process(buf []float32) []float32 {
	for i := 0; i+1 < len(buf); i += 2 {
		g := float32(1 - s.depth*(0.5+0.5*s.osc.next()))
		buf[i] *= g
		buf[i+1] *= g
	}
	return buf
}

func (s *tremolo) reset() { s.osc.phase = 0 }

// ─── vibrato ─────────────────────────────────────────────────────────────────

// maxVibratoDelay is the delay swing at depth 1, in samples (2 ms).
const maxVibratoDelay = 96

type vibrato struct {
	depth float64
	osc   oscillator
	line  [2][]float64
	pos   int
}

func newVibrato(cfg Vibrato) *vibrato {
	n := maxVibratoDelay + 2
	return &vibrato{
		depth: cfg.Depth,
		osc:   newOscillator(cfg.Frequency),
		line:  [2][]float64{make([]float64, n), make([]float64, n)},
	}
}

func (s *vibrato) process(buf []float32) []float32 {
	n := len(s.line[0])
	for i := 0; i+1 < len(buf); i += 2 {
		delay := 1 + s.depth*maxVibratoDelay*(0.5+0.5*s.osc.next())
		for ch := range 2 {
			s.line[ch][s.pos] = float64(buf[i+ch])
			read := float64(s.pos) - delay
			if read < 0 {
				read += float64(n)
			}
			j := int(read)
			frac := read - float64(j)
			a := s.line[ch][j%n]
			b := s.line[ch][(j+1)%n]
			buf[i+ch] = float32(a + (b-a)*frac)
		}
		s.pos = (s.pos + 1) % n
	}
	return buf
}

func (s *vibrato) reset() {
	clear(s.line[0])
	clear(s.line[1])
	s.pos, s.osc.phase = 0, 0
}

// ─── rotation ────────────────────────────────────────────────────────────────

type rotation struct{ osc oscillator }

func (s *rotation) process(buf []float32) []float32 {
	for i := 0; i+1 < len(buf); i += 2 {
		pan := s.osc.next() // -1 full left, 1 full right
		buf[i] *= float32((1 - pan) / 2)
		buf[i+1] *= float32((1 + pan) / 2)
	}
	return buf
}

func (s *rotation) reset() { s.osc.phase = 0 }

// ─── distortion ──────────────────────────────────────────────────────────────

type distortion struct{ cfg Distortion }

func (s *distortion) process(buf []float32) []float32 {
	d := s.cfg
	useSin := d.SinScale != 0 || d.SinOffset != 0
	useCos := d.CosScale != 0 || d.CosOffset != 0
	useTan := d.TanScale != 0 || d.TanOffset != 0
	for i, v := range buf {
		x := float64(v)
		m := 1.0
		if useSin {
			m *= d.SinOffset + math.Sin(x*d.SinScale)
		}
		if useCos {
			m *= d.CosOffset + math.Cos(x*d.CosScale)
		}
		if useTan {
			m *= d.TanOffset + math.Tan(x*d.TanScale)
		}
		buf[i] = float32(d.Offset + d.Scale*x*m)
	}
	return buf
}

func (s *distortion) reset() {}

// ─── channel mix ─────────────────────────────────────────────────────────────

type channelMix struct{ m ChannelMix }

func (s *channelMix) process(buf []float32) []float32 {
	ll, lr := float32(s.m.LeftToLeft), float32(s.m.LeftToRight)
	rl, rr := float32(s.m.RightToLeft), float32(s.m.RightToRight)
	for i := 0; i+1 < len(buf); i += 2 {
		l, r := buf[i], buf[i+1]
		buf[i] = l*ll + r*rl
		buf[i+1] = l*lr + r*rr
	}
	return buf
}

func (s *channelMix) reset() {}

// ─── low pass ────────────────────────────────────────────────────────────────

type lowPass struct {
	smoothing float32
	prev      [2]float32
}

func (s *lowPass) process(buf []float32) []float32 {
	for i := 0; i+1 < len(buf); i += 2 {
		for ch := range 2 {
			s.prev[ch] += (buf[i+ch] - s.prev[ch]) / s.smoothing
			buf[i+ch] = s.prev[ch]
		}
	}
	return buf
}

func (s *lowPass) reset() { s.prev = [2]float32{} }
