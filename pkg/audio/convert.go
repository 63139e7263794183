package audio

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Canonical is the format every source is converted to.
var Canonical = Format{SampleRate: SampleRate, Channels: Channels}

func (f Format) String() string { return formatString(f.SampleRate, f.Channels) }

// FormatConverter converts interleaved float32 PCM from a source format to
// [Canonical]. It keeps resampler state between calls, so one converter must
// be used per stream and not shared across goroutines.
type FormatConverter struct {
	From Format

	resampler      *Resampler
	warnedMismatch sync.Once
}

// Convert returns in converted to the canonical format. When the source
// format already matches, in is returned unchanged (zero allocation).
// Conversion order: channel mapping first, then resampling.
func (c *FormatConverter) Convert(in []float32) []float32 {
	if c.From == Canonical || len(in) == 0 {
		return in
	}

	c.warnedMismatch.Do(func() {
		slog.Debug("audio: converting source format",
			"from", c.From.String(),
			"to", Canonical.String(),
		)
	})

	pcm := in
	switch {
	case c.From.Channels == 1:
		pcm = MonoToStereo(pcm)
	case c.From.Channels > 2:
		pcm = Downmix(pcm, c.From.Channels)
	}

	if c.From.SampleRate != SampleRate && c.From.SampleRate > 0 {
		if c.resampler == nil {
			c.resampler = NewResampler(c.From.SampleRate, SampleRate)
		}
		pcm = c.resampler.Process(pcm)
	}
	return pcm
}

// Reset drops resampler state, e.g. after a seek.
func (c *FormatConverter) Reset() {
	if c.resampler != nil {
		c.resampler.Reset()
	}
}

// MonoToStereo duplicates each mono sample into an L+R pair.
func MonoToStereo(pcm []float32) []float32 {
	out := make([]float32, len(pcm)*2)
	for i, s := range pcm {
		out[i*2] = s
		out[i*2+1] = s
	}
	return out
}

// StereoToMono averages each L+R pair.
func StereoToMono(pcm []float32) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = (pcm[i*2] + pcm[i*2+1]) / 2
	}
	return out
}

// Downmix keeps the first two channels of interleaved multi-channel PCM.
// Extra channels are folded equally into both sides.
func Downmix(pcm []float32, channels int) []float32 {
	if channels <= 2 {
		return pcm
	}
	frames := len(pcm) / channels
	out := make([]float32, frames*2)
	extraGain := float32(1) / float32(channels-1)
	for i := range frames {
		base := i * channels
		l, r := pcm[base], pcm[base+1]
		var rest float32
		for c := 2; c < channels; c++ {
			rest += pcm[base+c]
		}
		out[i*2] = Clamp(l + rest*extraGain)
		out[i*2+1] = Clamp(r + rest*extraGain)
	}
	return out
}

// Resampler converts interleaved stereo float32 PCM between sample rates
// using linear interpolation. Unlike a one-shot resample it carries the last
// input frame and the fractional read position across calls, so consecutive
// blocks join without clicks.
type Resampler struct {
	ratio float64 // input frames consumed per output frame

	pos        float64 // read position relative to prev, in input frames
	prevL      float32
	prevR      float32
	havePrev   bool
	scratchOut []float32
}

// NewResampler returns a resampler from srcRate to dstRate.
func NewResampler(srcRate, dstRate int) *Resampler {
	return &Resampler{ratio: float64(srcRate) / float64(dstRate)}
}

// SetRatio changes the conversion ratio (input frames per output frame). It
// is used by the timescale filter where the ratio is not derived from rates.
func (r *Resampler) SetRatio(ratio float64) {
	if ratio > 0 {
		r.ratio = ratio
	}
}

// Ratio returns the current input/output frame ratio.
func (r *Resampler) Ratio() float64 { return r.ratio }

// Reset drops all carried state.
func (r *Resampler) Reset() {
	r.pos = 0
	r.havePrev = false
	r.prevL, r.prevR = 0, 0
}

// Process resamples one block. The returned slice is owned by the caller.
func (r *Resampler) Process(in []float32) []float32 {
	frames := len(in) / 2
	if frames == 0 {
		return nil
	}
	if r.ratio == 1 {
		out := make([]float32, frames*2)
		copy(out, in)
		return out
	}

	// Virtual input: [prev, in[0], in[1], ...]; index 0 is prev when present.
	offset := 0
	if r.havePrev {
		offset = 1
	}
	total := frames + offset
	sample := func(idx, ch int) float32 {
		if r.havePrev {
			if idx == 0 {
				if ch == 0 {
					return r.prevL
				}
				return r.prevR
			}
			idx--
		}
		return in[idx*2+ch]
	}

	out := r.scratchOut[:0]
	for r.pos+1 < float64(total) {
		i := int(r.pos)
		frac := float32(r.pos - float64(i))
		for ch := range 2 {
			a := sample(i, ch)
			b := sample(i+1, ch)
			out = append(out, a+(b-a)*frac)
		}
		r.pos += r.ratio
	}

	// Keep the last input frame as the next block's prev.
	r.prevL = in[(frames-1)*2]
	r.prevR = in[(frames-1)*2+1]
	r.pos -= float64(total - 1)
	if r.pos < 0 {
		r.pos = 0
	}
	r.havePrev = true

	result := make([]float32, len(out))
	copy(result, out)
	r.scratchOut = out[:0]
	return result
}

// Clamp limits s to [-1, 1].
func Clamp(s float32) float32 {
	if s > 1 {
		return 1
	}
	if s < -1 {
		return -1
	}
	return s
}

// Int16ToFloat converts int16 PCM into dst, which must be at least len(src).
func Int16ToFloat(dst []float32, src []int16) {
	for i, s := range src {
		dst[i] = float32(s) / 32768
	}
}

// FloatToInt16 converts float PCM to int16 with clamping into dst, which
// must be at least len(src).
func FloatToInt16(dst []int16, src []float32) {
	for i, s := range src {
		v := math.Round(float64(Clamp(s)) * 32767)
		dst[i] = int16(v)
	}
}

// BytesToFloat converts little-endian int16 PCM bytes into dst and returns
// the number of samples written. A trailing odd byte is ignored.
func BytesToFloat(dst []float32, b []byte) int {
	n := min(len(b)/2, len(dst))
	for i := range n {
		v := int16(b[i*2]) | int16(b[i*2+1])<<8
		dst[i] = float32(v) / 32768
	}
	return n
}

// formatString returns a human-readable format label like "48000Hz/stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	switch channels {
	case 2:
		ch = "stereo"
	case 1:
	default:
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz/%s", rate, ch)
}
