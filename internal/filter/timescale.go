package filter

import (
	"math"

	"github.com/MrWong99/cadence/pkg/audio"
)

// Grain size of the overlap-add time stretcher, in frames. Hann windows at
// 50% overlap sum to one, so unchanged input passes at unity gain.
const (
	grain = 1024
	hop   = grain / 2
)

var hann = func() [grain]float32 {
	var w [grain]float32
	for i := range w {
		w[i] = float32(0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/grain))
	}
	return w
}()

// timescale stretches tempo without touching pitch, then resamples. With
// tempo = speed/pitch and ratio = pitch*rate the result plays speed*rate
// times as fast at pitch*rate times the original pitch.
type timescale struct {
	tempo float64
	rs    *audio.Resampler

	in    []float32 // pending input, interleaved
	inPos float64   // analysis position in frames relative to in[0]
	acc   [grain * 2]float32
}

func newTimescale(cfg Timescale) *timescale {
	rs := audio.NewResampler(audio.SampleRate, audio.SampleRate)
	rs.SetRatio(cfg.Pitch * cfg.Rate)
	return &timescale{tempo: cfg.Speed / cfg.Pitch, rs: rs}
}

func (s *timescale) process(buf []float32) []float32 {
	stretched := buf
	if s.tempo != 1 {
		stretched = s.stretch(buf)
	}
	return s.rs.Process(stretched)
}

func (s *timescale) stretch(buf []float32) []float32 {
	s.in = append(s.in, buf...)
	var out []float32
	for int(s.inPos)+grain <= len(s.in)/2 {
		start := int(s.inPos) * 2
		for i := range grain {
			w := hann[i]
			s.acc[2*i] += s.in[start+2*i] * w
			s.acc[2*i+1] += s.in[start+2*i+1] * w
		}
		out = append(out, s.acc[:hop*2]...)
		copy(s.acc[:], s.acc[hop*2:])
		clear(s.acc[hop*2:])
		s.inPos += hop * s.tempo
	}
	if drop := int(s.inPos); drop > 0 {
		drop = min(drop, len(s.in)/2)
		s.in = append(s.in[:0], s.in[drop*2:]...)
		s.inPos -= float64(drop)
	}
	return out
}

func (s *timescale) reset() {
	s.in = s.in[:0]
	s.inPos = 0
	s.acc = [grain * 2]float32{}
	s.rs.Reset()
}
