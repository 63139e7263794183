package filter

import (
	"encoding/json"
	"math"
	"slices"
	"sync"
	"testing"

	"github.com/MrWong99/cadence/internal/fault"
	"github.com/MrWong99/cadence/pkg/audio"
)

func f(v float64) *float64 { return &v }

// tone returns n frames of a stereo sine at hz.
func tone(n int, hz float64) []float32 {
	buf := make([]float32, n*2)
	for i := range n {
		v := float32(0.5 * math.Sin(2*math.Pi*hz*float64(i)/audio.SampleRate))
		buf[2*i], buf[2*i+1] = v, v
	}
	return buf
}

func rms(buf []float32) float64 {
	var sum float64
	for _, v := range buf {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum / float64(len(buf)))
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := []Config{
		{},
		{Volume: f(0)},
		{Volume: f(MaxVolume)},
		{Equalizer: []Band{{Band: 0, Gain: -12}, {Band: 14, Gain: 12}}},
		{Timescale: &Timescale{Speed: 1.2, Pitch: 1, Rate: 1}},
		{Tremolo: &Tremolo{Frequency: 2, Depth: 0.5}},
		{Vibrato: &Vibrato{Frequency: 14, Depth: 1}},
		{Karaoke: &Karaoke{Level: 1, MonoLevel: 1, FilterBand: 220, FilterWidth: 100}},
		{ChannelMix: &ChannelMix{LeftToLeft: 0.5, LeftToRight: 0.5, RightToLeft: 0.5, RightToRight: 0.5}},
		{LowPass: &LowPass{Smoothing: 1}},
		{Rotation: &Rotation{RotationHz: 0.2}},
		{Distortion: &Distortion{SinScale: 1, Scale: 1}},
	}
	for i, c := range valid {
		if err := c.Validate(); err != nil {
			t.Errorf("valid[%d]: %v", i, err)
		}
	}

	invalid := []Config{
		{Volume: f(-0.1)},
		{Volume: f(5.01)},
		{Volume: f(math.NaN())},
		{Equalizer: []Band{{Band: 15, Gain: 0}}},
		{Equalizer: []Band{{Band: 3, Gain: 12.5}}},
		{Equalizer: []Band{{Band: 3, Gain: 1}, {Band: 3, Gain: 2}}},
		{Timescale: &Timescale{Speed: 0, Pitch: 1, Rate: 1}},
		{Timescale: &Timescale{Speed: 1, Pitch: 1, Rate: 4.5}},
		{Tremolo: &Tremolo{Frequency: 0, Depth: 0.5}},
		{Tremolo: &Tremolo{Frequency: 2, Depth: 1.5}},
		{Vibrato: &Vibrato{Frequency: 15, Depth: 0.5}},
		{Karaoke: &Karaoke{Level: 2, MonoLevel: 1, FilterBand: 220, FilterWidth: 100}},
		{Karaoke: &Karaoke{Level: 1, MonoLevel: 1, FilterBand: 0, FilterWidth: 100}},
		{ChannelMix: &ChannelMix{LeftToLeft: 1.1}},
		{LowPass: &LowPass{Smoothing: 0.5}},
		{Rotation: &Rotation{RotationHz: math.Inf(1)}},
		{Distortion: &Distortion{Scale: math.NaN()}},
	}
	for i, c := range invalid {
		err := c.Validate()
		if !fault.Is(err, fault.KindInvalidParameter) {
			t.Errorf("invalid[%d]: err = %v, want invalidParameter", i, err)
		}
	}
}

func TestConfigure_RejectsWithoutChangingState(t *testing.T) {
	t.Parallel()

	c := NewChain()
	if err := c.Configure(Config{Volume: f(0.5)}); err != nil {
		t.Fatal(err)
	}
	if err := c.Configure(Config{Volume: f(9)}); err == nil {
		t.Fatal("out of range volume accepted")
	}
	if got := *c.Config().Volume; got != 0.5 {
		t.Errorf("volume after rejected update = %v, want 0.5 (no clamping)", got)
	}
}

func TestEnabled_FixedOrder(t *testing.T) {
	t.Parallel()

	c := Config{
		Volume:    f(1),
		LowPass:   &LowPass{Smoothing: 2},
		Timescale: &Timescale{Speed: 1, Pitch: 1, Rate: 1},
		Equalizer: []Band{{Band: 1, Gain: 3}},
	}
	want := []Kind{KindTimescale, KindEqualizer, KindLowPass, KindVolume}
	if got := c.Enabled(); !slices.Equal(got, want) {
		t.Errorf("Enabled() = %v, want %v", got, want)
	}
}

func TestProcess_OrderIsByKind(t *testing.T) {
	t.Parallel()

	// Volume runs after channel mix whatever order the client wrote them
	// in, so the result is left*2 routed right then doubled: 0 and 1.
	var cfg Config
	if err := json.Unmarshal([]byte(`{"volume":2,"channelMix":{"leftToLeft":0,"leftToRight":1,"rightToLeft":0,"rightToRight":0}}`), &cfg); err != nil {
		t.Fatal(err)
	}
	c := NewChain()
	if err := c.Configure(cfg); err != nil {
		t.Fatal(err)
	}
	out := c.Process([]float32{0.5, 0.25})
	if out[0] != 0 || out[1] != 1 {
		t.Errorf("out = %v, want [0 1]", out)
	}
}

func TestProcess_EmptyChainIsIdentity(t *testing.T) {
	t.Parallel()

	in := tone(audio.FrameSize, 440)
	want := slices.Clone(in)
	out := NewChain().Process(in)
	if !slices.Equal(out, want) {
		t.Error("empty chain altered samples")
	}
}

func TestSetVolume(t *testing.T) {
	t.Parallel()

	c := NewChain()
	if err := c.SetVolume(1001); !fault.Is(err, fault.KindInvalidParameter) {
		t.Errorf("SetVolume(1001) = %v", err)
	}
	if err := c.SetVolume(-1); err == nil {
		t.Error("SetVolume(-1) accepted")
	}
	if err := c.SetVolume(50); err != nil {
		t.Fatal(err)
	}
	if c.Volume() != 50 {
		t.Errorf("Volume() = %d", c.Volume())
	}
	// Player volume is the last gain stage, after the volume filter.
	if err := c.Configure(Config{Volume: f(2)}); err != nil {
		t.Fatal(err)
	}
	out := c.Process([]float32{0.4, -0.4})
	if math.Abs(float64(out[0])-0.4) > 1e-6 || math.Abs(float64(out[1])+0.4) > 1e-6 {
		t.Errorf("out = %v, want [0.4 -0.4]", out)
	}
}

func TestEqualizer_BoostsBand(t *testing.T) {
	t.Parallel()

	c := NewChain()
	if err := c.Configure(Config{Equalizer: []Band{{Band: 8, Gain: 12}}}); err != nil {
		t.Fatal(err)
	}
	in := tone(audio.SampleRate/2, 1000)
	before := rms(in)
	after := rms(c.Process(in)[audio.SampleRate/4:])
	if ratio := after / before; ratio < 3 || ratio > 4.5 {
		t.Errorf("1 kHz gain ratio = %.2f, want about 4 (+12 dB)", ratio)
	}

	// A band far away leaves the tone alone.
	c2 := NewChain()
	_ = c2.Configure(Config{Equalizer: []Band{{Band: 0, Gain: 12}}})
	in = tone(audio.SampleRate/2, 4000)
	after = rms(c2.Process(slices.Clone(in))[audio.SampleRate/4:])
	if ratio := after / rms(in); math.Abs(ratio-1) > 0.05 {
		t.Errorf("4 kHz ratio with 25 Hz boost = %.3f, want 1", ratio)
	}
}

func TestTremolo_ModulatesAmplitude(t *testing.T) {
	t.Parallel()

	c := NewChain()
	_ = c.Configure(Config{Tremolo: &Tremolo{Frequency: 4, Depth: 1}})
	n := audio.SampleRate
	in := make([]float32, n*2)
	for i := range in {
		in[i] = 1
	}
	out := c.Process(in)
	lo, hi := float32(1), float32(0)
	for _, v := range out {
		lo, hi = min(lo, v), max(hi, v)
	}
	if lo > 0.01 || hi < 0.99 {
		t.Errorf("tremolo range = [%v, %v], want about [0, 1]", lo, hi)
	}
}

func TestLowPass_AttenuatesHighs(t *testing.T) {
	t.Parallel()

	c := NewChain()
	_ = c.Configure(Config{LowPass: &LowPass{Smoothing: 20}})
	high := tone(audio.SampleRate/10, 8000)
	if r := rms(c.Process(slices.Clone(high))) / rms(high); r > 0.2 {
		t.Errorf("8 kHz ratio = %.3f, want heavy attenuation", r)
	}
}

func TestKaraoke_RemovesCentre(t *testing.T) {
	t.Parallel()

	c := NewChain()
	_ = c.Configure(Config{Karaoke: &Karaoke{Level: 1, MonoLevel: 1, FilterBand: 220, FilterWidth: 100}})
	centre := tone(audio.SampleRate/5, 3000)
	before := rms(centre)
	after := rms(c.Process(centre)[audio.SampleRate/10:])
	if after > before*0.3 {
		t.Errorf("centred 3 kHz kept %.2f of its level", after/before)
	}
}

func TestTimescale_ChangesLength(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ts   Timescale
		want float64 // output/input length ratio
	}{
		{"speed", Timescale{Speed: 2, Pitch: 1, Rate: 1}, 0.5},
		{"rate", Timescale{Speed: 1, Pitch: 1, Rate: 2}, 0.5},
		{"slow", Timescale{Speed: 0.5, Pitch: 1, Rate: 1}, 2},
		{"pitch only", Timescale{Speed: 1, Pitch: 1.5, Rate: 1}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := NewChain()
			if err := c.Configure(Config{Timescale: &tt.ts}); err != nil {
				t.Fatal(err)
			}
			var in, out int
			for range 200 {
				block := tone(audio.FrameSize, 440)
				in += len(block)
				out += len(c.Process(block))
			}
			got := float64(out) / float64(in)
			if math.Abs(got-tt.want) > 0.03 {
				t.Errorf("length ratio = %.3f, want %.2f", got, tt.want)
			}
		})
	}
}

func TestConfigure_KeepsUnchangedStageState(t *testing.T) {
	t.Parallel()

	c := NewChain()
	lp := &LowPass{Smoothing: 10}
	_ = c.Configure(Config{LowPass: lp})
	c.Process([]float32{1, 1})
	before := c.stages[KindLowPass]

	_ = c.Configure(Config{LowPass: lp, Volume: f(1)})
	if c.stages[KindLowPass] != before {
		t.Error("unchanged low pass stage was rebuilt")
	}
	_ = c.Configure(Config{LowPass: &LowPass{Smoothing: 11}})
	if c.stages[KindLowPass] == before {
		t.Error("changed low pass stage was reused")
	}
	if _, ok := c.stages[KindVolume]; ok {
		t.Error("removed volume stage still active")
	}
}

func TestReset_ClearsState(t *testing.T) {
	t.Parallel()

	c := NewChain()
	_ = c.Configure(Config{LowPass: &LowPass{Smoothing: 4}})
	c.Process([]float32{1, 1, 1, 1})
	c.Reset()
	out := c.Process([]float32{0, 0})
	if out[0] != 0 || out[1] != 0 {
		t.Errorf("state survived reset: %v", out)
	}
}

func TestChain_ConcurrentConfigure(t *testing.T) {
	t.Parallel()

	c := NewChain()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := range 200 {
			_ = c.Configure(Config{Volume: f(float64(i%5) / 2)})
		}
	}()
	go func() {
		defer wg.Done()
		for range 200 {
			c.Process(tone(audio.FrameSize, 440))
		}
	}()
	wg.Wait()
}
