package decode

import (
	"errors"
	"fmt"
	"io"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	gomp3 "github.com/hajimehoshi/go-mp3"
	"github.com/jfreymuth/oggvorbis"

	"github.com/MrWong99/cadence/pkg/audio"
	"github.com/MrWong99/cadence/pkg/source"
)

// ─── MP3 ──────────────────────────────────────────────────────────────────────

// go-mp3 always emits 16-bit little-endian stereo.
const mp3BytesPerFrame = 4

type mp3Decoder struct {
	dec *gomp3.Decoder
	buf []byte
}

func openMP3(f *os.File) (source.Decoder, error) {
	dec, err := gomp3.NewDecoder(f)
	if err != nil {
		return nil, source.Corrupt("mp3 header", err)
	}
	return &mp3Decoder{dec: dec}, nil
}

func (d *mp3Decoder) Format() audio.Format {
	return audio.Format{SampleRate: d.dec.SampleRate(), Channels: 2}
}

func (d *mp3Decoder) Read(dst []float32) (int, error) {
	need := len(dst) * 2
	if cap(d.buf) < need {
		d.buf = make([]byte, need)
	}
	n, err := io.ReadFull(d.dec, d.buf[:need])
	n -= n % mp3BytesPerFrame
	got := audio.BytesToFloat(dst, d.buf[:n])
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		if got > 0 {
			return got, nil
		}
		return 0, io.EOF
	case err != nil:
		return got, source.Corrupt("mp3 frame", err)
	}
	return got, nil
}

func (d *mp3Decoder) Length() int64 {
	if l := d.dec.Length(); l > 0 {
		return l / mp3BytesPerFrame
	}
	return 0
}

func (d *mp3Decoder) SeekFrame(frame int64) error {
	_, err := d.dec.Seek(frame*mp3BytesPerFrame, io.SeekStart)
	return err
}

// ─── Ogg Vorbis ───────────────────────────────────────────────────────────────

type vorbisDecoder struct {
	r      *oggvorbis.Reader
	length int64
}

func openVorbis(f *os.File) (source.Decoder, error) {
	r, err := oggvorbis.NewReader(f)
	if err != nil {
		return nil, source.Corrupt("vorbis header", err)
	}
	return &vorbisDecoder{r: r, length: r.Length()}, nil
}

func (d *vorbisDecoder) Format() audio.Format {
	return audio.Format{SampleRate: d.r.SampleRate(), Channels: d.r.Channels()}
}

func (d *vorbisDecoder) Read(dst []float32) (int, error) {
	n, err := d.r.Read(dst)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, source.Corrupt("vorbis packet", err)
	}
	return n, err
}

func (d *vorbisDecoder) Length() int64 { return max(d.length, 0) }

func (d *vorbisDecoder) SeekFrame(frame int64) error {
	return d.r.SetPosition(frame)
}

// ─── WAV ──────────────────────────────────────────────────────────────────────

type wavDecoder struct {
	f        *os.File
	dec      *wav.Decoder
	format   audio.Format
	depth    int
	frames   int64
	buf      *goaudio.IntBuffer
	position int64
}

func openWAV(f *os.File) (source.Decoder, error) {
	d := &wavDecoder{f: f}
	if err := d.reset(); err != nil {
		return nil, err
	}
	return d, nil
}

// reset rewinds the file and parses the header again.
func (d *wavDecoder) reset() error {
	if _, err := d.f.Seek(0, io.SeekStart); err != nil {
		return source.IOFailure("wav rewind", err)
	}
	dec := wav.NewDecoder(d.f)
	if !dec.IsValidFile() {
		return source.Corrupt("wav header", errors.New("not a RIFF/WAVE file"))
	}
	if dec.WavAudioFormat != 1 {
		return source.UnsupportedCodec("wav header", fmt.Errorf("audio format %d is not PCM", dec.WavAudioFormat))
	}
	if err := dec.FwdToPCM(); err != nil {
		return source.Corrupt("wav data chunk", err)
	}
	depth := int(dec.BitDepth)
	switch depth {
	case 8, 16, 24, 32:
	default:
		return source.UnsupportedCodec("wav header", fmt.Errorf("bit depth %d", depth))
	}
	channels := int(dec.NumChans)
	if channels <= 0 {
		return source.Corrupt("wav header", errors.New("zero channels"))
	}

	d.dec = dec
	d.depth = depth
	d.format = audio.Format{SampleRate: int(dec.SampleRate), Channels: channels}
	d.frames = int64(dec.PCMSize) / int64(channels*depth/8)
	d.buf = &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: int(dec.SampleRate)},
		SourceBitDepth: depth,
	}
	d.position = 0
	return nil
}

func (d *wavDecoder) Format() audio.Format { return d.format }

func (d *wavDecoder) Read(dst []float32) (int, error) {
	if cap(d.buf.Data) < len(dst) {
		d.buf.Data = make([]int, len(dst))
	}
	d.buf.Data = d.buf.Data[:len(dst)]
	n, err := d.dec.PCMBuffer(d.buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, source.Corrupt("wav samples", err)
	}
	if n == 0 {
		return 0, io.EOF
	}
	scale := float32(int64(1) << (d.depth - 1))
	for i, v := range d.buf.Data[:n] {
		if d.depth == 8 {
			// 8-bit WAV is unsigned.
			v -= 128
		}
		dst[i] = float32(v) / scale
	}
	d.position += int64(n / d.format.Channels)
	return n, nil
}

func (d *wavDecoder) Length() int64 { return d.frames }

// SeekFrame re-parses the header and discards samples up to frame. The
// go-audio decoder reads through a chunk reader that cannot be repositioned
// directly.
func (d *wavDecoder) SeekFrame(frame int64) error {
	if frame < d.position {
		if err := d.reset(); err != nil {
			return err
		}
	}
	scratch := make([]float32, 4096*d.format.Channels)
	for d.position < frame {
		want := min(int64(len(scratch)/d.format.Channels), frame-d.position)
		n, err := d.Read(scratch[:want*int64(d.format.Channels)])
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
	return nil
}
