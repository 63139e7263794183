package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// maxOpusPacket bounds the encoded size of one 20 ms frame.
const maxOpusPacket = 4000

// Encoder turns one frame of canonical float PCM into a transport packet.
type Encoder interface {
	Encode(pcm []float32) ([]byte, error)
}

// OpusEncoder wraps a gopus encoder configured for 48 kHz stereo 20 ms
// frames. It is not safe for concurrent use; create one per scheduler.
type OpusEncoder struct {
	enc     *gopus.Encoder
	scratch []int16
}

// NewOpusEncoder creates an Opus encoder for the canonical format.
func NewOpusEncoder() (*OpusEncoder, error) {
	enc, err := gopus.NewEncoder(SampleRate, Channels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus encoder: %w", err)
	}
	return &OpusEncoder{enc: enc, scratch: make([]int16, FrameSamples)}, nil
}

// SetBitrate changes the target bitrate in bits per second.
func (e *OpusEncoder) SetBitrate(bps int) {
	e.enc.SetBitrate(bps)
}

// Encode encodes exactly [FrameSamples] interleaved samples.
func (e *OpusEncoder) Encode(pcm []float32) ([]byte, error) {
	if len(pcm) != FrameSamples {
		return nil, fmt.Errorf("audio: opus encode: got %d samples, want %d", len(pcm), FrameSamples)
	}
	FloatToInt16(e.scratch, pcm)
	out, err := e.enc.Encode(e.scratch, FrameSize, maxOpusPacket)
	if err != nil {
		return nil, fmt.Errorf("audio: opus encode: %w", err)
	}
	return out, nil
}
