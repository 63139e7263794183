// Package decode opens local audio files with pure-Go codecs and exposes
// them as seekable [source.Source] values.
//
// Supported containers are selected by file extension: MP3
// (hajimehoshi/go-mp3), Ogg Vorbis (jfreymuth/oggvorbis) and PCM WAV
// (go-audio/wav). Anything else should go through the ffmpeg transcoder.
package decode

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/MrWong99/cadence/pkg/source"
)

// ErrUnsupportedFormat is returned by [Open] for extensions without a codec.
var ErrUnsupportedFormat = errors.New("decode: unsupported format")

// opener builds a decoder over an open file.
type opener func(f *os.File) (source.Decoder, error)

var codecs = map[string]opener{
	".mp3":  openMP3,
	".ogg":  openVorbis,
	".oga":  openVorbis,
	".wav":  openWAV,
	".wave": openWAV,
}

// Supported reports whether path has an extension [Open] can decode.
func Supported(path string) bool {
	_, ok := codecs[strings.ToLower(filepath.Ext(path))]
	return ok
}

// Extensions returns the supported extensions, sorted.
func Extensions() []string {
	out := make([]string, 0, len(codecs))
	for ext := range codecs {
		out = append(out, ext)
	}
	slices.Sort(out)
	return out
}

// Open decodes the file at path. The returned source owns the file.
func Open(path string) (*source.Stream, error) {
	open, ok := codecs[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return nil, source.UnsupportedCodec("open", fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path)))
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, source.IOFailure("open", err)
	}
	dec, err := open(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return source.NewStream(dec, f), nil
}

// Info is the metadata [Probe] reports.
type Info struct {
	Duration time.Duration
	Seekable bool
}

// Probe opens path only long enough to read its format and length.
func Probe(path string) (Info, error) {
	s, err := Open(path)
	if err != nil {
		return Info{}, err
	}
	defer s.Close()
	return Info{Duration: s.Duration(), Seekable: s.Seekable()}, nil
}
