// Package track defines the resolved track model shared by resolvers, the
// player and the wire protocol.
//
// A [Track] is immutable once resolved. Its Encoded form is an opaque,
// URL-safe string that clients can hand back to the node to replay the same
// track without resolving it again; [Decode] reverses it.
package track

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// encodingVersion is bumped whenever the encoded layout changes.
const encodingVersion = 1

// ErrMalformed is returned by [Decode] for strings that are not valid
// encoded tracks.
var ErrMalformed = errors.New("track: malformed encoded track")

// Info is the descriptive metadata of a track.
type Info struct {
	Identifier string `json:"identifier"`
	IsSeekable bool   `json:"isSeekable"`
	Author     string `json:"author"`
	// Length in milliseconds; 0 for streams.
	Length   int64 `json:"length"`
	IsStream bool  `json:"isStream"`
	// Position in milliseconds. Only meaningful on tracks reported by a
	// player; resolved tracks carry 0.
	Position   int64  `json:"position"`
	Title      string `json:"title"`
	URI        string `json:"uri,omitempty"`
	ArtworkURL string `json:"artworkUrl,omitempty"`
	SourceName string `json:"sourceName"`
}

// Track is a resolved, playable track reference.
type Track struct {
	Encoded string `json:"encoded"`
	Info    Info   `json:"info"`
}

// New builds a Track from info and computes its encoded form.
func New(info Info) Track {
	info.Position = 0
	return Track{Encoded: encode(info), Info: info}
}

// Duration returns the track length, or 0 for streams.
func (t Track) Duration() time.Duration {
	return time.Duration(t.Info.Length) * time.Millisecond
}

// WithPosition returns a copy of t reporting the given playback position.
func (t Track) WithPosition(pos time.Duration) Track {
	t.Info.Position = pos.Milliseconds()
	return t
}

// Same reports whether t and o refer to the same encoded track.
func (t Track) Same(o Track) bool { return t.Encoded != "" && t.Encoded == o.Encoded }

type envelope struct {
	V    int  `json:"v"`
	Info Info `json:"info"`
}

func encode(info Info) string {
	// Info holds only strings, numbers and bools; Marshal cannot fail.
	b, _ := json.Marshal(envelope{V: encodingVersion, Info: info})
	return base64.RawURLEncoding.EncodeToString(b)
}

// Decode parses an encoded track produced by [New].
func Decode(encoded string) (Track, error) {
	if encoded == "" {
		return Track{}, fmt.Errorf("%w: empty", ErrMalformed)
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return Track{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Track{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if env.V != encodingVersion {
		return Track{}, fmt.Errorf("%w: unsupported version %d", ErrMalformed, env.V)
	}
	if env.Info.Identifier == "" || env.Info.SourceName == "" {
		return Track{}, fmt.Errorf("%w: missing identifier or source name", ErrMalformed)
	}
	return Track{Encoded: encoded, Info: env.Info}, nil
}
