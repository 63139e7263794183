package track

import (
	"encoding/json"
	"fmt"
)

// LoadType tags the variant held by a [LoadResult].
type LoadType string

const (
	LoadTrack    LoadType = "track"
	LoadPlaylist LoadType = "playlist"
	LoadSearch   LoadType = "search"
	LoadEmpty    LoadType = "empty"
	LoadError    LoadType = "error"
)

// Severity classifies load failures and track exceptions.
type Severity string

const (
	// SeverityCommon is a cause outside the node's control, such as an
	// unavailable video.
	SeverityCommon Severity = "common"
	// SeveritySuspicious is an unexpected upstream failure.
	SeveritySuspicious Severity = "suspicious"
	// SeverityFault is a problem within the node itself.
	SeverityFault Severity = "fault"
)

// Exception describes why a load or playback failed.
type Exception struct {
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
	Cause    string   `json:"cause"`
	// Kind is the machine-readable error kind, e.g. "upstreamUnavailable".
	Kind string `json:"kind,omitempty"`
}

// PlaylistInfo describes a playlist result.
type PlaylistInfo struct {
	Name string `json:"name"`
	// SelectedTrack is the index of the selected track, or -1.
	SelectedTrack int `json:"selectedTrack"`
}

// Playlist is an ordered set of tracks.
type Playlist struct {
	Info   PlaylistInfo `json:"info"`
	Tracks []Track      `json:"tracks"`
}

// LoadResult is the outcome of resolving a query. Exactly one payload field
// matching Type is set.
type LoadResult struct {
	Type      LoadType
	Track     *Track
	Playlist  *Playlist
	Tracks    []Track
	Exception *Exception
}

// TrackResult wraps a single track.
func TrackResult(t Track) LoadResult { return LoadResult{Type: LoadTrack, Track: &t} }

// PlaylistResult wraps a playlist. selected is -1 when no track is selected;
// out-of-range indices are normalised to -1.
func PlaylistResult(name string, tracks []Track, selected int) LoadResult {
	if selected < 0 || selected >= len(tracks) {
		selected = -1
	}
	return LoadResult{Type: LoadPlaylist, Playlist: &Playlist{
		Info:   PlaylistInfo{Name: name, SelectedTrack: selected},
		Tracks: tracks,
	}}
}

// SearchResult wraps ordered search hits. No hits yields an empty result.
func SearchResult(tracks []Track) LoadResult {
	if len(tracks) == 0 {
		return Empty()
	}
	return LoadResult{Type: LoadSearch, Tracks: tracks}
}

// Empty is the no-matches result.
func Empty() LoadResult { return LoadResult{Type: LoadEmpty} }

// Failed wraps a load failure.
func Failed(e Exception) LoadResult { return LoadResult{Type: LoadError, Exception: &e} }

// First returns the track a player should start for this result: the single
// track, the selected (or first) playlist entry, or the top search hit.
func (r LoadResult) First() (Track, bool) {
	switch r.Type {
	case LoadTrack:
		if r.Track != nil {
			return *r.Track, true
		}
	case LoadPlaylist:
		if r.Playlist != nil && len(r.Playlist.Tracks) > 0 {
			i := r.Playlist.Info.SelectedTrack
			if i < 0 || i >= len(r.Playlist.Tracks) {
				i = 0
			}
			return r.Playlist.Tracks[i], true
		}
	case LoadSearch:
		if len(r.Tracks) > 0 {
			return r.Tracks[0], true
		}
	}
	return Track{}, false
}

type wireResult struct {
	LoadType LoadType        `json:"loadType"`
	Data     json.RawMessage `json:"data"`
}

// MarshalJSON encodes the result as {"loadType": ..., "data": ...}.
func (r LoadResult) MarshalJSON() ([]byte, error) {
	var data any
	switch r.Type {
	case LoadTrack:
		data = r.Track
	case LoadPlaylist:
		data = r.Playlist
	case LoadSearch:
		data = r.Tracks
	case LoadEmpty:
		data = struct{}{}
	case LoadError:
		data = r.Exception
	default:
		return nil, fmt.Errorf("track: marshal load result: unknown type %q", r.Type)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireResult{LoadType: r.Type, Data: raw})
}

// UnmarshalJSON decodes the form produced by MarshalJSON.
func (r *LoadResult) UnmarshalJSON(b []byte) error {
	var w wireResult
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	out := LoadResult{Type: w.LoadType}
	var err error
	switch w.LoadType {
	case LoadTrack:
		out.Track = new(Track)
		err = json.Unmarshal(w.Data, out.Track)
	case LoadPlaylist:
		out.Playlist = new(Playlist)
		err = json.Unmarshal(w.Data, out.Playlist)
	case LoadSearch:
		err = json.Unmarshal(w.Data, &out.Tracks)
	case LoadEmpty:
	case LoadError:
		out.Exception = new(Exception)
		err = json.Unmarshal(w.Data, out.Exception)
	default:
		return fmt.Errorf("track: unmarshal load result: unknown type %q", w.LoadType)
	}
	if err != nil {
		return fmt.Errorf("track: unmarshal %s data: %w", w.LoadType, err)
	}
	*r = out
	return nil
}
