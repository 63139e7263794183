package track_test

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/cadence/pkg/track"
)

func sampleInfo() track.Info {
	return track.Info{
		Identifier: "dQw4w9WgXcQ",
		IsSeekable: true,
		Author:     "Rick Astley",
		Length:     212000,
		Title:      "Never Gonna Give You Up",
		URI:        "https://www.youtube.com/watch?v=dQw4w9WgXcQ",
		SourceName: "youtube",
	}
}

func TestEncodeDecode(t *testing.T) {
	t.Parallel()

	tr := track.New(sampleInfo())
	if tr.Encoded == "" {
		t.Fatal("Encoded is empty")
	}
	if strings.ContainsAny(tr.Encoded, "+/=") {
		t.Errorf("encoded track %q is not URL safe", tr.Encoded)
	}

	got, err := track.Decode(tr.Encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Info != tr.Info {
		t.Errorf("Info = %+v, want %+v", got.Info, tr.Info)
	}
	if !got.Same(tr) {
		t.Error("decoded track is not Same as original")
	}
	if got.Duration() != 212*time.Second {
		t.Errorf("Duration = %v", got.Duration())
	}
}

func TestNewIgnoresPosition(t *testing.T) {
	t.Parallel()

	info := sampleInfo()
	info.Position = 5000
	a := track.New(info)
	b := track.New(sampleInfo())
	if a.Encoded != b.Encoded {
		t.Error("position leaked into the encoded form")
	}
	if p := a.WithPosition(1500 * time.Millisecond).Info.Position; p != 1500 {
		t.Errorf("WithPosition = %d", p)
	}
	if a.Info.Position != 0 {
		t.Error("WithPosition mutated the receiver")
	}
}

func TestDecodeMalformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		encoded string
	}{
		{"empty", ""},
		{"not base64", "!!!"},
		{"not json", "bm90IGpzb24"},
		{"wrong version", "eyJ2Ijo5LCJpbmZvIjp7ImlkZW50aWZpZXIiOiJ4Iiwic291cmNlTmFtZSI6InkifX0"},
		{"missing identifier", "eyJ2IjoxLCJpbmZvIjp7InNvdXJjZU5hbWUiOiJ5In19"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := track.Decode(tt.encoded); !errors.Is(err, track.ErrMalformed) {
				t.Errorf("Decode(%q) = %v, want ErrMalformed", tt.encoded, err)
			}
		})
	}
}

func TestLoadResultJSON(t *testing.T) {
	t.Parallel()

	a := track.New(sampleInfo())
	bInfo := sampleInfo()
	bInfo.Identifier = "other"
	b := track.New(bInfo)

	tests := []struct {
		name     string
		result   track.LoadResult
		loadType string
	}{
		{"track", track.TrackResult(a), "track"},
		{"playlist", track.PlaylistResult("mix", []track.Track{a, b}, 1), "playlist"},
		{"search", track.SearchResult([]track.Track{b, a}), "search"},
		{"empty", track.Empty(), "empty"},
		{"error", track.Failed(track.Exception{Message: "boom", Severity: track.SeverityFault, Kind: "internal"}), "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			raw, err := json.Marshal(tt.result)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			var shape map[string]json.RawMessage
			if err := json.Unmarshal(raw, &shape); err != nil {
				t.Fatalf("Unmarshal shape: %v", err)
			}
			if string(shape["loadType"]) != `"`+tt.loadType+`"` {
				t.Errorf("loadType = %s, want %q", shape["loadType"], tt.loadType)
			}
			if _, ok := shape["data"]; !ok {
				t.Error("missing data field")
			}

			var back track.LoadResult
			if err := json.Unmarshal(raw, &back); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			first, ok := tt.result.First()
			gotFirst, gotOK := back.First()
			if ok != gotOK || first.Encoded != gotFirst.Encoded {
				t.Errorf("First after round trip = %v/%v, want %v/%v", gotFirst.Info.Identifier, gotOK, first.Info.Identifier, ok)
			}
		})
	}
}

func TestPlaylistSelection(t *testing.T) {
	t.Parallel()

	a := track.New(sampleInfo())
	bInfo := sampleInfo()
	bInfo.Identifier = "b"
	b := track.New(bInfo)

	r := track.PlaylistResult("p", []track.Track{a, b}, 7)
	if r.Playlist.Info.SelectedTrack != -1 {
		t.Errorf("out of range selection kept: %d", r.Playlist.Info.SelectedTrack)
	}
	if first, _ := r.First(); first.Info.Identifier != a.Info.Identifier {
		t.Errorf("First without selection = %s", first.Info.Identifier)
	}

	r = track.PlaylistResult("p", []track.Track{a, b}, 1)
	if first, _ := r.First(); first.Info.Identifier != "b" {
		t.Errorf("First with selection = %s", first.Info.Identifier)
	}
}

func TestSearchResultEmpty(t *testing.T) {
	t.Parallel()

	if r := track.SearchResult(nil); r.Type != track.LoadEmpty {
		t.Errorf("Type = %s, want empty", r.Type)
	}
	if _, ok := track.Empty().First(); ok {
		t.Error("empty result yielded a track")
	}
}
