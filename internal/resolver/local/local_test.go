package local

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/cadence/internal/fault"
	"github.com/MrWong99/cadence/pkg/source"
	"github.com/MrWong99/cadence/pkg/source/ffmpeg"
	"github.com/MrWong99/cadence/pkg/source/mock"
	"github.com/MrWong99/cadence/pkg/track"
)

// writeWAV writes one second of 48 kHz stereo silence to path.
func writeWAV(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	enc := wav.NewEncoder(f, 48000, 16, 2, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 2, SampleRate: 48000},
		Data:           make([]int, 48000*2),
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatal(err)
	}
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
}

func library(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeWAV(t, filepath.Join(root, "Daft Punk", "Around the World.wav"))
	writeWAV(t, filepath.Join(root, "Daft Punk", "One More Time.wav"))
	writeWAV(t, filepath.Join(root, "Air", "La Femme d'Argent.wav"))
	if err := os.WriteFile(filepath.Join(root, "Air", "cover.jpg"), []byte("jpg"), 0o644); err != nil {
		t.Fatal(err)
	}
	return root
}

func TestNew_IndexesPlayableFiles(t *testing.T) {
	t.Parallel()

	r, err := New(Config{Roots: []string{library(t)}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if r.Len() != 3 {
		t.Errorf("indexed %d files, want 3", r.Len())
	}
	if _, err := New(Config{Roots: []string{filepath.Join(t.TempDir(), "missing")}}, nil); err == nil {
		t.Error("missing root accepted")
	}
}

func TestClaims(t *testing.T) {
	t.Parallel()

	r, _ := New(Config{}, nil)
	for q, want := range map[string]bool{
		"localsearch:daft":          true,
		"file:///music/a.wav":       true,
		"/music/a.wav":              true,
		"ytsearch:daft":             false,
		"https://example.com/a.mp3": false,
	} {
		if got := r.Claims(q); got != want {
			t.Errorf("Claims(%q) = %v, want %v", q, got, want)
		}
	}
}

func TestResolve_File(t *testing.T) {
	t.Parallel()

	root := library(t)
	r, _ := New(Config{Roots: []string{root}}, nil)
	path := filepath.Join(root, "Air", "La Femme d'Argent.wav")

	res, err := r.Resolve(t.Context(), path)
	if err != nil {
		t.Fatal(err)
	}
	if res.Type != track.LoadTrack {
		t.Fatalf("type = %q", res.Type)
	}
	info := res.Track.Info
	if info.Title != "La Femme d'Argent" || info.Author != "Air" || info.Length != 1000 || !info.IsSeekable {
		t.Errorf("info = %+v", info)
	}

	// file:// URLs resolve to the same track.
	byURL, err := r.Resolve(t.Context(), info.URI)
	if err != nil || !byURL.Track.Same(*res.Track) {
		t.Errorf("file URL resolved to %+v, %v", byURL, err)
	}
}

func TestResolve_DirectoryIsPlaylist(t *testing.T) {
	t.Parallel()

	root := library(t)
	r, _ := New(Config{Roots: []string{root}}, nil)

	res, err := r.Resolve(t.Context(), filepath.Join(root, "Daft Punk"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Type != track.LoadPlaylist || res.Playlist.Info.Name != "Daft Punk" || len(res.Playlist.Tracks) != 2 {
		t.Fatalf("result = %+v", res)
	}
	if res.Playlist.Tracks[0].Info.Title != "Around the World" {
		t.Errorf("first = %q, want directory order", res.Playlist.Tracks[0].Info.Title)
	}
}

func TestResolve_Errors(t *testing.T) {
	t.Parallel()

	root := library(t)
	r, _ := New(Config{Roots: []string{root}}, nil)

	res, err := r.Resolve(t.Context(), filepath.Join(root, "nope.wav"))
	if err != nil || res.Type != track.LoadEmpty {
		t.Errorf("missing file = %+v, %v", res, err)
	}
	if _, err := r.Resolve(t.Context(), "/etc/passwd"); !fault.Is(err, fault.KindUnsupported) {
		t.Errorf("outside root err = %v", err)
	}
	if _, err := r.Resolve(t.Context(), filepath.Join(root, "..", "escape.wav")); !fault.Is(err, fault.KindUnsupported) {
		t.Errorf("dot-dot escape err = %v", err)
	}
	if _, err := r.Resolve(t.Context(), filepath.Join(root, "Air", "cover.jpg")); !fault.Is(err, fault.KindUnsupported) {
		t.Errorf("non-audio err = %v", err)
	}
}

func TestSearch_Fuzzy(t *testing.T) {
	t.Parallel()

	r, _ := New(Config{Roots: []string{library(t)}}, nil)

	res, err := r.Resolve(t.Context(), "localsearch:one more tme")
	if err != nil {
		t.Fatal(err)
	}
	if res.Type != track.LoadSearch || res.Tracks[0].Info.Title != "One More Time" {
		t.Fatalf("result = %+v", res)
	}

	res, _ = r.Resolve(t.Context(), "localsearch:zzzzzzzzzzzz")
	if res.Type != track.LoadEmpty {
		t.Errorf("nonsense search = %q, want empty", res.Type)
	}
	if _, err := r.Resolve(t.Context(), "localsearch:"); !fault.Is(err, fault.KindMalformed) {
		t.Errorf("empty terms err = %v", err)
	}
}

func TestOpen_NativeSeeksToStart(t *testing.T) {
	t.Parallel()

	root := library(t)
	r, _ := New(Config{Roots: []string{root}}, nil)
	res, _ := r.Resolve(t.Context(), filepath.Join(root, "Air", "La Femme d'Argent.wav"))

	src, err := r.Open(t.Context(), *res.Track, 500*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()
	if src.Position() != 500*time.Millisecond {
		t.Errorf("Position = %v", src.Position())
	}
}

func TestOpen_TranscodedGoesThroughFFmpeg(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	flac := filepath.Join(root, "song.flac")
	if err := os.WriteFile(flac, []byte("fLaC"), 0o644); err != nil {
		t.Fatal(err)
	}
	var input string
	open := func(_ context.Context, in string, _ ffmpeg.Options) (source.Source, error) {
		input = in
		return mock.New(0), nil
	}
	r, _ := New(Config{Roots: []string{root}}, open)
	res, err := r.Resolve(t.Context(), flac)
	if err != nil {
		t.Fatal(err)
	}
	if res.Track.Info.IsSeekable {
		t.Error("transcoded local file reported seekable")
	}
	if _, err := r.Open(t.Context(), *res.Track, 0); err != nil {
		t.Fatal(err)
	}
	if input != flac {
		t.Errorf("ffmpeg input = %q", input)
	}
}

func TestWatch_PicksUpNewFiles(t *testing.T) {
	t.Parallel()

	root := library(t)
	r, _ := New(Config{Roots: []string{root}}, nil)
	if err := r.Watch(t.Context()); err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	writeWAV(t, filepath.Join(root, "Air", "Sexy Boy.wav"))
	if err := os.Remove(filepath.Join(root, "Daft Punk", "One More Time.wav")); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.RLock()
		_, added := r.index[filepath.Join(root, "Air", "Sexy Boy.wav")]
		_, kept := r.index[filepath.Join(root, "Daft Punk", "One More Time.wav")]
		r.mu.RUnlock()
		if added && !kept {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("index did not follow filesystem changes")
}
