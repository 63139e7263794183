package youtube

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/lrstanley/go-ytdlp"

	"github.com/MrWong99/cadence/internal/fault"
	"github.com/MrWong99/cadence/pkg/source"
	"github.com/MrWong99/cadence/pkg/source/ffmpeg"
	"github.com/MrWong99/cadence/pkg/source/mock"
	"github.com/MrWong99/cadence/pkg/track"
)

// fakeRun answers yt-dlp invocations by their final argument.
type fakeRun struct {
	outputs map[string]string
	err     error
	args    [][]string
}

func (f *fakeRun) run(_ context.Context, _ *ytdlp.Command, args ...string) (string, error) {
	f.args = append(f.args, args)
	if f.err != nil {
		return "", f.err
	}
	return f.outputs[args[len(args)-1]], nil
}

func newTestResolver(f *fakeRun, open Opener) *Resolver {
	r := New(Config{SearchLimit: 3}, open)
	r.run = f.run
	return r
}

func TestClaims(t *testing.T) {
	t.Parallel()

	r := New(Config{}, nil)
	tests := []struct {
		query string
		want  bool
	}{
		{"ytsearch:lofi beats", true},
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ", true},
		{"https://youtu.be/dQw4w9WgXcQ", true},
		{"https://music.youtube.com/watch?v=abc&list=PL1", true},
		{"https://www.youtube.com/playlist?list=PL123", true},
		{"https://www.youtube.com/shorts/xyz", true},
		{"https://www.youtube.com/channel/UC123", false},
		{"https://www.youtube.com/watch", false},
		{"https://vimeo.com/123", false},
		{"lofi beats", false},
		{"/music/a.mp3", false},
	}
	for _, tt := range tests {
		if got := r.Claims(tt.query); got != tt.want {
			t.Errorf("Claims(%q) = %v, want %v", tt.query, got, tt.want)
		}
	}
}

func TestParseURL(t *testing.T) {
	t.Parallel()

	r, ok := parseURL("https://www.youtube.com/watch?v=abc&list=PL1&index=4")
	if !ok || r.video != "abc" || r.playlist != "PL1" || r.index != 4 {
		t.Errorf("watch+list = %+v, %v", r, ok)
	}
	r, ok = parseURL("https://www.youtube.com/shorts/xyz")
	if !ok || r.video != "xyz" {
		t.Errorf("shorts = %+v, %v", r, ok)
	}
}

func TestResolve_Search(t *testing.T) {
	t.Parallel()

	f := &fakeRun{outputs: map[string]string{
		"ytsearch3:lofi beats": "id1\tLofi One\tChill\t185\tNA\tNA\n" +
			"id2\tLofi Radio\tChill\tNA\tTrue\thttps://i.ytimg.com/2.jpg\n" +
			"NA\tbroken\n",
	}}
	res, err := newTestResolver(f, nil).Resolve(t.Context(), "ytsearch: lofi beats")
	if err != nil {
		t.Fatal(err)
	}
	if res.Type != track.LoadSearch || len(res.Tracks) != 2 {
		t.Fatalf("result = %+v", res)
	}

	first := res.Tracks[0].Info
	if first.Identifier != "id1" || first.Length != 185_000 || !first.IsSeekable || first.IsStream {
		t.Errorf("first = %+v", first)
	}
	if first.URI != "https://www.youtube.com/watch?v=id1" || first.SourceName != SourceName {
		t.Errorf("first uri/source = %q/%q", first.URI, first.SourceName)
	}
	live := res.Tracks[1].Info
	if !live.IsStream || live.IsSeekable || live.ArtworkURL == "" {
		t.Errorf("live = %+v", live)
	}
}

func TestResolve_SearchNoHitsIsEmpty(t *testing.T) {
	t.Parallel()

	res, err := newTestResolver(&fakeRun{}, nil).Resolve(t.Context(), "ytsearch:zzzzqqq")
	if err != nil || res.Type != track.LoadEmpty {
		t.Errorf("res = %+v, err = %v", res, err)
	}
}

func TestResolve_EmptySearchTermsMalformed(t *testing.T) {
	t.Parallel()

	_, err := newTestResolver(&fakeRun{}, nil).Resolve(t.Context(), "ytsearch:  ")
	if !fault.Is(err, fault.KindMalformed) {
		t.Errorf("err = %v", err)
	}
}

func TestResolve_Video(t *testing.T) {
	t.Parallel()

	f := &fakeRun{outputs: map[string]string{
		"https://www.youtube.com/watch?v=abc": "abc\tSong\tBand\t212.5\tFalse\tNA\n",
	}}
	res, err := newTestResolver(f, nil).Resolve(t.Context(), "https://youtu.be/abc")
	if err != nil {
		t.Fatal(err)
	}
	if res.Type != track.LoadTrack || res.Track.Info.Length != 212_500 {
		t.Errorf("result = %+v", res)
	}
}

func TestResolve_PlaylistSelection(t *testing.T) {
	t.Parallel()

	out := "Mix\ta\tA\tX\t100\tFalse\tNA\n" +
		"Mix\tb\tB\tX\t100\tFalse\tNA\n" +
		"Mix\tc\tC\tX\t100\tFalse\tNA\n"
	f := &fakeRun{outputs: map[string]string{"https://www.youtube.com/playlist?list=PL1": out}}
	r := newTestResolver(f, nil)

	res, err := r.Resolve(t.Context(), "https://www.youtube.com/watch?v=b&list=PL1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Type != track.LoadPlaylist || res.Playlist.Info.Name != "Mix" || len(res.Playlist.Tracks) != 3 {
		t.Fatalf("result = %+v", res)
	}
	if res.Playlist.Info.SelectedTrack != 1 {
		t.Errorf("selected = %d, want 1", res.Playlist.Info.SelectedTrack)
	}

	res, _ = r.Resolve(t.Context(), "https://www.youtube.com/playlist?list=PL1&index=3")
	if res.Playlist.Info.SelectedTrack != 2 {
		t.Errorf("index=3 selected = %d, want 2", res.Playlist.Info.SelectedTrack)
	}
	res, _ = r.Resolve(t.Context(), "https://www.youtube.com/playlist?list=PL1")
	if res.Playlist.Info.SelectedTrack != -1 {
		t.Errorf("no selection = %d, want -1", res.Playlist.Info.SelectedTrack)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tests := []struct {
		stderr string
		err    error
		want   fault.Kind
	}{
		{"ERROR: [youtube] abc: Video unavailable", errors.New("exit 1"), fault.KindUnsupported},
		{"ERROR: [youtube] abc: Sign in to confirm your age", errors.New("exit 1"), fault.KindUnsupported},
		{"ERROR: unable to download webpage: HTTP Error 429: Too Many Requests", errors.New("exit 1"), fault.KindUpstreamUnavailable},
		{"", errors.New("signal: killed"), fault.KindUpstreamUnavailable},
		{"", exec.ErrNotFound, fault.KindInternal},
	}
	for _, tt := range tests {
		if got := fault.KindOf(classify(ctx, tt.stderr, tt.err)); got != tt.want {
			t.Errorf("classify(%q, %v) = %q, want %q", tt.stderr, tt.err, got, tt.want)
		}
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := classify(cancelled, "", errors.New("killed")); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled classify = %v", err)
	}
}

func TestOpen_PassesStreamURLToTranscoder(t *testing.T) {
	t.Parallel()

	f := &fakeRun{outputs: map[string]string{
		"https://www.youtube.com/watch?v=abc": "https://rr1.googlevideo.com/videoplayback?id=abc\n",
	}}
	var gotInput string
	var gotOpts ffmpeg.Options
	open := func(_ context.Context, input string, opts ffmpeg.Options) (source.Source, error) {
		gotInput, gotOpts = input, opts
		return mock.New(opts.Duration), nil
	}
	tr := track.New(track.Info{Identifier: "abc", Length: 200_000, IsSeekable: true, SourceName: SourceName})

	src, err := newTestResolver(f, open).Open(t.Context(), tr, 15*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	if !strings.HasPrefix(gotInput, "https://rr1.googlevideo.com/") {
		t.Errorf("input = %q", gotInput)
	}
	if gotOpts.Start != 15*time.Second || gotOpts.Duration != 200*time.Second || !gotOpts.Seekable {
		t.Errorf("opts = %+v", gotOpts)
	}
}

func TestOpen_NoFormatUnsupported(t *testing.T) {
	t.Parallel()

	open := func(context.Context, string, ffmpeg.Options) (source.Source, error) {
		t.Fatal("transcoder called without a stream URL")
		return nil, nil
	}
	tr := track.New(track.Info{Identifier: "abc", SourceName: SourceName})
	_, err := newTestResolver(&fakeRun{}, open).Open(t.Context(), tr, 0)
	if !fault.Is(err, fault.KindUnsupported) {
		t.Errorf("err = %v", err)
	}
}
