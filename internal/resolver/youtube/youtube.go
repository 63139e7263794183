// Package youtube resolves YouTube searches, videos and playlists through
// yt-dlp and plays them by handing the extracted stream URL to ffmpeg.
package youtube

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os/exec"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/lrstanley/go-ytdlp"

	"github.com/MrWong99/cadence/internal/fault"
	"github.com/MrWong99/cadence/pkg/source"
	"github.com/MrWong99/cadence/pkg/source/ffmpeg"
	"github.com/MrWong99/cadence/pkg/track"
)

// SourceName is stamped on every track this resolver produces.
const SourceName = "youtube"

// SearchPrefix marks a free-text YouTube search query.
const SearchPrefix = "ytsearch:"

const (
	defaultSearchLimit   = 10
	defaultPlaylistLimit = 100
)

// Config tunes a [Resolver].
type Config struct {
	// Executable is the yt-dlp binary. Empty uses yt-dlp from PATH.
	Executable string

	// Proxy is passed to yt-dlp when set.
	Proxy string

	// SearchLimit caps search hits. Default: 10.
	SearchLimit int

	// PlaylistLimit caps playlist entries. Default: 100.
	PlaylistLimit int
}

// Opener starts decoding a media URL.
type Opener func(ctx context.Context, input string, opts ffmpeg.Options) (source.Source, error)

// FFmpegOpener adapts a transcoder to an [Opener].
func FFmpegOpener(t *ffmpeg.Transcoder) Opener {
	return func(ctx context.Context, input string, opts ffmpeg.Options) (source.Source, error) {
		src, err := t.Open(ctx, input, opts)
		if err != nil {
			return nil, err
		}
		return src, nil
	}
}

// Resolver implements resolver.Resolver for YouTube.
type Resolver struct {
	cfg  Config
	open Opener

	// run executes a prepared yt-dlp command and returns its stdout.
	run func(ctx context.Context, cmd *ytdlp.Command, args ...string) (string, error)
}

// New returns a resolver that plays streams through open.
func New(cfg Config, open Opener) *Resolver {
	if cfg.SearchLimit <= 0 {
		cfg.SearchLimit = defaultSearchLimit
	}
	if cfg.PlaylistLimit <= 0 {
		cfg.PlaylistLimit = defaultPlaylistLimit
	}
	return &Resolver{cfg: cfg, open: open, run: runYtdlp}
}

func (r *Resolver) Name() string { return SourceName }

// Claims accepts ytsearch: queries and YouTube URLs.
func (r *Resolver) Claims(query string) bool {
	if strings.HasPrefix(query, SearchPrefix) {
		return true
	}
	_, ok := parseURL(query)
	return ok
}

// Resolve implements resolver.Resolver.
func (r *Resolver) Resolve(ctx context.Context, query string) (track.LoadResult, error) {
	if terms, ok := strings.CutPrefix(query, SearchPrefix); ok {
		terms = strings.TrimSpace(terms)
		if terms == "" {
			return track.LoadResult{}, fault.Newf(fault.KindMalformed, "youtube: search", "empty search terms")
		}
		return r.search(ctx, terms)
	}

	ref, ok := parseURL(query)
	if !ok {
		return track.LoadResult{}, fault.Newf(fault.KindMalformed, "youtube: parse", "not a YouTube URL: %q", query)
	}
	if ref.playlist != "" {
		return r.playlist(ctx, ref)
	}
	t, err := r.video(ctx, ref.video)
	if err != nil {
		return track.LoadResult{}, err
	}
	return track.TrackResult(t), nil
}

// Open implements resolver.Resolver. The stream URL is extracted at open
// time because YouTube URLs expire.
func (r *Resolver) Open(ctx context.Context, t track.Track, start time.Duration) (source.Source, error) {
	if r.open == nil {
		return nil, fault.Newf(fault.KindInternal, "youtube: open", "no transcoder configured")
	}
	out, err := r.run(ctx, r.command().
		Format("bestaudio/best").
		NoPlaylist().
		Print("%(url)s"),
		watchURL(t.Info.Identifier))
	if err != nil {
		return nil, err
	}
	stream := firstLine(out)
	if stream == "" {
		return nil, fault.Newf(fault.KindUnsupported, "youtube: open", "no audio format for %s", t.Info.Identifier)
	}
	return r.open(ctx, stream, ffmpeg.Options{
		Start:    start,
		Duration: t.Duration(),
		Seekable: t.Info.IsSeekable,
	})
}

func (r *Resolver) command() *ytdlp.Command {
	cmd := ytdlp.New().Quiet().NoWarnings().IgnoreConfig()
	if r.cfg.Executable != "" {
		cmd.SetExecutable(r.cfg.Executable)
	}
	if r.cfg.Proxy != "" {
		cmd.Proxy(r.cfg.Proxy)
	}
	return cmd
}

// fields printed for every video, tab separated.
const videoFields = "%(id)s\t%(title)s\t%(uploader)s\t%(duration)s\t%(is_live)s\t%(thumbnail)s"

func (r *Resolver) search(ctx context.Context, terms string) (track.LoadResult, error) {
	n := r.cfg.SearchLimit
	out, err := r.run(ctx, r.command().
		FlatPlaylist().
		Print(videoFields).
		PlaylistItems(fmt.Sprintf("1-%d", n)),
		fmt.Sprintf("ytsearch%d:%s", n, terms))
	if err != nil {
		return track.LoadResult{}, err
	}
	return track.SearchResult(parseVideos(out)), nil
}

func (r *Resolver) video(ctx context.Context, id string) (track.Track, error) {
	out, err := r.run(ctx, r.command().NoPlaylist().Print(videoFields), watchURL(id))
	if err != nil {
		return track.Track{}, err
	}
	tracks := parseVideos(out)
	if len(tracks) == 0 {
		return track.Track{}, fault.Newf(fault.KindUnsupported, "youtube: video", "no metadata for %s", id)
	}
	return tracks[0], nil
}

func (r *Resolver) playlist(ctx context.Context, ref ref) (track.LoadResult, error) {
	out, err := r.run(ctx, r.command().
		FlatPlaylist().
		Print("%(playlist_title)s\t"+videoFields).
		PlaylistItems(fmt.Sprintf("1-%d", r.cfg.PlaylistLimit)),
		"https://www.youtube.com/playlist?list="+url.QueryEscape(ref.playlist))
	if err != nil {
		return track.LoadResult{}, err
	}

	var name string
	var tracks []track.Track
	for _, line := range lines(out) {
		title, rest, ok := strings.Cut(line, "\t")
		if !ok {
			continue
		}
		t, ok := parseVideo(rest)
		if !ok {
			continue
		}
		if name == "" {
			name = title
		}
		tracks = append(tracks, t)
	}
	if len(tracks) == 0 {
		return track.Empty(), nil
	}

	selected := -1
	switch {
	case ref.video != "":
		for i, t := range tracks {
			if t.Info.Identifier == ref.video {
				selected = i
				break
			}
		}
	case ref.index > 0:
		selected = ref.index - 1
	}
	return track.PlaylistResult(name, tracks, selected), nil
}

func runYtdlp(ctx context.Context, cmd *ytdlp.Command, args ...string) (string, error) {
	res, err := cmd.Run(ctx, args...)
	if err != nil {
		stderr := ""
		if res != nil {
			stderr = res.Stderr
		}
		return "", classify(ctx, stderr, err)
	}
	return res.Stdout, nil
}

// classify maps a yt-dlp failure to a resolution kind.
func classify(ctx context.Context, stderr string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, exec.ErrNotFound) {
		return fault.New(fault.KindInternal, "youtube: yt-dlp", err)
	}
	msg := strings.ToLower(stderr)
	for _, s := range []string{
		"video unavailable", "private video", "sign in to confirm your age",
		"this live event will begin", "members-only", "drm", "unsupported url",
		"does not exist",
	} {
		if strings.Contains(msg, s) {
			return fault.Newf(fault.KindUnsupported, "youtube", "%s", lastLine(stderr))
		}
	}
	if line := lastLine(stderr); line != "" {
		return fault.Newf(fault.KindUpstreamUnavailable, "youtube", "%s", line)
	}
	return fault.New(fault.KindUpstreamUnavailable, "youtube", err)
}

func parseVideos(out string) []track.Track {
	var tracks []track.Track
	for _, line := range lines(out) {
		if t, ok := parseVideo(line); ok {
			tracks = append(tracks, t)
		}
	}
	return tracks
}

// parseVideo reads one videoFields line. yt-dlp prints "NA" for missing
// fields.
func parseVideo(line string) (track.Track, bool) {
	f := strings.Split(line, "\t")
	if len(f) < 4 || f[0] == "" || f[0] == "NA" {
		return track.Track{}, false
	}
	na := func(s string) string {
		if s == "NA" {
			return ""
		}
		return s
	}
	var length int64
	if secs, err := strconv.ParseFloat(f[3], 64); err == nil && secs > 0 {
		length = int64(secs * 1000)
	}
	live := len(f) > 4 && f[4] == "True"
	info := track.Info{
		Identifier: f[0],
		Title:      na(f[1]),
		Author:     na(f[2]),
		Length:     length,
		IsStream:   live || length == 0,
		IsSeekable: !live && length > 0,
		URI:        watchURL(f[0]),
		SourceName: SourceName,
	}
	if len(f) > 5 {
		info.ArtworkURL = na(f[5])
	}
	return track.New(info), true
}

// ref is a parsed YouTube URL.
type ref struct {
	video    string
	playlist string
	index    int // 1-based playlist position from index=
}

var hosts = map[string]bool{
	"youtube.com":       true,
	"www.youtube.com":   true,
	"m.youtube.com":     true,
	"music.youtube.com": true,
	"youtu.be":          true,
}

func parseURL(raw string) (ref, bool) {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || !hosts[strings.ToLower(u.Host)] {
		return ref{}, false
	}
	q := u.Query()
	r := ref{playlist: q.Get("list")}
	if i, err := strconv.Atoi(q.Get("index")); err == nil && i > 0 {
		r.index = i
	}

	switch {
	case strings.EqualFold(u.Host, "youtu.be"):
		r.video = strings.Trim(u.Path, "/")
	case u.Path == "/watch":
		r.video = q.Get("v")
	case strings.HasPrefix(u.Path, "/shorts/"), strings.HasPrefix(u.Path, "/live/"):
		r.video = path.Base(u.Path)
	case u.Path == "/playlist":
	default:
		return ref{}, false
	}
	if r.video == "" && r.playlist == "" {
		return ref{}, false
	}
	return r, true
}

func watchURL(id string) string { return "https://www.youtube.com/watch?v=" + id }

func lines(s string) []string {
	var out []string
	for _, l := range strings.Split(strings.TrimSpace(s), "\n") {
		if l = strings.TrimRight(l, "\r"); l != "" {
			out = append(out, l)
		}
	}
	return out
}

func firstLine(s string) string {
	if ls := lines(s); len(ls) > 0 {
		return ls[0]
	}
	return ""
}

func lastLine(s string) string {
	ls := lines(s)
	if len(ls) == 0 {
		return ""
	}
	return ls[len(ls)-1]
}
