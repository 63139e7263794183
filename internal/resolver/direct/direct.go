// Package direct plays audio served at a plain http(s) URL: files, Icecast
// and Shoutcast radio, and HLS playlists.
package direct

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/cadence/internal/fault"
	"github.com/MrWong99/cadence/pkg/source"
	"github.com/MrWong99/cadence/pkg/source/ffmpeg"
	"github.com/MrWong99/cadence/pkg/track"
)

// SourceName is stamped on every track this resolver produces.
const SourceName = "http"

const defaultUserAgent = "cadence/1"

// Opener starts decoding a media URL.
type Opener func(ctx context.Context, input string, opts ffmpeg.Options) (source.Source, error)

// Config tunes a [Resolver].
type Config struct {
	// Client performs the probe requests. Default: a client with a 10s timeout.
	Client *http.Client

	// UserAgent is sent on probes and passed to ffmpeg.
	UserAgent string
}

// Resolver implements resolver.Resolver for direct URLs.
type Resolver struct {
	client *http.Client
	ua     string
	open   Opener
}

// New returns a resolver that plays through open.
func New(cfg Config, open Opener) *Resolver {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Resolver{client: client, ua: cmp.Or(cfg.UserAgent, defaultUserAgent), open: open}
}

func (r *Resolver) Name() string { return SourceName }

// Claims accepts any http or https URL. Register it after resolvers for
// specific sites.
func (r *Resolver) Claims(query string) bool {
	u, err := url.Parse(query)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Resolve probes the URL and describes it as a single track.
func (r *Resolver) Resolve(ctx context.Context, query string) (track.LoadResult, error) {
	u, err := url.Parse(query)
	if err != nil || u.Host == "" {
		return track.LoadResult{}, fault.Newf(fault.KindMalformed, "http: parse", "invalid URL %q", query)
	}

	resp, err := r.probe(ctx, query)
	if err != nil {
		return track.LoadResult{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return track.Empty(), nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return track.LoadResult{}, fault.Newf(fault.KindUpstreamUnavailable, "http", "%s answered %s", u.Host, resp.Status)
	case resp.StatusCode >= 400:
		return track.LoadResult{}, fault.Newf(fault.KindUnsupported, "http", "%s answered %s", u.Host, resp.Status)
	}

	kind, err := classifyContent(resp.Header.Get("Content-Type"), u.Path)
	if err != nil {
		return track.LoadResult{}, err
	}

	live := kind == contentPlaylist ||
		!sized(resp) ||
		resp.Header.Get("Icy-Metaint") != "" ||
		resp.Header.Get("Icy-Name") != ""

	title := resp.Header.Get("Icy-Name")
	if title == "" {
		title = path.Base(u.Path)
	}
	if title == "" || title == "/" || title == "." {
		title = u.Host
	}

	info := track.Info{
		Identifier: query,
		Title:      title,
		Author:     cmp.Or(resp.Header.Get("Icy-Description"), u.Host),
		URI:        query,
		IsStream:   live,
		SourceName: SourceName,
	}
	return track.TrackResult(track.New(info)), nil
}

// Open implements resolver.Resolver. Direct URLs carry no length metadata
// ffmpeg can seek against, so sources are never seekable.
func (r *Resolver) Open(ctx context.Context, t track.Track, start time.Duration) (source.Source, error) {
	if r.open == nil {
		return nil, fault.Newf(fault.KindInternal, "http: open", "no transcoder configured")
	}
	return r.open(ctx, t.Info.Identifier, ffmpeg.Options{
		Start:   start,
		Headers: map[string]string{"User-Agent": r.ua},
	})
}

// probe issues a HEAD, falling back to a ranged GET for servers that reject
// HEAD. Icecast servers commonly do.
func (r *Resolver) probe(ctx context.Context, rawURL string) (*http.Response, error) {
	resp, err := r.do(ctx, http.MethodHead, rawURL)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusMethodNotAllowed && resp.StatusCode != http.StatusNotImplemented {
		return resp, nil
	}
	resp.Body.Close()
	return r.do(ctx, http.MethodGet, rawURL)
}

func (r *Resolver) do(ctx context.Context, method, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, fault.New(fault.KindMalformed, "http: request", err)
	}
	req.Header.Set("User-Agent", r.ua)
	req.Header.Set("Icy-MetaData", "1")
	if method == http.MethodGet {
		req.Header.Set("Range", "bytes=0-0")
	}
	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fault.New(fault.KindUpstreamUnavailable, "http: "+strings.ToLower(method), err)
	}
	return resp, nil
}

// sized reports whether the response announces a finite body. A ranged GET
// carries the total in Content-Range.
func sized(resp *http.Response) bool {
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		_, total, ok := strings.Cut(cr, "/")
		n, err := strconv.ParseInt(total, 10, 64)
		return ok && err == nil && n > 0
	}
	n, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	return err == nil && n > 0
}

type content int

const (
	contentAudio content = iota
	contentPlaylist
)

// audioExt maps file extensions to playable content when the server sends a
// generic or missing Content-Type.
var audioExt = map[string]content{
	".mp3": contentAudio, ".ogg": contentAudio, ".oga": contentAudio,
	".opus": contentAudio, ".wav": contentAudio, ".flac": contentAudio,
	".m4a": contentAudio, ".aac": contentAudio, ".webm": contentAudio,
	".m3u8": contentPlaylist, ".m3u": contentPlaylist,
}

var errNotAudio = errors.New("not an audio resource")

func classifyContent(header, urlPath string) (content, error) {
	mt, _, err := mime.ParseMediaType(header)
	if err != nil {
		mt = ""
	}
	switch {
	case mt == "application/vnd.apple.mpegurl", mt == "application/x-mpegurl",
		mt == "audio/mpegurl", mt == "audio/x-mpegurl":
		return contentPlaylist, nil
	case strings.HasPrefix(mt, "audio/"), mt == "application/ogg", mt == "video/webm", mt == "video/mp4":
		return contentAudio, nil
	case mt == "", mt == "application/octet-stream", mt == "binary/octet-stream":
		if c, ok := audioExt[strings.ToLower(path.Ext(urlPath))]; ok {
			return c, nil
		}
	}
	return 0, fault.New(fault.KindUnsupported, "http", fmt.Errorf("%w: content type %q", errNotAudio, cmp.Or(mt, "unknown")))
}
