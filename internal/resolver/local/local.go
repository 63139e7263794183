// Package local serves audio files from configured library directories.
//
// It resolves absolute paths and file:// URLs under a library root (a
// directory becomes a playlist) and answers "localsearch:" queries by fuzzy
// title match against an index kept fresh with fsnotify.
package local

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/antzucaro/matchr"
	"github.com/fsnotify/fsnotify"

	"github.com/MrWong99/cadence/internal/fault"
	"github.com/MrWong99/cadence/pkg/source"
	"github.com/MrWong99/cadence/pkg/source/decode"
	"github.com/MrWong99/cadence/pkg/source/ffmpeg"
	"github.com/MrWong99/cadence/pkg/track"
)

// SourceName is stamped on every track this resolver produces.
const SourceName = "local"

// SearchPrefix marks a fuzzy library search.
const SearchPrefix = "localsearch:"

// minScore is the lowest Jaro-Winkler similarity reported as a hit.
const minScore = 0.7

// transcoded lists extensions played through ffmpeg rather than a native
// decoder. Their length is unknown, so they are not seekable.
var transcoded = map[string]bool{
	".flac": true, ".m4a": true, ".aac": true, ".opus": true, ".webm": true,
}

// Opener starts ffmpeg on a file for formats without a native decoder.
type Opener func(ctx context.Context, input string, opts ffmpeg.Options) (source.Source, error)

// Config tunes a [Resolver].
type Config struct {
	// Roots are the library directories. Paths outside them are rejected.
	Roots []string

	// SearchLimit caps localsearch hits. Default: 10.
	SearchLimit int
}

// Resolver implements resolver.Resolver for the local library.
type Resolver struct {
	roots []string
	limit int
	open  Opener

	mu    sync.RWMutex
	index map[string]string // path -> normalised title

	watcher *fsnotify.Watcher
	done    chan struct{}
	once    sync.Once
}

// New builds the initial index. Call [Resolver.Watch] to keep it current.
func New(cfg Config, open Opener) (*Resolver, error) {
	r := &Resolver{
		limit: cmp.Or(cfg.SearchLimit, 10),
		open:  open,
		index: make(map[string]string),
		done:  make(chan struct{}),
	}
	for _, root := range cfg.Roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("local: root %q: %w", root, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("local: root %q: %w", root, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("local: root %q is not a directory", root)
		}
		r.roots = append(r.roots, abs)
	}
	for _, root := range r.roots {
		r.scan(root)
	}
	return r, nil
}

func (r *Resolver) Name() string { return SourceName }

// Claims accepts localsearch: queries, file:// URLs and absolute paths.
func (r *Resolver) Claims(query string) bool {
	return strings.HasPrefix(query, SearchPrefix) ||
		strings.HasPrefix(query, "file://") ||
		filepath.IsAbs(query)
}

// Resolve implements resolver.Resolver.
func (r *Resolver) Resolve(_ context.Context, query string) (track.LoadResult, error) {
	if terms, ok := strings.CutPrefix(query, SearchPrefix); ok {
		return r.search(strings.TrimSpace(terms))
	}

	path, err := r.pathOf(query)
	if err != nil {
		return track.LoadResult{}, err
	}
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return track.Empty(), nil
	}
	if err != nil {
		return track.LoadResult{}, fault.New(fault.KindInternal, "local: stat", err)
	}

	if info.IsDir() {
		return r.directory(path)
	}
	if !playable(path) {
		return track.LoadResult{}, fault.Newf(fault.KindUnsupported, "local", "unsupported file type %q", filepath.Ext(path))
	}
	t, err := r.describe(path)
	if err != nil {
		return track.LoadResult{}, err
	}
	return track.TrackResult(t), nil
}

// Open implements resolver.Resolver.
func (r *Resolver) Open(ctx context.Context, t track.Track, start time.Duration) (source.Source, error) {
	path, err := r.pathOf(t.Info.Identifier)
	if err != nil {
		return nil, err
	}
	if decode.Supported(path) {
		s, err := decode.Open(path)
		if err != nil {
			return nil, err
		}
		if start > 0 {
			if err := s.Seek(start); err != nil {
				_ = s.Close()
				return nil, err
			}
		}
		return s, nil
	}
	if r.open == nil {
		return nil, fault.Newf(fault.KindUnsupported, "local: open", "no transcoder for %q", filepath.Ext(path))
	}
	return r.open(ctx, path, ffmpeg.Options{Start: start})
}

// pathOf validates query as a path inside a library root.
func (r *Resolver) pathOf(query string) (string, error) {
	path := query
	if strings.HasPrefix(query, "file://") {
		u, err := url.Parse(query)
		if err != nil {
			return "", fault.New(fault.KindMalformed, "local: parse", err)
		}
		path = u.Path
	}
	path = filepath.Clean(path)
	if !filepath.IsAbs(path) {
		return "", fault.Newf(fault.KindMalformed, "local", "path %q is not absolute", query)
	}
	for _, root := range r.roots {
		if rel, err := filepath.Rel(root, path); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return path, nil
		}
	}
	return "", fault.Newf(fault.KindUnsupported, "local", "%q is outside the library", path)
}

func (r *Resolver) directory(dir string) (track.LoadResult, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return track.LoadResult{}, fault.New(fault.KindInternal, "local: read dir", err)
	}
	var tracks []track.Track
	for _, e := range entries {
		p := filepath.Join(dir, e.Name())
		if e.IsDir() || !playable(p) {
			continue
		}
		t, err := r.describe(p)
		if err != nil {
			slog.Debug("local: skipping unreadable file", "path", p, "err", err)
			continue
		}
		tracks = append(tracks, t)
	}
	if len(tracks) == 0 {
		return track.Empty(), nil
	}
	return track.PlaylistResult(filepath.Base(dir), tracks, -1), nil
}

// describe builds a track for path, probing natively decodable files for
// their length.
func (r *Resolver) describe(path string) (track.Track, error) {
	info := track.Info{
		Identifier: path,
		Title:      title(path),
		Author:     filepath.Base(filepath.Dir(path)),
		URI:        (&url.URL{Scheme: "file", Path: path}).String(),
		SourceName: SourceName,
	}
	if decode.Supported(path) {
		p, err := decode.Probe(path)
		if err != nil {
			return track.Track{}, err
		}
		info.Length = p.Duration.Milliseconds()
		info.IsSeekable = p.Seekable
	}
	return track.New(info), nil
}

func (r *Resolver) search(terms string) (track.LoadResult, error) {
	if terms == "" {
		return track.LoadResult{}, fault.Newf(fault.KindMalformed, "local: search", "empty search terms")
	}
	needle := strings.ToLower(terms)

	type hit struct {
		path  string
		score float64
	}
	var hits []hit
	r.mu.RLock()
	for path, name := range r.index {
		score := matchr.JaroWinkler(needle, name, false)
		if strings.Contains(name, needle) {
			score = max(score, 0.95)
		}
		if score >= minScore {
			hits = append(hits, hit{path, score})
		}
	}
	r.mu.RUnlock()

	slices.SortFunc(hits, func(a, b hit) int {
		if c := cmp.Compare(b.score, a.score); c != 0 {
			return c
		}
		return strings.Compare(a.path, b.path)
	})

	var tracks []track.Track
	for _, h := range hits {
		if len(tracks) == r.limit {
			break
		}
		t, err := r.describe(h.path)
		if err != nil {
			continue
		}
		tracks = append(tracks, t)
	}
	return track.SearchResult(tracks), nil
}

// Len returns the number of indexed files.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.index)
}

func (r *Resolver) scan(root string) {
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if r.watcher != nil {
				_ = r.watcher.Add(path)
			}
			return nil
		}
		r.add(path)
		return nil
	})
}

func (r *Resolver) add(path string) {
	if !playable(path) {
		return
	}
	r.mu.Lock()
	r.index[path] = strings.ToLower(title(path))
	r.mu.Unlock()
}

// remove drops path and anything indexed beneath it.
func (r *Resolver) remove(path string) {
	prefix := path + string(filepath.Separator)
	r.mu.Lock()
	for p := range r.index {
		if p == path || strings.HasPrefix(p, prefix) {
			delete(r.index, p)
		}
	}
	r.mu.Unlock()
}

// Watch starts keeping the index current. It returns once the watcher is
// installed; updates continue until ctx ends or Close is called.
func (r *Resolver) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("local: watch: %w", err)
	}
	r.watcher = w
	for _, root := range r.roots {
		r.scan(root)
	}
	go r.watchLoop(ctx)
	return nil
}

func (r *Resolver) watchLoop(ctx context.Context) {
	defer r.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			r.apply(ev)
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("local: watcher error", "err", err)
		}
	}
}

func (r *Resolver) apply(ev fsnotify.Event) {
	switch {
	case ev.Op&fsnotify.Create != 0:
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			r.scan(ev.Name)
			return
		}
		r.add(ev.Name)
	case ev.Op&fsnotify.Write != 0:
		r.add(ev.Name)
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		r.remove(ev.Name)
	}
}

// Close stops the watcher.
func (r *Resolver) Close() error {
	r.once.Do(func() { close(r.done) })
	return nil
}

func playable(path string) bool {
	return decode.Supported(path) || transcoded[strings.ToLower(filepath.Ext(path))]
}

func title(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
