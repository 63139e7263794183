package direct

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MrWong99/cadence/internal/fault"
	"github.com/MrWong99/cadence/pkg/source"
	"github.com/MrWong99/cadence/pkg/source/ffmpeg"
	"github.com/MrWong99/cadence/pkg/source/mock"
	"github.com/MrWong99/cadence/pkg/track"
)

func serve(t *testing.T, h http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func TestClaims(t *testing.T) {
	t.Parallel()

	r := New(Config{}, nil)
	for _, tt := range []struct {
		query string
		want  bool
	}{
		{"https://radio.example.com/live.mp3", true},
		{"http://10.0.0.2:8000/stream", true},
		{"ftp://example.com/a.mp3", false},
		{"https://", false},
		{"just some words", false},
		{"/music/a.mp3", false},
	} {
		if got := r.Claims(tt.query); got != tt.want {
			t.Errorf("Claims(%q) = %v, want %v", tt.query, got, tt.want)
		}
	}
}

func TestResolve_File(t *testing.T) {
	t.Parallel()

	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("method = %s, want HEAD", r.Method)
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Header().Set("Content-Length", "48213")
	})

	res, err := New(Config{}, nil).Resolve(t.Context(), srv.URL+"/music/song.mp3")
	if err != nil {
		t.Fatal(err)
	}
	if res.Type != track.LoadTrack {
		t.Fatalf("type = %q", res.Type)
	}
	info := res.Track.Info
	if info.Title != "song.mp3" || info.IsStream || info.IsSeekable || info.SourceName != SourceName {
		t.Errorf("info = %+v", info)
	}
}

func TestResolve_IcecastIsStream(t *testing.T) {
	t.Parallel()

	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if r.Header.Get("Range") == "" {
			t.Error("GET probe without Range")
		}
		w.Header().Set("Content-Type", "audio/ogg")
		w.Header().Set("Icy-Name", "Night Radio")
		w.Header().Set("Icy-Description", "ambient all night")
		w.WriteHeader(http.StatusOK)
	})

	res, err := New(Config{}, nil).Resolve(t.Context(), srv.URL+"/live")
	if err != nil {
		t.Fatal(err)
	}
	info := res.Track.Info
	if !info.IsStream || info.Title != "Night Radio" || info.Author != "ambient all night" {
		t.Errorf("info = %+v", info)
	}
}

func TestResolve_HLSIsStream(t *testing.T) {
	t.Parallel()

	srv := serve(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.Header().Set("Content-Length", "512")
	})

	res, err := New(Config{}, nil).Resolve(t.Context(), srv.URL+"/index.m3u8")
	if err != nil || !res.Track.Info.IsStream {
		t.Errorf("res = %+v, err = %v", res, err)
	}
}

func TestResolve_OctetStreamUsesExtension(t *testing.T) {
	t.Parallel()

	srv := serve(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", "100")
	})
	r := New(Config{}, nil)

	if _, err := r.Resolve(t.Context(), srv.URL+"/a.flac"); err != nil {
		t.Errorf("flac err = %v", err)
	}
	if _, err := r.Resolve(t.Context(), srv.URL+"/a.zip"); !fault.Is(err, fault.KindUnsupported) {
		t.Errorf("zip err = %v", err)
	}
}

func TestResolve_Status(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status    int
		wantEmpty bool
		wantKind  fault.Kind
	}{
		{http.StatusNotFound, true, ""},
		{http.StatusForbidden, false, fault.KindUnsupported},
		{http.StatusTooManyRequests, false, fault.KindUpstreamUnavailable},
		{http.StatusBadGateway, false, fault.KindUpstreamUnavailable},
	}
	for _, tt := range tests {
		srv := serve(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tt.status)
		})
		res, err := New(Config{}, nil).Resolve(t.Context(), srv.URL+"/a.mp3")
		if tt.wantEmpty {
			if err != nil || res.Type != track.LoadEmpty {
				t.Errorf("status %d: res = %+v, err = %v", tt.status, res, err)
			}
			continue
		}
		if !fault.Is(err, tt.wantKind) {
			t.Errorf("status %d: err = %v, want kind %q", tt.status, err, tt.wantKind)
		}
	}
}

func TestResolve_HTMLUnsupported(t *testing.T) {
	t.Parallel()

	srv := serve(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
	})
	_, err := New(Config{}, nil).Resolve(t.Context(), srv.URL+"/page")
	if !fault.Is(err, fault.KindUnsupported) {
		t.Errorf("err = %v", err)
	}
}

func TestResolve_UnreachableIsUpstream(t *testing.T) {
	t.Parallel()

	r := New(Config{Client: &http.Client{Timeout: time.Second}}, nil)
	_, err := r.Resolve(t.Context(), "http://127.0.0.1:1/a.mp3")
	if !fault.Is(err, fault.KindUpstreamUnavailable) {
		t.Errorf("err = %v", err)
	}
}

func TestOpen_SendsUserAgent(t *testing.T) {
	t.Parallel()

	var gotInput string
	var gotOpts ffmpeg.Options
	open := func(_ context.Context, in string, opts ffmpeg.Options) (source.Source, error) {
		gotInput, gotOpts = in, opts
		return mock.New(0), nil
	}
	r := New(Config{UserAgent: "test-agent"}, open)
	tr := track.New(track.Info{Identifier: "https://radio.example.com/live", SourceName: SourceName})

	if _, err := r.Open(t.Context(), tr, 0); err != nil {
		t.Fatal(err)
	}
	if gotInput != "https://radio.example.com/live" || gotOpts.Headers["User-Agent"] != "test-agent" {
		t.Errorf("input = %q, opts = %+v", gotInput, gotOpts)
	}
}
