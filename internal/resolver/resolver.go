// Package resolver turns client queries into tracks and tracks into audio
// sources.
//
// A [Registry] holds an immutable, priority-ordered list of [Resolver]
// implementations built once at startup. The first resolver whose Claims
// method accepts a query owns it; there is no fallback to later resolvers,
// even when the owner fails. A query nobody claims resolves to an empty
// result, not an error.
//
// Lookups run on a bounded [Pool], behind a per-resolver circuit breaker,
// and successful results may be cached.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/cadence/internal/cache"
	"github.com/MrWong99/cadence/internal/fault"
	"github.com/MrWong99/cadence/internal/observe"
	"github.com/MrWong99/cadence/internal/resilience"
	"github.com/MrWong99/cadence/pkg/source"
	"github.com/MrWong99/cadence/pkg/track"
)

// Sentinel errors. They are wrapped in a [*fault.Error] carrying the kind
// clients see.
var (
	ErrEmptyQuery    = errors.New("resolver: empty query")
	ErrUnknownSource = errors.New("resolver: no resolver for source")
)

// Resolver is one source of tracks, such as YouTube or the local library.
type Resolver interface {
	// Name is the source name stamped on every track it produces.
	Name() string

	// Claims reports whether this resolver owns query. It must be cheap and
	// must not perform I/O.
	Claims(query string) bool

	// Resolve looks query up. Errors should carry a resolution [fault.Kind];
	// anything else is reported as internal.
	Resolve(ctx context.Context, query string) (track.LoadResult, error)

	// Open starts decoding t at start.
	Open(ctx context.Context, t track.Track, start time.Duration) (source.Source, error)
}

// Options tunes a [Registry]. Zero values get defaults.
type Options struct {
	// Workers bounds concurrent lookups. Default: 16.
	Workers int

	// Timeout bounds a single Resolve or Open call. Default: 20s.
	Timeout time.Duration

	// Cache, if set, stores non-error results for CacheTTL.
	Cache    cache.Cache
	CacheTTL time.Duration

	// Breaker is the template for each resolver's circuit breaker. Name,
	// IsFailure and OnStateChange are filled in per resolver.
	Breaker resilience.BreakerConfig

	// Metrics receives resolution outcomes. Nil disables recording.
	Metrics *observe.Metrics
}

// Registry dispatches queries and tracks to resolvers. It is immutable after
// [New] and safe for concurrent use.
type Registry struct {
	resolvers []Resolver
	byName    map[string]Resolver
	breakers  map[string]*resilience.Breaker
	pool      *Pool
	timeout   time.Duration
	cache     cache.Cache
	ttl       time.Duration
	metrics   *observe.Metrics
}

// New builds a registry trying resolvers in the given order. A later
// resolver with a duplicate name is ignored.
func New(resolvers []Resolver, opts Options) *Registry {
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 10 * time.Minute
	}
	r := &Registry{
		byName:   make(map[string]Resolver, len(resolvers)),
		breakers: make(map[string]*resilience.Breaker, len(resolvers)),
		pool:     NewPool(opts.Workers),
		timeout:  opts.Timeout,
		cache:    opts.Cache,
		ttl:      opts.CacheTTL,
		metrics:  opts.Metrics,
	}
	for _, res := range resolvers {
		name := res.Name()
		if _, dup := r.byName[name]; dup {
			slog.Warn("resolver: duplicate source name ignored", "source", name)
			continue
		}
		bc := opts.Breaker
		bc.Name = name
		bc.IsFailure = countsAgainstUpstream
		r.resolvers = append(r.resolvers, res)
		r.byName[name] = res
		r.breakers[name] = resilience.NewBreaker(bc)
	}
	return r
}

// Names returns the source names in priority order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.resolvers))
	for i, res := range r.resolvers {
		out[i] = res.Name()
	}
	return out
}

// Claimant returns the resolver owning query, or nil.
func (r *Registry) Claimant(query string) Resolver {
	for _, res := range r.resolvers {
		if res.Claims(query) {
			return res
		}
	}
	return nil
}

// Resolve looks query up with its owning resolver. A query no resolver
// claims yields [track.Empty]. Errors carry a resolution [fault.Kind]; a
// cancelled ctx yields ctx.Err().
func (r *Registry) Resolve(ctx context.Context, query string) (track.LoadResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return track.LoadResult{}, fault.New(fault.KindMalformed, "resolve", ErrEmptyQuery)
	}

	owner := r.Claimant(query)
	if owner == nil {
		slog.Debug("resolver: no claimant", "query", query)
		return track.Empty(), nil
	}

	if res, ok := r.cached(ctx, query); ok {
		return res, nil
	}

	start := time.Now()
	var res track.LoadResult
	err := r.run(ctx, owner.Name(), "resolve", func(ctx context.Context) error {
		var err error
		res, err = owner.Resolve(ctx, query)
		return err
	})
	if r.metrics != nil {
		lt := string(res.Type)
		if err != nil {
			lt = string(track.LoadError)
		}
		r.metrics.RecordLoadResult(ctx, owner.Name(), lt, time.Since(start).Seconds())
	}
	if err != nil {
		return track.LoadResult{}, err
	}
	if res.Type == "" {
		res = track.Empty()
	}
	r.store(ctx, query, res)
	return res, nil
}

// Load is Resolve with errors folded into an error-typed result, the shape
// clients receive from a load request. A cancelled ctx still returns the
// error so callers can discard the result.
func (r *Registry) Load(ctx context.Context, query string) (track.LoadResult, error) {
	res, err := r.Resolve(ctx, query)
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return track.LoadResult{}, err
	}
	return FailureResult(err), nil
}

// Open starts t's audio with the resolver named by its source name.
func (r *Registry) Open(ctx context.Context, t track.Track, start time.Duration) (source.Source, error) {
	owner, ok := r.byName[t.Info.SourceName]
	if !ok {
		return nil, fault.New(fault.KindUnsupported, "open",
			fmt.Errorf("%w %q", ErrUnknownSource, t.Info.SourceName))
	}
	var src source.Source
	err := r.run(ctx, owner.Name(), "open", func(ctx context.Context) error {
		var err error
		src, err = owner.Open(ctx, t, start)
		return err
	})
	if err != nil {
		return nil, err
	}
	return src, nil
}

// Breaker returns the circuit breaker guarding the named source, or nil.
func (r *Registry) Breaker(name string) *resilience.Breaker { return r.breakers[name] }

// run executes fn on the pool behind name's breaker with the call timeout,
// and normalises its error.
func (r *Registry) run(ctx context.Context, name, op string, fn func(context.Context) error) (err error) {
	ctx, span := observe.StartSpan(ctx, "resolver."+op, observe.Attr("source", name))
	defer func() { observe.EndSpan(span, err) }()

	err = r.pool.Do(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		return r.breakers[name].Execute(func() error {
			return classify(callCtx, fn(callCtx))
		})
	})
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, resilience.ErrCircuitOpen):
		return fault.New(fault.KindUpstreamUnavailable, op+" "+name, err)
	}
	return err
}

// classify gives untyped errors a kind. A deadline hit by the call timeout
// is an unavailable upstream; context errors from the caller pass through.
func classify(callCtx context.Context, err error) error {
	if err == nil {
		return nil
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return fault.New(fault.KindUpstreamUnavailable, "timeout", err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	switch fault.KindOf(err) {
	case fault.KindCorruptStream, fault.KindUnsupportedCodec, fault.KindIOFailure:
		return err
	}
	return fault.New(fault.KindInternal, "", err)
}

// countsAgainstUpstream is the breaker failure classifier: only unavailable
// upstreams trip it.
func countsAgainstUpstream(err error) bool {
	return fault.Is(err, fault.KindUpstreamUnavailable) || fault.Is(err, fault.KindIOFailure)
}

// FailureResult converts a resolution error into an error-typed result.
func FailureResult(err error) track.LoadResult {
	kind := fault.KindOf(err)
	sev := track.SeverityCommon
	switch kind {
	case fault.KindUpstreamUnavailable, fault.KindIOFailure:
		sev = track.SeveritySuspicious
	case fault.KindInternal:
		sev = track.SeverityFault
	}
	return track.Failed(track.Exception{
		Message:  err.Error(),
		Severity: sev,
		Cause:    rootCause(err),
		Kind:     string(kind),
	})
}

func rootCause(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}

func cacheKey(query string) string { return "resolve:" + query }

func (r *Registry) cached(ctx context.Context, query string) (track.LoadResult, bool) {
	if r.cache == nil {
		return track.LoadResult{}, false
	}
	raw, err := r.cache.Get(ctx, cacheKey(query))
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			slog.Debug("resolver: cache read failed", "err", err)
		}
		return track.LoadResult{}, false
	}
	var res track.LoadResult
	if err := json.Unmarshal(raw, &res); err != nil {
		slog.Debug("resolver: dropping unreadable cache entry", "query", query, "err", err)
		_ = r.cache.Delete(ctx, cacheKey(query))
		return track.LoadResult{}, false
	}
	return res, true
}

func (r *Registry) store(ctx context.Context, query string, res track.LoadResult) {
	if r.cache == nil || res.Type == track.LoadError {
		return
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, cacheKey(query), raw, r.ttl); err != nil {
		slog.Debug("resolver: cache write failed", "err", err)
	}
}
