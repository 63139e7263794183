package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/cadence/internal/resolver"
	"github.com/MrWong99/cadence/pkg/audio"
)

// ErrNotRegistered is returned by Create* methods when no factory has been
// registered under the requested name.
var ErrNotRegistered = errors.New("config: component not registered")

// SourceFactory builds a resolver from the full config.
type SourceFactory func(cfg *Config) (resolver.Resolver, error)

// TransportFactory builds a voice dialer from the full config. The returned
// close function releases whatever the transport holds open; it may be nil.
type TransportFactory func(cfg *Config) (audio.Dialer, func() error, error)

// Registry maps source and transport names to their constructors. It is
// safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	sources    map[string]SourceFactory
	transports map[string]TransportFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		sources:    make(map[string]SourceFactory),
		transports: make(map[string]TransportFactory),
	}
}

// RegisterSource registers a source factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterSource(name string, f SourceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[name] = f
}

// RegisterTransport registers a voice transport factory under name.
func (r *Registry) RegisterTransport(name string, f TransportFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[name] = f
}

// CreateSources builds the resolvers named in cfg.Resolver.Sources, in
// that order.
func (r *Registry) CreateSources(cfg *Config) ([]resolver.Resolver, error) {
	out := make([]resolver.Resolver, 0, len(cfg.Resolver.Sources))
	for _, name := range cfg.Resolver.Sources {
		r.mu.RLock()
		f, ok := r.sources[name]
		r.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: source/%q", ErrNotRegistered, name)
		}
		res, err := f(cfg)
		if err != nil {
			return nil, fmt.Errorf("config: create source %q: %w", name, err)
		}
		out = append(out, res)
	}
	return out, nil
}

// CreateTransport builds the dialer named by cfg.Voice.Transport.
func (r *Registry) CreateTransport(cfg *Config) (audio.Dialer, func() error, error) {
	r.mu.RLock()
	f, ok := r.transports[cfg.Voice.Transport]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: transport/%q", ErrNotRegistered, cfg.Voice.Transport)
	}
	return f(cfg)
}
