// Package resilience protects the node from flaky upstreams.
//
// [Breaker] is a three-state circuit breaker (closed, open, half-open) that
// wraps calls to an external service such as a video platform or an HTTP
// media host. Only errors the configured classifier counts as upstream
// failures move the breaker; a malformed query or an empty search result
// says nothing about upstream health.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Execute] while the breaker rejects
// calls.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until ResetTimeout has
	// passed since the last failure.
	StateOpen

	// StateHalfOpen lets up to HalfOpenMax probes through. Enough
	// successes close the breaker; any failure re-opens it.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker]. Zero values get defaults.
type BreakerConfig struct {
	// Name labels log lines and state-change callbacks.
	Name string

	// MaxFailures is the number of consecutive counted failures that opens
	// the breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is both the probe budget and the number of successful
	// probes needed to close again. Default: 3.
	HalfOpenMax int

	// IsFailure decides whether an error counts against the upstream. nil
	// counts every non-nil error.
	IsFailure func(error) bool

	// OnStateChange, if set, is called after every transition. It runs
	// with the breaker unlocked.
	OnStateChange func(name string, from, to State)

	// now is the clock; tests replace it.
	now func() time.Time
}

// Breaker implements the circuit breaker pattern.
type Breaker struct {
	cfg BreakerConfig

	mu          sync.Mutex
	state       State
	failures    int
	openedAt    time.Time
	probes      int
	probeWins   int
	transitions []transition
}

type transition struct{ from, to State }

// NewBreaker returns a closed [Breaker].
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return err != nil }
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	return &Breaker{cfg: cfg}
}

// Execute runs fn unless the breaker is open. fn's error is returned as is.
func (b *Breaker) Execute(fn func() error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}

	callErr := fn()

	b.mu.Lock()
	if b.cfg.IsFailure(callErr) {
		b.onFailure(probe)
	} else {
		b.onSuccess(probe)
	}
	b.mu.Unlock()
	b.notify()
	return callErr
}

// admit decides whether a call may run and whether it is a half-open probe.
func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer func() {
		b.mu.Unlock()
		b.notify()
	}()

	if b.state == StateOpen {
		if b.cfg.now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			return false, ErrCircuitOpen
		}
		b.setState(StateHalfOpen)
		b.probes, b.probeWins = 0, 0
	}
	if b.state == StateHalfOpen {
		if b.probes >= b.cfg.HalfOpenMax {
			return false, ErrCircuitOpen
		}
		b.probes++
		return true, nil
	}
	return false, nil
}

// onFailure must be called with b.mu held.
func (b *Breaker) onFailure(probe bool) {
	if probe || b.state == StateHalfOpen {
		b.trip()
		return
	}
	b.failures++
	if b.failures >= b.cfg.MaxFailures {
		b.trip()
	}
}

// onSuccess must be called with b.mu held.
func (b *Breaker) onSuccess(probe bool) {
	if !probe {
		b.failures = 0
		return
	}
	b.probeWins++
	if b.state == StateHalfOpen && b.probeWins >= b.cfg.HalfOpenMax {
		b.failures = 0
		b.setState(StateClosed)
	}
}

func (b *Breaker) trip() {
	b.openedAt = b.cfg.now()
	b.failures = b.cfg.MaxFailures
	if b.state != StateOpen {
		b.setState(StateOpen)
	}
}

// setState records a transition for notify. Must be called with b.mu held.
func (b *Breaker) setState(s State) {
	if s == b.state {
		return
	}
	b.transitions = append(b.transitions, transition{b.state, s})
	b.state = s
}

// notify logs and reports pending transitions outside the lock.
func (b *Breaker) notify() {
	b.mu.Lock()
	pending := b.transitions
	b.transitions = nil
	b.mu.Unlock()

	for _, tr := range pending {
		level := slog.LevelInfo
		if tr.to == StateOpen {
			level = slog.LevelWarn
		}
		slog.Log(context.Background(), level, "resilience: circuit state changed",
			"name", b.cfg.Name, "from", tr.from.String(), "to", tr.to.String())
		if b.cfg.OnStateChange != nil {
			b.cfg.OnStateChange(b.cfg.Name, tr.from, tr.to)
		}
	}
}

// State returns the current state. An open breaker whose timeout has passed
// still reports open until the next call probes it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Name returns the configured name.
func (b *Breaker) Name() string { return b.cfg.Name }

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.failures, b.probes, b.probeWins = 0, 0, 0
	b.setState(StateClosed)
	b.mu.Unlock()
	b.notify()
}
