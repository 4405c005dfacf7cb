// Package breaker implements the sticky failure counter guarding an upstream
// fetcher. Once tripped it stays open for the life of the instance; the
// operator re-enables fetching by restarting with fresh credentials.
package breaker

import (
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/corpgraph-crawler/internal/graph"
)

// DefaultThreshold is the number of consecutive failures that trips the breaker.
const DefaultThreshold = 3

// Breaker counts consecutive failures of one fetcher instance.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	failures  int
	open      bool
	logger    *zap.Logger
	onTrip    func()
}

// Option customises a Breaker.
type Option func(*Breaker)

// WithLogger sets the logger used to report a trip.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Breaker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithTripHook registers a callback run once when the breaker trips.
func WithTripHook(fn func()) Option {
	return func(b *Breaker) {
		b.onTrip = fn
	}
}

// New builds a closed breaker. A threshold <= 0 falls back to DefaultThreshold.
func New(threshold int, opts ...Option) *Breaker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	b := &Breaker{
		threshold: threshold,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow returns graph.ErrBreakerOpen once the breaker has tripped. Callers
// must not perform I/O when it does.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open {
		return graph.ErrBreakerOpen
	}
	return nil
}

// Success resets the consecutive failure count.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		b.failures = 0
	}
}

// Failure records one failed request and trips the breaker at the threshold.
// It reports whether the breaker is open afterwards.
func (b *Breaker) Failure() bool {
	b.mu.Lock()
	if b.open {
		b.mu.Unlock()
		return true
	}
	b.failures++
	if b.failures < b.threshold {
		b.mu.Unlock()
		return false
	}
	b.open = true
	failures := b.failures
	b.mu.Unlock()

	b.logger.Error("fetcher disabled after consecutive failures; restart with valid credentials",
		zap.Int("consecutive_failures", failures),
		zap.Int("threshold", b.threshold),
	)
	if b.onTrip != nil {
		b.onTrip()
	}
	return true
}

// Open reports whether the breaker has tripped.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
