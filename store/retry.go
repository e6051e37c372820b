package store

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"time"
)

// backoff is the retry delay shared by every row of one batch. The delay
// escalates while any row is retrying and resets once none is.
type backoff struct {
	base   time.Duration
	max    time.Duration
	double bool

	mu       sync.Mutex
	current  time.Duration
	retrying int
}

func newBackoff(s Settings) *backoff {
	return &backoff{base: s.RetryDelay(), max: s.MaxRetryDelay(), double: s.DoubleRetryDelay}
}

func (b *backoff) enter() {
	b.mu.Lock()
	b.retrying++
	b.mu.Unlock()
}

func (b *backoff) leave() {
	b.mu.Lock()
	b.retrying--
	if b.retrying <= 0 {
		b.retrying = 0
		b.current = 0
	}
	b.mu.Unlock()
}

// next returns the delay before the caller's next attempt.
func (b *backoff) next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.current == 0:
		b.current = b.base
	case b.double:
		b.current *= 2
	}
	if b.current > b.max {
		b.current = b.max
	}
	return b.current
}

// resetGate serializes backend resets against in-flight attempts. Attempts
// hold the read side; a reset holds the write side, so new attempts wait
// while a reset is in progress and only the first worker to observe a
// failure on a given generation resets the handle.
type resetGate struct {
	mu  sync.RWMutex
	gen uint64
}

func (g *resetGate) run(fn func() (Result, error)) (Result, uint64, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	gen := g.gen
	res, err := fn()
	return res, gen, err
}

// reset calls r.Reset unless another worker already reset after generation seen.
func (g *resetGate) reset(ctx context.Context, r Resetter, seen uint64) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gen != seen {
		return false, nil
	}
	g.gen++
	return true, r.Reset(ctx)
}

// classifier decides whether a failed attempt may be retried.
type classifier struct {
	patterns *regexp.Regexp
	backend  TransientClassifier
}

func newClassifier(s Settings, b Backend) (*classifier, error) {
	re, err := s.transientMatcher()
	if err != nil {
		return nil, err
	}
	c := &classifier{patterns: re}
	if tc, ok := b.(TransientClassifier); ok {
		c.backend = tc
	}
	return c, nil
}

func (c *classifier) transient(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if c.backend != nil && c.backend.Transient(err) {
		return true
	}
	return c.patterns != nil && c.patterns.MatchString(err.Error())
}
