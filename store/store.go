package store

import (
	"context"
	"log/slog"
	"time"
)

// Store binds a Backend and a Registry to the save pipeline. Sessions created
// from one Store share its logger, metrics, hooks and auditor.
type Store struct {
	backend  Backend
	registry *Registry
	logger   *slog.Logger
	metrics  *Metrics
	hooks    Hooks
	auditor  Auditor
	sleep    func(ctx context.Context, d time.Duration) error
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics sets the Prometheus collectors fed during Save.
func WithMetrics(m *Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithHooks sets the callbacks invoked during Save.
func WithHooks(h Hooks) Option {
	return func(s *Store) { s.hooks = h }
}

// WithAuditor sets the source of audit stamps.
func WithAuditor(a Auditor) Option {
	return func(s *Store) { s.auditor = a }
}

// New creates a new Store.
func New(backend Backend, registry *Registry, opts ...Option) *Store {
	if registry == nil {
		registry = NewRegistry()
	}
	s := &Store{
		backend:  backend,
		registry: registry,
		logger:   slog.Default(),
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry returns the registry sessions resolve relationships with.
func (s *Store) Registry() *Registry { return s.registry }

// Backend returns the backend rows are written to.
func (s *Store) Backend() Backend { return s.backend }

// NewSession starts a unit of work.
func (s *Store) NewSession() *Session {
	return &Session{
		store: s,
		graph: NewGraph(s.registry),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
