package breaker

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/randalmurphal/txcore/pkg/txcore/observability"
)

// Option overrides one Config field for a single breaker.
type Option func(*Config)

// WithFailureThreshold sets the consecutive failures that open the breaker.
func WithFailureThreshold(n int) Option {
	return func(c *Config) { c.FailureThreshold = n }
}

// WithResetTimeout sets how long the breaker stays open before a trial.
func WithResetTimeout(d time.Duration) Option {
	return func(c *Config) { c.ResetTimeout = d }
}

// WithIsFailure sets the failure classifier.
func WithIsFailure(fn func(error) bool) Option {
	return func(c *Config) { c.IsFailure = fn }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Config) { c.Now = now }
}

// Registry holds one Breaker per dependency id, so every call site that
// talks to the same dependency shares its state.
type Registry struct {
	defaults Config
	logger   *slog.Logger
	metrics  observability.MetricsRecorder

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the logger for state transitions.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry creates a Registry whose breakers start from defaults.
func NewRegistry(defaults Config, opts ...RegistryOption) *Registry {
	r := &Registry{
		defaults: defaults,
		metrics:  observability.NoopMetrics{},
		breakers: make(map[string]*Breaker),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = observability.OrDefault(r.logger)
	return r
}

// Get returns the breaker for dependency, creating it on first use.
// Options apply only when the breaker is created.
func (r *Registry) Get(dependency string, opts ...Option) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[dependency]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[dependency]; ok {
		return b
	}

	cfg := r.defaults
	for _, opt := range opts {
		opt(&cfg)
	}
	userHook := cfg.OnStateChange
	cfg.OnStateChange = func(dep string, from, to State) {
		r.metrics.RecordBreakerTransition(context.Background(), dep, from.String(), to.String())
		observability.LogBreakerTransition(r.logger, dep, from.String(), to.String())
		if userHook != nil {
			userHook(dep, from, to)
		}
	}
	userReject := cfg.OnReject
	cfg.OnReject = func(dep string) {
		r.metrics.RecordBreakerRejection(context.Background(), dep)
		if userReject != nil {
			userReject(dep)
		}
	}

	b = New(dependency, cfg)
	r.breakers[dependency] = b
	return b
}

// Snapshots returns a snapshot of every breaker, sorted by dependency.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Dependency < out[j].Dependency })
	return out
}
