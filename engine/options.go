package engine

import (
	"time"

	"github.com/cpgflow/cpgflow/act"
	"github.com/cpgflow/cpgflow/publish"
)

// Options configures the engine. The zero value is usable: no workers
// (manual stepping via Step), default queue depth and timeouts, governance
// fully enabled, events discarded.
type Options struct {
	// Workers is the size of the worker pool. Zero means the engine is
	// driven manually through Step.
	Workers int

	// QueueDepth bounds the work queue.
	QueueDepth int

	// BackpressureTimeout is how long Start/Resume/Signal block on a full
	// queue before returning a backpressure error.
	BackpressureTimeout time.Duration

	// DefaultActionTimeout applies when a node's action config has no
	// timeout of its own.
	DefaultActionTimeout time.Duration

	// MaxStepRetries bounds optimistic-concurrency re-steps on version
	// conflict.
	MaxStepRetries int

	// Governance toggles the individual pre-execution checks.
	Governance GovernanceConfig

	// SystemState is the operational state exposed to policy checks and
	// expression scopes ("normal", "emergency", "maintenance").
	SystemState string

	// Publisher receives engine lifecycle and node events.
	Publisher publish.Publisher

	// Actions resolves node actions to handlers.
	Actions *act.Registry

	// Metrics, when set, records orchestration metrics.
	Metrics *Metrics
}

func defaultOptions() Options {
	return Options{
		QueueDepth:           256,
		BackpressureTimeout:  5 * time.Second,
		DefaultActionTimeout: 30 * time.Second,
		MaxStepRetries:       3,
		Governance:           DefaultGovernanceConfig(),
		SystemState:          SystemStateNormal,
		Publisher:            publish.NewNullPublisher(),
		Actions:              act.NewRegistry(),
	}
}

// Option mutates Options during construction.
type Option func(*Options)

// WithWorkers sets the worker pool size.
func WithWorkers(n int) Option {
	return func(o *Options) { o.Workers = n }
}

// WithQueueDepth bounds the work queue.
func WithQueueDepth(depth int) Option {
	return func(o *Options) {
		if depth > 0 {
			o.QueueDepth = depth
		}
	}
}

// WithBackpressureTimeout sets how long enqueues block on a full queue.
func WithBackpressureTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.BackpressureTimeout = d
		}
	}
}

// WithDefaultActionTimeout sets the fallback per-action timeout.
func WithDefaultActionTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.DefaultActionTimeout = d
		}
	}
}

// WithMaxStepRetries bounds version-conflict re-steps.
func WithMaxStepRetries(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.MaxStepRetries = n
		}
	}
}

// WithGovernance replaces the governance configuration.
func WithGovernance(cfg GovernanceConfig) Option {
	return func(o *Options) { o.Governance = cfg }
}

// WithSystemState sets the operational system state.
func WithSystemState(state string) Option {
	return func(o *Options) {
		if state != "" {
			o.SystemState = state
		}
	}
}

// WithPublisher sets the event publisher.
func WithPublisher(p publish.Publisher) Option {
	return func(o *Options) {
		if p != nil {
			o.Publisher = p
		}
	}
}

// WithActions sets the action handler registry.
func WithActions(r *act.Registry) Option {
	return func(o *Options) {
		if r != nil {
			o.Actions = r
		}
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(o *Options) { o.Metrics = m }
}
