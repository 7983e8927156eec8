package orchestrator

import (
	"time"

	"github.com/zpandasoft/deer-flow/internal/metrics"
	"github.com/zpandasoft/deer-flow/internal/scheduler"
)

// Option configures a Manager. Use With* functions to create Options.
type Option func(*managerOptions)

// managerOptions holds all optional configuration.
type managerOptions struct {
	loop             scheduler.Config
	autoAccept       bool
	objectiveRetries int
	unitRetries      int
	eventBuffer      int
	metrics          *metrics.Metrics
}

func defaultOptions() managerOptions {
	return managerOptions{
		loop: scheduler.Config{
			MaxWorkers:   scheduler.DefaultMaxWorkers,
			PollInterval: scheduler.DefaultPollInterval,
			Retry:        scheduler.DefaultRetryPolicy(),
			Clock:        scheduler.RealClock{},
		},
		autoAccept:       true,
		objectiveRetries: 3,
		unitRetries:      scheduler.DefaultRetryPolicy().MaxRetries,
		eventBuffer:      100,
	}
}

// WithMaxWorkers sets the number of concurrent attempts per objective.
func WithMaxWorkers(n int) Option {
	return func(o *managerOptions) { o.loop.MaxWorkers = n }
}

// WithPollInterval sets how often an idle scheduler loop wakes.
func WithPollInterval(d time.Duration) Option {
	return func(o *managerOptions) { o.loop.PollInterval = d }
}

// WithStepTimeout sets the timeout for steps that carry none of their own.
func WithStepTimeout(d time.Duration) Option {
	return func(o *managerOptions) { o.loop.StepTimeout = d }
}

// WithRetryPolicy sets the backoff policy for failed attempts.
func WithRetryPolicy(p scheduler.RetryPolicy) Option {
	return func(o *managerOptions) {
		o.loop.Retry = p
		o.unitRetries = p.MaxRetries
	}
}

// WithClock sets the clock used by loops and workflows (mainly for testing).
func WithClock(c scheduler.Clock) Option {
	return func(o *managerOptions) { o.loop.Clock = c }
}

// WithAutoAccept sets the default for objectives created without an
// explicit choice.
func WithAutoAccept(b bool) Option {
	return func(o *managerOptions) { o.autoAccept = b }
}

// WithObjectiveRetries sets how many completion rounds a new objective may
// retry before it is synthesized with gaps.
func WithObjectiveRetries(n int) Option {
	return func(o *managerOptions) { o.objectiveRetries = n }
}

// WithEventBuffer sets the size of the events channel.
func WithEventBuffer(n int) Option {
	return func(o *managerOptions) { o.eventBuffer = n }
}

// WithMetrics sets the shared metrics registry.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *managerOptions) { o.metrics = m }
}
