package scheduler

import "time"

// Retry defaults.
const (
	DefaultBaseDelay  = 30 * time.Second
	DefaultMaxDelay   = time.Hour
	DefaultMaxRetries = 3
)

// RetryPolicy decides whether a failed unit gets another attempt and when.
type RetryPolicy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int
}

// DefaultRetryPolicy returns 30s base, 1h cap, 3 retries.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{BaseDelay: DefaultBaseDelay, MaxDelay: DefaultMaxDelay, MaxRetries: DefaultMaxRetries}
}

// Backoff returns min(BaseDelay * 2^n, MaxDelay). A non-positive MaxDelay
// means no cap.
func (p RetryPolicy) Backoff(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := p.BaseDelay
	for i := 0; i < n; i++ {
		if p.MaxDelay > 0 && d > p.MaxDelay/2 {
			return p.MaxDelay
		}
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Decision is the outcome of applying the policy to a failure.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Decide applies the policy to a unit whose retry count was just
// incremented. unitMax overrides MaxRetries unless it is negative (see
// models.InheritRetries); zero allows no retries. The unit is terminal
// once retryCount reaches the limit.
func (p RetryPolicy) Decide(retryCount, unitMax int) Decision {
	limit := p.MaxRetries
	if unitMax >= 0 {
		limit = unitMax
	}
	if retryCount >= limit {
		return Decision{Retry: false}
	}
	return Decision{Retry: true, Delay: p.Backoff(retryCount)}
}
