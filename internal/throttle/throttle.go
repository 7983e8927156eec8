// Package throttle bounds the rate of outbound model and search calls so
// parallel workers stay under provider quotas.
package throttle

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/zpandasoft/deer-flow/internal/llm"
	"github.com/zpandasoft/deer-flow/internal/research"
)

// PerMinute returns a limiter allowing n calls a minute with a burst of
// one tenth of that, at least one. It returns nil, meaning unlimited,
// when n is not positive.
func PerMinute(n int) *rate.Limiter {
	if n <= 0 {
		return nil
	}
	burst := n / 10
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), burst)
}

func wait(ctx context.Context, lim *rate.Limiter, what string) error {
	if err := lim.Wait(ctx); err != nil {
		return fmt.Errorf("%s rate limit: %w", what, err)
	}
	return nil
}

// Invoker waits on lim before every call to inv. A nil lim returns inv.
func Invoker(inv llm.Invoker, lim *rate.Limiter) llm.Invoker {
	if lim == nil || inv == nil {
		return inv
	}
	return llm.InvokerFunc(func(ctx context.Context, prompt string) (string, error) {
		if err := wait(ctx, lim, "model"); err != nil {
			return "", err
		}
		return inv.Invoke(ctx, prompt)
	})
}

// Searcher waits on lim before every lookup. A nil lim returns s, and a
// nil s stays nil so callers can still detect a missing search backend.
func Searcher(s research.Searcher, lim *rate.Limiter) research.Searcher {
	if lim == nil || s == nil {
		return s
	}
	return research.SearchFunc(func(ctx context.Context, query string) ([]research.Document, error) {
		if err := wait(ctx, lim, "search"); err != nil {
			return nil, err
		}
		return s.Lookup(ctx, query)
	})
}
