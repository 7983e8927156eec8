// Package agent executes steps: research steps consult external lookups,
// processing steps transform the outputs of the steps they depend on.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/zpandasoft/deer-flow/pkg/models"
)

// DefaultStepTimeout bounds an attempt whose step carries no timeout.
const DefaultStepTimeout = 5 * time.Minute

// DependencyResult is the output of a step the current step depends on.
type DependencyResult struct {
	StepID string
	Title  string
	Result *models.StepResult
}

// Request is everything an executor may read for one attempt.
type Request struct {
	Objective    *models.Objective
	Task         *models.Task
	Step         *models.Step
	Dependencies []DependencyResult
}

// Outcome is the result of one attempt. Err is set when Success is false.
type Outcome struct {
	Success bool
	Result  *models.StepResult
	Err     error
}

// Failed builds a failed outcome.
func Failed(err error) Outcome {
	return Outcome{Success: false, Err: err}
}

// Succeeded builds a successful outcome.
func Succeeded(res *models.StepResult) Outcome {
	return Outcome{Success: true, Result: res}
}

// Executor performs one attempt of a step.
type Executor interface {
	Execute(ctx context.Context, req Request) Outcome
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req Request) Outcome

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, req Request) Outcome {
	return f(ctx, req)
}

// Router picks the executor for a step's type and enforces its timeout.
type Router struct {
	research       Executor
	processing     Executor
	defaultTimeout time.Duration
}

// NewRouter creates a Router. A zero defaultTimeout selects DefaultStepTimeout.
func NewRouter(research, processing Executor, defaultTimeout time.Duration) *Router {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultStepTimeout
	}
	return &Router{research: research, processing: processing, defaultTimeout: defaultTimeout}
}

// Execute runs the attempt under the step timeout. An attempt that outlives
// its deadline returns models.ErrTimeout even if the delegate ignores ctx.
func (r *Router) Execute(ctx context.Context, req Request) Outcome {
	if req.Step == nil {
		return Failed(errors.New("execute: request has no step"))
	}

	var delegate Executor
	switch req.Step.StepType {
	case models.StepResearch:
		delegate = r.research
	case models.StepProcessing:
		delegate = r.processing
	default:
		return Failed(fmt.Errorf("execute %s: unknown step type %q", req.Step.ID, req.Step.StepType))
	}
	if delegate == nil {
		return Failed(fmt.Errorf("execute %s: no executor for %s steps", req.Step.ID, req.Step.StepType))
	}

	timeout := req.Step.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan Outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				log.Printf("[agent] step %s executor panic: %v", req.Step.ID, p)
				done <- Failed(fmt.Errorf("executor panic: %v", p))
			}
		}()
		done <- delegate.Execute(attemptCtx, req)
	}()

	var out Outcome
	select {
	case out = <-done:
	case <-attemptCtx.Done():
		out = Failed(attemptCtx.Err())
	}

	if !out.Success {
		switch {
		case errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
			out.Err = models.ErrTimeout
		case ctx.Err() != nil:
			out.Err = models.ErrCancelled
		case out.Err == nil:
			out.Err = errors.New("executor reported failure")
		}
		return out
	}

	if req.Step.StepType == models.StepResearch && (out.Result == nil || out.Result.Lookups == 0) {
		return Failed(fmt.Errorf("research step %s completed without an external lookup", req.Step.ID))
	}
	if out.Result == nil {
		out.Result = &models.StepResult{}
	}
	return out
}
