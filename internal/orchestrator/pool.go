package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/zpandasoft/deer-flow/internal/scheduler"
	"github.com/zpandasoft/deer-flow/internal/workflow"
)

// run is one active workflow run of an objective.
type run struct {
	objectiveID string
	cancel      context.CancelFunc
	done        chan struct{}

	// state and err are set before done is closed.
	state *workflow.State
	err   error
}

// runPool tracks the runs and scheduler controls of concurrent objectives.
// At most one run per objective is active at a time.
type runPool struct {
	mu       sync.RWMutex
	runs     map[string]*run
	controls map[string]*scheduler.Control
	stopped  bool

	wg sync.WaitGroup
}

func newRunPool() *runPool {
	return &runPool{
		runs:     make(map[string]*run),
		controls: make(map[string]*scheduler.Control),
	}
}

// acquire registers a run of objectiveID whose context derives from parent.
func (p *runPool) acquire(parent context.Context, objectiveID string) (*run, context.Context, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil, nil, ErrStopped
	}
	if _, ok := p.runs[objectiveID]; ok {
		return nil, nil, fmt.Errorf("objective %s: %w", objectiveID, ErrAlreadyRunning)
	}
	ctx, cancel := context.WithCancel(parent)
	r := &run{objectiveID: objectiveID, cancel: cancel, done: make(chan struct{})}
	p.runs[objectiveID] = r
	p.wg.Add(1)
	return r, ctx, nil
}

// release records the result of r and unregisters it.
func (p *runPool) release(r *run, st *workflow.State, err error) {
	p.mu.Lock()
	if p.runs[r.objectiveID] == r {
		delete(p.runs, r.objectiveID)
	}
	p.mu.Unlock()

	r.state = st
	r.err = err
	r.cancel()
	close(r.done)
	p.wg.Done()
}

func (p *runPool) get(objectiveID string) *run {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.runs[objectiveID]
}

// setControl registers the control of a running scheduler loop.
func (p *runPool) setControl(objectiveID string, c *scheduler.Control) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.controls[objectiveID] = c
}

// clearControl removes c if it is still the registered control.
func (p *runPool) clearControl(objectiveID string, c *scheduler.Control) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.controls[objectiveID] == c {
		delete(p.controls, objectiveID)
	}
}

func (p *runPool) control(objectiveID string) *scheduler.Control {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.controls[objectiveID]
}

// count returns the number of active runs.
func (p *runPool) count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.runs)
}

// stop cancels every run and waits for them to finish. No run can be
// acquired afterwards.
func (p *runPool) stop() {
	p.mu.Lock()
	p.stopped = true
	for _, r := range p.runs {
		r.cancel()
	}
	p.mu.Unlock()

	p.wg.Wait()
}
