// Package evaluate implements the evaluation gate: sufficiency checks that
// decide whether more research is needed, and completion checks that decide
// whether a unit's output is good enough.
package evaluate

import (
	"context"
	"fmt"

	"github.com/zpandasoft/deer-flow/pkg/models"
)

// Kind selects the evaluation shape.
type Kind string

const (
	KindSufficiency Kind = "sufficiency"
	KindCompletion  Kind = "completion"
)

// Request is the input to one evaluation.
type Request struct {
	Kind     Kind
	UnitID   string
	UnitType models.ReferenceType
	// Subject is the gathered information or produced output being judged.
	Subject string
	// Criteria is what the subject must satisfy.
	Criteria string
}

// Evaluator produces a raw evaluation result. Implementations never
// decide pass/fail; the Gate does.
type Evaluator interface {
	Evaluate(ctx context.Context, req Request) (models.EvaluationResult, error)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, req Request) (models.EvaluationResult, error)

// Evaluate calls f.
func (f EvaluatorFunc) Evaluate(ctx context.Context, req Request) (models.EvaluationResult, error) {
	return f(ctx, req)
}

// Observer is notified of every verdict.
type Observer func(kind Kind, passed bool)

// Gate applies pass/fail rules to evaluator output. It is stateless and
// never touches persisted units or retry counters.
type Gate struct {
	evaluator Evaluator
	threshold int
	observer  Observer
}

// NewGate creates a gate. A threshold of zero selects
// models.DefaultCompletionThreshold.
func NewGate(ev Evaluator, threshold int) *Gate {
	if threshold <= 0 {
		threshold = models.DefaultCompletionThreshold
	}
	return &Gate{evaluator: ev, threshold: threshold}
}

// SetObserver registers fn to be called after every verdict.
func (g *Gate) SetObserver(fn Observer) {
	g.observer = fn
}

// Threshold returns the completion score needed to pass.
func (g *Gate) Threshold() int {
	return g.threshold
}

// SufficiencyVerdict is the outcome of a sufficiency check.
type SufficiencyVerdict struct {
	// Proceed is true when the level is SUFFICIENT or LARGELY_SUFFICIENT.
	Proceed bool
	Result  models.EvaluationResult
}

// CompletionVerdict is the outcome of a completion check.
type CompletionVerdict struct {
	// Passed is true when the score reached the threshold.
	Passed bool
	Result models.EvaluationResult
}

// Failure returns the EvaluationFailure describing a failed verdict.
func (v CompletionVerdict) Failure(unitID string) *models.EvaluationFailure {
	if v.Passed {
		return nil
	}
	return &models.EvaluationFailure{UnitID: unitID, Result: v.Result}
}

// Sufficiency judges whether subject already covers criteria.
func (g *Gate) Sufficiency(ctx context.Context, req Request) (SufficiencyVerdict, error) {
	req.Kind = KindSufficiency
	res, err := g.evaluator.Evaluate(ctx, req)
	if err != nil {
		return SufficiencyVerdict{}, fmt.Errorf("sufficiency check %s: %w", req.UnitID, err)
	}
	res.Level = models.ParseSufficiencyLevel(string(res.Level))
	res.Score = clampScore(res.Score)

	v := SufficiencyVerdict{Proceed: res.Level.AllowsProceed(), Result: res}
	g.notify(KindSufficiency, v.Proceed)
	return v, nil
}

// Completion judges whether subject satisfies criteria well enough.
func (g *Gate) Completion(ctx context.Context, req Request) (CompletionVerdict, error) {
	req.Kind = KindCompletion
	res, err := g.evaluator.Evaluate(ctx, req)
	if err != nil {
		return CompletionVerdict{}, fmt.Errorf("completion check %s: %w", req.UnitID, err)
	}
	res.Score = clampScore(res.Score)

	v := CompletionVerdict{Passed: res.Score >= g.threshold, Result: res}
	g.notify(KindCompletion, v.Passed)
	return v, nil
}

func (g *Gate) notify(kind Kind, passed bool) {
	if g.observer != nil {
		g.observer(kind, passed)
	}
}

func clampScore(s int) int {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}
