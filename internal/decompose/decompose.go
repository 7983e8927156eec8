// Package decompose turns a research query into an objective and a plan of
// tasks and steps.
package decompose

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/zpandasoft/deer-flow/internal/llm"
	"github.com/zpandasoft/deer-flow/pkg/models"
)

// ObjectivePlan is the objective metadata produced from a query.
type ObjectivePlan struct {
	Title       string `validate:"required,nonempty,max=300"`
	Description string
	Priority    int `validate:"gte=0"`
}

// TaskPlan is one task with its steps, ready to be persisted.
type TaskPlan struct {
	Task  *models.Task
	Steps []*models.Step
}

// Decomposer produces objectives and task plans.
type Decomposer interface {
	DecomposeObjective(ctx context.Context, query, background string) (*ObjectivePlan, error)
	DecomposeTasks(ctx context.Context, objective *models.Objective, feedback string) ([]*TaskPlan, error)
}

// LLMDecomposer asks a model for plans and validates what comes back.
type LLMDecomposer struct {
	llm llm.Invoker
	// defaults applied to every unit the model returns
	maxRetries int
}

// New creates an LLMDecomposer. maxRetries is copied into every unit.
func New(inv llm.Invoker, maxRetries int) *LLMDecomposer {
	return &LLMDecomposer{llm: inv, maxRetries: maxRetries}
}

// DecomposeObjective derives a titled objective from query.
func (d *LLMDecomposer) DecomposeObjective(ctx context.Context, query, background string) (*ObjectivePlan, error) {
	reply, err := d.llm.Invoke(ctx, fmt.Sprintf(objectivePrompt, query, background))
	if err != nil {
		return nil, fmt.Errorf("decompose objective: %w", err)
	}
	return ParseObjective(reply)
}

// DecomposeTasks plans the tasks and steps of objective. feedback carries
// reviewer comments from a previous round and may be empty.
func (d *LLMDecomposer) DecomposeTasks(ctx context.Context, objective *models.Objective, feedback string) ([]*TaskPlan, error) {
	fb := strings.TrimSpace(feedback)
	if fb == "" {
		fb = "(none)"
	}
	reply, err := d.llm.Invoke(ctx, fmt.Sprintf(taskPrompt, objective.Title, objective.Description, fb))
	if err != nil {
		return nil, fmt.Errorf("decompose tasks: %w", err)
	}
	plans, err := ParseTasks(reply, objective.ID, d.maxRetries)
	if err != nil {
		return nil, err
	}
	if err := Validate(plans); err != nil {
		return nil, err
	}
	return plans, nil
}

// ParseObjective reads {"title","description","priority"} from a reply.
func ParseObjective(reply string) (*ObjectivePlan, error) {
	js, err := llm.ExtractJSON(reply)
	if err != nil {
		return nil, &models.DecompositionError{Reason: "objective response has no JSON", Err: err}
	}
	doc := gjson.Parse(js)
	plan := &ObjectivePlan{
		Title:       strings.TrimSpace(doc.Get("title").String()),
		Description: strings.TrimSpace(doc.Get("description").String()),
		Priority:    int(doc.Get("priority").Int()),
	}
	if err := validate.Struct(plan); err != nil {
		return nil, &models.DecompositionError{Reason: "malformed objective", Err: describe(err)}
	}
	return plan, nil
}
