package decompose

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/zpandasoft/deer-flow/internal/graph"
	"github.com/zpandasoft/deer-flow/pkg/models"
)

var validate *validator.Validate

func init() {
	validate = validator.New()

	if err := validate.RegisterValidation("nonempty", nonEmpty); err != nil {
		panic(fmt.Sprintf("decompose: register nonempty validation: %v", err))
	}
}

func nonEmpty(fl validator.FieldLevel) bool {
	return strings.TrimSpace(fl.Field().String()) != ""
}

// taskShape holds the task fields checked by struct tags.
type taskShape struct {
	Title    string `validate:"required,nonempty,max=300"`
	Priority int    `validate:"gte=0"`
}

// stepShape holds the step fields checked by struct tags.
type stepShape struct {
	Title     string `validate:"required,nonempty,max=300"`
	StepType  string `validate:"required,oneof=RESEARCH PROCESSING"`
	Priority  int    `validate:"gte=0"`
	TimeoutMS int64  `validate:"gte=0"`
}

// Validate checks a plan before anything is persisted: well-formed units,
// known dependencies, step dependencies within their task, no empty tasks,
// and no cycles. Every violation is a *models.DecompositionError.
func Validate(plans []*TaskPlan) error {
	if len(plans) == 0 {
		return &models.DecompositionError{Reason: "plan has no tasks"}
	}

	taskIDs := make(map[string]bool)
	stepOwner := make(map[string]string)
	for _, p := range plans {
		taskIDs[p.Task.ID] = true
		for _, s := range p.Steps {
			stepOwner[s.ID] = p.Task.ID
		}
	}

	tasks := make([]*models.Task, 0, len(plans))
	for _, p := range plans {
		t := p.Task
		tasks = append(tasks, t)
		if err := validate.Struct(taskShape{Title: t.Title, Priority: t.Priority}); err != nil {
			return &models.DecompositionError{Reason: fmt.Sprintf("malformed task %q", t.Title), Err: describe(err)}
		}
		if len(p.Steps) == 0 {
			return &models.DecompositionError{Reason: fmt.Sprintf("task %q has no steps", t.Title)}
		}
		for _, dep := range t.DependsOn {
			if !taskIDs[dep] {
				return &models.DecompositionError{Reason: fmt.Sprintf("task %q depends on unknown task %q", t.Title, dep)}
			}
		}

		for _, s := range p.Steps {
			shape := stepShape{Title: s.Title, StepType: string(s.StepType), Priority: s.Priority, TimeoutMS: s.Timeout.Milliseconds()}
			if err := validate.Struct(shape); err != nil {
				return &models.DecompositionError{Reason: fmt.Sprintf("malformed step %q", s.Title), Err: describe(err)}
			}
			if s.StepType == models.StepProcessing && s.NeedExternalLookup {
				return &models.DecompositionError{Reason: fmt.Sprintf("processing step %q needs external lookup", s.Title)}
			}
			for _, dep := range s.DependsOn {
				owner, ok := stepOwner[dep]
				switch {
				case !ok:
					return &models.DecompositionError{Reason: fmt.Sprintf("step %q depends on unknown step %q", s.Title, dep)}
				case owner != t.ID:
					return &models.DecompositionError{Reason: fmt.Sprintf("step %q depends on a step of another task", s.Title)}
				}
			}
		}

		if err := checkGraph(graph.FromSteps(p.Steps), "cyclic step dependency in task "+t.Title); err != nil {
			return err
		}
	}

	return checkGraph(graph.FromTasks(tasks), "cyclic task dependency")
}

func checkGraph(nodes []graph.Node, reason string) error {
	err := graph.New().Build(nodes)
	if err == nil {
		return nil
	}
	var ce *graph.CycleError
	if errors.As(err, &ce) {
		return &models.DecompositionError{Reason: reason, Cycle: ce.Cycle, Err: err}
	}
	return &models.DecompositionError{Reason: "invalid dependency graph", Err: err}
}

// describe flattens validator errors into one readable error.
func describe(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s fails %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s fails %s", fe.Field(), fe.Tag()))
		}
	}
	return errors.New(strings.Join(parts, "; "))
}
