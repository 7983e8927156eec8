package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/zpandasoft/deer-flow/internal/llm"
	"github.com/zpandasoft/deer-flow/pkg/models"
)

// ProcessingExecutor transforms the outputs of a step's dependencies. It
// has no lookup collaborator.
type ProcessingExecutor struct {
	llm llm.Invoker
}

// NewProcessingExecutor creates a processing executor.
func NewProcessingExecutor(inv llm.Invoker) *ProcessingExecutor {
	return &ProcessingExecutor{llm: inv}
}

// Execute rejects steps that ask for external lookup, then asks the model
// to work from the dependency outputs alone.
func (e *ProcessingExecutor) Execute(ctx context.Context, req Request) Outcome {
	if req.Step.NeedExternalLookup {
		return Failed(&models.DecompositionError{
			Reason: fmt.Sprintf("processing step %s requests external lookup", req.Step.ID),
		})
	}

	var b strings.Builder
	writeContext(&b, req)
	if len(req.Dependencies) == 0 {
		b.WriteString("There are no prior results. Work from the objective and task statement only.\n\n")
	} else {
		b.WriteString("Prior results:\n")
		for _, d := range req.Dependencies {
			fmt.Fprintf(&b, "## %s\n%s\n\n", d.Title, d.Result.Text())
		}
	}
	b.WriteString("Carry out the step using only the material above. Do not introduce outside facts.\n")

	out, err := e.llm.Invoke(ctx, b.String())
	if err != nil {
		return Failed(fmt.Errorf("process step: %w", err))
	}

	var sources []models.Source
	seen := make(map[string]bool)
	for _, d := range req.Dependencies {
		if d.Result == nil {
			continue
		}
		for _, s := range d.Result.Sources {
			key := s.URL + "|" + s.Title
			if !seen[key] {
				seen[key] = true
				sources = append(sources, s)
			}
		}
	}
	return Succeeded(&models.StepResult{Summary: strings.TrimSpace(out), Sources: sources})
}
