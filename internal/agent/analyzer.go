package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/zpandasoft/deer-flow/internal/llm"
	"github.com/zpandasoft/deer-flow/pkg/models"
)

// ContextAnalyzer turns a raw query into background context for planning.
type ContextAnalyzer struct {
	llm llm.Invoker
}

// NewContextAnalyzer creates an analyzer backed by inv.
func NewContextAnalyzer(inv llm.Invoker) *ContextAnalyzer {
	return &ContextAnalyzer{llm: inv}
}

// Analyze describes the domain, likely sub-questions, and ambiguities of query.
func (a *ContextAnalyzer) Analyze(ctx context.Context, query string) (string, error) {
	prompt := fmt.Sprintf(`Analyse this research request before it is planned.

Request: %s

Describe in a few short paragraphs: the domain, what a complete answer must cover,
key terms, and any ambiguity a planner should resolve. Do not answer the request.`, query)

	out, err := a.llm.Invoke(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("analyse context: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// TaskOutput is one completed task handed to synthesis.
type TaskOutput struct {
	Title   string
	Result  string
	Sources []models.Source
}

// Synthesizer writes the final report for an objective.
type Synthesizer struct {
	llm llm.Invoker
}

// NewSynthesizer creates a synthesizer backed by inv.
func NewSynthesizer(inv llm.Invoker) *Synthesizer {
	return &Synthesizer{llm: inv}
}

// Synthesize combines task outputs into a markdown report body.
func (s *Synthesizer) Synthesize(ctx context.Context, obj *models.Objective, tasks []TaskOutput, gaps []string) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a markdown research report.\n\nObjective: %s\n%s\n\n", obj.Title, obj.Description)
	for _, t := range tasks {
		fmt.Fprintf(&b, "## %s\n%s\n", t.Title, t.Result)
		for _, src := range t.Sources {
			fmt.Fprintf(&b, "- source: %s %s\n", src.Title, src.URL)
		}
		b.WriteString("\n")
	}
	if len(gaps) > 0 {
		b.WriteString("Known gaps to state openly in the report:\n")
		for _, g := range gaps {
			fmt.Fprintf(&b, "- %s\n", g)
		}
	}
	b.WriteString("\nUse only the findings above. Keep the source list at the end.\n")

	out, err := s.llm.Invoke(ctx, b.String())
	if err != nil {
		return "", fmt.Errorf("synthesize report: %w", err)
	}
	return strings.TrimSpace(out), nil
}
