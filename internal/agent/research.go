package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/zpandasoft/deer-flow/internal/llm"
	"github.com/zpandasoft/deer-flow/internal/research"
	"github.com/zpandasoft/deer-flow/pkg/models"
)

// maxDocChars caps each document quoted into a prompt.
const maxDocChars = 4000

// ResearchExecutor answers a step by consulting external lookups and
// summarising what it found.
type ResearchExecutor struct {
	search research.Searcher
	fetch  research.Fetcher
	llm    llm.Invoker
	// maxPages is the number of result URLs fetched in full.
	maxPages int
}

// ErrNoLookup is returned by research steps when no lookup is configured.
var ErrNoLookup = errors.New("no external lookup configured")

// NewResearchExecutor creates a research executor. fetch may be nil, in
// which case only search snippets are used. A nil search fails every step.
func NewResearchExecutor(search research.Searcher, fetch research.Fetcher, inv llm.Invoker, maxPages int) *ResearchExecutor {
	if maxPages < 0 {
		maxPages = 0
	}
	return &ResearchExecutor{search: search, fetch: fetch, llm: inv, maxPages: maxPages}
}

// Execute performs the lookup, optionally fetches top pages, and summarises.
func (e *ResearchExecutor) Execute(ctx context.Context, req Request) Outcome {
	step := req.Step
	query := strings.TrimSpace(step.Query)
	if query == "" {
		query = step.Title
	}

	if e.search == nil {
		return Failed(ErrNoLookup)
	}
	docs, err := e.search.Lookup(ctx, query)
	lookups := 1
	if err != nil {
		return Failed(fmt.Errorf("lookup %q: %w", query, err))
	}
	if len(docs) == 0 {
		return Failed(fmt.Errorf("lookup %q returned no documents", query))
	}

	if e.fetch != nil {
		fetched := 0
		for i := range docs {
			if fetched >= e.maxPages {
				break
			}
			if docs[i].URL == "" {
				continue
			}
			page, err := e.fetch.Fetch(ctx, docs[i].URL)
			lookups++
			fetched++
			if err != nil {
				log.Printf("[agent] step %s: fetch %s failed: %v", step.ID, docs[i].URL, err)
				continue
			}
			if page.Content != "" {
				docs[i].Content = page.Content
			}
		}
	}

	summary, err := e.llm.Invoke(ctx, researchPrompt(req, query, docs))
	if err != nil {
		return Failed(fmt.Errorf("summarise research: %w", err))
	}

	sources := make([]models.Source, 0, len(docs))
	for _, d := range docs {
		sources = append(sources, models.Source{Title: d.Title, URL: d.URL})
	}
	return Succeeded(&models.StepResult{
		Summary: strings.TrimSpace(summary),
		Sources: sources,
		Lookups: lookups,
	})
}

func researchPrompt(req Request, query string, docs []research.Document) string {
	var b strings.Builder
	writeContext(&b, req)
	fmt.Fprintf(&b, "Search query: %s\n\nDocuments:\n", query)
	for i, d := range docs {
		content := d.Content
		if len(content) > maxDocChars {
			content = strings.ToValidUTF8(content[:maxDocChars], "") + " [...]"
		}
		fmt.Fprintf(&b, "[%d] %s (%s)\n%s\n\n", i+1, d.Title, d.URL, content)
	}
	b.WriteString("Answer the step using only these documents. Cite documents by number. Say plainly what the documents do not cover.\n")
	return b.String()
}

// writeContext renders the objective, task, step and guidance shared by
// every step prompt.
func writeContext(b *strings.Builder, req Request) {
	if req.Objective != nil {
		fmt.Fprintf(b, "Objective: %s\n%s\n\n", req.Objective.Title, req.Objective.Description)
	}
	if req.Task != nil {
		fmt.Fprintf(b, "Task: %s\n%s\n\n", req.Task.Title, req.Task.Description)
	}
	fmt.Fprintf(b, "Step: %s\n%s\n\n", req.Step.Title, req.Step.Description)
	if len(req.Step.Guidance) > 0 {
		b.WriteString("A previous attempt was judged incomplete. Address this feedback:\n")
		for _, g := range req.Step.Guidance {
			fmt.Fprintf(b, "- %s\n", g)
		}
		b.WriteString("\n")
	}
}
