// Package research provides the external lookup and fetch collaborators
// used by research steps.
package research

import (
	"context"
	"strings"
)

// Document is one piece of retrieved information.
type Document struct {
	Title   string `json:"title"`
	URL     string `json:"url,omitempty"`
	Content string `json:"content"`
}

// Searcher performs a knowledge lookup for a query.
type Searcher interface {
	Lookup(ctx context.Context, query string) ([]Document, error)
}

// Fetcher retrieves the text behind a URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Document, error)
}

// SearchFunc adapts a function to Searcher.
type SearchFunc func(ctx context.Context, query string) ([]Document, error)

// Lookup calls f.
func (f SearchFunc) Lookup(ctx context.Context, query string) ([]Document, error) {
	return f(ctx, query)
}

// FetchFunc adapts a function to Fetcher.
type FetchFunc func(ctx context.Context, url string) (Document, error)

// Fetch calls f.
func (f FetchFunc) Fetch(ctx context.Context, url string) (Document, error) {
	return f(ctx, url)
}

// StaticSearcher answers lookups from an in-memory corpus by keyword
// overlap. It backs offline runs and tests.
type StaticSearcher struct {
	Docs []Document
	// Limit caps the number of results; zero means 5.
	Limit int
}

// Lookup returns the documents sharing the most query terms, best first.
func (s *StaticSearcher) Lookup(ctx context.Context, query string) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit := s.Limit
	if limit <= 0 {
		limit = 5
	}
	terms := strings.Fields(strings.ToLower(query))

	type scored struct {
		doc   Document
		score int
	}
	var hits []scored
	for _, d := range s.Docs {
		text := strings.ToLower(d.Title + " " + d.Content)
		score := 0
		for _, term := range terms {
			if strings.Contains(text, term) {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, scored{d, score})
		}
	}
	// Insertion sort keeps ties in corpus order.
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0 && hits[j].score > hits[j-1].score; j-- {
			hits[j], hits[j-1] = hits[j-1], hits[j]
		}
	}

	out := make([]Document, 0, limit)
	for _, h := range hits {
		if len(out) >= limit {
			break
		}
		out = append(out, h.doc)
	}
	return out, nil
}
