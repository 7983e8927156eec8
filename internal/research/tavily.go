package research

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// DefaultTavilyEndpoint is the public Tavily search API.
const DefaultTavilyEndpoint = "https://api.tavily.com/search"

// Tavily calls the Tavily search API.
type Tavily struct {
	APIKey string
	// Depth controls Tavily's search_depth parameter (basic or advanced).
	Depth string
	// MaxResults caps the number of returned documents.
	MaxResults int
	// Endpoint overrides the API URL.
	Endpoint string
	// MaxBackoff caps the wait between 429 retries.
	MaxBackoff time.Duration
	client     *http.Client
}

// NewTavily constructs a Tavily searcher with a 10s HTTP timeout.
func NewTavily(apiKey, depth string, maxResults int) *Tavily {
	return NewTavilyWithClient(apiKey, depth, maxResults, &http.Client{Timeout: 10 * time.Second})
}

// NewTavilyWithClient constructs a Tavily searcher using the supplied HTTP client.
func NewTavilyWithClient(apiKey, depth string, maxResults int, client *http.Client) *Tavily {
	if depth == "" {
		depth = "basic"
	}
	if maxResults <= 0 {
		maxResults = 5
	}
	return &Tavily{
		APIKey:     apiKey,
		Depth:      depth,
		MaxResults: maxResults,
		Endpoint:   DefaultTavilyEndpoint,
		MaxBackoff: 30 * time.Second,
		client:     client,
	}
}

// Lookup posts a query to Tavily, backing off on HTTP 429.
func (t *Tavily) Lookup(ctx context.Context, query string) ([]Document, error) {
	if strings.TrimSpace(t.APIKey) == "" {
		return nil, errors.New("tavily: API key is missing")
	}

	payload, err := json.Marshal(map[string]any{
		"query":        query,
		"api_key":      t.APIKey,
		"search_depth": t.Depth,
		"max_results":  t.MaxResults,
	})
	if err != nil {
		return nil, err
	}

	var resp *http.Response
	if t.MaxBackoff <= 0 {
		t.MaxBackoff = 30 * time.Second
	}
	delay := min(1*time.Second, t.MaxBackoff)
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.Endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err = t.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("tavily: %w", err)
		}
		if resp.StatusCode != http.StatusTooManyRequests {
			break
		}
		resp.Body.Close()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		if delay < t.MaxBackoff {
			delay *= 2
			if delay > t.MaxBackoff {
				delay = t.MaxBackoff
			}
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tavily http %d", resp.StatusCode)
	}

	var response struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("tavily: decode response: %w", err)
	}

	docs := make([]Document, 0, len(response.Results))
	for _, r := range response.Results {
		docs = append(docs, Document{Title: r.Title, URL: r.URL, Content: r.Content})
		if len(docs) >= t.MaxResults {
			break
		}
	}
	return docs, nil
}
