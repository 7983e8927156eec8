package research

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"
)

// DefaultMaxFetchBytes limits fetched text to keep prompts small.
const DefaultMaxFetchBytes = 32 * 1024

// HTTPFetcher retrieves a page and reduces it to readable text.
type HTTPFetcher struct {
	client   *http.Client
	maxBytes int
}

// NewHTTPFetcher creates a fetcher. Zero values select a 15s timeout and
// DefaultMaxFetchBytes.
func NewHTTPFetcher(timeout time.Duration, maxBytes int) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFetchBytes
	}
	return &HTTPFetcher{client: &http.Client{Timeout: timeout}, maxBytes: maxBytes}
}

// Fetch downloads url, strips markup, and truncates the text.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (Document, error) {
	trimmed := strings.TrimSpace(url)
	if trimmed == "" {
		return Document{}, errors.New("fetch url is empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, trimmed, nil)
	if err != nil {
		return Document{}, err
	}
	req.Header.Set("User-Agent", "taskflow/1.0 (+research fetcher)")

	resp, err := f.client.Do(req)
	if err != nil {
		return Document{}, fmt.Errorf("fetch %s: %w", trimmed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Document{}, fmt.Errorf("fetch http %d: %s", resp.StatusCode, trimmed)
	}

	// Read a bounded prefix; markup is usually several times the text size.
	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(f.maxBytes)*8))
	if err != nil {
		return Document{}, fmt.Errorf("read %s: %w", trimmed, err)
	}

	doc := Document{URL: trimmed}
	if strings.Contains(resp.Header.Get("Content-Type"), "html") || looksLikeHTML(body) {
		doc.Title, doc.Content = HTMLToText(string(body))
	} else {
		doc.Content = strings.TrimSpace(string(body))
	}
	if len(doc.Content) > f.maxBytes {
		// Drop the rune split by the cut.
		doc.Content = strings.ToValidUTF8(doc.Content[:f.maxBytes], "") + "\n[TRUNCATED]"
	}
	return doc, nil
}

func looksLikeHTML(body []byte) bool {
	head := strings.ToLower(string(body[:min(len(body), 512)]))
	return strings.Contains(head, "<html") || strings.Contains(head, "<!doctype html")
}

// HTMLToText returns the page title and visible text, skipping script,
// style and noscript content.
func HTMLToText(src string) (title, text string) {
	root, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return "", compactWhitespace(src)
	}
	var b strings.Builder
	extractText(root, &b, false, &title)
	return strings.TrimSpace(title), compactWhitespace(b.String())
}

func extractText(n *html.Node, b *strings.Builder, inHidden bool, title *string) {
	if n.Type == html.ElementNode {
		switch strings.ToLower(n.Data) {
		case "script", "style", "noscript":
			inHidden = true
		case "title":
			if n.FirstChild != nil && *title == "" {
				*title = n.FirstChild.Data
			}
			inHidden = true
		case "br", "p", "div", "li", "tr", "h1", "h2", "h3", "h4":
			b.WriteString("\n")
		}
	}
	if !inHidden && n.Type == html.TextNode {
		b.WriteString(n.Data)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		extractText(c, b, inHidden, title)
	}
}

func compactWhitespace(s string) string {
	s = strings.ReplaceAll(s, "\t", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	var out []string
	for _, ln := range strings.Split(s, "\n") {
		if ln = strings.Join(strings.Fields(ln), " "); ln != "" {
			out = append(out, ln)
		}
	}
	return strings.Join(out, "\n")
}
