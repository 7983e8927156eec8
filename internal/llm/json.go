package llm

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// ExtractJSON returns the first valid JSON object or array embedded in a
// model reply, skipping any surrounding prose or code fences.
func ExtractJSON(reply string) (string, error) {
	for i := 0; i < len(reply); i++ {
		c := reply[i]
		if c != '{' && c != '[' {
			continue
		}
		if end := matchingClose(reply, i); end > i {
			candidate := reply[i : end+1]
			if gjson.Valid(candidate) {
				return candidate, nil
			}
		}
	}

	preview := reply
	if len(preview) > 300 {
		preview = strings.ToValidUTF8(preview[:300], "") + "... (truncated)"
	}
	return "", fmt.Errorf("no valid JSON found in response (got %d chars): %q", len(reply), preview)
}

// matchingClose finds the bracket closing the one at start, ignoring
// brackets inside string literals. Returns -1 when unbalanced.
func matchingClose(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// StringList reads a JSON array of strings at path, trimming blanks.
func StringList(doc gjson.Result, path string) []string {
	var out []string
	for _, v := range doc.Get(path).Array() {
		if s := strings.TrimSpace(v.String()); s != "" {
			out = append(out, s)
		}
	}
	return out
}
