// Package report persists synthesized research reports as markdown files.
package report

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/zpandasoft/deer-flow/pkg/models"
)

// DefaultDir is where reports go when no directory is configured.
const DefaultDir = ".taskflow/reports"

const gapsHeading = "## Known gaps"

// Writer stores one markdown file per objective. It works on an afero.Fs
// so tests can use an in-memory filesystem.
type Writer struct {
	fs  afero.Fs
	dir string
}

// NewWriter creates a Writer that stores reports under dir on fs.
func NewWriter(fs afero.Fs, dir string) *Writer {
	if dir == "" {
		dir = DefaultDir
	}
	return &Writer{fs: fs, dir: dir}
}

// NewOsWriter creates a Writer on the real filesystem.
func NewOsWriter(dir string) *Writer {
	return NewWriter(afero.NewOsFs(), dir)
}

// Path returns the report path of objectiveID.
func (w *Writer) Path(objectiveID string) string {
	return filepath.Join(w.dir, objectiveID+".md")
}

// Write stores body for obj and returns the file path. A title header is
// added when body has none, and gaps are listed in their own section.
func (w *Writer) Write(obj *models.Objective, body string, gaps []string) (string, error) {
	if err := w.fs.MkdirAll(w.dir, 0755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}
	path := w.Path(obj.ID)
	if err := afero.WriteFile(w.fs, path, []byte(Render(obj, body, gaps)), 0644); err != nil {
		return "", fmt.Errorf("write report %s: %w", path, err)
	}
	return path, nil
}

// Read returns the stored report of objectiveID.
func (w *Writer) Read(objectiveID string) (string, error) {
	data, err := afero.ReadFile(w.fs, w.Path(objectiveID))
	if err != nil {
		return "", fmt.Errorf("read report %s: %w", objectiveID, err)
	}
	return string(data), nil
}

// Render builds the markdown document for obj.
func Render(obj *models.Objective, body string, gaps []string) string {
	var b strings.Builder
	body = strings.TrimSpace(body)
	if !strings.HasPrefix(body, "# ") {
		title := obj.Title
		if title == "" {
			title = obj.Query
		}
		fmt.Fprintf(&b, "# %s\n\n", title)
	}
	b.WriteString(body)
	b.WriteString("\n")

	if len(gaps) > 0 && !strings.Contains(body, gapsHeading) {
		fmt.Fprintf(&b, "\n%s\n\n", gapsHeading)
		for _, g := range gaps {
			fmt.Fprintf(&b, "- %s\n", g)
		}
	}
	return b.String()
}
