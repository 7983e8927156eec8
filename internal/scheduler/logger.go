package scheduler

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// traceSink receives trace lines from every loop in the process.
var (
	traceSink   *DebugLogger
	traceSinkMu sync.RWMutex
)

// SetDebugLogger installs the trace sink shared by all loops. Passing nil
// disables tracing.
func SetDebugLogger(l *DebugLogger) {
	traceSinkMu.Lock()
	defer traceSinkMu.Unlock()
	traceSink = l
}

func currentSink() *DebugLogger {
	traceSinkMu.RLock()
	defer traceSinkMu.RUnlock()
	return traceSink
}

// DebugLogger writes trace lines, one per scheduling decision, tagged with
// the objective that made it. Interleaved loops stay separable with grep.
type DebugLogger struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	now    func() time.Time
}

// NewDebugLogger creates a logger appending to logPath. An empty path
// returns a no-op logger. Parent directories are created.
func NewDebugLogger(logPath string) (*DebugLogger, error) {
	if logPath == "" {
		return &DebugLogger{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	l := &DebugLogger{w: f, closer: f, now: time.Now}
	l.Log("", "trace started at %s", time.Now().Format(time.RFC3339))
	return l, nil
}

// NewDebugLoggerTo creates a logger writing to w. The caller owns w.
func NewDebugLoggerTo(w io.Writer, now func() time.Time) *DebugLogger {
	if now == nil {
		now = time.Now
	}
	return &DebugLogger{w: w, now: now}
}

// Log writes one line for objectiveID. An empty objectiveID marks a
// process-wide line. No-op on a nil logger or one without a writer.
func (l *DebugLogger) Log(objectiveID, format string, args ...interface{}) {
	if l == nil || l.w == nil {
		return
	}
	scope := "-"
	if objectiveID != "" {
		scope = shortID(objectiveID)
	}
	msg := fmt.Sprintf(format, args...)

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, "%s obj=%s %s\n", l.now().Format("15:04:05.000"), scope, msg)
	if f, ok := l.w.(*os.File); ok {
		f.Sync()
	}
}

// Close closes the log file. Safe to call on a nil logger.
func (l *DebugLogger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closer.Close()
}

// shortID keeps the first eight characters of a UUID-style ID.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// tracef writes a trace line scoped to the loop's objective.
func (l *Loop) tracef(format string, args ...interface{}) {
	currentSink().Log(l.objectiveID, format, args...)
}
