package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/zpandasoft/deer-flow/pkg/models"
)

// DefaultSignalDir is where control files are dropped.
const DefaultSignalDir = ".taskflow/signals"

// Signal names a control file suffix.
type Signal string

const (
	SignalPause  Signal = "pause"
	SignalResume Signal = "resume"
	SignalCancel Signal = "cancel"
)

// signalTimeout bounds one control request made for a signal file.
const signalTimeout = 30 * time.Second

// Controller is the part of Manager a SignalWatcher drives.
type Controller interface {
	Pause(ctx context.Context, objectiveID string) (*models.Objective, error)
	Resume(ctx context.Context, objectiveID string) (*models.Objective, error)
	Cancel(ctx context.Context, objectiveID string) (*models.Objective, error)
}

// SignalPath returns the control file for objectiveID and sig.
func SignalPath(dir, objectiveID string, sig Signal) string {
	return filepath.Join(dir, objectiveID+"."+string(sig))
}

// SendSignal drops a control file for a process watching dir.
func SendSignal(dir, objectiveID string, sig Signal) error {
	if _, _, ok := ParseSignal(objectiveID + "." + string(sig)); !ok {
		return fmt.Errorf("invalid signal %q for %q", sig, objectiveID)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(SignalPath(dir, objectiveID, sig), []byte(time.Now().Format(time.RFC3339)), 0644)
}

// ParseSignal splits a control file name into objective ID and signal.
func ParseSignal(name string) (string, Signal, bool) {
	name = filepath.Base(name)
	i := strings.LastIndexByte(name, '.')
	if i <= 0 {
		return "", "", false
	}
	sig := Signal(name[i+1:])
	switch sig {
	case SignalPause, SignalResume, SignalCancel:
		return name[:i], sig, true
	}
	return "", "", false
}

// SignalWatcher turns control files written by other processes into
// pause, resume and cancel calls. Each file is removed once handled.
type SignalWatcher struct {
	dir     string
	ctl     Controller
	watcher *fsnotify.Watcher

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewSignalWatcher watches dir, creating it when missing.
func NewSignalWatcher(dir string, ctl Controller) (*SignalWatcher, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create signal directory: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	return &SignalWatcher{
		dir:     dir,
		ctl:     ctl,
		watcher: watcher,
		done:    make(chan struct{}),
	}, nil
}

// Start handles files already present and then watches for new ones
// until ctx ends or Close is called.
func (w *SignalWatcher) Start(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		log.Printf("[signals] read %s: %v", w.dir, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			w.handle(ctx, filepath.Join(w.dir, e.Name()))
		}
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.watch(ctx)
	}()
}

func (w *SignalWatcher) watch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.handle(ctx, event.Name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[signals] watcher error: %v", err)
		}
	}
}

// handle consumes one control file. Files that are already gone were
// handled by an earlier event.
func (w *SignalWatcher) handle(ctx context.Context, path string) {
	id, sig, ok := ParseSignal(path)
	if !ok {
		return
	}
	if err := os.Remove(path); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			log.Printf("[signals] remove %s: %v", path, err)
		}
		return
	}

	ctx, cancel := context.WithTimeout(ctx, signalTimeout)
	defer cancel()

	var err error
	switch sig {
	case SignalPause:
		_, err = w.ctl.Pause(ctx, id)
	case SignalResume:
		_, err = w.ctl.Resume(ctx, id)
	case SignalCancel:
		_, err = w.ctl.Cancel(ctx, id)
	}
	if err != nil {
		log.Printf("[signals] %s %s: %v", sig, id, err)
		return
	}
	log.Printf("[signals] %s %s", sig, id)
}

// Close stops watching and waits for the watch goroutine.
func (w *SignalWatcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.watcher.Close()
		w.wg.Wait()
	})
	return err
}
