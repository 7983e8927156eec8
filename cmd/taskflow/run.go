package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zpandasoft/deer-flow/internal/orchestrator"
	"github.com/zpandasoft/deer-flow/internal/workflow"
)

// resumePollInterval is how often a paused run checks for a resume.
const resumePollInterval = 500 * time.Millisecond

var (
	runNoAutoAccept bool
	runWorkers      int
	runPriority     int
	runMaxRetries   int
)

var runCmd = &cobra.Command{
	Use:   "run <query>",
	Short: "Create an objective from a query and run it",
	Long: `Create an objective from a research query and run it to completion.

The query is analyzed, decomposed into tasks and steps, executed and
synthesized into a report. With --no-auto-accept the run stops at each
review point; answer it with 'taskflow review'.

While the run is live, other shells can control it with
'taskflow pause|resume|cancel <id> --signal'.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVar(&runNoAutoAccept, "no-auto-accept", false, "Stop for human review after planning and evaluation")
	runCmd.Flags().IntVar(&runWorkers, "workers", 0, "Maximum concurrent steps (default from config)")
	runCmd.Flags().IntVar(&runPriority, "priority", 0, "Objective priority, lower runs first")
	runCmd.Flags().IntVar(&runMaxRetries, "max-retries", 0, "Objective-level completion retries (default from config)")
}

func runRun(cmd *cobra.Command, args []string) error {
	query := strings.Join(args, " ")

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if runWorkers > 0 {
		cfg.Scheduler.MaxWorkers = runWorkers
	}

	a, err := newApp(cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()
	a.serveMetrics()

	ctx, stop := interruptContext()
	defer stop()

	opts := orchestrator.CreateOptions{Priority: runPriority, MaxRetries: runMaxRetries}
	if runNoAutoAccept {
		autoAccept := false
		opts.AutoAccept = &autoAccept
	}
	obj, err := a.manager.CreateObjective(ctx, query, opts)
	if err != nil {
		return err
	}
	printStatus("+", fmt.Sprintf("Created objective %s", obj.ID), colorInfo)

	stopWatch, err := watchSignals(ctx, a)
	if err != nil {
		return err
	}
	defer stopWatch()

	go printEvents(a.manager.Events())

	st, err := drive(ctx, a, obj.ID, nil)
	printOutcome(st)
	return err
}

// watchSignals handles control files from other processes while a run is
// live.
func watchSignals(ctx context.Context, a *app) (func(), error) {
	w, err := orchestrator.NewSignalWatcher(signalDir(a.cfg), a.manager)
	if err != nil {
		return nil, fmt.Errorf("watch signals: %w", err)
	}
	w.Start(ctx)
	return func() {
		if err := w.Close(); err != nil {
			log.Printf("[taskflow] close signal watcher: %v", err)
		}
	}, nil
}

// drive runs objectiveID until it ends, aborts or waits for review. When
// first is nil the run starts with RunSync. A pause parks the run until
// the objective is resumed or cancelled.
func drive(ctx context.Context, a *app, objectiveID string, first func(context.Context) (*workflow.State, error)) (*workflow.State, error) {
	step := first
	if step == nil {
		step = func(ctx context.Context) (*workflow.State, error) {
			return a.manager.RunSync(ctx, objectiveID)
		}
	}
	for {
		st, err := step(ctx)
		if errors.Is(err, orchestrator.ErrAlreadyRunning) {
			// A control request is settling the objective in this process.
			st, err = a.manager.Wait(ctx, objectiveID)
		}
		if err != nil {
			return st, err
		}
		if st == nil || st.Phase.Terminal() || st.AwaitingInput {
			return st, nil
		}
		printStatus("‖", "Paused, waiting for resume", colorWarn)
		if err := waitForResume(ctx, a, objectiveID); err != nil {
			return st, err
		}
		step = func(ctx context.Context) (*workflow.State, error) {
			return a.manager.RunSync(ctx, objectiveID)
		}
	}
}

// waitForResume polls until the objective is no longer paused.
func waitForResume(ctx context.Context, a *app, objectiveID string) error {
	ticker := time.NewTicker(resumePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		obj, err := a.manager.GetObjective(objectiveID)
		if err != nil {
			return err
		}
		if !obj.Paused || obj.Status.Terminal() {
			return nil
		}
	}
}
