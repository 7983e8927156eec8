package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zpandasoft/deer-flow/internal/orchestrator"
	"github.com/zpandasoft/deer-flow/internal/workflow"
)

var resumeSignal bool

var resumeCmd = &cobra.Command{
	Use:   "resume [objective-id]",
	Short: "Resume a paused or interrupted objective",
	Long: `Resume an objective and run it until it ends or needs review.

With no ID, every objective a previous process left unfinished is resumed.
With --signal, the resume is sent to the process already running the
objective instead.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().BoolVar(&resumeSignal, "signal", false, "Signal the process running the objective")
}

func runResume(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if resumeSignal {
		if len(args) == 0 {
			return fmt.Errorf("--signal requires an objective ID")
		}
		return sendSignal(cfg, args[0], orchestrator.SignalResume)
	}

	a, err := newApp(cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()
	a.serveMetrics()

	ctx, stop := interruptContext()
	defer stop()

	stopWatch, err := watchSignals(ctx, a)
	if err != nil {
		return err
	}
	defer stopWatch()

	go printEvents(a.manager.Events())

	if len(args) == 1 {
		objectiveID := args[0]
		obj, err := a.manager.GetObjective(objectiveID)
		if err != nil {
			return err
		}
		if obj.Paused {
			if _, err := a.manager.Resume(ctx, objectiveID); err != nil {
				return err
			}
			printStatus("▶", fmt.Sprintf("Resumed objective %s", objectiveID), colorInfo)
		}
		st, err := drive(ctx, a, objectiveID, nil)
		printOutcome(st)
		return err
	}

	ids, err := a.manager.Recover(ctx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		printStatus("✓", "No interrupted objectives", colorOK)
		return nil
	}
	for _, id := range ids {
		printStatus("↻", fmt.Sprintf("Recovering objective %s", id), colorInfo)
	}
	for _, id := range ids {
		st, err := a.manager.Wait(ctx, id)
		if err != nil {
			printStatus("✗", fmt.Sprintf("%s: %v", id, err), colorErr)
			continue
		}
		if st == nil {
			continue
		}
		if !st.Phase.Terminal() && !st.AwaitingInput {
			parked := st
			st, err = drive(ctx, a, id, func(context.Context) (*workflow.State, error) { return parked, nil })
			if err != nil {
				printStatus("✗", fmt.Sprintf("%s: %v", id, err), colorErr)
				continue
			}
		}
		printOutcome(st)
	}
	return nil
}
