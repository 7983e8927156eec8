package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zpandasoft/deer-flow/internal/config"
	"github.com/zpandasoft/deer-flow/internal/orchestrator"
	"github.com/zpandasoft/deer-flow/pkg/models"
)

var (
	pauseSignal  bool
	cancelSignal bool
)

var pauseCmd = &cobra.Command{
	Use:   "pause <objective-id>",
	Short: "Stop dispatching new steps for an objective",
	Long: `Pause an objective. Steps already running finish; nothing new starts
until the objective is resumed.

Without --signal the pause is written to the store directly. Use --signal
when another taskflow process is running the objective.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runControl(args[0], pauseSignal, orchestrator.SignalPause,
			func(ctx context.Context, m *orchestrator.Manager, id string) (*models.Objective, error) {
				return m.Pause(ctx, id)
			})
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <objective-id>",
	Short: "Cancel an objective",
	Long: `Cancel an objective. Pending work is cancelled, running attempts are
abandoned and the workflow aborts.

Use --signal when another taskflow process is running the objective.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runControl(args[0], cancelSignal, orchestrator.SignalCancel,
			func(ctx context.Context, m *orchestrator.Manager, id string) (*models.Objective, error) {
				return m.Cancel(ctx, id)
			})
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <task-or-step-id>",
	Short: "Reset a failed task or step so it runs again",
	Long: `Reset a failed task or step to PENDING. Its attempt history is kept.
A running objective picks the unit up on its next pass; otherwise continue
with 'taskflow resume'.`,
	Args: cobra.ExactArgs(1),
	RunE: runRetry,
}

func init() {
	pauseCmd.Flags().BoolVar(&pauseSignal, "signal", false, "Signal the process running the objective")
	cancelCmd.Flags().BoolVar(&cancelSignal, "signal", false, "Signal the process running the objective")
}

type controlFunc func(ctx context.Context, m *orchestrator.Manager, objectiveID string) (*models.Objective, error)

func runControl(objectiveID string, viaSignal bool, sig orchestrator.Signal, fn controlFunc) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if viaSignal {
		return sendSignal(cfg, objectiveID, sig)
	}

	a, err := newApp(cfg, false)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := interruptContext()
	defer stop()

	obj, err := fn(ctx, a.manager, objectiveID)
	if err != nil {
		return err
	}
	printStatus("✓", fmt.Sprintf("Objective %s: %s (paused=%t)", obj.ID, obj.Status, obj.Paused), colorOK)
	return nil
}

func runRetry(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a, err := newApp(cfg, false)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := interruptContext()
	defer stop()

	if err := a.manager.Retry(ctx, args[0]); err != nil {
		return err
	}
	printStatus("✓", fmt.Sprintf("Reset %s to %s", args[0], models.StatusPending), colorOK)
	return nil
}

// sendSignal drops a control file for the process running objectiveID.
func sendSignal(cfg *config.Config, objectiveID string, sig orchestrator.Signal) error {
	if err := orchestrator.SendSignal(signalDir(cfg), objectiveID, sig); err != nil {
		return fmt.Errorf("send %s signal: %w", sig, err)
	}
	printStatus("→", fmt.Sprintf("Sent %s to %s", sig, objectiveID), colorInfo)
	return nil
}
