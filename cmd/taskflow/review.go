package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zpandasoft/deer-flow/internal/workflow"
)

var (
	reviewAccept bool
	reviewEdit   string
	reviewCancel bool
)

var reviewCmd = &cobra.Command{
	Use:   "review <objective-id>",
	Short: "Answer a pending review and continue the objective",
	Long: `Answer the review an objective is waiting on.

  --accept          continue with the current plan or results
  --edit <message>  replan the tasks using the feedback message
  --cancel          abort the objective`,
	Args: cobra.ExactArgs(1),
	RunE: runReview,
}

func init() {
	reviewCmd.Flags().BoolVar(&reviewAccept, "accept", false, "Accept and continue")
	reviewCmd.Flags().StringVar(&reviewEdit, "edit", "", "Replan with this feedback")
	reviewCmd.Flags().BoolVar(&reviewCancel, "cancel", false, "Abort the objective")
}

// feedbackFromFlags builds the review answer. Exactly one choice is allowed.
func feedbackFromFlags(accept bool, edit string, cancel bool) (workflow.Feedback, error) {
	var choices []workflow.Feedback
	if accept {
		choices = append(choices, workflow.Feedback{Action: workflow.ActionAccept})
	}
	if edit != "" {
		choices = append(choices, workflow.Feedback{Action: workflow.ActionEdit, Message: edit})
	}
	if cancel {
		choices = append(choices, workflow.Feedback{Action: workflow.ActionCancel})
	}
	switch len(choices) {
	case 0:
		return workflow.Feedback{}, errors.New("one of --accept, --edit or --cancel is required")
	case 1:
		return choices[0], nil
	}
	return workflow.Feedback{}, errors.New("--accept, --edit and --cancel are mutually exclusive")
}

func runReview(cmd *cobra.Command, args []string) error {
	objectiveID := args[0]
	fb, err := feedbackFromFlags(reviewAccept, reviewEdit, reviewCancel)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a, err := newApp(cfg, fb.Action != workflow.ActionCancel)
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

	st, err := drive(ctx, a, objectiveID, func(ctx context.Context) (*workflow.State, error) {
		return a.manager.Respond(ctx, objectiveID, fb)
	})
	printOutcome(st)
	return err
}
