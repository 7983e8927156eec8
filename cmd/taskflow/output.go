package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/zpandasoft/deer-flow/internal/orchestrator"
	"github.com/zpandasoft/deer-flow/internal/workflow"
)

const (
	colorOK   = color.FgGreen
	colorWarn = color.FgYellow
	colorErr  = color.FgRed
	colorInfo = color.FgCyan
)

// printStatus prints a status message with a colored symbol.
func printStatus(symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		if m > 0 {
			return fmt.Sprintf("%dh%dm", h, m)
		}
		return fmt.Sprintf("%dh", h)
	}
	days := int(d.Hours()) / 24
	return fmt.Sprintf("%dd", days)
}

// truncate shortens s to n runes.
func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}

// eventLine renders one event. Events with nothing worth showing return
// an empty symbol.
func eventLine(ev orchestrator.OrchestratorEvent) (symbol, text string, attr color.Attribute) {
	unit := ev.ReferenceID
	if ev.Title != "" {
		unit = fmt.Sprintf("%s (%s)", truncate(ev.Title, 48), ev.ReferenceID)
	}
	switch ev.Type {
	case orchestrator.EventPhaseChanged:
		return "→", fmt.Sprintf("phase %s", ev.Phase), colorInfo
	case orchestrator.EventUnitDispatched:
		return "·", fmt.Sprintf("started %s %s", strings.ToLower(string(ev.ReferenceType)), unit), colorInfo
	case orchestrator.EventUnitCompleted:
		return "✓", fmt.Sprintf("completed %s %s", strings.ToLower(string(ev.ReferenceType)), unit), colorOK
	case orchestrator.EventRetryScheduled:
		return "↻", fmt.Sprintf("retrying %s: %s", unit, ev.Message), colorWarn
	case orchestrator.EventUnitFailed:
		return "✗", fmt.Sprintf("failed %s: %s", unit, ev.Message), colorErr
	case orchestrator.EventObjectivePaused:
		return "‖", "objective paused", colorWarn
	case orchestrator.EventObjectiveResumed:
		return "▶", "objective resumed", colorInfo
	case orchestrator.EventObjectiveCancelled:
		return "✗", "objective cancelled", colorWarn
	case orchestrator.EventAwaitingInput:
		return "?", "waiting for review", colorWarn
	case orchestrator.EventRunError:
		msg := ev.Message
		if ev.Error != nil {
			msg = ev.Error.Error()
		}
		return "✗", "run error: " + msg, colorErr
	}
	return "", "", 0
}

// printEvents prints events until the channel closes.
func printEvents(events <-chan orchestrator.OrchestratorEvent) {
	for ev := range events {
		symbol, text, attr := eventLine(ev)
		if symbol == "" {
			continue
		}
		printStatus(symbol, text, attr)
	}
}

// printOutcome describes where a run stopped.
func printOutcome(st *workflow.State) {
	switch {
	case st == nil:
		return
	case st.Phase == workflow.PhaseEnd:
		printStatus("✓", "Objective completed", colorOK)
		if st.ReportPath != "" {
			fmt.Printf("  Report: %s\n", st.ReportPath)
		}
	case st.Phase == workflow.PhaseAborted:
		msg := "Objective aborted"
		if st.Failure != nil {
			msg += ": " + st.Failure.Error()
		}
		printStatus("✗", msg, colorErr)
	case st.AwaitingInput:
		printStatus("?", "Waiting for review", colorWarn)
		if st.Review != nil {
			if st.Review.Summary != "" {
				fmt.Printf("\n%s\n\n", st.Review.Summary)
			}
			for _, gap := range st.Review.Gaps {
				fmt.Printf("  - %s\n", gap)
			}
		}
		fmt.Printf("  Respond with: taskflow review %s --accept | --edit <feedback> | --cancel\n", st.ObjectiveID)
	default:
		printStatus("‖", fmt.Sprintf("Stopped in %s", st.Phase), colorWarn)
		fmt.Printf("  Continue with: taskflow resume %s\n", st.ObjectiveID)
	}
}
