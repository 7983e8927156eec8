package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/zpandasoft/deer-flow/internal/orchestrator"
	"github.com/zpandasoft/deer-flow/pkg/models"
)

var (
	statusFormat string
	statusFilter string
)

var statusCmd = &cobra.Command{
	Use:   "status [objective-id]",
	Short: "Show objectives or the detail of one objective",
	Long: `Without an ID, list objectives newest first. With an ID, show the
objective's workflow phase, its tasks and steps, and their attempt counts.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusFormat, "format", "text", "Output format: text or yaml")
	statusCmd.Flags().StringVar(&statusFilter, "status", "", "Only list objectives with this status")
}

// statusView is the printable form of an objective.
type statusView struct {
	ID            string     `yaml:"id"`
	Query         string     `yaml:"query"`
	Title         string     `yaml:"title,omitempty"`
	Status        string     `yaml:"status"`
	Phase         string     `yaml:"phase,omitempty"`
	Paused        bool       `yaml:"paused,omitempty"`
	AwaitingInput bool       `yaml:"awaiting_input,omitempty"`
	Degraded      bool       `yaml:"degraded,omitempty"`
	RetryCount    int        `yaml:"retry_count"`
	Gaps          []string   `yaml:"gaps,omitempty"`
	Error         string     `yaml:"error,omitempty"`
	Report        string     `yaml:"report,omitempty"`
	Tasks         []taskView `yaml:"tasks,omitempty"`
}

type taskView struct {
	ID       string     `yaml:"id"`
	Title    string     `yaml:"title"`
	Status   string     `yaml:"status"`
	Required bool       `yaml:"required"`
	Gaps     []string   `yaml:"gaps,omitempty"`
	Error    string     `yaml:"error,omitempty"`
	Steps    []stepView `yaml:"steps,omitempty"`
}

type stepView struct {
	ID       string `yaml:"id"`
	Title    string `yaml:"title"`
	Type     string `yaml:"type"`
	Status   string `yaml:"status"`
	Attempts int    `yaml:"attempts"`
	Error    string `yaml:"error,omitempty"`
}

// newStatusView flattens a manager status into tasks with nested steps.
func newStatusView(s *orchestrator.Status) statusView {
	obj := s.Objective
	v := statusView{
		ID:         obj.ID,
		Query:      obj.Query,
		Title:      obj.Title,
		Status:     string(obj.Status),
		Paused:     obj.Paused,
		Degraded:   obj.Degraded,
		RetryCount: obj.RetryCount,
		Gaps:       obj.Gaps,
		Error:      obj.Error,
	}
	if s.Workflow != nil {
		v.Phase = string(s.Workflow.Phase)
		v.AwaitingInput = s.Workflow.AwaitingInput
		v.Report = s.Workflow.ReportPath
	}

	attempts := make(map[string]int)
	for _, sch := range s.Schedules {
		if sch.ReferenceType == models.RefStep {
			attempts[sch.ReferenceID]++
		}
	}
	steps := make(map[string][]stepView)
	for _, st := range s.Steps {
		steps[st.TaskID] = append(steps[st.TaskID], stepView{
			ID:       st.ID,
			Title:    st.Title,
			Type:     string(st.StepType),
			Status:   string(st.Status),
			Attempts: attempts[st.ID],
			Error:    st.Error,
		})
	}
	for _, t := range s.Tasks {
		v.Tasks = append(v.Tasks, taskView{
			ID:       t.ID,
			Title:    t.Title,
			Status:   string(t.Status),
			Required: t.Required,
			Gaps:     t.Gaps,
			Error:    t.Error,
			Steps:    steps[t.ID],
		})
	}
	return v
}

func runStatus(cmd *cobra.Command, args []string) error {
	if statusFormat != "text" && statusFormat != "yaml" {
		return fmt.Errorf("unknown format %q (want text or yaml)", statusFormat)
	}
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a, err := newApp(cfg, false)
	if err != nil {
		return err
	}
	defer a.Close()

	if len(args) == 0 {
		return listObjectives(a)
	}

	s, err := a.manager.Status(args[0])
	if err != nil {
		return err
	}
	v := newStatusView(s)
	if statusFormat == "yaml" {
		return writeYAML(v)
	}
	printStatusView(v)
	return nil
}

func listObjectives(a *app) error {
	var filter *models.ObjectiveStatus
	if statusFilter != "" {
		st := models.ObjectiveStatus(strings.ToUpper(statusFilter))
		if !st.Valid() {
			return fmt.Errorf("unknown status %q", statusFilter)
		}
		filter = &st
	}
	objs, err := a.manager.ListObjectives(filter)
	if err != nil {
		return err
	}
	if statusFormat == "yaml" {
		views := make([]statusView, 0, len(objs))
		for _, obj := range objs {
			views = append(views, statusView{ID: obj.ID, Query: obj.Query, Title: obj.Title,
				Status: string(obj.Status), Paused: obj.Paused, RetryCount: obj.RetryCount})
		}
		return writeYAML(views)
	}
	if len(objs) == 0 {
		fmt.Println("No objectives.")
		return nil
	}

	now := time.Now()
	fmt.Printf("%-36s  %-11s  %-6s  %s\n", "ID", "STATUS", "AGE", "QUERY")
	for _, obj := range objs {
		status := string(obj.Status)
		if obj.Paused {
			status += "*"
		}
		fmt.Printf("%-36s  %s  %-6s  %s\n", obj.ID, statusColor(status).Sprintf("%-11s", status),
			formatDuration(now.Sub(obj.CreatedAt)), truncate(obj.Query, 60))
	}
	return nil
}

func writeYAML(v any) error {
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func printStatusView(v statusView) {
	bold := color.New(color.Bold)
	title := v.Title
	if title == "" {
		title = v.Query
	}
	bold.Printf("%s\n", title)
	fmt.Printf("  ID:      %s\n", v.ID)
	fmt.Printf("  Status:  %s", statusColor(v.Status).Sprint(v.Status))
	if v.Paused {
		fmt.Print(color.YellowString(" (paused)"))
	}
	if v.Degraded {
		fmt.Print(color.YellowString(" (degraded)"))
	}
	fmt.Println()
	if v.Phase != "" {
		fmt.Printf("  Phase:   %s", v.Phase)
		if v.AwaitingInput {
			fmt.Print(color.YellowString(" (waiting for review)"))
		}
		fmt.Println()
	}
	if v.RetryCount > 0 {
		fmt.Printf("  Retries: %d\n", v.RetryCount)
	}
	if v.Error != "" {
		fmt.Printf("  Error:   %s\n", color.RedString(v.Error))
	}
	if v.Report != "" {
		fmt.Printf("  Report:  %s\n", v.Report)
	}
	for _, gap := range v.Gaps {
		fmt.Printf("  Gap:     %s\n", gap)
	}

	for _, t := range v.Tasks {
		fmt.Println()
		req := ""
		if !t.Required {
			req = " (optional)"
		}
		fmt.Printf("  %s %s%s\n", statusColor(t.Status).Sprintf("[%s]", t.Status), t.Title, req)
		fmt.Printf("      %s\n", t.ID)
		for _, st := range t.Steps {
			line := fmt.Sprintf("%s %-10s %s", statusColor(st.Status).Sprintf("%-11s", st.Status), st.Type, truncate(st.Title, 56))
			if st.Attempts > 1 {
				line += fmt.Sprintf(" (%d attempts)", st.Attempts)
			}
			fmt.Printf("      %s\n", line)
			if st.Error != "" {
				fmt.Printf("          %s\n", color.RedString(truncate(st.Error, 80)))
			}
		}
		for _, gap := range t.Gaps {
			fmt.Printf("      gap: %s\n", gap)
		}
	}
}

// statusColor picks the color for a unit, objective or schedule status.
func statusColor(status string) *color.Color {
	switch strings.TrimSuffix(status, "*") {
	case "COMPLETED":
		return color.New(colorOK)
	case "FAILED":
		return color.New(colorErr)
	case "CANCELLED":
		return color.New(colorWarn)
	case "IN_PROGRESS", "RUNNING":
		return color.New(colorInfo)
	}
	return color.New(color.Reset)
}
