package main

import (
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zpandasoft/deer-flow/internal/config"
	"github.com/zpandasoft/deer-flow/internal/orchestrator"
	"github.com/zpandasoft/deer-flow/internal/workflow"
	"github.com/zpandasoft/deer-flow/pkg/models"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{45 * time.Second, "45s"},
		{5 * time.Minute, "5m"},
		{2 * time.Hour, "2h"},
		{2*time.Hour + 30*time.Minute, "2h30m"},
		{50 * time.Hour, "2d"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"  padded  ", 10, "padded"},
		{"a longer sentence", 10, "a longe..."},
		{"abcdef", 3, "abc"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestFeedbackFromFlags(t *testing.T) {
	tests := []struct {
		name    string
		accept  bool
		edit    string
		cancel  bool
		want    workflow.Feedback
		wantErr string
	}{
		{name: "accept", accept: true, want: workflow.Feedback{Action: workflow.ActionAccept}},
		{name: "edit", edit: "add a step on pricing", want: workflow.Feedback{Action: workflow.ActionEdit, Message: "add a step on pricing"}},
		{name: "cancel", cancel: true, want: workflow.Feedback{Action: workflow.ActionCancel}},
		{name: "none", wantErr: "required"},
		{name: "two", accept: true, cancel: true, wantErr: "mutually exclusive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := feedbackFromFlags(tt.accept, tt.edit, tt.cancel)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("feedback = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestNewStatusView(t *testing.T) {
	s := &orchestrator.Status{
		Objective: &models.Objective{ID: "o1", Query: "q", Status: models.ObjectiveInProgress, Paused: true},
		Workflow:  &workflow.State{ObjectiveID: "o1", Phase: workflow.PhaseExecute},
		Tasks: []*models.Task{
			{ID: "t1", Title: "first", Status: models.StatusInProgress, Required: true},
			{ID: "t2", Title: "second", Status: models.StatusPending},
		},
		Steps: []*models.Step{
			{ID: "s1", TaskID: "t1", Title: "look", StepType: models.StepResearch, Status: models.StatusFailed, Error: "boom"},
			{ID: "s2", TaskID: "t1", Title: "sum", StepType: models.StepProcessing, Status: models.StatusPending},
		},
		Schedules: []*models.Schedule{
			{ID: "a", ReferenceID: "s1", ReferenceType: models.RefStep, Attempt: 1},
			{ID: "b", ReferenceID: "s1", ReferenceType: models.RefStep, Attempt: 2},
			{ID: "c", ReferenceID: "t1", ReferenceType: models.RefTask, Attempt: 1},
		},
	}

	v := newStatusView(s)
	if v.Phase != string(workflow.PhaseExecute) || !v.Paused {
		t.Errorf("view = %+v", v)
	}
	if len(v.Tasks) != 2 {
		t.Fatalf("tasks = %d, want 2", len(v.Tasks))
	}
	if got := len(v.Tasks[0].Steps); got != 2 {
		t.Fatalf("t1 steps = %d, want 2", got)
	}
	if got := v.Tasks[0].Steps[0].Attempts; got != 2 {
		t.Errorf("s1 attempts = %d, want 2", got)
	}
	if len(v.Tasks[1].Steps) != 0 {
		t.Errorf("t2 steps = %+v, want none", v.Tasks[1].Steps)
	}

	out, err := yaml.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, want := range []string{"id: o1", "phase: Execute", "paused: true", "attempts: 2", "error: boom"} {
		if !strings.Contains(string(out), want) {
			t.Errorf("yaml missing %q:\n%s", want, out)
		}
	}
}

func TestEventLine(t *testing.T) {
	symbol, text, _ := eventLine(orchestrator.OrchestratorEvent{
		Type:          orchestrator.EventUnitCompleted,
		ReferenceID:   "s1",
		ReferenceType: models.RefStep,
		Title:         "look things up",
	})
	if symbol == "" || !strings.Contains(text, "completed step look things up (s1)") {
		t.Errorf("line = %q %q", symbol, text)
	}

	if symbol, _, _ := eventLine(orchestrator.OrchestratorEvent{Type: orchestrator.EventRunSuspended}); symbol != "" {
		t.Errorf("suspended event should be silent, got %q", symbol)
	}
}

func TestSignalDir(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Path = "/tmp/project/.taskflow/state.db"
	if got := signalDir(cfg); got != "/tmp/project/.taskflow/signals" {
		t.Errorf("signalDir = %q", got)
	}
}
