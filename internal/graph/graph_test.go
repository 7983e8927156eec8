package graph

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/zpandasoft/deer-flow/pkg/models"
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func node(id string, prio int, offset time.Duration, status models.UnitStatus, deps ...string) Node {
	return Node{ID: id, Priority: prio, CreatedAt: base.Add(offset), Status: status, DependsOn: deps}
}

func mustBuild(t *testing.T, nodes ...Node) *DependencyGraph {
	t.Helper()
	g := New()
	if err := g.Build(nodes); err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return g
}

func TestBuild_UnknownDependency(t *testing.T) {
	g := New()
	err := g.Build([]Node{node("a", 0, 0, models.StatusPending, "missing")})
	if err == nil {
		t.Fatal("expected error for unknown dependency")
	}
}

func TestBuild_DetectsCycleWithPath(t *testing.T) {
	g := New()
	err := g.Build([]Node{
		node("a", 0, 0, models.StatusPending, "c"),
		node("b", 0, 0, models.StatusPending, "a"),
		node("c", 0, 0, models.StatusPending, "b"),
	})
	if !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("expected ErrCycleDetected, got %v", err)
	}
	var ce *CycleError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *CycleError, got %T", err)
	}
	want := []string{"a", "c", "b", "a"}
	if !reflect.DeepEqual(ce.Cycle, want) {
		t.Errorf("Cycle = %v, want %v", ce.Cycle, want)
	}
}

func TestBuild_SelfDependency(t *testing.T) {
	g := New()
	err := g.Build([]Node{node("a", 0, 0, models.StatusPending, "a")})
	var ce *CycleError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *CycleError, got %v", err)
	}
	if !reflect.DeepEqual(ce.Cycle, []string{"a", "a"}) {
		t.Errorf("Cycle = %v", ce.Cycle)
	}
}

func TestReady_OnlyWhenDependenciesCompleted(t *testing.T) {
	g := mustBuild(t,
		node("a", 0, 0, models.StatusCompleted),
		node("b", 0, 0, models.StatusPending, "a"),
		node("c", 0, 0, models.StatusPending, "b"),
		node("d", 0, 0, models.StatusPending),
	)

	got := g.Ready(nil)
	want := []string{"b", "d"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Ready() = %v, want %v", got, want)
	}

	g.SetStatus("b", models.StatusInProgress)
	if got := g.Ready(nil); !reflect.DeepEqual(got, []string{"d"}) {
		t.Errorf("Ready() with b in progress = %v, want [d]", got)
	}

	g.SetStatus("b", models.StatusCompleted)
	if got := g.Ready(map[string]bool{"d": true}); !reflect.DeepEqual(got, []string{"c"}) {
		t.Errorf("Ready() after b completed = %v, want [c]", got)
	}
}

func TestReady_TieBreakOrder(t *testing.T) {
	g := mustBuild(t,
		node("z", 2, 0, models.StatusPending),
		node("y", 1, 2*time.Second, models.StatusPending),
		node("x", 1, time.Second, models.StatusPending),
		node("b", 1, time.Second, models.StatusPending),
	)
	got := g.Ready(nil)
	want := []string{"b", "x", "y", "z"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Ready() = %v, want %v", got, want)
	}
}

func TestReady_FailedDependencyNeverReady(t *testing.T) {
	g := mustBuild(t,
		node("a", 0, 0, models.StatusFailed),
		node("b", 0, 0, models.StatusPending, "a"),
		node("c", 0, 0, models.StatusCancelled),
		node("d", 0, 0, models.StatusPending, "c"),
		node("e", 0, 0, models.StatusPending),
	)
	if got := g.Ready(nil); !reflect.DeepEqual(got, []string{"e"}) {
		t.Errorf("Ready() = %v, want [e]", got)
	}
	if got := g.Blocked(); !reflect.DeepEqual(got, []string{"b", "d"}) {
		t.Errorf("Blocked() = %v, want [b d]", got)
	}
}

func TestTopologicalSort(t *testing.T) {
	g := mustBuild(t,
		node("c", 0, 0, models.StatusPending, "b"),
		node("b", 0, 0, models.StatusPending, "a"),
		node("a", 0, 0, models.StatusPending),
	)
	order, err := g.TopologicalSort()
	if err != nil {
		t.Fatalf("TopologicalSort() error = %v", err)
	}
	pos := make(map[string]int)
	for i, id := range order {
		pos[id] = i
	}
	if !(pos["a"] < pos["b"] && pos["b"] < pos["c"]) {
		t.Errorf("order %v violates dependencies", order)
	}
}

func TestDependents(t *testing.T) {
	g := mustBuild(t,
		node("a", 0, 0, models.StatusPending),
		node("b", 0, 0, models.StatusPending, "a"),
		node("c", 0, 0, models.StatusPending, "a"),
	)
	if got := g.Dependents("a"); !reflect.DeepEqual(got, []string{"b", "c"}) {
		t.Errorf("Dependents(a) = %v", got)
	}
	if got := g.Dependencies("b"); !reflect.DeepEqual(got, []string{"a"}) {
		t.Errorf("Dependencies(b) = %v", got)
	}
}

func TestFromSteps(t *testing.T) {
	steps := []*models.Step{{ID: "s1", Priority: 3, Status: models.StatusPending, DependsOn: []string{"s0"}}}
	nodes := FromSteps(steps)
	if len(nodes) != 1 || nodes[0].ID != "s1" || nodes[0].Priority != 3 || nodes[0].DependsOn[0] != "s0" {
		t.Errorf("FromSteps() = %+v", nodes)
	}
}

func TestBlocked_Transitive(t *testing.T) {
	g := mustBuild(t,
		node("a", 0, 0, models.StatusFailed),
		node("b", 0, 0, models.StatusPending, "a"),
		node("c", 0, 0, models.StatusPending, "b"),
		node("d", 0, 0, models.StatusCompleted),
		node("e", 0, 0, models.StatusPending, "d"),
	)
	if got := g.Blocked(); !reflect.DeepEqual(got, []string{"b", "c"}) {
		t.Errorf("Blocked() = %v, want [b c]", got)
	}
}
