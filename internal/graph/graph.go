// Package graph provides the dependency graph used to order tasks and steps.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zpandasoft/deer-flow/pkg/models"
)

// ErrCycleDetected indicates a circular dependency was found in the graph.
var ErrCycleDetected = errors.New("circular dependency detected")

// CycleError carries the IDs along a detected cycle. The first ID is
// repeated at the end.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%v: %s", ErrCycleDetected, strings.Join(e.Cycle, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrCycleDetected }

// Node is one schedulable unit in the graph.
type Node struct {
	ID        string
	DependsOn []string
	Priority  int
	CreatedAt time.Time
	Status    models.UnitStatus
}

// FromTasks converts tasks into graph nodes.
func FromTasks(tasks []*models.Task) []Node {
	nodes := make([]Node, 0, len(tasks))
	for _, t := range tasks {
		nodes = append(nodes, Node{ID: t.ID, DependsOn: t.DependsOn, Priority: t.Priority, CreatedAt: t.CreatedAt, Status: t.Status})
	}
	return nodes
}

// FromSteps converts steps into graph nodes.
func FromSteps(steps []*models.Step) []Node {
	nodes := make([]Node, 0, len(steps))
	for _, s := range steps {
		nodes = append(nodes, Node{ID: s.ID, DependsOn: s.DependsOn, Priority: s.Priority, CreatedAt: s.CreatedAt, Status: s.Status})
	}
	return nodes
}

// DependencyGraph is a directed acyclic graph of "depends on" edges.
type DependencyGraph struct {
	mu sync.RWMutex
	// nodes maps unit ID to its node.
	nodes map[string]*Node
	// edges maps unit ID to the IDs it depends on.
	edges map[string][]string
	// order holds node IDs in insertion order for deterministic walks.
	order    []string
	debugLog func(format string, args ...interface{})
}

// New creates a new empty dependency graph.
func New() *DependencyGraph {
	return &DependencyGraph{
		nodes:    make(map[string]*Node),
		edges:    make(map[string][]string),
		debugLog: func(format string, args ...interface{}) {},
	}
}

// SetDebugLog sets the debug logging function.
func (g *DependencyGraph) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		g.debugLog = fn
	}
}

// Build constructs the graph from nodes. It fails when a dependency
// references an unknown ID or when the nodes form a cycle, in which case
// the error is a *CycleError.
func (g *DependencyGraph) Build(nodes []Node) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.debugLog("[graph] building graph from %d nodes", len(nodes))

	for i := range nodes {
		n := nodes[i]
		if _, dup := g.nodes[n.ID]; dup {
			return fmt.Errorf("duplicate node %s", n.ID)
		}
		g.nodes[n.ID] = &n
		g.edges[n.ID] = nil
		g.order = append(g.order, n.ID)
	}

	for _, n := range nodes {
		for _, depID := range n.DependsOn {
			if _, exists := g.nodes[depID]; !exists {
				return fmt.Errorf("unit %s depends on unknown unit %s", n.ID, depID)
			}
			if depID == n.ID {
				return &CycleError{Cycle: []string{n.ID, n.ID}}
			}
			g.edges[n.ID] = append(g.edges[n.ID], depID)
		}
	}

	if cycle := g.findCycleLocked(); cycle != nil {
		return &CycleError{Cycle: cycle}
	}
	return nil
}

// HasCycle returns true if the graph contains a circular dependency.
func (g *DependencyGraph) HasCycle() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.findCycleLocked() != nil
}

// findCycleLocked runs a three-colour DFS and returns the first cycle found.
func (g *DependencyGraph) findCycleLocked() []string {
	// 0 = unvisited, 1 = on stack, 2 = done.
	colors := make(map[string]int, len(g.nodes))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1
		stack = append(stack, id)
		for _, depID := range g.edges[id] {
			switch colors[depID] {
			case 1:
				start := 0
				for i, s := range stack {
					if s == depID {
						start = i
						break
					}
				}
				cycle = append(append([]string{}, stack[start:]...), depID)
				return true
			case 0:
				if visit(depID) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		colors[id] = 2
		return false
	}

	for _, id := range g.order {
		if colors[id] == 0 && visit(id) {
			return cycle
		}
	}
	return nil
}

// TopologicalSort returns node IDs with every dependency before its dependents.
func (g *DependencyGraph) TopologicalSort() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if cycle := g.findCycleLocked(); cycle != nil {
		return nil, &CycleError{Cycle: cycle}
	}

	visited := make(map[string]bool)
	var result []string
	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, depID := range g.edges[id] {
			visit(depID)
		}
		result = append(result, id)
	}
	for _, id := range g.order {
		visit(id)
	}
	return result, nil
}

// Ready returns the IDs of non-terminal nodes whose dependencies are all
// COMPLETED, skipping IDs in exclude. Results are ordered by priority,
// then creation time, then ID.
func (g *DependencyGraph) Ready(exclude map[string]bool) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []*Node
	for _, id := range g.order {
		n := g.nodes[id]
		if exclude[id] || n.Status != models.StatusPending {
			continue
		}
		if g.depsCompletedLocked(id) {
			ready = append(ready, n)
		}
	}

	SortNodes(ready)
	ids := make([]string, len(ready))
	for i, n := range ready {
		ids[i] = n.ID
	}
	g.debugLog("[graph] ready: %v", ids)
	return ids
}

func (g *DependencyGraph) depsCompletedLocked(id string) bool {
	for _, depID := range g.edges[id] {
		if g.nodes[depID].Status != models.StatusCompleted {
			return false
		}
	}
	return true
}

// Blocked returns non-terminal nodes that can never become ready: a
// dependency ended FAILED or CANCELLED, directly or further up the chain.
func (g *DependencyGraph) Blocked() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	memo := make(map[string]bool)
	var blocked []string
	for _, id := range g.order {
		if g.nodes[id].Status.Terminal() {
			continue
		}
		if g.blockedLocked(id, memo) {
			blocked = append(blocked, id)
		}
	}
	return blocked
}

func (g *DependencyGraph) blockedLocked(id string, memo map[string]bool) bool {
	if b, ok := memo[id]; ok {
		return b
	}
	memo[id] = false
	for _, depID := range g.edges[id] {
		s := g.nodes[depID].Status
		if s == models.StatusFailed || s == models.StatusCancelled {
			memo[id] = true
			break
		}
		if !s.Terminal() && g.blockedLocked(depID, memo) {
			memo[id] = true
			break
		}
	}
	return memo[id]
}

// SetStatus updates the status recorded for a node.
func (g *DependencyGraph) SetStatus(id string, status models.UnitStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n, ok := g.nodes[id]; ok {
		n.Status = status
	}
}

// Node returns a copy of the node with the given ID.
func (g *DependencyGraph) Node(id string) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Size returns the number of nodes in the graph.
func (g *DependencyGraph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Dependencies returns the IDs the given node depends on.
func (g *DependencyGraph) Dependencies(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.edges[id]...)
}

// Dependents returns the IDs of nodes that depend on the given node.
func (g *DependencyGraph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var dependents []string
	for _, nid := range g.order {
		for _, depID := range g.edges[nid] {
			if depID == id {
				dependents = append(dependents, nid)
				break
			}
		}
	}
	return dependents
}

// SortNodes orders nodes by priority ascending, then created_at, then ID.
func SortNodes(nodes []*Node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		a, b := nodes[i], nodes[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
