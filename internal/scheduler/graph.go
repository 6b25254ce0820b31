package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gammazero/toposort"
)

// Graph is the in-memory dependency graph of one session's tasks.
// It is a cache over the persistent store: the store remains the source of
// truth and the graph is rebuilt from it on load or resume.
type Graph struct {
	mu         sync.RWMutex
	tasks      map[string]*Task
	dependents map[string][]string // taskID -> tasks that depend on it
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		tasks:      make(map[string]*Task),
		dependents: make(map[string][]string),
	}
}

// Rebuild constructs a graph from persisted tasks. Insertion order follows
// created-at so mid-run appends validate against their predecessors.
func Rebuild(tasks []*Task) (*Graph, error) {
	ordered := make([]*Task, len(tasks))
	copy(ordered, tasks)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	g := NewGraph()
	for _, t := range ordered {
		if err := g.AddTask(t); err != nil {
			return nil, fmt.Errorf("rebuilding graph: %w", err)
		}
	}
	return g, nil
}

// AddTask inserts a single task. See AddBatch for the validation rules.
func (g *Graph) AddTask(t *Task) error {
	return g.AddBatch([]*Task{t})
}

// AddBatch inserts a set of tasks atomically after validating it as a
// whole: ids must be new, every dependency must resolve within the graph
// or the batch itself, and the combined edge set must stay acyclic. A
// breakdown may therefore reference tasks later in the same batch; a batch
// with a genuine cycle fails with ErrCyclicDependency. On any error the
// graph is left unchanged.
func (g *Graph) AddBatch(batch []*Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	incoming := make(map[string]bool, len(batch))
	for _, t := range batch {
		if _, exists := g.tasks[t.ID]; exists || incoming[t.ID] {
			return fmt.Errorf("task %q: %w", t.ID, ErrDuplicateTask)
		}
		incoming[t.ID] = true
	}

	for _, t := range batch {
		for _, depID := range t.DependsOn {
			if depID == t.ID {
				return fmt.Errorf("task %q depends on itself: %w", t.ID, ErrCyclicDependency)
			}
			if _, exists := g.tasks[depID]; !exists && !incoming[depID] {
				return fmt.Errorf("task %q depends on unknown task %q: %w", t.ID, depID, ErrNotFound)
			}
		}
	}

	if err := g.checkAcyclic(batch); err != nil {
		return err
	}

	for _, t := range batch {
		cp := t.Clone()
		if cp.Status == "" {
			cp.Status = StatusPending
		}
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = time.Now().UTC()
		}
		g.tasks[cp.ID] = cp
		for _, depID := range cp.DependsOn {
			g.dependents[depID] = append(g.dependents[depID], cp.ID)
		}
	}
	return nil
}

// checkAcyclic runs a topological sort over the existing edges plus the
// candidate batch's edges. Caller holds the write lock.
func (g *Graph) checkAcyclic(batch []*Task) error {
	var edges []toposort.Edge
	addEdges := func(t *Task) {
		if len(t.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, t.ID})
			return
		}
		for _, depID := range t.DependsOn {
			edges = append(edges, toposort.Edge{depID, t.ID})
		}
	}
	for _, t := range g.tasks {
		addEdges(t)
	}
	for _, t := range batch {
		addEdges(t)
	}

	if _, err := toposort.Toposort(edges); err != nil {
		return fmt.Errorf("batch of %d task(s): %w: %v", len(batch), ErrCyclicDependency, err)
	}
	return nil
}

// Remove deletes tasks and their dependency links. It exists so a caller
// can roll back a batch whose persistence failed; removing a task some
// surviving task depends on would corrupt the graph, so callers only
// remove freshly added batches.
func (g *Graph) Remove(ids ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, id := range ids {
		t, exists := g.tasks[id]
		if !exists {
			continue
		}
		for _, depID := range t.DependsOn {
			deps := g.dependents[depID]
			for i, d := range deps {
				if d == id {
					g.dependents[depID] = append(deps[:i], deps[i+1:]...)
					break
				}
			}
		}
		delete(g.dependents, id)
		delete(g.tasks, id)
	}
}

// ReadyTasks returns pending tasks whose full dependency set is completed,
// ordered by priority descending then created-at ascending (ties broken by
// id for determinism). An empty role matches all roles.
func (g *Graph) ReadyTasks(role Role) []*Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []*Task
	for _, t := range g.tasks {
		if t.Status != StatusPending {
			continue
		}
		if role != "" && t.Role != role {
			continue
		}
		if g.depsCompleted(t) {
			ready = append(ready, t.Clone())
		}
	}

	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		if !ready[i].CreatedAt.Equal(ready[j].CreatedAt) {
			return ready[i].CreatedAt.Before(ready[j].CreatedAt)
		}
		return ready[i].ID < ready[j].ID
	})
	return ready
}

// depsCompleted reports whether every dependency of t is completed.
// Caller holds at least the read lock.
func (g *Graph) depsCompleted(t *Task) bool {
	for _, depID := range t.DependsOn {
		dep, exists := g.tasks[depID]
		if !exists || dep.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// MarkInProgress transitions a pending task with completed dependencies to
// in_progress. Any other starting state fails with ErrInvalidTransition and
// leaves the task unchanged.
func (g *Graph) MarkInProgress(taskID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, exists := g.tasks[taskID]
	if !exists {
		return fmt.Errorf("task %q: %w", taskID, ErrNotFound)
	}
	if t.Status != StatusPending {
		return fmt.Errorf("task %q is %s, not pending: %w", taskID, t.Status, ErrInvalidTransition)
	}
	if !g.depsCompleted(t) {
		return fmt.Errorf("task %q has incomplete dependencies: %w", taskID, ErrInvalidTransition)
	}

	t.Status = StatusInProgress
	return nil
}

// MarkCompleted commits an in_progress task as completed and stamps
// completed-at. This is the quality gate's commit path: the coordinator calls
// it only after a Review verdict of Accepted, never directly from a role.
func (g *Graph) MarkCompleted(taskID string, at time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, exists := g.tasks[taskID]
	if !exists {
		return fmt.Errorf("task %q: %w", taskID, ErrNotFound)
	}
	if t.Status != StatusInProgress {
		return fmt.Errorf("task %q is %s, not in_progress: %w", taskID, t.Status, ErrInvalidTransition)
	}

	t.Status = StatusCompleted
	stamp := at.UTC()
	t.CompletedAt = &stamp
	return nil
}

// ResetPending returns a rejected in_progress task to pending, recording the
// gate's feedback and incrementing the retry counter.
func (g *Graph) ResetPending(taskID, feedback string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, exists := g.tasks[taskID]
	if !exists {
		return fmt.Errorf("task %q: %w", taskID, ErrNotFound)
	}
	if t.Status != StatusInProgress {
		return fmt.Errorf("task %q is %s, not in_progress: %w", taskID, t.Status, ErrInvalidTransition)
	}

	t.Status = StatusPending
	t.Retries++
	if feedback != "" {
		t.Feedback = append(t.Feedback, feedback)
	}
	return nil
}

// Requeue returns an in_progress task to pending without touching the
// retry counter. Used when the executing agent fails (as opposed to the
// quality gate rejecting its work) so the task can be reassigned.
func (g *Graph) Requeue(taskID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, exists := g.tasks[taskID]
	if !exists {
		return fmt.Errorf("task %q: %w", taskID, ErrNotFound)
	}
	if t.Status != StatusInProgress {
		return fmt.Errorf("task %q is %s, not in_progress: %w", taskID, t.Status, ErrInvalidTransition)
	}

	t.Status = StatusPending
	return nil
}

// MarkBlocked blocks a task and transitively blocks every non-completed
// dependent, since their dependency sets can no longer complete.
func (g *Graph) MarkBlocked(taskID, reason string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, exists := g.tasks[taskID]
	if !exists {
		return fmt.Errorf("task %q: %w", taskID, ErrNotFound)
	}
	if t.Status == StatusCompleted {
		return fmt.Errorf("task %q already completed: %w", taskID, ErrInvalidTransition)
	}

	g.block(t, reason)
	return nil
}

// block marks t blocked and propagates to dependents. Caller holds the
// write lock.
func (g *Graph) block(t *Task, reason string) {
	if t.Status == StatusBlocked || t.Status == StatusCompleted {
		return
	}
	t.Status = StatusBlocked
	t.BlockReason = reason
	for _, depID := range g.dependents[t.ID] {
		if dep, exists := g.tasks[depID]; exists {
			g.block(dep, fmt.Sprintf("dependency %s blocked", t.ID))
		}
	}
}

// Get returns a copy of the task by id.
func (g *Graph) Get(taskID string) (*Task, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	t, exists := g.tasks[taskID]
	if !exists {
		return nil, false
	}
	return t.Clone(), true
}

// Tasks returns copies of all tasks.
func (g *Graph) Tasks() []*Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*Task, 0, len(g.tasks))
	for _, t := range g.tasks {
		out = append(out, t.Clone())
	}
	return out
}

// Len returns the number of tasks in the graph.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.tasks)
}

// CountByStatus returns the number of tasks per status.
func (g *Graph) CountByStatus() map[Status]int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	counts := make(map[Status]int)
	for _, t := range g.tasks {
		counts[t.Status]++
	}
	return counts
}

// Outstanding reports whether any of the given roles still owns a pending or
// in_progress task. The coordinator uses this to decide phase advancement.
func (g *Graph) Outstanding(roles ...Role) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, t := range g.tasks {
		if t.Status != StatusPending && t.Status != StatusInProgress {
			continue
		}
		for _, r := range roles {
			if t.Role == r {
				return true
			}
		}
	}
	return false
}

// InProgress returns copies of all in_progress tasks, optionally filtered
// by role.
func (g *Graph) InProgress(role Role) []*Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []*Task
	for _, t := range g.tasks {
		if t.Status != StatusInProgress {
			continue
		}
		if role != "" && t.Role != role {
			continue
		}
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
