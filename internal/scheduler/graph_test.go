package scheduler

import (
	"errors"
	"testing"
	"time"
)

func task(id string, role Role, deps ...string) *Task {
	return &Task{
		ID:        id,
		SessionID: "s1",
		Role:      role,
		DependsOn: deps,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
}

// TestAddTaskCycleDetection tests that cyclic insertions are rejected and
// leave the graph unchanged.
func TestAddTaskCycleDetection(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(g *Graph)
		add     *Task
		wantErr error
	}{
		{
			name:    "self loop",
			setup:   func(g *Graph) {},
			add:     task("A", RoleBuilder, "A"),
			wantErr: ErrCyclicDependency,
		},
		{
			name: "unknown dependency",
			setup: func(g *Graph) {
				mustAdd(t, g, task("A", RoleBuilder))
			},
			add:     task("B", RoleBuilder, "missing"),
			wantErr: ErrNotFound,
		},
		{
			name: "duplicate id",
			setup: func(g *Graph) {
				mustAdd(t, g, task("A", RoleBuilder))
			},
			add:     task("A", RoleBuilder),
			wantErr: ErrDuplicateTask,
		},
		{
			name: "valid chain",
			setup: func(g *Graph) {
				mustAdd(t, g, task("A", RoleBuilder))
				mustAdd(t, g, task("B", RoleBuilder, "A"))
			},
			add:     task("C", RoleBuilder, "B"),
			wantErr: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGraph()
			tt.setup(g)
			before := g.Len()

			err := g.AddTask(tt.add)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("AddTask() error = %v, want nil", err)
				}
				if g.Len() != before+1 {
					t.Errorf("Len() = %d, want %d", g.Len(), before+1)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("AddTask() error = %v, want %v", err, tt.wantErr)
			}
			if g.Len() != before {
				t.Errorf("graph changed on rejected insert: Len() = %d, want %d", g.Len(), before)
			}
		})
	}
}

// TestAddTaskTransitiveCycle verifies dependencies declared at insertion
// cannot close a loop through existing tasks. Since a task can only depend
// on already-inserted tasks, the closing edge is the self-reachability the
// toposort catches when the new node's edges are appended.
func TestAddTaskTransitiveCycle(t *testing.T) {
	g := NewGraph()
	mustAdd(t, g, task("A", RoleBuilder))
	mustAdd(t, g, task("B", RoleBuilder, "A"))

	// C -> {B, C} includes itself transitively.
	err := g.AddTask(task("C", RoleBuilder, "B", "C"))
	if !errors.Is(err, ErrCyclicDependency) {
		t.Fatalf("AddTask() error = %v, want ErrCyclicDependency", err)
	}
	if g.Len() != 2 {
		t.Errorf("graph changed on rejected insert: Len() = %d, want 2", g.Len())
	}
}

// TestAddBatch validates batches as a whole: forward references within one
// breakdown are legal, and a genuine cycle is reported as a cycle rather
// than an unknown dependency.
func TestAddBatch(t *testing.T) {
	tests := []struct {
		name    string
		batch   []*Task
		wantErr error
	}{
		{
			name: "forward reference within batch",
			batch: []*Task{
				task("B", RoleBuilder, "A"), // A appears later in the batch
				task("A", RoleBuilder),
				task("C", RoleBuilder, "A", "B"),
			},
		},
		{
			name: "two-task cycle",
			batch: []*Task{
				task("A", RoleBuilder, "B"),
				task("B", RoleBuilder, "A"),
			},
			wantErr: ErrCyclicDependency,
		},
		{
			name: "cycle through a chain",
			batch: []*Task{
				task("A", RoleBuilder, "C"),
				task("B", RoleBuilder, "A"),
				task("C", RoleBuilder, "B"),
			},
			wantErr: ErrCyclicDependency,
		},
		{
			name: "duplicate id within batch",
			batch: []*Task{
				task("A", RoleBuilder),
				task("A", RoleBuilder),
			},
			wantErr: ErrDuplicateTask,
		},
		{
			name: "unknown dependency outside batch",
			batch: []*Task{
				task("A", RoleBuilder),
				task("B", RoleBuilder, "ghost"),
			},
			wantErr: ErrNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGraph()
			err := g.AddBatch(tt.batch)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("AddBatch() error = %v, want nil", err)
				}
				if g.Len() != len(tt.batch) {
					t.Fatalf("Len() = %d, want %d", g.Len(), len(tt.batch))
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("AddBatch() error = %v, want %v", err, tt.wantErr)
			}
			// A rejected batch must not leave a partial prefix behind.
			if g.Len() != 0 {
				t.Errorf("graph changed on rejected batch: Len() = %d, want 0", g.Len())
			}
		})
	}
}

func TestRemoveUnlinksDependents(t *testing.T) {
	g := NewGraph()
	mustAdd(t, g, task("A", RoleBuilder))
	if err := g.AddBatch([]*Task{
		task("B", RoleBuilder, "A"),
		task("C", RoleBuilder, "B"),
	}); err != nil {
		t.Fatalf("AddBatch() error = %v", err)
	}

	g.Remove("B", "C")
	if g.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", g.Len())
	}

	// A's dependent list no longer references B, so re-adding the same
	// ids behaves like a fresh insert.
	if err := g.AddBatch([]*Task{task("B", RoleBuilder, "A")}); err != nil {
		t.Fatalf("re-adding removed task: %v", err)
	}
	completeTask(t, g, "A")
	completeTask(t, g, "B")
}

// TestMarkInProgressDependencyGating builds the chain A -> B -> C and
// asserts C cannot start before A and B complete.
func TestMarkInProgressDependencyGating(t *testing.T) {
	g := NewGraph()
	mustAdd(t, g, task("A", RoleBuilder))
	mustAdd(t, g, task("B", RoleBuilder, "A"))
	mustAdd(t, g, task("C", RoleBuilder, "B"))

	if err := g.MarkInProgress("C"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("MarkInProgress(C) before deps error = %v, want ErrInvalidTransition", err)
	}

	completeTask(t, g, "A")

	if err := g.MarkInProgress("C"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("MarkInProgress(C) with B pending error = %v, want ErrInvalidTransition", err)
	}

	completeTask(t, g, "B")

	if err := g.MarkInProgress("C"); err != nil {
		t.Fatalf("MarkInProgress(C) with all deps completed error = %v, want nil", err)
	}
}

func TestMarkInProgressInvalidStates(t *testing.T) {
	g := NewGraph()
	mustAdd(t, g, task("A", RoleBuilder))

	if err := g.MarkInProgress("A"); err != nil {
		t.Fatalf("MarkInProgress(A) error = %v", err)
	}
	// Already in_progress.
	if err := g.MarkInProgress("A"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("double MarkInProgress error = %v, want ErrInvalidTransition", err)
	}
	// Unknown task.
	if err := g.MarkInProgress("zzz"); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkInProgress(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestMarkCompletedRequiresInProgress(t *testing.T) {
	g := NewGraph()
	mustAdd(t, g, task("A", RoleBuilder))

	if err := g.MarkCompleted("A", time.Now()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("MarkCompleted on pending error = %v, want ErrInvalidTransition", err)
	}

	completeTask(t, g, "A")
	got, _ := g.Get("A")
	if got.Status != StatusCompleted {
		t.Errorf("Status = %s, want completed", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not stamped")
	}
}

func TestResetPendingRecordsFeedback(t *testing.T) {
	g := NewGraph()
	mustAdd(t, g, task("A", RoleBuilder))
	if err := g.MarkInProgress("A"); err != nil {
		t.Fatal(err)
	}

	if err := g.ResetPending("A", "missing validation"); err != nil {
		t.Fatalf("ResetPending() error = %v", err)
	}

	got, _ := g.Get("A")
	if got.Status != StatusPending {
		t.Errorf("Status = %s, want pending", got.Status)
	}
	if got.Retries != 1 {
		t.Errorf("Retries = %d, want 1", got.Retries)
	}
	if len(got.Feedback) != 1 || got.Feedback[0] != "missing validation" {
		t.Errorf("Feedback = %v, want [missing validation]", got.Feedback)
	}
}

// TestMarkBlockedPropagates verifies blocking cascades transitively to
// dependents but never touches completed tasks.
func TestMarkBlockedPropagates(t *testing.T) {
	g := NewGraph()
	mustAdd(t, g, task("A", RoleBuilder))
	mustAdd(t, g, task("B", RoleBuilder, "A"))
	mustAdd(t, g, task("C", RoleBuilder, "B"))
	mustAdd(t, g, task("D", RoleBuilder)) // independent

	if err := g.MarkBlocked("A", "retry ceiling exceeded"); err != nil {
		t.Fatalf("MarkBlocked() error = %v", err)
	}

	for _, id := range []string{"A", "B", "C"} {
		got, _ := g.Get(id)
		if got.Status != StatusBlocked {
			t.Errorf("task %s Status = %s, want blocked", id, got.Status)
		}
		if got.BlockReason == "" {
			t.Errorf("task %s has empty BlockReason", id)
		}
	}

	d, _ := g.Get("D")
	if d.Status != StatusPending {
		t.Errorf("independent task D Status = %s, want pending", d.Status)
	}

	// Blocking a completed task is rejected.
	completeTask(t, g, "D")
	if err := g.MarkBlocked("D", "x"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("MarkBlocked on completed error = %v, want ErrInvalidTransition", err)
	}
}

// TestReadyTasksOrdering verifies deterministic (priority desc, created-at
// asc) ordering and role filtering.
func TestReadyTasksOrdering(t *testing.T) {
	g := NewGraph()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	low := task("low", RoleBuilder)
	low.Priority = 1
	low.CreatedAt = base
	high := task("high", RoleBuilder)
	high.Priority = 5
	high.CreatedAt = base.Add(time.Minute)
	older := task("older", RoleBuilder)
	older.Priority = 5
	older.CreatedAt = base
	other := task("other", RoleTester)
	other.Priority = 9
	other.CreatedAt = base

	for _, tk := range []*Task{low, high, older, other} {
		mustAdd(t, g, tk)
	}

	got := g.ReadyTasks(RoleBuilder)
	wantOrder := []string{"older", "high", "low"}
	if len(got) != len(wantOrder) {
		t.Fatalf("ReadyTasks() len = %d, want %d", len(got), len(wantOrder))
	}
	for i, id := range wantOrder {
		if got[i].ID != id {
			t.Errorf("ReadyTasks()[%d] = %s, want %s", i, got[i].ID, id)
		}
	}

	all := g.ReadyTasks("")
	if len(all) != 4 {
		t.Errorf("ReadyTasks(all) len = %d, want 4", len(all))
	}
	if all[0].ID != "other" {
		t.Errorf("ReadyTasks(all)[0] = %s, want other (highest priority)", all[0].ID)
	}
}

// TestRebuild verifies a graph reconstructed from persisted tasks reproduces
// the same ready set.
func TestRebuild(t *testing.T) {
	g := NewGraph()
	mustAdd(t, g, task("A", RoleBuilder))
	mustAdd(t, g, task("B", RoleBuilder, "A"))
	mustAdd(t, g, task("C", RoleTester, "A"))
	completeTask(t, g, "A")

	rebuilt, err := Rebuild(g.Tasks())
	if err != nil {
		t.Fatalf("Rebuild() error = %v", err)
	}

	want := readyIDs(g, "")
	got := readyIDs(rebuilt, "")
	if len(want) != len(got) {
		t.Fatalf("ready sets differ: %v vs %v", want, got)
	}
	for i := range want {
		if want[i] != got[i] {
			t.Errorf("ready sets differ at %d: %v vs %v", i, want, got)
		}
	}
}

func TestOutstanding(t *testing.T) {
	g := NewGraph()
	mustAdd(t, g, task("A", RoleBuilder))
	mustAdd(t, g, task("B", RoleTester, "A"))

	if !g.Outstanding(RoleBuilder) {
		t.Error("Outstanding(builder) = false, want true")
	}
	if g.Outstanding(RoleDocumenter) {
		t.Error("Outstanding(documenter) = true, want false")
	}

	completeTask(t, g, "A")
	if g.Outstanding(RoleBuilder) {
		t.Error("Outstanding(builder) after completion = true, want false")
	}
	if !g.Outstanding(RoleTester) {
		t.Error("Outstanding(tester) = false, want true")
	}
}

func TestCloneIsolation(t *testing.T) {
	g := NewGraph()
	mustAdd(t, g, task("A", RoleBuilder))

	got, _ := g.Get("A")
	got.Status = StatusBlocked
	got.DependsOn = append(got.DependsOn, "junk")

	again, _ := g.Get("A")
	if again.Status != StatusPending {
		t.Errorf("external mutation leaked into graph: Status = %s", again.Status)
	}
	if len(again.DependsOn) != 0 {
		t.Errorf("external mutation leaked into graph: DependsOn = %v", again.DependsOn)
	}
}

func mustAdd(t *testing.T, g *Graph, tk *Task) {
	t.Helper()
	if err := g.AddTask(tk); err != nil {
		t.Fatalf("AddTask(%s) error = %v", tk.ID, err)
	}
}

func completeTask(t *testing.T, g *Graph, id string) {
	t.Helper()
	if err := g.MarkInProgress(id); err != nil {
		t.Fatalf("MarkInProgress(%s) error = %v", id, err)
	}
	if err := g.MarkCompleted(id, time.Now()); err != nil {
		t.Fatalf("MarkCompleted(%s) error = %v", id, err)
	}
}

func readyIDs(g *Graph, role Role) []string {
	var ids []string
	for _, t := range g.ReadyTasks(role) {
		ids = append(ids, t.ID)
	}
	return ids
}
