package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aletho/foreman/internal/roster"
	"github.com/aletho/foreman/internal/scheduler"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenMemory(context.Background())
	if err != nil {
		t.Fatalf("OpenMemory() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	sess, err := s.CreateSession(ctx, "build a todo app")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if sess.Phase != scheduler.PhasePlanning {
		t.Errorf("Phase = %s, want planning", sess.Phase)
	}

	loaded, err := s.LoadSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("LoadSession() error = %v", err)
	}
	if loaded.Goal != "build a todo app" {
		t.Errorf("Goal = %q, want %q", loaded.Goal, "build a todo app")
	}

	if err := s.SetPhase(ctx, sess.ID, scheduler.PhaseImplementation); err != nil {
		t.Fatalf("SetPhase() error = %v", err)
	}
	if err := s.SetPaused(ctx, sess.ID, true); err != nil {
		t.Fatalf("SetPaused() error = %v", err)
	}

	loaded, err = s.LoadSession(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Phase != scheduler.PhaseImplementation {
		t.Errorf("Phase = %s, want implementation", loaded.Phase)
	}
	if !loaded.Paused {
		t.Error("Paused = false, want true")
	}
}

func TestLoadSessionUnknownID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.LoadSession(ctx, "20990101_000000_deadbeef"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LoadSession(unknown) error = %v, want ErrNotFound", err)
	}
	// The failed load must not create the session.
	sessions, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 0 {
		t.Errorf("ListSessions() len = %d, want 0", len(sessions))
	}
}

func TestSetPhaseUnknownSession(t *testing.T) {
	s := newTestStore(t)
	if err := s.SetPhase(context.Background(), "nope", scheduler.PhaseDone); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetPhase(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestSessionIDsSortByCreationTime(t *testing.T) {
	t1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	if NewSessionID(t1) >= NewSessionID(t2) {
		t.Error("session ids do not sort by creation time")
	}
}

func TestTaskRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	sess, err := s.CreateSession(ctx, "goal")
	if err != nil {
		t.Fatal(err)
	}

	completed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	dep := &scheduler.Task{
		ID:          "T1",
		SessionID:   sess.ID,
		Role:        scheduler.RoleBuilder,
		Description: "set up project",
		Status:      scheduler.StatusCompleted,
		CreatedAt:   completed.Add(-time.Hour),
		CompletedAt: &completed,
	}
	task := &scheduler.Task{
		ID:          "T2",
		SessionID:   sess.ID,
		Role:        scheduler.RoleBuilder,
		Description: "implement feature",
		Priority:    2,
		DependsOn:   []string{"T1"},
		Status:      scheduler.StatusPending,
		Retries:     1,
		Feedback:    []string{"missing validation"},
		CreatedAt:   completed,
	}

	for _, tk := range []*scheduler.Task{dep, task} {
		if err := s.UpsertTask(ctx, tk); err != nil {
			t.Fatalf("UpsertTask(%s) error = %v", tk.ID, err)
		}
	}

	got, err := s.GetTask(ctx, sess.ID, "T2")
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if got.Priority != 2 || got.Retries != 1 {
		t.Errorf("Priority/Retries = %d/%d, want 2/1", got.Priority, got.Retries)
	}
	if len(got.DependsOn) != 1 || got.DependsOn[0] != "T1" {
		t.Errorf("DependsOn = %v, want [T1]", got.DependsOn)
	}
	if len(got.Feedback) != 1 || got.Feedback[0] != "missing validation" {
		t.Errorf("Feedback = %v, want [missing validation]", got.Feedback)
	}

	gotDep, err := s.GetTask(ctx, sess.ID, "T1")
	if err != nil {
		t.Fatal(err)
	}
	if gotDep.CompletedAt == nil || !gotDep.CompletedAt.Equal(completed) {
		t.Errorf("CompletedAt = %v, want %v", gotDep.CompletedAt, completed)
	}

	// Upsert is idempotent and replaces dependency rows.
	task.Status = scheduler.StatusInProgress
	task.DependsOn = []string{"T1"}
	if err := s.UpsertTask(ctx, task); err != nil {
		t.Fatalf("second UpsertTask() error = %v", err)
	}
	got, err = s.GetTask(ctx, sess.ID, "T2")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != scheduler.StatusInProgress {
		t.Errorf("Status = %s, want in_progress", got.Status)
	}
	if len(got.DependsOn) != 1 {
		t.Errorf("DependsOn = %v, want single entry after re-upsert", got.DependsOn)
	}
}

func TestListTasksStatusFilter(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	sess, err := s.CreateSession(ctx, "goal")
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	statuses := []scheduler.Status{
		scheduler.StatusPending,
		scheduler.StatusPending,
		scheduler.StatusCompleted,
		scheduler.StatusBlocked,
	}
	for i, st := range statuses {
		tk := &scheduler.Task{
			ID:          string(rune('A' + i)),
			SessionID:   sess.ID,
			Role:        scheduler.RoleBuilder,
			Description: "task",
			Status:      st,
			CreatedAt:   now.Add(time.Duration(i) * time.Second),
		}
		if err := s.UpsertTask(ctx, tk); err != nil {
			t.Fatal(err)
		}
	}

	pending, err := s.ListTasks(ctx, sess.ID, scheduler.StatusPending)
	if err != nil {
		t.Fatalf("ListTasks(pending) error = %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("pending len = %d, want 2", len(pending))
	}

	all, err := s.ListTasks(ctx, sess.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 {
		t.Errorf("all len = %d, want 4", len(all))
	}
	// Ordered by created-at.
	if all[0].ID != "A" || all[3].ID != "D" {
		t.Errorf("order = [%s ... %s], want [A ... D]", all[0].ID, all[3].ID)
	}
}

func TestAgentsRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	sess, err := s.CreateSession(ctx, "goal")
	if err != nil {
		t.Fatal(err)
	}

	a := &roster.Agent{
		ID:        "builder-0001",
		SessionID: sess.ID,
		Role:      scheduler.RoleBuilder,
		Status:    roster.AgentActive,
		StartedAt: time.Now().UTC(),
	}
	if err := s.UpsertAgent(ctx, a); err != nil {
		t.Fatalf("UpsertAgent() error = %v", err)
	}

	a.Status = roster.AgentRetired
	if err := s.UpsertAgent(ctx, a); err != nil {
		t.Fatalf("UpsertAgent(update) error = %v", err)
	}

	agents, err := s.ListAgents(ctx, sess.ID, scheduler.RoleBuilder)
	if err != nil {
		t.Fatalf("ListAgents() error = %v", err)
	}
	if len(agents) != 1 {
		t.Fatalf("ListAgents() len = %d, want 1", len(agents))
	}
	if agents[0].Status != roster.AgentRetired {
		t.Errorf("Status = %s, want retired", agents[0].Status)
	}

	none, err := s.ListAgents(ctx, sess.ID, scheduler.RoleTester)
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Errorf("ListAgents(tester) len = %d, want 0", len(none))
	}
}

func TestReportsAppendOnly(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	sess, err := s.CreateSession(ctx, "goal")
	if err != nil {
		t.Fatal(err)
	}

	r := &Report{
		SessionID:      sess.ID,
		Phase:          scheduler.PhaseImplementation,
		CompletedTasks: 3,
		Data: map[string]any{
			"blockers":   []any{"T4: retry ceiling exceeded"},
			"priorities": []any{"finish T5"},
		},
	}
	if err := s.AppendReport(ctx, r); err != nil {
		t.Fatalf("AppendReport() error = %v", err)
	}
	if r.ID == 0 {
		t.Error("report id not assigned")
	}

	if err := s.AppendReport(ctx, &Report{SessionID: sess.ID, Phase: scheduler.PhaseTesting}); err != nil {
		t.Fatal(err)
	}

	reports, err := s.ListReports(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ListReports() error = %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("ListReports() len = %d, want 2", len(reports))
	}
	if reports[0].CompletedTasks != 3 {
		t.Errorf("CompletedTasks = %d, want 3", reports[0].CompletedTasks)
	}
	blockers, ok := reports[0].Data["blockers"].([]any)
	if !ok || len(blockers) != 1 {
		t.Errorf("Data[blockers] = %v, want one entry", reports[0].Data["blockers"])
	}
}

func TestSessionsAreIsolated(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	s1, err := s.CreateSession(ctx, "one")
	if err != nil {
		t.Fatal(err)
	}
	s2, err := s.CreateSession(ctx, "two")
	if err != nil {
		t.Fatal(err)
	}

	if err := s.UpsertTask(ctx, &scheduler.Task{
		ID: "T1", SessionID: s1.ID, Role: scheduler.RoleBuilder,
		Description: "only in s1", Status: scheduler.StatusPending, CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	other, err := s.ListTasks(ctx, s2.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(other) != 0 {
		t.Errorf("session 2 sees %d tasks from session 1", len(other))
	}

	if _, err := s.GetTask(ctx, s2.ID, "T1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetTask(cross-session) error = %v, want ErrNotFound", err)
	}
}
