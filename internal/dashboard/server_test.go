package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aletho/foreman/internal/roster"
	"github.com/aletho/foreman/internal/scheduler"
	"github.com/aletho/foreman/internal/store"
)

func newTestServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	ctx := context.Background()

	st, err := store.OpenMemory(ctx)
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	sess, err := st.CreateSession(ctx, "build the thing")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	now := time.Now().UTC()
	tasks := []*scheduler.Task{
		{ID: "T1", SessionID: sess.ID, Role: scheduler.RoleBuilder, Description: "scaffold",
			Status: scheduler.StatusCompleted, CreatedAt: now, CompletedAt: &now},
		{ID: "T2", SessionID: sess.ID, Role: scheduler.RoleBuilder, Description: "api",
			Status: scheduler.StatusPending, DependsOn: []string{"T1"}, CreatedAt: now},
	}
	for _, task := range tasks {
		if err := st.UpsertTask(ctx, task); err != nil {
			t.Fatalf("UpsertTask: %v", err)
		}
	}

	if err := st.UpsertAgent(ctx, &roster.Agent{
		ID: "builder-1", SessionID: sess.ID, Role: scheduler.RoleBuilder,
		Status: roster.AgentActive, StartedAt: now,
	}); err != nil {
		t.Fatalf("UpsertAgent: %v", err)
	}

	if err := st.AppendReport(ctx, &store.Report{
		SessionID: sess.ID, Phase: scheduler.PhaseImplementation,
		CompletedTasks: 1, Data: map[string]any{"total_tasks": 2},
	}); err != nil {
		t.Fatalf("AppendReport: %v", err)
	}

	srv := httptest.NewServer(New(st).Router())
	t.Cleanup(srv.Close)
	return srv, sess.ID
}

func getJSON(t *testing.T, url string, wantStatus int, out any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("GET %s status = %d, want %d", url, resp.StatusCode, wantStatus)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decoding %s: %v", url, err)
		}
	}
}

func TestSessionEndpoints(t *testing.T) {
	srv, sessionID := newTestServer(t)

	var sessions []map[string]any
	getJSON(t, srv.URL+"/api/sessions", http.StatusOK, &sessions)
	if len(sessions) != 1 || sessions[0]["id"] != sessionID {
		t.Fatalf("sessions = %v", sessions)
	}

	var sess map[string]any
	getJSON(t, srv.URL+"/api/sessions/"+sessionID, http.StatusOK, &sess)
	if sess["goal"] != "build the thing" || sess["phase"] != "planning" {
		t.Errorf("session = %v", sess)
	}

	getJSON(t, srv.URL+"/api/sessions/nope", http.StatusNotFound, nil)
}

func TestTaskFiltering(t *testing.T) {
	srv, sessionID := newTestServer(t)
	base := srv.URL + "/api/sessions/" + sessionID

	var tasks []map[string]any
	getJSON(t, base+"/tasks", http.StatusOK, &tasks)
	if len(tasks) != 2 {
		t.Fatalf("got %d tasks, want 2", len(tasks))
	}

	tasks = nil
	getJSON(t, base+"/tasks?status=pending", http.StatusOK, &tasks)
	if len(tasks) != 1 || tasks[0]["id"] != "T2" {
		t.Fatalf("pending tasks = %v", tasks)
	}
	deps, ok := tasks[0]["depends_on"].([]any)
	if !ok || len(deps) != 1 || deps[0] != "T1" {
		t.Errorf("depends_on = %v", tasks[0]["depends_on"])
	}

	getJSON(t, base+"/tasks?status=bogus", http.StatusBadRequest, nil)
	getJSON(t, srv.URL+"/api/sessions/nope/tasks", http.StatusNotFound, nil)
}

func TestAgentAndReportEndpoints(t *testing.T) {
	srv, sessionID := newTestServer(t)
	base := srv.URL + "/api/sessions/" + sessionID

	var agents []map[string]any
	getJSON(t, base+"/agents", http.StatusOK, &agents)
	if len(agents) != 1 || agents[0]["role"] != "builder" || agents[0]["status"] != "active" {
		t.Fatalf("agents = %v", agents)
	}

	agents = nil
	getJSON(t, base+"/agents?role=tester", http.StatusOK, &agents)
	if len(agents) != 0 {
		t.Fatalf("tester agents = %v", agents)
	}
	getJSON(t, base+"/agents?role=juggler", http.StatusBadRequest, nil)

	var reports []map[string]any
	getJSON(t, base+"/reports", http.StatusOK, &reports)
	if len(reports) != 1 {
		t.Fatalf("got %d reports, want 1", len(reports))
	}
	if reports[0]["phase"] != "implementation" || reports[0]["completed_tasks"] != float64(1) {
		t.Errorf("report = %v", reports[0])
	}
}
