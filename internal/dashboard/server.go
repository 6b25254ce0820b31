// Package dashboard serves a read-only JSON view of the store for external
// consumers. It never mutates session state; the coordinator remains the
// single writer.
package dashboard

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aletho/foreman/internal/scheduler"
	"github.com/aletho/foreman/internal/store"
)

// Server exposes the dashboard API over one store.
type Server struct {
	store *store.Store
}

// New creates a dashboard server.
func New(st *store.Store) *Server {
	return &Server{store: st}
}

// Router builds the chi router for the API. All routes are GETs.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Route("/api", func(r chi.Router) {
		r.Get("/sessions", s.listSessions)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Get("/tasks", s.listTasks)
			r.Get("/agents", s.listAgents)
			r.Get("/reports", s.listReports)
		})
	})

	return r
}

type sessionJSON struct {
	ID        string    `json:"id"`
	Goal      string    `json:"goal"`
	Phase     string    `json:"phase"`
	Paused    bool      `json:"paused"`
	CreatedAt time.Time `json:"created_at"`
}

type taskJSON struct {
	ID          string     `json:"id"`
	Role        string     `json:"role"`
	Description string     `json:"description"`
	Priority    int        `json:"priority"`
	Status      string     `json:"status"`
	DependsOn   []string   `json:"depends_on,omitempty"`
	Retries     int        `json:"retries"`
	Feedback    []string   `json:"feedback,omitempty"`
	BlockReason string     `json:"block_reason,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type agentJSON struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
}

type reportJSON struct {
	ID             int64          `json:"id"`
	Timestamp      time.Time      `json:"timestamp"`
	Phase          string         `json:"phase"`
	CompletedTasks int            `json:"completed_tasks"`
	Data           map[string]any `json:"data,omitempty"`
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]sessionJSON, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, toSessionJSON(sess))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.LoadSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionJSON(sess))
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.sessionExists(w, r, id) {
		return
	}

	status := scheduler.Status(r.URL.Query().Get("status"))
	if status != "" && !validStatus(status) {
		writeError(w, http.StatusBadRequest, "unknown status filter")
		return
	}

	tasks, err := s.store.ListTasks(r.Context(), id, status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]taskJSON, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskJSON{
			ID:          t.ID,
			Role:        string(t.Role),
			Description: t.Description,
			Priority:    t.Priority,
			Status:      string(t.Status),
			DependsOn:   t.DependsOn,
			Retries:     t.Retries,
			Feedback:    t.Feedback,
			BlockReason: t.BlockReason,
			CreatedAt:   t.CreatedAt,
			CompletedAt: t.CompletedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.sessionExists(w, r, id) {
		return
	}

	role := scheduler.Role(r.URL.Query().Get("role"))
	if role != "" && !role.Valid() {
		writeError(w, http.StatusBadRequest, "unknown role filter")
		return
	}

	agents, err := s.store.ListAgents(r.Context(), id, role)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]agentJSON, 0, len(agents))
	for _, a := range agents {
		out = append(out, agentJSON{
			ID:        a.ID,
			Role:      string(a.Role),
			Status:    string(a.Status),
			StartedAt: a.StartedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) listReports(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.sessionExists(w, r, id) {
		return
	}

	reports, err := s.store.ListReports(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]reportJSON, 0, len(reports))
	for _, rep := range reports {
		out = append(out, reportJSON{
			ID:             rep.ID,
			Timestamp:      rep.Timestamp,
			Phase:          string(rep.Phase),
			CompletedTasks: rep.CompletedTasks,
			Data:           rep.Data,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) sessionExists(w http.ResponseWriter, r *http.Request, id string) bool {
	if _, err := s.store.LoadSession(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return false
	}
	return true
}

func toSessionJSON(sess *store.Session) sessionJSON {
	return sessionJSON{
		ID:        sess.ID,
		Goal:      sess.Goal,
		Phase:     string(sess.Phase),
		Paused:    sess.Paused,
		CreatedAt: sess.CreatedAt,
	}
}

func validStatus(s scheduler.Status) bool {
	switch s {
	case scheduler.StatusPending, scheduler.StatusInProgress, scheduler.StatusCompleted, scheduler.StatusBlocked:
		return true
	}
	return false
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("dashboard: encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
