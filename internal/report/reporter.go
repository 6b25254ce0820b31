// Package report derives progress summaries from the persistent store. It
// is a read-only consumer except for appending immutable report rows.
package report

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aletho/foreman/internal/roster"
	"github.com/aletho/foreman/internal/scheduler"
	"github.com/aletho/foreman/internal/store"
)

// Blocker is a task that cannot proceed without human input.
type Blocker struct {
	TaskID      string `json:"task_id"`
	Description string `json:"description"`
	Reason      string `json:"reason"`
	Retries     int    `json:"retries"`
}

// Summary is a point-in-time view of a session's progress.
type Summary struct {
	SessionID      string
	Goal           string
	Phase          scheduler.Phase
	Paused         bool
	CompletedTasks int
	TotalTasks     int
	ActiveRoles    []scheduler.Role
	Blockers       []Blocker
	// NextPriorities lists outstanding task descriptions, highest
	// priority first.
	NextPriorities []string
	// Stale lists in_progress task ids the coordinator flagged as
	// exceeding the staleness threshold. Supplied by the caller; the
	// store has no dispatch timestamps.
	Stale           []string
	Recommendations []string
}

// Done reports whether the session has finished every task it will
// autonomously finish.
func (s Summary) Done() bool {
	return s.Phase == scheduler.PhaseDone
}

// Reporter builds summaries over one store.
type Reporter struct {
	store *store.Store
}

// New creates a reporter.
func New(st *store.Store) *Reporter {
	return &Reporter{store: st}
}

// Summarize assembles the current summary for a session. Unknown sessions
// fail with store.ErrNotFound.
func (r *Reporter) Summarize(ctx context.Context, sessionID string, stale []string) (*Summary, error) {
	sess, err := r.store.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	tasks, err := r.store.ListTasks(ctx, sessionID, "")
	if err != nil {
		return nil, fmt.Errorf("loading tasks: %w", err)
	}
	agents, err := r.store.ListAgents(ctx, sessionID, "")
	if err != nil {
		return nil, fmt.Errorf("loading agents: %w", err)
	}

	s := &Summary{
		SessionID:  sess.ID,
		Goal:       sess.Goal,
		Phase:      sess.Phase,
		Paused:     sess.Paused,
		TotalTasks: len(tasks),
		Stale:      stale,
	}

	var outstanding []*scheduler.Task
	for _, t := range tasks {
		switch t.Status {
		case scheduler.StatusCompleted:
			s.CompletedTasks++
		case scheduler.StatusBlocked:
			s.Blockers = append(s.Blockers, Blocker{
				TaskID:      t.ID,
				Description: t.Description,
				Reason:      t.BlockReason,
				Retries:     t.Retries,
			})
		default:
			outstanding = append(outstanding, t)
		}
	}

	sort.SliceStable(outstanding, func(i, j int) bool {
		return outstanding[i].Priority > outstanding[j].Priority
	})
	for _, t := range outstanding {
		s.NextPriorities = append(s.NextPriorities, fmt.Sprintf("[%s] %s", t.Role, t.Description))
	}

	for _, a := range agents {
		if a.Status == roster.AgentActive {
			s.ActiveRoles = append(s.ActiveRoles, a.Role)
		}
	}

	if len(s.Blockers) > 0 {
		s.Recommendations = append(s.Recommendations,
			fmt.Sprintf("%d task(s) are blocked and need human input before the session can finish", len(s.Blockers)))
	}
	if len(s.Stale) > 0 {
		s.Recommendations = append(s.Recommendations,
			"long-running in_progress tasks may be stalled; consider pausing and resuming to redeliver them")
	}
	if sess.Paused {
		s.Recommendations = append(s.Recommendations, "session is paused; resume to continue dispatch")
	}
	return s, nil
}

// Record persists a summary as an immutable report row and returns the
// stored report.
func (r *Reporter) Record(ctx context.Context, s *Summary) (*store.Report, error) {
	data := map[string]any{
		"total_tasks":  s.TotalTasks,
		"active_roles": s.ActiveRoles,
	}
	if len(s.Blockers) > 0 {
		data["blockers"] = s.Blockers
	}
	if len(s.NextPriorities) > 0 {
		data["next_priorities"] = s.NextPriorities
	}
	if len(s.Stale) > 0 {
		data["stale_tasks"] = s.Stale
	}
	if len(s.Recommendations) > 0 {
		data["recommendations"] = s.Recommendations
	}

	rep := &store.Report{
		SessionID:      s.SessionID,
		Timestamp:      time.Now().UTC(),
		Phase:          s.Phase,
		CompletedTasks: s.CompletedTasks,
		Data:           data,
	}
	if err := r.store.AppendReport(ctx, rep); err != nil {
		return nil, fmt.Errorf("recording report: %w", err)
	}
	return rep, nil
}
