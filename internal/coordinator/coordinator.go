// Package coordinator drives one project session: it owns the phase state
// machine, pulls ready work from the task graph, dispatches it to agents,
// and routes completion claims through the quality gate. It is the only
// mutator of cross-cutting state; every status change funnels through its
// serialized mutation path and is committed to the store before anything
// else observes it.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/aletho/foreman/internal/events"
	"github.com/aletho/foreman/internal/gate"
	"github.com/aletho/foreman/internal/roster"
	"github.com/aletho/foreman/internal/scheduler"
	"github.com/aletho/foreman/internal/store"
	"github.com/aletho/foreman/internal/worker"
)

// Planner produces the initial task breakdown for a project goal. It is the
// coordinator's view of the planning agent: opaque, external, asynchronous
// in spirit even though the call itself blocks.
type Planner interface {
	Plan(ctx context.Context, goal string) ([]TaskSpec, error)
}

// PlannerFunc adapts a function to the Planner interface.
type PlannerFunc func(ctx context.Context, goal string) ([]TaskSpec, error)

// Plan implements Planner.
func (f PlannerFunc) Plan(ctx context.Context, goal string) ([]TaskSpec, error) {
	return f(ctx, goal)
}

// TaskSpec describes one task in a plan (or a mid-run append).
type TaskSpec struct {
	ID          string
	Role        scheduler.Role
	Description string
	Priority    int // 0 selects the role's configured default
	DependsOn   []string
}

// Options configures a coordinator.
type Options struct {
	Bus         *events.Bus   // optional; nil disables progress events
	Gate        *gate.Gate    // nil gets a gate with the default ceiling
	Worker      worker.Worker // executes assignments; required for Run
	Planner     Planner       // produces the breakdown; required for Run from Planning
	Concurrency int           // max concurrent assignments (default 4)
	Retry       RetryConfig   // worker call retry policy
	Priorities  map[scheduler.Role]int
}

// Coordinator is the session state machine.
type Coordinator struct {
	opts    Options
	store   *store.Store
	session *store.Session

	mu     sync.Mutex // serializes every mutation of graph/roster/session
	graph  *scheduler.Graph
	roster *roster.Roster

	bridge     *worker.Bridge
	breakers   *breakerRegistry
	assigned   map[string]time.Time // taskID -> dispatch time
	artifacts  map[string]string    // taskID -> accepted artifact summary
	planPrimed bool                 // planner has delivered at least one task

	// outbox queues assignments whose tasks are already in_progress but
	// which have not yet entered the bridge. Touched only by the Run
	// goroutine, so it needs no lock; it is what lets dispatch stay
	// unbounded while the bridge channels stay bounded.
	outbox []worker.Assignment
}

// Start creates a new session for the goal and a coordinator over it.
func Start(ctx context.Context, st *store.Store, goal string, opts Options) (*Coordinator, error) {
	sess, err := st.CreateSession(ctx, goal)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	return newCoordinator(sess, st, opts, scheduler.NewGraph(), roster.New(sess.ID)), nil
}

// Resume reloads an existing session entirely from the store: no in-memory
// state survives a restart, relations are re-resolved by id, and ready
// tasks are recomputed from scratch. An unknown session id fails with
// store.ErrNotFound and never creates a session implicitly.
func Resume(ctx context.Context, st *store.Store, sessionID string, opts Options) (*Coordinator, error) {
	sess, err := st.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	tasks, err := st.ListTasks(ctx, sessionID, "")
	if err != nil {
		return nil, fmt.Errorf("loading tasks: %w", err)
	}
	graph, err := scheduler.Rebuild(tasks)
	if err != nil {
		return nil, err
	}

	agents, err := st.ListAgents(ctx, sessionID, "")
	if err != nil {
		return nil, fmt.Errorf("loading agents: %w", err)
	}
	ros, err := roster.Rebuild(sessionID, agents)
	if err != nil {
		return nil, err
	}

	c := newCoordinator(sess, st, opts, graph, ros)
	c.planPrimed = graph.Len() > 0

	if sess.Paused {
		if err := st.SetPaused(ctx, sessionID, false); err != nil {
			return nil, err
		}
		sess.Paused = false
		c.publish(events.TopicSession, events.SessionResumedEvent{
			SessionID: sess.ID, Phase: sess.Phase, Timestamp: time.Now().UTC(),
		})
	}
	return c, nil
}

func newCoordinator(sess *store.Session, st *store.Store, opts Options, g *scheduler.Graph, r *roster.Roster) *Coordinator {
	if opts.Gate == nil {
		opts.Gate = gate.New(0)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Retry == (RetryConfig{}) {
		opts.Retry = DefaultRetryConfig()
	}
	return &Coordinator{
		opts:      opts,
		store:     st,
		session:   sess,
		graph:     g,
		roster:    r,
		bridge:    worker.NewBridge(opts.Concurrency * 2),
		breakers:  newBreakerRegistry(),
		assigned:  make(map[string]time.Time),
		artifacts: make(map[string]string),
	}
}

// Session returns a copy of the session row as last committed.
func (c *Coordinator) Session() store.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.session
}

// Graph exposes the task graph cache for read-only inspection.
func (c *Coordinator) Graph() *scheduler.Graph {
	return c.graph
}

// Roster exposes the agent registry for read-only inspection.
func (c *Coordinator) Roster() *roster.Roster {
	return c.roster
}

// Pause records the paused flag and stops nothing by itself: callers cancel
// the Run context alongside. In_progress tasks stay in_progress so resume
// can re-deliver or re-validate them.
func (c *Coordinator) Pause(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.SetPaused(ctx, c.session.ID, true); err != nil {
		return err
	}
	c.session.Paused = true
	c.publish(events.TopicSession, events.SessionPausedEvent{
		SessionID: c.session.ID, Phase: c.session.Phase, Timestamp: time.Now().UTC(),
	})
	return nil
}

// AddTasks validates and persists new tasks (the planner's breakdown or a
// mid-run append). Cyclic or dangling dependency sets are rejected before
// anything is written.
func (c *Coordinator) AddTasks(ctx context.Context, specs []TaskSpec) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addTasksLocked(ctx, specs)
}

func (c *Coordinator) addTasksLocked(ctx context.Context, specs []TaskSpec) error {
	now := time.Now().UTC()
	batch := make([]*scheduler.Task, 0, len(specs))
	for i, spec := range specs {
		if !spec.Role.Valid() {
			return fmt.Errorf("task %q has unknown role %q", spec.ID, spec.Role)
		}
		priority := spec.Priority
		if priority == 0 {
			priority = c.opts.Priorities[spec.Role]
		}
		batch = append(batch, &scheduler.Task{
			ID:          spec.ID,
			SessionID:   c.session.ID,
			Role:        spec.Role,
			Description: spec.Description,
			Priority:    priority,
			DependsOn:   spec.DependsOn,
			Status:      scheduler.StatusPending,
			CreatedAt:   now.Add(time.Duration(i) * time.Microsecond),
		})
	}

	// Validated as a whole: a breakdown may list tasks in any order, and a
	// cyclic one is rejected before anything is written.
	if err := c.graph.AddBatch(batch); err != nil {
		return err
	}

	// The batch persists in one transaction. If it fails, unwind the graph
	// insertions so the cache never holds tasks the store does not.
	if err := c.store.UpsertTasks(ctx, batch); err != nil {
		ids := make([]string, len(batch))
		for i, t := range batch {
			ids[i] = t.ID
		}
		c.graph.Remove(ids...)
		return fmt.Errorf("persisting batch of %d task(s): %w", len(batch), err)
	}
	if len(batch) > 0 {
		c.planPrimed = true
	}
	return nil
}

// StaleInProgress returns tasks that have been in_progress longer than d,
// as a signal for the reporter. The coordinator itself never forces a
// status change on timeout; that policy lives outside the core.
func (c *Coordinator) StaleInProgress(d time.Duration) []*scheduler.Task {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().Add(-d)
	var stale []*scheduler.Task
	for _, t := range c.graph.InProgress("") {
		at, ok := c.assigned[t.ID]
		if ok && at.Before(cutoff) {
			stale = append(stale, t)
		}
	}
	return stale
}

func (c *Coordinator) publish(topic string, e events.Event) {
	if c.opts.Bus != nil {
		c.opts.Bus.Publish(topic, e)
	}
}

// persistTask writes the graph's current view of one task to the store.
// Store failures are fatal to the operation and propagate unmodified:
// silently losing a status write would corrupt resumability.
func (c *Coordinator) persistTask(ctx context.Context, taskID string) error {
	t, ok := c.graph.Get(taskID)
	if !ok {
		return fmt.Errorf("task %q: %w", taskID, scheduler.ErrNotFound)
	}
	if err := c.store.UpsertTask(ctx, t); err != nil {
		return fmt.Errorf("persisting task %s: %w", taskID, err)
	}
	return nil
}

// persistAll flushes every task. Used after transitions that can fan out
// (block propagation).
func (c *Coordinator) persistAll(ctx context.Context) error {
	for _, t := range c.graph.Tasks() {
		if err := c.store.UpsertTask(ctx, t); err != nil {
			return fmt.Errorf("persisting task %s: %w", t.ID, err)
		}
	}
	return nil
}

// ensureAgent spawns an active agent for the role if none exists, persisting
// the row before the agent is considered live. ErrAlreadyActive from a
// concurrent path is not possible: spawn decisions are serialized by c.mu.
func (c *Coordinator) ensureAgent(ctx context.Context, role scheduler.Role) (*roster.Agent, error) {
	if a := c.roster.ActiveFor(role); a != nil {
		return a, nil
	}
	a, err := c.roster.Spawn(role)
	if err != nil {
		// Registry and coordinator disagree; surface rather than guess.
		return nil, err
	}
	if err := c.store.UpsertAgent(ctx, a); err != nil {
		return nil, err
	}
	c.publish(events.TopicAgent, events.AgentSpawnedEvent{
		SessionID: c.session.ID, AgentID: a.ID, Role: role, Timestamp: time.Now().UTC(),
	})
	return a, nil
}

// retireRole retires the active agent for the role, if any, and persists it.
func (c *Coordinator) retireRole(ctx context.Context, role scheduler.Role) error {
	a := c.roster.RetireRole(role)
	if a == nil {
		return nil
	}
	if err := c.store.UpsertAgent(ctx, a); err != nil {
		return err
	}
	c.publish(events.TopicAgent, events.AgentRetiredEvent{
		SessionID: c.session.ID, AgentID: a.ID, Role: a.Role, Timestamp: time.Now().UTC(),
	})
	return nil
}

// setPhase commits a phase transition.
func (c *Coordinator) setPhase(ctx context.Context, next scheduler.Phase) error {
	from := c.session.Phase
	if err := c.store.SetPhase(ctx, c.session.ID, next); err != nil {
		return err
	}
	c.session.Phase = next
	c.publish(events.TopicSession, events.PhaseChangedEvent{
		SessionID: c.session.ID, From: from, To: next, Timestamp: time.Now().UTC(),
	})
	log.Printf("session %s: phase %s -> %s", c.session.ID, from, next)
	return nil
}

// requeueTask returns a task to pending after an agent failure. Unknown or
// non-in_progress tasks are ignored (stale redelivery).
func (c *Coordinator) requeueTask(ctx context.Context, taskID, detail string) error {
	if err := c.graph.Requeue(taskID); err != nil {
		if errors.Is(err, scheduler.ErrNotFound) || errors.Is(err, scheduler.ErrInvalidTransition) {
			log.Printf("session %s: ignoring stale result for task %s: %v", c.session.ID, taskID, err)
			return nil
		}
		return err
	}
	log.Printf("session %s: task %s failed (%s), requeued", c.session.ID, taskID, detail)
	return c.persistTask(ctx, taskID)
}
