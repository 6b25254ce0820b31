package coordinator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/aletho/foreman/internal/events"
	"github.com/aletho/foreman/internal/gate"
	"github.com/aletho/foreman/internal/scheduler"
	"github.com/aletho/foreman/internal/worker"
)

// Run drives the session to Done or until the context is cancelled. It is
// the single mutation path: assignments fan out concurrently through the
// worker bridge, but every completion signal is applied here, one at a
// time. Ready tasks queue in the coordinator's outbox and trickle into the
// bridge interleaved with result draining, so a ready set wider than the
// bridge's channel capacity can never wedge the loop.
func (c *Coordinator) Run(ctx context.Context) error {
	wrapped := resilientWorker{
		inner:    c.opts.Worker,
		breakers: c.breakers,
		retry:    c.opts.Retry,
	}
	serveCtx, cancelServe := context.WithCancel(ctx)
	c.bridge.Serve(serveCtx, wrapped, c.opts.Concurrency)
	defer func() {
		cancelServe()
		c.bridge.Wait()
	}()

	// At-least-once redelivery of assignments that were in flight when the
	// session last stopped. applyResult ignores stale duplicates.
	c.enqueueInProgress()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		c.mu.Lock()
		phase := c.session.Phase
		primed := c.planPrimed
		c.mu.Unlock()

		if phase == scheduler.PhaseDone {
			return nil
		}

		// Plan before build: nothing else is spawned until the planner
		// has delivered a breakdown.
		if !primed {
			if err := c.runPlanner(ctx); err != nil {
				return err
			}
			continue
		}

		if err := c.enqueueReady(ctx, phase); err != nil {
			return err
		}

		advanced, err := c.maybeAdvance(ctx, phase)
		if err != nil {
			return err
		}
		if advanced {
			continue
		}

		if c.inFlight() == 0 {
			// Outstanding work that can never become ready in this phase:
			// its dependencies belong to roles the phase will not run.
			if err := c.blockUnschedulable(ctx, phase); err != nil {
				return err
			}
			continue
		}

		if len(c.outbox) > 0 {
			select {
			case c.bridge.Assignments() <- c.outbox[0]:
				c.outbox = c.outbox[1:]
			case res := <-c.bridge.Results():
				if err := c.applyResult(ctx, res); err != nil {
					return err
				}
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		select {
		case res := <-c.bridge.Results():
			if err := c.applyResult(ctx, res); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// runPlanner spawns the planner and ingests its breakdown.
func (c *Coordinator) runPlanner(ctx context.Context) error {
	if c.opts.Planner == nil {
		return fmt.Errorf("session %s: planning phase requires a planner", c.session.ID)
	}

	c.mu.Lock()
	_, err := c.ensureAgent(ctx, scheduler.RolePlanner)
	goal := c.session.Goal
	c.mu.Unlock()
	if err != nil {
		return err
	}

	specs, err := c.opts.Planner.Plan(ctx, goal)
	if err != nil {
		return fmt.Errorf("planner failed: %w", err)
	}
	if len(specs) == 0 {
		return fmt.Errorf("session %s: planner produced no tasks", c.session.ID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addTasksLocked(ctx, specs)
}

// enqueueInProgress queues redelivery for tasks found in_progress on
// resume.
func (c *Coordinator) enqueueInProgress() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UTC()
	for _, t := range c.graph.InProgress("") {
		if _, ok := c.assigned[t.ID]; ok {
			continue
		}
		c.assigned[t.ID] = now
		c.outbox = append(c.outbox, c.assignment(t))
	}
}

// enqueueReady marks every ready task for the phase's roles in_progress
// and queues its assignment in the outbox.
func (c *Coordinator) enqueueReady(ctx context.Context, phase scheduler.Phase) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, role := range phase.Roles() {
		ready := c.graph.ReadyTasks(role)
		if len(ready) == 0 {
			continue
		}

		agent, err := c.ensureAgent(ctx, role)
		if err != nil {
			return err
		}

		for _, t := range ready {
			if err := c.graph.MarkInProgress(t.ID); err != nil {
				return err
			}
			if err := c.persistTask(ctx, t.ID); err != nil {
				return err
			}
			c.assigned[t.ID] = time.Now().UTC()
			c.publish(events.TopicTask, events.TaskAssignedEvent{
				SessionID: c.session.ID, TaskID: t.ID, AgentID: agent.ID,
				Role: role, Timestamp: time.Now().UTC(),
			})
			c.outbox = append(c.outbox, c.assignment(t))
		}
	}
	return nil
}

// assignment builds the message for one task. Caller holds c.mu.
func (c *Coordinator) assignment(t *scheduler.Task) worker.Assignment {
	var depContext []string
	for _, depID := range t.DependsOn {
		if artifact, ok := c.artifacts[depID]; ok && artifact != "" {
			depContext = append(depContext, fmt.Sprintf("%s: %s", depID, artifact))
			continue
		}
		if dep, ok := c.graph.Get(depID); ok {
			depContext = append(depContext, fmt.Sprintf("%s: %s", depID, dep.Description))
		}
	}
	return worker.Assignment{
		SessionID:         c.session.ID,
		TaskID:            t.ID,
		Role:              t.Role,
		Description:       t.Description,
		DependencyContext: depContext,
		Feedback:          t.Feedback,
	}
}

// inFlight returns the number of unresolved assignments, queued or
// dispatched.
func (c *Coordinator) inFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.assigned)
}

// applyResult processes one completion signal through the quality gate and
// commits the resulting transition.
func (c *Coordinator) applyResult(ctx context.Context, res worker.Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.assigned, res.TaskID)

	t, ok := c.graph.Get(res.TaskID)
	if !ok || t.Status != scheduler.StatusInProgress {
		// Stale redelivery after a resume, or a task force-blocked while
		// the agent was still working. Safe to drop.
		log.Printf("session %s: ignoring result for task %s", c.session.ID, res.TaskID)
		return nil
	}

	if res.Outcome != worker.OutcomeSuccess {
		return c.requeueTask(ctx, res.TaskID, res.Detail)
	}

	verdict, err := c.opts.Gate.Review(ctx, t, res.ArtifactSummary)
	if err != nil {
		// Predicate transport failure: recover locally by rescheduling
		// the task; the claim will be re-reviewed on the next attempt.
		log.Printf("session %s: quality review failed for task %s: %v", c.session.ID, res.TaskID, err)
		return c.requeueTask(ctx, res.TaskID, "quality review unavailable")
	}

	switch verdict.Decision {
	case gate.Accepted:
		if err := c.graph.MarkCompleted(res.TaskID, time.Now().UTC()); err != nil {
			return err
		}
		c.artifacts[res.TaskID] = res.ArtifactSummary
		if err := c.persistTask(ctx, res.TaskID); err != nil {
			return err
		}
		c.publish(events.TopicTask, events.TaskCompletedEvent{
			SessionID: c.session.ID, TaskID: res.TaskID,
			Artifact: res.ArtifactSummary, Timestamp: time.Now().UTC(),
		})

	case gate.Rejected:
		if err := c.graph.ResetPending(res.TaskID, verdict.Feedback); err != nil {
			return err
		}
		if err := c.persistTask(ctx, res.TaskID); err != nil {
			return err
		}
		updated, _ := c.graph.Get(res.TaskID)
		c.publish(events.TopicTask, events.TaskRejectedEvent{
			SessionID: c.session.ID, TaskID: res.TaskID,
			Feedback: verdict.Feedback, Retries: updated.Retries, Timestamp: time.Now().UTC(),
		})

	case gate.Escalated:
		// The ceiling-hitting rejection is still recorded, then the task
		// leaves autonomous rotation for good.
		if err := c.graph.ResetPending(res.TaskID, verdict.Feedback); err != nil {
			return err
		}
		reason := fmt.Sprintf("quality gate retry ceiling (%d) reached", c.opts.Gate.MaxRetries())
		if err := c.graph.MarkBlocked(res.TaskID, reason); err != nil {
			return err
		}
		// Block propagation may fan out to dependents.
		if err := c.persistAll(ctx); err != nil {
			return err
		}
		c.publish(events.TopicTask, events.TaskBlockedEvent{
			SessionID: c.session.ID, TaskID: res.TaskID,
			Reason: reason, Timestamp: time.Now().UTC(),
		})
	}
	return nil
}

// maybeAdvance moves to the next phase when the current phase's roles have
// no pending or in_progress work left, retiring roles the later phases do
// not need. Several phases can be skipped in a row when a plan has no work
// for them.
func (c *Coordinator) maybeAdvance(ctx context.Context, phase scheduler.Phase) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if phase == scheduler.PhaseDone || c.graph.Outstanding(phase.Roles()...) {
		return false, nil
	}

	for _, role := range phase.Roles() {
		if err := c.retireRole(ctx, role); err != nil {
			return false, err
		}
	}
	if err := c.setPhase(ctx, phase.Next()); err != nil {
		return false, err
	}
	return true, nil
}

// blockUnschedulable blocks pending tasks of the phase's roles whose
// dependency sets can never complete (a dependency is blocked, or owned by
// a role this phase will not run). Without this the loop would wait for a
// completion signal that cannot arrive.
func (c *Coordinator) blockUnschedulable(ctx context.Context, phase scheduler.Phase) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	blocked := false
	for _, role := range phase.Roles() {
		for _, t := range c.graph.Tasks() {
			if t.Role != role || t.Status != scheduler.StatusPending {
				continue
			}
			reason := fmt.Sprintf("dependencies cannot complete in phase %s", phase)
			if err := c.graph.MarkBlocked(t.ID, reason); err != nil {
				return err
			}
			c.publish(events.TopicTask, events.TaskBlockedEvent{
				SessionID: c.session.ID, TaskID: t.ID, Reason: reason, Timestamp: time.Now().UTC(),
			})
			blocked = true
		}
	}
	if !blocked {
		return nil
	}
	return c.persistAll(ctx)
}
