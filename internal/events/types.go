package events

import (
	"time"

	"github.com/aletho/foreman/internal/scheduler"
)

// Event is the base interface for all coordinator events.
type Event interface {
	EventType() string
	Session() string
}

// Topic names for subscriptions.
const (
	TopicTask    = "task"
	TopicAgent   = "agent"
	TopicSession = "session"
)

// Event type constants.
const (
	EventTypeTaskAssigned    = "task.assigned"
	EventTypeTaskCompleted   = "task.completed"
	EventTypeTaskRejected    = "task.rejected"
	EventTypeTaskBlocked     = "task.blocked"
	EventTypeAgentSpawned    = "agent.spawned"
	EventTypeAgentRetired    = "agent.retired"
	EventTypePhaseChanged    = "phase.changed"
	EventTypeSessionPaused   = "session.paused"
	EventTypeSessionResumed  = "session.resumed"
)

// TaskAssignedEvent is published when a ready task is dispatched to an agent.
type TaskAssignedEvent struct {
	SessionID string
	TaskID    string
	AgentID   string
	Role      scheduler.Role
	Timestamp time.Time
}

func (e TaskAssignedEvent) EventType() string { return EventTypeTaskAssigned }
func (e TaskAssignedEvent) Session() string   { return e.SessionID }

// TaskCompletedEvent is published when the quality gate accepts a claim.
type TaskCompletedEvent struct {
	SessionID string
	TaskID    string
	Artifact  string
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) Session() string   { return e.SessionID }

// TaskRejectedEvent is published when the quality gate sends a task back to
// pending with feedback.
type TaskRejectedEvent struct {
	SessionID string
	TaskID    string
	Feedback  string
	Retries   int
	Timestamp time.Time
}

func (e TaskRejectedEvent) EventType() string { return EventTypeTaskRejected }
func (e TaskRejectedEvent) Session() string   { return e.SessionID }

// TaskBlockedEvent is published when a task (and transitively its
// dependents) can no longer be scheduled without human input.
type TaskBlockedEvent struct {
	SessionID string
	TaskID    string
	Reason    string
	Timestamp time.Time
}

func (e TaskBlockedEvent) EventType() string { return EventTypeTaskBlocked }
func (e TaskBlockedEvent) Session() string   { return e.SessionID }

// AgentSpawnedEvent is published when the registry activates an agent.
type AgentSpawnedEvent struct {
	SessionID string
	AgentID   string
	Role      scheduler.Role
	Timestamp time.Time
}

func (e AgentSpawnedEvent) EventType() string { return EventTypeAgentSpawned }
func (e AgentSpawnedEvent) Session() string   { return e.SessionID }

// AgentRetiredEvent is published when an agent is retired.
type AgentRetiredEvent struct {
	SessionID string
	AgentID   string
	Role      scheduler.Role
	Timestamp time.Time
}

func (e AgentRetiredEvent) EventType() string { return EventTypeAgentRetired }
func (e AgentRetiredEvent) Session() string   { return e.SessionID }

// PhaseChangedEvent is published on every phase transition.
type PhaseChangedEvent struct {
	SessionID string
	From      scheduler.Phase
	To        scheduler.Phase
	Timestamp time.Time
}

func (e PhaseChangedEvent) EventType() string { return EventTypePhaseChanged }
func (e PhaseChangedEvent) Session() string   { return e.SessionID }

// SessionPausedEvent is published when a session pauses.
type SessionPausedEvent struct {
	SessionID string
	Phase     scheduler.Phase
	Timestamp time.Time
}

func (e SessionPausedEvent) EventType() string { return EventTypeSessionPaused }
func (e SessionPausedEvent) Session() string   { return e.SessionID }

// SessionResumedEvent is published when a session resumes into its saved
// phase.
type SessionResumedEvent struct {
	SessionID string
	Phase     scheduler.Phase
	Timestamp time.Time
}

func (e SessionResumedEvent) EventType() string { return EventTypeSessionResumed }
func (e SessionResumedEvent) Session() string   { return e.SessionID }
