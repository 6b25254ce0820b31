package scheduler

import (
	"errors"
	"time"
)

// Status represents the current state of a task.
type Status string

const (
	StatusPending    Status = "pending"     // Waiting for dependencies or assignment
	StatusInProgress Status = "in_progress" // Assigned to an agent and being worked
	StatusCompleted  Status = "completed"   // Accepted by the quality gate
	StatusBlocked    Status = "blocked"     // Cannot proceed without human input
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusBlocked:
		return true
	}
	return false
}

// Role is a logical worker specialization. Behavior differences between
// roles are expressed through the capability methods below rather than by
// branching on the raw string.
type Role string

const (
	RolePlanner        Role = "planner"
	RoleBuilder        Role = "builder"
	RoleQualityChecker Role = "quality_checker"
	RoleTester         Role = "tester"
	RoleDocumenter     Role = "documenter"
)

// Roles lists all known roles in phase order.
func Roles() []Role {
	return []Role{RolePlanner, RoleBuilder, RoleQualityChecker, RoleTester, RoleDocumenter}
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RolePlanner, RoleBuilder, RoleQualityChecker, RoleTester, RoleDocumenter:
		return true
	}
	return false
}

// ProducesTasks reports whether the role emits new tasks (the planner's
// breakdown). The coordinator will not spawn any other role until a
// task-producing role has delivered work.
func (r Role) ProducesTasks() bool { return r == RolePlanner }

// ConsumesTasks reports whether the role picks up ready tasks for execution.
func (r Role) ConsumesTasks() bool { return r != RolePlanner }

// Validates reports whether the role reviews other roles' output.
func (r Role) Validates() bool { return r == RoleQualityChecker }

// Sentinel errors for the task state machine.
var (
	ErrNotFound          = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrCyclicDependency  = errors.New("cyclic dependency")
	ErrDuplicateTask     = errors.New("duplicate task id")
)

// Task is a unit of work owned by a session.
type Task struct {
	ID          string
	SessionID   string
	Role        Role
	Description string
	Priority    int      // Higher runs first among ready tasks
	DependsOn   []string // Task IDs that must complete before this one starts
	Status      Status
	Retries     int      // Quality gate rejections so far
	Feedback    []string // Rejection feedback history, oldest first
	BlockReason string   // Set when Status == StatusBlocked
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// Clone returns a deep copy so callers cannot mutate graph-owned state.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.DependsOn != nil {
		cp.DependsOn = append([]string(nil), t.DependsOn...)
	}
	if t.Feedback != nil {
		cp.Feedback = append([]string(nil), t.Feedback...)
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		cp.CompletedAt = &at
	}
	return &cp
}
