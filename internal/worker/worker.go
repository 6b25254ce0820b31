// Package worker defines the boundary to the external agent-execution
// collaborator. The coordinator issues assignments and later receives
// completion signals; how an agent actually produces code, tests, or
// documentation is not this module's concern.
package worker

import (
	"context"

	"github.com/aletho/foreman/internal/scheduler"
)

// Outcome is the terminal result class of one assignment execution.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Assignment is the message dispatched to an agent.
type Assignment struct {
	SessionID         string
	TaskID            string
	Role              scheduler.Role
	Description       string
	DependencyContext []string // Artifact summaries of completed dependencies
	Feedback          []string // Quality gate feedback from prior rejections
}

// Result is the completion signal for one assignment.
type Result struct {
	TaskID          string
	Outcome         Outcome
	ArtifactSummary string
	Detail          string // Failure detail when Outcome == OutcomeFailure
}

// Worker executes one assignment. Implementations are expected to respect
// context cancellation; a returned error is a transport failure, while a
// Result with OutcomeFailure is the agent reporting that it could not do
// the work.
type Worker interface {
	Run(ctx context.Context, a Assignment) (Result, error)
}

// Func adapts a plain function to the Worker interface.
type Func func(ctx context.Context, a Assignment) (Result, error)

// Run implements Worker.
func (f Func) Run(ctx context.Context, a Assignment) (Result, error) {
	return f(ctx, a)
}
