// Package gate implements the validation checkpoint between a claimed task
// completion and a committed completed status. The gate decides; the
// coordinator commits the resulting transition.
package gate

import (
	"context"
	"fmt"
	"sync"

	"github.com/aletho/foreman/internal/scheduler"
)

// DefaultMaxRetries is the rejection ceiling used when the configuration
// does not set one.
const DefaultMaxRetries = 3

// Predicate validates a claimed result for a task. It returns whether the
// claim is accepted and, on rejection, feedback for the retry. A returned
// error is a transport/system failure, not a rejection, and propagates.
type Predicate func(ctx context.Context, task *scheduler.Task, claimed string) (accepted bool, feedback string, err error)

// Decision is the outcome class of a review.
type Decision int

const (
	// Accepted commits the task as completed.
	Accepted Decision = iota
	// Rejected returns the task to pending with feedback for a retry.
	Rejected
	// Escalated blocks the task: the retry ceiling is exhausted and human
	// input is required.
	Escalated
)

func (d Decision) String() string {
	switch d {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case Escalated:
		return "escalated"
	}
	return fmt.Sprintf("decision(%d)", int(d))
}

// Verdict is the result of one review.
type Verdict struct {
	Decision Decision
	Feedback string
}

// Gate runs role-appropriate validation predicates against completion
// claims and tracks the rejection ceiling.
type Gate struct {
	mu         sync.RWMutex
	predicates map[scheduler.Role]Predicate
	maxRetries int
}

// New creates a gate with the given rejection ceiling. A ceiling <= 0 falls
// back to DefaultMaxRetries.
func New(maxRetries int) *Gate {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Gate{
		predicates: make(map[scheduler.Role]Predicate),
		maxRetries: maxRetries,
	}
}

// Register installs the validation predicate for a role, replacing any
// previous one. Roles without a predicate accept claims as-is.
func (g *Gate) Register(role scheduler.Role, p Predicate) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.predicates[role] = p
}

// MaxRetries returns the configured rejection ceiling.
func (g *Gate) MaxRetries() int {
	return g.maxRetries
}

// Review validates a completion claim for the task. On rejection, the
// verdict escalates exactly when this rejection is the task's Nth, where N
// is the configured ceiling; earlier rejections ask for a retry. The task
// argument is a snapshot; Review mutates nothing.
func (g *Gate) Review(ctx context.Context, task *scheduler.Task, claimed string) (Verdict, error) {
	g.mu.RLock()
	p := g.predicates[task.Role]
	g.mu.RUnlock()

	if p == nil {
		return Verdict{Decision: Accepted}, nil
	}

	accepted, feedback, err := p(ctx, task, claimed)
	if err != nil {
		return Verdict{}, fmt.Errorf("quality predicate for role %s failed on task %s: %w", task.Role, task.ID, err)
	}
	if accepted {
		return Verdict{Decision: Accepted}, nil
	}

	if task.Retries+1 >= g.maxRetries {
		return Verdict{Decision: Escalated, Feedback: feedback}, nil
	}
	return Verdict{Decision: Rejected, Feedback: feedback}, nil
}
