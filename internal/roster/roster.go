package roster

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aletho/foreman/internal/scheduler"
)

// AgentStatus is the lifecycle state of an agent.
type AgentStatus string

const (
	AgentActive  AgentStatus = "active"
	AgentRetired AgentStatus = "retired"
)

var (
	// ErrAlreadyActive is returned by Spawn when an active agent for the
	// role exists. The caller must retire it first.
	ErrAlreadyActive = errors.New("agent already active for role")
	// ErrNotFound is returned when an agent id is unknown.
	ErrNotFound = errors.New("agent not found")
)

// Agent is a logical worker instance bound to a role within a session.
type Agent struct {
	ID        string
	SessionID string
	Role      scheduler.Role
	Status    AgentStatus
	StartedAt time.Time
}

// Roster tracks agent lifecycle for one session and enforces the
// at-most-one-active-agent-per-role invariant at the boundary, so callers
// need no discipline of their own. Like the task graph it is a cache over
// the store and is rebuilt from persisted rows on resume.
type Roster struct {
	mu        sync.Mutex
	sessionID string
	agents    map[string]*Agent // id -> agent
}

// New creates an empty roster for the session.
func New(sessionID string) *Roster {
	return &Roster{
		sessionID: sessionID,
		agents:    make(map[string]*Agent),
	}
}

// Rebuild constructs a roster from persisted agents.
func Rebuild(sessionID string, agents []*Agent) (*Roster, error) {
	r := New(sessionID)
	seen := make(map[scheduler.Role]bool)
	for _, a := range agents {
		if a.Status == AgentActive {
			if seen[a.Role] {
				return nil, fmt.Errorf("persisted state has two active agents for role %s", a.Role)
			}
			seen[a.Role] = true
		}
		cp := *a
		r.agents[cp.ID] = &cp
	}
	return r, nil
}

// Spawn allocates a new active agent for the role. Fails with
// ErrAlreadyActive if one exists; redundant agents are never created.
func (r *Roster) Spawn(role scheduler.Role) (*Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, a := range r.agents {
		if a.Role == role && a.Status == AgentActive {
			return nil, fmt.Errorf("role %s (agent %s): %w", role, a.ID, ErrAlreadyActive)
		}
	}

	a := &Agent{
		ID:        fmt.Sprintf("%s-%s", role, uuid.NewString()[:8]),
		SessionID: r.sessionID,
		Role:      role,
		Status:    AgentActive,
		StartedAt: time.Now().UTC(),
	}
	r.agents[a.ID] = a

	cp := *a
	return &cp, nil
}

// Retire marks the agent retired. Retiring an already-retired agent is a
// no-op; an unknown id fails with ErrNotFound.
func (r *Roster) Retire(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, exists := r.agents[agentID]
	if !exists {
		return fmt.Errorf("agent %q: %w", agentID, ErrNotFound)
	}
	a.Status = AgentRetired
	return nil
}

// RetireRole retires the active agent for the role, if any. Returns the
// retired agent or nil when no agent was active.
func (r *Roster) RetireRole(role scheduler.Role) *Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, a := range r.agents {
		if a.Role == role && a.Status == AgentActive {
			a.Status = AgentRetired
			cp := *a
			return &cp
		}
	}
	return nil
}

// ActiveFor returns the active agent for the role, or nil.
func (r *Roster) ActiveFor(role scheduler.Role) *Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, a := range r.agents {
		if a.Role == role && a.Status == AgentActive {
			cp := *a
			return &cp
		}
	}
	return nil
}

// Agents returns a snapshot of all agents, ordered by started-at then id.
func (r *Roster) Agents() []*Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ActiveRoles returns the roles with an active agent.
func (r *Roster) ActiveRoles() []scheduler.Role {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[scheduler.Role]bool)
	for _, a := range r.agents {
		if a.Status == AgentActive {
			seen[a.Role] = true
		}
	}
	roles := make([]scheduler.Role, 0, len(seen))
	for _, role := range scheduler.Roles() {
		if seen[role] {
			roles = append(roles, role)
		}
	}
	return roles
}
