package scheduler

// Phase is a project-wide stage gating which roles are active.
type Phase string

const (
	PhasePlanning       Phase = "planning"
	PhaseImplementation Phase = "implementation"
	PhaseQualityCheck   Phase = "quality_check"
	PhaseTesting        Phase = "testing"
	PhaseDocumentation  Phase = "documentation"
	PhaseDone           Phase = "done"
)

// Phases lists all phases in transition order.
func Phases() []Phase {
	return []Phase{
		PhasePlanning,
		PhaseImplementation,
		PhaseQualityCheck,
		PhaseTesting,
		PhaseDocumentation,
		PhaseDone,
	}
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	switch p {
	case PhasePlanning, PhaseImplementation, PhaseQualityCheck, PhaseTesting, PhaseDocumentation, PhaseDone:
		return true
	}
	return false
}

// Next returns the phase that follows p. Done is terminal and returns
// itself.
func (p Phase) Next() Phase {
	switch p {
	case PhasePlanning:
		return PhaseImplementation
	case PhaseImplementation:
		return PhaseQualityCheck
	case PhaseQualityCheck:
		return PhaseTesting
	case PhaseTesting:
		return PhaseDocumentation
	case PhaseDocumentation:
		return PhaseDone
	}
	return PhaseDone
}

// Roles returns the roles expected to be active during the phase.
func (p Phase) Roles() []Role {
	switch p {
	case PhasePlanning:
		return []Role{RolePlanner}
	case PhaseImplementation:
		return []Role{RoleBuilder}
	case PhaseQualityCheck:
		return []Role{RoleQualityChecker}
	case PhaseTesting:
		return []Role{RoleTester}
	case PhaseDocumentation:
		return []Role{RoleDocumenter}
	}
	return nil
}
