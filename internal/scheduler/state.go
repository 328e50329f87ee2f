package scheduler

// State is the scheduler's position in the sync cycle.
type State int

const (
	StateIdle State = iota
	StateChecking
	StateUpdating
	StateCleaning
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateChecking:
		return "checking"
	case StateUpdating:
		return "updating"
	case StateCleaning:
		return "cleaning"
	default:
		return "unknown"
	}
}

// Outcome is how a cycle ended.
type Outcome string

const (
	OutcomeUpToDate Outcome = "up_to_date"
	OutcomeUpdated  Outcome = "updated"
	OutcomeFailed   Outcome = "failed"
	OutcomeSkipped  Outcome = "skipped"
)
