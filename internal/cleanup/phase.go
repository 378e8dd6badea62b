// Package cleanup implements the Cleanup Coordinator: ordered,
// dependency-aware teardown run as a DAG of steps grouped into named
// phases, built on the same stepexec executor the Component Coordinator
// uses for recovery plans.
package cleanup

// Phase is one of the totally-ordered teardown buckets. Steps in phase
// P+1 never begin until every step in phase <= P has either succeeded or
// exceeded its timeout.
type Phase int

const (
	NotStarted Phase = iota
	Initiating
	StoppingCapture
	FlushingStorage
	ReleasingResources
	ClosingLogs
	Completed

	phaseCount
)

func (p Phase) String() string {
	switch p {
	case NotStarted:
		return "not_started"
	case Initiating:
		return "initiating"
	case StoppingCapture:
		return "stopping_capture"
	case FlushingStorage:
		return "flushing_storage"
	case ReleasingResources:
		return "releasing_resources"
	case ClosingLogs:
		return "closing_logs"
	case Completed:
		return "completed"
	default:
		return "unknown"
	}
}

// orderedPhases lists the phases execute_cleanup walks through, in order.
var orderedPhases = []Phase{Initiating, StoppingCapture, FlushingStorage, ReleasingResources, ClosingLogs}
