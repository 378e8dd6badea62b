package cleanup

import "time"

// defaultStepTimeout is used by the canonical steps below when the caller
// does not override it. Emergency flush gets double the allowance since it
// may sweep a full write buffer to disk.
const defaultStepTimeout = 5 * time.Second

// StandardSteps returns the canonical step names registered against the
// phase they belong to, with no Action/Verify attached. Callers
// fill in Action/Verify for the steps relevant to their wiring and register
// only those; this is a naming/phase reference, not a requirement to use
// every one.
func StandardSteps() []Step {
	return []Step{
		{Name: "request_shutdown", Phase: Initiating, Timeout: defaultStepTimeout, Required: true},
		{Name: "stop_monitoring", Phase: Initiating, Dependencies: []string{"request_shutdown"}, Timeout: defaultStepTimeout, Required: true},
		{Name: "stop_capture", Phase: StoppingCapture, Timeout: defaultStepTimeout, Required: true},
		{Name: "flush_storage", Phase: FlushingStorage, Timeout: 10 * time.Second, Required: true},
		{Name: "release_pool_buffers", Phase: ReleasingResources, Timeout: defaultStepTimeout, Required: true},
		{Name: "cleanup_backups", Phase: ReleasingResources, Timeout: defaultStepTimeout, Required: false},
		{Name: "close_log_handlers", Phase: ClosingLogs, Timeout: defaultStepTimeout, Required: true},
	}
}
