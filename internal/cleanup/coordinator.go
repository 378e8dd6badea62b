package cleanup

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fankserver/audiotranscriber/internal/coreerr"
	"github.com/fankserver/audiotranscriber/internal/stepexec"
)

// Step is one named teardown action, grouped into a Phase and optionally
// depending on other steps (which must belong to the same or an earlier
// phase: a step cannot wait on something that hasn't been scheduled yet).
type Step struct {
	Name         string
	Phase        Phase
	Dependencies []string
	Action       func(ctx context.Context) error
	Verify       func(ctx context.Context) bool
	Timeout      time.Duration
	Required     bool
}

// StepStatus is the terminal outcome of one executed step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Status is a point-in-time view of an in-progress or finished cleanup,
// safe to call concurrently with Execute.
type Status struct {
	CurrentPhase Phase
	Completed    []string
	Failed       []string
	Pending      []string
}

// Report is Execute's return value.
type Report struct {
	PartialFailure bool
	StepResults    map[string]stepexec.Result
}

// Coordinator accumulates registered steps and executes them once, in
// phase order, when ExecuteCleanup is called.
type Coordinator struct {
	mu    sync.Mutex
	steps map[string]Step
	order []string // registration order, for deterministic iteration

	currentPhase Phase
	results      map[string]stepexec.Result
	executed     bool

	logger *logrus.Entry
}

// New returns an empty Coordinator.
func New() *Coordinator {
	return &Coordinator{
		steps:   make(map[string]Step),
		results: make(map[string]stepexec.Result),
		logger:  logrus.WithField("component", "cleanup-coordinator"),
	}
}

// RegisterStep adds step to the plan. Every dependency must already be
// registered and must belong to the same or an earlier phase; a dependency
// in a later phase can never be satisfied before step would need to run.
func (c *Coordinator) RegisterStep(step Step) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.steps[step.Name]; exists {
		return coreerr.New("cleanup.register_step", coreerr.KindDuplicateID, step.Name, "step already registered")
	}

	for _, dep := range step.Dependencies {
		depStep, ok := c.steps[dep]
		if !ok {
			return coreerr.New("cleanup.register_step", coreerr.KindDependencyCycle, step.Name, "unknown dependency: "+dep)
		}
		if depStep.Phase > step.Phase {
			return coreerr.New("cleanup.register_step", coreerr.KindDependencyCycle, step.Name,
				"dependency "+dep+" is in a later phase than "+step.Name)
		}
	}

	c.steps[step.Name] = step
	c.order = append(c.order, step.Name)
	return nil
}

// ExecuteCleanup runs every registered step in phase order. A second call
// after COMPLETED is a no-op that returns the original report unchanged,
// satisfying idempotence.
func (c *Coordinator) ExecuteCleanup(ctx context.Context) Report {
	c.mu.Lock()
	if c.executed {
		report := Report{StepResults: copyResults(c.results)}
		for name, r := range c.results {
			if c.steps[name].Required && (r.Err != nil || !r.Verified) {
				report.PartialFailure = true
				break
			}
		}
		c.mu.Unlock()
		return report
	}
	phases := groupByPhase(c.steps)
	c.mu.Unlock()

	var aborted bool

	for _, phase := range orderedPhases {
		c.setPhase(phase)

		levels := levelsByDependency(phases[phase])
		var groups [][]stepexec.Step
		for _, level := range levels {
			var grp []stepexec.Step
			for _, s := range level {
				grp = append(grp, toExecStep(s))
			}
			groups = append(groups, grp)
		}

		planResult := stepexec.Run(ctx, groups, 0)

		c.mu.Lock()
		for _, r := range planResult.Steps {
			c.results[r.Name] = r
		}
		c.mu.Unlock()

		if planResult.Aborted {
			aborted = true
			c.logger.WithField("phase", phase.String()).Warn("required cleanup step failed; skipping remainder of phase")
		}
	}

	c.setPhase(Completed)

	c.mu.Lock()
	c.executed = true
	report := Report{PartialFailure: aborted, StepResults: copyResults(c.results)}
	c.mu.Unlock()

	return report
}

func (c *Coordinator) setPhase(p Phase) {
	c.mu.Lock()
	c.currentPhase = p
	c.mu.Unlock()
}

// Status returns the coordinator's current phase and per-step disposition,
// safe to call while Execute is running concurrently (e.g. from another
// goroutine polling progress).
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{CurrentPhase: c.currentPhase}
	for _, name := range c.order {
		res, done := c.results[name]
		switch {
		case !done:
			st.Pending = append(st.Pending, name)
		case res.Err == nil && res.Verified:
			st.Completed = append(st.Completed, name)
		default:
			st.Failed = append(st.Failed, name)
		}
	}
	return st
}

func groupByPhase(steps map[string]Step) map[Phase][]Step {
	out := make(map[Phase][]Step)
	for _, s := range steps {
		out[s.Phase] = append(out[s.Phase], s)
	}
	for p := range out {
		sort.Slice(out[p], func(i, j int) bool { return out[p][i].Name < out[p][j].Name })
	}
	return out
}

// levelsByDependency groups a phase's steps into dependency levels: level 0
// has no in-phase dependencies, level 1 depends only on level 0, etc. Steps
// depending on an earlier phase are already satisfied by the time this
// phase runs, so only same-phase dependencies matter here.
func levelsByDependency(steps []Step) [][]Step {
	byName := make(map[string]Step, len(steps))
	for _, s := range steps {
		byName[s.Name] = s
	}

	resolved := make(map[string]bool)
	var levels [][]Step
	remaining := append([]Step(nil), steps...)

	for len(remaining) > 0 {
		var level []Step
		var next []Step
		for _, s := range remaining {
			ready := true
			for _, dep := range s.Dependencies {
				if _, inPhase := byName[dep]; inPhase && !resolved[dep] {
					ready = false
					break
				}
			}
			if ready {
				level = append(level, s)
			} else {
				next = append(next, s)
			}
		}
		if len(level) == 0 {
			// Cycle within the phase (should have been rejected at
			// registration); break to avoid an infinite loop.
			level = next
			next = nil
		}
		for _, s := range level {
			resolved[s.Name] = true
		}
		levels = append(levels, level)
		remaining = next
	}
	return levels
}

func toExecStep(s Step) stepexec.Step {
	return stepexec.Step{
		Name:     s.Name,
		Action:   s.Action,
		Verify:   s.Verify,
		Timeout:  s.Timeout,
		Required: s.Required,
	}
}

func copyResults(in map[string]stepexec.Result) map[string]stepexec.Result {
	out := make(map[string]stepexec.Result, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
