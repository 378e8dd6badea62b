// Package stepexec runs a declarative, dependency-ordered list of steps
// with per-step timeout and post-condition verification. It backs both the
// cleanup coordinator's phased shutdown and the component coordinator's
// recovery plans: both need "run these named actions, some required, some
// optional, bounded by a timeout, and check they actually worked."
package stepexec

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fankserver/audiotranscriber/internal/coreerr"
)

// Step is one unit of work in a plan.
type Step struct {
	Name     string
	Action   func(ctx context.Context) error
	Verify   func(ctx context.Context) bool
	Timeout  time.Duration
	Required bool
}

// Result captures the outcome of running a single step.
type Result struct {
	Name     string
	Err      error
	Verified bool
	Elapsed  time.Duration
}

// PlanResult captures the outcome of running a full plan.
type PlanResult struct {
	Steps   []Result
	Aborted bool // true if a required step failed and later groups were skipped
}

// Run executes groups of steps in order; steps within a group run
// concurrently via errgroup, bounded by maxConcurrency (0 means unlimited).
// If a required step in a group fails or fails verification, remaining
// groups are skipped but already-started steps in the current group are
// allowed to finish.
func Run(ctx context.Context, groups [][]Step, maxConcurrency int) PlanResult {
	var pr PlanResult

	for _, group := range groups {
		results, requiredFailed := runGroup(ctx, group, maxConcurrency)
		pr.Steps = append(pr.Steps, results...)
		if requiredFailed {
			pr.Aborted = true
			break
		}
	}

	return pr
}

func runGroup(ctx context.Context, group []Step, maxConcurrency int) ([]Result, bool) {
	results := make([]Result, len(group))

	var eg errgroup.Group
	if maxConcurrency > 0 {
		eg.SetLimit(maxConcurrency)
	}

	for i, step := range group {
		i, step := i, step
		eg.Go(func() error {
			results[i] = runStep(ctx, step)
			return nil
		})
	}
	_ = eg.Wait() // runStep never returns an error to errgroup; failures live in results

	requiredFailed := false
	for i, r := range results {
		if group[i].Required && (r.Err != nil || !r.Verified) {
			requiredFailed = true
		}
	}

	return results, requiredFailed
}

func runStep(ctx context.Context, step Step) Result {
	start := time.Now()

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res := Result{Name: step.Name}

	if step.Action != nil {
		if err := step.Action(stepCtx); err != nil {
			res.Err = coreerr.Wrap("stepexec."+step.Name, coreerr.KindIOError, step.Name, err)
			res.Elapsed = time.Since(start)
			return res
		}
	}

	if stepCtx.Err() != nil {
		res.Err = coreerr.New("stepexec."+step.Name, coreerr.KindLatencyExceeded, step.Name, "step exceeded timeout")
		res.Elapsed = time.Since(start)
		return res
	}

	if step.Verify != nil {
		res.Verified = step.Verify(stepCtx)
	} else {
		res.Verified = true
	}

	res.Elapsed = time.Since(start)
	return res
}
