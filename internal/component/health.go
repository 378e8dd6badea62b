package component

import (
	"context"
	"time"

	"github.com/fankserver/audiotranscriber/internal/stepexec"
)

const defaultHealthCheckTimeout = 2 * time.Second

// CheckHealth invokes HealthCheck on every registered component that
// implements HealthChecker, each bounded by timeout (defaultHealthCheckTimeout
// if zero), and aggregates: any component currently in
// FAILED state makes the overall result failed; else any DEGRADED (by
// state, or by a failing check this round) makes it degraded; else
// healthy.
func (c *Coordinator) CheckHealth(ctx context.Context, timeout time.Duration) HealthReport {
	if timeout <= 0 {
		timeout = defaultHealthCheckTimeout
	}

	c.mu.Lock()
	ids := make([]string, 0, len(c.records))
	checkers := make(map[string]HealthChecker, len(c.records))
	for id, rec := range c.records {
		ids = append(ids, id)
		if hc, ok := rec.Component.(HealthChecker); ok {
			checkers[id] = hc
		}
	}
	c.mu.Unlock()

	report := HealthReport{PerComponent: make(map[string]HealthStatus, len(ids)), CheckedAt: time.Now()}

	for _, id := range ids {
		state, _ := c.State(id)
		status := stateToHealth(state)

		if hc, ok := checkers[id]; ok {
			cctx, cancel := context.WithTimeout(ctx, timeout)
			err := runHealthCheck(cctx, hc)
			cancel()
			if err != nil && status == HealthHealthy {
				status = HealthDegraded
			}
		}

		report.PerComponent[id] = status
	}

	report.Overall = HealthHealthy
	for _, status := range report.PerComponent {
		if status == HealthFailed {
			report.Overall = HealthFailed
			break
		}
		if status == HealthDegraded {
			report.Overall = HealthDegraded
		}
	}

	return report
}

func stateToHealth(s State) HealthStatus {
	switch s {
	case StateFailed:
		return HealthFailed
	case StateDegraded:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}

func runHealthCheck(ctx context.Context, hc HealthChecker) error {
	done := make(chan error, 1)
	go func() { done <- hc.HealthCheck(ctx) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RecoveryResult reports one AttemptRecovery invocation.
type RecoveryResult struct {
	Attempts  int
	Recovered bool
}

// AttemptRecovery re-invokes a single component's health check with bounded
// retries and exponential backoff, recording each attempt against the
// component's record. It stops as soon as a check passes, or once the
// overall timeout elapses.
func (c *Coordinator) AttemptRecovery(ctx context.Context, id string, timeout time.Duration) RecoveryResult {
	c.mu.Lock()
	rec, ok := c.records[id]
	var hc HealthChecker
	if ok {
		hc, _ = rec.Component.(HealthChecker)
	}
	c.mu.Unlock()
	if !ok || hc == nil {
		return RecoveryResult{}
	}

	deadline := time.Now().Add(timeout)
	backoff := 100 * time.Millisecond
	attempts := 0

	for time.Now().Before(deadline) {
		attempts++
		c.mu.Lock()
		rec.recoveryAttempts++
		c.mu.Unlock()

		step := stepexec.Step{
			Name:    "recover:" + id,
			Verify:  func(vctx context.Context) bool { return runHealthCheck(vctx, hc) == nil },
			Timeout: defaultHealthCheckTimeout,
		}
		result := stepexec.Run(ctx, [][]stepexec.Step{{step}}, 1)
		if len(result.Steps) > 0 && result.Steps[0].Verified {
			return RecoveryResult{Attempts: attempts, Recovered: true}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		wait := backoff
		if wait > remaining {
			wait = remaining
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return RecoveryResult{Attempts: attempts}
		}
		backoff *= 2
	}

	return RecoveryResult{Attempts: attempts}
}
