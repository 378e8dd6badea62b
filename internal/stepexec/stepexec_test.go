package stepexec

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunExecutesGroupsInOrder(t *testing.T) {
	var order []string

	groups := [][]Step{
		{{Name: "first", Action: func(ctx context.Context) error {
			order = append(order, "first")
			return nil
		}, Timeout: time.Second}},
		{{Name: "second", Action: func(ctx context.Context) error {
			order = append(order, "second")
			return nil
		}, Timeout: time.Second}},
	}

	pr := Run(context.Background(), groups, 1)
	require.Len(t, pr.Steps, 2)
	assert.Equal(t, []string{"first", "second"}, order)
	assert.False(t, pr.Aborted)
}

func TestRunAbortsAfterRequiredFailure(t *testing.T) {
	var secondRan atomic.Bool

	groups := [][]Step{
		{{Name: "broken", Required: true, Timeout: time.Second,
			Action: func(ctx context.Context) error { return errors.New("boom") }}},
		{{Name: "later", Timeout: time.Second,
			Action: func(ctx context.Context) error { secondRan.Store(true); return nil }}},
	}

	pr := Run(context.Background(), groups, 1)
	assert.True(t, pr.Aborted)
	assert.False(t, secondRan.Load(), "groups after a required failure must be skipped")
	require.Len(t, pr.Steps, 1)
	assert.Error(t, pr.Steps[0].Err)
}

func TestRunOptionalFailureDoesNotAbort(t *testing.T) {
	var secondRan atomic.Bool

	groups := [][]Step{
		{{Name: "flaky", Required: false, Timeout: time.Second,
			Action: func(ctx context.Context) error { return errors.New("boom") }}},
		{{Name: "later", Timeout: time.Second,
			Action: func(ctx context.Context) error { secondRan.Store(true); return nil }}},
	}

	pr := Run(context.Background(), groups, 1)
	assert.False(t, pr.Aborted)
	assert.True(t, secondRan.Load())
}

func TestRunVerifyFailureMarksStepUnverified(t *testing.T) {
	groups := [][]Step{
		{{Name: "unverifiable", Timeout: time.Second,
			Verify: func(ctx context.Context) bool { return false }}},
	}

	pr := Run(context.Background(), groups, 1)
	require.Len(t, pr.Steps, 1)
	assert.NoError(t, pr.Steps[0].Err)
	assert.False(t, pr.Steps[0].Verified)
}

func TestRunStepTimeoutBoundsWallClock(t *testing.T) {
	groups := [][]Step{
		{{Name: "slow", Timeout: 30 * time.Millisecond,
			Action: func(ctx context.Context) error {
				select {
				case <-time.After(time.Second):
					return nil
				case <-ctx.Done():
					return nil
				}
			}}},
	}

	start := time.Now()
	pr := Run(context.Background(), groups, 1)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	require.Len(t, pr.Steps, 1)
	assert.Error(t, pr.Steps[0].Err)
}

func TestRunGroupStepsRunConcurrently(t *testing.T) {
	const n = 4
	var running atomic.Int32
	var peak atomic.Int32

	steps := make([]Step, n)
	for i := range steps {
		steps[i] = Step{
			Name:    "parallel",
			Timeout: time.Second,
			Action: func(ctx context.Context) error {
				cur := running.Add(1)
				for {
					p := peak.Load()
					if cur <= p || peak.CompareAndSwap(p, cur) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				running.Add(-1)
				return nil
			},
		}
	}

	pr := Run(context.Background(), [][]Step{steps}, 0)
	require.Len(t, pr.Steps, n)
	assert.Greater(t, peak.Load(), int32(1), "unbounded group should overlap step execution")
}
