package component

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveInitOrderRespectsDependencies(t *testing.T) {
	c := New()
	require.NoError(t, c.Register(Record{ID: "A"}))
	require.NoError(t, c.Register(Record{ID: "B", Dependencies: []string{"A"}}))
	require.NoError(t, c.Register(Record{ID: "C", Dependencies: []string{"A"}}))
	require.NoError(t, c.Register(Record{ID: "D", Dependencies: []string{"B", "C"}}))
	require.NoError(t, c.Register(Record{ID: "E", Dependencies: []string{"D"}}))

	order, err := c.ResolveInitOrder()
	require.NoError(t, err)

	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	assert.Less(t, pos["A"], pos["B"])
	assert.Less(t, pos["A"], pos["C"])
	assert.Less(t, pos["B"], pos["D"])
	assert.Less(t, pos["C"], pos["D"])
	assert.Less(t, pos["D"], pos["E"])

	shutdown, err := c.ResolveShutdownOrder()
	require.NoError(t, err)
	for i := range order {
		assert.Equal(t, order[i], shutdown[len(shutdown)-1-i])
	}
}

func TestRegisterRejectsDuplicateID(t *testing.T) {
	c := New()
	require.NoError(t, c.Register(Record{ID: "A"}))
	err := c.Register(Record{ID: "A"})
	assert.Error(t, err)
}

func TestRegisterRejectsSelfDependency(t *testing.T) {
	c := New()
	err := c.Register(Record{ID: "A", Dependencies: []string{"A"}})
	assert.Error(t, err)
}

func TestRegisterRejectsCycle(t *testing.T) {
	c := New()
	require.NoError(t, c.Register(Record{ID: "A"}))
	require.NoError(t, c.Register(Record{ID: "B", Dependencies: []string{"A"}}))
	// C depends on B, then re-register A to depend on C would cycle; since
	// Register requires dependencies to pre-exist, simulate via FAILED
	// re-registration path instead.
	require.NoError(t, c.Register(Record{ID: "C", Dependencies: []string{"B"}}))
	require.NoError(t, c.Transition("A", StateFailed))
	err := c.Register(Record{ID: "A", Dependencies: []string{"C"}})
	assert.Error(t, err)
}

func TestFailedComponentCanReRegister(t *testing.T) {
	c := New()
	require.NoError(t, c.Register(Record{ID: "A"}))
	require.NoError(t, c.Transition("A", StateFailed))

	err := c.Register(Record{ID: "A"})
	require.NoError(t, err)
	state, ok := c.State("A")
	require.True(t, ok)
	assert.Equal(t, StateRegistered, state)
}

func TestTransitionEnforcesAllowedEdges(t *testing.T) {
	c := New()
	require.NoError(t, c.Register(Record{ID: "A"}))

	require.NoError(t, c.Transition("A", StateInitializing))
	require.NoError(t, c.Transition("A", StateRunning))

	err := c.Transition("A", StateInitializing) // RUNNING -> INITIALIZING not allowed
	assert.Error(t, err)

	require.NoError(t, c.Transition("A", StateDegraded))
	require.NoError(t, c.Transition("A", StateRunning))
	require.NoError(t, c.Transition("A", StateStopping))
	require.NoError(t, c.Transition("A", StateStopped))
}

func TestTransitionToRunningRequiresDependenciesRunning(t *testing.T) {
	c := New()
	require.NoError(t, c.Register(Record{ID: "A"}))
	require.NoError(t, c.Register(Record{ID: "B", Dependencies: []string{"A"}}))

	require.NoError(t, c.Transition("B", StateInitializing))
	err := c.Transition("B", StateRunning)
	assert.Error(t, err, "A is not running yet")

	require.NoError(t, c.Transition("A", StateInitializing))
	require.NoError(t, c.Transition("A", StateRunning))
	require.NoError(t, c.Transition("B", StateRunning))
}

func TestTransitionToFailedAlwaysAllowed(t *testing.T) {
	c := New()
	require.NoError(t, c.Register(Record{ID: "A"}))
	require.NoError(t, c.Transition("A", StateFailed))
	state, _ := c.State("A")
	assert.Equal(t, StateFailed, state)
}

type fakeHealthChecker struct {
	err error
}

func (f *fakeHealthChecker) HealthCheck(ctx context.Context) error { return f.err }

func TestCheckHealthAggregation(t *testing.T) {
	c := New()
	require.NoError(t, c.Register(Record{ID: "ok", Component: &fakeHealthChecker{}}))
	require.NoError(t, c.Register(Record{ID: "bad", Component: &fakeHealthChecker{err: errors.New("nope")}}))

	report := c.CheckHealth(context.Background(), 0)
	assert.Equal(t, HealthHealthy, report.PerComponent["ok"])
	assert.Equal(t, HealthDegraded, report.PerComponent["bad"])
	assert.Equal(t, HealthDegraded, report.Overall)
}

func TestCheckHealthFailedStateDominates(t *testing.T) {
	c := New()
	require.NoError(t, c.Register(Record{ID: "a"}))
	require.NoError(t, c.Transition("a", StateFailed))

	report := c.CheckHealth(context.Background(), 0)
	assert.Equal(t, HealthFailed, report.Overall)
}

func TestAttemptRecoveryRecoversOnceHealthy(t *testing.T) {
	c := New()
	hc := &fakeHealthChecker{err: errors.New("still down")}
	require.NoError(t, c.Register(Record{ID: "a", Component: hc}))

	go func() {
		time.Sleep(150 * time.Millisecond)
		hc.err = nil
	}()

	result := c.AttemptRecovery(context.Background(), "a", 2*time.Second)
	assert.True(t, result.Recovered)
	assert.Greater(t, result.Attempts, 0)
}
