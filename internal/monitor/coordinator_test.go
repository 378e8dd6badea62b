package monitor

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fankserver/audiotranscriber/internal/pool"
)

type fakeEscalator struct {
	degraded []string
	failed   []string
}

func (f *fakeEscalator) Degrade(id string) error { f.degraded = append(f.degraded, id); return nil }
func (f *fakeEscalator) Fail(id string) error    { f.failed = append(f.failed, id); return nil }

func newTestCoordinator() *Coordinator {
	p := pool.New(pool.DefaultConfig())
	return New(DefaultConfig(), p)
}

func TestStartStopMonitoringIdempotent(t *testing.T) {
	c := newTestCoordinator()
	c.StartMonitoring()
	c.StartMonitoring() // no-op, must not spawn a second timer
	c.StopMonitoring()
	c.StopMonitoring() // no-op
}

func TestRegisterUnregisterThreadRoundTrip(t *testing.T) {
	c := newTestCoordinator()
	h := c.RegisterThread()
	c.UnregisterThread(h)
	assert.Equal(t, 0, c.WaitForThreads(10*time.Millisecond))
}

func TestWaitForThreadsTimesOutOnOutstanding(t *testing.T) {
	c := newTestCoordinator()
	c.RegisterThread()
	remaining := c.WaitForThreads(10 * time.Millisecond)
	assert.Equal(t, 1, remaining)
}

func TestAllocateReleaseResourceRoundTrip(t *testing.T) {
	c := newTestCoordinator()
	before := c.Pool().Snapshot()

	id, err := c.AllocateResource("signal", pool.Small, pool.ChannelLeft)
	require.NoError(t, err)
	require.NoError(t, c.ReleaseResource("signal", id, pool.ChannelLeft))

	after := c.Pool().Snapshot()
	assert.Equal(t, before[pool.Small].InUse, after[pool.Small].InUse)
}

func TestHandleErrorEscalatesAtThresholds(t *testing.T) {
	c := newTestCoordinator()
	esc := &fakeEscalator{}
	c.SetEscalator(esc)

	for i := 0; i < degradeThreshold; i++ {
		c.HandleError(errors.New("boom"), "signal")
	}
	assert.Contains(t, esc.degraded, "signal")
	assert.Empty(t, esc.failed)

	for i := degradeThreshold; i < failThreshold; i++ {
		c.HandleError(errors.New("boom"), "signal")
	}
	assert.Contains(t, esc.failed, "signal")
}

func TestResetConsecutiveErrorsClearsCount(t *testing.T) {
	c := newTestCoordinator()
	esc := &fakeEscalator{}
	c.SetEscalator(esc)

	c.HandleError(errors.New("boom"), "storage")
	c.ResetConsecutiveErrors("storage")

	for i := 0; i < degradeThreshold-1; i++ {
		c.HandleError(errors.New("boom"), "storage")
	}
	assert.Empty(t, esc.degraded, "count should have reset, not accumulated toward threshold")
}

func TestGetStateSnapshotIsIndependentCopy(t *testing.T) {
	c := newTestCoordinator()
	snap := c.GetState()
	snap.Channels["left"] = ChannelState{ErrorCount: 999}

	snap2 := c.GetState()
	assert.NotEqual(t, int64(999), snap2.Channels["left"].ErrorCount)
}

func TestRequestShutdownClosesChannelOnce(t *testing.T) {
	c := newTestCoordinator()
	c.RequestShutdown()
	c.RequestShutdown() // must not panic on double close

	select {
	case <-c.ShutdownChan():
	default:
		t.Fatal("expected shutdown channel to be closed")
	}
	assert.True(t, c.ShutdownRequested())
}

func TestLockGuardPanicsOnReverseOrderAcquisition(t *testing.T) {
	var l locks
	defer func() {
		r := recover()
		assert.NotNil(t, r, "expected a panic on reverse-order lock acquisition")
	}()
	l.withLocks([]rank{rankUpdate}, func() {
		g := &guard{held: []rank{rankUpdate}}
		g.enter(rankState) // state < update: this must panic
	})
}
