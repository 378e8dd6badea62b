package buffermgr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fankserver/audiotranscriber/internal/pool"
)

func TestPutGetFIFOOrder(t *testing.T) {
	m := New(Config{DefaultCapacity: 4, Cooldown: time.Second})

	for i := 1; i <= 3; i++ {
		require.NoError(t, m.Put(Capture, pool.ChannelLeft, Element{BufferID: pool.BufferID(i)}, time.Second))
	}
	for i := 1; i <= 3; i++ {
		e, err := m.Get(Capture, pool.ChannelLeft, time.Second)
		require.NoError(t, err)
		assert.Equal(t, pool.BufferID(i), e.BufferID)
	}
}

func TestPutReturnsFullAtCapacity(t *testing.T) {
	m := New(Config{DefaultCapacity: 1, Cooldown: time.Second})

	require.NoError(t, m.Put(Capture, pool.ChannelLeft, Element{}, time.Second))
	err := m.Put(Capture, pool.ChannelLeft, Element{}, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrFull)
}

func TestGetReturnsEmptyWhenNothingArrives(t *testing.T) {
	m := New(DefaultConfig())
	_, err := m.Get(Processing, pool.ChannelRight, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestCleanupPendingRefusesPutButDrains(t *testing.T) {
	m := New(DefaultConfig())
	require.NoError(t, m.Put(Storage, pool.ChannelNone, Element{BufferID: 7}, time.Second))

	m.CleanupPending()

	err := m.Put(Storage, pool.ChannelNone, Element{BufferID: 8}, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrClosed)

	e, err := m.Get(Storage, pool.ChannelNone, time.Second)
	require.NoError(t, err)
	assert.Equal(t, pool.BufferID(7), e.BufferID)

	assert.True(t, m.Drained())

	_, err = m.Get(Storage, pool.ChannelNone, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOptimizeGrowsTierUnderCPUPressure(t *testing.T) {
	m := New(Config{DefaultCapacity: 8, Cooldown: time.Millisecond})

	for i := 0; i < 12; i++ {
		m.Optimize(95, 10)
	}

	stats := m.Stats()
	require.NotEmpty(t, stats)
	assert.Equal(t, pool.Large, stats[0].PreferredTier, "sustained high CPU should grow preferred tier toward Large")
}

func TestOptimizeShrinksTierUnderMemoryPressure(t *testing.T) {
	m := New(Config{DefaultCapacity: 8, Cooldown: time.Millisecond})
	m.queues[0][0].preferredTier = pool.Large

	for i := 0; i < 4; i++ {
		m.Optimize(10, 90)
		time.Sleep(2 * time.Millisecond)
	}

	stats := m.Stats()
	assert.Equal(t, pool.Small, stats[0].PreferredTier)
}

func TestOptimizeRespectsCooldown(t *testing.T) {
	m := New(Config{DefaultCapacity: 8, Cooldown: time.Hour})

	m.Optimize(95, 10)
	before := m.Stats()[0].PreferredTier

	m.Optimize(95, 10)
	after := m.Stats()[0].PreferredTier
	assert.Equal(t, before, after, "second call within cooldown must not change tier again")
}
