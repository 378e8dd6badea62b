package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTag() Tag { return Tag{Component: "test", Channel: ChannelLeft} }

func TestAllocateReusesReleasedBuffer(t *testing.T) {
	p := New(DefaultConfig())

	id, err := p.Allocate(Small, testTag())
	require.NoError(t, err)
	require.NoError(t, p.Release(id, testTag()))

	snap := p.Snapshot()
	assert.Equal(t, int64(1), snap[Small].Allocated)
	assert.Equal(t, 1, snap[Small].FreeCount)

	id2, err := p.Allocate(Small, testTag())
	require.NoError(t, err)
	assert.Equal(t, id, id2, "reused buffer should keep its id")

	snap = p.Snapshot()
	assert.Equal(t, int64(1), snap[Small].Allocated, "reuse must not grow Allocated")
}

func TestAllocateRejectsInvalidTier(t *testing.T) {
	p := New(DefaultConfig())
	_, err := p.Allocate(Tier(99), testTag())
	require.Error(t, err)
}

func TestAllocateExhaustedAtLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Limits[Small] = 2
	p := New(cfg)

	id1, err := p.Allocate(Small, testTag())
	require.NoError(t, err)
	id2, err := p.Allocate(Small, testTag())
	require.NoError(t, err)

	_, err = p.Allocate(Small, testTag())
	require.ErrorIs(t, err, ErrExhausted)

	require.NoError(t, p.Release(id1, testTag()))
	_, err = p.Allocate(Small, testTag())
	require.NoError(t, err)
	_ = id2
}

func TestReleaseUnknownID(t *testing.T) {
	p := New(DefaultConfig())
	err := p.Release(BufferID(999), testTag())
	assert.ErrorIs(t, err, ErrUnknownID)
}

func TestReleaseTagMismatch(t *testing.T) {
	p := New(DefaultConfig())
	id, err := p.Allocate(Small, testTag())
	require.NoError(t, err)

	wrongTag := Tag{Component: "other", Channel: ChannelRight}
	err = p.Release(id, wrongTag)
	assert.ErrorIs(t, err, ErrTagMismatch)

	// Buffer remains in_use: not double-released into the free list.
	snap := p.Snapshot()
	assert.Equal(t, int64(1), snap[Small].InUse)
}

func TestDoubleReleaseIsUnknownID(t *testing.T) {
	p := New(DefaultConfig())
	id, err := p.Allocate(Small, testTag())
	require.NoError(t, err)
	require.NoError(t, p.Release(id, testTag()))

	err = p.Release(id, testTag())
	assert.ErrorIs(t, err, ErrUnknownID)
}

func TestChannelStatsTracksInUsePerChannel(t *testing.T) {
	p := New(DefaultConfig())

	id, err := p.Allocate(Small, testTag())
	require.NoError(t, err)

	left := p.ChannelStats(ChannelLeft)
	assert.Equal(t, int64(1), left[Small])

	right := p.ChannelStats(ChannelRight)
	assert.Equal(t, int64(0), right[Small])

	require.NoError(t, p.Release(id, testTag()))
	left = p.ChannelStats(ChannelLeft)
	assert.Equal(t, int64(0), left[Small])
}

func TestReconfigureRefusesLimitBelowInUse(t *testing.T) {
	p := New(DefaultConfig())

	_, err := p.Allocate(Small, testTag())
	require.NoError(t, err)
	_, err = p.Allocate(Small, testTag())
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Limits[Small] = 1
	err = p.Reconfigure(cfg)
	assert.ErrorIs(t, err, ErrRefused)

	snap := p.Snapshot()
	assert.Equal(t, DefaultConfig().Limits[Small], snap[Small].Limit, "refused reconfigure must not apply")
}

func TestReconfigureAppliesNewLimit(t *testing.T) {
	p := New(DefaultConfig())

	cfg := DefaultConfig()
	cfg.Limits[Small] = 2
	require.NoError(t, p.Reconfigure(cfg))

	_, err := p.Allocate(Small, testTag())
	require.NoError(t, err)
	_, err = p.Allocate(Small, testTag())
	require.NoError(t, err)
	_, err = p.Allocate(Small, testTag())
	assert.ErrorIs(t, err, ErrExhausted)
}
