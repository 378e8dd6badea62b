package signal

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fankserver/audiotranscriber/internal/pool"
)

// directAllocator routes straight to a pool.Pool, standing in for
// monitor.Coordinator's AllocateResource/ReleaseResource/Pool() trio in
// tests that don't need the full lock-hierarchy coordinator.
type directAllocator struct {
	p *pool.Pool
}

func (d *directAllocator) AllocateResource(owner string, tier pool.Tier, ch pool.Channel) (pool.BufferID, error) {
	return d.p.Allocate(tier, pool.Tag{Component: owner, Channel: ch})
}

func (d *directAllocator) ReleaseResource(owner string, id pool.BufferID, ch pool.Channel) error {
	return d.p.Release(id, pool.Tag{Component: owner, Channel: ch})
}

func (d *directAllocator) Pool() *pool.Pool { return d.p }

func newTestProcessor(t *testing.T) (*Processor, *directAllocator) {
	t.Helper()
	alloc := &directAllocator{p: pool.New(pool.DefaultConfig())}
	return New(DefaultConfig(), alloc, nil), alloc
}

func sineWave(n int, freq, sampleRate float64, amplitude float64) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(amplitude * 32767 * math.Sin(2*math.Pi*freq*float64(i)/sampleRate))
	}
	return out
}

func interleave(left, right []int16) []byte {
	out := make([]byte, len(left)*4)
	for i := range left {
		out[i*4] = byte(uint16(left[i]))
		out[i*4+1] = byte(uint16(left[i]) >> 8)
		out[i*4+2] = byte(uint16(right[i]))
		out[i*4+3] = byte(uint16(right[i]) >> 8)
	}
	return out
}

func TestProcessSeparatesChannelsThroughPool(t *testing.T) {
	proc, _ := newTestProcessor(t)

	left := sineWave(1000, 440, 16000, 0.5)
	right := sineWave(1000, 440, 16000, 0.5)
	frame := Frame{Interleaved: interleave(left, right)}

	res, err := proc.Process("test-owner", frame)
	require.NoError(t, err)
	assert.False(t, res.Left.Fallback)
	assert.False(t, res.Right.Fallback)
	assert.Equal(t, 1000, res.Left.Samples)
	assert.Equal(t, 1000, res.Right.Samples)
	assert.Len(t, res.Left.Bytes, 2000)
	res.Release()
}

func TestProcessTransfersBufferOwnershipUntilRelease(t *testing.T) {
	proc, alloc := newTestProcessor(t)

	wave := sineWave(1000, 440, 16000, 0.5)
	frame := Frame{Interleaved: interleave(wave, wave)}

	res, err := proc.Process("test-owner", frame)
	require.NoError(t, err)

	inUse := func() int64 {
		var total int64
		for _, s := range alloc.p.Snapshot() {
			total += s.InUse
		}
		return total
	}
	assert.Equal(t, int64(2), inUse(), "both channel buffers stay checked out until released")

	res.Release()
	assert.Equal(t, int64(0), inUse())

	res.Release() // idempotent
	assert.Equal(t, int64(0), inUse())
}

func TestProcessFallsBackWhenPoolExhausted(t *testing.T) {
	cfg := pool.DefaultConfig()
	cfg.Limits[pool.Small] = 0
	cfg.Limits[pool.Medium] = 0
	cfg.Limits[pool.Large] = 0
	alloc := &directAllocator{p: pool.New(cfg)}
	proc := New(DefaultConfig(), alloc, nil)

	left := sineWave(100, 440, 16000, 0.5)
	right := sineWave(100, 440, 16000, 0.5)
	frame := Frame{Interleaved: interleave(left, right)}

	res, err := proc.Process("test-owner", frame)
	require.NoError(t, err)
	assert.True(t, res.Left.Fallback)
	assert.True(t, res.Right.Fallback)
	assert.Len(t, res.Left.Bytes, 200)
}

func multiToneWave(n int, sampleRate float64) []int16 {
	a := sineWave(n, 311, sampleRate, 0.4)
	b := sineWave(n, 877, sampleRate, 0.3)
	c := sineWave(n, 1493, sampleRate, 0.2)
	out := make([]int16, n)
	for i := range out {
		v := int(a[i]) + int(b[i]) + int(c[i])
		if v > math.MaxInt16 {
			v = math.MaxInt16
		}
		if v < math.MinInt16 {
			v = math.MinInt16
		}
		out[i] = int16(v)
	}
	return out
}

// mixWaves returns wa*a + wb*b, clamped to int16 range.
func mixWaves(a, b []int16, wa, wb float64) []int16 {
	out := make([]int16, len(a))
	for i := range out {
		v := wa*float64(a[i]) + wb*float64(b[i])
		if v > math.MaxInt16 {
			v = math.MaxInt16
		}
		if v < math.MinInt16 {
			v = math.MinInt16
		}
		out[i] = int16(v)
	}
	return out
}

func TestNeedsSyncSkipsAlreadyAlignedChannels(t *testing.T) {
	proc, _ := newTestProcessor(t)

	wave := multiToneWave(2000, 16000)
	pearson, needed := proc.needsSync(wave, wave)
	assert.Greater(t, pearson, proc.cfg.SyncAlreadyAligned)
	assert.False(t, needed)
}

func TestNeedsSyncSkipsDifferentContent(t *testing.T) {
	proc, _ := newTestProcessor(t)

	left := sineWave(2000, 300, 16000, 0.6)
	right := sineWave(2000, 2000, 16000, 0.6)

	pearson, needed := proc.needsSync(left, right)
	assert.Less(t, pearson, proc.cfg.SyncDifferentContent)
	assert.False(t, needed)
}

func TestNeedsSyncWantsAlignmentForPartiallyCorrelatedChannels(t *testing.T) {
	proc, _ := newTestProcessor(t)

	left := sineWave(2000, 440, 16000, 0.5)
	other := sineWave(2000, 1950, 16000, 0.5)
	right := mixWaves(left, other, 0.7, 0.7)

	pearson, needed := proc.needsSync(left, right)
	assert.Greater(t, pearson, proc.cfg.SyncDifferentContent)
	assert.Less(t, pearson, proc.cfg.SyncAlreadyAligned)
	assert.True(t, needed)
}

func TestNeedsSyncSkipsOnEnergyImbalance(t *testing.T) {
	proc, _ := newTestProcessor(t)

	left := sineWave(2000, 440, 16000, 0.5)
	other := sineWave(2000, 1950, 16000, 0.5)
	// Same correlation shape as the positive case (Pearson is scale
	// invariant) but at a fraction of the energy, tripping the ratio gate.
	right := mixWaves(left, other, 0.3, 0.3)

	_, needed := proc.needsSync(left, right)
	assert.False(t, needed)
}

func TestNeedsSyncUsesFixedQuickWindow(t *testing.T) {
	proc, _ := newTestProcessor(t)
	assert.Equal(t, 240, proc.cfg.QuickSyncWindow)
	// The gate window stays fixed while the search window adapts.
	assert.NotEqual(t, proc.cfg.QuickSyncWindow, proc.cfg.MaxWindow)
}

func TestFindSyncOffsetDetectsDelay(t *testing.T) {
	proc, _ := newTestProcessor(t)

	n := 2000
	left := multiToneWave(n, 16000)
	right := make([]int16, n)
	copy(right[100:], left[:n-100])

	offset, ok := proc.findSyncOffset(left, right, proc.cfg.DefaultWindow)
	require.True(t, ok)
	assert.GreaterOrEqual(t, offset, 90)
	assert.LessOrEqual(t, offset, 110)
}

func TestFindSyncOffsetAppliesAtExactCap(t *testing.T) {
	proc, _ := newTestProcessor(t)

	n := 2000
	left := multiToneWave(n, 16000)
	right := make([]int16, n)
	copy(right[proc.cfg.MaxSyncOffset:], left[:n-proc.cfg.MaxSyncOffset])

	offset, ok := proc.findSyncOffset(left, right, proc.cfg.DefaultWindow)
	require.True(t, ok)
	assert.Equal(t, proc.cfg.MaxSyncOffset, offset)
}

func TestFindSyncOffsetRejectsBeyondCap(t *testing.T) {
	proc, _ := newTestProcessor(t)

	n := 2000
	delay := proc.cfg.MaxSyncOffset + 40
	left := multiToneWave(n, 16000)
	right := make([]int16, n)
	copy(right[delay:], left[:n-delay])

	_, ok := proc.findSyncOffset(left, right, proc.cfg.DefaultWindow)
	assert.False(t, ok, "a genuine offset beyond the cap must be rejected, not clamped")
}

func TestFindSyncOffsetRejectsSilence(t *testing.T) {
	proc, _ := newTestProcessor(t)
	silent := make([]int16, 2000)
	_, ok := proc.findSyncOffset(silent, silent, proc.cfg.DefaultWindow)
	assert.False(t, ok)
}

func TestQualityOfSilenceIsZero(t *testing.T) {
	samples := make([]int16, 1000)
	stats := channelQuality(samples)
	assert.Equal(t, 0.0, stats.Quality)
}

func TestQualityOfCleanSineIsHigh(t *testing.T) {
	samples := sineWave(4000, 440, 16000, 0.5)
	stats := channelQuality(samples)
	assert.GreaterOrEqual(t, stats.Quality, 0.8)
}

func TestAdaptiveWindowShrinksUnderLoad(t *testing.T) {
	proc, _ := newTestProcessor(t)
	for i := 0; i < proc.cfg.ProcessingTimeWindow; i++ {
		proc.recordProcessingTime(10_000_000, 1_000_000_000) // 10ms, well above shrink threshold
	}
	proc.adaptWindow()
	assert.Less(t, proc.CurrentWindow(), proc.cfg.DefaultWindow)
}

func TestAdaptiveWindowGrowsUnderLightLoad(t *testing.T) {
	proc, _ := newTestProcessor(t)
	for i := 0; i < proc.cfg.ProcessingTimeWindow; i++ {
		proc.recordProcessingTime(500_000, 1_000_000_000) // 0.5ms, below grow threshold
	}
	proc.adaptWindow()
	assert.Greater(t, proc.CurrentWindow(), proc.cfg.DefaultWindow)
}

func TestLoadGateEntersRecoveryOnDeepQueue(t *testing.T) {
	proc, _ := newTestProcessor(t)
	recovering := proc.loadGate(proc.cfg.QueueDepthMax + 1)
	assert.True(t, recovering)
}

func TestLoadGateStaysOutWhenShallow(t *testing.T) {
	proc, _ := newTestProcessor(t)
	recovering := proc.loadGate(0)
	assert.False(t, recovering)
}
