// Package signal implements the Signal Processor: stereo channel
// separation, cross-correlation channel sync, adaptive windowing,
// per-channel quality scoring, and load-gated recovery mode, all built on
// buffers allocated through the Monitoring Coordinator.
package signal

import (
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fankserver/audiotranscriber/internal/coreerr"
	"github.com/fankserver/audiotranscriber/internal/feedback"
	"github.com/fankserver/audiotranscriber/internal/pool"
	"github.com/fankserver/audiotranscriber/internal/rollingstat"
)

// Allocator is the subset of monitor.Coordinator the processor needs:
// pool-backed allocation routed through the Monitoring Coordinator
// (checked-out buffers are returned through it, not to the pool directly),
// plus read-only byte access to the underlying pool (no mutation, so it
// bypasses the lock hierarchy).
type Allocator interface {
	AllocateResource(owner string, tier pool.Tier, ch pool.Channel) (pool.BufferID, error)
	ReleaseResource(owner string, id pool.BufferID, ch pool.Channel) error
	Pool() *pool.Pool
}

// Config bounds the adaptive windowing and channel-sync behavior.
type Config struct {
	SampleRate int

	DefaultWindow int
	MinWindow     int
	MaxWindow     int
	WindowStep    int

	ShrinkThreshold time.Duration // rolling mean processing time above this shrinks the window
	GrowThreshold   time.Duration // below this grows the window

	// QuickSyncWindow is the fixed window for the cheap pre-check that
	// decides whether the offset search is worth running at all. It is
	// deliberately independent of the adaptive window: the gate must stay
	// cheap and stable while the search window breathes with load.
	QuickSyncWindow int

	MaxSyncOffset        int     // samples, ±160 default
	SyncCorrThreshold    float64 // 0.7: below this (relative to sqrt(El*Er)) channels are uncorrelated
	SyncAlreadyAligned   float64 // 0.95: quick-window Pearson corr above this skips alignment (already aligned)
	SyncDifferentContent float64 // 0.2: quick-window Pearson corr below this skips alignment (different content)
	SyncEnergyRatioMax   float64 // 2.0: energy ratio above this skips alignment

	LoadHighThreshold float64 // EMA load above this enters recovery mode
	QueueDepthMax     int     // queue depth above this enters recovery mode
	LoadEMAAlpha      float64

	ProcessingTimeWindow int // rolling samples for the adaptive-window mean
}

// DefaultConfig returns the defaults tuned for 16kHz stereo capture: a
// 30ms correlation window bounded to [15ms, 60ms], and a sync offset cap
// of 10ms.
func DefaultConfig() Config {
	return Config{
		SampleRate:           16000,
		DefaultWindow:        480,
		MinWindow:            240,
		MaxWindow:            960,
		WindowStep:           32,
		ShrinkThreshold:      5 * time.Millisecond,
		GrowThreshold:        2 * time.Millisecond,
		QuickSyncWindow:      240,
		MaxSyncOffset:        160,
		SyncCorrThreshold:    0.7,
		SyncAlreadyAligned:   0.95,
		SyncDifferentContent: 0.2,
		SyncEnergyRatioMax:   2.0,
		LoadHighThreshold:    0.8,
		QueueDepthMax:        64,
		LoadEMAAlpha:         0.2,
		ProcessingTimeWindow: 32,
	}
}

// AudioStats is the per-channel quality assessment produced for each
// processed frame.
type AudioStats struct {
	Peak               float64
	RMS                float64
	SampleWidth        int
	Channels           int
	ProcessingDuration time.Duration
	Quality            float64
}

// ChannelOutput is the channel-separation result for one stereo leg.
// Bytes aliases the pool buffer for pool-backed outputs and stays valid
// until the Result is released; fallback outputs own their bytes outright.
type ChannelOutput struct {
	Channel  pool.Channel
	BufferID pool.BufferID // zero when Fallback is true
	Fallback bool          // true: pool exhausted, bytes owned directly instead
	Bytes    []byte
	Samples  int // number of int16 samples
	Stats    AudioStats
}

// Result is one frame's full processing output. The caller owns any pool
// buffers referenced by Left/Right and must call Release once it has
// persisted or copied the bytes.
type Result struct {
	Left  ChannelOutput
	Right ChannelOutput

	SyncOffsetSamples int // samples Right was shifted by; 0 if not applied
	SyncApplied       bool
	SyncCorrelation   float64

	WindowSize int
	Recovery   bool // true: load gating short-circuited the sync/quality steps this frame

	release []func()
}

// Release returns the frame's pool buffers to the Monitoring Coordinator.
// Idempotent; a no-op for fallback outputs, which own their bytes.
func (r *Result) Release() {
	for _, f := range r.release {
		f()
	}
	r.release = nil
}

// Frame is one interleaved stereo PCM buffer handed to Process.
type Frame struct {
	Interleaved []byte // 16-bit little-endian, stereo interleaved
	QueueDepth  int    // observed depth of the queue this frame was pulled from
}

// Processor carries the adaptive state shared across frames: the current
// window size, the processing-time history driving it, and the load EMA
// gating recovery mode.
type Processor struct {
	cfg     Config
	monitor Allocator
	bus     *feedback.EventBus
	logger  *logrus.Entry

	windowMu sync.Mutex
	window   int
	procTime *rollingstat.Window

	loadEMA *rollingstat.EMA

	recoveryMu sync.Mutex
	inRecovery bool
}

// New builds a Processor around monitor (the pool gateway) and an optional
// event bus for degraded_fallback/recovery_mode notifications.
func New(cfg Config, monitor Allocator, bus *feedback.EventBus) *Processor {
	if cfg.SampleRate <= 0 {
		cfg = DefaultConfig()
	}
	return &Processor{
		cfg:      cfg,
		monitor:  monitor,
		bus:      bus,
		logger:   logrus.WithField("component", "signal-processor"),
		window:   cfg.DefaultWindow,
		procTime: rollingstat.New(cfg.ProcessingTimeWindow),
		loadEMA:  rollingstat.NewEMA(cfg.LoadEMAAlpha),
	}
}

// CurrentWindow returns the processor's current adaptive window size, in
// samples.
func (p *Processor) CurrentWindow() int {
	p.windowMu.Lock()
	defer p.windowMu.Unlock()
	return p.window
}

// InRecovery reports whether the processor is currently in load-gated
// recovery mode.
func (p *Processor) InRecovery() bool {
	p.recoveryMu.Lock()
	defer p.recoveryMu.Unlock()
	return p.inRecovery
}

// Process runs one stereo frame through separation, sync, windowing, and
// quality scoring. owner identifies the caller for pool-allocation
// tagging. On success, ownership of the channel buffers transfers to the
// caller via Result.Release; on any failure path, including panic, the
// deferred scoped release returns them itself so nothing leaks.
func (p *Processor) Process(owner string, frame Frame) (res Result, err error) {
	start := time.Now()

	var toRelease []func()
	defer func() {
		if rec := recover(); rec != nil {
			err = coreerr.New("signal.process", coreerr.KindExternalAPI, owner, "panic during frame processing")
			p.logger.WithField("panic", rec).Error("recovered panic in signal processor")
		}
		if err != nil {
			for _, r := range toRelease {
				r()
			}
			return
		}
		res.release = toRelease
	}()

	leftSamples, rightSamples := p.deinterleave(frame.Interleaved)
	frameDuration := time.Duration(float64(len(leftSamples)) / float64(p.cfg.SampleRate) * float64(time.Second))

	recovering := p.loadGate(frame.QueueDepth)
	res.Recovery = recovering

	left, relLeft := p.allocateChannel(owner, pool.ChannelLeft, leftSamples)
	right, relRight := p.allocateChannel(owner, pool.ChannelRight, rightSamples)
	if relLeft != nil {
		toRelease = append(toRelease, relLeft)
	}
	if relRight != nil {
		toRelease = append(toRelease, relRight)
	}

	if left.Fallback || right.Fallback {
		if p.bus != nil {
			if left.Fallback {
				p.bus.PublishDegradedFallback(feedback.DegradedFallbackData{ChannelID: 0, Reason: "pool exhausted"})
			}
			if right.Fallback {
				p.bus.PublishDegradedFallback(feedback.DegradedFallbackData{ChannelID: 1, Reason: "pool exhausted"})
			}
		}
	}

	if recovering {
		res.Left, res.Right = left, right
		p.recordProcessingTime(time.Since(start), frameDuration)
		return res, nil
	}

	window := p.CurrentWindow()
	corr, needed := p.needsSync(leftSamples, rightSamples)
	res.SyncCorrelation = corr
	if needed {
		if offset, ok := p.findSyncOffset(leftSamples, rightSamples, window); ok {
			// offset is the lag of the right channel (positive = right
			// arrives late), so the correction shifts it the other way.
			rightSamples = shiftSamples(rightSamples, -offset)
			right = p.rewriteChannel(right, rightSamples)
			res.SyncOffsetSamples = offset
			res.SyncApplied = true
		}
	}

	left.Stats = channelQuality(leftSamples)
	right.Stats = channelQuality(rightSamples)
	res.WindowSize = window

	elapsed := time.Since(start)
	left.Stats.ProcessingDuration = elapsed
	right.Stats.ProcessingDuration = elapsed
	res.Left, res.Right = left, right

	p.recordProcessingTime(elapsed, frameDuration)
	p.adaptWindow()

	return res, nil
}

// rewriteChannel re-encodes a channel's bytes after its samples were
// shifted by the sync step, so the persisted audio matches the aligned
// samples the quality scores describe.
func (p *Processor) rewriteChannel(out ChannelOutput, samples []int16) ChannelOutput {
	raw := encodeInt16LE(samples)
	if out.Fallback || out.Bytes == nil {
		out.Bytes = raw
		return out
	}
	out.Bytes = append(out.Bytes[:0], raw...)
	return out
}

// loadGate folds the current frame's load (processing-time EMA, seeded by
// prior frames) and queue depth into the recovery-mode decision.
// Recovery mode is entered when the EMA load exceeds
// the high threshold or the queue is deeper than configured, and exits as
// soon as the EMA falls back below threshold.
func (p *Processor) loadGate(queueDepth int) bool {
	load := p.loadEMA.Value()

	p.recoveryMu.Lock()
	was := p.inRecovery
	now := load > p.cfg.LoadHighThreshold || queueDepth > p.cfg.QueueDepthMax
	if !now && was {
		// Only exit once the EMA itself has fallen, not merely because
		// this frame's queue depth happened to be shallow.
		now = load > p.cfg.LoadHighThreshold
	}
	p.inRecovery = now
	p.recoveryMu.Unlock()

	if p.bus != nil && now != was {
		p.bus.PublishRecoveryMode(feedback.RecoveryModeData{Entered: now, LoadEMA: load})
	}
	return now
}

// recordProcessingTime folds elapsed into the rolling mean the adaptive
// window reacts to, and elapsed/frameDuration (this frame's fraction of
// real time spent processing) into the load EMA that gates recovery mode.
func (p *Processor) recordProcessingTime(elapsed, frameDuration time.Duration) {
	p.procTime.Add(float64(elapsed))
	if frameDuration > 0 {
		p.loadEMA.Update(float64(elapsed) / float64(frameDuration))
	}
}

// adaptWindow shrinks or grows the adaptive window based on the rolling
// mean processing time.
func (p *Processor) adaptWindow() {
	mean := time.Duration(p.procTime.Mean())
	if mean <= 0 {
		return
	}

	p.windowMu.Lock()
	defer p.windowMu.Unlock()

	switch {
	case mean > p.cfg.ShrinkThreshold:
		p.window -= p.cfg.WindowStep
		if p.window < p.cfg.MinWindow {
			p.window = p.cfg.MinWindow
		}
	case mean < p.cfg.GrowThreshold:
		p.window += p.cfg.WindowStep
		if p.window > p.cfg.MaxWindow {
			p.window = p.cfg.MaxWindow
		}
	}
}

// allocateChannel tries to check out a pool buffer sized to hold samples
// and copies the channel's PCM bytes into it. On ErrExhausted it falls
// back to an owned, directly-allocated byte slice rather than failing the
// frame.
func (p *Processor) allocateChannel(owner string, ch pool.Channel, samples []int16) (ChannelOutput, func()) {
	raw := encodeInt16LE(samples)

	tier, ok := tierFor(len(raw))
	if ok {
		if id, err := p.monitor.AllocateResource(owner, tier, ch); err == nil {
			var view []byte
			if buf, ok := p.monitor.Pool().Bytes(id); ok {
				view = append(buf[:0], raw...)
			}
			release := func() { _ = p.monitor.ReleaseResource(owner, id, ch) }
			return ChannelOutput{Channel: ch, BufferID: id, Bytes: view, Samples: len(samples)}, release
		}
	}

	// Degraded fallback: minimal in-place split producing an owned copy.
	return ChannelOutput{Channel: ch, Fallback: true, Bytes: raw, Samples: len(samples)}, nil
}

func tierFor(nbytes int) (pool.Tier, bool) {
	switch {
	case nbytes <= pool.SmallSize:
		return pool.Small, true
	case nbytes <= pool.MediumSize:
		return pool.Medium, true
	case nbytes <= pool.LargeSize:
		return pool.Large, true
	default:
		return 0, false
	}
}

// deinterleave splits a 16-bit-LE interleaved stereo frame into
// per-channel sample slices. Odd trailing bytes are dropped; an unpaired
// trailing sample (mono tail) is ignored, since upstream capture always
// hands over well-formed stereo frames.
func (p *Processor) deinterleave(raw []byte) (left, right []int16) {
	n := len(raw) / 4
	left = make([]int16, n)
	right = make([]int16, n)
	for i := 0; i < n; i++ {
		left[i] = int16(binary.LittleEndian.Uint16(raw[i*4:]))
		right[i] = int16(binary.LittleEndian.Uint16(raw[i*4+2:]))
	}
	return left, right
}

func encodeInt16LE(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// needsSync is the cheap gate in front of the offset search. It looks at
// a fixed quick window (deliberately not the adaptive search window: the
// gate must stay cheap and stable while the search window breathes with
// load) and computes the mean-subtracted Pearson correlation between the
// channels. Above the already-aligned bound or below the different-content
// bound there is nothing to gain from aligning, and the same goes when the
// two channels' energies differ by more than the configured ratio.
func (p *Processor) needsSync(left, right []int16) (pearson float64, needed bool) {
	n := p.cfg.QuickSyncWindow
	if len(left) < n {
		n = len(left)
	}
	if len(right) < n {
		n = len(right)
	}
	if n == 0 {
		return 0, false
	}
	l, r := left[:n], right[:n]

	pearson = pearsonCorr(l, r)

	if pearson > p.cfg.SyncAlreadyAligned {
		return pearson, false
	}
	if pearson < p.cfg.SyncDifferentContent {
		return pearson, false
	}

	energyL, energyR := energy(l), energy(r)
	if energyL == 0 || energyR == 0 {
		return pearson, false
	}
	ratio := energyL / energyR
	if ratio < 1 {
		ratio = 1 / ratio
	}
	return pearson, ratio <= p.cfg.SyncEnergyRatioMax
}

// findSyncOffset runs the raw cross-correlation search over the adaptive
// window. The argmax is taken over the full lag range and only then
// checked against MaxSyncOffset, so a genuine offset just past the cap is
// rejected rather than snapped to the nearest in-range lag. The peak must
// also clear SyncCorrThreshold relative to sqrt(E_L*E_R) or the channels
// are treated as uncorrelated.
func (p *Processor) findSyncOffset(left, right []int16, window int) (offset int, ok bool) {
	n := window
	if len(left) < n {
		n = len(left)
	}
	if len(right) < n {
		n = len(right)
	}
	if n == 0 {
		return 0, false
	}
	l, r := left[:n], right[:n]

	energyL, energyR := energy(l), energy(r)
	if energyL == 0 || energyR == 0 {
		return 0, false
	}

	bestOffset := 0
	bestCorr := math.Inf(-1)
	for o := -(n - 1); o <= n-1; o++ {
		c := rawCorr(l, r, o)
		if c > bestCorr {
			bestCorr = c
			bestOffset = o
		}
	}

	if bestCorr < p.cfg.SyncCorrThreshold*math.Sqrt(energyL*energyR) {
		return 0, false
	}
	if bestOffset < -p.cfg.MaxSyncOffset || bestOffset > p.cfg.MaxSyncOffset {
		return 0, false
	}
	return bestOffset, true
}

// rawCorr sums left[i]*right[i+offset] over the overlapping range,
// i.e. the unnormalized cross-correlation at the given lag.
func rawCorr(left, right []int16, offset int) float64 {
	var sum float64
	for i := range left {
		j := i + offset
		if j < 0 || j >= len(right) {
			continue
		}
		sum += float64(left[i]) * float64(right[j])
	}
	return sum
}

// pearsonCorr is the mean-subtracted, variance-normalized correlation of
// two equal-length sample windows, in [-1, 1]. Zero when either window
// has no variance.
func pearsonCorr(left, right []int16) float64 {
	n := len(left)
	if n == 0 || len(right) != n {
		return 0
	}

	var meanL, meanR float64
	for i := 0; i < n; i++ {
		meanL += float64(left[i])
		meanR += float64(right[i])
	}
	meanL /= float64(n)
	meanR /= float64(n)

	var cov, varL, varR float64
	for i := 0; i < n; i++ {
		dl := float64(left[i]) - meanL
		dr := float64(right[i]) - meanR
		cov += dl * dr
		varL += dl * dl
		varR += dr * dr
	}
	if varL == 0 || varR == 0 {
		return 0
	}
	return cov / math.Sqrt(varL*varR)
}

func energy(samples []int16) float64 {
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return sum
}

// shiftSamples shifts samples by offset, left-padding or truncating with
// zeros as needed so the output stays the same length.
func shiftSamples(samples []int16, offset int) []int16 {
	out := make([]int16, len(samples))
	for i := range out {
		j := i - offset
		if j >= 0 && j < len(samples) {
			out[i] = samples[j]
		}
	}
	return out
}

// channelQuality computes the per-channel stats and composite quality
// score: a weighted blend of crest factor, level, clipping, and
// zero-crossing noise scores.
func channelQuality(samples []int16) AudioStats {
	stats := AudioStats{SampleWidth: 2, Channels: 1}
	n := len(samples)
	if n == 0 {
		return stats
	}

	var peak float64
	var sumSq float64
	zeroCrossings := 0
	for i, s := range samples {
		v := math.Abs(float64(s)) / 32768.0
		if v > peak {
			peak = v
		}
		sumSq += v * v
		if i > 0 && ((samples[i-1] >= 0) != (s >= 0)) {
			zeroCrossings++
		}
	}
	rms := math.Sqrt(sumSq / float64(n))

	stats.Peak = peak
	stats.RMS = rms

	if rms <= 1e-9 {
		stats.Quality = 0
		return stats
	}

	crest := math.Exp(-0.5 * math.Pow(peak/rms-4, 2))
	level := math.Min(1, 2*peak)

	clip := 1.0
	if peak > 0.95 {
		clip = 1 - peak/0.99
	}

	noise := 1 - math.Min(1, float64(zeroCrossings)/(0.5*float64(n)))

	quality := 0.3*crest + 0.3*level + 0.2*clip + 0.2*noise
	stats.Quality = clamp01(quality)
	return stats
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
