// Package buffermgr implements the Buffer Manager: nine bounded FIFO
// queues, one per (stage, channel) pair, carrying pool buffer handles
// between pipeline stages with latency and overflow accounting.
package buffermgr

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fankserver/audiotranscriber/internal/coreerr"
	"github.com/fankserver/audiotranscriber/internal/pool"
	"github.com/fankserver/audiotranscriber/internal/rollingstat"
)

// Stage identifies which leg of the pipeline a queue serves.
type Stage int

const (
	Capture Stage = iota
	Processing
	Storage

	stageCount = 3
)

func (s Stage) String() string {
	switch s {
	case Capture:
		return "capture"
	case Processing:
		return "processing"
	case Storage:
		return "storage"
	default:
		return "unknown"
	}
}

const channelCount = 3 // pool.ChannelLeft, pool.ChannelRight, pool.ChannelNone

// Element is one in-flight queue entry: a handle to a pool-owned buffer,
// not the bytes themselves. Ownership of the referenced buffer transfers
// from the queue to whoever calls Get until they release it through the
// Monitoring Coordinator.
type Element struct {
	BufferID   pool.BufferID
	EnqueueTS  time.Time
	PayloadLen int
}

var (
	ErrFull   = coreerr.Sentinel(coreerr.KindLockTimeout)
	ErrEmpty  = coreerr.Sentinel(coreerr.KindLockTimeout)
	ErrClosed = coreerr.Sentinel(coreerr.KindShutdown)
)

// Config configures default queue capacities and the Optimize cooldown.
type Config struct {
	DefaultCapacity int
	Cooldown        time.Duration
}

// DefaultConfig returns a modest per-queue capacity and a 5s Optimize
// cooldown window.
func DefaultConfig() Config {
	return Config{DefaultCapacity: 64, Cooldown: 5 * time.Second}
}

// LoadSampler supplies the host utilization figures Optimize reacts to.
// monitor.Coordinator satisfies this via its CPUUsage/MemoryUsage methods.
type LoadSampler interface {
	CPUUsage() float64
	MemoryUsage() float64
}

// Manager owns the nine bounded queues.
type Manager struct {
	cfg     Config
	queues  [stageCount][channelCount]*boundedQueue
	logger  *logrus.Entry
	closed  bool
	closeMu sync.Mutex

	cpuWindow *rollingstat.Window
	memWindow *rollingstat.Window
	lastOpt   time.Time
	optMu     sync.Mutex
}

// New builds a Manager with cfg's default capacity applied to all nine
// queues.
func New(cfg Config) *Manager {
	if cfg.DefaultCapacity <= 0 {
		cfg.DefaultCapacity = DefaultConfig().DefaultCapacity
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	m := &Manager{
		cfg:       cfg,
		logger:    logrus.WithField("component", "buffermgr"),
		cpuWindow: rollingstat.New(12),
		memWindow: rollingstat.New(12),
	}
	for s := 0; s < stageCount; s++ {
		for c := 0; c < channelCount; c++ {
			m.queues[s][c] = newBoundedQueue(cfg.DefaultCapacity)
		}
	}
	return m
}

func (m *Manager) queue(stage Stage, ch pool.Channel) *boundedQueue {
	return m.queues[stage][ch]
}

// Put enqueues an element on (stage, channel)'s queue, blocking up to
// timeout if the queue is at capacity.
func (m *Manager) Put(stage Stage, ch pool.Channel, el Element, timeout time.Duration) error {
	return m.queue(stage, ch).put(el, timeout)
}

// Get dequeues the next element from (stage, channel)'s queue, blocking up
// to timeout if empty.
func (m *Manager) Get(stage Stage, ch pool.Channel, timeout time.Duration) (Element, error) {
	return m.queue(stage, ch).get(timeout)
}

// QueueStats reports one queue's point-in-time statistics.
type QueueStats struct {
	Stage         Stage
	Channel       pool.Channel
	Size          int
	Capacity      int
	MeanLatency   time.Duration
	OverflowCount int64
	Processed     int64
	PreferredTier pool.Tier
}

// Stats returns stats for every (stage, channel) queue.
func (m *Manager) Stats() []QueueStats {
	out := make([]QueueStats, 0, stageCount*channelCount)
	for s := 0; s < stageCount; s++ {
		for c := 0; c < channelCount; c++ {
			q := m.queues[s][c]
			out = append(out, q.stats(Stage(s), pool.Channel(c)))
		}
	}
	return out
}

// Optimize folds in the latest cpu/mem utilization samples (0..100) and,
// once per cooldown window, adjusts every queue's preferred buffer tier:
// rolling CPU above 80% grows toward Large (fewer, larger transfers);
// memory pressure above 75% shrinks toward Small. A queue's capacity is
// never changed in a way that would leave it below its current occupancy.
func (m *Manager) Optimize(cpuPct, memPct float64) {
	m.cpuWindow.Add(cpuPct)
	m.memWindow.Add(memPct)

	m.optMu.Lock()
	defer m.optMu.Unlock()
	if time.Since(m.lastOpt) < m.cfg.Cooldown {
		return
	}
	m.lastOpt = time.Now()

	cpu := m.cpuWindow.Mean()
	mem := m.memWindow.Mean()

	var delta int // +1 grow tier, -1 shrink tier, 0 no change
	switch {
	case cpu > 80:
		delta = 1
	case mem > 75:
		delta = -1
	}
	if delta == 0 {
		return
	}

	for s := 0; s < stageCount; s++ {
		for c := 0; c < channelCount; c++ {
			m.queues[s][c].adjustTier(delta)
		}
	}
}

// CleanupPending marks every queue as draining: new Put calls return
// ErrClosed immediately, but Get continues to deliver already-enqueued
// elements until each queue is empty, giving consumers a backpressure-free
// drain. Entered during the Cleanup Coordinator's STOPPING_CAPTURE phase.
func (m *Manager) CleanupPending() {
	m.closeMu.Lock()
	m.closed = true
	m.closeMu.Unlock()

	for s := 0; s < stageCount; s++ {
		for c := 0; c < channelCount; c++ {
			m.queues[s][c].markClosing()
		}
	}
}

// Drained reports whether every queue has been fully drained since
// CleanupPending was called.
func (m *Manager) Drained() bool {
	for s := 0; s < stageCount; s++ {
		for c := 0; c < channelCount; c++ {
			if m.queues[s][c].size() > 0 {
				return false
			}
		}
	}
	return true
}
