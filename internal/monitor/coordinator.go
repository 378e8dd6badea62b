// Package monitor implements the Monitoring Coordinator: the single
// gateway to shared process state, metrics, the resource pool, and the
// worker thread registry. Every mutation to any of that shared data goes
// through one of the coordinator's five named locks, acquired in the
// strict rank order state < metrics < perf < component < update; no code
// path may hold a lock of rank r while acquiring one of rank <= r.
package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/fankserver/audiotranscriber/internal/coreerr"
	"github.com/fankserver/audiotranscriber/internal/pool"
)

// ErrorEscalator is notified when a component's consecutive error count
// crosses a degrade or fail threshold. The Component Coordinator implements
// this; wiring it in as an interface (rather than importing the component
// package directly) keeps monitor a leaf package with no dependency on the
// coordinator that depends on it.
type ErrorEscalator interface {
	Degrade(componentID string) error
	Fail(componentID string) error
}

// ThreadHandle identifies one registered worker. It carries no exported
// fields: callers treat it as an opaque token passed back to
// UnregisterThread.
type ThreadHandle struct {
	id uint64
}

// PerfStats is a free-form set of named performance measurements for one
// component, e.g. {"frame_latency_ns": 1200000, "queue_depth": 3}. Units
// are the caller's responsibility to keep consistent; see DESIGN.md for the
// single-unit-per-metric convention this repo follows.
type PerfStats struct {
	Component string
	Values    map[string]float64
	UpdatedAt time.Time
}

// degradeThreshold and failThreshold are the per-component counts of
// back-to-back handled errors (kept in Coordinator.consecutive) at which
// HandleError escalates a component to DEGRADED and to FAILED.
const (
	degradeThreshold = 3
	failThreshold    = 6
)

// Config configures a Coordinator.
type Config struct {
	HealthCheckInterval time.Duration
	DiskPath            string
	ThreadDrainTimeout  time.Duration
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		HealthCheckInterval: defaultHealthInterval,
		DiskPath:            "/",
		ThreadDrainTimeout:  10 * time.Second,
	}
}

// Coordinator is the Monitoring Coordinator. It owns the Resource Pool,
// process-wide State, per-component PerfStats, the thread registry, and
// the background health-check timer.
type Coordinator struct {
	locks

	cfg     Config
	pool    *pool.Pool
	sampler *hostSampler
	logger  *logrus.Entry

	state *State // guarded by rankState (scalar fields) and rankMetrics (Channels)

	perfStat map[string]PerfStats // guarded by the perf-rank lock

	consecutiveMu sync.Mutex // component-owned bookkeeping, guarded by locks.component
	consecutive   map[string]int

	lastErrorMu sync.Mutex // guarded by locks.update
	lastError   map[string]*coreerr.Error

	threadsMu sync.Mutex // guarded by locks.component
	threads   map[uint64]chan struct{}
	nextID    uint64

	escalator ErrorEscalator

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	shutdownOnce sync.Once
	shutdownCh   chan struct{}

	totalErrors int64 // atomic, mirrors metrics-rank bookkeeping for cheap export
}

// New builds a Coordinator around p. p must already be constructed; the
// Coordinator does not own its lifecycle beyond routing Allocate/Release.
func New(cfg Config, p *pool.Pool) *Coordinator {
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = defaultHealthInterval
	}
	return &Coordinator{
		cfg:         cfg,
		pool:        p,
		sampler:     newHostSampler(cfg.DiskPath),
		logger:      logrus.WithField("component", "monitor"),
		state:       newState(),
		perfStat:    make(map[string]PerfStats),
		consecutive: make(map[string]int),
		lastError:   make(map[string]*coreerr.Error),
		threads:     make(map[uint64]chan struct{}),
		shutdownCh:  make(chan struct{}),
	}
}

// SetEscalator wires the Component Coordinator's lifecycle hook. Must be
// called before errors are handled for escalation to take effect; calling
// it late only means earlier errors were merely counted.
func (c *Coordinator) SetEscalator(e ErrorEscalator) { c.escalator = e }

// StartMonitoring starts the periodic health-check timer. Idempotent:
// calling it again while already running is a no-op and does not create a
// second timer.
func (c *Coordinator) StartMonitoring() {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.stopCh = make(chan struct{})

	c.wg.Add(1)
	go c.healthLoop(c.stopCh)
}

// StopMonitoring stops the timer. Idempotent.
func (c *Coordinator) StopMonitoring() {
	c.runMu.Lock()
	if !c.running {
		c.runMu.Unlock()
		return
	}
	c.running = false
	close(c.stopCh)
	c.runMu.Unlock()

	c.wg.Wait()
}

func (c *Coordinator) healthLoop(stop chan struct{}) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.runHealthCheckTick()
		}
	}
}

// runHealthCheckTick performs one non-blocking sampling pass. A panic
// inside is caught, logged, and converted into a handled error rather than
// taking the timer down — losing the timer is itself a monitored condition.
func (c *Coordinator) runHealthCheckTick() {
	defer func() {
		if r := recover(); r != nil {
			c.logger.WithField("panic", r).Error("panic in monitoring health tick")
			c.handleInternalPanic(r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	patch := c.sampler.sample(ctx)

	c.withLock(rankState, func() {
		c.state.apply(patch)
		c.state.LastHealthCheckTS = time.Now()
	})
}

func (c *Coordinator) handleInternalPanic(r interface{}) {
	c.withLock(rankState, func() {
		c.state.StreamHealth = false
	})
	atomic.AddInt64(&c.totalErrors, 1)
}

// RegisterThread records a new worker and returns a handle the worker must
// present to UnregisterThread. Registration and unregistration are
// guarded by the component-rank lock, grouping thread bookkeeping with
// other per-component state.
func (c *Coordinator) RegisterThread() ThreadHandle {
	var h ThreadHandle
	c.withLock(rankComponent, func() {
		c.threadsMu.Lock()
		defer c.threadsMu.Unlock()
		c.nextID++
		h = ThreadHandle{id: c.nextID}
		c.threads[h.id] = make(chan struct{})
	})
	return h
}

// UnregisterThread removes a worker from the registry and signals any
// WaitForThreads callers blocked on it.
func (c *Coordinator) UnregisterThread(h ThreadHandle) {
	c.withLock(rankComponent, func() {
		c.threadsMu.Lock()
		defer c.threadsMu.Unlock()
		if ch, ok := c.threads[h.id]; ok {
			close(ch)
			delete(c.threads, h.id)
		}
	})
}

// WaitForThreads blocks until every registered thread has unregistered or
// timeout elapses, returning the number still outstanding (0 on full
// drain). Used by the cleanup coordinator's release_pool_buffers step.
func (c *Coordinator) WaitForThreads(timeout time.Duration) int {
	c.threadsMu.Lock()
	chans := make([]chan struct{}, 0, len(c.threads))
	for _, ch := range c.threads {
		chans = append(chans, ch)
	}
	c.threadsMu.Unlock()

	deadline := time.After(timeout)
	for _, ch := range chans {
		select {
		case <-ch:
		case <-deadline:
			c.threadsMu.Lock()
			remaining := len(c.threads)
			c.threadsMu.Unlock()
			return remaining
		}
	}
	return 0
}

// AllocateResource is a thin, lock-ordered wrapper over the Resource Pool.
// The pool's own internal locking is independent of this coordinator's
// five-lock hierarchy (the pool never calls back into the coordinator), so
// it is safe to invoke outside any held rank. The coordinator then takes
// its metrics lock with an empty body; it records nothing itself, since the
// per-channel and per-tier counts are kept by the pool.
func (c *Coordinator) AllocateResource(owner string, tier pool.Tier, ch pool.Channel) (pool.BufferID, error) {
	id, err := c.pool.Allocate(tier, pool.Tag{Component: owner, Channel: ch})
	if err != nil {
		return 0, err
	}
	c.withLock(rankMetrics, func() {
		// per-channel/tier counts already live in the pool; this hook
		// exists so future per-owner accounting has a single insertion
		// point guarded by the correct rank.
	})
	return id, nil
}

// ReleaseResource is AllocateResource's counterpart. Checked-out buffers
// are returned through the Monitoring Coordinator, never directly to the
// pool, so that accounting stays centralized here.
func (c *Coordinator) ReleaseResource(owner string, id pool.BufferID, ch pool.Channel) error {
	err := c.pool.Release(id, pool.Tag{Component: owner, Channel: ch})
	if err != nil {
		c.withLock(rankMetrics, func() {
			atomic.AddInt64(&c.totalErrors, 1)
		})
	}
	return err
}

// UpdateMetrics applies a StatePatch (cpu/mem/disk/temperature) under the
// state lock. Readers never block on this: GetState takes a fresh snapshot
// rather than sharing the live State.
func (c *Coordinator) UpdateMetrics(patch StatePatch) {
	c.withLock(rankState, func() {
		c.state.apply(patch)
	})
}

// UpdatePerformanceStats records a component's latest PerfStats, guarded by
// the perf-rank lock.
func (c *Coordinator) UpdatePerformanceStats(component string, values map[string]float64) {
	c.withLock(rankPerf, func() {
		c.perfStat[component] = PerfStats{Component: component, Values: values, UpdatedAt: time.Now()}
	})
}

// PerformanceStats returns a snapshot of one component's last-reported
// stats, or ok=false if none has ever been recorded.
func (c *Coordinator) PerformanceStats(component string) (PerfStats, bool) {
	var out PerfStats
	var ok bool
	c.withLock(rankPerf, func() {
		out, ok = c.perfStat[component]
	})
	return out, ok
}

// UpdateChannelMetrics applies a ChannelPatch to one channel's sub-snapshot,
// guarded by the metrics-rank lock (distinct from the state-rank lock that
// guards the coordinator's own scalar fields).
func (c *Coordinator) UpdateChannelMetrics(channel string, patch ChannelPatch) {
	c.withLock(rankMetrics, func() {
		cs, ok := c.state.Channels[channel]
		if !ok {
			cs = &ChannelState{}
			c.state.Channels[channel] = cs
		}
		if patch.StreamHealth != nil {
			cs.StreamHealth = *patch.StreamHealth
		}
		if patch.ErrorCount != nil {
			cs.ErrorCount += *patch.ErrorCount
		}
		if patch.RecoveryAttempts != nil {
			cs.RecoveryAttempts += *patch.RecoveryAttempts
		}
		if patch.StreamHealth != nil || patch.ErrorCount != nil {
			cs.LastHealthCheck = time.Now()
		}
	})
}

// GetState returns a cheap, immutable snapshot of the coordinator's shared
// state. No lock is held once the copy is made.
func (c *Coordinator) GetState() StateSnapshot {
	var snap StateSnapshot
	c.withLocks([]rank{rankState, rankMetrics}, func() {
		snap = c.state.snapshot()
	})
	return snap
}

// CPUUsage and MemoryUsage are cheap accessors onto the last-sampled host
// figures (0..100), satisfying buffermgr.LoadSampler so the Buffer
// Manager's Optimize call can react to the same host readings the health
// timer already collects, without duplicating the gopsutil sampler.
func (c *Coordinator) CPUUsage() float64 {
	var v float64
	c.withLock(rankState, func() { v = c.state.CPUUsage })
	return v
}

func (c *Coordinator) MemoryUsage() float64 {
	var v float64
	c.withLock(rankState, func() { v = c.state.MemoryUsage })
	return v
}

// ErrorContext is the bundle attached to every error that crosses a
// component boundary, with the full cause chain reachable via Unwrap on
// Cause.
type ErrorContext struct {
	Timestamp        time.Time
	EventID          string
	Component        string
	ComponentState   string
	ConsecutiveCount int
	Cause            error
}

// HandleError records err against component, escalating its lifecycle
// state through the wired ErrorEscalator once consecutive failures cross
// the degrade/fail thresholds. This is the coordinator's canonical
// multi-lock operation: it acquires state, then metrics, then component,
// then update, in that ascending order, touching each rank's data exactly
// once.
func (c *Coordinator) HandleError(err error, component string) ErrorContext {
	ts := time.Now()
	var consecutive int

	c.withLocks([]rank{rankState, rankMetrics, rankComponent, rankUpdate}, func() {
		// rankState: bump the global error counter.
		c.state.ErrorCount++

		// rankMetrics: mirror into the atomic export counter.
		atomic.AddInt64(&c.totalErrors, 1)

		// rankComponent: track consecutive failures per component.
		c.consecutiveMu.Lock()
		c.consecutive[component]++
		consecutive = c.consecutive[component]
		c.consecutiveMu.Unlock()

		// rankUpdate: remember the last error per component for
		// introspection/debugging.
		c.lastErrorMu.Lock()
		c.lastError[component] = toStructured(err, component)
		c.lastErrorMu.Unlock()
	})

	ec := ErrorContext{
		Timestamp:        ts,
		EventID:          uuid.NewString(),
		Component:        component,
		ConsecutiveCount: consecutive,
		Cause:            err,
	}

	if c.escalator != nil {
		switch {
		case consecutive >= failThreshold:
			if ferr := c.escalator.Fail(component); ferr != nil {
				c.logger.WithError(ferr).WithField("component", component).Warn("failed to escalate component to FAILED")
			}
		case consecutive >= degradeThreshold:
			if derr := c.escalator.Degrade(component); derr != nil {
				c.logger.WithError(derr).WithField("component", component).Warn("failed to escalate component to DEGRADED")
			}
		}
	}

	return ec
}

// ResetConsecutiveErrors clears a component's consecutive-failure count,
// e.g. after a successful health check or recovery attempt.
func (c *Coordinator) ResetConsecutiveErrors(component string) {
	c.withLock(rankComponent, func() {
		c.consecutiveMu.Lock()
		delete(c.consecutive, component)
		c.consecutiveMu.Unlock()
	})
}

func toStructured(err error, component string) *coreerr.Error {
	var ce *coreerr.Error
	if errAs(err, &ce) {
		return ce
	}
	return coreerr.Wrap("monitor.handle_error", coreerr.KindExternalAPI, component, err)
}

// errAs is a narrow errors.As wrapper kept local to avoid importing
// "errors" into this file's import block twice when only this one call
// site needs it.
func errAs(err error, target **coreerr.Error) bool {
	for err != nil {
		if ce, ok := err.(*coreerr.Error); ok {
			*target = ce
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// RequestShutdown sets the shutdown flag. Blocking operations elsewhere in
// the pipeline poll ShutdownRequested (or select on ShutdownChan) at their
// next wait point; this call itself never blocks.
func (c *Coordinator) RequestShutdown() {
	c.withLock(rankState, func() {
		c.state.ShutdownRequested = true
	})
	c.shutdownOnce.Do(func() { close(c.shutdownCh) })
}

// ShutdownChan is closed exactly once, the first time RequestShutdown is
// called. Blocking primitives select on it as their cancellation signal.
func (c *Coordinator) ShutdownChan() <-chan struct{} { return c.shutdownCh }

// ShutdownRequested is a cheap, lock-free-to-the-caller poll (it still
// takes the state lock internally, but only for the instant of the read).
func (c *Coordinator) ShutdownRequested() bool {
	var v bool
	c.withLock(rankState, func() { v = c.state.ShutdownRequested })
	return v
}

// TotalErrors returns the cumulative handled-error count, for Prometheus
// export.
func (c *Coordinator) TotalErrors() int64 { return atomic.LoadInt64(&c.totalErrors) }

// Pool exposes the underlying Resource Pool for components that need
// direct Snapshot access (e.g. the Cleanup Coordinator's verification
// step); mutation must still go through AllocateResource/ReleaseResource.
func (c *Coordinator) Pool() *pool.Pool { return c.pool }
