package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/fankserver/audiotranscriber/internal/buffermgr"
	"github.com/fankserver/audiotranscriber/internal/capture"
	"github.com/fankserver/audiotranscriber/internal/cleanup"
	"github.com/fankserver/audiotranscriber/internal/component"
	"github.com/fankserver/audiotranscriber/internal/coreerr"
	"github.com/fankserver/audiotranscriber/internal/feedback"
	"github.com/fankserver/audiotranscriber/internal/monitor"
	"github.com/fankserver/audiotranscriber/internal/pipeline"
	"github.com/fankserver/audiotranscriber/internal/pool"
	"github.com/fankserver/audiotranscriber/internal/signal"
	"github.com/fankserver/audiotranscriber/internal/storage"
	"github.com/fankserver/audiotranscriber/internal/transcribe"
)

// app owns the assembled pipeline: every coordinator and stage, plus the
// goroutines moving frames between them.
type app struct {
	cfg AppConfig

	pool        *pool.Pool
	mon         *monitor.Coordinator
	registry    *component.Coordinator
	cleaner     *cleanup.Coordinator
	bufs        *buffermgr.Manager
	proc        *signal.Processor
	store       *storage.Manager
	source      capture.Source
	transcriber transcribe.Transcriber
	dispatcher  *pipeline.ChannelDispatcher
	bus         *feedback.EventBus

	logger  *logrus.Entry
	logFile *os.File

	frameSeq atomic.Uint64
	wg       sync.WaitGroup
}

func newApp(cfg AppConfig) (*app, error) {
	p := pool.New(pool.Config{Limits: [3]int{
		pool.Small:  cfg.Pool.SmallLimit,
		pool.Medium: cfg.Pool.MediumLimit,
		pool.Large:  cfg.Pool.LargeLimit,
	}})

	mon := monitor.New(monitor.Config{
		HealthCheckInterval: cfg.Monitor.HealthCheckInterval,
		DiskPath:            cfg.BaseDir,
	}, p)

	registry := component.New()
	mon.SetEscalator(registry)

	store, err := storage.New(storage.Config{
		BaseDir:         cfg.BaseDir,
		MaxWriteLatency: cfg.Storage.MaxWriteLatency,
		WriteBufferSize: cfg.Storage.WriteBufferSize,
		WorkerCount:     cfg.Storage.WorkerCount,
		MaxBackups:      cfg.Storage.MaxBackups,
		MaxBackupAge:    cfg.Storage.MaxBackupAge,
	}, mon)
	if err != nil {
		return nil, err
	}

	bus := feedback.NewEventBus(256)

	sigCfg := signal.DefaultConfig()
	sigCfg.SampleRate = cfg.Capture.SampleRate

	var source capture.Source
	if cfg.Capture.Mock {
		source = newSyntheticSource(cfg.Capture.FrameSamples)
	} else {
		source = capture.NewMalgoSource(capture.Config{
			DeviceName:   cfg.Capture.DeviceName,
			SampleRate:   uint32(cfg.Capture.SampleRate),
			FrameSamples: cfg.Capture.FrameSamples,
		})
	}

	var trans transcribe.Transcriber
	if cfg.Transcribe.Mock || cfg.Transcribe.Endpoint == "" {
		trans = transcribe.NewMockClient()
	} else {
		trans = transcribe.NewHTTPClient(transcribe.Config{
			Endpoint:          cfg.Transcribe.Endpoint,
			APIKey:            cfg.Transcribe.APIKey,
			RequestsPerMinute: cfg.Transcribe.RequestsPerMinute,
			MaxRetries:        cfg.Transcribe.MaxRetries,
		})
	}

	dispCfg := pipeline.DefaultChannelDispatcherConfig()
	dispCfg.WorkerCount = cfg.Transcribe.Workers

	a := &app{
		cfg:         cfg,
		pool:        p,
		mon:         mon,
		registry:    registry,
		cleaner:     cleanup.New(),
		bufs:        buffermgr.New(buffermgr.Config{DefaultCapacity: cfg.Queues.Capacity}),
		proc:        signal.New(sigCfg, mon, bus),
		store:       store,
		source:      source,
		transcriber: trans,
		bus:         bus,
		logger:      logrus.WithField("component", "app"),
	}
	a.dispatcher = pipeline.NewChannelDispatcher(trans, dispCfg)
	return a, nil
}

// run starts every stage in dependency order, then blocks until the
// context is cancelled and drives the phased cleanup.
func (a *app) run(ctx context.Context) error {
	if err := a.openLogFile(); err != nil {
		return err
	}

	if err := prometheus.Register(monitor.NewCollector(a.mon)); err != nil {
		a.logger.WithError(err).Warn("prometheus collector registration failed")
	}

	if err := a.registerComponents(); err != nil {
		return err
	}
	if err := a.startComponents(ctx); err != nil {
		return err
	}

	a.registerCleanupSteps()

	a.logger.Info("pipeline running; waiting for shutdown signal")
	select {
	case <-ctx.Done():
	case <-a.mon.ShutdownChan():
	}

	report := a.cleaner.ExecuteCleanup(context.Background())
	if report.PartialFailure {
		a.logger.Warn("cleanup completed with failed steps")
		return coreerr.New("app.cleanup", coreerr.KindShutdown, "app", "cleanup reported failed steps")
	}
	a.logger.Info("cleanup completed")
	return nil
}

// registerComponents declares the pipeline's dependency DAG with the
// Component Coordinator, attaching health-check capabilities where a
// stage can assess itself.
func (a *app) registerComponents() error {
	records := []component.Record{
		{ID: "monitoring", Kind: component.KindService},
		{ID: "storage", Kind: component.KindOutput, Dependencies: []string{"monitoring"},
			Component: healthFunc(func(ctx context.Context) error {
				if a.store.PendingCount() >= a.cfg.Storage.WriteBufferSize {
					return coreerr.New("storage.health", coreerr.KindLatencyExceeded, "storage", "write buffer saturated")
				}
				return nil
			})},
		{ID: "buffer-manager", Kind: component.KindService, Dependencies: []string{"monitoring"}},
		{ID: "capture", Kind: component.KindInput, Dependencies: []string{"buffer-manager"}},
		{ID: "signal-processor", Kind: component.KindTransform, Dependencies: []string{"buffer-manager"},
			Component: healthFunc(func(ctx context.Context) error {
				if a.proc.InRecovery() {
					return coreerr.New("signal.health", coreerr.KindLatencyExceeded, "signal-processor", "in recovery mode")
				}
				return nil
			})},
		{ID: "transcription", Kind: component.KindOutput, Dependencies: []string{"signal-processor"},
			Component: healthFunc(func(ctx context.Context) error {
				if !a.transcriber.IsReady() {
					return coreerr.New("transcribe.health", coreerr.KindExternalAPI, "transcription", "backend not ready")
				}
				return nil
			})},
	}

	for _, rec := range records {
		if err := a.registry.Register(rec); err != nil {
			return err
		}
	}
	return nil
}

// startComponents walks the resolved init order, transitioning each
// component through INITIALIZING to RUNNING and launching its workers.
func (a *app) startComponents(ctx context.Context) error {
	order, err := a.registry.ResolveInitOrder()
	if err != nil {
		return err
	}

	starters := map[string]func(context.Context) error{
		"monitoring": func(context.Context) error {
			a.mon.StartMonitoring()
			return nil
		},
		"storage": func(context.Context) error {
			a.store.Start()
			return nil
		},
		"buffer-manager": func(context.Context) error { return nil },
		"capture": func(ctx context.Context) error {
			if ms, ok := a.source.(*capture.MalgoSource); ok {
				if err := ms.Start(); err != nil {
					return err
				}
			}
			a.wg.Add(1)
			go a.captureLoop(ctx)
			a.wg.Add(1)
			go a.deviceEventLoop(ctx)
			return nil
		},
		"signal-processor": func(ctx context.Context) error {
			a.wg.Add(1)
			go a.processingLoop(ctx)
			return nil
		},
		"transcription": func(ctx context.Context) error {
			a.wg.Add(1)
			go a.storageLoop(ctx, pool.ChannelLeft)
			a.wg.Add(1)
			go a.storageLoop(ctx, pool.ChannelRight)
			a.wg.Add(1)
			go a.perfLogLoop(ctx)
			return nil
		},
	}

	for _, id := range order {
		if err := a.registry.Transition(id, component.StateInitializing); err != nil {
			return err
		}
		if start, ok := starters[id]; ok {
			if err := start(ctx); err != nil {
				_ = a.registry.Fail(id)
				return err
			}
		}
		if err := a.registry.Transition(id, component.StateRunning); err != nil {
			return err
		}
		a.logger.WithField("id", id).Debug("component running")
	}
	return nil
}

// captureLoop pulls interleaved frames from the source, copies each into a
// pool buffer, and enqueues it on the capture queue.
func (a *app) captureLoop(ctx context.Context) {
	defer a.wg.Done()
	handle := a.mon.RegisterThread()
	defer a.mon.UnregisterThread(handle)

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.mon.ShutdownChan():
			return
		default:
		}

		frame, err := a.source.ReadFrame(ctx)
		switch {
		case err == nil:
		case coreerr.IsKind(err, coreerr.KindShutdown):
			return
		case coreerr.IsKind(err, coreerr.KindDeviceRemoved):
			a.mon.HandleError(err, "capture")
			a.mon.UpdateChannelMetrics("left", unhealthyPatch())
			a.mon.UpdateChannelMetrics("right", unhealthyPatch())
			time.Sleep(time.Second)
			continue
		case coreerr.IsKind(err, coreerr.KindStreamLost):
			a.logger.Info("capture stream ended")
			a.mon.RequestShutdown()
			return
		default:
			a.mon.HandleError(err, "capture")
			continue
		}

		tier, ok := tierForSize(len(frame))
		if !ok {
			a.mon.HandleError(coreerr.New("app.capture", coreerr.KindResourceExhausted, "capture", "frame larger than any tier"), "capture")
			continue
		}

		id, err := a.mon.AllocateResource("capture", tier, pool.ChannelNone)
		if err != nil {
			// Pool exhausted: drop the frame and let the processor's
			// degraded paths catch up before retrying.
			a.mon.HandleError(err, "capture")
			continue
		}
		if buf, ok := a.pool.Bytes(id); ok {
			copy(buf[:len(frame)], frame)
		}

		el := buffermgr.Element{BufferID: id, EnqueueTS: time.Now(), PayloadLen: len(frame)}
		if err := a.bufs.Put(buffermgr.Capture, pool.ChannelNone, el, a.cfg.Queues.PutTimeout); err != nil {
			_ = a.mon.ReleaseResource("capture", id, pool.ChannelNone)
			if coreerr.IsKind(err, coreerr.KindShutdown) {
				return
			}
			a.mon.HandleError(err, "capture")
		}
	}
}

// deviceEventLoop surfaces hot-plug events as metrics and error events.
func (a *app) deviceEventLoop(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-a.source.Events():
			if !ok {
				return
			}
			a.logger.WithFields(logrus.Fields{
				"action": ev.Action,
				"device": ev.DeviceID,
			}).Info("capture device event")
			a.bus.PublishDeviceChanged(feedback.DeviceChangedData{Action: string(ev.Action), DeviceID: ev.DeviceID})
			if ev.Action == capture.DeviceRemoved {
				a.mon.HandleError(coreerr.New("app.device", coreerr.KindDeviceRemoved, "capture", "device removed: "+ev.DeviceID), "capture")
			}
		}
	}
}

// processingLoop drains the capture queue, runs each frame through the
// Signal Processor, and hands the separated channels to the storage queues
// and the transcription dispatcher.
func (a *app) processingLoop(ctx context.Context) {
	defer a.wg.Done()
	handle := a.mon.RegisterThread()
	defer a.mon.UnregisterThread(handle)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		el, err := a.bufs.Get(buffermgr.Capture, pool.ChannelNone, a.cfg.Queues.GetTimeout)
		if err != nil {
			if coreerr.IsKind(err, coreerr.KindShutdown) {
				return
			}
			continue // empty: poll again
		}

		buf, ok := a.pool.Bytes(el.BufferID)
		if !ok {
			a.mon.HandleError(coreerr.New("app.process", coreerr.KindDoubleRelease, "signal-processor", "dequeued unknown buffer"), "signal-processor")
			continue
		}
		raw := buf[:el.PayloadLen]

		depth := 0
		for _, qs := range a.bufs.Stats() {
			if qs.Stage == buffermgr.Capture {
				depth += qs.Size
			}
		}

		res, perr := a.proc.Process("signal-processor", signal.Frame{Interleaved: raw, QueueDepth: depth})
		_ = a.mon.ReleaseResource("capture", el.BufferID, pool.ChannelNone)
		if perr != nil {
			a.mon.HandleError(perr, "signal-processor")
			continue
		}

		seq := a.frameSeq.Add(1)
		a.handoffChannel(res.Left, seq)
		a.handoffChannel(res.Right, seq)

		a.mon.UpdatePerformanceStats("signal-processor", map[string]float64{
			"window_samples":   float64(res.WindowSize),
			"sync_offset":      float64(res.SyncOffsetSamples),
			"sync_correlation": res.SyncCorrelation,
			"left_quality":     res.Left.Stats.Quality,
			"right_quality":    res.Right.Stats.Quality,
		})
	}
}

// handoffChannel transfers one separated channel to the storage queue
// (pool-backed) or writes it directly (fallback output), and dispatches an
// owned copy to the transcription pipeline.
func (a *app) handoffChannel(out signal.ChannelOutput, seq uint64) {
	filename := filepath.Join("recordings", out.Channel.String(), fmt.Sprintf("seg_%d.raw", seq))

	if out.Fallback || out.BufferID == 0 {
		if err := a.store.Write(filename, out.Bytes, 0, out.Channel, "signal-processor"); err != nil {
			a.mon.HandleError(err, "storage")
		}
	} else {
		el := buffermgr.Element{BufferID: out.BufferID, EnqueueTS: time.Now(), PayloadLen: len(out.Bytes)}
		if err := a.bufs.Put(buffermgr.Storage, out.Channel, el, a.cfg.Queues.PutTimeout); err != nil {
			// Queue refused the element; this goroutine still owns the
			// buffer, so hand it straight to the storage write buffer, which
			// releases it once written or emergency-flushed.
			if werr := a.store.Write(filename, out.Bytes, out.BufferID, out.Channel, "signal-processor"); werr != nil {
				a.mon.HandleError(werr, "storage")
				_ = a.mon.ReleaseResource("signal-processor", out.BufferID, out.Channel)
			}
		}
	}

	audio := make([]byte, len(out.Bytes))
	copy(audio, out.Bytes)
	duration := time.Duration(out.Samples) * time.Second / time.Duration(a.cfg.Capture.SampleRate)

	segment := &pipeline.SpeechSegment{
		ChannelID:   int(out.Channel),
		Audio:       audio,
		Duration:    duration,
		SubmittedAt: time.Now(),
		OnComplete: func(text string) {
			segID := fmt.Sprintf("seg_%d_%s", seq, out.Channel)
			if _, err := a.store.WriteTranscript(segID, map[string]any{
				"timestamp":  time.Now().UTC(),
				"speaker_id": out.Channel.String(),
				"text":       text,
				"channel":    out.Channel.String(),
				"duration":   duration.Seconds(),
				"quality":    out.Stats.Quality,
			}); err != nil {
				a.mon.HandleError(err, "transcription")
			}
		},
		OnError: func(err error) {
			a.mon.HandleError(err, "transcription")
		},
	}
	if err := a.dispatcher.DispatchSegment(segment); err != nil {
		a.mon.HandleError(err, "transcription")
	}
}

// storageLoop drains one channel's storage queue into the Storage Manager,
// which releases each buffer once its bytes are durable.
func (a *app) storageLoop(ctx context.Context, ch pool.Channel) {
	defer a.wg.Done()
	handle := a.mon.RegisterThread()
	defer a.mon.UnregisterThread(handle)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		el, err := a.bufs.Get(buffermgr.Storage, ch, a.cfg.Queues.GetTimeout)
		if err != nil {
			if coreerr.IsKind(err, coreerr.KindShutdown) {
				return
			}
			continue
		}

		buf, ok := a.pool.Bytes(el.BufferID)
		if !ok {
			a.mon.HandleError(coreerr.New("app.storage", coreerr.KindDoubleRelease, "storage", "dequeued unknown buffer"), "storage")
			continue
		}

		filename := filepath.Join("recordings", ch.String(), fmt.Sprintf("buf_%d.raw", el.BufferID))
		if err := a.store.Write(filename, buf[:el.PayloadLen], el.BufferID, ch, "signal-processor"); err != nil {
			a.mon.HandleError(err, "storage")
			_ = a.mon.ReleaseResource("signal-processor", el.BufferID, ch)
		}

		a.bufs.Optimize(a.mon.CPUUsage(), a.mon.MemoryUsage())
	}
}

// perfLogLoop appends one JSON snapshot per interval to the dated
// performance log, giving the out-of-core report tool its input.
func (a *app) perfLogLoop(ctx context.Context) {
	defer a.wg.Done()

	interval := a.cfg.Monitor.PerfLogInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.mon.ShutdownChan():
			return
		case <-ticker.C:
			a.appendPerfSnapshot()
		}
	}
}

func (a *app) appendPerfSnapshot() {
	path := filepath.Join(a.cfg.BaseDir, "logs", "performance_"+time.Now().Format("20060102")+".jsonl")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()

	snap := a.mon.GetState()
	line, err := json.Marshal(map[string]any{
		"timestamp":          time.Now().UTC(),
		"cpu_usage":          snap.CPUUsage,
		"memory_usage":       snap.MemoryUsage,
		"disk_usage":         snap.DiskUsage,
		"stream_health":      snap.StreamHealth,
		"error_count":        snap.ErrorCount,
		"recovery_attempts":  snap.RecoveryAttempts,
		"shutdown_requested": snap.ShutdownRequested,
		"channels":           snap.Channels,
	})
	if err != nil {
		return
	}
	_, _ = f.Write(append(line, '\n'))
}

// registerCleanupSteps wires the canonical teardown plan against this
// app's components.
func (a *app) registerCleanupSteps() {
	steps := []cleanup.Step{
		{
			Name: "request_shutdown", Phase: cleanup.Initiating, Timeout: 5 * time.Second, Required: true,
			Action: func(context.Context) error { a.mon.RequestShutdown(); return nil },
			Verify: func(context.Context) bool { return a.mon.ShutdownRequested() },
		},
		{
			Name: "stop_monitoring", Phase: cleanup.Initiating, Dependencies: []string{"request_shutdown"},
			Timeout: 5 * time.Second, Required: true,
			Action: func(context.Context) error { a.mon.StopMonitoring(); return nil },
		},
		{
			Name: "stop_capture", Phase: cleanup.StoppingCapture, Timeout: 5 * time.Second, Required: true,
			Action: func(context.Context) error {
				err := a.source.Close()
				a.bufs.CleanupPending()
				a.dispatcher.Stop()
				a.bus.Stop()
				a.wg.Wait()
				return err
			},
		},
		{
			Name: "flush_storage", Phase: cleanup.FlushingStorage, Timeout: 10 * time.Second, Required: true,
			Action: func(ctx context.Context) error {
				report := a.store.EmergencyFlush(ctx)
				a.store.Stop()
				a.logger.WithField("dumped", report.Dumped).Info("storage flushed")
				return nil
			},
			Verify: func(context.Context) bool { return a.store.PendingCount() == 0 },
		},
		{
			Name: "release_pool_buffers", Phase: cleanup.ReleasingResources, Timeout: 5 * time.Second, Required: true,
			Action: func(context.Context) error {
				if remaining := a.mon.WaitForThreads(2 * time.Second); remaining > 0 {
					a.logger.WithField("remaining", remaining).Warn("workers still registered at buffer release")
				}
				a.drainRemainingBuffers()
				return nil
			},
			Verify: func(context.Context) bool {
				for _, s := range a.pool.Snapshot() {
					if s.InUse > 0 {
						return false
					}
				}
				return true
			},
		},
		{
			Name: "cleanup_backups", Phase: cleanup.ReleasingResources, Timeout: 5 * time.Second, Required: false,
			Action: func(context.Context) error {
				a.store.ConfigureBackupRotation(a.cfg.Storage.MaxBackups, a.cfg.Storage.MaxBackupAge)
				return nil
			},
		},
		{
			Name: "close_log_handlers", Phase: cleanup.ClosingLogs, Timeout: 5 * time.Second, Required: true,
			Action: func(context.Context) error { return a.closeLogFile() },
		},
	}

	for _, step := range steps {
		if err := a.cleaner.RegisterStep(step); err != nil {
			a.logger.WithError(err).WithField("step", step.Name).Error("failed to register cleanup step")
		}
	}
}

// drainRemainingBuffers empties every queue after the workers have
// stopped, returning any still-referenced buffers to the pool.
func (a *app) drainRemainingBuffers() {
	owners := map[buffermgr.Stage]string{
		buffermgr.Capture:    "capture",
		buffermgr.Processing: "signal-processor",
		buffermgr.Storage:    "signal-processor",
	}
	for stage, owner := range owners {
		for ch := pool.ChannelLeft; ch <= pool.ChannelNone; ch++ {
			for {
				el, err := a.bufs.Get(stage, ch, 10*time.Millisecond)
				if err != nil {
					break
				}
				_ = a.mon.ReleaseResource(owner, el.BufferID, ch)
			}
		}
	}
}

func (a *app) openLogFile() error {
	dir := filepath.Join(a.cfg.BaseDir, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, "transcriber_"+time.Now().Format("20060102_150405")+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	a.logFile = f
	logrus.SetOutput(io.MultiWriter(os.Stderr, f))
	return nil
}

func (a *app) closeLogFile() error {
	if a.logFile == nil {
		return nil
	}
	logrus.SetOutput(os.Stderr)
	err := a.logFile.Close()
	a.logFile = nil
	return err
}

func tierForSize(n int) (pool.Tier, bool) {
	switch {
	case n <= 0:
		return 0, false
	case n <= pool.SmallSize:
		return pool.Small, true
	case n <= pool.MediumSize:
		return pool.Medium, true
	case n <= pool.LargeSize:
		return pool.Large, true
	default:
		return 0, false
	}
}

func unhealthyPatch() monitor.ChannelPatch {
	healthy := false
	delta := int64(1)
	return monitor.ChannelPatch{StreamHealth: &healthy, ErrorCount: &delta}
}

// healthFunc adapts a bare function to the HealthChecker capability.
type healthFunc func(ctx context.Context) error

func (f healthFunc) HealthCheck(ctx context.Context) error { return f(ctx) }
