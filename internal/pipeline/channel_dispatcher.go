package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/fankserver/audiotranscriber/internal/transcribe"
)

// ChannelDispatcher maintains one ordered queue per audio channel so that
// segments from the same channel are transcribed in capture order, while
// independent channels are processed concurrently across a shared worker
// pool.
type ChannelDispatcher struct {
	channelQueues map[int]*channelQueue
	queuesMu      sync.RWMutex

	transcriber transcribe.Transcriber

	workers  []*channelWorker
	workerWg sync.WaitGroup

	config ChannelDispatcherConfig

	metrics *DispatcherMetrics

	ctx    context.Context
	cancel context.CancelFunc

	lastServedQueue int
	scheduleMu      sync.Mutex
}

// ChannelDispatcherConfig holds configuration for the dispatcher.
type ChannelDispatcherConfig struct {
	WorkerCount           int
	MaxQueueSize          int
	ProcessTimeout        time.Duration
	ChannelIdleTimeout    time.Duration
	MaxActiveChannels     int
	PriorityBoostDuration time.Duration
}

// DefaultChannelDispatcherConfig returns defaults sized for a stereo (two
// channel) source; MaxActiveChannels is set generously above the usual
// count of two so diarization hooks that subdivide a channel further don't
// immediately hit the ceiling.
func DefaultChannelDispatcherConfig() ChannelDispatcherConfig {
	return ChannelDispatcherConfig{
		WorkerCount:           4,
		MaxQueueSize:          50,
		ProcessTimeout:        20 * time.Second,
		ChannelIdleTimeout:    2 * time.Minute,
		MaxActiveChannels:     8,
		PriorityBoostDuration: 5 * time.Second,
	}
}

type channelQueue struct {
	channelID        int
	segments         chan *SpeechSegment
	lastActivity     time.Time
	isProcessing     bool
	processingMu     sync.Mutex
	segmentsQueued   int64
	segmentsComplete int64
}

// DispatcherMetrics tracks multi-channel processing performance.
type DispatcherMetrics struct {
	ActiveChannels     int32
	TotalChannels      int64
	SegmentsDispatched int64
	SegmentsCompleted  int64
	SegmentsDropped    int64
	AverageLatency     int64 // milliseconds
	ConcurrentPeak     int32
}

// NewChannelDispatcher creates a new channel-aware dispatcher.
func NewChannelDispatcher(trans transcribe.Transcriber, config ChannelDispatcherConfig) *ChannelDispatcher {
	ctx, cancel := context.WithCancel(context.Background())

	d := &ChannelDispatcher{
		channelQueues: make(map[int]*channelQueue),
		transcriber:   trans,
		workers:       make([]*channelWorker, 0, config.WorkerCount),
		config:        config,
		metrics:       &DispatcherMetrics{},
		ctx:           ctx,
		cancel:        cancel,
	}

	for i := 0; i < config.WorkerCount; i++ {
		worker := &channelWorker{
			id:          i,
			dispatcher:  d,
			transcriber: trans,
		}
		d.workers = append(d.workers, worker)

		d.workerWg.Add(1)
		go func(w *channelWorker) {
			defer d.workerWg.Done()
			w.run(ctx)
		}(worker)
	}

	d.workerWg.Add(1)
	go func() {
		defer d.workerWg.Done()
		d.cleanupIdleChannels()
	}()

	logrus.WithFields(logrus.Fields{
		"workers":      config.WorkerCount,
		"max_channels": config.MaxActiveChannels,
		"queue_size":   config.MaxQueueSize,
	}).Info("channel dispatcher initialized")

	return d
}

// DispatchSegment routes a segment to its channel's queue, assigning an
// id if the caller did not.
func (d *ChannelDispatcher) DispatchSegment(segment *SpeechSegment) error {
	if d.ctx.Err() != nil {
		return ErrDispatcherStopped
	}
	if segment.ID == "" {
		segment.ID = uuid.New().String()
	}

	queue := d.getOrCreateChannelQueue(segment.ChannelID)
	if queue == nil {
		atomic.AddInt64(&d.metrics.SegmentsDropped, 1)
		return ErrQueueFull
	}

	if time.Since(segment.SubmittedAt) < d.config.PriorityBoostDuration {
		if segment.Priority < 1 {
			segment.Priority = 1
		}
	}

	select {
	case queue.segments <- segment:
		atomic.AddInt64(&queue.segmentsQueued, 1)
		atomic.AddInt64(&d.metrics.SegmentsDispatched, 1)
		queue.lastActivity = time.Now()

		logrus.WithFields(logrus.Fields{
			"channel":    segment.ChannelID,
			"segment_id": segment.ID,
			"priority":   segment.Priority,
			"reason":     segment.Reason,
		}).Debug("segment dispatched to channel queue")

		return nil

	default:
		atomic.AddInt64(&d.metrics.SegmentsDropped, 1)
		logrus.WithFields(logrus.Fields{
			"channel":    segment.ChannelID,
			"segment_id": segment.ID,
		}).Warn("channel queue full, segment dropped")

		return ErrQueueFull
	}
}

func (d *ChannelDispatcher) getOrCreateChannelQueue(channelID int) *channelQueue {
	d.queuesMu.RLock()
	queue, exists := d.channelQueues[channelID]
	d.queuesMu.RUnlock()

	if exists {
		return queue
	}

	if int(atomic.LoadInt32(&d.metrics.ActiveChannels)) >= d.config.MaxActiveChannels {
		logrus.WithField("channel", channelID).Warn("max active channels reached, rejecting")
		return nil
	}

	d.queuesMu.Lock()
	defer d.queuesMu.Unlock()

	if queue, exists = d.channelQueues[channelID]; exists {
		return queue
	}

	queue = &channelQueue{
		channelID:    channelID,
		segments:     make(chan *SpeechSegment, d.config.MaxQueueSize),
		lastActivity: time.Now(),
	}

	d.channelQueues[channelID] = queue
	atomic.AddInt32(&d.metrics.ActiveChannels, 1)
	atomic.AddInt64(&d.metrics.TotalChannels, 1)

	current := atomic.LoadInt32(&d.metrics.ActiveChannels)
	for {
		peak := atomic.LoadInt32(&d.metrics.ConcurrentPeak)
		if current <= peak || atomic.CompareAndSwapInt32(&d.metrics.ConcurrentPeak, peak, current) {
			break
		}
	}

	logrus.WithFields(logrus.Fields{
		"channel":         channelID,
		"active_channels": current,
	}).Info("new channel queue created")

	return queue
}

// getNextWork returns the next segment to process using round-robin
// scheduling across channels, skipping any channel already being serviced
// by another worker so per-channel order is preserved.
func (d *ChannelDispatcher) getNextWork(ctx context.Context) *SpeechSegment {
	d.queuesMu.RLock()
	defer d.queuesMu.RUnlock()

	if len(d.channelQueues) == 0 {
		return nil
	}

	d.scheduleMu.Lock()
	startIndex := d.lastServedQueue
	d.scheduleMu.Unlock()

	queueSlice := make([]*channelQueue, 0, len(d.channelQueues))
	for _, queue := range d.channelQueues {
		queueSlice = append(queueSlice, queue)
	}
	// Map iteration order is random; order by channel id so the rotation
	// index means the same queue from one call to the next.
	for i := 1; i < len(queueSlice); i++ {
		for j := i; j > 0 && queueSlice[j].channelID < queueSlice[j-1].channelID; j-- {
			queueSlice[j], queueSlice[j-1] = queueSlice[j-1], queueSlice[j]
		}
	}

	for i := 0; i < len(queueSlice); i++ {
		index := (startIndex + i) % len(queueSlice)
		queue := queueSlice[index]

		queue.processingMu.Lock()
		if queue.isProcessing {
			queue.processingMu.Unlock()
			continue
		}
		queue.processingMu.Unlock()

		select {
		case segment := <-queue.segments:
			queue.processingMu.Lock()
			queue.isProcessing = true
			queue.processingMu.Unlock()

			d.scheduleMu.Lock()
			d.lastServedQueue = (index + 1) % len(queueSlice)
			d.scheduleMu.Unlock()

			return segment

		default:
			continue
		}
	}

	return nil
}

func (d *ChannelDispatcher) markChannelComplete(channelID int) {
	d.queuesMu.RLock()
	queue, exists := d.channelQueues[channelID]
	d.queuesMu.RUnlock()

	if exists {
		queue.processingMu.Lock()
		queue.isProcessing = false
		atomic.AddInt64(&queue.segmentsComplete, 1)
		atomic.AddInt64(&d.metrics.SegmentsCompleted, 1)
		queue.processingMu.Unlock()
	}
}

func (d *ChannelDispatcher) cleanupIdleChannels() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.performCleanup()
		}
	}
}

func (d *ChannelDispatcher) performCleanup() {
	d.queuesMu.Lock()
	defer d.queuesMu.Unlock()

	now := time.Now()
	for channelID, queue := range d.channelQueues {
		if now.Sub(queue.lastActivity) > d.config.ChannelIdleTimeout && len(queue.segments) == 0 {
			close(queue.segments)
			delete(d.channelQueues, channelID)
			atomic.AddInt32(&d.metrics.ActiveChannels, -1)

			logrus.WithFields(logrus.Fields{
				"channel":   channelID,
				"idle_time": now.Sub(queue.lastActivity),
				"queued":    atomic.LoadInt64(&queue.segmentsQueued),
				"completed": atomic.LoadInt64(&queue.segmentsComplete),
			}).Info("cleaned up idle channel queue")
		}
	}
}

// Stop gracefully shuts down the dispatcher.
func (d *ChannelDispatcher) Stop() {
	logrus.Info("stopping channel dispatcher")

	d.cancel()
	d.workerWg.Wait()

	d.queuesMu.Lock()
	for _, queue := range d.channelQueues {
		close(queue.segments)
	}
	d.queuesMu.Unlock()

	logrus.Info("channel dispatcher stopped")
}

// GetMetrics returns current dispatcher metrics.
func (d *ChannelDispatcher) GetMetrics() DispatcherMetrics {
	return DispatcherMetrics{
		ActiveChannels:     atomic.LoadInt32(&d.metrics.ActiveChannels),
		TotalChannels:      atomic.LoadInt64(&d.metrics.TotalChannels),
		SegmentsDispatched: atomic.LoadInt64(&d.metrics.SegmentsDispatched),
		SegmentsCompleted:  atomic.LoadInt64(&d.metrics.SegmentsCompleted),
		SegmentsDropped:    atomic.LoadInt64(&d.metrics.SegmentsDropped),
		AverageLatency:     atomic.LoadInt64(&d.metrics.AverageLatency),
		ConcurrentPeak:     atomic.LoadInt32(&d.metrics.ConcurrentPeak),
	}
}

// channelWorker processes segments pulled from the dispatcher.
type channelWorker struct {
	id          int
	dispatcher  *ChannelDispatcher
	transcriber transcribe.Transcriber
}

func (w *channelWorker) run(ctx context.Context) {
	logger := logrus.WithField("channel_worker", w.id)
	logger.Info("channel worker started")
	defer logger.Info("channel worker stopped")

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		segment := w.dispatcher.getNextWork(ctx)
		if segment == nil {
			time.Sleep(10 * time.Millisecond)
			continue
		}

		w.processSegment(ctx, segment)
		w.dispatcher.markChannelComplete(segment.ChannelID)
	}
}

func (w *channelWorker) processSegment(ctx context.Context, segment *SpeechSegment) {
	startTime := time.Now()

	logger := logrus.WithFields(logrus.Fields{
		"worker":     w.id,
		"segment_id": segment.ID,
		"channel":    segment.ChannelID,
		"duration":   segment.Duration,
		"priority":   segment.Priority,
	})

	if segment.OnStart != nil {
		segment.OnStart()
	}

	options := transcribe.Options{
		PreviousContext: segment.Context,
	}

	tctx, cancel := context.WithTimeout(ctx, w.dispatcher.config.ProcessTimeout)
	defer cancel()

	result, err := w.transcriber.TranscribeWithContext(tctx, segment.Audio, options)
	if err != nil {
		logger.WithError(err).Error("transcription failed")
		if segment.OnError != nil {
			segment.OnError(err)
		}
		return
	}

	processingTime := time.Since(startTime)

	logger.WithFields(logrus.Fields{
		"text_length":   len(result.Text),
		"processing_ms": processingTime.Milliseconds(),
	}).Info("segment transcribed successfully")

	currentLatency := atomic.LoadInt64(&w.dispatcher.metrics.AverageLatency)
	newLatency := (currentLatency + processingTime.Milliseconds()) / 2
	atomic.StoreInt64(&w.dispatcher.metrics.AverageLatency, newLatency)

	if segment.OnComplete != nil {
		segment.OnComplete(result.Text)
	}
}
