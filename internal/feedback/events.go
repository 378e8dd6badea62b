// Package feedback is the pipeline's event bus: components publish
// lifecycle and signal-processing events without knowing who consumes
// them, and consumers subscribe per event type or to the full stream.
package feedback

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// EventType represents the type of event
type EventType string

const (
	// Transcription events
	EventTranscriptionStarted   EventType = "transcription.started"
	EventTranscriptionProgress  EventType = "transcription.progress"
	EventTranscriptionCompleted EventType = "transcription.completed"
	EventTranscriptionFailed    EventType = "transcription.failed"

	// Audio events
	EventAudioBuffering EventType = "audio.buffering"
	EventAudioSegmented EventType = "audio.segmented"
	EventChannelActive  EventType = "audio.channel.active"
	EventChannelIdle    EventType = "audio.channel.idle"
	EventDeviceChanged  EventType = "audio.device.changed"

	// System events
	EventQueueDepthChanged EventType = "queue.depth.changed"
	EventSessionCreated    EventType = "session.created"
	EventSessionEnded      EventType = "session.ended"

	// Signal processing events
	EventDegradedFallback EventType = "signal.degraded_fallback"
	EventRecoveryMode     EventType = "signal.recovery_mode"
)

// Event represents a system event
type Event struct {
	Type      EventType
	Timestamp time.Time
	SessionID string
	Data      interface{}
}

// TranscriptionStartedData contains data for transcription started events
type TranscriptionStartedData struct {
	SegmentID  string
	ChannelID  int
	Duration   time.Duration
	QueueDepth int
	Priority   int
}

// TranscriptionCompletedData contains data for transcription completed events
type TranscriptionCompletedData struct {
	SegmentID     string
	ChannelID     int
	Text          string
	Confidence    float32
	ProcessTime   time.Duration
	AudioDuration time.Duration
}

// AudioBufferingData contains data for audio buffering events
type AudioBufferingData struct {
	ChannelID      int
	BufferDuration time.Duration
	BufferSize     int
	IsSpeaking     bool
}

// DeviceChangedData contains data for capture device hot-plug events
type DeviceChangedData struct {
	Action   string // "added" or "removed"
	DeviceID string
}

// DegradedFallbackData contains data for signal processor fallback events
type DegradedFallbackData struct {
	ChannelID int
	Reason    string
}

// RecoveryModeData contains data for signal processor load-gating events
type RecoveryModeData struct {
	ChannelID int
	Entered   bool // true on entry, false on exit
	LoadEMA   float64
}

// QueueDepthData contains data for queue depth change events
type QueueDepthData struct {
	TotalDepth    int
	UrgentDepth   int
	HighDepth     int
	NormalDepth   int
	ActiveWorkers int
}

// EventHandler is a function that handles events
type EventHandler func(event Event)

// subscription pairs a handler with the id its unsubscribe closure holds,
// so removal works on identity instead of function-pointer comparison.
type subscription struct {
	id      uint64
	handler EventHandler
}

// EventBus manages event distribution. Publishing is non-blocking: events
// queue into a bounded buffer drained by a single delivery goroutine, and
// are dropped (counted) when the buffer is full.
type EventBus struct {
	mu          sync.RWMutex
	handlers    map[EventType][]subscription
	allHandlers []subscription
	nextSubID   uint64

	buffer    chan Event
	stopCh    chan struct{}
	wg        sync.WaitGroup
	metrics   *EventMetrics
	metricsMu sync.Mutex
}

// EventMetrics tracks event statistics
type EventMetrics struct {
	EventsPublished map[EventType]int64
	EventsDelivered int64
	EventsDropped   int64
}

// NewEventBus creates a new event bus with the given buffer size (a
// default is applied for zero or negative values).
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	eb := &EventBus{
		handlers: make(map[EventType][]subscription),
		buffer:   make(chan Event, bufferSize),
		stopCh:   make(chan struct{}),
		metrics: &EventMetrics{
			EventsPublished: make(map[EventType]int64),
		},
	}

	eb.wg.Add(1)
	go eb.processEvents()

	return eb
}

// Subscribe registers a handler for one event type and returns its
// unsubscribe function.
func (eb *EventBus) Subscribe(eventType EventType, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.nextSubID++
	id := eb.nextSubID
	eb.handlers[eventType] = append(eb.handlers[eventType], subscription{id: id, handler: handler})

	return func() { eb.unsubscribe(eventType, id) }
}

// SubscribeAll registers a handler for every event and returns its
// unsubscribe function.
func (eb *EventBus) SubscribeAll(handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.nextSubID++
	id := eb.nextSubID
	eb.allHandlers = append(eb.allHandlers, subscription{id: id, handler: handler})

	return func() { eb.unsubscribeAll(id) }
}

func (eb *EventBus) unsubscribe(eventType EventType, id uint64) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	subs := eb.handlers[eventType]
	for i, s := range subs {
		if s.id == id {
			eb.handlers[eventType] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

func (eb *EventBus) unsubscribeAll(id uint64) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for i, s := range eb.allHandlers {
		if s.id == id {
			eb.allHandlers = append(eb.allHandlers[:i], eb.allHandlers[i+1:]...)
			return
		}
	}
}

// Publish sends an event to all subscribers without blocking the caller.
func (eb *EventBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.metricsMu.Lock()
	eb.metrics.EventsPublished[event.Type]++
	eb.metricsMu.Unlock()

	select {
	case eb.buffer <- event:
	default:
		eb.metricsMu.Lock()
		eb.metrics.EventsDropped++
		eb.metricsMu.Unlock()

		logrus.WithFields(logrus.Fields{
			"event_type": event.Type,
			"session_id": event.SessionID,
		}).Warn("event dropped, buffer full")
	}
}

// processEvents handles event distribution to subscribers
func (eb *EventBus) processEvents() {
	defer eb.wg.Done()

	for {
		select {
		case event := <-eb.buffer:
			eb.deliverEvent(event)

		case <-eb.stopCh:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case event := <-eb.buffer:
					eb.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

// deliverEvent sends an event to all relevant handlers. Handlers run
// inline on the delivery goroutine; a panicking handler is contained and
// logged rather than taking the bus down.
func (eb *EventBus) deliverEvent(event Event) {
	eb.mu.RLock()
	subs := make([]subscription, 0, len(eb.handlers[event.Type])+len(eb.allHandlers))
	subs = append(subs, eb.handlers[event.Type]...)
	subs = append(subs, eb.allHandlers...)
	eb.mu.RUnlock()

	for _, s := range subs {
		eb.callHandler(s.handler, event)
	}
}

func (eb *EventBus) callHandler(h EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"event_type": event.Type,
				"panic":      r,
			}).Error("event handler panic")
		}
	}()

	h(event)

	eb.metricsMu.Lock()
	eb.metrics.EventsDelivered++
	eb.metricsMu.Unlock()
}

// Stop gracefully shuts down the event bus, delivering already-queued
// events first. Publishing after Stop drops events.
func (eb *EventBus) Stop() {
	close(eb.stopCh)
	eb.wg.Wait()
}

// GetMetrics returns a copy of the event bus metrics.
func (eb *EventBus) GetMetrics() EventMetrics {
	eb.metricsMu.Lock()
	defer eb.metricsMu.Unlock()

	metrics := EventMetrics{
		EventsPublished: make(map[EventType]int64),
		EventsDelivered: eb.metrics.EventsDelivered,
		EventsDropped:   eb.metrics.EventsDropped,
	}
	for k, v := range eb.metrics.EventsPublished {
		metrics.EventsPublished[k] = v
	}
	return metrics
}

// Helper functions for common event publishing

// PublishTranscriptionStarted publishes a transcription started event
func (eb *EventBus) PublishTranscriptionStarted(sessionID string, data TranscriptionStartedData) {
	eb.Publish(Event{
		Type:      EventTranscriptionStarted,
		SessionID: sessionID,
		Data:      data,
	})
}

// PublishTranscriptionCompleted publishes a transcription completed event
func (eb *EventBus) PublishTranscriptionCompleted(sessionID string, data TranscriptionCompletedData) {
	eb.Publish(Event{
		Type:      EventTranscriptionCompleted,
		SessionID: sessionID,
		Data:      data,
	})
}

// PublishAudioBuffering publishes an audio buffering event
func (eb *EventBus) PublishAudioBuffering(sessionID string, data AudioBufferingData) {
	eb.Publish(Event{
		Type:      EventAudioBuffering,
		SessionID: sessionID,
		Data:      data,
	})
}

// PublishQueueDepthChanged publishes a queue depth change event
func (eb *EventBus) PublishQueueDepthChanged(data QueueDepthData) {
	eb.Publish(Event{
		Type: EventQueueDepthChanged,
		Data: data,
	})
}

// PublishDeviceChanged publishes a capture device hot-plug event
func (eb *EventBus) PublishDeviceChanged(data DeviceChangedData) {
	eb.Publish(Event{
		Type: EventDeviceChanged,
		Data: data,
	})
}

// PublishDegradedFallback publishes a signal processor fallback event
func (eb *EventBus) PublishDegradedFallback(data DegradedFallbackData) {
	eb.Publish(Event{
		Type: EventDegradedFallback,
		Data: data,
	})
}

// PublishRecoveryMode publishes a signal processor load-gating transition
func (eb *EventBus) PublishRecoveryMode(data RecoveryModeData) {
	eb.Publish(Event{
		Type: EventRecoveryMode,
		Data: data,
	})
}
