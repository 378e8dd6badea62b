package feedback

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// collector gathers delivered events for assertions.
type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) handle(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestSubscribeReceivesMatchingEvents(t *testing.T) {
	bus := NewEventBus(16)
	defer bus.Stop()

	col := &collector{}
	bus.Subscribe(EventRecoveryMode, col.handle)

	bus.PublishRecoveryMode(RecoveryModeData{Entered: true, LoadEMA: 0.9})
	bus.PublishDegradedFallback(DegradedFallbackData{ChannelID: 0, Reason: "pool exhausted"})

	require.Eventually(t, func() bool { return col.count() == 1 }, time.Second, 5*time.Millisecond)

	col.mu.Lock()
	defer col.mu.Unlock()
	assert.Equal(t, EventRecoveryMode, col.events[0].Type)
	data, ok := col.events[0].Data.(RecoveryModeData)
	require.True(t, ok)
	assert.True(t, data.Entered)
}

func TestSubscribeAllReceivesEverything(t *testing.T) {
	bus := NewEventBus(16)
	defer bus.Stop()

	col := &collector{}
	bus.SubscribeAll(col.handle)

	bus.PublishRecoveryMode(RecoveryModeData{Entered: true})
	bus.PublishDeviceChanged(DeviceChangedData{Action: "removed", DeviceID: "dev-1"})

	require.Eventually(t, func() bool { return col.count() == 2 }, time.Second, 5*time.Millisecond)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewEventBus(16)
	defer bus.Stop()

	col := &collector{}
	unsub := bus.Subscribe(EventRecoveryMode, col.handle)

	bus.PublishRecoveryMode(RecoveryModeData{Entered: true})
	require.Eventually(t, func() bool { return col.count() == 1 }, time.Second, 5*time.Millisecond)

	unsub()
	bus.PublishRecoveryMode(RecoveryModeData{Entered: false})

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, col.count())
}

func TestPanickingHandlerIsContained(t *testing.T) {
	bus := NewEventBus(16)
	defer bus.Stop()

	col := &collector{}
	bus.Subscribe(EventRecoveryMode, func(Event) { panic("handler bug") })
	bus.Subscribe(EventRecoveryMode, col.handle)

	bus.PublishRecoveryMode(RecoveryModeData{Entered: true})

	require.Eventually(t, func() bool { return col.count() == 1 }, time.Second, 5*time.Millisecond,
		"a panicking handler must not block delivery to others")
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	bus := NewEventBus(1)

	// Block the delivery goroutine so the buffer backs up.
	gate := make(chan struct{})
	bus.Subscribe(EventRecoveryMode, func(Event) { <-gate })

	for i := 0; i < 10; i++ {
		bus.PublishRecoveryMode(RecoveryModeData{Entered: true})
	}

	metrics := bus.GetMetrics()
	assert.Greater(t, metrics.EventsDropped, int64(0))

	close(gate)
	bus.Stop()
}

func TestMetricsCountPublishesPerType(t *testing.T) {
	bus := NewEventBus(16)
	defer bus.Stop()

	bus.PublishRecoveryMode(RecoveryModeData{})
	bus.PublishRecoveryMode(RecoveryModeData{})
	bus.PublishDegradedFallback(DegradedFallbackData{})

	metrics := bus.GetMetrics()
	assert.Equal(t, int64(2), metrics.EventsPublished[EventRecoveryMode])
	assert.Equal(t, int64(1), metrics.EventsPublished[EventDegradedFallback])
}
