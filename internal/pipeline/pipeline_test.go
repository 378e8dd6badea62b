package pipeline

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/fankserver/audiotranscriber/internal/transcribe"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestDispatcherSubmitAndProcess(t *testing.T) {
	cfg := DefaultChannelDispatcherConfig()
	cfg.WorkerCount = 1
	d := NewChannelDispatcher(transcribe.NewMockClient(), cfg)
	defer d.Stop()

	done := make(chan string, 1)
	err := d.DispatchSegment(&SpeechSegment{
		ChannelID:   0,
		Audio:       []byte{1, 2, 3},
		SubmittedAt: time.Now(),
		OnComplete:  func(text string) { done <- text },
	})
	require.NoError(t, err)

	select {
	case text := <-done:
		assert.Equal(t, "mock transcription", text)
	case <-time.After(5 * time.Second):
		t.Fatal("segment was never transcribed")
	}

	metrics := d.GetMetrics()
	assert.Equal(t, int64(1), metrics.SegmentsDispatched)
}

func TestDispatcherAssignsSegmentIDs(t *testing.T) {
	cfg := DefaultChannelDispatcherConfig()
	cfg.WorkerCount = 1
	d := NewChannelDispatcher(transcribe.NewMockClient(), cfg)
	defer d.Stop()

	seg := &SpeechSegment{Audio: []byte{1}, SubmittedAt: time.Now()}
	require.NoError(t, d.DispatchSegment(seg))
	assert.NotEmpty(t, seg.ID)
}

func TestDispatcherRejectsAfterStop(t *testing.T) {
	cfg := DefaultChannelDispatcherConfig()
	cfg.WorkerCount = 1
	d := NewChannelDispatcher(transcribe.NewMockClient(), cfg)
	d.Stop()

	err := d.DispatchSegment(&SpeechSegment{Audio: []byte{1}, SubmittedAt: time.Now()})
	assert.ErrorIs(t, err, ErrDispatcherStopped)
}

func TestDispatcherProcessesSegmentsPerChannel(t *testing.T) {
	cfg := DefaultChannelDispatcherConfig()
	cfg.WorkerCount = 2
	d := NewChannelDispatcher(transcribe.NewMockClient(), cfg)
	defer d.Stop()

	var mu sync.Mutex
	completed := map[int][]string{}
	var wg sync.WaitGroup

	submit := func(channel int, id string) {
		wg.Add(1)
		err := d.DispatchSegment(&SpeechSegment{
			ID:          id,
			ChannelID:   channel,
			Audio:       []byte{1},
			SubmittedAt: time.Now(),
			OnComplete: func(string) {
				mu.Lock()
				completed[channel] = append(completed[channel], id)
				mu.Unlock()
				wg.Done()
			},
		})
		require.NoError(t, err)
	}

	for i := 0; i < 3; i++ {
		submit(0, "left-"+string(rune('a'+i)))
		submit(1, "right-"+string(rune('a'+i)))
	}

	waitDone := make(chan struct{})
	go func() { wg.Wait(); close(waitDone) }()
	select {
	case <-waitDone:
	case <-time.After(5 * time.Second):
		t.Fatal("segments were never completed")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"left-a", "left-b", "left-c"}, completed[0], "per-channel order must match submission order")
	assert.Equal(t, []string{"right-a", "right-b", "right-c"}, completed[1])
}

func TestDispatcherDropsWhenChannelQueueFull(t *testing.T) {
	cfg := DefaultChannelDispatcherConfig()
	cfg.WorkerCount = 1
	cfg.MaxQueueSize = 1

	// A transcriber that blocks keeps the single worker busy so the queue
	// backs up immediately.
	blocker := transcribe.NewMockClient()
	gate := make(chan struct{})
	blockingDone := make(chan struct{}, 16)

	d := NewChannelDispatcher(blocker, cfg)
	defer d.Stop()

	first := &SpeechSegment{ChannelID: 0, Audio: []byte{1}, SubmittedAt: time.Now(),
		OnStart:    func() { <-gate },
		OnComplete: func(string) { blockingDone <- struct{}{} }}
	require.NoError(t, d.DispatchSegment(first))

	// Give the worker time to pick up the first segment, then fill the
	// queue and overflow it.
	time.Sleep(50 * time.Millisecond)
	_ = d.DispatchSegment(&SpeechSegment{ChannelID: 0, Audio: []byte{2}, SubmittedAt: time.Now()})
	err := d.DispatchSegment(&SpeechSegment{ChannelID: 0, Audio: []byte{3}, SubmittedAt: time.Now()})
	assert.ErrorIs(t, err, ErrQueueFull)

	close(gate)
	metrics := d.GetMetrics()
	assert.GreaterOrEqual(t, metrics.SegmentsDropped, int64(1))
}

func TestDispatcherRespectsMaxActiveChannels(t *testing.T) {
	cfg := DefaultChannelDispatcherConfig()
	cfg.WorkerCount = 1
	cfg.MaxActiveChannels = 1
	d := NewChannelDispatcher(transcribe.NewMockClient(), cfg)
	defer d.Stop()

	require.NoError(t, d.DispatchSegment(&SpeechSegment{ChannelID: 0, Audio: []byte{1}, SubmittedAt: time.Now()}))
	err := d.DispatchSegment(&SpeechSegment{ChannelID: 1, Audio: []byte{1}, SubmittedAt: time.Now()})
	assert.ErrorIs(t, err, ErrQueueFull)
}
