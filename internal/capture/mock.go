package capture

import (
	"context"
	"sync"
)

// MockSource is a deterministic Source for tests: it serves a fixed list
// of frames in order, then ErrEOS. SimulateDeviceLoss flips subsequent
// reads to ErrDeviceLost and emits a removal event, mirroring what the
// malgo source does when the OS tears the device down.
type MockSource struct {
	mu     sync.Mutex
	frames [][]byte
	next   int
	lost   bool
	closed bool

	events chan DeviceEvent
}

// NewMockSource returns a source that will serve frames in order.
func NewMockSource(frames ...[]byte) *MockSource {
	return &MockSource{
		frames: frames,
		events: make(chan DeviceEvent, 8),
	}
}

func (m *MockSource) ReadFrame(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lost {
		return nil, ErrDeviceLost
	}
	if m.closed || m.next >= len(m.frames) {
		return nil, ErrEOS
	}

	frame := m.frames[m.next]
	m.next++
	return frame, nil
}

func (m *MockSource) Events() <-chan DeviceEvent { return m.events }

// SimulateDeviceLoss makes every subsequent ReadFrame fail with
// ErrDeviceLost and emits a removal event.
func (m *MockSource) SimulateDeviceLoss(deviceID string) {
	m.mu.Lock()
	m.lost = true
	m.mu.Unlock()

	select {
	case m.events <- DeviceEvent{Action: DeviceRemoved, DeviceID: deviceID}:
	default:
	}
}

func (m *MockSource) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.events)
	}
	return nil
}
