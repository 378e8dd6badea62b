package main

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/fankserver/audiotranscriber/internal/capture"
)

// syntheticSource is a capture.Source producing an endless interleaved
// stereo sine pair (440Hz left, 554Hz right) at the pipeline's frame pace.
// It lets `run --mock-capture` exercise the whole pipeline on hosts with
// no loopback device, e.g. CI machines.
type syntheticSource struct {
	frameSamples int
	sampleRate   float64
	phase        int

	mu     sync.Mutex
	closed bool
	events chan capture.DeviceEvent
}

func newSyntheticSource(frameSamples int) *syntheticSource {
	if frameSamples <= 0 {
		frameSamples = 480
	}
	return &syntheticSource{
		frameSamples: frameSamples,
		sampleRate:   16000,
		events:       make(chan capture.DeviceEvent, 1),
	}
}

func (s *syntheticSource) ReadFrame(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, capture.ErrEOS
	}
	start := s.phase
	s.phase += s.frameSamples
	s.mu.Unlock()

	// Pace frames at real time so downstream load measurements are
	// meaningful.
	frameDur := time.Duration(float64(s.frameSamples) / s.sampleRate * float64(time.Second))
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(frameDur):
	}

	out := make([]byte, s.frameSamples*4)
	for i := 0; i < s.frameSamples; i++ {
		t := float64(start+i) / s.sampleRate
		left := int16(0.5 * 32767 * math.Sin(2*math.Pi*440*t))
		right := int16(0.5 * 32767 * math.Sin(2*math.Pi*554*t))
		out[i*4] = byte(uint16(left))
		out[i*4+1] = byte(uint16(left) >> 8)
		out[i*4+2] = byte(uint16(right))
		out[i*4+3] = byte(uint16(right) >> 8)
	}
	return out, nil
}

func (s *syntheticSource) Events() <-chan capture.DeviceEvent { return s.events }

func (s *syntheticSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}
