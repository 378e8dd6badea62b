// Package pipeline moves processed speech segments from the signal
// processor to the transcription backend: one ordered queue per stereo
// channel, drained by a shared worker pool.
package pipeline

import (
	"errors"
	"time"
)

var (
	// ErrQueueFull is returned when a segment's channel queue is at
	// capacity or no further channels may be opened.
	ErrQueueFull = errors.New("channel queue is full")

	// ErrDispatcherStopped is returned when the dispatcher has been stopped.
	ErrDispatcherStopped = errors.New("dispatcher has been stopped")
)

// SpeechSegment is a span of processed audio handed off to a transcription
// worker, along with the channel it was captured from and the context
// needed to stitch it to adjacent segments. Audio is an owned copy: the
// pool buffer it came from may be released the moment the segment is
// dispatched.
type SpeechSegment struct {
	ID          string
	ChannelID   int // 0 = left, 1 = right
	Audio       []byte
	Duration    time.Duration
	Context     string
	Priority    int
	Reason      string
	SubmittedAt time.Time

	OnStart    func()
	OnComplete func(final string)
	OnError    func(error)
}
