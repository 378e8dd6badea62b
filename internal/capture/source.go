// Package capture defines the pull-mode audio source contract the pipeline
// captures stereo frames through, and provides a loopback-device
// implementation built on malgo plus a deterministic mock for tests.
package capture

import (
	"context"

	"github.com/fankserver/audiotranscriber/internal/coreerr"
)

// Source is a pull-mode stereo frame supplier. ReadFrame blocks until a
// full interleaved frame is available, the context is cancelled, or the
// stream ends; errors are ErrEOS once the stream is exhausted and
// ErrDeviceLost when the underlying device disappears mid-capture.
type Source interface {
	// ReadFrame returns the next interleaved 16-bit LE stereo frame.
	ReadFrame(ctx context.Context) ([]byte, error)

	// Events delivers device hot-plug notifications. The channel is closed
	// when the source is closed.
	Events() <-chan DeviceEvent

	// Close stops capture and releases device handles. Safe to call more
	// than once.
	Close() error
}

// DeviceAction is a hot-plug event's direction.
type DeviceAction string

const (
	DeviceAdded   DeviceAction = "added"
	DeviceRemoved DeviceAction = "removed"
)

// DeviceEvent is one hot-plug notification.
type DeviceEvent struct {
	Action   DeviceAction
	DeviceID string
}

var (
	// ErrEOS is returned by ReadFrame once the stream has no more frames.
	ErrEOS = coreerr.Sentinel(coreerr.KindStreamLost)
	// ErrDeviceLost is returned when the capture device disappears; the
	// caller is expected to trigger recovery rather than crash.
	ErrDeviceLost = coreerr.Sentinel(coreerr.KindDeviceRemoved)
)
