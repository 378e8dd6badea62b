package capture

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"

	"github.com/fankserver/audiotranscriber/internal/coreerr"
)

// Config configures a MalgoSource.
type Config struct {
	// DeviceName selects the capture device by substring match; empty or
	// "default" uses the system default. Loopback/"stereo mix" style
	// devices are what this pipeline expects, but any capture device works.
	DeviceName string

	SampleRate uint32
	Channels   uint8

	// FrameSamples is how many samples per channel one ReadFrame returns.
	FrameSamples int

	// RingCapacity bounds the staging buffer between the device callback
	// and ReadFrame. When full, the oldest audio is overwritten: capture
	// never blocks the OS callback.
	RingCapacity int
}

// DefaultConfig returns capture defaults matching the rest of the
// pipeline: 16kHz stereo, 30ms frames.
func DefaultConfig() Config {
	return Config{
		SampleRate:   16000,
		Channels:     2,
		FrameSamples: 480,
		RingCapacity: 1 << 20,
	}
}

// MalgoSource is a Source backed by a malgo (miniaudio) capture device.
// The device callback stages raw PCM into a ring buffer; ReadFrame slices
// fixed-size interleaved frames back out. The ring decouples the OS audio
// thread from the pipeline's pace.
type MalgoSource struct {
	cfg    Config
	logger *logrus.Entry

	ctx    *malgo.AllocatedContext
	device *malgo.Device

	ringMu sync.Mutex
	ring   *ringbuffer.RingBuffer
	dataCh chan struct{} // signalled (non-blocking) on every callback write

	events chan DeviceEvent

	running   atomic.Bool
	lost      atomic.Bool
	closeOnce sync.Once

	deviceID string
}

// NewMalgoSource builds a source from cfg, defaulting zero fields.
func NewMalgoSource(cfg Config) *MalgoSource {
	d := DefaultConfig()
	if cfg.SampleRate == 0 {
		cfg.SampleRate = d.SampleRate
	}
	if cfg.Channels == 0 {
		cfg.Channels = d.Channels
	}
	if cfg.FrameSamples == 0 {
		cfg.FrameSamples = d.FrameSamples
	}
	if cfg.RingCapacity == 0 {
		cfg.RingCapacity = d.RingCapacity
	}

	return &MalgoSource{
		cfg:    cfg,
		logger: logrus.WithField("component", "capture"),
		ring:   ringbuffer.New(cfg.RingCapacity),
		dataCh: make(chan struct{}, 1),
		events: make(chan DeviceEvent, 8),
	}
}

// Start initializes the backend context and capture device and begins
// staging audio. An "added" event is emitted once the device is live.
func (s *MalgoSource) Start() error {
	if s.running.Load() {
		return nil
	}

	mctx, err := malgo.InitContext([]malgo.Backend{s.backend()}, malgo.ContextConfig{}, nil)
	if err != nil {
		return coreerr.Wrap("capture.start", coreerr.KindStreamLost, "capture", err)
	}
	s.ctx = mctx

	info, err := s.findDevice()
	if err != nil {
		_ = mctx.Uninit()
		return err
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(s.cfg.Channels)
	deviceConfig.SampleRate = s.cfg.SampleRate
	deviceConfig.Alsa.NoMMap = 1
	if info != nil {
		deviceConfig.Capture.DeviceID = info.ID.Pointer()
		s.deviceID = info.ID.String()
	}

	callbacks := malgo.DeviceCallbacks{
		Data: s.onAudioData,
		Stop: s.onDeviceStop,
	}

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, callbacks)
	if err != nil {
		_ = mctx.Uninit()
		return coreerr.Wrap("capture.start", coreerr.KindStreamLost, "capture", err)
	}
	s.device = device

	if err := device.Start(); err != nil {
		device.Uninit()
		_ = mctx.Uninit()
		return coreerr.Wrap("capture.start", coreerr.KindStreamLost, "capture", err)
	}

	s.running.Store(true)
	s.emit(DeviceEvent{Action: DeviceAdded, DeviceID: s.deviceID})

	s.logger.WithFields(logrus.Fields{
		"device":      s.deviceID,
		"sample_rate": s.cfg.SampleRate,
		"channels":    s.cfg.Channels,
	}).Info("capture device started")

	return nil
}

// onAudioData runs on the OS audio thread: stage the samples and wake any
// blocked ReadFrame. When the ring is full the oldest audio is discarded
// to make room; the callback must never block.
func (s *MalgoSource) onAudioData(_, samples []byte, _ uint32) {
	s.ringMu.Lock()
	if s.ring.Free() < len(samples) {
		discard := make([]byte, len(samples)-s.ring.Free())
		_, _ = s.ring.Read(discard)
	}
	_, _ = s.ring.Write(samples)
	s.ringMu.Unlock()

	select {
	case s.dataCh <- struct{}{}:
	default:
	}
}

// onDeviceStop fires when the device stops outside our control (unplugged,
// backend torn down). Mark the stream lost and emit a removal event so the
// pipeline's recovery path can react.
func (s *MalgoSource) onDeviceStop() {
	if !s.running.Load() {
		return
	}
	s.lost.Store(true)
	s.emit(DeviceEvent{Action: DeviceRemoved, DeviceID: s.deviceID})
	select {
	case s.dataCh <- struct{}{}:
	default:
	}
	s.logger.WithField("device", s.deviceID).Warn("capture device stopped unexpectedly")
}

// ReadFrame blocks until a full interleaved frame is staged, then returns
// an owned copy of it.
func (s *MalgoSource) ReadFrame(ctx context.Context) ([]byte, error) {
	frameBytes := s.cfg.FrameSamples * int(s.cfg.Channels) * 2

	for {
		if s.lost.Load() {
			return nil, ErrDeviceLost
		}
		if !s.running.Load() {
			return nil, ErrEOS
		}

		s.ringMu.Lock()
		if s.ring.Length() >= frameBytes {
			out := make([]byte, frameBytes)
			_, err := s.ring.Read(out)
			s.ringMu.Unlock()
			if err != nil {
				return nil, coreerr.Wrap("capture.read_frame", coreerr.KindStreamLost, "capture", err)
			}
			return out, nil
		}
		s.ringMu.Unlock()

		select {
		case <-ctx.Done():
			return nil, coreerr.Wrap("capture.read_frame", coreerr.KindShutdown, "capture", ctx.Err())
		case <-s.dataCh:
		case <-time.After(100 * time.Millisecond):
			// Periodic re-check so a silent device doesn't pin the caller.
		}
	}
}

// Events returns the hot-plug notification channel.
func (s *MalgoSource) Events() <-chan DeviceEvent { return s.events }

// Close stops the device and releases the backend context.
func (s *MalgoSource) Close() error {
	s.closeOnce.Do(func() {
		s.running.Store(false)

		if s.device != nil {
			_ = s.device.Stop()
			s.device.Uninit()
			s.device = nil
		}
		if s.ctx != nil {
			_ = s.ctx.Uninit()
			s.ctx = nil
		}
		close(s.events)

		select {
		case s.dataCh <- struct{}{}:
		default:
		}

		s.logger.Info("capture device closed")
	})
	return nil
}

func (s *MalgoSource) emit(ev DeviceEvent) {
	select {
	case s.events <- ev:
	default:
		s.logger.WithField("action", ev.Action).Warn("device event dropped, channel full")
	}
}

func (s *MalgoSource) backend() malgo.Backend {
	switch runtime.GOOS {
	case "linux":
		return malgo.BackendAlsa
	case "windows":
		return malgo.BackendWasapi
	case "darwin":
		return malgo.BackendCoreaudio
	default:
		return malgo.BackendNull
	}
}

// findDevice picks the configured device by name substring, or the system
// default capture device when no name is configured.
func (s *MalgoSource) findDevice() (*malgo.DeviceInfo, error) {
	devices, err := s.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, coreerr.Wrap("capture.find_device", coreerr.KindStreamLost, "capture", err)
	}
	if len(devices) == 0 {
		return nil, coreerr.New("capture.find_device", coreerr.KindDeviceRemoved, "capture", "no capture devices available")
	}

	if s.cfg.DeviceName == "" || s.cfg.DeviceName == "default" {
		for i := range devices {
			if devices[i].IsDefault == 1 {
				return &devices[i], nil
			}
		}
		return &devices[0], nil
	}

	want := strings.ToLower(s.cfg.DeviceName)
	for i := range devices {
		if strings.Contains(strings.ToLower(devices[i].Name()), want) {
			return &devices[i], nil
		}
	}
	return nil, coreerr.New("capture.find_device", coreerr.KindDeviceRemoved, "capture",
		"no capture device matching "+s.cfg.DeviceName)
}
