package monitor

import "time"

// ChannelState is the per-channel slice of MonitoringState: the same shape,
// scoped to one stereo channel.
type ChannelState struct {
	ErrorCount       int64
	RecoveryAttempts int64
	StreamHealth     bool
	LastHealthCheck  time.Time
}

// State is the shared process-wide state the Monitoring Coordinator owns.
// The scalar fields are read and written only under the state lock (rank 0)
// and Channels only under the metrics lock (rank 1); callers outside this
// package only ever see a StateSnapshot copy.
type State struct {
	CPUUsage    float64
	MemoryUsage float64
	DiskUsage   float64
	Temperature *float64 // nil when the host exposes no sensor

	StreamHealth      bool
	ErrorCount        int64
	RecoveryAttempts  int64
	LastHealthCheckTS time.Time
	ShutdownRequested bool

	Channels map[string]*ChannelState // keyed by "left"/"right"
}

func newState() *State {
	return &State{
		StreamHealth: true,
		Channels: map[string]*ChannelState{
			"left":  {StreamHealth: true},
			"right": {StreamHealth: true},
		},
	}
}

// StateSnapshot is an immutable, cheaply cloned copy of State returned by
// GetState. It never aliases the live maps: callers can hold it as long as
// they like without blocking writers.
type StateSnapshot struct {
	CPUUsage    float64
	MemoryUsage float64
	DiskUsage   float64
	Temperature *float64

	StreamHealth      bool
	ErrorCount        int64
	RecoveryAttempts  int64
	LastHealthCheckTS time.Time
	ShutdownRequested bool

	Channels map[string]ChannelState
}

func (s *State) snapshot() StateSnapshot {
	var temp *float64
	if s.Temperature != nil {
		t := *s.Temperature
		temp = &t
	}
	chans := make(map[string]ChannelState, len(s.Channels))
	for k, v := range s.Channels {
		chans[k] = *v
	}
	return StateSnapshot{
		CPUUsage:          s.CPUUsage,
		MemoryUsage:       s.MemoryUsage,
		DiskUsage:         s.DiskUsage,
		Temperature:       temp,
		StreamHealth:      s.StreamHealth,
		ErrorCount:        s.ErrorCount,
		RecoveryAttempts:  s.RecoveryAttempts,
		LastHealthCheckTS: s.LastHealthCheckTS,
		ShutdownRequested: s.ShutdownRequested,
		Channels:          chans,
	}
}

// StatePatch carries explicit, typed field updates for UpdateMetrics. This
// replaces the source's dynamic update_state(**kwargs): every field a
// caller might set is named here instead of accepted as a free-form map.
type StatePatch struct {
	CPUUsage    *float64
	MemoryUsage *float64
	DiskUsage   *float64
	Temperature *float64
}

func (s *State) apply(p StatePatch) {
	if p.CPUUsage != nil {
		s.CPUUsage = *p.CPUUsage
	}
	if p.MemoryUsage != nil {
		s.MemoryUsage = *p.MemoryUsage
	}
	if p.DiskUsage != nil {
		s.DiskUsage = *p.DiskUsage
	}
	if p.Temperature != nil {
		t := *p.Temperature
		s.Temperature = &t
	}
}

// ChannelPatch carries explicit per-channel field updates.
type ChannelPatch struct {
	StreamHealth     *bool
	ErrorCount       *int64 // delta, added to the current count
	RecoveryAttempts *int64 // delta
}
