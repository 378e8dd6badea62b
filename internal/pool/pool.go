// Package pool implements the tiered buffer pool shared by every stage of
// the capture/processing/storage pipeline. Buffers are bucketed into three
// exact size classes so that hot-path allocation never has to round up or
// split a block, and every checked-out buffer is tracked by id so callers
// can be charged back to the component and channel that hold it.
package pool

import (
	"sync"
	"sync/atomic"

	"github.com/fankserver/audiotranscriber/internal/coreerr"
)

// Tier identifies one of the three fixed buffer size classes.
type Tier int

const (
	Small Tier = iota
	Medium
	Large

	tierCount = 3
)

// Size classes, in bytes. Requesting a tier larger than Large, or a
// zero-sized allocation, is rejected rather than silently rounded.
const (
	SmallSize  = 4096
	MediumSize = 65536
	LargeSize  = 1048576
)

func (t Tier) size() int {
	switch t {
	case Small:
		return SmallSize
	case Medium:
		return MediumSize
	case Large:
		return LargeSize
	default:
		return 0
	}
}

func (t Tier) String() string {
	switch t {
	case Small:
		return "small"
	case Medium:
		return "medium"
	case Large:
		return "large"
	default:
		return "unknown"
	}
}

// Channel identifies which stereo channel a buffer is attributed to, for
// per-channel accounting. ChannelNone is used for buffers not tied to a
// single channel (e.g. interleaved capture frames before separation).
type Channel int

const (
	ChannelLeft Channel = iota
	ChannelRight
	ChannelNone

	channelCount = 3
)

func (c Channel) String() string {
	switch c {
	case ChannelLeft:
		return "left"
	case ChannelRight:
		return "right"
	default:
		return "none"
	}
}

// BufferID uniquely identifies a checked-out buffer, monotonically assigned
// per pool. It is the only handle callers hold; the backing []byte is
// retrieved through Bytes and must not outlive Release.
type BufferID uint64

// Tag identifies the declared owner of a checked-out buffer: a component id
// plus the channel it belongs to. Release must present the same tag the
// buffer was allocated with, or it fails with TagMismatch.
type Tag struct {
	Component string
	Channel   Channel
}

// Config bounds how many buffers of each tier may be simultaneously checked
// out. This is the hard allocation ceiling, not a free-list cache size: an
// Allocate call that would push in_use past Limits[tier] fails with
// ErrExhausted instead of growing unbounded.
type Config struct {
	Limits [tierCount]int
}

// DefaultConfig returns conservative per-tier in-use ceilings sized for a
// single-process, two-channel pipeline.
func DefaultConfig() Config {
	return Config{
		Limits: [tierCount]int{
			Small:  256,
			Medium: 64,
			Large:  8,
		},
	}
}

var (
	// ErrExhausted is returned by Allocate when in_use already equals the
	// tier's configured limit. Not fatal: callers degrade instead.
	ErrExhausted = coreerr.Sentinel(coreerr.KindResourceExhausted)
	// ErrUnknownID is returned by Release for a buffer id the pool never
	// issued or that was already released.
	ErrUnknownID = coreerr.Sentinel(coreerr.KindDoubleRelease)
	// ErrTagMismatch is returned by Release when the presented tag does not
	// match the tag recorded at allocation time.
	ErrTagMismatch = coreerr.Sentinel(coreerr.KindTagMismatch)
	// ErrRefused is returned by Reconfigure when a requested limit would be
	// lower than the tier's current in-use count.
	ErrRefused = coreerr.New("pool.reconfigure", coreerr.KindInvalidTransition, "pool", "refused: limit below current in_use")
)

type entry struct {
	buf     []byte
	tier    Tier
	tag     Tag
	checked bool
}

type tierState struct {
	mu    sync.Mutex
	free  []BufferID // free list, LIFO, cache-friendly reuse
	limit int

	allocated int64 // total buffers ever created for this tier
	inUse     int64
	peakInUse int64
}

// Pool is a tiered, channel-aware buffer pool. It is safe for concurrent
// use; each tier has its own lock for its free list and counters, while the
// id-to-buffer map shared by all tiers sits behind one further lock.
// The pool never zeroes buffer contents on reuse: a buffer's previous
// owner's bytes may still be present, and it is the caller's responsibility
// to treat that as sensitive if it matters for their use case.
type Pool struct {
	tiers [tierCount]*tierState

	entriesMu sync.Mutex
	entries   map[BufferID]*entry
	nextID    uint64

	perChan [channelCount][tierCount]int64 // atomic-accessed in-use counts
}

// New creates a Pool with the given configuration.
func New(cfg Config) *Pool {
	p := &Pool{entries: make(map[BufferID]*entry)}
	for t := 0; t < tierCount; t++ {
		p.tiers[t] = &tierState{limit: cfg.Limits[t]}
	}
	return p
}

// Allocate checks out a buffer of exactly tier's size, tagged to owner.
// It never blocks: if the tier is at its configured limit it returns
// ErrExhausted immediately so the caller can invoke a degraded path.
func (p *Pool) Allocate(tier Tier, tag Tag) (BufferID, error) {
	if tier < Small || tier > Large {
		return 0, coreerr.New("pool.allocate", coreerr.KindResourceExhausted, "pool", "invalid tier")
	}

	ts := p.tiers[tier]
	ts.mu.Lock()

	var buf []byte
	var id BufferID
	var reuse bool

	if int(ts.inUse) >= ts.limit {
		ts.mu.Unlock()
		return 0, coreerr.New("pool.allocate", coreerr.KindResourceExhausted, "pool",
			"tier "+tier.String()+" at limit")
	}
	if n := len(ts.free); n > 0 {
		id = ts.free[n-1]
		ts.free = ts.free[:n-1]
		reuse = true
	} else {
		buf = make([]byte, tier.size())
		atomic.AddInt64(&ts.allocated, 1)
	}

	inUse := atomic.AddInt64(&ts.inUse, 1)
	for {
		peak := atomic.LoadInt64(&ts.peakInUse)
		if inUse <= peak || atomic.CompareAndSwapInt64(&ts.peakInUse, peak, inUse) {
			break
		}
	}
	ts.mu.Unlock()

	p.entriesMu.Lock()
	if reuse {
		e := p.entries[id]
		e.tag = tag
		e.checked = true
	} else {
		p.nextID++
		id = BufferID(p.nextID)
		p.entries[id] = &entry{buf: buf, tier: tier, tag: tag, checked: true}
	}
	p.entriesMu.Unlock()

	if tag.Channel >= 0 && int(tag.Channel) < channelCount {
		atomic.AddInt64(&p.perChan[tag.Channel][tier], 1)
	}

	return id, nil
}

// Bytes returns the backing buffer for a checked-out id, sliced to zero
// length (callers grow it with append or by reslicing up to cap).
func (p *Pool) Bytes(id BufferID) ([]byte, bool) {
	p.entriesMu.Lock()
	defer p.entriesMu.Unlock()
	e, ok := p.entries[id]
	if !ok || !e.checked {
		return nil, false
	}
	return e.buf[:0], true
}

// Release returns a checked-out buffer to its tier's free list. expectedTag
// must match the tag Allocate recorded; a mismatch leaves the buffer
// accounted as in_use (it is not double-released into the free list) and
// returns ErrTagMismatch. An unknown or already-released id returns
// ErrUnknownID.
func (p *Pool) Release(id BufferID, expectedTag Tag) error {
	p.entriesMu.Lock()
	e, ok := p.entries[id]
	if !ok || !e.checked {
		p.entriesMu.Unlock()
		return ErrUnknownID
	}
	if e.tag != expectedTag {
		p.entriesMu.Unlock()
		return ErrTagMismatch
	}
	e.checked = false
	tier, tag := e.tier, e.tag
	p.entriesMu.Unlock()

	ts := p.tiers[tier]
	atomic.AddInt64(&ts.inUse, -1)
	ts.mu.Lock()
	ts.free = append(ts.free, id)
	ts.mu.Unlock()

	if tag.Channel >= 0 && int(tag.Channel) < channelCount {
		atomic.AddInt64(&p.perChan[tag.Channel][tier], -1)
	}
	return nil
}

// Stats is a point-in-time snapshot of pool utilization for one tier.
type Stats struct {
	Tier      Tier
	Allocated int64
	InUse     int64
	PeakInUse int64
	FreeCount int
	Limit     int
}

// Snapshot returns per-tier utilization stats.
func (p *Pool) Snapshot() [tierCount]Stats {
	var out [tierCount]Stats
	for t := 0; t < tierCount; t++ {
		ts := p.tiers[t]
		ts.mu.Lock()
		free := len(ts.free)
		limit := ts.limit
		ts.mu.Unlock()
		out[t] = Stats{
			Tier:      Tier(t),
			Allocated: atomic.LoadInt64(&ts.allocated),
			InUse:     atomic.LoadInt64(&ts.inUse),
			PeakInUse: atomic.LoadInt64(&ts.peakInUse),
			FreeCount: free,
			Limit:     limit,
		}
	}
	return out
}

// ChannelStats reports per-channel, per-tier in-use counts.
func (p *Pool) ChannelStats(ch Channel) [tierCount]int64 {
	var out [tierCount]int64
	if ch < 0 || int(ch) >= channelCount {
		return out
	}
	for t := 0; t < tierCount; t++ {
		out[t] = atomic.LoadInt64(&p.perChan[ch][t])
	}
	return out
}

// Reconfigure adjusts the in-use limit for each tier. A request that would
// set a tier's limit below its current in_use count is refused wholesale
// (no partial application) so counters never observe a limit they already
// violate.
func (p *Pool) Reconfigure(cfg Config) error {
	for t := 0; t < tierCount; t++ {
		ts := p.tiers[t]
		if int64(cfg.Limits[t]) < atomic.LoadInt64(&ts.inUse) {
			return ErrRefused
		}
	}
	for t := 0; t < tierCount; t++ {
		ts := p.tiers[t]
		ts.mu.Lock()
		ts.limit = cfg.Limits[t]
		ts.mu.Unlock()
	}
	return nil
}
