package buffermgr

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/fankserver/audiotranscriber/internal/pool"
	"github.com/fankserver/audiotranscriber/internal/rollingstat"
)

// boundedQueue is a FIFO of Element with a runtime-adjustable capacity.
// Capacity is tracked as a logical limit rather than a fixed Go channel
// buffer size specifically so Optimize can resize it without recreating
// (and potentially stranding in-flight sends on) a channel.
type boundedQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	items    []Element
	capacity int
	closing  bool

	preferredTier pool.Tier
	overflow      int64
	processed     int64
	latencyNS     *rollingstat.Window
}

func newBoundedQueue(capacity int) *boundedQueue {
	q := &boundedQueue{
		capacity:      capacity,
		preferredTier: pool.Medium,
		latencyNS:     rollingstat.New(rollingstat.DefaultCapacity),
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// waitTimeout waits on cond for at most remaining, using a timer-driven
// Broadcast since sync.Cond has no native timeout. Safe to call with the
// queue's mutex held, which Wait requires.
func (q *boundedQueue) waitTimeout(cond *sync.Cond, remaining time.Duration) {
	timer := time.AfterFunc(remaining, func() {
		q.mu.Lock()
		cond.Broadcast()
		q.mu.Unlock()
	})
	cond.Wait()
	timer.Stop()
}

func (q *boundedQueue) put(e Element, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closing {
		return ErrClosed
	}

	for len(q.items) >= q.capacity {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			atomic.AddInt64(&q.overflow, 1)
			return ErrFull
		}
		if q.closing {
			return ErrClosed
		}
		q.waitTimeout(q.notFull, remaining)
		if q.closing {
			return ErrClosed
		}
	}

	q.items = append(q.items, e)
	q.notEmpty.Signal()
	return nil
}

func (q *boundedQueue) get(timeout time.Duration) (Element, error) {
	deadline := time.Now().Add(timeout)

	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 {
		if q.closing {
			return Element{}, ErrClosed
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Element{}, ErrEmpty
		}
		q.waitTimeout(q.notEmpty, remaining)
	}

	e := q.items[0]
	q.items = q.items[1:]
	q.notFull.Signal()

	atomic.AddInt64(&q.processed, 1)
	q.latencyNS.Add(float64(time.Since(e.EnqueueTS).Nanoseconds()))

	return e, nil
}

func (q *boundedQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *boundedQueue) markClosing() {
	q.mu.Lock()
	q.closing = true
	q.mu.Unlock()
	q.notFull.Broadcast()
	q.notEmpty.Broadcast()
}

// adjustTier moves preferredTier by one step (clamped to [Small, Large]).
// It is the Optimize rule's mechanism: grow toward Large under CPU
// pressure (fewer, larger transfers), shrink toward Small under memory
// pressure, never overshooting the tier bounds.
func (q *boundedQueue) adjustTier(delta int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	next := q.preferredTier + pool.Tier(delta)
	if next < pool.Small {
		next = pool.Small
	}
	if next > pool.Large {
		next = pool.Large
	}
	q.preferredTier = next
}

func (q *boundedQueue) stats(stage Stage, ch pool.Channel) QueueStats {
	q.mu.Lock()
	size := len(q.items)
	capacity := q.capacity
	tier := q.preferredTier
	q.mu.Unlock()

	return QueueStats{
		Stage:         stage,
		Channel:       ch,
		Size:          size,
		Capacity:      capacity,
		MeanLatency:   time.Duration(q.latencyNS.Mean()),
		OverflowCount: atomic.LoadInt64(&q.overflow),
		Processed:     atomic.LoadInt64(&q.processed),
		PreferredTier: tier,
	}
}
