// Package channel implements the buffered event queue backing one
// Megaphone channel: a bounded FIFO with force-write eviction on the
// write side and an exclusive drain lease on the read side.
package channel

import (
	"sync"
	"time"

	"github.com/d71dev/megaphone/pkg/apperrors"
	"github.com/d71dev/megaphone/pkg/metrics"
	"github.com/d71dev/megaphone/pkg/types"
)

const (
	// Capacity is the fixed size of a channel's event FIFO.
	Capacity = 100
	// MaxEventAge bounds how long a survivor of a force-write eviction
	// may remain in the buffer.
	MaxEventAge = 60 * time.Second
	// WriteDeadline bounds a blocking write to a non-distributed agent's
	// channel.
	WriteDeadline = 10 * time.Second
)

// BufferedChannel owns a bounded FIFO of events, an owning full-ID, and
// the two timestamps (created, last_read) the broker's sweeper inspects.
type BufferedChannel struct {
	FullID    string
	CreatedTS time.Time

	mu     sync.Mutex
	cond   *sync.Cond
	events []types.Event
	closed bool

	// rxMu and tsMu are held independently so a drain lease acquisition
	// can confirm both are free without serializing on lastRead updates
	// for the whole lease duration.
	rxMu sync.Mutex
	tsMu sync.Mutex

	lastRead time.Time
}

// NewBufferedChannel allocates an empty buffer for fullID with both
// timestamps set to now.
func NewBufferedChannel(fullID string) *BufferedChannel {
	now := time.Now()
	c := &BufferedChannel{
		FullID:    fullID,
		CreatedTS: now,
		lastRead:  now,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// LastRead returns the timestamp of the last completed drain lease.
func (c *BufferedChannel) LastRead() time.Time {
	c.tsMu.Lock()
	defer c.tsMu.Unlock()
	return c.lastRead
}

// Len reports the number of events currently buffered.
func (c *BufferedChannel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

// TryWrite attempts a non-blocking enqueue, used on the fast path for a
// piped agent. admitted is false (with a nil error) when the buffer is
// full and the caller should fall back to ForceWrite.
func (c *BufferedChannel) TryWrite(e types.Event) (admitted bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false, apperrors.NewInternal("channel is closed")
	}
	if len(c.events) >= Capacity {
		return false, nil
	}
	c.events = append(c.events, e)
	c.cond.Broadcast()
	return true, nil
}

// ForceWrite acquires exclusive access to the buffer, discards the
// oldest message, drops any remaining event older than MaxEventAge, and
// admits e. It returns the number of messages lost to eviction/expiry.
// Capacity is preserved and e is always admitted.
func (c *BufferedChannel) ForceWrite(e types.Event) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	lost := 0
	if len(c.events) > 0 {
		c.events = c.events[1:]
		lost++
	}

	cutoff := time.Now().Add(-MaxEventAge)
	survivors := c.events[:0]
	for _, ev := range c.events {
		if ev.Timestamp.Before(cutoff) {
			lost++
			continue
		}
		survivors = append(survivors, ev)
	}
	c.events = append(survivors, e)
	c.cond.Broadcast()

	metrics.ForceWritesTotal.Inc()
	metrics.MessagesLost.Add(float64(lost))
	return lost
}

// WriteBlocking performs a bounded blocking enqueue with a WriteDeadline
// deadline, used for non-distributed agents. Returns a Timeout error if
// the deadline elapses with no room freed.
func (c *BufferedChannel) WriteBlocking(e types.Event) error {
	deadline := time.Now().Add(WriteDeadline)

	c.mu.Lock()
	defer c.mu.Unlock()

	for !c.closed && len(c.events) >= Capacity {
		if !c.waitUntilLocked(deadline) {
			return apperrors.NewTimeout(int(WriteDeadline / time.Second))
		}
	}
	if c.closed {
		return apperrors.NewInternal("channel is closed")
	}

	c.events = append(c.events, e)
	c.cond.Broadcast()
	return nil
}

// waitUntilLocked blocks on c.cond until woken or until deadline passes.
// Must be called with c.mu held; returns with c.mu held. Reports false
// if the deadline has already elapsed.
func (c *BufferedChannel) waitUntilLocked(deadline time.Time) bool {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false
	}
	timer := time.AfterFunc(remaining, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer timer.Stop()
	c.cond.Wait()
	return true
}

// Close marks the buffer closed, draining and counting every residual
// event as lost, and records its lifetime.
func (c *BufferedChannel) Close() {
	c.mu.Lock()
	lost := len(c.events)
	c.events = nil
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()

	metrics.ChannelDisposed.Inc()
	metrics.MessagesLost.Add(float64(lost))
	metrics.ChannelDuration.Observe(time.Since(c.CreatedTS).Seconds())
}

// DrainLease grants its holder exclusive rights to pop events from the
// buffer for the duration of one poll window. The window's deadline is
// fixed at acquisition time and shared across every Next call made
// against the lease, so a trickle of events arriving faster than the
// poll window apart cannot hold the read session open indefinitely.
type DrainLease struct {
	ch       *BufferedChannel
	deadline time.Time
	released bool
}

// AcquireDrainLease grants exclusive drain rights if both the rx lock
// and the timestamp lock are free; otherwise returns Busy. pollDuration
// fixes the lease's deadline for its entire lifetime.
func (c *BufferedChannel) AcquireDrainLease(pollDuration time.Duration) (*DrainLease, error) {
	if !c.rxMu.TryLock() {
		return nil, apperrors.NewBusy()
	}
	if !c.tsMu.TryLock() {
		c.rxMu.Unlock()
		return nil, apperrors.NewBusy()
	}
	c.tsMu.Unlock()
	return &DrainLease{ch: c, deadline: time.Now().Add(pollDuration)}, nil
}

// Next waits until the lease's deadline for the next event. ok is false
// when the deadline elapsed with no event (or the buffer closed); the
// sequence is then over, last_read is updated, and the lease is
// released. The caller must stop calling Next once ok is false.
func (l *DrainLease) Next() (types.Event, bool) {
	c := l.ch
	deadline := l.deadline

	c.mu.Lock()
	for len(c.events) == 0 && !c.closed {
		if !c.waitUntilLocked(deadline) {
			break
		}
	}

	if len(c.events) == 0 {
		c.mu.Unlock()
		l.finish()
		return types.Event{}, false
	}

	e := c.events[0]
	c.events = c.events[1:]
	c.mu.Unlock()
	c.cond.Broadcast()
	return e, true
}

// Release ends the lease early, e.g. because the consuming HTTP request
// disconnected mid-stream. Safe to call multiple times.
func (l *DrainLease) Release() {
	l.finish()
}

func (l *DrainLease) finish() {
	if l.released {
		return
	}
	l.released = true

	c := l.ch
	c.tsMu.Lock()
	c.lastRead = time.Now()
	c.tsMu.Unlock()
	c.rxMu.Unlock()
}
