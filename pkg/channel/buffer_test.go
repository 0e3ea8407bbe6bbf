package channel

import (
	"sync"
	"testing"
	"time"

	"github.com/d71dev/megaphone/pkg/apperrors"
	"github.com/d71dev/megaphone/pkg/types"
)

func ev(id string, ts time.Time) types.Event {
	return types.Event{StreamID: "s1", EventID: id, Timestamp: ts, Body: []byte(`{}`)}
}

func TestTryWriteFillsUpToCapacity(t *testing.T) {
	c := NewBufferedChannel("agent1.seg.1")
	for i := 0; i < Capacity; i++ {
		admitted, err := c.TryWrite(ev("e", time.Now()))
		if err != nil || !admitted {
			t.Fatalf("TryWrite #%d: admitted=%v err=%v", i, admitted, err)
		}
	}
	admitted, err := c.TryWrite(ev("overflow", time.Now()))
	if err != nil {
		t.Fatalf("TryWrite on full buffer: unexpected error %v", err)
	}
	if admitted {
		t.Error("TryWrite on a full buffer should report not admitted")
	}
	if c.Len() != Capacity {
		t.Errorf("Len() = %d, want %d", c.Len(), Capacity)
	}
}

func TestForceWritePreservesCapacityAndAdmitsNewEvent(t *testing.T) {
	c := NewBufferedChannel("agent1.seg.1")
	now := time.Now()
	for i := 0; i < Capacity; i++ {
		if _, err := c.TryWrite(ev("e", now)); err != nil {
			t.Fatalf("TryWrite: %v", err)
		}
	}

	lost := c.ForceWrite(ev("new", now))
	if lost < 1 {
		t.Errorf("ForceWrite lost = %d, want at least 1", lost)
	}
	if c.Len() != Capacity {
		t.Errorf("Len() after ForceWrite = %d, want %d (capacity preserved)", c.Len(), Capacity)
	}
}

func TestForceWriteDropsStaleSurvivors(t *testing.T) {
	c := NewBufferedChannel("agent1.seg.1")
	stale := time.Now().Add(-2 * MaxEventAge)
	if _, err := c.TryWrite(ev("stale-1", stale)); err != nil {
		t.Fatalf("TryWrite: %v", err)
	}
	if _, err := c.TryWrite(ev("stale-2", stale)); err != nil {
		t.Fatalf("TryWrite: %v", err)
	}

	c.ForceWrite(ev("new", time.Now()))

	if c.Len() != 1 {
		t.Fatalf("Len() after dropping stale survivors = %d, want 1 (only the new event)", c.Len())
	}
}

func TestWriteBlockingTimesOutWhenFull(t *testing.T) {
	c := &BufferedChannel{FullID: "agent1.seg.1", CreatedTS: time.Now(), lastRead: time.Now()}
	c.cond = sync.NewCond(&c.mu)
	for i := 0; i < Capacity; i++ {
		if _, err := c.TryWrite(ev("e", time.Now())); err != nil {
			t.Fatalf("TryWrite: %v", err)
		}
	}

	start := time.Now()
	err := writeBlockingWithDeadline(c, ev("blocked", time.Now()), 30*time.Millisecond)
	if apperrors.KindOf(err) != apperrors.Timeout {
		t.Fatalf("WriteBlocking on a full, never-drained buffer: err = %v, want Timeout", err)
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Errorf("WriteBlocking returned after %v, expected to wait out the deadline", elapsed)
	}
}

func TestWriteBlockingSucceedsOnceSpaceFrees(t *testing.T) {
	c := NewBufferedChannel("agent1.seg.1")
	for i := 0; i < Capacity; i++ {
		if _, err := c.TryWrite(ev("e", time.Now())); err != nil {
			t.Fatalf("TryWrite: %v", err)
		}
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		lease, err := c.AcquireDrainLease(5 * time.Millisecond)
		if err != nil {
			return
		}
		lease.Next()
	}()

	if err := c.WriteBlocking(ev("fits-eventually", time.Now())); err != nil {
		t.Fatalf("WriteBlocking: %v", err)
	}
}

func TestDrainLeaseExclusivity(t *testing.T) {
	c := NewBufferedChannel("agent1.seg.1")
	lease1, err := c.AcquireDrainLease(20 * time.Millisecond)
	if err != nil {
		t.Fatalf("AcquireDrainLease: %v", err)
	}
	defer lease1.Release()

	if _, err := c.AcquireDrainLease(20 * time.Millisecond); apperrors.KindOf(err) != apperrors.Busy {
		t.Fatalf("second AcquireDrainLease while held: err = %v, want Busy", err)
	}
}

func TestDrainLeaseYieldsEventsThenEnds(t *testing.T) {
	c := NewBufferedChannel("agent1.seg.1")
	if _, err := c.TryWrite(ev("only", time.Now())); err != nil {
		t.Fatalf("TryWrite: %v", err)
	}

	lease, err := c.AcquireDrainLease(20 * time.Millisecond)
	if err != nil {
		t.Fatalf("AcquireDrainLease: %v", err)
	}

	e, ok := lease.Next()
	if !ok || e.EventID != "only" {
		t.Fatalf("Next() = %+v, %v, want the buffered event", e, ok)
	}

	_, ok = lease.Next()
	if ok {
		t.Fatal("Next() on an empty buffer should end the sequence")
	}

	// Lease was auto-released; a new lease should now be acquirable.
	lease2, err := c.AcquireDrainLease(20 * time.Millisecond)
	if err != nil {
		t.Fatalf("AcquireDrainLease after prior lease ended: %v", err)
	}
	lease2.Release()

	if c.LastRead().IsZero() {
		t.Error("LastRead() should be set once the drain sequence ends")
	}
}

// writeBlockingWithDeadline is a test helper mirroring WriteBlocking but
// with a short deadline, since WriteDeadline is fixed at 10s in production.
func writeBlockingWithDeadline(c *BufferedChannel, e types.Event, d time.Duration) error {
	deadline := time.Now().Add(d)
	c.mu.Lock()
	defer c.mu.Unlock()
	for !c.closed && len(c.events) >= Capacity {
		if !c.waitUntilLocked(deadline) {
			return apperrors.NewTimeout(int(d / time.Second))
		}
	}
	if c.closed {
		return apperrors.NewInternal("channel is closed")
	}
	c.events = append(c.events, e)
	c.cond.Broadcast()
	return nil
}
