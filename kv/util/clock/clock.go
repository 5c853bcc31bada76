package clock

import (
	"fmt"
	"sync"
	"time"
)

// logicalBits is the number of low bits of a HybridTime used by the logical counter.
const logicalBits = 12

// HybridTime is a physical time in microseconds shifted left by logicalBits, plus a logical counter.
type HybridTime uint64

const (
	// InvalidHybridTime is never handed out by a clock.
	InvalidHybridTime HybridTime = 0
	MaxHybridTime     HybridTime = ^HybridTime(0)
)

func FromMicros(physical uint64, logical uint64) HybridTime {
	return HybridTime(physical<<logicalBits | logical&(1<<logicalBits-1))
}

func FromTime(t time.Time) HybridTime {
	return FromMicros(uint64(t.UnixNano()/int64(time.Microsecond)), 0)
}

func (ht HybridTime) PhysicalMicros() uint64 {
	return uint64(ht) >> logicalBits
}

func (ht HybridTime) Logical() uint64 {
	return uint64(ht) & (1<<logicalBits - 1)
}

func (ht HybridTime) Time() time.Time {
	micros := int64(ht.PhysicalMicros())
	return time.Unix(micros/1e6, (micros%1e6)*1e3)
}

func (ht HybridTime) String() string {
	if ht == InvalidHybridTime {
		return "<invalid>"
	}
	return fmt.Sprintf("{ physical: %d logical: %d }", ht.PhysicalMicros(), ht.Logical())
}

// HybridClock hands out strictly increasing timestamps close to wall time.
type HybridClock struct {
	mu   sync.Mutex
	last HybridTime

	maxError time.Duration
	now      func() time.Time
	sleep    func(time.Duration)
}

func NewHybridClock(maxError time.Duration) *HybridClock {
	return &HybridClock{
		maxError: maxError,
		now:      time.Now,
		sleep:    time.Sleep,
	}
}

// Now returns a timestamp greater than every timestamp previously returned or observed.
func (c *HybridClock) Now() HybridTime {
	ht := FromTime(c.now())
	c.mu.Lock()
	defer c.mu.Unlock()
	if ht <= c.last {
		ht = c.last + 1
	}
	c.last = ht
	return ht
}

// Update makes sure that later calls to Now return values greater than ht. Followers
// call it with timestamps assigned by the leader.
func (c *HybridClock) Update(ht HybridTime) {
	c.mu.Lock()
	if ht > c.last {
		c.last = ht
	}
	c.mu.Unlock()
}

func (c *HybridClock) MaxError() time.Duration {
	return c.maxError
}

// IsAfter reports whether every clock in the group is past ht, given the max clock error.
func (c *HybridClock) IsAfter(ht HybridTime) bool {
	earliest := c.now().Add(-c.maxError)
	return FromTime(earliest) > ht
}

// WaitUntilAfter blocks until IsAfter(ht) holds. There is no timeout: the wait is
// bounded by the clock error.
func (c *HybridClock) WaitUntilAfter(ht HybridTime) {
	for !c.IsAfter(ht) {
		remaining := ht.Time().Sub(c.now().Add(-c.maxError))
		if remaining < time.Microsecond {
			remaining = time.Microsecond
		}
		c.sleep(remaining)
	}
}
