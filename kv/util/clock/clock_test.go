package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHybridTimeLayout(t *testing.T) {
	ht := FromMicros(1234, 5)
	assert.Equal(t, uint64(1234), ht.PhysicalMicros())
	assert.Equal(t, uint64(5), ht.Logical())
	assert.True(t, FromMicros(1234, 6) > ht)
	assert.True(t, FromMicros(1235, 0) > FromMicros(1234, 4095))
	assert.Equal(t, "<invalid>", InvalidHybridTime.String())
}

func TestNowIsStrictlyIncreasing(t *testing.T) {
	c := NewHybridClock(0)
	fixed := time.Unix(100, 0)
	c.now = func() time.Time { return fixed }

	first := c.Now()
	second := c.Now()
	require.True(t, second > first)
	assert.Equal(t, first.PhysicalMicros(), second.PhysicalMicros())
	assert.Equal(t, first.Logical()+1, second.Logical())
}

func TestUpdateMovesClockForward(t *testing.T) {
	c := NewHybridClock(0)
	fixed := time.Unix(100, 0)
	c.now = func() time.Time { return fixed }

	future := FromTime(fixed.Add(time.Hour))
	c.Update(future)
	assert.True(t, c.Now() > future)

	// Updating with an older timestamp is a no-op.
	c.Update(FromTime(fixed))
	assert.True(t, c.Now() > future)
}

func TestWaitUntilAfter(t *testing.T) {
	c := NewHybridClock(5 * time.Millisecond)
	current := time.Unix(100, 0)
	var slept time.Duration
	c.now = func() time.Time { return current }
	c.sleep = func(d time.Duration) {
		slept += d
		current = current.Add(d)
	}

	ht := FromTime(current)
	assert.False(t, c.IsAfter(ht))
	c.WaitUntilAfter(ht)
	assert.True(t, c.IsAfter(ht))
	assert.True(t, slept >= 5*time.Millisecond)

	// Already satisfied, no sleep.
	slept = 0
	c.WaitUntilAfter(FromTime(current.Add(-time.Second)))
	assert.Equal(t, time.Duration(0), slept)
}
