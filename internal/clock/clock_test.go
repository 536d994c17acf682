package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMockClock_AdvanceFiresDueTimers(t *testing.T) {
	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	c := NewMockClock(start)

	var fired []string
	c.AfterFunc(2*time.Second, func() { fired = append(fired, "late") })
	c.AfterFunc(time.Second, func() { fired = append(fired, "early") })

	c.Advance(500 * time.Millisecond)
	assert.Empty(t, fired)
	assert.Equal(t, 2, c.Pending())

	c.Advance(2 * time.Second)
	assert.Equal(t, []string{"early", "late"}, fired)
	assert.Equal(t, 0, c.Pending())
	assert.Equal(t, start.Add(2500*time.Millisecond), c.Now())
}

func TestMockClock_StopPreventsFire(t *testing.T) {
	c := NewMockClock(time.Now())

	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop(), "second stop reports inactive")

	c.Advance(time.Minute)
	assert.False(t, fired)
}

func TestMockClock_TimerArmedDuringFireWaitsForNextAdvance(t *testing.T) {
	c := NewMockClock(time.Now())

	count := 0
	var tick func()
	tick = func() {
		count++
		c.AfterFunc(0, tick)
	}
	c.AfterFunc(time.Second, tick)

	c.Advance(time.Second)
	assert.Equal(t, 1, count)

	c.Advance(0)
	assert.Equal(t, 2, count)
}

func TestMockClock_Since(t *testing.T) {
	start := time.Now()
	c := NewMockClock(start)
	c.Advance(90 * time.Second)
	assert.Equal(t, 90*time.Second, c.Since(start))
}
