package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeClockAfterFiresOnAdvance(t *testing.T) {
	c := Fake(epoch)
	ch := c.After(5 * time.Second)

	c.Advance(4 * time.Second)
	select {
	case <-ch:
		t.Fatal("waiter fired before its deadline")
	default:
	}
	assert.Equal(t, 1, c.Pending())

	c.Advance(time.Second)
	select {
	case fired := <-ch:
		assert.Equal(t, epoch.Add(5*time.Second), fired)
	default:
		t.Fatal("waiter did not fire at its deadline")
	}
	assert.Equal(t, 0, c.Pending())
}

func TestFakeClockAfterNonPositive(t *testing.T) {
	c := Fake(epoch)
	select {
	case <-c.After(0):
	default:
		t.Fatal("zero duration should fire immediately")
	}
	assert.Equal(t, 0, c.Pending())
}

func TestFakeClockWaitForWaiters(t *testing.T) {
	c := Fake(epoch)
	done := make(chan struct{})

	go func() {
		<-c.After(time.Minute)
		close(done)
	}()

	c.WaitForWaiters(1)
	c.Advance(time.Minute)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("goroutine was not released")
	}
}

func TestFakeClockSet(t *testing.T) {
	c := Fake(epoch)
	ch := c.After(10 * time.Second)
	c.Set(epoch.Add(time.Hour))

	_, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, epoch.Add(time.Hour), c.Now())
}

func TestRealClock(t *testing.T) {
	c := Real()
	before := time.Now()
	assert.False(t, c.Now().Before(before))

	select {
	case <-c.After(-time.Second):
	case <-time.After(time.Second):
		t.Fatal("negative duration should fire immediately")
	}
}
