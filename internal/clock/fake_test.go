package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFakeClock_Timer(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	timer := c.NewTimer(time.Second)
	require.Equal(t, 1, c.Pending())

	c.Advance(500 * time.Millisecond)
	select {
	case <-timer.C:
		t.Fatal("timer fired early")
	default:
	}

	c.Advance(500 * time.Millisecond)
	select {
	case fired := <-timer.C:
		require.Equal(t, time.Unix(1, 0), fired)
	default:
		t.Fatal("timer did not fire")
	}
	require.Zero(t, c.Pending())
	require.False(t, timer.Stop())
}

func TestFakeClock_TimerStop(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	timer := c.NewTimer(time.Second)
	require.True(t, timer.Stop())
	require.Zero(t, c.Pending())

	c.Advance(time.Minute)
	select {
	case <-timer.C:
		t.Fatal("stopped timer fired")
	default:
	}
}

func TestFakeClock_Ticker(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	ticker := c.NewTicker(time.Second)
	defer ticker.Stop()

	for i := 0; i < 3; i++ {
		c.Advance(time.Second)
		<-ticker.C
	}
	require.Equal(t, 1, c.Pending())
}

func TestFakeClock_WaitForTimers(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-c.NewTimer(time.Second).C
	}()

	c.WaitForTimers(1)
	c.Advance(time.Second)
	<-done
}
