package overbuffer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDisabledWindowAlwaysGoes(t *testing.T) {
	w := New(0, 0)
	require.False(t, w.OverbufferingEnabled())

	now := time.Now()
	future := now.Add(time.Second)
	require.True(t, !w.CheckTransmitTime(future, now, 1000).After(now))
}

func TestFutureScheduleWaits(t *testing.T) {
	w := New(MaxWindow, 20*time.Millisecond)
	now := time.Now()
	scheduled := now.Add(5 * time.Second)

	wakeup := w.CheckTransmitTime(scheduled, now, 1000)
	require.True(t, wakeup.Equal(scheduled) || wakeup.After(scheduled.Add(-time.Millisecond)))
	require.True(t, !wakeup.Before(now.Add(20*time.Millisecond)))
}

func TestWindowFullForcesWait(t *testing.T) {
	w := New(1000, 10*time.Millisecond)
	now := time.Now()

	w.AddPacketToWindow(900)
	wakeup := w.CheckTransmitTime(now, now, 200)
	require.True(t, wakeup.After(now) || wakeup.Equal(now.Add(10*time.Millisecond)))
}

func TestPastScheduleGoesImmediately(t *testing.T) {
	w := New(MaxWindow, 0)
	now := time.Now()
	scheduled := now.Add(-time.Second)

	wakeup := w.CheckTransmitTime(scheduled, now, 100)
	require.False(t, wakeup.After(now))
}

// TestEmptyOutWindowRecoversFullWindow exercises repeated fill/drain
// cycles: without a periodic EmptyOutWindow call, bytesInWindow only ever
// grows and CheckTransmitTime sticks at WouldBlock forever once full.
func TestEmptyOutWindowRecoversFullWindow(t *testing.T) {
	w := New(1000, 10*time.Millisecond)
	now := time.Now()

	for i := 0; i < 5; i++ {
		w.AddPacketToWindow(900)
		wakeup := w.CheckTransmitTime(now, now, 200)
		require.True(t, wakeup.After(now), "round %d: window should be full", i)

		w.EmptyOutWindow(now)
		wakeup = w.CheckTransmitTime(now, now, 200)
		require.False(t, wakeup.After(now), "round %d: window should admit after drain", i)
	}
}

func TestBurstBeginFlagReportsOnceAndClears(t *testing.T) {
	w := New(MaxWindow, 0)
	require.False(t, w.ConsumeBurstBegin())

	w.MarkBeginningOfWriteBurst()
	require.True(t, w.ConsumeBurstBegin())
	require.False(t, w.ConsumeBurstBegin())
}
