package quality

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestThinningEscalation exercises scenario 1 of SPEC_FULL.md section 6:
// start_thinning=1000ms, always_thin=2000ms, thin_all_the_way=5000ms,
// drop_all=10000ms, num_quality_levels=5, fed a rising
// current_packet_delay sequence. The quality level escalates as delay
// worsens and the last packet (delay 12000ms, past drop_all) is dropped
// with the stale counter incremented exactly once.
func TestThinningEscalation(t *testing.T) {
	th := Thresholds{
		StartThinning:  1000 * time.Millisecond,
		AlwaysThin:     2000 * time.Millisecond,
		ThinAllTheWay:  5000 * time.Millisecond,
		DropAllPackets: 10000 * time.Millisecond,
		StartThicking:  200 * time.Millisecond,
		ThickAllTheWay: 100 * time.Millisecond,
		CheckInterval:  0,
	}

	ss := &SessionState{}
	st := &StreamState{NumLevels: 5}

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	playStart := base.Add(-time.Hour)
	scheduled := base

	delays := []time.Duration{
		500 * time.Millisecond,
		1500 * time.Millisecond,
		2500 * time.Millisecond,
		6000 * time.Millisecond,
		12000 * time.Millisecond,
	}
	wantLevels := []int{0, 1, 2, 5, 5}
	wantDecisions := []Decision{Send, Send, Send, Send, Drop}

	for i, d := range delays {
		now := scheduled.Add(d)
		got := CheckWithPlayStart(th, ss, st, playStart, scheduled, now)
		require.Equalf(t, wantDecisions[i], got, "decision at step %d", i)
		require.Equalf(t, wantLevels[i], st.Level, "level at step %d", i)
	}

	require.Equal(t, uint64(1), st.StalePacketsDropped)
}

func TestWarmUpPacketsAlwaysSend(t *testing.T) {
	th := Thresholds{ThinAllTheWay: time.Second}
	ss := &SessionState{}
	st := &StreamState{NumLevels: 5}

	playStart := time.Unix(1000, 0)
	scheduled := time.Unix(900, 0) // before play start

	got := CheckWithPlayStart(th, ss, st, playStart, scheduled, scheduled)
	require.Equal(t, Send, got)
	require.Equal(t, 0, st.Level)
}

func TestRawUDPNeverThins(t *testing.T) {
	th := Thresholds{ThinAllTheWay: time.Millisecond}
	ss := &SessionState{}
	st := &StreamState{NumLevels: 5, IsRawUDP: true}

	playStart := time.Unix(0, 0)
	scheduled := time.Unix(1000, 0)
	now := scheduled.Add(10 * time.Second)

	got := CheckWithPlayStart(th, ss, st, playStart, scheduled, now)
	require.Equal(t, Send, got)
	require.Equal(t, 0, st.Level)
}

func TestDisableThinningPinsLevelZero(t *testing.T) {
	th := Thresholds{ThinAllTheWay: time.Millisecond, DropAllPackets: time.Millisecond}
	ss := &SessionState{}
	st := &StreamState{NumLevels: 5, DisableThinning: true}

	playStart := time.Unix(0, 0)
	scheduled := time.Unix(1000, 0)
	now := scheduled.Add(time.Hour)

	got := CheckWithPlayStart(th, ss, st, playStart, scheduled, now)
	require.Equal(t, Send, got)
	require.Equal(t, 0, st.Level)
}

func TestCoarseLadderSnapsToZero(t *testing.T) {
	th := Thresholds{
		StartThinning:  time.Millisecond,
		ThinAllTheWay:  time.Hour,
		StartThicking:  500 * time.Millisecond,
		CheckInterval:  time.Hour,
	}
	ss := &SessionState{StartedThinning: true, LastCheckTime: time.Unix(0, 1)}
	st := &StreamState{NumLevels: 2, Level: 1}

	scheduled := time.Unix(1000, 0)
	now := scheduled.Add(100 * time.Millisecond)

	got := CheckWithPlayStart(th, ss, st, time.Unix(0, 0), scheduled, now)
	require.Equal(t, Send, got)
	require.Equal(t, 0, st.Level)
}
