// Package quality implements the quality controller of SPEC_FULL.md
// section 4.4, grounded line-for-line on
// original_source/Server.tproj/RTPStream.cpp's RTPStream::UpdateQualityLevel.
package quality

import "time"

// Decision is the outcome of a Check call.
type Decision int

// Possible outcomes of Check.
const (
	Send Decision = iota
	Drop
)

// Thresholds holds the per-stream delay thresholds, all derived from
// server preferences minus the tolerance adjustment
// 1500ms - late_tolerance_ms, except ThickAllTheWay which is raw
// (SPEC_FULL.md 4.4).
type Thresholds struct {
	DropAllPackets time.Duration
	ThinAllTheWay  time.Duration
	AlwaysThin     time.Duration
	StartThinning  time.Duration
	StartThicking  time.Duration
	ThickAllTheWay time.Duration
	CheckInterval  time.Duration
}

// ToleranceAdjust returns 1500ms - lateTolerance, to be subtracted from
// every raw preference value except ThickAllTheWay.
func ToleranceAdjust(lateTolerance time.Duration) time.Duration {
	return 1500*time.Millisecond - lateTolerance
}

// SessionState is the subset of quality state that lives on the session
// (not the stream) because non-UDP streams share one check cadence and
// one "started thinning" flag across the session (invariant 5 of
// SPEC_FULL.md section 3).
type SessionState struct {
	LastCheckTime      time.Time
	LastCheckMediaTime time.Time
	StartedThinning    bool
}

// StreamState is the per-stream mutable state consulted and updated by Check.
type StreamState struct {
	Level               int
	NumLevels           int
	LastPacketDelay     time.Duration
	WaitOnLevelAdjust   bool
	StalePacketsDropped uint64

	DisableThinning bool
	IsRawUDP        bool
}

// check runs the quality-adaptation algorithm for one packet write and
// returns whether it should be sent or dropped, mutating ss and st in
// place. Callers must hold the session mutex; SessionState is shared by
// every non-UDP stream of the session. The play-start warm-up gate (step
// 1 of SPEC_FULL.md 4.4) is applied by the exported entry point,
// CheckWithPlayStart, before this runs.
func check(
	th Thresholds,
	ss *SessionState,
	st *StreamState,
	scheduledTransmit, now time.Time,
) Decision {
	if st.DisableThinning {
		st.Level = 0
		return Send
	}

	if st.IsRawUDP {
		return Send
	}

	currentDelay := now.Sub(scheduledTransmit)

	if ss.LastCheckTime.IsZero() {
		ss.LastCheckTime = now
		ss.LastCheckMediaTime = scheduledTransmit
		st.LastPacketDelay = currentDelay
		return Send
	}

	if !ss.StartedThinning {
		if currentDelay > th.StartThinning && currentDelay-st.LastPacketDelay < 250*time.Millisecond {
			if currentDelay < st.LastPacketDelay {
				st.LastPacketDelay = currentDelay
			}
			return Send
		}
		ss.StartedThinning = true
	}

	if currentDelay > th.ThinAllTheWay {
		ss.LastCheckTime = now
		ss.LastCheckMediaTime = scheduledTransmit
		st.LastPacketDelay = currentDelay

		st.Level = st.NumLevels

		if currentDelay > th.DropAllPackets {
			st.StalePacketsDropped++
			return Drop
		}
	}

	if st.NumLevels <= 2 {
		if currentDelay < th.StartThicking && st.Level > 0 {
			st.Level = 0
		}
		return Send
	}

	if now.Sub(ss.LastCheckTime) > th.CheckInterval || scheduledTransmit.Sub(ss.LastCheckMediaTime) > th.CheckInterval {
		switch {
		case currentDelay > th.AlwaysThin && st.Level < st.NumLevels:
			st.Level++
		case currentDelay > th.StartThinning && currentDelay > st.LastPacketDelay:
			if !st.WaitOnLevelAdjust && st.Level < st.NumLevels {
				st.Level++
				st.WaitOnLevelAdjust = true
			} else {
				st.WaitOnLevelAdjust = false
			}
		}

		if currentDelay < th.StartThicking && st.Level > 0 && currentDelay < st.LastPacketDelay {
			st.Level--
			st.WaitOnLevelAdjust = true
		}

		if currentDelay < th.ThickAllTheWay {
			st.Level = 0
			st.WaitOnLevelAdjust = false
		}

		st.LastPacketDelay = currentDelay
		ss.LastCheckTime = now
		ss.LastCheckMediaTime = scheduledTransmit
	}

	return Send
}

// CheckWithPlayStart is the entry point streams should call. It applies
// the warm-up gate (scheduledTransmit <= playStart => always send) before
// delegating to check, matching step 1 of SPEC_FULL.md 4.4.
func CheckWithPlayStart(
	th Thresholds,
	ss *SessionState,
	st *StreamState,
	playStart, scheduledTransmit, now time.Time,
) Decision {
	if !scheduledTransmit.After(playStart) {
		return Send
	}
	return check(th, ss, st, scheduledTransmit, now)
}
