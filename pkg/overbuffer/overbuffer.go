// Package overbuffer implements the per-session pacing window named in
// SPEC_FULL.md section 4.3: decides whether a packet scheduled for
// transmission at time T may leave at wall-clock time N, or whether the
// caller should park until a proposed wakeup.
package overbuffer

import (
	"math"
	"time"
)

// MaxWindow is an effectively unbounded window capacity, used by
// InterleavedTCP so that TCP's own backpressure is the only throttle, per
// SPEC_FULL.md 4.3. Raw UDP uses a capacity of zero instead, which
// disables the window.
const MaxWindow = math.MaxUint32

// Window is the session-owned pacing window consulted by every stream
// write. It is not safe for concurrent use; callers hold the session
// mutex while calling it, per SPEC_FULL.md section 5.
type Window struct {
	enabled bool

	capacityBytes   uint32
	bytesInWindow   uint32
	minSendInterval time.Duration

	burstBegin bool
}

// New allocates a Window with the given byte capacity and minimum
// interval between sends. capacityBytes == MaxWindow behaves as
// "unbounded"; capacityBytes == 0 behaves as "disabled" (every packet is
// admitted immediately), matching raw UDP's policy.
func New(capacityBytes uint32, minSendInterval time.Duration) *Window {
	return &Window{
		enabled:         capacityBytes > 0,
		capacityBytes:   capacityBytes,
		minSendInterval: minSendInterval,
	}
}

// OverbufferingEnabled reports whether this window gates transmission at
// all. When true, RTCP traffic bypasses CheckTransmitTime; when false,
// RTCP is passed through CheckTransmitTime like RTP (SPEC_FULL.md 4.3
// policy).
func (w *Window) OverbufferingEnabled() bool {
	return w.enabled
}

// CheckTransmitTime decides whether a packet scheduled for scheduled may
// leave at wall-clock time now. It returns a proposed wakeup: a time
// >= now if the caller must wait, or a time <= now meaning "go". A
// future wakeup is always >= now + minSendInterval.
func (w *Window) CheckTransmitTime(scheduled, now time.Time, size uint32) time.Time {
	if !w.enabled {
		return now
	}

	if w.bytesInWindow+size > w.capacityBytes {
		wakeup := now.Add(w.minSendInterval)
		if !wakeup.After(now) {
			// a full window always asks the caller to wait, even with no
			// minimum send interval configured.
			wakeup = now.Add(time.Millisecond)
		}
		return wakeup
	}

	if scheduled.After(now) {
		wakeup := scheduled
		if d := wakeup.Sub(now); d < w.minSendInterval {
			wakeup = now.Add(w.minSendInterval)
		}
		return wakeup
	}

	return now
}

// AddPacketToWindow records size bytes as occupying the window; callers
// call this after CheckTransmitTime admits the packet.
func (w *Window) AddPacketToWindow(size uint32) {
	if !w.enabled {
		return
	}
	w.bytesInWindow += size
}

// EmptyOutWindow drains the window completely, resetting its byte count
// to zero; the time argument is not used.
func (w *Window) EmptyOutWindow(_ time.Time) {
	w.bytesInWindow = 0
}

// MarkBeginningOfWriteBurst flags that the next writes belong to a burst
// (e.g. after a seek), allowing the caller to relax pacing briefly.
func (w *Window) MarkBeginningOfWriteBurst() {
	w.burstBegin = true
}

// ConsumeBurstBegin reports and clears the burst-begin flag.
func (w *Window) ConsumeBurstBegin() bool {
	v := w.burstBegin
	w.burstBegin = false
	return v
}

// SetCapacity updates the window's byte capacity, used when a client
// reports its own overbuffer window size over RTCP APP telemetry
// (SPEC_FULL.md section 4.6). A capacity of zero disables overbuffering.
func (w *Window) SetCapacity(capacityBytes uint32) {
	w.capacityBytes = capacityBytes
	w.enabled = capacityBytes > 0
}
