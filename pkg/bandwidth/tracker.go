// Package bandwidth implements the bandwidth tracker named as a session
// collaborator throughout SPEC_FULL.md section 1 and 5: congestion-control
// state shared across a session's reliable-UDP streams (RTT samples,
// congestion window, recommended ack timeout).
package bandwidth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	minAckTimeout     = 250 * time.Millisecond
	maxAckTimeout     = 10 * time.Second
	defaultAckTimeout = 1 * time.Second
	minWindowPackets  = 4
	maxWindowPackets  = 256
)

// Tracker maintains congestion-control state shared by every
// reliable-UDP stream in a session: a congestion window counted in
// packets and a simple RTT EWMA for the client ack-timeout recommendation
// carried in RTCP SR APP blocks. A golang.org/x/time/rate limiter is
// built from the initial rate, but no Tracker method consults it.
type Tracker struct {
	mutex sync.Mutex

	slowStart bool

	windowPackets   int
	inFlightPackets int

	rttEWMA    time.Duration
	rttInit    bool
	ackTimeout time.Duration

	limiter *rate.Limiter
}

// New allocates a Tracker. slowStart enables a small initial window that
// grows on successful round trips, per the client's "no slow start" flag
// intersected with server preference (SPEC_FULL.md 4.7 step 9).
func New(slowStart bool, initialRateBytesPerSec float64) *Tracker {
	window := maxWindowPackets
	if slowStart {
		window = minWindowPackets
	}

	return &Tracker{
		slowStart:     slowStart,
		windowPackets: window,
		ackTimeout:    defaultAckTimeout,
		limiter:       rate.NewLimiter(rate.Limit(initialRateBytesPerSec), int(initialRateBytesPerSec)),
	}
}

// ReserveSend accounts for one packet about to be sent. It increments the
// in-flight counter; callers must call ReportAck or ReportLoss to release it.
func (t *Tracker) ReserveSend() {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.inFlightPackets++
}

// IsFlowControlled reports whether the congestion window is full. In that
// state the stream's write must return "would block" without queuing
// more packets (SPEC_FULL.md 4.2).
func (t *Tracker) IsFlowControlled() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.inFlightPackets >= t.windowPackets
}

// ReportAck records a successful round-trip sample and grows the window
// (slow start: +1 per ack until ssthresh-like saturation at maxWindowPackets).
func (t *Tracker) ReportAck(rtt time.Duration) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.inFlightPackets > 0 {
		t.inFlightPackets--
	}

	if !t.rttInit {
		t.rttEWMA = rtt
		t.rttInit = true
	} else {
		// standard RTT EWMA, alpha = 1/8
		t.rttEWMA = t.rttEWMA + (rtt-t.rttEWMA)/8
	}

	t.ackTimeout = clampDuration(t.rttEWMA*2, minAckTimeout, maxAckTimeout)

	if t.windowPackets < maxWindowPackets {
		t.windowPackets++
	}
}

// ReportLoss records a retransmission/congestion event: halves the
// window (down to the minimum) and releases the in-flight slot.
func (t *Tracker) ReportLoss() {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.inFlightPackets > 0 {
		t.inFlightPackets--
	}

	t.windowPackets /= 2
	if t.windowPackets < minWindowPackets {
		t.windowPackets = minWindowPackets
	}
}

// RecommendedAckTimeout returns the ack timeout to advertise to the
// client in the RTCP SR APP block, clamped to [minAckTimeout, maxAckTimeout].
func (t *Tracker) RecommendedAckTimeout() time.Duration {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.ackTimeout == 0 {
		return defaultAckTimeout
	}
	return t.ackTimeout
}

// ClampToClientTimeout caps the server's retransmission schedule to the
// client's advertised ack timeout, per SPEC_FULL.md 4.2
// ("capped by the client's advertised ack timeout").
func (t *Tracker) ClampToClientTimeout(proposed, clientAdvertised time.Duration) time.Duration {
	if clientAdvertised > 0 && proposed > clientAdvertised {
		return clientAdvertised
	}
	return proposed
}

// WindowPackets returns the current congestion window size, in packets.
func (t *Tracker) WindowPackets() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.windowPackets
}

// DisableSlowStart jumps the window straight to maxWindowPackets, for a
// stream whose client requested no slow start and whose server
// preference agrees (SPEC_FULL.md 4.7 step 9). Leaves the window
// unchanged only when it is already at maxWindowPackets.
func (t *Tracker) DisableSlowStart() {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.slowStart = false
	if t.windowPackets < maxWindowPackets {
		t.windowPackets = maxWindowPackets
	}
}

func clampDuration(v, min, max time.Duration) time.Duration {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
