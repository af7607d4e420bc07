// Package resender implements the reliable-UDP packet resender of
// SPEC_FULL.md section 4.2, grounded on the fResender interplay in
// original_source/Server.tproj/RTPStream.cpp (AddPacket/ResendDueEntries/
// AckPacket/IsFlowControlled). Each recorded packet is a fresh copy of the
// caller's bytes; buffers are not reused.
package resender

import (
	"sync"
	"time"

	"github.com/pianjj123/rtpsend/pkg/bandwidth"
	"github.com/pianjj123/rtpsend/pkg/liberrors"
)

const (
	initialBackoff = 150 * time.Millisecond
	maxBackoff     = 2 * time.Second
)

type entry struct {
	seq            uint16
	payload        []byte
	deadline       time.Time
	stale          bool // lifetime was already negative when queued
	nextRetransmit time.Time
	backoff        time.Duration
}

// SendFunc transmits a raw RTP packet on the stream's RTP socket.
type SendFunc func(payload []byte) error

// Resender retains sent packets keyed by sequence number, retransmits
// them on timer, and acknowledges them via RTCP-APP ack frames.
type Resender struct {
	mutex sync.Mutex

	tracker *bandwidth.Tracker
	send    SendFunc

	ready   bool // parent session has marked the resender ready; guards spurious acks
	entries map[uint16]*entry
}

// New allocates a Resender. send is invoked to retransmit a packet;
// tracker is the session's shared bandwidth tracker.
func New(tracker *bandwidth.Tracker, send SendFunc) *Resender {
	return &Resender{
		tracker: tracker,
		send:    send,
		entries: make(map[uint16]*entry),
	}
}

// SetReady marks the resender ready to accept acks, per SPEC_FULL.md 4.2
// ("The resender refuses to act until the parent session marks it ready").
func (r *Resender) SetReady(ready bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.ready = ready
}

// IsFlowControlled reports whether the bandwidth tracker's congestion
// window is full. Callers must return "would block" without queuing more
// when this is true.
func (r *Resender) IsFlowControlled() bool {
	return r.tracker.IsFlowControlled()
}

// AddPacket records a copy of payload with deadline = now + lifetime.
// A negative lifetime means the packet is already stale: it is sent once
// (by the caller, via the transport writer) but never retransmitted.
func (r *Resender) AddPacket(seq uint16, payload []byte, lifetime time.Duration, now time.Time) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	cp := make([]byte, len(payload))
	copy(cp, payload)

	r.tracker.ReserveSend()

	r.entries[seq] = &entry{
		seq:            seq,
		payload:        cp,
		deadline:       now.Add(lifetime),
		stale:          lifetime < 0,
		nextRetransmit: now.Add(initialBackoff),
		backoff:        initialBackoff,
	}
}

// ResendDueEntries retransmits every packet whose next-retransmit time is
// <= now and whose deadline has not elapsed, discarding entries past
// deadline. Backoff is exponential, capped at ackTimeoutCap.
func (r *Resender) ResendDueEntries(now time.Time, ackTimeoutCap time.Duration) {
	r.mutex.Lock()

	var toSend [][]byte
	for seq, e := range r.entries {
		if !now.Before(e.deadline) {
			delete(r.entries, seq)
			r.tracker.ReportLoss()
			continue
		}

		if e.stale {
			// already stale when queued: never retransmitted, only dropped on deadline.
			continue
		}

		if now.Before(e.nextRetransmit) {
			continue
		}

		toSend = append(toSend, e.payload)

		e.backoff *= 2
		if e.backoff > maxBackoff {
			e.backoff = maxBackoff
		}
		if ackTimeoutCap > 0 && e.backoff > ackTimeoutCap {
			e.backoff = ackTimeoutCap
		}
		e.nextRetransmit = now.Add(e.backoff)
	}

	r.mutex.Unlock()

	for _, payload := range toSend {
		_ = r.send(payload)
	}
}

// Ack removes the entry matching seq and reports a round-trip sample to
// the bandwidth tracker. Returns liberrors.ErrResenderNotReady if the
// resender has not been marked ready (guards against spurious acks across
// session reuse, SPEC_FULL.md 4.2 edge case).
func (r *Resender) Ack(seq uint16, now time.Time) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if !r.ready {
		return liberrors.ErrResenderNotReady{}
	}

	e, ok := r.entries[seq]
	if !ok {
		return nil
	}
	delete(r.entries, seq)

	rtt := now.Sub(e.nextRetransmit.Add(-e.backoff))
	if rtt < 0 {
		rtt = 0
	}
	r.tracker.ReportAck(rtt)
	return nil
}

// AckMask acknowledges base directly, then for each set bit k in mask
// acknowledges seq = base + k + 1, per SPEC_FULL.md 4.2 / 6 scenario 6.
func (r *Resender) AckMask(base uint16, mask uint32, now time.Time) error {
	if err := r.Ack(base, now); err != nil {
		return err
	}

	for k := 0; k < 32; k++ {
		if mask&(1<<uint(k)) != 0 {
			if err := r.Ack(base+uint16(k)+1, now); err != nil {
				return err
			}
		}
	}
	return nil
}

// Pending returns the number of unacknowledged entries, for tests and stats.
func (r *Resender) Pending() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.entries)
}

// Has reports whether seq is still outstanding, for tests.
func (r *Resender) Has(seq uint16) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	_, ok := r.entries[seq]
	return ok
}
