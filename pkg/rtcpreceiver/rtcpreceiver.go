// Package rtcpreceiver processes inbound RTCP compound packets for one
// stream, per SPEC_FULL.md section 4.6. It is grounded on
// original_source/Server.tproj/RTPStream.cpp's ProcessIncomingRTCPPacket:
// the same per-type dispatch (Receiver Report spurious-loss guard, APP
// ack-vs-telemetry discrimination, SDES) and the same try-lock discipline,
// since the demuxer calls this path while already holding a lock that
// comes before the session mutex in lock order.
package rtcpreceiver

import (
	"sync"
	"time"

	"github.com/pianjj123/rtpsend/pkg/liberrors"
	"github.com/pianjj123/rtpsend/pkg/overbuffer"
	"github.com/pianjj123/rtpsend/pkg/resender"
	"github.com/pion/rtcp"
)

// Stats is the subset of RTCP-derived attributes exposed to callers
// (the qtssRTPStr*-equivalent attributes of SPEC_FULL.md section 5).
type Stats struct {
	ClientSSRC uint32

	FractionLost uint8
	Jitter       uint32

	TotalLost           uint32
	LostInInterval      uint32
	PacketCountInterval uint32

	ReceiverBitRate     uint32
	AverageLateMs       uint32
	PercentPacketsLost  uint32
	AverageBufferDelay  uint32
	IsGettingBetter     bool
	IsGettingWorse      bool
}

// Receiver consumes RTCP packets arriving on a stream's RTCP endpoint. It
// is guarded by its own mutex, locked with TryLock by the caller (the
// demuxer dispatch path) to preserve the lock order invariant of
// SPEC_FULL.md section 5: demuxer lock is acquired before the session
// lock, never the reverse.
type Receiver struct {
	mutex sync.Mutex

	stats Stats

	sentPacketCount uint32 // fed by the stream on every RTP send, for the spurious-loss guard
	lastPacketCount uint32

	res      *resender.Resender
	window   *overbuffer.Window
	reliable bool
}

// New allocates a Receiver. res and window may be nil for RawUDP streams
// that never process acks or overbuffer telemetry.
func New(res *resender.Resender, window *overbuffer.Window, reliable bool) *Receiver {
	return &Receiver{res: res, window: window, reliable: reliable}
}

// TryProcess attempts to acquire the receiver's lock without blocking and,
// on success, parses and dispatches buf as a compound RTCP packet.
// Reports liberrors.ErrWouldBlock if the lock could not be acquired —
// callers must drop the packet rather than wait.
func (r *Receiver) TryProcess(buf []byte) error {
	if !r.mutex.TryLock() {
		return liberrors.ErrWouldBlock{EndpointID: "rtcp-receiver"}
	}
	defer r.mutex.Unlock()

	packets, err := rtcp.Unmarshal(buf)
	if err != nil {
		return liberrors.ErrMalformedRTCP{Err: err}
	}

	for _, pkt := range packets {
		switch p := pkt.(type) {
		case *rtcp.ReceiverReport:
			r.processReceiverReport(p)

		case *rtcp.SourceDescription:
			// parsed for completeness; no stream state depends on SDES content.

		case *rtcp.Goodbye:
			// a client-originated BYE on the RTCP channel carries no action here;
			// stream teardown is driven by the RTSP session, not by this packet.

		case *rtcp.RawPacket:
			r.processRaw(*p)
		}
	}

	return nil
}

// RecordSentPacket feeds the running sent-packet count used by the
// spurious-loss guard. Call this once per successful RTP send.
func (r *Receiver) RecordSentPacket() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.sentPacketCount++
}

// Snapshot returns a copy of the current RTCP-derived stats.
func (r *Receiver) Snapshot() Stats {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.stats
}

func (r *Receiver) processReceiverReport(rr *rtcp.ReceiverReport) {
	r.stats.ClientSSRC = rr.SSRC

	if len(rr.Reports) == 0 {
		return
	}
	report := rr.Reports[0]

	r.stats.FractionLost = report.FractionLost
	r.stats.Jitter = report.Jitter

	curTotalLost := report.TotalLost
	sentDelta := r.sentPacketCount - r.lastPacketCount

	// Spurious-loss guard, ported verbatim from ProcessIncomingRTCPPacket:
	// a client cannot report having lost more packets than the server
	// sent since the last report, so ignore reports that claim otherwise.
	// curTotalLost-r.stats.TotalLost is unsigned arithmetic, same as the
	// original's UInt32 check: a negative delta wraps to a huge value and
	// is rejected here rather than treated as a zero delta.
	if curTotalLost-r.stats.TotalLost <= sentDelta {
		switch {
		case curTotalLost > r.stats.TotalLost:
			r.stats.LostInInterval = curTotalLost - r.stats.TotalLost
			r.stats.TotalLost = curTotalLost
		case curTotalLost == r.stats.TotalLost:
			r.stats.LostInInterval = 0
		}

		r.stats.PacketCountInterval = sentDelta
		r.lastPacketCount = r.sentPacketCount
	}
}

// appNameACK and appNameQTSS name the two APP subtypes this server
// understands: an in-band ACK for reliable-UDP retransmission, and a
// client telemetry block driving the overbuffer window.
const (
	appNameACK  = "ack_"
	appNameQTSS = "qtss"
)

func (r *Receiver) processRaw(raw rtcp.RawPacket) {
	b := []byte(raw)
	if len(b) < 12 {
		return
	}

	name := string(b[8:12])
	switch name {
	case appNameACK:
		r.processAck(b[12:])
	case appNameQTSS:
		r.processQTSSTelemetry(b[12:])
	}
}

// processAck decodes an ACK payload of base sequence number (2 bytes) and
// a bitmask (4 bytes) and feeds it to the resender, per ProcessIncomingRTCPPacket's
// ack-packet branch. Only meaningful for ReliableUDP streams; acks on any
// other transport are ignored, matching the original's transport-type
// check around fResender.AckPacket.
func (r *Receiver) processAck(payload []byte) {
	if !r.reliable || r.res == nil || len(payload) < 6 {
		return
	}

	base := uint16(payload[0])<<8 | uint16(payload[1])
	mask := uint32(payload[2])<<24 | uint32(payload[3])<<16 | uint32(payload[4])<<8 | uint32(payload[5])

	_ = r.res.AckMask(base, mask, time.Now())
}

// processQTSSTelemetry applies the client-reported overbuffer window size
// to this stream's window, per ProcessIncomingRTCPPacket's non-ack APP
// branch ("Update our overbuffer window size to match what the client is
// telling us"). Only applies to receivers created with reliable == true,
// i.e. ReliableUDP streams; telemetry arriving for RawUDP or
// InterleavedTCP streams is ignored.
func (r *Receiver) processQTSSTelemetry(payload []byte) {
	if r.window == nil || !r.reliable || len(payload) < 4 {
		return
	}

	windowSize := uint32(payload[0])<<24 | uint32(payload[1])<<16 | uint32(payload[2])<<8 | uint32(payload[3])
	r.window.SetCapacity(windowSize)
}
