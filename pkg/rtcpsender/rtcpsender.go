// Package rtcpsender generates RTCP Sender Reports for one RTP stream,
// per SPEC_FULL.md section 4.5. It is adapted from the teacher's
// internal/rtcpsender (NTP fixed-point conversion) and extended with the
// payload-byte-count correction, the trailing ack-timeout APP block, and
// an optional BYE on teardown. It runs no ticker or goroutine of its own:
// the caller checks ShouldEmit and calls Report.
package rtcpsender

import (
	"sync"
	"time"

	"github.com/pianjj123/rtpsend/pkg/bandwidth"
	"github.com/pianjj123/rtpsend/pkg/ntp"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

// MinPeriod is the minimum interval between Sender Reports, per
// SPEC_FULL.md section 4.5 / P4 ("now > last_sr_time + 5000ms").
const MinPeriod = 5 * time.Second

// rtpHeaderSize is the fixed RTP header size assumed by the payload byte
// count correction. It is only correct for packets with no CSRC list and
// no header extension (SPEC_FULL.md DESIGN NOTES, "Sender-report byte
// count formula").
const rtpHeaderSize = 12

// appSubtype is the 4-character name QTSS-style clients look for on the
// trailing APP block carrying the recommended ack timeout.
const appSubtype = "qtat" // "QTSS Tracker Ack Timeout"

// Sender generates RTCP Sender Reports for one stream.
type Sender struct {
	ClockRate int
	TimeNow   func() time.Time

	mutex sync.Mutex

	firstPacketSent bool
	lastTimeRTP     uint32
	lastTimeNTP     time.Time
	lastTimeSystem  time.Time
	localSSRC       uint32

	packetCount uint32
	byteCount   uint64 // total bytes including RTP headers

	lastSRTime time.Time
}

// New allocates a Sender for the given clock rate.
func New(clockRate int) *Sender {
	return &Sender{ClockRate: clockRate, TimeNow: time.Now}
}

// ProcessPacket records bookkeeping from an outbound RTP packet. Call
// this after a successful send, per P1.
func (s *Sender) ProcessPacket(pkt *rtp.Packet, ntpNow time.Time, totalLen int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.firstPacketSent = true
	s.lastTimeRTP = pkt.Timestamp
	s.lastTimeNTP = ntpNow
	s.lastTimeSystem = s.now()
	s.localSSRC = pkt.SSRC

	s.packetCount++
	s.byteCount += uint64(totalLen)
}

func (s *Sender) now() time.Time {
	if s.TimeNow != nil {
		return s.TimeNow()
	}
	return time.Now()
}

// ShouldEmit reports whether a Sender Report is due: at least one RTP
// packet has been sent and now > last_sr_time + MinPeriod (P4).
func (s *Sender) ShouldEmit(now time.Time) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.firstPacketSent {
		return false
	}
	return now.After(s.lastSRTime.Add(MinPeriod))
}

// Report builds a compound RTCP packet: a SenderReport with the
// corrected payload byte count, a trailing APP block advertising the
// tracker's recommended ack timeout, and (if bye is true) a Goodbye.
// Marks lastSRTime as now.
func (s *Sender) Report(now time.Time, tracker *bandwidth.Tracker, bye bool) []rtcp.Packet {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.firstPacketSent {
		return nil
	}

	systemTimeDiff := now.Sub(s.lastTimeSystem)
	ntpTime := s.lastTimeNTP.Add(systemTimeDiff)
	rtpTime := s.lastTimeRTP
	if s.ClockRate > 0 {
		rtpTime += uint32(systemTimeDiff.Seconds() * float64(s.ClockRate))
	}

	payloadBytes := s.byteCount - uint64(rtpHeaderSize)*uint64(s.packetCount)

	sr := &rtcp.SenderReport{
		SSRC:        s.localSSRC,
		NTPTime:     ntp.Encode(ntpTime),
		RTPTime:     rtpTime,
		PacketCount: s.packetCount,
		OctetCount:  uint32(payloadBytes),
	}

	packets := []rtcp.Packet{sr}

	var ackTimeoutMs uint32
	if tracker != nil {
		ackTimeoutMs = uint32(tracker.RecommendedAckTimeout().Milliseconds())
	}
	packets = append(packets, ackTimeoutAppPacket(s.localSSRC, ackTimeoutMs))

	if bye {
		packets = append(packets, &rtcp.Goodbye{Sources: []uint32{s.localSSRC}})
	}

	s.lastSRTime = now

	return packets
}

// ackTimeoutAppPacket hand-builds an RFC 3550 section 6.7 APP packet:
// a 4-byte header, the sender SSRC, a 4-byte ASCII name, and a 4-byte
// application payload carrying the recommended ack timeout in
// milliseconds. It is assembled as raw bytes (wrapped in rtcp.RawPacket,
// which is a pass-through Packet implementation) rather than through a
// dedicated pion/rtcp APP type, since the library does not expose one.
func ackTimeoutAppPacket(ssrc, ackTimeoutMs uint32) *rtcp.RawPacket {
	const words = 3 // SSRC + name + payload, not counting the header word itself

	buf := make([]byte, (words+1)*4)
	buf[0] = 2 << 6 // version 2, padding 0, subtype 0
	buf[1] = byte(rtcp.TypeApplicationDefined)
	buf[2] = byte(words >> 8)
	buf[3] = byte(words)

	putUint32(buf[4:8], ssrc)
	copy(buf[8:12], appSubtype)
	putUint32(buf[12:16], ackTimeoutMs)

	raw := rtcp.RawPacket(buf)
	return &raw
}

func putUint32(dst []byte, v uint32) {
	dst[0] = byte(v >> 24)
	dst[1] = byte(v >> 16)
	dst[2] = byte(v >> 8)
	dst[3] = byte(v)
}
