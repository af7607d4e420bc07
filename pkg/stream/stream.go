// Package stream implements the Stream type: one per media track within a
// session, per SPEC_FULL.md section 3. It owns the track's Setup
// negotiation (section 4.7) and its Write operation, the single call site
// that ties the quality controller, overbuffer window, transport writer,
// and RTCP sender together atomically under the session mutex (section 5).
package stream

import (
	"net"
	"strconv"
	"time"

	"github.com/pianjj123/rtpsend/pkg/attrreg"
	"github.com/pianjj123/rtpsend/pkg/liberrors"
	"github.com/pianjj123/rtpsend/pkg/overbuffer"
	"github.com/pianjj123/rtpsend/pkg/prefs"
	"github.com/pianjj123/rtpsend/pkg/quality"
	"github.com/pianjj123/rtpsend/pkg/resender"
	"github.com/pianjj123/rtpsend/pkg/rtcpreceiver"
	"github.com/pianjj123/rtpsend/pkg/rtcpsender"
	"github.com/pianjj123/rtpsend/pkg/rtplog"
	"github.com/pianjj123/rtpsend/pkg/session"
	"github.com/pianjj123/rtpsend/pkg/socketpool"
	"github.com/pianjj123/rtpsend/pkg/transport"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

// PayloadType tags a stream's media kind, needed only to pick the
// video/other drop_all_packets preference (SPEC_FULL.md 4.4).
type PayloadType int

// Recognized payload types.
const (
	PayloadUnknown PayloadType = iota
	PayloadAudio
	PayloadVideo
)

const maxStreamNameLength = 256

// defaultOverbufferBytes is the window capacity applied to ReliableUDP
// streams whose client has not set the dynamic rate to 0 (SPEC_FULL.md
// 4.3); InterleavedTCP streams get overbuffer.MaxWindow instead. Not
// specified numerically by the source; chosen as a generous multi-packet
// cushion.
const defaultOverbufferBytes = 65536

// Identity groups the attributes in SPEC_FULL.md section 3's Identity row.
type Identity struct {
	TrackID     uint32
	SSRC        uint32
	ClientSSRC  uint32
	PayloadType PayloadType
	PayloadName string
	URL         string
}

// Timing groups the Timing row.
type Timing struct {
	ClockRate      int
	FirstTimestamp uint32
	FirstSeq       uint16
	LastTimestamp  uint32
	StreamStart    time.Time
	LastSRTime     time.Time

	firstFrozen bool // invariant 3: first_seq/first_timestamp frozen before first PLAY
}

// Transport groups the Transport row.
type Transport struct {
	Mode transport.Mode

	Pair *socketpool.Pair

	RTPChannel  uint8
	RTCPChannel uint8

	RemoteAddr     net.IP
	RemoteRTPPort  int
	RemoteRTCPPort int
	LocalRTPPort   int

	TTL       int
	Multicast bool
}

// Pacing groups the Pacing row: thresholds plus the mutable per-stream
// quality state consulted by pkg/quality.
type Pacing struct {
	LateTolerance time.Duration
	BufferDelay   time.Duration
	Thresholds    quality.Thresholds
	Quality       quality.StreamState
}

// Scratch groups the Scratch row: a reusable buffer for the
// interleaved/HTTP send path, sized once at Setup time.
type Scratch struct {
	SSRCDecimal string
	SendBuffer  []byte
}

// Outcome is the result of a Write call.
type Outcome int

// Possible Write outcomes.
const (
	Sent Outcome = iota
	Dropped
	WouldBlock
)

// Stream is one media track within a session.
type Stream struct {
	Identity  Identity
	Timing    Timing
	Transport Transport
	Pacing    Pacing
	Scratch   Scratch

	PacketCount uint64
	ByteCount   uint64

	session  *session.Session
	writer   *transport.Writer
	sender   *rtcpsender.Sender
	receiver *rtcpreceiver.Receiver
	resender *resender.Resender
}

// Receiver returns the stream's RTCP receiver, for wiring into the
// RTCP-socket demuxer.
func (s *Stream) Receiver() *rtcpreceiver.Receiver { return s.receiver }

// Sender returns the stream's RTCP sender, for the periodic SR ticker.
func (s *Stream) Sender() *rtcpsender.Sender { return s.sender }

// Attributes surfaces the stream's live instrumentation values by name,
// for every attribute in reg that this stream knows how to report. This
// is the plug-in-facing read path named in SPEC_FULL.md section 5 (the
// original's qtssRTPStrQualityLevel and friends); callers hold the
// session lock for a consistent snapshot.
func (s *Stream) Attributes(reg *attrreg.Registry) map[string]any {
	values := map[string]any{
		"QualityLevel":         int32(s.Pacing.Quality.Level),
		"NumQualityLevels":     uint32(s.Pacing.Quality.NumLevels),
		"CurrentPacketDelayMs": int32(s.Pacing.Quality.LastPacketDelay.Milliseconds()),
		"PacketCount":          s.PacketCount,
		"ByteCount":            s.ByteCount,
		"StalePacketsDropped":  s.Pacing.Quality.StalePacketsDropped,
	}

	if s.receiver != nil {
		rr := s.receiver.Snapshot()
		values["FractionLostPercent"] = uint32(rr.FractionLost) * 100 / 256
		values["Jitter"] = float64(rr.Jitter)
	}

	out := make(map[string]any, reg.Len())
	for name, v := range values {
		if _, ok := reg.ID(name); ok {
			out[name] = v
		}
	}
	return out
}

// Demuxer registers a stream's RTCP receiver to be invoked for datagrams
// arriving from (remoteAddr, remoteRTCPPort), per SPEC_FULL.md 4.7 step
// 10. RTSP request parsing and the demuxer's own dispatch loop are out of
// scope (spec.md section 1 Non-goals); only this narrow registration
// contract is modeled.
type Demuxer interface {
	Register(remoteAddr net.IP, remoteRTCPPort int, recv *rtcpreceiver.Receiver) error
}

// SetupRequest carries the inputs Stream.Setup needs, already extracted
// from a parsed RTSP SETUP request and server policy by the caller (RTSP
// header parsing itself is out of scope per spec.md section 1).
type SetupRequest struct {
	URL           string
	LateTolerance time.Duration // zero means "use the 1.5s default"

	TrackID     uint32
	ClockRate   int
	PayloadType PayloadType
	PayloadName string

	// RequestedMode is the transport the client asked for, already
	// resolved from the Transport header's ordered offer list.
	RequestedMode transport.Mode

	// ReliableUDPAllowed is server policy intersected with the request's
	// file path lying under the reliable-UDP-allowed subtree (section 4.7
	// step 2 parts a+b).
	ReliableUDPAllowed bool
	// ForceRawUDP is the caller's override forcing a RawUDP downgrade
	// regardless of policy (section 4.7 step 2 part c).
	ForceRawUDP bool
	// RequireReliableUDP, when set, means the client offered no fallback
	// transport: a would-be downgrade to RawUDP is rejected outright
	// instead of silently applied.
	RequireReliableUDP bool

	// DynamicRateZero mirrors the client's dynamic-rate header set to 0,
	// disabling the overbuffer window even for ReliableUDP/TCP.
	DynamicRateZero bool

	// AllocateChannels allocates two consecutive interleaved channel
	// numbers from the parent RTSP session. Required when RequestedMode
	// resolves to InterleavedTCP; the RTSP session itself is out of scope.
	AllocateChannels func() (rtp, rtcp uint8, err error)
	// TCPWrite is the raw byte sink for interleaved writes: the RTSP
	// connection's Write, or a tunnel connection's Write when the
	// session is HTTP-tunnelled.
	TCPWrite func([]byte) error

	// RTSPClientAddr is the RTSP connection's remote address, the default
	// remote_addr for the media streams.
	RTSPClientAddr net.IP
	// AltDestAddr is a client-requested alternate destination, or nil.
	AltDestAddr net.IP
	// DestinationAllowed is the server policy permitting AltDestAddr.
	DestinationAllowed bool

	ClientRTPPort  int
	ClientRTCPPort int

	// RTSPLocalAddr is the RTSP connection's local address, the fallback
	// source interface.
	RTSPLocalAddr net.IP
	// SourceAddrOverride is the client-specified source address, used
	// only if it names a local interface (section 4.7 step 6).
	SourceAddrOverride net.IP

	TTL int

	NoSlowStart bool

	NumQualityLevels int
	DisableThinning  bool
}

func isLocalAddr(ip net.IP) bool {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok && ipn.IP.Equal(ip) {
			return true
		}
	}
	return false
}

// Setup negotiates transport and allocates endpoints for one media
// track, per SPEC_FULL.md section 4.7. sess is the parent session;
// demux is consulted only for the UDP-family path (step 10).
func Setup(sess *session.Session, demux Demuxer, req SetupRequest) (*Stream, error) {
	// Step 1: capture file name and late-tolerance default.
	if len(req.URL) > maxStreamNameLength {
		return nil, liberrors.ErrStreamNameTooLong{Length: len(req.URL), Max: maxStreamNameLength}
	}
	lateTolerance := req.LateTolerance
	if lateTolerance <= 0 {
		lateTolerance = prefs.DefaultLateTolerance
	}

	// Step 2: pick transport mode, downgrading ReliableUDP to RawUDP
	// unless server policy + path allowlist + no force-raw-UDP all hold.
	mode := req.RequestedMode
	if mode == transport.ReliableUDP {
		allowed := sess.Prefs.GetBool(prefs.ReliableUDPEnabled, false) &&
			req.ReliableUDPAllowed && !req.ForceRawUDP
		if !allowed {
			if req.RequireReliableUDP {
				return nil, liberrors.ErrReliableUDPNotAllowed{Path: req.URL}
			}
			mode = transport.RawUDP
			sess.Logf(rtplog.Info, "downgrading reliable UDP to raw UDP", "url", req.URL, "track_id", req.TrackID)
		}
	}

	// Step 3: apply overbuffer policy (shared session-level window).
	switch mode {
	case transport.InterleavedTCP:
		if req.DynamicRateZero {
			sess.Overbuffer.SetCapacity(0)
		} else {
			sess.Overbuffer.SetCapacity(overbuffer.MaxWindow)
		}
	case transport.RawUDP:
		sess.Overbuffer.SetCapacity(0)
	default: // ReliableUDP
		if req.DynamicRateZero {
			sess.Overbuffer.SetCapacity(0)
		} else {
			sess.Overbuffer.SetCapacity(defaultOverbufferBytes)
		}
	}

	st := newStream(sess, req, lateTolerance, mode)

	// Step 4: interleaved TCP only needs two channel numbers; return early.
	if mode == transport.InterleavedTCP {
		rtpCh, rtcpCh, err := req.AllocateChannels()
		if err != nil {
			return nil, err
		}
		st.Transport.RTPChannel = rtpCh
		st.Transport.RTCPChannel = rtcpCh
		st.writer = &transport.Writer{
			Mode:        transport.InterleavedTCP,
			RTPChannel:  rtpCh,
			RTCPChannel: rtcpCh,
			TCPWrite:    req.TCPWrite,
		}
		st.receiver = rtcpreceiver.New(nil, sess.Overbuffer, false)
		return st, nil
	}

	// Step 5: derive remote_addr and validate client ports.
	remoteAddr := req.RTSPClientAddr
	if req.AltDestAddr != nil {
		if !req.DestinationAllowed {
			return nil, liberrors.ErrAltDestinationForbidden{Requested: req.AltDestAddr.String()}
		}
		remoteAddr = req.AltDestAddr
	}

	if req.ClientRTPPort == 0 || req.ClientRTPPort%2 != 0 {
		return nil, liberrors.ErrPortNotEven{Port: req.ClientRTPPort}
	}
	if req.ClientRTCPPort == 0 {
		return nil, liberrors.ErrRTCPPortZero{}
	}

	// Step 6: choose the source interface.
	sourceAddr := req.RTSPLocalAddr
	if req.SourceAddrOverride != nil && isLocalAddr(req.SourceAddrOverride) {
		sourceAddr = req.SourceAddrOverride
	}

	isMulticast := remoteAddr.IsMulticast()

	var pair *socketpool.Pair
	var err error
	if isMulticast {
		// Step 7: dedicated pair, TTL + multicast interface on both sockets.
		iface, ifErr := socketpool.InterfaceForSource(sourceAddr)
		if ifErr != nil {
			iface = nil
		}
		pair, err = sess.Pool.Dedicated(&net.UDPAddr{IP: sourceAddr}, iface, req.TTL)
	} else {
		// Step 8: shared pair keyed by (source, remote, remote_rtcp_port).
		key := socketpool.Key(sourceAddr, remoteAddr, req.ClientRTCPPort)
		pair, err = sess.Pool.Shared(key, &net.UDPAddr{IP: sourceAddr})
	}
	if err != nil {
		return nil, err
	}

	st.Transport.Pair = pair
	st.Transport.RemoteAddr = remoteAddr
	st.Transport.RemoteRTPPort = req.ClientRTPPort
	st.Transport.RemoteRTCPPort = req.ClientRTCPPort
	st.Transport.LocalRTPPort = pair.RTP.LocalAddr().(*net.UDPAddr).Port
	st.Transport.TTL = req.TTL
	st.Transport.Multicast = isMulticast

	st.writer = &transport.Writer{
		Mode:           mode,
		RTPConn:        pair.RTP,
		RTCPConn:       pair.RTCP,
		RemoteAddr:     &net.UDPAddr{IP: remoteAddr, Port: req.ClientRTPPort},
		RemoteRTCPPort: req.ClientRTCPPort,
	}

	// Step 9: reliable UDP attaches the resender to the bandwidth tracker.
	var reliable bool
	if mode == transport.ReliableUDP {
		reliable = true
		sendFn := func(payload []byte) error {
			_, sendErr := pair.RTP.WriteToUDP(payload, &net.UDPAddr{IP: remoteAddr, Port: req.ClientRTPPort})
			return sendErr
		}
		st.resender = resender.New(sess.Bandwidth, sendFn)
		st.resender.SetReady(true)
		st.writer.Resender = st.resender

		useSlowStart := !req.NoSlowStart && sess.Prefs.GetBool(prefs.SlowStartEnabled, true)
		if !useSlowStart {
			sess.Bandwidth.DisableSlowStart()
		}
	}
	st.receiver = rtcpreceiver.New(st.resender, sess.Overbuffer, reliable)

	// Step 10: register with the RTCP demuxer.
	if err := demux.Register(remoteAddr, req.ClientRTCPPort, st.receiver); err != nil {
		sess.Pool.Release(pair)
		return nil, liberrors.ErrDemuxerRegistrationFailed{Err: err}
	}

	return st, nil
}

func newStream(sess *session.Session, req SetupRequest, lateTolerance time.Duration, mode transport.Mode) *Stream {
	adjust := quality.ToleranceAdjust(lateTolerance)

	th := quality.Thresholds{
		DropAllPackets: msPref(sess.Prefs, dropAllPref(req.PayloadType)) - adjust,
		ThinAllTheWay:  msPref(sess.Prefs, prefs.ThinAllTheWayTimeMs) - adjust,
		AlwaysThin:     msPref(sess.Prefs, prefs.AlwaysThinTimeMs) - adjust,
		StartThinning:  msPref(sess.Prefs, prefs.StartThinningTimeMs) - adjust,
		StartThicking:  msPref(sess.Prefs, prefs.StartThickingTimeMs) - adjust,
		ThickAllTheWay: time.Duration(sess.Prefs.GetInt(prefs.ThickAllTheWayTimeMs, 500)) * time.Millisecond,
		CheckInterval:  msPref(sess.Prefs, prefs.QualityCheckIntervalMs) - adjust,
	}

	disableThinning := req.DisableThinning || sess.Prefs.GetBool(prefs.DisableThinning, false)

	return &Stream{
		Identity: Identity{
			TrackID:     req.TrackID,
			PayloadType: req.PayloadType,
			PayloadName: req.PayloadName,
			URL:         req.URL,
		},
		Timing: Timing{
			ClockRate:   req.ClockRate,
			StreamStart: time.Now(),
		},
		Transport: Transport{Mode: mode},
		Pacing: Pacing{
			LateTolerance: lateTolerance,
			BufferDelay:   prefs.DefaultBufferDelay,
			Thresholds:    th,
			Quality: quality.StreamState{
				NumLevels:       req.NumQualityLevels,
				DisableThinning: disableThinning,
				IsRawUDP:        mode == transport.RawUDP,
			},
		},
		session: sess,
		sender:  rtcpsender.New(req.ClockRate),
	}
}

func dropAllPref(pt PayloadType) string {
	if pt == PayloadVideo {
		return prefs.DropAllVideoPacketsTimeMs
	}
	return prefs.DropAllPacketsTimeMs
}

func msPref(src prefs.Source, name string) time.Duration {
	return time.Duration(src.GetInt(name, 0)) * time.Millisecond
}

// freezeFirstPacket captures first_seq_number/first_timestamp on the
// first RTP packet written, per invariant 3 of SPEC_FULL.md section 3:
// these fields are frozen before the first PLAY and never mutated again.
func (t *Timing) freezeFirstPacket(pkt *rtp.Packet) {
	if t.firstFrozen {
		return
	}
	t.FirstSeq = pkt.SequenceNumber
	t.FirstTimestamp = pkt.Timestamp
	t.firstFrozen = true
}

// captureSSRC records the stream's own SSRC and its decimal-string
// scratch form from the first outbound RTP packet, per the Identity and
// Scratch rows of SPEC_FULL.md section 3.
func (s *Stream) captureSSRC(pkt *rtp.Packet) {
	if s.Identity.SSRC != 0 {
		return
	}
	s.Identity.SSRC = pkt.SSRC
	s.Scratch.SSRCDecimal = strconv.FormatUint(uint64(pkt.SSRC), 10)
}

// MarkBurstBegin flags that the next WriteRTP call starts a write burst
// (e.g. the first packet after a seek), so it bypasses the overbuffer
// pacing gate once, per the original's qtssWriteFlagsWriteBurstBegin
// handling. Callers invoke this before the first post-seek WriteRTP.
func (s *Stream) MarkBurstBegin() {
	s.session.Lock()
	defer s.session.Unlock()
	s.session.Overbuffer.MarkBeginningOfWriteBurst()
}

// WriteRTP performs one RTP packet write: quality check, overbuffer
// admission, transport write, and stats/SR bookkeeping, atomically under
// the session mutex, per SPEC_FULL.md section 5's ordering guarantee.
func (s *Stream) WriteRTP(pkt *rtp.Packet, payload []byte, scheduledTransmit, now time.Time) (Outcome, error) {
	s.session.Lock()
	defer s.session.Unlock()

	// Draining the window before every write, unconditionally, is what
	// keeps CheckTransmitTime's byte-capacity guard from sticking once the
	// window fills; the original does this at the top of Write, before
	// any RTP/RTCP branching.
	s.session.Overbuffer.EmptyOutWindow(now)
	burstBegin := s.session.Overbuffer.ConsumeBurstBegin()

	s.Timing.freezeFirstPacket(pkt)
	s.captureSSRC(pkt)

	if quality.CheckWithPlayStart(s.Pacing.Thresholds, &s.session.Quality, &s.Pacing.Quality, s.session.PlayStart, scheduledTransmit, now) == quality.Drop {
		s.session.Logf(rtplog.Debug, "dropping packet under quality control",
			"track_id", s.Identity.TrackID, "seq", pkt.SequenceNumber, "delay_ms", now.Sub(scheduledTransmit).Milliseconds())
		return Dropped, nil
	}

	size := uint32(len(payload))
	if !burstBegin && s.session.Overbuffer.OverbufferingEnabled() {
		wakeup := s.session.Overbuffer.CheckTransmitTime(scheduledTransmit, now, size)
		if wakeup.After(now) {
			return WouldBlock, liberrors.ErrWouldBlock{EndpointID: "overbuffer"}
		}
	}

	lifetime := s.Pacing.Thresholds.DropAllPackets - now.Sub(scheduledTransmit)

	var flags transport.Flags
	if burstBegin {
		flags |= transport.FlagBurstBegin
	}
	if err := s.writer.Write(payload, flags, pkt.SequenceNumber, lifetime); err != nil {
		return WouldBlock, err
	}

	s.session.Overbuffer.AddPacketToWindow(size)

	s.PacketCount++
	s.ByteCount += uint64(len(payload))
	s.Timing.LastTimestamp = pkt.Timestamp

	if s.receiver != nil {
		s.receiver.RecordSentPacket()
	}

	s.sender.ProcessPacket(pkt, now, len(payload))
	s.session.RefreshActivity(now)

	return Sent, nil
}

// WriteRTCP sends an already-built compound RTCP packet (e.g. from
// Sender.Report), bypassing the quality controller always and the
// overbuffer gate whenever the session has overbuffering enabled, per
// SPEC_FULL.md 4.3
// ("when the session reports overbuffering disabled, RTCP traffic is
// also gated by check_transmit_time; when enabled, RTCP bypasses the
// gate"). Callers must hold the session lock.
func (s *Stream) WriteRTCP(payload []byte, now time.Time) error {
	s.session.Overbuffer.EmptyOutWindow(now)

	if !s.session.Overbuffer.OverbufferingEnabled() {
		wakeup := s.session.Overbuffer.CheckTransmitTime(now, now, uint32(len(payload)))
		if wakeup.After(now) {
			return liberrors.ErrWouldBlock{EndpointID: "overbuffer"}
		}
	}
	return s.writer.Write(payload, transport.FlagRTCP, 0, 0)
}

// EmitSenderReport builds and sends a Sender Report if one is due
// (SPEC_FULL.md 4.5 / P4), updating Timing.LastSRTime. bye appends a
// trailing Goodbye chunk, for use on session teardown.
func (s *Stream) EmitSenderReport(now time.Time, bye bool) error {
	s.session.Lock()
	defer s.session.Unlock()

	if !s.sender.ShouldEmit(now) {
		return nil
	}

	packets := s.sender.Report(now, s.session.Bandwidth, bye)
	if packets == nil {
		return nil
	}

	buf, err := rtcp.Marshal(packets)
	if err != nil {
		return err
	}

	s.Timing.LastSRTime = now
	return s.WriteRTCP(buf, now)
}
