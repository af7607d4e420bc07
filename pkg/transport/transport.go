// Package transport implements the Writer abstraction of SPEC_FULL.md
// section 4.1: one call site that dispatches an outbound RTP or RTCP
// packet to raw UDP, the reliable-UDP resender, or an interleaved TCP
// channel (optionally wrapped in an HTTP tunnel), exactly mirroring the
// inFlags-driven branch in
// original_source/Server.tproj/RTPStream.cpp::Write.
package transport

import (
	"net"
	"time"

	"github.com/pianjj123/rtpsend/pkg/liberrors"
	"github.com/pianjj123/rtpsend/pkg/multibuffer"
	"github.com/pianjj123/rtpsend/pkg/resender"
	"github.com/pianjj123/rtpsend/pkg/wire"
)

// scratchBufferSize covers a typical RTP/RTCP packet plus the 4-byte
// interleaved-frame header; larger frames fall back to a one-off
// allocation. scratchBufferCount lets a burst of writes each get their
// own buffer before one is reused, since TCPWrite may retain a reference
// past the call (e.g. a buffered connection's internal copy queue).
const (
	scratchBufferSize  = 2048
	scratchBufferCount = 4
)

// Mode names the three transport modes of SPEC_FULL.md section 3.
type Mode int

// Supported transport modes.
const (
	RawUDP Mode = iota
	ReliableUDP
	InterleavedTCP
)

// Flags mirrors the qtssWriteFlags bitmask consulted by Write.
type Flags uint8

// Recognized Flags bits.
const (
	FlagRTCP Flags = 1 << iota
	FlagBurstBegin
)

// Writer dispatches one packet write per SPEC_FULL.md section 4.1. It
// holds no pacing or quality state of its own — those live on the
// session and stream and are applied by the caller before Write is
// invoked; Writer only knows how to put bytes on the wire for the
// stream's negotiated transport mode.
type Writer struct {
	Mode Mode

	// RawUDP / ReliableUDP destinations.
	RTPConn, RTCPConn *net.UDPConn
	RemoteAddr        *net.UDPAddr
	RemoteRTCPPort    int

	// InterleavedTCP destination. TCPWrite is the raw byte sink: a plain
	// net.Conn.Write for a bare TCP session, or a tunnel.conn's Write when
	// the session is HTTP-tunnelled (SPEC_FULL.md 4.1.1).
	TCPWrite    func([]byte) error
	RTPChannel  uint8
	RTCPChannel uint8

	// Resender is consulted for RTP packets on ReliableUDP; RTCP on
	// ReliableUDP still goes out as a raw, unretransmitted datagram,
	// matching the original's SendTo call on fSockets->GetSocketB().
	Resender *resender.Resender

	scratch *multibuffer.MultiBuffer
}

// scratchBuf returns a reusable buffer for framing one interleaved
// write, allocating the backing multibuffer lazily so a raw-UDP or
// ReliableUDP Writer never pays for it.
func (w *Writer) scratchBuf() []byte {
	if w.scratch == nil {
		w.scratch = multibuffer.New(scratchBufferCount, scratchBufferSize)
	}
	return w.scratch.Next()
}

// Write sends payload (an already-marshaled RTP or RTCP packet) per the
// stream's transport mode. seq is the RTP sequence number, used only
// when flags omits FlagRTCP and Mode is ReliableUDP, to key the
// resender's retransmission table. lifetime bounds how long the
// resender retains the packet for retransmission.
func (w *Writer) Write(payload []byte, flags Flags, seq uint16, lifetime time.Duration) error {
	isRTCP := flags&FlagRTCP != 0

	switch w.Mode {
	case InterleavedTCP:
		channel := w.RTPChannel
		if isRTCP {
			channel = w.RTCPChannel
		}
		return w.writeInterleaved(payload, channel)

	case ReliableUDP:
		if isRTCP {
			return w.writeRawRTCP(payload)
		}
		return w.writeReliableRTP(payload, seq, lifetime)

	default: // RawUDP
		if isRTCP {
			return w.writeRawRTCP(payload)
		}
		return w.writeRawRTP(payload)
	}
}

func (w *Writer) writeInterleaved(payload []byte, channel uint8) error {
	frame := wire.InterleavedFrame{Channel: channel, Payload: payload}

	size := frame.MarshalSize()
	buf := w.scratchBuf()
	if size > len(buf) {
		buf = make([]byte, size)
	} else {
		buf = buf[:size]
	}

	if _, err := frame.MarshalTo(buf); err != nil {
		return err
	}
	return w.TCPWrite(buf)
}

func (w *Writer) writeRawRTP(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	_, err := w.RTPConn.WriteToUDP(payload, &net.UDPAddr{IP: w.RemoteAddr.IP, Port: w.RemoteAddr.Port})
	return err
}

func (w *Writer) writeRawRTCP(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	_, err := w.RTCPConn.WriteToUDP(payload, &net.UDPAddr{IP: w.RemoteAddr.IP, Port: w.RemoteRTCPPort})
	return err
}

func (w *Writer) writeReliableRTP(payload []byte, seq uint16, lifetime time.Duration) error {
	if w.Resender == nil {
		return liberrors.ErrResenderNotReady{}
	}
	if w.Resender.IsFlowControlled() {
		return liberrors.ErrWouldBlock{EndpointID: "resender"}
	}

	if err := w.writeRawRTP(payload); err != nil {
		return err
	}

	w.Resender.AddPacket(seq, payload, lifetime, time.Now())
	return nil
}
