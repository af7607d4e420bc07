package rtcpsender

import (
	"testing"
	"time"

	"github.com/pianjj123/rtpsend/pkg/bandwidth"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"
)

func TestShouldEmitRequiresFirstPacket(t *testing.T) {
	s := New(90000)
	now := time.Now()
	require.False(t, s.ShouldEmit(now))
}

func TestShouldEmitGatedByMinPeriod(t *testing.T) {
	s := New(90000)
	now := time.Now()

	s.ProcessPacket(&rtp.Packet{Header: rtp.Header{Timestamp: 1000, SSRC: 42}}, now, 200)
	require.True(t, s.ShouldEmit(now.Add(time.Millisecond)))

	_ = s.Report(now.Add(time.Millisecond), nil, false)
	require.False(t, s.ShouldEmit(now.Add(2*time.Second)))
	require.True(t, s.ShouldEmit(now.Add(MinPeriod+time.Second)))
}

// TestReportByteCountExcludesHeaders exercises the payload-byte-count
// correction: two packets of total length 212 and 312 bytes (12-byte RTP
// header each) should yield an accumulated payload byte count of 500.
func TestReportByteCountExcludesHeaders(t *testing.T) {
	s := New(90000)
	now := time.Now()

	s.ProcessPacket(&rtp.Packet{Header: rtp.Header{Timestamp: 1000, SSRC: 7}}, now, 212)
	s.ProcessPacket(&rtp.Packet{Header: rtp.Header{Timestamp: 2000, SSRC: 7}}, now, 312)

	packets := s.Report(now, nil, false)
	require.NotEmpty(t, packets)

	sr, ok := packets[0].(*rtcp.SenderReport)
	require.True(t, ok)
	require.Equal(t, uint32(2), sr.PacketCount)
	require.Equal(t, uint32(500), sr.OctetCount)
	require.Equal(t, uint32(7), sr.SSRC)
}

func TestReportIncludesAckTimeoutAPP(t *testing.T) {
	s := New(90000)
	now := time.Now()
	tracker := bandwidth.New(false, 1e6)

	s.ProcessPacket(&rtp.Packet{Header: rtp.Header{Timestamp: 1000, SSRC: 1}}, now, 100)

	packets := s.Report(now, tracker, false)
	require.Len(t, packets, 2)

	raw, ok := packets[1].(*rtcp.RawPacket)
	require.True(t, ok)
	b := []byte(*raw)
	require.GreaterOrEqual(t, len(b), 16)
	require.Equal(t, []byte(appSubtype), b[8:12])
}

func TestReportWithByeAppendsGoodbye(t *testing.T) {
	s := New(90000)
	now := time.Now()

	s.ProcessPacket(&rtp.Packet{Header: rtp.Header{Timestamp: 1000, SSRC: 99}}, now, 100)

	packets := s.Report(now, nil, true)
	require.Len(t, packets, 3)

	bye, ok := packets[2].(*rtcp.Goodbye)
	require.True(t, ok)
	require.Equal(t, []uint32{99}, bye.Sources)
}
