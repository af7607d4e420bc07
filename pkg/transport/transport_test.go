package transport

import (
	"net"
	"testing"
	"time"

	"github.com/pianjj123/rtpsend/pkg/bandwidth"
	"github.com/pianjj123/rtpsend/pkg/resender"
	"github.com/stretchr/testify/require"
)

func udpPair(t *testing.T) (*net.UDPConn, *net.UDPConn) {
	t.Helper()
	a, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	b, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	return a, b
}

func TestRawUDPWritesToRemote(t *testing.T) {
	rtp, remote := udpPair(t)
	defer rtp.Close()
	defer remote.Close()

	w := &Writer{
		Mode:       RawUDP,
		RTPConn:    rtp,
		RemoteAddr: remote.LocalAddr().(*net.UDPAddr),
	}

	err := w.Write([]byte{1, 2, 3}, 0, 0, 0)
	require.NoError(t, err)

	buf := make([]byte, 16)
	remote.SetReadDeadline(time.Now().Add(time.Second))
	n, _, err := remote.ReadFromUDP(buf)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, buf[:n])
}

func TestInterleavedTCPUsesWireFraming(t *testing.T) {
	var written []byte
	w := &Writer{
		Mode:       InterleavedTCP,
		RTPChannel: 0,
		TCPWrite: func(b []byte) error {
			written = append(written, b...)
			return nil
		},
	}

	err := w.Write([]byte{0xAA, 0xBB}, 0, 0, 0)
	require.NoError(t, err)

	require.Equal(t, byte(0x24), written[0])
	require.Equal(t, byte(0), written[1])
	require.Equal(t, []byte{0xAA, 0xBB}, written[4:])
}

func TestInterleavedTCPUsesRTCPChannelWhenFlagged(t *testing.T) {
	var channelSeen byte
	w := &Writer{
		Mode:        InterleavedTCP,
		RTPChannel:  0,
		RTCPChannel: 1,
		TCPWrite: func(b []byte) error {
			channelSeen = b[1]
			return nil
		},
	}

	require.NoError(t, w.Write([]byte{0x01}, FlagRTCP, 0, 0))
	require.Equal(t, byte(1), channelSeen)
}

func TestReliableUDPQueuesForRetransmission(t *testing.T) {
	rtp, remote := udpPair(t)
	defer rtp.Close()
	defer remote.Close()

	tracker := bandwidth.New(false, 1e6)
	res := resender.New(tracker, func([]byte) error { return nil })
	res.SetReady(true)

	w := &Writer{
		Mode:       ReliableUDP,
		RTPConn:    rtp,
		RemoteAddr: remote.LocalAddr().(*net.UDPAddr),
		Resender:   res,
	}

	err := w.Write([]byte{9, 9}, 0, 77, time.Second)
	require.NoError(t, err)
	require.True(t, res.Has(77))
}

func TestReliableUDPReturnsWouldBlockWhenFlowControlled(t *testing.T) {
	rtp, remote := udpPair(t)
	defer rtp.Close()
	defer remote.Close()

	tracker := bandwidth.New(true, 1e6)
	res := resender.New(tracker, func([]byte) error { return nil })
	res.SetReady(true)

	// Exhaust the congestion window (slow start begins at minWindowPackets).
	for i := 0; i < 64; i++ {
		if tracker.IsFlowControlled() {
			break
		}
		tracker.ReserveSend()
	}
	require.True(t, tracker.IsFlowControlled())

	w := &Writer{
		Mode:       ReliableUDP,
		RTPConn:    rtp,
		RemoteAddr: remote.LocalAddr().(*net.UDPAddr),
		Resender:   res,
	}

	err := w.Write([]byte{1}, 0, 1, time.Second)
	require.Error(t, err)
}

func TestReliableUDPRTCPBypassesResender(t *testing.T) {
	rtp, remote := udpPair(t)
	rtcp, remoteRTCP := udpPair(t)
	defer rtp.Close()
	defer remote.Close()
	defer rtcp.Close()
	defer remoteRTCP.Close()

	w := &Writer{
		Mode:           ReliableUDP,
		RTPConn:        rtp,
		RTCPConn:       rtcp,
		RemoteAddr:     remote.LocalAddr().(*net.UDPAddr),
		RemoteRTCPPort: remoteRTCP.LocalAddr().(*net.UDPAddr).Port,
	}

	err := w.Write([]byte{1, 2}, FlagRTCP, 0, 0)
	require.NoError(t, err)

	buf := make([]byte, 16)
	remoteRTCP.SetReadDeadline(time.Now().Add(time.Second))
	n, _, err := remoteRTCP.ReadFromUDP(buf)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2}, buf[:n])
}
