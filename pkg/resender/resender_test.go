package resender

import (
	"testing"
	"time"

	"github.com/pianjj123/rtpsend/pkg/bandwidth"
	"github.com/stretchr/testify/require"
)

func newTestResender() *Resender {
	tracker := bandwidth.New(false, 1e6)
	return New(tracker, func([]byte) error { return nil })
}

// TestAckMaskClearsEntries exercises scenario 6 of SPEC_FULL.md section 6:
// base=42, mask bits at 0, 2, 5 clears 42, 43, 45, 48.
func TestAckMaskClearsEntries(t *testing.T) {
	r := newTestResender()
	r.SetReady(true)

	now := time.Now()
	for _, seq := range []uint16{42, 43, 44, 45, 46, 47, 48, 49} {
		r.AddPacket(seq, []byte{0x01, 0x02}, time.Second, now)
	}

	mask := uint32(1<<0 | 1<<2 | 1<<5)
	err := r.AckMask(42, mask, now.Add(10*time.Millisecond))
	require.NoError(t, err)

	for _, seq := range []uint16{42, 43, 45, 48} {
		require.Falsef(t, r.Has(seq), "seq %d should be acked", seq)
	}
	for _, seq := range []uint16{44, 46, 47, 49} {
		require.Truef(t, r.Has(seq), "seq %d should still be pending", seq)
	}
}

func TestAckBeforeReadyIsRejected(t *testing.T) {
	r := newTestResender()

	now := time.Now()
	r.AddPacket(1, []byte{0x01}, time.Second, now)

	err := r.Ack(1, now)
	require.Error(t, err)
	require.True(t, r.Has(1))
}

func TestResendDueEntriesDropsPastDeadline(t *testing.T) {
	r := newTestResender()
	r.SetReady(true)

	now := time.Now()
	r.AddPacket(7, []byte{0x01}, -time.Second, now) // already stale

	r.ResendDueEntries(now.Add(2*time.Second), time.Second)
	require.False(t, r.Has(7))
}

func TestResendDueEntriesRetransmitsBeforeDeadline(t *testing.T) {
	var sent [][]byte
	tracker := bandwidth.New(false, 1e6)
	r := New(tracker, func(p []byte) error {
		sent = append(sent, p)
		return nil
	})
	r.SetReady(true)

	now := time.Now()
	r.AddPacket(9, []byte{0xAB}, 5*time.Second, now)

	r.ResendDueEntries(now.Add(initialBackoff+time.Millisecond), time.Second)
	require.Len(t, sent, 1)
	require.True(t, r.Has(9))
}
