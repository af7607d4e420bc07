package wire

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInterleavedFrameMarshal(t *testing.T) {
	f := InterleavedFrame{
		Channel: 0,
		Payload: []byte{0xDE, 0xAD, 0xBE, 0xEF},
	}

	buf, err := f.Marshal()
	require.NoError(t, err)
	require.Equal(t, []byte{0x24, 0x00, 0x00, 0x04, 0xDE, 0xAD, 0xBE, 0xEF}, buf)
}

func TestInterleavedFrameRoundTrip(t *testing.T) {
	f := InterleavedFrame{
		Channel: 3,
		Payload: bytes.Repeat([]byte{0x01, 0x02}, 100),
	}

	buf, err := f.Marshal()
	require.NoError(t, err)

	var decoded InterleavedFrame
	err = decoded.Unmarshal(bufio.NewReader(bytes.NewReader(buf)))
	require.NoError(t, err)
	require.Equal(t, f, decoded)
}

func TestInterleavedFrameInvalidMagicByte(t *testing.T) {
	var decoded InterleavedFrame
	err := decoded.Unmarshal(bufio.NewReader(bytes.NewReader([]byte{0x00, 0x00, 0x00, 0x00})))
	require.Error(t, err)
}
