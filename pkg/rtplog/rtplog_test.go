package rtplog

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestDiscardDropsEverything(t *testing.T) {
	require.NotPanics(t, func() {
		Discard(Error, "whatever", "k", "v")
	})
}

func TestZerologEmitsLevelAndFields(t *testing.T) {
	var buf bytes.Buffer
	fn := Zerolog(zerolog.New(&buf))

	fn(Warn, "packet dropped", "seq", 42, "track", "video")

	var out map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	require.Equal(t, "warn", out["level"])
	require.Equal(t, "packet dropped", out["message"])
	require.Equal(t, float64(42), out["seq"])
	require.Equal(t, "video", out["track"])
}
