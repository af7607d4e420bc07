package prefs

import (
	"testing"

	"github.com/pianjj123/rtpsend/pkg/liberrors"
	"github.com/stretchr/testify/require"
)

func TestParseOverridesAppliesTypedValues(t *testing.T) {
	base := Default()
	out, err := ParseOverrides(base, map[string]string{
		ReliableUDPEnabled:  "true",
		StartThinningTimeMs: "1234",
		ReliableUDPDirs:     "/movies",
	})
	require.NoError(t, err)
	require.True(t, out.GetBool(ReliableUDPEnabled, false))
	require.Equal(t, 1234, out.GetInt(StartThinningTimeMs, 0))
	require.Equal(t, []string{"/movies"}, out.GetStringList(ReliableUDPDirs, nil))

	// base is left untouched.
	require.False(t, base.GetBool(ReliableUDPEnabled, false))
}

func TestParseOverridesRejectsUnknownName(t *testing.T) {
	base := Default()
	_, err := ParseOverrides(base, map[string]string{"not_a_real_pref": "1"})
	require.Error(t, err)
	require.IsType(t, liberrors.ErrUnknownPreference{}, err)
}
