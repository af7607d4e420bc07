package session

import (
	"testing"
	"time"

	"github.com/pianjj123/rtpsend/pkg/prefs"
	"github.com/pianjj123/rtpsend/pkg/socketpool"
	"github.com/stretchr/testify/require"
)

func prefsDefault() prefs.Source {
	return prefs.Default()
}

func TestIsIdleHonorsDeadline(t *testing.T) {
	s := New(prefsDefault(), socketpool.NewPool(), 0, 0, time.Second)

	start := time.Now()
	s.lastActivity = start

	require.False(t, s.IsIdle(start.Add(500*time.Millisecond)))
	require.True(t, s.IsIdle(start.Add(2*time.Second)))
}

func TestIsIdleDisabledWhenTimeoutZero(t *testing.T) {
	s := New(prefsDefault(), socketpool.NewPool(), 0, 0, 0)
	require.False(t, s.IsIdle(time.Now().Add(time.Hour)))
}

func TestRefreshActivityResetsDeadline(t *testing.T) {
	s := New(prefsDefault(), socketpool.NewPool(), 0, 0, time.Second)

	now := time.Now()
	s.lastActivity = now

	s.RefreshActivity(now.Add(800 * time.Millisecond))
	require.False(t, s.IsIdle(now.Add(1200*time.Millisecond)))
}

func TestTryLockRespectsHeldLock(t *testing.T) {
	s := New(prefsDefault(), socketpool.NewPool(), 0, 0, 0)
	s.Lock()
	defer s.Unlock()

	require.False(t, s.TryLock())
}
