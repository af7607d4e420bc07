// Package session implements the per-session context named throughout
// SPEC_FULL.md sections 1 and 5: the mutex that serializes all mutable
// stream state, the shared overbuffer window and bandwidth tracker, the
// session-wide quality-thinning state (invariant 5 of SPEC_FULL.md
// section 3), and idle-timeout bookkeeping. It plays the role the
// teacher's ServerSession plays for RTSP method dispatch, narrowed to
// the state the send pipeline actually touches.
package session

import (
	"sync"
	"time"

	"github.com/pianjj123/rtpsend/pkg/bandwidth"
	"github.com/pianjj123/rtpsend/pkg/overbuffer"
	"github.com/pianjj123/rtpsend/pkg/prefs"
	"github.com/pianjj123/rtpsend/pkg/quality"
	"github.com/pianjj123/rtpsend/pkg/rtplog"
	"github.com/pianjj123/rtpsend/pkg/socketpool"
)

// Session owns every piece of state shared across the streams (media
// tracks) of one RTSP session. Callers must hold Lock for the duration
// of any stream operation that reads or mutates stream state, per the
// lock-order invariant of SPEC_FULL.md section 5 (demuxer lock, when
// held, is always acquired before this one).
type Session struct {
	mutex sync.Mutex

	Prefs prefs.Source
	Pool  *socketpool.Pool

	Overbuffer *overbuffer.Window
	Bandwidth  *bandwidth.Tracker

	// Quality is shared by every non-UDP stream of the session, per
	// invariant 5 of SPEC_FULL.md section 3.
	Quality quality.SessionState

	PlayStart time.Time

	// Log receives events from collaborators (transport downgrades,
	// packets dropped by the quality controller) if set; nil discards them.
	Log rtplog.Func

	idleTimeout  time.Duration
	lastActivity time.Time
}

// Logf reports one event through Log, if set. Callers must hold the
// session lock when the event describes locked state.
func (s *Session) Logf(level rtplog.Level, msg string, kv ...any) {
	if s.Log != nil {
		s.Log(level, msg, kv...)
	}
}

// New allocates a Session. overbufferCapacity == 0 disables pacing
// (matching raw UDP's policy). The bandwidth tracker's slow start follows
// the SlowStartEnabled preference, and its initial rate is fixed at
// 1,000,000 bytes per second.
func New(src prefs.Source, pool *socketpool.Pool, overbufferCapacity uint32, minSendInterval time.Duration, idleTimeout time.Duration) *Session {
	slowStart := src.GetBool(prefs.SlowStartEnabled, true)

	return &Session{
		Prefs:        src,
		Pool:         pool,
		Overbuffer:   overbuffer.New(overbufferCapacity, minSendInterval),
		Bandwidth:    bandwidth.New(slowStart, 1_000_000),
		idleTimeout:  idleTimeout,
		lastActivity: time.Now(),
	}
}

// Lock acquires the session mutex. Callers release it with Unlock.
func (s *Session) Lock() { s.mutex.Lock() }

// Unlock releases the session mutex.
func (s *Session) Unlock() { s.mutex.Unlock() }

// TryLock attempts to acquire the session mutex without blocking, for
// the RTCP receive path's non-blocking-lock discipline (SPEC_FULL.md
// section 5).
func (s *Session) TryLock() bool { return s.mutex.TryLock() }

// RefreshActivity marks now as the last time any I/O occurred on this
// session, per SPEC_FULL.md section 5 ("Every successful outbound
// datagram or interleaved write refreshes the session's idle timeout").
// Callers must hold the session lock.
func (s *Session) RefreshActivity(now time.Time) {
	s.lastActivity = now
}

// IsIdle reports whether now is past the session's idle deadline.
// Callers must hold the session lock.
func (s *Session) IsIdle(now time.Time) bool {
	if s.idleTimeout <= 0 {
		return false
	}
	return now.Sub(s.lastActivity) > s.idleTimeout
}

// MarkPlayStart records the wall-clock time PLAY began, used by the
// quality controller's warm-up gate (SPEC_FULL.md section 4.4 step 1).
// Callers must hold the session lock.
func (s *Session) MarkPlayStart(t time.Time) {
	s.PlayStart = t
}
