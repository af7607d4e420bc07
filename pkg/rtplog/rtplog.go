// Package rtplog defines the narrow logging hook accepted by this
// module's core packages, following the teacher's callback-based error
// reporting (server_handler.go's OnDecodeError) rather than a hard
// dependency on a logging package. The concrete zerolog adapter also
// lives here, for callers that want structured output without
// hand-rolling the glue themselves, matching the ambient choice of
// emiago/diago and gtfodev-camsRelay (both in the retrieved pack).
package rtplog

import "github.com/rs/zerolog"

// Level names the severity of one event.
type Level int

// Recognized levels.
const (
	Debug Level = iota
	Info
	Warn
	Error
)

// Func is the hook a caller supplies to observe events from the send
// pipeline. kv is an alternating key/value list.
type Func func(level Level, msg string, kv ...any)

// Discard drops every event. It is the zero value behavior when a
// collaborator's Log field is left nil.
func Discard(Level, string, ...any) {}

// Zerolog adapts l into a Func.
func Zerolog(l zerolog.Logger) Func {
	return func(level Level, msg string, kv ...any) {
		var ev *zerolog.Event
		switch level {
		case Debug:
			ev = l.Debug()
		case Warn:
			ev = l.Warn()
		case Error:
			ev = l.Error()
		default:
			ev = l.Info()
		}
		for i := 0; i+1 < len(kv); i += 2 {
			key, ok := kv[i].(string)
			if !ok {
				continue
			}
			ev = ev.Interface(key, kv[i+1])
		}
		ev.Msg(msg)
	}
}
