// Package prefs models the PreferencesSource collaborator: a source of
// named tunable thresholds. The on-disk key=value preferences file format
// itself is out of scope (see SPEC_FULL.md section 1); only the narrow
// interface the core consumes is specified here.
package prefs

import (
	"strconv"
	"time"

	"github.com/pianjj123/rtpsend/pkg/liberrors"
)

// Source supplies tunable numeric thresholds by name. A concrete
// implementation may back this with a flat key=value file, environment
// variables, or a hardcoded default set.
type Source interface {
	// GetInt returns the named integer preference, or def if unset.
	GetInt(name string, def int) int

	// GetBool returns the named boolean preference, or def if unset.
	GetBool(name string, def bool) bool

	// GetStringList returns the named string-list preference, or def if unset.
	GetStringList(name string, def []string) []string
}

// Names of the preferences consumed by the core.
const (
	ReliableUDPEnabled        = "reliable_udp_enabled"
	ReliableUDPDirs           = "reliable_udp_dirs"
	SlowStartEnabled          = "slow_start_enabled"
	DisableThinning           = "disable_thinning"
	DropAllPacketsTimeMs      = "drop_all_packets_time_ms"
	DropAllVideoPacketsTimeMs = "drop_all_video_packets_time_ms"
	ThinAllTheWayTimeMs       = "thin_all_the_way_time_ms"
	AlwaysThinTimeMs          = "always_thin_time_ms"
	StartThinningTimeMs       = "start_thinning_time_ms"
	StartThickingTimeMs       = "start_thicking_time_ms"
	ThickAllTheWayTimeMs      = "thick_all_the_way_time_ms"
	QualityCheckIntervalMs    = "quality_check_interval_ms"
	TransportSrcAddr          = "transport_src_addr"
	PrintRTP                  = "print_rtp"
	PrintSR                   = "print_sr"
	PrintRR                   = "print_rr"
	PrintAPP                  = "print_app"
	PrintACK                  = "print_ack"
)

// knownNames is the complete set of preference names the core consumes,
// used to validate operator-supplied overrides before they reach a
// Source.
var knownNames = map[string]bool{
	ReliableUDPEnabled:        true,
	ReliableUDPDirs:           true,
	SlowStartEnabled:          true,
	DisableThinning:           true,
	DropAllPacketsTimeMs:      true,
	DropAllVideoPacketsTimeMs: true,
	ThinAllTheWayTimeMs:       true,
	AlwaysThinTimeMs:          true,
	StartThinningTimeMs:       true,
	StartThickingTimeMs:       true,
	ThickAllTheWayTimeMs:      true,
	QualityCheckIntervalMs:    true,
	TransportSrcAddr:          true,
	PrintRTP:                  true,
	PrintSR:                   true,
	PrintRR:                   true,
	PrintAPP:                  true,
	PrintACK:                  true,
}

// ParseOverrides builds a StaticSource layered on top of base from a set
// of string-valued overrides (e.g. parsed from a flat key=value
// preferences file or -pref command-line flags). Every key must name a
// preference the core actually consumes; an unrecognized key is rejected
// rather than silently ignored, since a typoed override should fail
// loudly instead of leaving the default in effect.
func ParseOverrides(base *StaticSource, overrides map[string]string) (*StaticSource, error) {
	out := &StaticSource{
		Ints:  make(map[string]int, len(base.Ints)),
		Bools: make(map[string]bool, len(base.Bools)),
		Lists: make(map[string][]string, len(base.Lists)),
	}
	for k, v := range base.Ints {
		out.Ints[k] = v
	}
	for k, v := range base.Bools {
		out.Bools[k] = v
	}
	for k, v := range base.Lists {
		out.Lists[k] = v
	}

	for name, raw := range overrides {
		if !knownNames[name] {
			return nil, liberrors.ErrUnknownPreference{Name: name}
		}
		if b, err := strconv.ParseBool(raw); err == nil {
			out.Bools[name] = b
			continue
		}
		if n, err := strconv.Atoi(raw); err == nil {
			out.Ints[name] = n
			continue
		}
		out.Lists[name] = []string{raw}
	}

	return out, nil
}

// StaticSource is a Source backed by in-memory maps. It is intended for
// tests and for embedding a hardcoded default configuration.
type StaticSource struct {
	Ints  map[string]int
	Bools map[string]bool
	Lists map[string][]string
}

// GetInt implements Source.
func (s *StaticSource) GetInt(name string, def int) int {
	if v, ok := s.Ints[name]; ok {
		return v
	}
	return def
}

// GetBool implements Source.
func (s *StaticSource) GetBool(name string, def bool) bool {
	if v, ok := s.Bools[name]; ok {
		return v
	}
	return def
}

// GetStringList implements Source.
func (s *StaticSource) GetStringList(name string, def []string) []string {
	if v, ok := s.Lists[name]; ok {
		return v
	}
	return def
}

// Default returns the server's documented default preferences. Values
// mirror the constants observed in original_source/Server.tproj/RTPStream.cpp
// where the excerpt exposes them, and reasonable QTSS-era defaults
// elsewhere.
func Default() *StaticSource {
	return &StaticSource{
		Ints: map[string]int{
			DropAllPacketsTimeMs:      15000,
			DropAllVideoPacketsTimeMs: 15000,
			ThinAllTheWayTimeMs:       8000,
			AlwaysThinTimeMs:          4000,
			StartThinningTimeMs:       2000,
			StartThickingTimeMs:       1000,
			ThickAllTheWayTimeMs:      500,
			QualityCheckIntervalMs:    1000,
		},
		Bools: map[string]bool{
			ReliableUDPEnabled: false,
			SlowStartEnabled:   true,
			DisableThinning:    false,
		},
		Lists: map[string][]string{
			ReliableUDPDirs: nil,
		},
	}
}

// DefaultLateTolerance is the default late-tolerance applied to a stream
// when the SETUP request does not specify one.
const DefaultLateTolerance = 1500 * time.Millisecond

// DefaultBufferDelay is the default buffer-delay window.
const DefaultBufferDelay = 3 * time.Second
