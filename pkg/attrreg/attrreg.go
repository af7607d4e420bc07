// Package attrreg implements the instrumentation attribute registry named
// in SPEC_FULL.md section 5 and DESIGN NOTES (spec.md section 9).
//
// The original source exposes stream state to plug-in modules through a
// process-wide table keyed by attribute index. Here that is replaced with
// an initialization-time descriptor table: registration happens once at
// package init (or explicit Register calls before streams are created),
// and the table is read-only thereafter, so no synchronization is needed
// on the hot path that reads attribute values per packet.
package attrreg

import "fmt"

// DataType describes the wire type of an attribute's value.
type DataType int

// Attribute data types, mirroring the subset the core exposes.
const (
	DataTypeUInt32 DataType = iota
	DataTypeSInt32
	DataTypeUInt64
	DataTypeFloat64
	DataTypeString
	DataTypeBool
)

// Descriptor describes one instrumentation attribute.
type Descriptor struct {
	Name     string
	Type     DataType
	Writable bool
}

// Registry is a read-only-after-init table of attribute descriptors,
// indexed both by name and by a stable integer ID assigned at
// registration time.
type Registry struct {
	byName map[string]int
	descs  []Descriptor
	sealed bool
}

// NewRegistry allocates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]int)}
}

// Register adds a descriptor and returns its stable ID. Panics if called
// after Seal, since the whole point of sealing is that no further
// mutation - and therefore no locking - is needed once streams start
// reading from the table.
func (r *Registry) Register(d Descriptor) int {
	if r.sealed {
		panic("attrreg: Register called after Seal")
	}
	if _, exists := r.byName[d.Name]; exists {
		panic(fmt.Sprintf("attrreg: duplicate attribute %q", d.Name))
	}

	id := len(r.descs)
	r.descs = append(r.descs, d)
	r.byName[d.Name] = id
	return id
}

// Seal marks the registry read-only. Call once at startup after all
// modules have registered their attributes.
func (r *Registry) Seal() {
	r.sealed = true
}

// ID returns the stable ID for name, and whether it is registered.
func (r *Registry) ID(name string) (int, bool) {
	id, ok := r.byName[name]
	return id, ok
}

// Descriptor returns the descriptor for id.
func (r *Registry) Descriptor(id int) (Descriptor, bool) {
	if id < 0 || id >= len(r.descs) {
		return Descriptor{}, false
	}
	return r.descs[id], true
}

// Len returns the number of registered attributes.
func (r *Registry) Len() int {
	return len(r.descs)
}

// StreamAttributes is the fixed descriptor table the core registers for
// every Stream, named after the subset of qtssRTPStr* attributes the
// original source exposes (qtssRTPStrQualityLevel, qtssRTPStrNumQualityLevels, ...).
var StreamAttributes = []Descriptor{
	{Name: "QualityLevel", Type: DataTypeSInt32, Writable: true},
	{Name: "NumQualityLevels", Type: DataTypeUInt32, Writable: true},
	{Name: "CurrentPacketDelayMs", Type: DataTypeSInt32, Writable: false},
	{Name: "PacketCount", Type: DataTypeUInt64, Writable: false},
	{Name: "ByteCount", Type: DataTypeUInt64, Writable: false},
	{Name: "FractionLostPercent", Type: DataTypeUInt32, Writable: false},
	{Name: "Jitter", Type: DataTypeFloat64, Writable: false},
	{Name: "StalePacketsDropped", Type: DataTypeUInt64, Writable: false},
}

// Default builds and seals a Registry pre-populated with StreamAttributes.
// A single process-wide instance is typical; callers that need isolated
// tables (e.g. in tests) can build their own with NewRegistry.
func Default() *Registry {
	r := NewRegistry()
	for _, d := range StreamAttributes {
		r.Register(d)
	}
	r.Seal()
	return r
}
