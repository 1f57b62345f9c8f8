// Package profile holds the typed snapshot model produced by the sampling
// engines and the marshalling pipeline that converts snapshots into flat
// telemetry records.
package profile

// Kind identifies which sampling engine produced a snapshot.
type Kind int

const (
	KindCPU Kind = iota
	KindHeap
)

// String returns the lowercase engine name used in configuration and file names.
func (k Kind) String() string {
	switch k {
	case KindCPU:
		return "cpu"
	case KindHeap:
		return "heap"
	default:
		return "unknown"
	}
}

// EventType returns the telemetry event type emitted for this kind's records.
func (k Kind) EventType() string {
	switch k {
	case KindCPU:
		return "ProfileCPU"
	case KindHeap:
		return "ProfileHeap"
	default:
		return "ProfileUnknown"
	}
}

// ValueType declares the type and unit of a sample value. The pair determines
// the dynamic attribute name a marshalled record carries for that value.
type ValueType struct {
	Type string
	Unit string
}

// Node is one call or allocation tree node. Engines deliver nodes either as a
// flat collection with child-id references (ChildIDs) or as a recursive
// structure (Children); Parent is absent until Snapshot.Link runs.
type Node struct {
	ID            int64
	FunctionName  string
	NameIndex     int64 // index into the snapshot string table when FunctionName is empty
	LineNumber    int64
	SelfSizeBytes int64 // heap only, bytes attributed directly to this node
	ChildIDs      []int64
	Children      []*Node
	Parent        *Node
}

// Sample is one recorded observation referencing a leaf node in the tree.
type Sample struct {
	NodeID int64
}

// Snapshot is one capture of a sampling engine's accumulated tree plus its
// sample list. Timestamps are monotonic microseconds.
type Snapshot struct {
	Kind            Kind
	StartTimeMicros int64
	EndTimeMicros   int64

	// Nodes holds the flat node collection keyed by node id. For snapshots
	// delivered in the recursive form, Link populates it from Root.
	Nodes map[int64]*Node

	// Root is the recursive-form tree root (heap engines). Nil for flat-form
	// snapshots.
	Root *Node

	Samples []Sample

	// TimeDeltasMicros pairs positionally with Samples (CPU only). The delta
	// at index 0 is the gap between engine start and the first sample, so
	// consumers read one position ahead.
	TimeDeltasMicros []int64

	// StringTable resolves Node.NameIndex to function names (CPU variant).
	StringTable []string

	// Metric and Period tag the snapshot's primary metric and sampling
	// period. Zero values fall back to kind-specific defaults.
	Metric ValueType
	Period ValueType

	// SamplingPeriod is the engine's configured sampling period: nanoseconds
	// between samples for CPU, bytes between samples for heap. Informational,
	// used by the pprof encoding.
	SamplingPeriod int64

	linked bool
}

// FunctionName resolves a node's display name, consulting the string table
// when the node carries an index instead of an inline name.
func (s *Snapshot) FunctionName(n *Node) string {
	if n.FunctionName != "" {
		return n.FunctionName
	}
	if n.NameIndex >= 0 && n.NameIndex < int64(len(s.StringTable)) {
		return s.StringTable[n.NameIndex]
	}
	return ""
}

// metricType returns the snapshot's primary metric tag, defaulting by kind.
func (s *Snapshot) metricType() ValueType {
	if s.Metric != (ValueType{}) {
		return s.Metric
	}
	switch s.Kind {
	case KindHeap:
		return ValueType{Type: "heap", Unit: "bytes"}
	default:
		return ValueType{Type: "cpu", Unit: "nanoseconds"}
	}
}

// periodType returns the snapshot's sampling-period tag, defaulting to the
// metric tag when unset.
func (s *Snapshot) periodType() ValueType {
	if s.Period != (ValueType{}) {
		return s.Period
	}
	return s.metricType()
}
