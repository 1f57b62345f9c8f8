package profile

import (
	"fmt"
	"strconv"
)

// Record is one flat attribute mapping representing a single sample, ready
// for transport. Records handed to a destination are only valid for the
// duration of the call; the marshaller reuses the underlying buffers.
type Record map[string]any

// Fixed record attribute names. Location attributes are positional
// (location.0, location.1, ...) and dynamic metric attributes derive from the
// sample's declared type and unit via MetricKey.
const (
	KeyHarvestSeq    = "harvest_seq"
	KeySampleSeq     = "sample_seq"
	KeyTimeNanos     = "time_ns"
	KeyDurationNanos = "duration_ns"
	KeySamplesCount  = "samples_count"
)

// LocationKey returns the positional stack attribute name for frame index i.
func LocationKey(i int) string {
	return "location." + strconv.Itoa(i)
}

// DiffTracker bounds record width when the marshaller reuses mutable record
// buffers across samples. It alternates between two buffers (the parity flag)
// and remembers, per buffer, the previous sample's stack depth and dynamic
// key set, so stale location.N and stale metric-name attributes are deleted
// without re-scanning full history.
type DiffTracker struct {
	buffers     [2]Record
	parity      int
	prevDepth   [2]int
	prevDynamic [2][]string
}

// NewDiffTracker returns a tracker with two empty record buffers.
func NewDiffTracker() *DiffTracker {
	return &DiffTracker{
		buffers: [2]Record{make(Record), make(Record)},
	}
}

// Next flips the parity flag and returns the buffer to encode the next
// sample into. The returned record still carries the attributes written two
// samples ago; Finalize removes the ones the current sample did not restate.
func (t *DiffTracker) Next() Record {
	t.parity ^= 1
	return t.buffers[t.parity]
}

// Finalize trims rec before emission: location attributes at indices beyond
// stackDepth are explicitly cleared, and dynamic keys written on this
// buffer's previous use that the current sample did not write are deleted.
// A record never leaves here with a location.N key for N >= stackDepth or
// with a metric name belonging to a different sample.
func (t *DiffTracker) Finalize(rec Record, stackDepth int, dynamic ...string) {
	i := t.parity
	for n := stackDepth; n < t.prevDepth[i]; n++ {
		delete(rec, LocationKey(n))
	}
	for _, prev := range t.prevDynamic[i] {
		stale := true
		for _, cur := range dynamic {
			if prev == cur {
				stale = false
				break
			}
		}
		if stale {
			delete(rec, prev)
		}
	}
	t.prevDepth[i] = stackDepth
	t.prevDynamic[i] = append(t.prevDynamic[i][:0], dynamic...)
}

// writeLocations walks from the sample's leaf node to the root and writes
// "functionName:lineNumber" stack attributes, reversed so location.0 is the
// root and increasing indices descend toward the leaf. Returns the stack
// depth written. A sample referencing an unknown node id yields depth zero.
func writeLocations(rec Record, snap *Snapshot, nodeID int64) int {
	node := snap.Nodes[nodeID]
	var frames []string
	for n := node; n != nil; n = n.Parent {
		frames = append(frames, fmt.Sprintf("%s:%d", snap.FunctionName(n), n.LineNumber))
	}
	for i, j := 0, len(frames)-1; j >= 0; i, j = i+1, j-1 {
		rec[LocationKey(i)] = frames[j]
	}
	return len(frames)
}
