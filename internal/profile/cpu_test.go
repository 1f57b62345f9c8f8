package profile

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func collectRecords(t *testing.T, marshal func(emit func(Record) error) error) []Record {
	t.Helper()
	var out []Record
	err := marshal(func(rec Record) error {
		// Records are reused buffers; copy before retaining.
		cp := make(Record, len(rec))
		for k, v := range rec {
			cp[k] = v
		}
		out = append(out, cp)
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestCPUMarshalSingleSample(t *testing.T) {
	// nodes = [{id:1,name:"root",children:[2]}, {id:2,name:"foo",line:10}],
	// samples=[2], timeDeltas=[5,15].
	snap := &Snapshot{
		Kind:             KindCPU,
		StartTimeMicros:  1_000,
		EndTimeMicros:    2_000,
		Samples:          []Sample{{NodeID: 2}},
		TimeDeltasMicros: []int64{5, 15},
		Nodes: map[int64]*Node{
			1: {ID: 1, FunctionName: "root", ChildIDs: []int64{2}},
			2: {ID: 2, FunctionName: "foo", LineNumber: 10},
		},
	}

	m := NewCPUMarshaller()
	recs := collectRecords(t, func(emit func(Record) error) error {
		return m.Marshal(snap, 7, emit)
	})

	require.Len(t, recs, 1)
	rec := recs[0]
	require.Equal(t, int64(7), rec[KeyHarvestSeq])
	require.Equal(t, 0, rec[KeySampleSeq])
	require.Equal(t, "root:0", rec[LocationKey(0)])
	require.Equal(t, "foo:10", rec[LocationKey(1)])
	require.NotContains(t, rec, LocationKey(2))
	require.Equal(t, int64(15_000), rec["cpu_nanoseconds"])
	require.Equal(t, int64(15_000), rec["sample_period_cpu_nanoseconds"])
	require.Equal(t, int64(1_000_000), rec[KeyTimeNanos])
	require.Equal(t, int64(1_000_000), rec[KeyDurationNanos])
	require.Equal(t, 1, rec[KeySamplesCount])
}

func TestCPUSampleDeltaRule(t *testing.T) {
	// Deltas are consumed one-ahead: with [d0,d1,d2] and three samples,
	// sample 0 uses d1, sample 1 uses d2, and the final sample falls back to
	// the floored mean of the consumed deltas.
	snap := &Snapshot{
		Kind:             KindCPU,
		Samples:          []Sample{{NodeID: 1}, {NodeID: 1}, {NodeID: 1}},
		TimeDeltasMicros: []int64{10, 20, 31},
		Nodes:            map[int64]*Node{1: {ID: 1, FunctionName: "f"}},
	}

	deltas := CPUSampleDeltasMicros(snap)
	require.Equal(t, []int64{20, 31, 25}, deltas)
}

func TestCPUMarshalNoDeltas(t *testing.T) {
	snap := &Snapshot{
		Kind:    KindCPU,
		Samples: []Sample{{NodeID: 1}},
		Nodes:   map[int64]*Node{1: {ID: 1, FunctionName: "f"}},
	}

	deltas := CPUSampleDeltasMicros(snap)
	require.Equal(t, []int64{0}, deltas)
}

func TestCPUMarshalWidthBound(t *testing.T) {
	deep := &Node{ID: 4, FunctionName: "deep", LineNumber: 4}
	mid := &Node{ID: 3, FunctionName: "mid", LineNumber: 3, ChildIDs: []int64{4}}
	shallow := &Node{ID: 2, FunctionName: "shallow", LineNumber: 2}
	root := &Node{ID: 1, FunctionName: "root", ChildIDs: []int64{2, 3}}

	snap := &Snapshot{
		Kind: KindCPU,
		// Depth 3, then depth 2 twice: the third sample reuses the first
		// sample's buffer and must not carry its deeper stack.
		Samples:          []Sample{{NodeID: 4}, {NodeID: 2}, {NodeID: 2}},
		TimeDeltasMicros: []int64{1, 1, 1, 1},
		Nodes:            map[int64]*Node{1: root, 2: shallow, 3: mid, 4: deep},
	}

	m := NewCPUMarshaller()
	recs := collectRecords(t, func(emit func(Record) error) error {
		return m.Marshal(snap, 0, emit)
	})

	require.Len(t, recs, 3)
	for _, rec := range recs[1:] {
		require.Contains(t, rec, LocationKey(0))
		require.Contains(t, rec, LocationKey(1))
		require.NotContains(t, rec, LocationKey(2))
	}
}

func TestCPUMarshalStringTable(t *testing.T) {
	snap := &Snapshot{
		Kind:             KindCPU,
		StringTable:      []string{"(root)", "worker"},
		Samples:          []Sample{{NodeID: 2}},
		TimeDeltasMicros: []int64{0, 3},
		Nodes: map[int64]*Node{
			1: {ID: 1, NameIndex: 0, ChildIDs: []int64{2}},
			2: {ID: 2, NameIndex: 1, LineNumber: 12},
		},
	}

	m := NewCPUMarshaller()
	recs := collectRecords(t, func(emit func(Record) error) error {
		return m.Marshal(snap, 0, emit)
	})

	require.Equal(t, "(root):0", recs[0][LocationKey(0)])
	require.Equal(t, "worker:12", recs[0][LocationKey(1)])
}

func TestCPUMarshalRejectsHeapSnapshot(t *testing.T) {
	m := NewCPUMarshaller()
	err := m.Marshal(&Snapshot{Kind: KindHeap}, 0, func(Record) error { return nil })
	require.Error(t, err)
}
