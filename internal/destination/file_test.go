package destination

import (
	"os"
	"path"
	"testing"

	pprofile "github.com/google/pprof/profile"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/plankton/internal/profile"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stdout).Level(zerolog.Disabled)
}

func cpuSnapshot() *profile.Snapshot {
	return &profile.Snapshot{
		Kind:             profile.KindCPU,
		StartTimeMicros:  100,
		EndTimeMicros:    200,
		Samples:          []profile.Sample{{NodeID: 2}},
		TimeDeltasMicros: []int64{1, 9},
		Nodes: map[int64]*profile.Node{
			1: {ID: 1, FunctionName: "root", ChildIDs: []int64{2}},
			2: {ID: 2, FunctionName: "work", LineNumber: 42},
		},
	}
}

func TestFileWriterRotation(t *testing.T) {
	dir := t.TempDir()
	w, err := NewFileWriter(dir, []profile.Kind{profile.KindCPU, profile.KindHeap}, testLogger())
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	require.False(t, w.WantsRecords())

	// First harvest lands in the unsuffixed base file.
	require.NoError(t, w.Begin(cpuSnapshot(), 0))
	assertParseable(t, path.Join(dir, "cpu.pprof"))

	// Subsequent harvests land in suffixed rotations.
	require.NoError(t, w.Begin(cpuSnapshot(), 1))
	assertParseable(t, path.Join(dir, "cpu.pprof1"))

	require.NoError(t, w.Begin(cpuSnapshot(), 2))
	assertParseable(t, path.Join(dir, "cpu.pprof2"))

	// The heap base file was opened but not yet written.
	_, err = os.Stat(path.Join(dir, "heap.pprof"))
	require.NoError(t, err)
}

func assertParseable(t *testing.T, name string) {
	t.Helper()
	data, err := os.ReadFile(name)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	p, err := pprofile.ParseData(data)
	require.NoError(t, err)
	require.Len(t, p.Sample, 1)
}

func TestFileWriterUnknownKind(t *testing.T) {
	dir := t.TempDir()
	w, err := NewFileWriter(dir, []profile.Kind{profile.KindCPU}, testLogger())
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	err = w.Begin(&profile.Snapshot{Kind: profile.KindHeap}, 0)
	require.Error(t, err)
}

func TestFileWriterBadDirectory(t *testing.T) {
	_, err := NewFileWriter("/nonexistent/plankton", []profile.Kind{profile.KindCPU}, testLogger())
	require.Error(t, err)
}
