package engine

import (
	"bytes"
	"fmt"
	"runtime"
	"runtime/pprof"
	"sync"
	"time"

	pprofile "github.com/google/pprof/profile"
	"github.com/rs/zerolog"

	"github.com/coral-mesh/plankton/internal/profile"
)

// CPUEngine samples the host process's CPU usage via runtime/pprof. The
// runtime profiler is single-flight: data is only available by stopping it,
// so Snapshot returns ErrSnapshotUnsupported and harvests go through the
// stop-then-restart exchange.
type CPUEngine struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	running   bool
	rateHz    int
	startTime time.Time
	logger    zerolog.Logger
}

// NewCPUEngine creates a CPU sampling engine for the current process.
func NewCPUEngine(logger zerolog.Logger) *CPUEngine {
	return &CPUEngine{
		logger: logger.With().Str("component", "cpu_engine").Logger(),
	}
}

// Kind implements Engine.
func (e *CPUEngine) Kind() profile.Kind { return profile.KindCPU }

// Configure derives the sampling rate from the requested interval.
func (e *CPUEngine) Configure(cfg Config) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return fmt.Errorf("cannot configure cpu engine while running")
	}
	if cfg.SamplingIntervalMicros < 0 {
		return fmt.Errorf("invalid cpu sampling interval: %dus", cfg.SamplingIntervalMicros)
	}
	if cfg.SamplingIntervalMicros > 0 {
		hz := int(1_000_000 / cfg.SamplingIntervalMicros)
		if hz < 1 {
			hz = 1
		}
		e.rateHz = hz
	}
	return nil
}

// Start begins CPU sampling into an in-memory buffer.
func (e *CPUEngine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return fmt.Errorf("cpu engine already running")
	}

	e.buf.Reset()
	if e.rateHz > 0 {
		runtime.SetCPUProfileRate(e.rateHz)
	}
	if err := pprof.StartCPUProfile(&e.buf); err != nil {
		return fmt.Errorf("starting cpu profile: %w", err)
	}
	e.running = true
	e.startTime = time.Now()
	e.logger.Debug().Int("rate_hz", e.rateHz).Msg("CPU engine started")
	return nil
}

// Stop halts sampling and, when requested, parses the accumulated profile
// into a flat-form snapshot.
func (e *CPUEngine) Stop(returnSnapshot bool) (*profile.Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return nil, fmt.Errorf("cpu engine not running")
	}

	pprof.StopCPUProfile()
	e.running = false

	if !returnSnapshot {
		return nil, nil
	}

	p, err := pprofile.ParseData(e.buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("parsing cpu profile: %w", err)
	}
	return cpuSnapshotFromProfile(p, e.startTime, time.Now()), nil
}

// Snapshot implements Engine; the runtime CPU profiler cannot be read
// without stopping it.
func (e *CPUEngine) Snapshot() (*profile.Snapshot, error) {
	return nil, ErrSnapshotUnsupported
}

// Running implements Engine.
func (e *CPUEngine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

type frameKey struct {
	parentID int64
	name     string
	line     int64
}

// cpuSnapshotFromProfile converts a parsed pprof CPU profile into the flat
// snapshot form: nodes keyed by id with child-id references, one sample per
// pprof sample, and a delta array whose first entry is the nominal gap before
// the first sample.
func cpuSnapshotFromProfile(p *pprofile.Profile, start, end time.Time) *profile.Snapshot {
	cpuIdx := valueIndex(p, "cpu")

	snap := &profile.Snapshot{
		Kind:            profile.KindCPU,
		StartTimeMicros: start.UnixMicro(),
		EndTimeMicros:   end.UnixMicro(),
		Nodes:           make(map[int64]*profile.Node),
		Metric:          profile.ValueType{Type: "cpu", Unit: "nanoseconds"},
		Period:          profile.ValueType{Type: "cpu", Unit: "nanoseconds"},
		SamplingPeriod:  p.Period,
	}

	nextID := int64(1)
	root := &profile.Node{ID: nextID, FunctionName: "root"}
	snap.Nodes[root.ID] = root
	nextID++

	index := make(map[frameKey]*profile.Node)
	cpuNanos := make([]int64, 0, len(p.Sample))

	for _, s := range p.Sample {
		parent := root
		// pprof stores locations leaf-first; build the tree root-down.
		for i := len(s.Location) - 1; i >= 0; i-- {
			loc := s.Location[i]
			if len(loc.Line) == 0 || loc.Line[0].Function == nil {
				continue
			}
			name := loc.Line[0].Function.Name
			line := loc.Line[0].Line

			key := frameKey{parentID: parent.ID, name: name, line: line}
			node, ok := index[key]
			if !ok {
				node = &profile.Node{
					ID:           nextID,
					FunctionName: name,
					LineNumber:   line,
				}
				nextID++
				snap.Nodes[node.ID] = node
				parent.ChildIDs = append(parent.ChildIDs, node.ID)
				index[key] = node
			}
			parent = node
		}

		snap.Samples = append(snap.Samples, profile.Sample{NodeID: parent.ID})
		var nanos int64
		if cpuIdx >= 0 && cpuIdx < len(s.Value) {
			nanos = s.Value[cpuIdx]
		}
		cpuNanos = append(cpuNanos, nanos)
	}

	// Delta 0 is the gap between engine start and the first sample; the
	// profiler does not report it, so the nominal period stands in.
	if len(snap.Samples) > 0 {
		deltas := make([]int64, len(snap.Samples))
		deltas[0] = p.Period / 1000
		for i := 0; i < len(cpuNanos)-1; i++ {
			deltas[i+1] = cpuNanos[i] / 1000
		}
		snap.TimeDeltasMicros = deltas
	}

	return snap
}

// valueIndex finds the position of a sample value type in the profile's
// value tuple, or -1 if absent.
func valueIndex(p *pprofile.Profile, typ string) int {
	for i, st := range p.SampleType {
		if st.Type == typ {
			return i
		}
	}
	return -1
}
