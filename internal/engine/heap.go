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

// HeapEngine samples the host process's heap allocations. The runtime heap
// profiler is always on, so harvests read it non-destructively via Snapshot;
// this is the engine variant that forces the scheduler's explicit per-engine
// in-flight guard.
type HeapEngine struct {
	mu         sync.Mutex
	running    bool
	startTime  time.Time
	sampleRate int64
	stackDepth int
	logger     zerolog.Logger
}

// NewHeapEngine creates a heap sampling engine for the current process.
func NewHeapEngine(logger zerolog.Logger) *HeapEngine {
	return &HeapEngine{
		logger: logger.With().Str("component", "heap_engine").Logger(),
	}
}

// Kind implements Engine.
func (e *HeapEngine) Kind() profile.Kind { return profile.KindHeap }

// Configure applies the heap sampling interval and stack depth bound.
func (e *HeapEngine) Configure(cfg Config) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return fmt.Errorf("cannot configure heap engine while running")
	}
	if cfg.SamplingIntervalBytes < 0 {
		return fmt.Errorf("invalid heap sampling interval: %d bytes", cfg.SamplingIntervalBytes)
	}
	if cfg.StackDepth < 0 {
		return fmt.Errorf("invalid heap stack depth: %d", cfg.StackDepth)
	}
	e.sampleRate = cfg.SamplingIntervalBytes
	e.stackDepth = cfg.StackDepth
	return nil
}

// Start records the engine start time and applies the sampling rate. The
// runtime profiler itself is already sampling.
func (e *HeapEngine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return fmt.Errorf("heap engine already running")
	}
	if e.sampleRate > 0 {
		runtime.MemProfileRate = int(e.sampleRate)
	}
	e.running = true
	e.startTime = time.Now()
	e.logger.Debug().
		Int64("sample_rate_bytes", e.sampleRate).
		Int("stack_depth", e.stackDepth).
		Msg("Heap engine started")
	return nil
}

// Stop halts harvesting. When returnSnapshot is set, a final snapshot is
// taken before the engine is marked stopped.
func (e *HeapEngine) Stop(returnSnapshot bool) (*profile.Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return nil, fmt.Errorf("heap engine not running")
	}

	var snap *profile.Snapshot
	if returnSnapshot {
		var err error
		snap, err = e.snapshotLocked()
		if err != nil {
			e.running = false
			return nil, err
		}
	}
	e.running = false
	return snap, nil
}

// Snapshot reads the current allocation tree without stopping the engine.
func (e *HeapEngine) Snapshot() (*profile.Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return nil, fmt.Errorf("heap engine not running")
	}
	return e.snapshotLocked()
}

func (e *HeapEngine) snapshotLocked() (*profile.Snapshot, error) {
	prof := pprof.Lookup("heap")
	if prof == nil {
		return nil, fmt.Errorf("heap profile unavailable")
	}

	var buf bytes.Buffer
	if err := prof.WriteTo(&buf, 0); err != nil {
		return nil, fmt.Errorf("writing heap profile: %w", err)
	}
	p, err := pprofile.ParseData(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("parsing heap profile: %w", err)
	}

	return heapSnapshotFromProfile(p, e.startTime, time.Now(), e.sampleRate, e.stackDepth), nil
}

// Running implements Engine.
func (e *HeapEngine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// heapSnapshotFromProfile converts a parsed heap profile into the recursive
// snapshot form: an allocation tree embedded through Children, with in-use
// bytes attributed to the leaf node of each stack.
func heapSnapshotFromProfile(p *pprofile.Profile, start, end time.Time, sampleRate int64, stackDepth int) *profile.Snapshot {
	sizeIdx := valueIndex(p, "inuse_space")

	snap := &profile.Snapshot{
		Kind:            profile.KindHeap,
		StartTimeMicros: start.UnixMicro(),
		EndTimeMicros:   end.UnixMicro(),
		Metric:          profile.ValueType{Type: "heap", Unit: "bytes"},
		Period:          profile.ValueType{Type: "heap", Unit: "bytes"},
		SamplingPeriod:  sampleRate,
	}

	nextID := int64(1)
	root := &profile.Node{ID: nextID, FunctionName: "root"}
	nextID++
	snap.Root = root

	type edge struct {
		name string
		line int64
	}
	children := make(map[*profile.Node]map[edge]*profile.Node)
	seenLeaves := make(map[int64]bool)

	for _, s := range p.Sample {
		var size int64
		if sizeIdx >= 0 && sizeIdx < len(s.Value) {
			size = s.Value[sizeIdx]
		}
		if size == 0 {
			continue
		}

		node := root
		depth := 0
		for i := len(s.Location) - 1; i >= 0; i-- {
			if stackDepth > 0 && depth >= stackDepth {
				break
			}
			loc := s.Location[i]
			if len(loc.Line) == 0 || loc.Line[0].Function == nil {
				continue
			}
			key := edge{name: loc.Line[0].Function.Name, line: loc.Line[0].Line}

			kids := children[node]
			if kids == nil {
				kids = make(map[edge]*profile.Node)
				children[node] = kids
			}
			child, ok := kids[key]
			if !ok {
				child = &profile.Node{
					ID:           nextID,
					FunctionName: key.name,
					LineNumber:   key.line,
				}
				nextID++
				node.Children = append(node.Children, child)
				kids[key] = child
			}
			node = child
			depth++
		}

		node.SelfSizeBytes += size
		if !seenLeaves[node.ID] {
			seenLeaves[node.ID] = true
			snap.Samples = append(snap.Samples, profile.Sample{NodeID: node.ID})
		}
	}

	return snap
}
