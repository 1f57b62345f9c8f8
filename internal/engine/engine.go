// Package engine defines the sampling-engine contract the harvest pipeline
// consumes, together with default implementations backed by runtime/pprof so
// the agent can profile its own process.
package engine

import (
	"errors"

	"github.com/coral-mesh/plankton/internal/profile"
)

// ErrSnapshotUnsupported is returned by Snapshot on engines that only yield
// data through a stop-then-restart exchange. The harvester falls back to
// Stop(true) followed by Start.
var ErrSnapshotUnsupported = errors.New("engine does not support non-destructive snapshots")

// Config carries the sampling parameters an engine understands. Engines read
// only the fields relevant to their kind.
type Config struct {
	// SamplingIntervalMicros is the CPU sampling period in microseconds.
	SamplingIntervalMicros int64
	// SamplingIntervalBytes is the heap sampling period in bytes allocated.
	SamplingIntervalBytes int64
	// StackDepth bounds the recorded stack depth per sample.
	StackDepth int
}

// Engine is one sampling profiler. Implementations must be safe for use by a
// single harvester goroutine plus lifecycle calls from the controller.
type Engine interface {
	// Kind reports which profile variant this engine produces.
	Kind() profile.Kind

	// Configure applies sampling parameters. Takes effect on the next Start.
	Configure(cfg Config) error

	// Start begins sampling. Fails if the engine is already running.
	Start() error

	// Stop halts sampling. When returnSnapshot is set, the accumulated
	// snapshot is returned; otherwise the data is discarded.
	Stop(returnSnapshot bool) (*profile.Snapshot, error)

	// Snapshot reads the current accumulated state without stopping, for
	// engines that sample continuously. Engines without that capability
	// return ErrSnapshotUnsupported.
	Snapshot() (*profile.Snapshot, error)

	// Running reports whether the engine is currently sampling.
	Running() bool
}
