// Package destination routes marshalled harvest output to its configured
// sink: discarded, appended to rotating local pprof files, pushed to a
// telemetry ingest client, or stored in the agent-local DuckDB database.
package destination

import (
	"github.com/coral-mesh/plankton/internal/profile"
)

// Destination consumes one harvest at a time. The harvester calls Begin once
// per harvest with the linked snapshot, then Record once per marshalled
// sample (only when WantsRecords reports true), then End. Records passed to
// Record are reused buffers and must be copied if retained.
type Destination interface {
	// WantsRecords reports whether this destination consumes marshalled
	// records; destinations that consume the encoded snapshot directly
	// return false and the harvester skips marshalling.
	WantsRecords() bool

	// Begin starts a harvest for the given snapshot and harvest sequence.
	Begin(snap *profile.Snapshot, harvestSeq int64) error

	// Record consumes one marshalled sample.
	Record(eventType string, rec profile.Record) error

	// End completes the harvest, flushing anything buffered for it.
	End() error

	// Close releases the destination's resources. Pending output is flushed
	// first.
	Close() error
}

// Discard drops all harvest output. It is the destination used when none is
// configured.
type Discard struct{}

// NewDiscard returns the no-op destination.
func NewDiscard() *Discard { return &Discard{} }

// WantsRecords implements Destination; nothing consumes records, so
// marshalling is skipped entirely.
func (*Discard) WantsRecords() bool { return false }

// Begin implements Destination.
func (*Discard) Begin(*profile.Snapshot, int64) error { return nil }

// Record implements Destination.
func (*Discard) Record(string, profile.Record) error { return nil }

// End implements Destination.
func (*Discard) End() error { return nil }

// Close implements Destination.
func (*Discard) Close() error { return nil }
