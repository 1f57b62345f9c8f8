// Package pprofenc encodes linked snapshots into the pprof binary format,
// the engine-native encoding the local-file destination appends per harvest.
package pprofenc

import (
	"fmt"
	"io"

	pprofile "github.com/google/pprof/profile"

	"github.com/coral-mesh/plankton/internal/profile"
	"github.com/coral-mesh/plankton/internal/safe"
)

// Encode converts a snapshot into a pprof profile. Samples referencing an
// unknown node id are dropped; everything else round-trips.
func Encode(snap *profile.Snapshot) (*pprofile.Profile, error) {
	snap.Link()

	p := &pprofile.Profile{
		TimeNanos:     safe.MicrosToNanos(snap.StartTimeMicros),
		DurationNanos: safe.MicrosToNanos(snap.EndTimeMicros - snap.StartTimeMicros),
		Period:        snap.SamplingPeriod,
	}

	switch snap.Kind {
	case profile.KindCPU:
		p.SampleType = []*pprofile.ValueType{
			{Type: "samples", Unit: "count"},
			{Type: "cpu", Unit: "nanoseconds"},
		}
		p.PeriodType = &pprofile.ValueType{Type: "cpu", Unit: "nanoseconds"}
	case profile.KindHeap:
		p.SampleType = []*pprofile.ValueType{
			{Type: "inuse_space", Unit: "bytes"},
		}
		p.PeriodType = &pprofile.ValueType{Type: "space", Unit: "bytes"}
	default:
		return nil, fmt.Errorf("cannot encode %s snapshot", snap.Kind)
	}

	functions := make(map[string]*pprofile.Function)
	locations := make(map[int64]*pprofile.Location)

	locationFor := func(n *profile.Node) *pprofile.Location {
		if loc, ok := locations[n.ID]; ok {
			return loc
		}
		name := snap.FunctionName(n)
		fn, ok := functions[name]
		if !ok {
			fn = &pprofile.Function{
				ID:         uint64(len(functions) + 1),
				Name:       name,
				SystemName: name,
			}
			functions[name] = fn
			p.Function = append(p.Function, fn)
		}
		loc := &pprofile.Location{
			ID:   uint64(len(locations) + 1),
			Line: []pprofile.Line{{Function: fn, Line: n.LineNumber}},
		}
		locations[n.ID] = loc
		p.Location = append(p.Location, loc)
		return loc
	}

	var deltas []int64
	if snap.Kind == profile.KindCPU {
		deltas = profile.CPUSampleDeltasMicros(snap)
	}

	for i, sample := range snap.Samples {
		node := snap.Nodes[sample.NodeID]
		if node == nil {
			continue
		}

		// pprof stores locations leaf-first.
		var locs []*pprofile.Location
		for n := node; n != nil; n = n.Parent {
			locs = append(locs, locationFor(n))
		}

		var value []int64
		switch snap.Kind {
		case profile.KindCPU:
			value = []int64{1, safe.MicrosToNanos(deltas[i])}
		case profile.KindHeap:
			value = []int64{node.SelfSizeBytes}
		}

		p.Sample = append(p.Sample, &pprofile.Sample{
			Location: locs,
			Value:    value,
		})
	}

	return p, nil
}

// Write encodes the snapshot and writes the gzip-compressed pprof bytes.
func Write(w io.Writer, snap *profile.Snapshot) error {
	p, err := Encode(snap)
	if err != nil {
		return err
	}
	if err := p.Write(w); err != nil {
		return fmt.Errorf("writing pprof data: %w", err)
	}
	return nil
}
