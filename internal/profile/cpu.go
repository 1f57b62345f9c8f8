package profile

import (
	"fmt"

	"github.com/coral-mesh/plankton/internal/safe"
)

// CPUMarshaller converts linked CPU snapshots into flat records, one per
// sample in sample order. It owns a DiffTracker so record width stays bounded
// across consecutive samples within and across harvests.
type CPUMarshaller struct {
	tracker *DiffTracker
}

// NewCPUMarshaller returns a marshaller with fresh record buffers.
func NewCPUMarshaller() *CPUMarshaller {
	return &CPUMarshaller{tracker: NewDiffTracker()}
}

// CPUSampleDeltasMicros resolves the per-sample time deltas for a CPU
// snapshot. The delta at position 0 of the raw array is the gap between
// engine start and the first sample, so sample i consumes the raw delta at
// position i+1. The final sample, for which the engine reports no trailing
// delta, takes the arithmetic mean of the deltas consumed so far, rounded
// down.
func CPUSampleDeltasMicros(snap *Snapshot) []int64 {
	deltas := make([]int64, len(snap.Samples))
	var sum, count int64
	for i := range snap.Samples {
		if i+1 < len(snap.TimeDeltasMicros) {
			deltas[i] = snap.TimeDeltasMicros[i+1]
			sum += deltas[i]
			count++
		} else if count > 0 {
			deltas[i] = sum / count
		}
	}
	return deltas
}

// Marshal produces one record per sample and hands each to emit. Records are
// only valid for the duration of the emit call.
func (m *CPUMarshaller) Marshal(snap *Snapshot, harvestSeq int64, emit func(Record) error) error {
	if snap.Kind != KindCPU {
		return fmt.Errorf("cpu marshaller given %s snapshot", snap.Kind)
	}
	snap.Link()

	metric := snap.metricType()
	period := snap.periodType()
	metricKey := MetricKey(metric.Type, metric.Unit)
	periodKey := PeriodKey(period.Type, period.Unit)

	timeNanos := safe.MicrosToNanos(snap.StartTimeMicros)
	durationNanos := safe.MicrosToNanos(snap.EndTimeMicros - snap.StartTimeMicros)
	deltas := CPUSampleDeltasMicros(snap)

	for i, sample := range snap.Samples {
		rec := m.tracker.Next()
		rec[KeyHarvestSeq] = harvestSeq
		rec[KeySampleSeq] = i
		rec[KeyTimeNanos] = timeNanos
		rec[KeyDurationNanos] = durationNanos
		rec[KeySamplesCount] = len(snap.Samples)

		deltaNanos := safe.MicrosToNanos(deltas[i])
		rec[metricKey] = deltaNanos
		rec[periodKey] = deltaNanos

		depth := writeLocations(rec, snap, sample.NodeID)
		m.tracker.Finalize(rec, depth, metricKey, periodKey)

		if err := emit(rec); err != nil {
			return fmt.Errorf("emitting cpu sample %d: %w", i, err)
		}
	}
	return nil
}
