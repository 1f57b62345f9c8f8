package profile

import (
	"fmt"
	"time"

	"github.com/coral-mesh/plankton/internal/safe"
)

// HeapMarshaller converts linked heap snapshots into flat records, one per
// sample. The inclusive size for a sample is recomputed per sample by
// root-ward accumulation: distinct samples reference distinct leaf nodes with
// distinct accumulation paths, so caching would buy nothing.
type HeapMarshaller struct {
	tracker *DiffTracker
	now     func() time.Time
}

// NewHeapMarshaller returns a marshaller with fresh record buffers.
func NewHeapMarshaller() *HeapMarshaller {
	return &HeapMarshaller{
		tracker: NewDiffTracker(),
		now:     time.Now,
	}
}

// Marshal produces one record per sample and hands each to emit. Records are
// only valid for the duration of the emit call.
func (m *HeapMarshaller) Marshal(snap *Snapshot, harvestSeq int64, emit func(Record) error) error {
	if snap.Kind != KindHeap {
		return fmt.Errorf("heap marshaller given %s snapshot", snap.Kind)
	}
	snap.Link()

	metric := snap.metricType()
	period := snap.periodType()
	metricKey := MetricKey(metric.Type, metric.Unit)
	periodKey := PeriodKey(period.Type, period.Unit)

	// Heap snapshots are taken from an always-on engine: duration runs from
	// engine start to the moment of harvest.
	timeNanos := safe.MicrosToNanos(snap.StartTimeMicros)
	durationNanos := m.now().UnixNano() - timeNanos

	for i, sample := range snap.Samples {
		rec := m.tracker.Next()
		rec[KeyHarvestSeq] = harvestSeq
		rec[KeySampleSeq] = i
		rec[KeyTimeNanos] = timeNanos
		rec[KeyDurationNanos] = durationNanos

		var inclusiveBytes int64
		for n := snap.Nodes[sample.NodeID]; n != nil; n = n.Parent {
			inclusiveBytes += n.SelfSizeBytes
		}
		rec[metricKey] = inclusiveBytes
		rec[periodKey] = inclusiveBytes

		depth := writeLocations(rec, snap, sample.NodeID)
		m.tracker.Finalize(rec, depth, metricKey, periodKey)

		if err := emit(rec); err != nil {
			return fmt.Errorf("emitting heap sample %d: %w", i, err)
		}
	}
	return nil
}
