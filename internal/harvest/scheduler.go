package harvest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coral-mesh/plankton/internal/engine"
	"github.com/coral-mesh/plankton/internal/profile"
)

// engineSlot pairs an engine with its marshaller and cadence. The guard
// keeps at most one harvest of this engine in flight.
type engineSlot struct {
	engine     engine.Engine
	marshaller Marshaller
	interval   time.Duration
	guard      sync.Mutex
}

func (c *Controller) harvestLoop(ctx context.Context, slot *engineSlot) {
	ticker := time.NewTicker(slot.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.harvest(slot); err != nil {
				c.logger.Error().
					Err(err).
					Str("kind", slot.engine.Kind().String()).
					Msg("Harvest failed")
			}
		}
	}
}

// HarvestNow runs one harvest for the engine of the given kind, outside the
// normal cadence.
func (c *Controller) HarvestNow(kind profile.Kind) error {
	for _, slot := range c.slots {
		if slot.engine.Kind() == kind {
			return c.harvest(slot)
		}
	}
	return fmt.Errorf("no %s engine registered", kind)
}

// harvest takes one snapshot from the slot's engine and emits it. A harvest
// still in flight for the same engine causes the new one to be skipped
// rather than queued.
func (c *Controller) harvest(slot *engineSlot) error {
	if !slot.guard.TryLock() {
		c.logger.Debug().
			Str("kind", slot.engine.Kind().String()).
			Msg("Previous harvest still in flight, skipping")
		return nil
	}
	defer slot.guard.Unlock()

	snap, err := c.snapshotEngine(slot)
	if err != nil {
		return err
	}
	if snap == nil {
		return nil
	}
	snap.Link()

	c.destMu.Lock()
	defer c.destMu.Unlock()

	seq := c.harvestSeq.Load()
	if err := c.dest.Begin(snap, seq); err != nil {
		return fmt.Errorf("beginning harvest %d: %w", seq, err)
	}

	if c.dest.WantsRecords() {
		eventType := snap.Kind.EventType()
		err := slot.marshaller.Marshal(snap, seq, func(rec profile.Record) error {
			return c.dest.Record(eventType, rec)
		})
		if err != nil {
			return fmt.Errorf("marshalling harvest %d: %w", seq, err)
		}
	}

	if err := c.dest.End(); err != nil {
		return fmt.Errorf("finishing harvest %d: %w", seq, err)
	}

	// The sequence only advances on a fully delivered harvest, so a failed
	// harvest's number is reused by the next attempt.
	c.harvestSeq.Add(1)

	c.logger.Debug().
		Str("kind", snap.Kind.String()).
		Int64("harvest_seq", seq).
		Int("samples", len(snap.Samples)).
		Msg("Harvest delivered")
	return nil
}

// snapshotEngine reads a snapshot from the engine, falling back to a
// stop-and-restart exchange for engines that cannot snapshot in place.
func (c *Controller) snapshotEngine(slot *engineSlot) (*profile.Snapshot, error) {
	kind := slot.engine.Kind()

	// A previous exchange may have halted the engine without getting it
	// sampling again (the restart failed, or Stop errored after the profiler
	// was already down). Bring it back first; this cycle yields no snapshot,
	// the next one harvests normally.
	if !slot.engine.Running() {
		if err := slot.engine.Start(); err != nil {
			return nil, fmt.Errorf("recovering stopped %s engine: %w", kind, err)
		}
		c.logger.Warn().
			Str("kind", kind.String()).
			Msg("Engine was stopped, restarted without a snapshot")
		return nil, nil
	}

	snap, err := slot.engine.Snapshot()
	if err == nil {
		return snap, nil
	}
	if !errors.Is(err, engine.ErrSnapshotUnsupported) {
		return nil, fmt.Errorf("reading %s snapshot: %w", kind, err)
	}

	snap, err = slot.engine.Stop(true)
	if err != nil {
		return nil, fmt.Errorf("stopping %s engine for harvest: %w", kind, err)
	}
	if err := slot.engine.Start(); err != nil {
		return nil, fmt.Errorf("restarting %s engine after harvest: %w", kind, err)
	}
	return snap, nil
}
