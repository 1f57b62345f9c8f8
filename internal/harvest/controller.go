// Package harvest runs the agent's profiling lifecycle: it starts the
// sampling engines, harvests each on its own interval, marshals snapshots
// into records, and hands them to the configured destination.
package harvest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/plankton/internal/destination"
	"github.com/coral-mesh/plankton/internal/engine"
	"github.com/coral-mesh/plankton/internal/profile"
)

// Marshaller converts one linked snapshot into flat records.
type Marshaller interface {
	Marshal(snap *profile.Snapshot, harvestSeq int64, emit func(profile.Record) error) error
}

// Config carries the controller's scheduling and sampling parameters.
type Config struct {
	// CPUInterval is the CPU harvest cadence. Defaults to 15s.
	CPUInterval time.Duration
	// HeapInterval is the heap harvest cadence. Defaults to 60s.
	HeapInterval time.Duration

	// CPUSamplingIntervalMicros is the CPU sampling period. Defaults to
	// 10000 (100Hz).
	CPUSamplingIntervalMicros int64
	// HeapSamplingIntervalBytes is the heap sampling period. Defaults to
	// 524288 (512KiB allocated per sample).
	HeapSamplingIntervalBytes int64
	// HeapStackDepth bounds recorded heap stacks. Defaults to 64.
	HeapStackDepth int
}

func (c *Config) applyDefaults() {
	if c.CPUInterval <= 0 {
		c.CPUInterval = 15 * time.Second
	}
	if c.HeapInterval <= 0 {
		c.HeapInterval = 60 * time.Second
	}
	if c.CPUSamplingIntervalMicros <= 0 {
		c.CPUSamplingIntervalMicros = 10_000
	}
	if c.HeapSamplingIntervalBytes <= 0 {
		c.HeapSamplingIntervalBytes = 512 * 1024
	}
	if c.HeapStackDepth <= 0 {
		c.HeapStackDepth = 64
	}
}

// Controller owns the engines and the harvest loops. Engines start in CPU,
// heap order and stop in reverse.
type Controller struct {
	cfg    Config
	slots  []*engineSlot
	logger zerolog.Logger

	mu     sync.Mutex
	state  atomic.Int32
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// destMu serializes harvest emission and destination switches, and
	// guards the shared harvest counter so concurrent harvests never reuse
	// a sequence number.
	destMu     sync.Mutex
	dest       destination.Destination
	harvestSeq atomic.Int64
}

// NewController builds a controller over the given engines. Engine order in
// the slice is irrelevant; CPU always starts first.
func NewController(cfg Config, engines []engine.Engine, dest destination.Destination, logger zerolog.Logger) *Controller {
	cfg.applyDefaults()

	c := &Controller{
		cfg:    cfg,
		dest:   dest,
		logger: logger.With().Str("component", "harvest_controller").Logger(),
	}

	// CPU before heap.
	for _, kind := range []profile.Kind{profile.KindCPU, profile.KindHeap} {
		for _, eng := range engines {
			if eng.Kind() != kind {
				continue
			}
			c.slots = append(c.slots, &engineSlot{
				engine:     eng,
				marshaller: marshallerFor(kind),
				interval:   c.intervalFor(kind),
			})
		}
	}
	return c
}

func marshallerFor(kind profile.Kind) Marshaller {
	if kind == profile.KindHeap {
		return profile.NewHeapMarshaller()
	}
	return profile.NewCPUMarshaller()
}

func (c *Controller) intervalFor(kind profile.Kind) time.Duration {
	if kind == profile.KindHeap {
		return c.cfg.HeapInterval
	}
	return c.cfg.CPUInterval
}

func (c *Controller) engineConfig(kind profile.Kind) engine.Config {
	if kind == profile.KindHeap {
		return engine.Config{
			SamplingIntervalBytes: c.cfg.HeapSamplingIntervalBytes,
			StackDepth:            c.cfg.HeapStackDepth,
		}
	}
	return engine.Config{SamplingIntervalMicros: c.cfg.CPUSamplingIntervalMicros}
}

// Start configures and starts all engines, then launches one harvest loop
// per engine. If any engine fails to start, the ones already started are
// stopped again in reverse order and the controller returns to stopped.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if State(c.state.Load()) != StateStopped {
		return fmt.Errorf("controller is %s, not stopped", State(c.state.Load()))
	}
	c.state.Store(int32(StateStarting))

	for i, slot := range c.slots {
		kind := slot.engine.Kind()
		if err := slot.engine.Configure(c.engineConfig(kind)); err != nil {
			c.rollback(i)
			return fmt.Errorf("configuring %s engine: %w", kind, err)
		}
		if err := slot.engine.Start(); err != nil {
			c.rollback(i)
			return fmt.Errorf("starting %s engine: %w", kind, err)
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	for _, slot := range c.slots {
		c.wg.Add(1)
		go func(slot *engineSlot) {
			defer c.wg.Done()
			c.harvestLoop(loopCtx, slot)
		}(slot)
	}

	c.state.Store(int32(StateRunning))
	c.logger.Info().
		Int("engines", len(c.slots)).
		Dur("cpu_interval", c.cfg.CPUInterval).
		Dur("heap_interval", c.cfg.HeapInterval).
		Msg("Harvest controller started")
	return nil
}

// rollback stops the engines that started before slot index failed, in
// reverse order, and returns the controller to stopped.
func (c *Controller) rollback(failed int) {
	for i := failed - 1; i >= 0; i-- {
		if _, err := c.slots[i].engine.Stop(false); err != nil {
			c.logger.Warn().
				Err(err).
				Str("kind", c.slots[i].engine.Kind().String()).
				Msg("Failed to stop engine during start rollback")
		}
	}
	c.state.Store(int32(StateStopped))
}

// Stop halts the harvest loops, stops the engines in reverse start order,
// and closes the destination. Engine stop failures are logged and do not
// abort the remaining teardown; a destination close failure is returned.
// Stopping an already stopped controller is a no-op.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if State(c.state.Load()) != StateRunning {
		return nil
	}
	c.state.Store(int32(StateStopping))

	c.cancel()
	c.wg.Wait()

	for i := len(c.slots) - 1; i >= 0; i-- {
		slot := c.slots[i]
		if !slot.engine.Running() {
			continue
		}
		if _, err := slot.engine.Stop(false); err != nil {
			c.logger.Warn().
				Err(err).
				Str("kind", slot.engine.Kind().String()).
				Msg("Failed to stop engine")
		}
	}

	c.destMu.Lock()
	err := c.dest.Close()
	c.destMu.Unlock()

	c.state.Store(int32(StateStopped))
	c.logger.Info().Msg("Harvest controller stopped")

	if err != nil {
		return fmt.Errorf("closing destination: %w", err)
	}
	return nil
}

// SwitchDestination installs a new destination, closing the previous one.
// In-flight harvests complete against the old destination first. The old
// destination's close error is returned, but the switch happens regardless.
func (c *Controller) SwitchDestination(dest destination.Destination) error {
	c.destMu.Lock()
	defer c.destMu.Unlock()

	err := c.dest.Close()
	c.dest = dest

	if err != nil {
		return fmt.Errorf("closing previous destination: %w", err)
	}
	return nil
}

// State reports the current lifecycle state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// HarvestSeq reports the next harvest sequence number to be used.
func (c *Controller) HarvestSeq() int64 {
	return c.harvestSeq.Load()
}
