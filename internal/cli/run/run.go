// Package run implements the plankton run command.
package run

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/marcboeker/go-duckdb"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/coral-mesh/plankton/internal/config"
	"github.com/coral-mesh/plankton/internal/destination"
	"github.com/coral-mesh/plankton/internal/engine"
	"github.com/coral-mesh/plankton/internal/harvest"
	"github.com/coral-mesh/plankton/internal/logging"
	"github.com/coral-mesh/plankton/internal/profile"
	"github.com/coral-mesh/plankton/internal/sink"
	"github.com/coral-mesh/plankton/pkg/version"
)

// New creates the run command.
func New() *cobra.Command {
	var (
		configFile string
		dest       string
		outputDir  string
		duration   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Profile this process and deliver harvests to the configured destination",
		Long: `Start the profiling engines and harvest them on their configured
intervals until interrupted.

Configuration sources (in order of precedence):
1. Command-line flags
2. Environment variables (PLANKTON_*)
3. Config file (--config flag)
4. Defaults

Examples:
  # Discard harvests (engine overhead measurement)
  plankton run

  # Write rotating pprof files
  plankton run --destination file --output-dir ./profiles

  # Export to an OTLP collector
  PLANKTON_OTLP_ENDPOINT=http://localhost:4318 plankton run --destination otlp

  # Profile for one minute, then exit
  plankton run --destination file --output-dir ./profiles --duration 1m`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			if cmd.Flags().Changed("destination") {
				cfg.Destination = dest
			}
			if cmd.Flags().Changed("output-dir") {
				cfg.OutputDir = outputDir
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			return runAgent(cmd.Context(), cfg, duration)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file")
	cmd.Flags().StringVar(&dest, "destination", "", "Harvest destination (discard, file, otlp, duckdb)")
	cmd.Flags().StringVar(&outputDir, "output-dir", "", "Directory for the file destination")
	cmd.Flags().DurationVar(&duration, "duration", 0, "Stop after this long (0 runs until interrupted)")

	return cmd
}

func runAgent(parent context.Context, cfg *config.Config, duration time.Duration) error {
	logger := logging.New(logging.Config{
		Level:  cfg.LogLevel,
		Pretty: true,
	})

	kinds, err := cfg.EnabledKinds()
	if err != nil {
		return err
	}
	if len(kinds) == 0 {
		return fmt.Errorf("no profile types enabled")
	}

	engines := make([]engine.Engine, 0, len(kinds))
	for _, kind := range kinds {
		switch kind {
		case profile.KindHeap:
			engines = append(engines, engine.NewHeapEngine(logger))
		default:
			engines = append(engines, engine.NewCPUEngine(logger))
		}
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dest, err := buildDestination(ctx, cfg, kinds, logger)
	if err != nil {
		return fmt.Errorf("failed to build destination: %w", err)
	}

	ctrl := harvest.NewController(harvest.Config{
		CPUInterval:               cfg.CPU.HarvestInterval,
		HeapInterval:              cfg.Heap.HarvestInterval,
		CPUSamplingIntervalMicros: cfg.CPU.SamplingIntervalMicros,
		HeapSamplingIntervalBytes: cfg.Heap.SamplingIntervalBytes,
		HeapStackDepth:            cfg.Heap.StackDepth,
	}, engines, dest, logger)

	if err := ctrl.Start(ctx); err != nil {
		_ = dest.Close()
		return fmt.Errorf("failed to start profiling: %w", err)
	}

	logger.Info().
		Str("version", version.String()).
		Str("destination", cfg.Destination).
		Int("engines", len(engines)).
		Msg("Profiling started")

	if duration > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(duration):
			logger.Info().Dur("duration", duration).Msg("Profiling window elapsed")
		}
	} else {
		<-ctx.Done()
		logger.Info().Msg("Shutdown signal received")
	}

	return ctrl.Stop()
}

// buildDestination constructs the destination named by the config.
func buildDestination(ctx context.Context, cfg *config.Config, kinds []profile.Kind, logger zerolog.Logger) (destination.Destination, error) {
	switch cfg.Destination {
	case "", config.DestinationDiscard:
		return destination.NewDiscard(), nil

	case config.DestinationFile:
		if err := os.MkdirAll(cfg.OutputDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
		return destination.NewFileWriter(cfg.OutputDir, kinds, logger)

	case config.DestinationOTLP:
		client, err := sink.NewOTLPClient(sink.Options{
			Endpoint:    cfg.OTLP.Endpoint,
			Timeout:     cfg.OTLP.Timeout,
			ServiceName: cfg.ServiceName,
			Headers:     cfg.OTLP.Headers,
		}, logger)
		if err != nil {
			return nil, err
		}
		return destination.NewIngest(ctx, client, logger), nil

	case config.DestinationDuckDB:
		db, err := sql.Open("duckdb", cfg.DuckDB.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open duckdb at %s: %w", cfg.DuckDB.Path, err)
		}
		return destination.NewStore(db, logger)

	default:
		return nil, fmt.Errorf("unknown destination %q", cfg.Destination)
	}
}
