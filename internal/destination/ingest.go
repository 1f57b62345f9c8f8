package destination

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/plankton/internal/profile"
)

// RecordClient is the telemetry ingest collaborator. RecordEvent is called
// once per marshalled sample; Flush pushes anything the client buffered.
type RecordClient interface {
	RecordEvent(ctx context.Context, eventType string, attrs profile.Record) error
	Flush(ctx context.Context) error
	Close() error
}

// Ingest pushes marshalled records to a telemetry ingest client, flushing
// once per completed harvest.
type Ingest struct {
	client RecordClient
	ctx    context.Context
	logger zerolog.Logger
}

// NewIngest wraps an ingest client as a harvest destination. ctx bounds the
// client calls made on behalf of harvests.
func NewIngest(ctx context.Context, client RecordClient, logger zerolog.Logger) *Ingest {
	return &Ingest{
		client: client,
		ctx:    ctx,
		logger: logger.With().Str("component", "ingest_destination").Logger(),
	}
}

// WantsRecords implements Destination.
func (*Ingest) WantsRecords() bool { return true }

// Begin implements Destination.
func (*Ingest) Begin(*profile.Snapshot, int64) error { return nil }

// Record forwards one marshalled sample to the ingest client.
func (d *Ingest) Record(eventType string, rec profile.Record) error {
	return d.client.RecordEvent(d.ctx, eventType, rec)
}

// End flushes the harvest's records to the backend.
func (d *Ingest) End() error {
	return d.client.Flush(d.ctx)
}

// Close flushes and closes the underlying client.
func (d *Ingest) Close() error {
	return d.client.Close()
}
