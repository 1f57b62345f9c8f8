package destination

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	planktonerrors "github.com/coral-mesh/plankton/internal/errors"
	"github.com/coral-mesh/plankton/internal/profile"
	"github.com/coral-mesh/plankton/internal/safe"
)

// Store appends marshalled records to an agent-local DuckDB table, one
// transaction per harvest, so profile history stays queryable on the box.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
	mu     sync.Mutex
	tx     *sql.Tx
}

// NewStore initializes the record table on the given DuckDB handle.
func NewStore(db *sql.DB, logger zerolog.Logger) (*Store, error) {
	s := &Store{
		db:     db,
		logger: logger.With().Str("component", "store_destination").Logger(),
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS profile_records_local (
			event_type   TEXT    NOT NULL,
			harvest_seq  BIGINT  NOT NULL,
			sample_seq   INTEGER NOT NULL,
			time_ns      BIGINT,
			duration_ns  BIGINT,
			metric_name  TEXT,
			metric_value BIGINT,
			stack        TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_profile_records_harvest
			ON profile_records_local (harvest_seq);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	s.logger.Info().Msg("Profile record storage schema initialized")
	return nil
}

// WantsRecords implements Destination.
func (*Store) WantsRecords() bool { return true }

// Begin opens the harvest's transaction.
func (s *Store) Begin(*profile.Snapshot, int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx != nil {
		planktonerrors.DeferRollback(s.logger, s.tx)
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning harvest transaction: %w", err)
	}
	s.tx = tx
	return nil
}

// Record inserts one marshalled sample into the harvest's transaction.
func (s *Store) Record(eventType string, rec profile.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil {
		return fmt.Errorf("no harvest transaction open")
	}

	stack, metricName, metricValue := flattenRecord(rec)
	_, err := s.tx.Exec(`
		INSERT INTO profile_records_local (
			event_type, harvest_seq, sample_seq, time_ns, duration_ns,
			metric_name, metric_value, stack
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		eventType,
		asInt64(rec[profile.KeyHarvestSeq]),
		asInt64(rec[profile.KeySampleSeq]),
		asInt64(rec[profile.KeyTimeNanos]),
		asInt64(rec[profile.KeyDurationNanos]),
		metricName,
		metricValue,
		stack,
	)
	if err != nil {
		return fmt.Errorf("inserting profile record: %w", err)
	}
	return nil
}

// End commits the harvest's transaction.
func (s *Store) End() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil {
		return nil
	}
	tx := s.tx
	s.tx = nil
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing harvest transaction: %w", err)
	}
	return nil
}

// Close rolls back any open transaction and closes the database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx != nil {
		planktonerrors.DeferRollback(s.logger, s.tx)
		s.tx = nil
	}
	return s.db.Close()
}

// CountRecords returns the number of stored records for a harvest sequence.
func (s *Store) CountRecords(ctx context.Context, harvestSeq int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM profile_records_local WHERE harvest_seq = ?
	`, harvestSeq).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting profile records: %w", err)
	}
	return count, nil
}

// flattenRecord extracts the semicolon-joined root-to-leaf stack and the
// primary metric pair from a record. The metric is the dynamic key that is
// neither fixed, positional, nor the sampling-period restatement.
func flattenRecord(rec profile.Record) (stack, metricName string, metricValue int64) {
	var frames []string
	for i := 0; ; i++ {
		v, ok := rec[profile.LocationKey(i)]
		if !ok {
			break
		}
		frames = append(frames, fmt.Sprint(v))
	}
	stack = strings.Join(frames, ";")

	for k, v := range rec {
		switch k {
		case profile.KeyHarvestSeq, profile.KeySampleSeq,
			profile.KeyTimeNanos, profile.KeyDurationNanos,
			profile.KeySamplesCount:
			continue
		}
		if strings.HasPrefix(k, "location.") || strings.HasPrefix(k, "sample_period_") {
			continue
		}
		metricName = k
		metricValue = asInt64(v)
		break
	}
	return stack, metricName, metricValue
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case uint64:
		v, _ := safe.Uint64ToInt64(n)
		return v
	default:
		return 0
	}
}
