package destination

import (
	"fmt"
	"os"
	"path"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/plankton/internal/pprofenc"
	"github.com/coral-mesh/plankton/internal/profile"
)

// kindFile tracks the open handle and rotation ordinal for one profile kind.
// The ordinal counts per kind, not per harvest, so each kind's file series
// stays consecutive when both engines write.
type kindFile struct {
	f         *os.File
	rotations int
}

// FileWriter appends one pprof-encoded snapshot per harvest to local files
// and rotates after each write. The first file uses the unsuffixed base name
// (cpu.pprof, heap.pprof); rotated files carry an ordinal suffix
// (cpu.pprof1, cpu.pprof2, ...).
type FileWriter struct {
	dir    string
	logger zerolog.Logger
	mu     sync.Mutex
	files  map[profile.Kind]*kindFile
}

// NewFileWriter opens fresh base-name files for the given kinds in dir. Open
// failures propagate; files opened so far are closed again.
func NewFileWriter(dir string, kinds []profile.Kind, logger zerolog.Logger) (*FileWriter, error) {
	w := &FileWriter{
		dir:    dir,
		logger: logger.With().Str("component", "file_destination").Logger(),
		files:  make(map[profile.Kind]*kindFile),
	}

	for _, kind := range kinds {
		f, err := openAppend(path.Join(dir, baseName(kind)))
		if err != nil {
			_ = w.Close()
			return nil, fmt.Errorf("opening %s output file: %w", kind, err)
		}
		w.files[kind] = &kindFile{f: f}
	}

	w.logger.Info().Str("dir", dir).Msg("Profile file output opened")
	return w, nil
}

func baseName(kind profile.Kind) string {
	return kind.String() + ".pprof"
}

func openAppend(name string) (*os.File, error) {
	//nolint:gosec // G304: Path is derived from the configured output directory.
	return os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
}

// WantsRecords implements Destination; the file destination consumes the
// encoded snapshot, not records.
func (*FileWriter) WantsRecords() bool { return false }

// Begin writes the encoded snapshot to the current file for its kind, then
// rotates so the next harvest lands in a fresh suffixed file.
func (w *FileWriter) Begin(snap *profile.Snapshot, harvestSeq int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	kf := w.files[snap.Kind]
	if kf == nil {
		return fmt.Errorf("no output file for %s profiles", snap.Kind)
	}

	if err := pprofenc.Write(kf.f, snap); err != nil {
		return fmt.Errorf("writing %s snapshot: %w", snap.Kind, err)
	}
	if err := kf.f.Close(); err != nil {
		return fmt.Errorf("closing %s output file: %w", snap.Kind, err)
	}

	kf.rotations++
	name := path.Join(w.dir, baseName(snap.Kind)+strconv.Itoa(kf.rotations))
	f, err := openAppend(name)
	if err != nil {
		w.files[snap.Kind] = nil
		return fmt.Errorf("rotating %s output file: %w", snap.Kind, err)
	}
	kf.f = f

	w.logger.Debug().
		Str("kind", snap.Kind.String()).
		Int64("harvest_seq", harvestSeq).
		Str("next_file", name).
		Msg("Wrote and rotated profile file")
	return nil
}

// Record implements Destination.
func (*FileWriter) Record(string, profile.Record) error { return nil }

// End implements Destination.
func (*FileWriter) End() error { return nil }

// Close flushes and closes all open files. The first failure is returned;
// remaining files are still closed.
func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var firstErr error
	for kind, kf := range w.files {
		if kf == nil || kf.f == nil {
			continue
		}
		if err := kf.f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing %s output file: %w", kind, err)
		}
		kf.f = nil
	}
	return firstErr
}
