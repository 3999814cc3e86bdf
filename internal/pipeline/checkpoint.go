package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"mlprep/internal/table"
)

// RunTimestampLayout names one run's checkpoint directory and stamps its run
// record. UTC so runs from different hosts sort together.
const RunTimestampLayout = "20060102_150405"

// CheckpointSink writes one CSV snapshot per executed operation under
// <root>/<configName>/<version>/<runTimestamp>/. The timestamp is fixed when
// the sink is created, so every snapshot of a run lands in the same
// directory.
type CheckpointSink struct {
	dir string
}

// NewCheckpointSink creates the run directory and returns a sink bound to
// it. now supplies the run timestamp; callers normally pass time.Now().
func NewCheckpointSink(root, configName, version string, now time.Time) (*CheckpointSink, error) {
	dir := filepath.Join(root, configName, version, now.UTC().Format(RunTimestampLayout))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &CheckpointSink{dir: dir}, nil
}

// Dir returns the run directory all snapshots are written to.
func (s *CheckpointSink) Dir() string { return s.dir }

// WriteStep snapshots t to <name>.csv inside the run directory. A pipeline
// that repeats an operation type overwrites that type's earlier snapshot.
func (s *CheckpointSink) WriteStep(name string, t *table.Table) error {
	path := filepath.Join(s.dir, name+".csv")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create checkpoint %s: %w", path, err)
	}
	if err := t.WriteCSV(f); err != nil {
		f.Close()
		return fmt.Errorf("write checkpoint %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close checkpoint %s: %w", path, err)
	}
	return nil
}
