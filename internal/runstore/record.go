package runstore

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Run status values stored in the status column.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// RunRecord is one pipeline run: what it read, what each operation did to
// the table, how the split landed, and how the model scored.
//
// RunTimestamp is the same UTC stamp used for the run's checkpoint
// directory, so a row can be matched to its CSV snapshots on disk. Error is
// empty when Status is StatusOK.
type RunRecord struct {
	ID              string
	ConfigName      string
	Version         string
	RunTimestamp    string
	DatasetFile     string
	RowsIn          int
	RowsOut         int
	TrainRows       int
	ValidationRows  int
	LibraryAccuracy float64
	ManualAccuracy  float64
	Status          string
	Error           string
	StartedAt       time.Time
	FinishedAt      time.Time
	Steps           []StepRecord
}

// StepRecord is the per-operation slice of a run: the operation's position,
// its output shape, and how long it took.
type StepRecord struct {
	Seq        int
	Operation  string
	Rows       int
	Cols       int
	DurationMS int64
}

// NewRunRecord starts a record for a run of the named config version with a
// fresh UUID and the current UTC time. The caller fills the rest, including
// Status, as the run progresses.
func NewRunRecord(configName, version string) *RunRecord {
	return &RunRecord{
		ID:         uuid.NewString(),
		ConfigName: configName,
		Version:    version,
		StartedAt:  time.Now().UTC(),
	}
}

// Validate reports whether the record is complete enough to store.
//
// Edge cases:
//   - Status must be StatusOK or StatusError.
//   - Step sequence numbers must be unique; backends key step rows on
//     (run id, seq).
func (r *RunRecord) Validate() error {
	if r == nil {
		return fmt.Errorf("runstore: record is nil")
	}
	if r.ID == "" {
		return fmt.Errorf("runstore: record id is empty")
	}
	if r.ConfigName == "" {
		return fmt.Errorf("runstore: config name is empty")
	}
	if r.Status != StatusOK && r.Status != StatusError {
		return fmt.Errorf("runstore: bad status %q", r.Status)
	}

	seen := make(map[int]bool, len(r.Steps))
	for _, s := range r.Steps {
		if s.Operation == "" {
			return fmt.Errorf("runstore: step %d has empty operation", s.Seq)
		}
		if seen[s.Seq] {
			return fmt.Errorf("runstore: duplicate step seq %d", s.Seq)
		}
		seen[s.Seq] = true
	}
	return nil
}
