// Package runrecord defines the per-unit attempt record and an
// append-only, mutex-guarded log, the same shape as the teacher's Timing
// type but keyed on units instead of phases.
package runrecord

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/unit"
)

// Classification is the closed set of terminal states a unit's attempt can
// end in.
type Classification string

const (
	Success            Classification = "success"
	FailedContainer    Classification = "failed_container"
	FailedOutputCheck  Classification = "failed_output_check"
	SkippedAlreadyDone Classification = "skipped_already_done"
	Cancelled          Classification = "cancelled"
	Submitted          Classification = "submitted"
	Running            Classification = "running"
	SubmitFailed       Classification = "submit_failed"
	CancelledSubmitted Classification = "cancelled_submitted"
	CancelledRunning   Classification = "cancelled_running"
)

// Record is the terminal (or in-flight, for cluster polling) outcome for
// one unit's attempt.
type Record struct {
	Unit           unit.Unit      `json:"unit"`
	Start          time.Time      `json:"start"`
	Stop           time.Time      `json:"stop,omitzero"`
	ExitCode       int            `json:"exit_code"`
	LogPath        string         `json:"log_path,omitempty"`
	Classification Classification `json:"classification"`
	JobID          string         `json:"job_id,omitempty"`
	ScratchDir     string         `json:"scratch_dir,omitempty"`
}

// Log is an append-only, mutex-guarded sequence of records. Readers that
// snapshot via Records see a consistent prefix at any point in time.
type Log struct {
	mu      sync.Mutex
	records []Record
}

// Append adds a record under the log's mutex.
func (l *Log) Append(r Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, r)
}

// Update replaces the record for the given unit, matched by ID, if present;
// used by the cluster dispatcher's poll loop to transition submitted ->
// running -> success/failed.
func (l *Log) Update(u unit.Unit, mutate func(*Record)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.records {
		if l.records[i].Unit.ID() == u.ID() {
			mutate(&l.records[i])
			return
		}
	}
}

// Records returns a snapshot copy of the log, in append order.
func (l *Log) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out
}

// WriteJSON persists the log atomically (temp file + rename) under path.
func (l *Log) WriteJSON(path string) error {
	data, err := json.MarshalIndent(l.Records(), "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data, 0o644)
}

// ReadJSON loads a previously persisted log. A missing file yields an
// empty log, not an error.
func ReadJSON(path string) (*Log, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Log{}, nil
		}
		return nil, err
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, err
	}
	return &Log{records: records}, nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
