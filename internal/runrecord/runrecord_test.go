package runrecord

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/unit"
)

func TestLog_AppendAndRecordsIsASnapshot(t *testing.T) {
	var l Log
	l.Append(Record{Unit: unit.Unit{Subject: "001"}, Classification: Success})
	l.Append(Record{Unit: unit.Unit{Subject: "002"}, Classification: FailedContainer})

	snap := l.Records()
	if len(snap) != 2 {
		t.Fatalf("got %d records, want 2", len(snap))
	}

	l.Append(Record{Unit: unit.Unit{Subject: "003"}, Classification: Cancelled})
	if len(snap) != 2 {
		t.Fatalf("prior snapshot should not observe later appends")
	}
	if len(l.Records()) != 3 {
		t.Fatalf("fresh snapshot should observe all three appends")
	}
}

func TestLog_UpdateMutatesMatchingUnit(t *testing.T) {
	var l Log
	u := unit.Unit{Subject: "001"}
	l.Append(Record{Unit: u, Classification: Submitted, JobID: "123"})

	l.Update(u, func(r *Record) {
		r.Classification = Running
	})

	records := l.Records()
	if records[0].Classification != Running {
		t.Fatalf("Update did not mutate the matching record: %+v", records[0])
	}
}

func TestLog_WriteAndReadJSONRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "records.json")

	var l Log
	l.Append(Record{
		Unit:           unit.Unit{Subject: "001", Session: "01"},
		Start:          time.Now().Truncate(time.Second),
		Classification: Success,
		ExitCode:       0,
	})

	if err := l.WriteJSON(path); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	loaded, err := ReadJSON(path)
	if err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	records := loaded.Records()
	if len(records) != 1 || records[0].Unit.Subject != "001" {
		t.Fatalf("round trip mismatch: %+v", records)
	}
}

func TestReadJSON_MissingFileIsEmptyNotError(t *testing.T) {
	l, err := ReadJSON(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("ReadJSON on a missing file should not error: %v", err)
	}
	if len(l.Records()) != 0 {
		t.Fatalf("expected an empty log, got %+v", l.Records())
	}
}
