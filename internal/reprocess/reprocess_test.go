package reprocess

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/unit"
	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/validate"
)

func TestBuildReport_GroupsByPipeline(t *testing.T) {
	findings := []validate.Finding{
		{Pipeline: "fmriprep", Unit: unit.Unit{Subject: "001"}, Reason: validate.MissingSubjectDir, Detail: "d1"},
		{Pipeline: "fmriprep", Unit: unit.Unit{Subject: "002"}, Reason: validate.MissingPreprocessed, Detail: "d2"},
		{Pipeline: "qsiprep", Unit: unit.Unit{Subject: "001"}, Reason: validate.MissingReport, Detail: "d3"},
	}

	r := BuildReport(findings, "batchrunner", "/in", "/out", []string{"--validate"})

	fmriprep := r.MissingDataByPipeline["fmriprep"]
	if fmriprep.TotalMissing != 2 {
		t.Fatalf("fmriprep.TotalMissing = %d, want 2", fmriprep.TotalMissing)
	}
	if len(fmriprep.SubjectsWithMissingData) != 2 {
		t.Fatalf("fmriprep.SubjectsWithMissingData = %v, want 2 subjects", fmriprep.SubjectsWithMissingData)
	}
	if len(r.Summary.AllMissingSubjects) != 2 {
		t.Fatalf("Summary.AllMissingSubjects = %v, want [001 002]", r.Summary.AllMissingSubjects)
	}
}

func TestWriteReportThenLoadReport_RoundTrips(t *testing.T) {
	findings := []validate.Finding{
		{Pipeline: "fmriprep", Unit: unit.Unit{Subject: "001"}, Reason: validate.MissingSubjectDir, Detail: "d1"},
	}
	r := BuildReport(findings, "batchrunner", "/in", "/out", nil)

	path := filepath.Join(t.TempDir(), "report.json")
	if err := WriteReport(path, r); err != nil {
		t.Fatalf("WriteReport: %v", err)
	}

	loaded, err := LoadReport(path)
	if err != nil {
		t.Fatalf("LoadReport: %v", err)
	}
	if diff := cmp.Diff(r, loaded, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("round-tripped report differs from the original (-want +got):\n%s", diff)
	}
}

func TestDecodeReport_ExternalPipelinesShape(t *testing.T) {
	data := []byte(`{"pipelines": {"fmriprep": {"subjects": ["002", "001"]}}}`)
	r, err := DecodeReport(data)
	if err != nil {
		t.Fatalf("DecodeReport: %v", err)
	}
	if got := r.MissingDataByPipeline["fmriprep"].SubjectsWithMissingData; len(got) != 2 {
		t.Fatalf("subjects = %v, want 2", got)
	}
	if len(r.Summary.AllMissingSubjects) != 2 {
		t.Fatalf("Summary.AllMissingSubjects = %v, want 2", r.Summary.AllMissingSubjects)
	}
}

func TestDecodeReport_FlatSubjectsShape(t *testing.T) {
	data := []byte(`{"all_missing_subjects": ["001", "003"]}`)
	r, err := DecodeReport(data)
	if err != nil {
		t.Fatalf("DecodeReport: %v", err)
	}
	if len(r.Summary.AllMissingSubjects) != 2 {
		t.Fatalf("Summary.AllMissingSubjects = %v, want 2", r.Summary.AllMissingSubjects)
	}
}

func TestDecodeReport_UnrecognizedShapeErrors(t *testing.T) {
	data := []byte(`{"unrelated": true}`)
	if _, err := DecodeReport(data); err == nil {
		t.Fatal("DecodeReport: want error for unrecognized shape")
	}
}

func TestToPlan_FiltersByPipeline(t *testing.T) {
	r := &Report{
		MissingDataByPipeline: map[string]PipelineMissing{
			"fmriprep": {SubjectsWithMissingData: []string{"001"}},
			"qsiprep":  {SubjectsWithMissingData: []string{"002"}},
		},
	}
	units := ToPlan(r, "fmriprep")
	if len(units) != 1 || units[0].Subject != "001" {
		t.Fatalf("ToPlan = %+v, want [{001}]", units)
	}
}

func TestToPlan_UnionsAcrossPipelinesWhenNoneNamed(t *testing.T) {
	r := &Report{
		MissingDataByPipeline: map[string]PipelineMissing{
			"fmriprep": {SubjectsWithMissingData: []string{"001"}},
			"qsiprep":  {SubjectsWithMissingData: []string{"001", "002"}},
		},
	}
	units := ToPlan(r, "")
	if len(units) != 2 {
		t.Fatalf("ToPlan = %+v, want 2 de-duplicated units", units)
	}
}

func TestToPlan_FallsBackToFlatSummary(t *testing.T) {
	r := &Report{Summary: Summary{AllMissingSubjects: []string{"001", "002"}}}
	units := ToPlan(r, "")
	if len(units) != 2 {
		t.Fatalf("ToPlan = %+v, want 2", units)
	}
}

func TestParseUnitID_SubjectSessionForms(t *testing.T) {
	cases := map[string]unit.Unit{
		"001":           {Subject: "001"},
		"001/ses-02":    {Subject: "001", Session: "02"},
		"sub-001_ses-02": {Subject: "001", Session: "02"},
	}
	for raw, want := range cases {
		got := parseUnitID(raw)
		if got != want {
			t.Errorf("parseUnitID(%q) = %+v, want %+v", raw, got, want)
		}
	}
}
