// Package reprocess turns a validator report (§4.9) into either a new plan
// of units to redispatch or a persisted report file, and reads reports back
// in the three tolerant shapes external tools may produce.
package reprocess

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/unit"
	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/validate"
)

// Metadata describes how a report was produced.
type Metadata struct {
	Generator   string   `json:"generator"`
	Timestamp   string   `json:"timestamp"`
	Filters     []string `json:"filters,omitempty"`
	DatasetRoot string   `json:"dataset_root,omitempty"`
	OutputRoot  string   `json:"output_root,omitempty"`
}

// PipelineMissing is one pipeline's slice of a report: a free-form list of
// missing items (one line per finding, human-readable), the count, and the
// de-duplicated subject ids that have at least one finding.
type PipelineMissing struct {
	MissingItems            []string `json:"missing_items"`
	TotalMissing            int      `json:"total_missing"`
	SubjectsWithMissingData []string `json:"subjects_with_missing_data"`
}

// Summary is the flattened, cross-pipeline view of a report.
type Summary struct {
	AllMissingSubjects []string `json:"all_missing_subjects"`
}

// Report is the canonical, in-memory shape every input shape is normalized
// into (§6 Validator report format).
type Report struct {
	Metadata              Metadata                   `json:"metadata"`
	MissingDataByPipeline map[string]PipelineMissing `json:"missing_data_by_pipeline"`
	Summary               Summary                    `json:"summary"`
}

// BuildReport groups a validator run's findings by pipeline into the
// canonical report shape.
func BuildReport(findings []validate.Finding, generator, datasetRoot, outputRoot string, filters []string) *Report {
	byPipeline := make(map[string]PipelineMissing)
	subjectsByPipeline := make(map[string]map[string]bool)
	allSubjects := make(map[string]bool)

	order := make([]string, 0)
	for _, f := range findings {
		pm, ok := byPipeline[f.Pipeline]
		if !ok {
			order = append(order, f.Pipeline)
			subjectsByPipeline[f.Pipeline] = make(map[string]bool)
		}
		pm.MissingItems = append(pm.MissingItems, fmt.Sprintf("%s: %s (%s)", f.Unit.String(), f.Reason, f.Detail))
		pm.TotalMissing++
		byPipeline[f.Pipeline] = pm
		subjectsByPipeline[f.Pipeline][f.Unit.Subject] = true
		allSubjects[f.Unit.Subject] = true
	}

	for _, pipeline := range order {
		pm := byPipeline[pipeline]
		pm.SubjectsWithMissingData = sortedKeys(subjectsByPipeline[pipeline])
		byPipeline[pipeline] = pm
	}

	return &Report{
		Metadata: Metadata{
			Generator:   generator,
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
			Filters:     filters,
			DatasetRoot: datasetRoot,
			OutputRoot:  outputRoot,
		},
		MissingDataByPipeline: byPipeline,
		Summary:               Summary{AllMissingSubjects: sortedKeys(allSubjects)},
	}
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ToPlan converts a report into units for redispatch. A non-empty pipeline
// name selects that pipeline's subjects; an empty one unions every
// pipeline's subjects, falling back to Summary.AllMissingSubjects when the
// report carries no per-pipeline breakdown (the flat-subjects input shape).
func ToPlan(report *Report, pipeline string) []unit.Unit {
	if report == nil {
		return nil
	}

	var ids []string
	switch {
	case pipeline != "":
		ids = report.MissingDataByPipeline[pipeline].SubjectsWithMissingData
	case len(report.MissingDataByPipeline) > 0:
		seen := make(map[string]bool)
		for _, pm := range report.MissingDataByPipeline {
			for _, id := range pm.SubjectsWithMissingData {
				if !seen[id] {
					seen[id] = true
					ids = append(ids, id)
				}
			}
		}
		sort.Strings(ids)
	default:
		ids = report.Summary.AllMissingSubjects
	}

	units := make([]unit.Unit, 0, len(ids))
	for _, id := range ids {
		units = append(units, parseUnitID(id))
	}
	return units
}

// parseUnitID interprets an id drawn from a report as a subject, or a
// subject/session or subject_session pair; it tolerates "sub-"/"ses-"
// prefixes in either form.
func parseUnitID(raw string) unit.Unit {
	raw = strings.TrimSpace(raw)
	for _, sep := range []string{"/", "_"} {
		if idx := strings.Index(raw, sep); idx > 0 {
			left, right := raw[:idx], raw[idx+1:]
			if strings.HasPrefix(right, "ses-") {
				return unit.Unit{Subject: unit.Normalize(left), Session: unit.Normalize(right)}
			}
		}
	}
	return unit.Unit{Subject: unit.Normalize(raw)}
}

// DecodeReport sniffs which of the three tolerant shapes data is in, trying
// canonical first, then the external-pipelines shape, then flat-subjects.
func DecodeReport(data []byte) (*Report, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("reprocess: malformed report: %w", err)
	}

	if _, ok := raw["missing_data_by_pipeline"]; ok {
		return decodeCanonical(data)
	}
	if _, ok := raw["pipelines"]; ok {
		return decodeExternalPipelines(data)
	}
	if _, ok := raw["all_missing_subjects"]; ok {
		return decodeFlatSubjects(data)
	}
	return nil, fmt.Errorf("reprocess: unrecognized report shape: expected one of %q, %q, %q",
		"missing_data_by_pipeline", "pipelines", "all_missing_subjects")
}

func decodeCanonical(data []byte) (*Report, error) {
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("reprocess: decoding canonical report: %w", err)
	}
	return &r, nil
}

// externalPipelinesDoc is the `{pipelines: {<name>: {subjects: […]}}}` shape
// produced by external validator tooling.
type externalPipelinesDoc struct {
	Pipelines map[string]struct {
		Subjects []string `json:"subjects"`
	} `json:"pipelines"`
}

func decodeExternalPipelines(data []byte) (*Report, error) {
	var doc externalPipelinesDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("reprocess: decoding external-pipelines report: %w", err)
	}

	byPipeline := make(map[string]PipelineMissing, len(doc.Pipelines))
	all := make(map[string]bool)
	for name, p := range doc.Pipelines {
		subjects := append([]string(nil), p.Subjects...)
		sort.Strings(subjects)
		byPipeline[name] = PipelineMissing{
			MissingItems:            subjects,
			TotalMissing:            len(subjects),
			SubjectsWithMissingData: subjects,
		}
		for _, s := range subjects {
			all[s] = true
		}
	}

	return &Report{
		MissingDataByPipeline: byPipeline,
		Summary:               Summary{AllMissingSubjects: sortedKeys(all)},
	}, nil
}

// flatSubjectsDoc is the `{all_missing_subjects: […]}` shape: no
// per-pipeline breakdown at all.
type flatSubjectsDoc struct {
	AllMissingSubjects []string `json:"all_missing_subjects"`
}

func decodeFlatSubjects(data []byte) (*Report, error) {
	var doc flatSubjectsDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("reprocess: decoding flat-subjects report: %w", err)
	}
	return &Report{Summary: Summary{AllMissingSubjects: doc.AllMissingSubjects}}, nil
}

// LoadReport reads a report file from disk and decodes it via DecodeReport.
func LoadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reprocess: reading %s: %w", path, err)
	}
	return DecodeReport(data)
}

// WriteReport serializes r to path atomically (temp file + rename), so a
// reader never observes a half-written report.
func WriteReport(path string, r *Report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("reprocess: marshaling report: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("reprocess: creating %s: %w", filepath.Dir(path), err)
	}
	return writeFileAtomic(path, data, 0o644)
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
