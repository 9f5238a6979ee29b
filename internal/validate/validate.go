// Package validate implements pipeline-aware output verification (C8): a
// closed family of per-pipeline validators, each producing structured
// findings from a reason enumeration, dispatched by pipeline tag rather
// than by dynamic type lookup — the same "tagged variant, not an
// inheritance hierarchy" shape the teacher uses for phase types.
package validate

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/unit"
)

// Reason is the closed enumeration of validator findings.
type Reason string

const (
	MissingSubjectDir                Reason = "MissingSubjectDir"
	MissingReport                    Reason = "MissingReport"
	MissingPreprocessed               Reason = "MissingPreprocessed"
	MissingHemispherePair              Reason = "MissingHemispherePair"
	InconsistentSurfaceAcrossCohort    Reason = "InconsistentSurfaceAcrossCohort"
	WrongFolderCount                   Reason = "WrongFolderCount"
	MissingCompletionSentinel          Reason = "MissingCompletionSentinel"
	MissingLongitudinalFile            Reason = "MissingLongitudinalFile"
	LongitudinalFileInCrossSectional   Reason = "LongitudinalFileInCrossSectional"
	MissingReconOutput                 Reason = "MissingReconOutput"
	EmptyOutputDir                      Reason = "EmptyOutputDir"
)

// Finding is one structured record describing a missing or malformed
// output for a single unit.
type Finding struct {
	Pipeline string
	Unit     unit.Unit
	Reason   Reason
	Detail   string
}

// Validator verifies one pipeline's outputs for a set of units and returns
// every finding. It performs no mutation and no network I/O (§4.8 contract).
type Validator interface {
	Check(inputRoot, outputRoot string, units []unit.Unit) []Finding
}

// Registry is the closed, pipeline-tag-keyed family of validators. New
// pipelines are added here, never by subclassing an existing validator.
var Registry = map[string]Validator{
	"fmriprep":  FuncPrep{},
	"qsiprep":   DiffPrep{},
	"freesurfer": StructRecon{},
	"qsirecon":  DiffRecon{},
}

// Run checks every registered pipeline (or, when pipelines is non-empty,
// only those named) over the given dataset/output roots and units,
// returning the combined finding set in a deterministic order so two
// consecutive runs over an unchanged tree produce an equal multiset
// (§8 testable property 6).
func Run(inputRoot, outputRoot string, units []unit.Unit, pipelines []string) []Finding {
	names := pipelines
	if len(names) == 0 {
		for name := range Registry {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var findings []Finding
	for _, name := range names {
		v, ok := Registry[name]
		if !ok {
			continue
		}
		findings = append(findings, v.Check(inputRoot, outputRoot, units)...)
	}
	return findings
}

// hasNonEmptySubtree reports whether dir exists and contains at least one
// regular file anywhere beneath it, probed with a plain os.ReadDir walk
// (no recursion beyond what answering the question requires).
func hasNonEmptySubtree(dir string) bool {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return false
	}
	found := false
	var walk func(string, int)
	walk = func(d string, depth int) {
		if found || depth > 6 {
			return
		}
		entries, err := os.ReadDir(d)
		if err != nil {
			return
		}
		for _, e := range entries {
			if found {
				return
			}
			if e.IsDir() {
				walk(filepath.Join(d, e.Name()), depth+1)
				continue
			}
			info, err := e.Info()
			if err == nil && info.Mode().IsRegular() {
				found = true
				return
			}
		}
	}
	walk(dir, 0)
	return found
}

// filesMatching returns the base names of entries directly under dir whose
// name contains substr. A missing dir yields an empty slice, not an error.
func filesMatching(dir, substr string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.Contains(e.Name(), substr) {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out
}

// modalityDir resolves the <root>/sub-X[/ses-Y]/<modality> path for a unit.
func modalityDir(root string, u unit.Unit, modality string) string {
	parts := []string{root, "sub-" + u.Subject}
	if u.Session != "" {
		parts = append(parts, "ses-"+u.Session)
	}
	parts = append(parts, modality)
	return filepath.Join(parts...)
}

// subjectOutputDir resolves <root>/sub-X for a unit, ignoring session.
func subjectOutputDir(root string, u unit.Unit) string {
	return filepath.Join(root, "sub-"+u.Subject)
}

// uniqueSubjects returns the de-duplicated, sorted subject ids across units.
func uniqueSubjects(units []unit.Unit) []string {
	seen := map[string]bool{}
	var out []string
	for _, u := range units {
		if !seen[u.Subject] {
			seen[u.Subject] = true
			out = append(out, u.Subject)
		}
	}
	sort.Strings(out)
	return out
}
