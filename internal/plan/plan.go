// Package plan combines the dataset walker's output, the completion
// oracle's verdicts, and user-provided filters into a deterministic,
// de-duplicated, ordered plan of units.
package plan

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/config"
	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/oracle"
	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/unit"
)

// ErrUnitNotFound is returned (wrapped) by Build when an explicit filter or
// a from-report filter names a unit the walker did not discover. This is a
// planning error (spec.md "explicit filter lists unit not present. Fatal;
// exit 2."), never silently included in the plan.
var ErrUnitNotFound = errors.New("plan: unit not present in dataset")

// Provenance names which filter source produced a plan.
type Provenance string

const (
	ProvenanceFresh      Provenance = "fresh"
	ProvenanceFromReport Provenance = "from_report"
	ProvenanceExplicit   Provenance = "explicit"
	ProvenancePilot      Provenance = "pilot"
)

// SkippedUnit records a unit the oracle already considered done.
type SkippedUnit struct {
	Unit   unit.Unit
	Reason string
}

// Plan is the immutable, de-duplicated, ordered set of units a dispatcher
// will attempt.
type Plan struct {
	Units       []unit.Unit
	Provenance  Provenance
	Force       bool
	Parallelism int
	Overridden  []string // filter sources that lost priority
	Skipped     []SkippedUnit
}

// Filters carries the user-selected unit sources. Exactly one of FromReport,
// Explicit, Pilot is honored, in that priority order; anything else
// present is recorded in Plan.Overridden.
type Filters struct {
	FromReport []string // subject (or subject/session) ids drawn from a validator report re-ingest
	Explicit   []string // subject ids from the command line
	Pilot      bool
	Force      bool
}

// MarkerPath resolves the on-disk success-marker path for a unit so Build can
// consult the oracle's first layer without the planner importing the
// dispatcher's marker-writing code.
type MarkerPath func(u unit.Unit) string

// Build produces the final plan from the walker's candidate units, the
// oracle, and the requested filters.
func Build(candidates []unit.Unit, cfg *config.Config, filters Filters, markerPath MarkerPath) (*Plan, error) {
	var chosen []unit.Unit
	var provenance Provenance
	var overridden []string

	byID := make(map[string]unit.Unit, len(candidates))
	for _, c := range candidates {
		byID[c.ID()] = c
	}

	switch {
	case len(filters.FromReport) > 0:
		provenance = ProvenanceFromReport
		resolved, unresolved := resolveIDs(filters.FromReport, byID)
		if len(unresolved) > 0 {
			return nil, fmt.Errorf("%w: %s", ErrUnitNotFound, strings.Join(unresolved, ", "))
		}
		chosen = resolved
		if len(filters.Explicit) > 0 {
			overridden = append(overridden, "explicit")
		}
		if filters.Pilot {
			overridden = append(overridden, "pilot")
		}
	case len(filters.Explicit) > 0:
		provenance = ProvenanceExplicit
		resolved, unresolved := resolveIDs(filters.Explicit, byID)
		if len(unresolved) > 0 {
			return nil, fmt.Errorf("%w: %s", ErrUnitNotFound, strings.Join(unresolved, ", "))
		}
		chosen = resolved
		if filters.Pilot {
			overridden = append(overridden, "pilot")
		}
	case filters.Pilot:
		provenance = ProvenancePilot
		chosen = candidates
	default:
		provenance = ProvenanceFresh
		chosen = candidates
	}

	force := filters.Force || provenance == ProvenanceFromReport

	deduped := dedupe(chosen)
	sort.Slice(deduped, func(i, j int) bool { return unit.Less(deduped[i], deduped[j]) })

	var survivors []unit.Unit
	var skipped []SkippedUnit
	for _, u := range deduped {
		if force {
			survivors = append(survivors, u)
			continue
		}
		var mp string
		if markerPath != nil {
			mp = markerPath(u)
		}
		pattern := ""
		if app := cfg.App(); app.ExpectedPattern != "" {
			pattern = app.ExpectedPattern
		}
		v := oracle.Check(u, cfg.Common().OutputRoot, mp, pattern, false, oracle.Options{})
		if v == oracle.Done {
			skipped = append(skipped, SkippedUnit{Unit: u, Reason: "already_done"})
			continue
		}
		survivors = append(survivors, u)
	}

	if provenance == ProvenancePilot {
		selected, err := selectPilot(survivors)
		if err != nil {
			return nil, err
		}
		survivors = selected
	}

	parallelism := cfg.Common().Parallelism
	if parallelism <= 0 {
		parallelism = 1
	}
	if provenance == ProvenancePilot {
		parallelism = 1
	}

	return &Plan{
		Units:       survivors,
		Provenance:  provenance,
		Force:       force,
		Parallelism: parallelism,
		Overridden:  overridden,
		Skipped:     skipped,
	}, nil
}

// resolveIDs looks up each requested id (subject, or subject/session) in
// the walker's candidate map, normalized. Ids that don't match any
// candidate are returned separately rather than fabricated as phantom
// units, so Build can fail the whole plan per spec.md's "explicit filter
// lists unit not present" planning error.
func resolveIDs(ids []string, byID map[string]unit.Unit) (resolved []unit.Unit, unresolved []string) {
	for _, raw := range ids {
		n := unit.Normalize(raw)
		if u, ok := byID[n]; ok {
			resolved = append(resolved, u)
			continue
		}
		unresolved = append(unresolved, raw)
	}
	return resolved, unresolved
}

func dedupe(units []unit.Unit) []unit.Unit {
	seen := make(map[string]bool, len(units))
	var out []unit.Unit
	for _, u := range units {
		if seen[u.ID()] {
			continue
		}
		seen[u.ID()] = true
		out = append(out, u)
	}
	return out
}

// selectPilot picks exactly one unit uniformly at random from survivors
// using crypto/rand, avoiding an unseeded math/rand source in a one-shot
// CLI process.
func selectPilot(survivors []unit.Unit) ([]unit.Unit, error) {
	if len(survivors) == 0 {
		return nil, nil
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(survivors))))
	if err != nil {
		return nil, fmt.Errorf("plan: pilot selection: %w", err)
	}
	return []unit.Unit{survivors[n.Int64()]}, nil
}
