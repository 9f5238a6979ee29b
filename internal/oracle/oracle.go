// Package oracle decides whether a unit's outputs already exist, via a
// layered cascade: success marker, configured pattern, generic pipeline
// patterns, directory existence. The first layer that answers "yes" wins.
package oracle

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/unit"
)

// Verdict is the oracle's answer for one unit.
type Verdict string

const (
	Done       Verdict = "done"
	NotDone    Verdict = "not_done"
	ForceRerun Verdict = "force_rerun"
)

// Options configures a Check call.
type Options struct {
	MaxDepth int // bounded-depth probing for layers 3/4; default 3
}

func (o Options) maxDepth() int {
	if o.MaxDepth <= 0 {
		return 3
	}
	return o.MaxDepth
}

// genericPatterns is the fixed table of conventional completion layouts
// tried by layer 3, one row per known pipeline family. Order is the
// cascade order within the layer; first match wins.
var genericPatterns = []string{
	"sub-{subject}/ses-{session}/*desc-preproc*", // fMRIPrep-shaped, session-aware
	"sub-{subject}/*desc-preproc*",               // fMRIPrep-shaped, subject-only
	"sub-{subject}/ses-{session}/dwi/*.nii*",     // QSIPrep-shaped
	"sub-{subject}*/scripts/recon-all.done",      // FreeSurfer-shaped
	"sub-{subject}/*.html",                       // generic subject HTML report
}

// Check decides whether u's outputs already exist under outRoot. markerPath,
// when non-empty, is the success-marker path the dispatcher would have
// written on a prior successful run.
func Check(u unit.Unit, outRoot, markerPath, pattern string, force bool, opts Options) Verdict {
	if force {
		return ForceRerun
	}
	if markerPath != "" {
		if _, err := os.Stat(markerPath); err == nil {
			return Done
		}
	}
	if layer2(outRoot, u, pattern) {
		return Done
	}
	if layer3(outRoot, u, opts.maxDepth()) {
		return Done
	}
	if layer4(outRoot, u, opts.maxDepth()) {
		return Done
	}
	return NotDone
}

func substitute(pattern string, u unit.Unit) string {
	r := strings.NewReplacer("{subject}", u.Subject, "{session}", u.Session)
	return r.Replace(pattern)
}

func layer2(outRoot string, u unit.Unit, pattern string) bool {
	if pattern == "" {
		return false
	}
	full := filepath.Join(outRoot, substitute(pattern, u))
	matches, err := filepath.Glob(full)
	if err != nil {
		logIOError(fmt.Errorf("oracle: bad pattern %q: %w", pattern, err))
		return false
	}
	return len(matches) > 0
}

func layer3(outRoot string, u unit.Unit, maxDepth int) bool {
	for _, tmpl := range genericPatterns {
		if strings.Contains(tmpl, "{session}") && u.Session == "" {
			continue
		}
		full := filepath.Join(outRoot, substitute(tmpl, u))
		matches, err := boundedGlob(outRoot, full, maxDepth)
		if err != nil {
			logIOError(err)
			continue
		}
		if len(matches) > 0 {
			return true
		}
	}
	return false
}

func layer4(outRoot string, u unit.Unit, maxDepth int) bool {
	subjectDir := filepath.Join(outRoot, "sub-"+u.Subject)
	return hasRegularFile(subjectDir, maxDepth)
}

// boundedGlob resolves filepath.Glob only after checking the candidate path
// sits within maxDepth of outRoot, so an unusually deep pattern can't trigger
// unbounded traversal.
func boundedGlob(outRoot, pattern string, maxDepth int) ([]string, error) {
	rel, err := filepath.Rel(outRoot, pattern)
	if err != nil {
		return nil, err
	}
	if depth := strings.Count(rel, string(filepath.Separator)); depth > maxDepth {
		return nil, nil
	}
	return filepath.Glob(pattern)
}

// hasRegularFile reports whether dir exists and contains at least one
// regular file, probed no deeper than maxDepth directories below dir.
func hasRegularFile(dir string, maxDepth int) bool {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return false
	}
	found := false
	_ = fs.WalkDir(os.DirFS(dir), ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			logIOError(err)
			return nil
		}
		if found {
			return fs.SkipAll
		}
		if path != "." && strings.Count(path, string(filepath.Separator)) >= maxDepth {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			info, err := d.Info()
			if err == nil && info.Mode().IsRegular() {
				found = true
				return fs.SkipAll
			}
		}
		return nil
	})
	return found
}

// logIOError logs a probing error to stderr; I/O errors never abort a
// Check call and are always treated as NotDone for the layer that hit them.
func logIOError(err error) {
	fmt.Fprintf(os.Stderr, "warning: oracle: %v\n", err)
}
