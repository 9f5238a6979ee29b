// Package dataset enumerates processing units from a hierarchical dataset
// laid out as <root>/sub-XXX/[ses-YYY/][anat|func|dwi|fmap]/….
package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/unit"
)

// WalkOptions configures a dataset walk.
type WalkOptions struct {
	SessionAware bool
	Subjects     []string // explicit filter, already normalized; empty means all
}

// Walk lists subjects (and, when SessionAware, sessions) under root. It never
// descends past depth 2 (subject, then session) and never reads file
// contents — only directory entries.
func Walk(root string, opts WalkOptions) ([]unit.Unit, []string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, nil, fmt.Errorf("dataset: cannot list %q: %w", root, err)
	}

	var wanted map[string]bool
	var matched map[string]bool
	if len(opts.Subjects) > 0 {
		wanted = make(map[string]bool, len(opts.Subjects))
		matched = make(map[string]bool, len(opts.Subjects))
		for _, s := range opts.Subjects {
			wanted[unit.Normalize(s)] = true
		}
	}

	var units []unit.Unit
	var warnings []string

	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if !strings.HasPrefix(name, "sub-") {
			continue
		}
		subject := unit.Normalize(name)
		if wanted != nil && !wanted[subject] {
			continue
		}
		if wanted != nil {
			matched[subject] = true
		}

		isDir, err := entryIsDir(root, e)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		if !isDir {
			continue
		}

		if !opts.SessionAware {
			units = append(units, unit.Unit{Subject: subject})
			continue
		}

		sessions, err := listSessions(filepath.Join(root, name))
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		if len(sessions) == 0 {
			warnings = append(warnings, fmt.Sprintf("%s: session-aware but no ses-* directories found", name))
			continue
		}
		for _, ses := range sessions {
			units = append(units, unit.Unit{Subject: subject, Session: ses})
		}
	}

	if wanted != nil {
		for _, s := range opts.Subjects {
			n := unit.Normalize(s)
			if !matched[n] {
				warnings = append(warnings, fmt.Sprintf("subject filter %q did not match any dataset entry", s))
			}
		}
	}

	sort.Slice(units, func(i, j int) bool { return unit.Less(units[i], units[j]) })
	return units, warnings, nil
}

// listSessions returns normalized session ids under a subject directory,
// resolving one level of symlink following a visited-target guard so a
// cyclic symlink cannot be walked twice.
func listSessions(subjectDir string) ([]string, error) {
	entries, err := os.ReadDir(subjectDir)
	if err != nil {
		return nil, err
	}
	visited := make(map[string]bool)
	var sessions []string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "ses-") {
			continue
		}
		isDir, err := entryIsDir(subjectDir, e)
		if err != nil {
			continue
		}
		if !isDir {
			continue
		}
		target, err := filepath.EvalSymlinks(filepath.Join(subjectDir, name))
		if err == nil {
			if visited[target] {
				continue
			}
			visited[target] = true
		}
		sessions = append(sessions, unit.Normalize(name))
	}
	sort.Strings(sessions)
	return sessions, nil
}

// entryIsDir resolves a DirEntry to a directory check, following exactly one
// level of symlink indirection.
func entryIsDir(parent string, e os.DirEntry) (bool, error) {
	if e.Type()&os.ModeSymlink == 0 {
		return e.IsDir(), nil
	}
	info, err := os.Stat(filepath.Join(parent, e.Name()))
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}
