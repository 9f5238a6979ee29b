package dataset

import (
	"os"
	"path/filepath"
	"testing"
)

func mkdirs(t *testing.T, paths ...string) {
	t.Helper()
	for _, p := range paths {
		if err := os.MkdirAll(p, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", p, err)
		}
	}
}

func TestWalk_SubjectsOnly(t *testing.T) {
	root := t.TempDir()
	mkdirs(t, filepath.Join(root, "sub-001"), filepath.Join(root, "sub-002"), filepath.Join(root, "sub-010"))

	units, warnings, err := Walk(root, WalkOptions{})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	want := []string{"001", "002", "010"}
	if len(units) != len(want) {
		t.Fatalf("got %d units, want %d", len(units), len(want))
	}
	for i, u := range units {
		if u.Subject != want[i] {
			t.Fatalf("position %d: got %s, want %s (natural sort)", i, u.Subject, want[i])
		}
	}
}

func TestWalk_SessionAware(t *testing.T) {
	root := t.TempDir()
	mkdirs(t,
		filepath.Join(root, "sub-001", "ses-01"),
		filepath.Join(root, "sub-001", "ses-02"),
		filepath.Join(root, "sub-002"), // no sessions: should warn, zero units
	)

	units, warnings, err := Walk(root, WalkOptions{SessionAware: true})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if len(units) != 2 {
		t.Fatalf("got %d units, want 2", len(units))
	}
	if len(warnings) != 1 {
		t.Fatalf("expected one warning for sub-002, got %v", warnings)
	}
}

func TestWalk_ExplicitFilterUnmatchedWarns(t *testing.T) {
	root := t.TempDir()
	mkdirs(t, filepath.Join(root, "sub-001"))

	units, warnings, err := Walk(root, WalkOptions{Subjects: []string{"001", "999"}})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if len(units) != 1 {
		t.Fatalf("got %d units, want 1", len(units))
	}
	if len(warnings) != 1 {
		t.Fatalf("expected one warning for unmatched filter, got %v", warnings)
	}
}

func TestWalk_IgnoresHiddenAndNonSubjectEntries(t *testing.T) {
	root := t.TempDir()
	mkdirs(t, filepath.Join(root, "sub-001"), filepath.Join(root, ".git"), filepath.Join(root, "derivatives"))

	units, _, err := Walk(root, WalkOptions{})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if len(units) != 1 {
		t.Fatalf("got %d units, want 1", len(units))
	}
}
