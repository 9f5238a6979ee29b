package oracle

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/unit"
)

func TestCheck_ForceAlwaysWins(t *testing.T) {
	outRoot := t.TempDir()
	u := unit.Unit{Subject: "001"}
	if v := Check(u, outRoot, "", "", true, Options{}); v != ForceRerun {
		t.Fatalf("Check = %v, want ForceRerun", v)
	}
}

func TestCheck_SuccessMarker(t *testing.T) {
	outRoot := t.TempDir()
	marker := filepath.Join(outRoot, "001_success")
	if err := os.WriteFile(marker, []byte("v1"), 0o644); err != nil {
		t.Fatalf("write marker: %v", err)
	}
	u := unit.Unit{Subject: "001"}
	if v := Check(u, outRoot, marker, "", false, Options{}); v != Done {
		t.Fatalf("Check = %v, want Done", v)
	}
}

func TestCheck_ConfiguredPattern(t *testing.T) {
	outRoot := t.TempDir()
	if err := os.WriteFile(filepath.Join(outRoot, "sub-001.html"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	u := unit.Unit{Subject: "001"}
	if v := Check(u, outRoot, "", "sub-{subject}.html", false, Options{}); v != Done {
		t.Fatalf("Check = %v, want Done", v)
	}
}

func TestCheck_DirectoryExistenceFallback(t *testing.T) {
	outRoot := t.TempDir()
	subjectDir := filepath.Join(outRoot, "sub-001")
	if err := os.MkdirAll(subjectDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(subjectDir, "file.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	u := unit.Unit{Subject: "001"}
	if v := Check(u, outRoot, "", "", false, Options{}); v != Done {
		t.Fatalf("Check = %v, want Done", v)
	}
}

func TestCheck_NotDoneWhenNothingMatches(t *testing.T) {
	outRoot := t.TempDir()
	u := unit.Unit{Subject: "001"}
	if v := Check(u, outRoot, "", "", false, Options{}); v != NotDone {
		t.Fatalf("Check = %v, want NotDone", v)
	}
}

func TestCheck_EmptySubjectDirIsNotDone(t *testing.T) {
	outRoot := t.TempDir()
	if err := os.MkdirAll(filepath.Join(outRoot, "sub-001"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	u := unit.Unit{Subject: "001"}
	if v := Check(u, outRoot, "", "", false, Options{}); v != NotDone {
		t.Fatalf("Check = %v, want NotDone for empty subject dir", v)
	}
}
