package scratch

import (
	"os"
	"testing"

	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/unit"
)

func TestAcquire_CreatesDisjointDirsForSameUnit(t *testing.T) {
	root := t.TempDir()
	u := unit.Unit{Subject: "001"}

	a, err := Acquire(root, u)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	b, err := Acquire(root, u)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if a == b {
		t.Fatalf("expected distinct scratch dirs, got the same path twice: %s", a)
	}
	for _, d := range []string{a, b} {
		if info, err := os.Stat(d); err != nil || !info.IsDir() {
			t.Fatalf("expected %s to exist as a directory", d)
		}
	}
}

func TestRelease_RemovesDirectory(t *testing.T) {
	root := t.TempDir()
	dir, err := Acquire(root, unit.Unit{Subject: "001"})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := Release(dir); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("expected scratch dir to be removed")
	}
}

func TestRelease_EmptyPathIsNoop(t *testing.T) {
	if err := Release(""); err != nil {
		t.Fatalf("Release(\"\") should be a no-op, got %v", err)
	}
}
