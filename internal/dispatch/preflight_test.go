package dispatch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/config"
)

func testConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	input := filepath.Join(dir, "input")
	output := filepath.Join(dir, "output")
	image := filepath.Join(dir, "image.sif")
	if err := os.MkdirAll(input, 0o755); err != nil {
		t.Fatalf("mkdir input: %v", err)
	}
	if err := os.WriteFile(image, []byte("x"), 0o644); err != nil {
		t.Fatalf("write image: %v", err)
	}
	body := `
common:
  input-dataset: ` + input + `
  output-root: ` + output + `
  scratch-root: ` + filepath.Join(dir, "scratch") + `
  image: ` + image + `
app:
  analysis-level: participant
`
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return cfg
}

func TestPreflight_CreatesMissingWritableRoots(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)

	if err := Preflight(cfg); err != nil {
		t.Fatalf("Preflight: %v", err)
	}
	if _, err := os.Stat(cfg.Common().OutputRoot); err != nil {
		t.Fatalf("output root should have been created: %v", err)
	}
	if _, err := os.Stat(cfg.Common().ScratchRoot); err != nil {
		t.Fatalf("scratch root should have been created: %v", err)
	}
}

func TestPreflight_UnreadableImageFails(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	if err := os.Remove(cfg.Common().Image); err != nil {
		t.Fatalf("remove image: %v", err)
	}

	if err := Preflight(cfg); err == nil {
		t.Fatalf("expected preflight to fail with missing image")
	}
}

func TestPreflight_NonWritableOutputRootFails(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permission bits")
	}
	dir := t.TempDir()
	cfg := testConfig(t, dir)

	if err := os.MkdirAll(cfg.Common().OutputRoot, 0o555); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	defer os.Chmod(cfg.Common().OutputRoot, 0o755)

	if err := Preflight(cfg); err == nil {
		t.Fatalf("expected preflight to fail with a read-only output root")
	}
}
