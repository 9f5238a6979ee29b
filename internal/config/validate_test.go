package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTestConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func mustDir(t *testing.T, parent, name string) string {
	t.Helper()
	p := filepath.Join(parent, name)
	if err := os.MkdirAll(p, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	return p
}

func mustFile(t *testing.T, parent, name string) string {
	t.Helper()
	p := filepath.Join(parent, name)
	if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func baseConfigYAML(dir string) string {
	return `
common:
  input-dataset: ` + filepath.Join(dir, "input") + `
  output-root: ` + filepath.Join(dir, "output") + `
  scratch-root: ` + filepath.Join(dir, "scratch") + `
  image: ` + filepath.Join(dir, "image.sif") + `
  parallelism: 2
app:
  analysis-level: participant
`
}

func TestLoad_MinimalValid(t *testing.T) {
	dir := t.TempDir()
	mustDir(t, dir, "input")
	mustDir(t, dir, "output")
	mustFile(t, dir, "image.sif")

	path := writeTestConfig(t, dir, baseConfigYAML(dir))
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Common().Parallelism != 2 {
		t.Fatalf("parallelism = %d, want 2", cfg.Common().Parallelism)
	}
	if cfg.Common().ReprocessCap != 3 {
		t.Fatalf("default reprocess cap = %d, want 3", cfg.Common().ReprocessCap)
	}
	if _, ok := cfg.Cluster(); ok {
		t.Fatalf("cluster section should be absent")
	}
	if _, ok := cfg.Dataset(); ok {
		t.Fatalf("dataset section should be absent")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, "not: [valid: yaml")
	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected error for malformed yaml")
	}
}

func TestLoad_UnknownAnalysisLevel(t *testing.T) {
	dir := t.TempDir()
	mustDir(t, dir, "input")
	mustDir(t, dir, "output")
	mustFile(t, dir, "image.sif")

	body := `
common:
  input-dataset: ` + filepath.Join(dir, "input") + `
  output-root: ` + filepath.Join(dir, "output") + `
  scratch-root: ` + filepath.Join(dir, "scratch") + `
  image: ` + filepath.Join(dir, "image.sif") + `
app:
  analysis-level: bogus
`
	path := writeTestConfig(t, dir, body)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown analysis level")
	}
}

func TestLoad_ClusterWalltimeAndMemory(t *testing.T) {
	dir := t.TempDir()
	mustDir(t, dir, "input")
	mustDir(t, dir, "output")
	mustFile(t, dir, "image.sif")

	cases := []struct {
		walltime string
		memory   string
		wantErr  bool
	}{
		{"4:00:00", "16G", false},
		{"04:00:00", "512M", false},
		{"4:00", "16G", true},
		{"4:00:00", "16", true},
		{"4:00:00", "16X", true},
	}
	for _, c := range cases {
		body := baseConfigYAML(dir) + `
cluster:
  queue: normal
  walltime: "` + c.walltime + `"
  memory: "` + c.memory + `"
  cpus: 4
  job-name-base: job
  submit-cmd: sbatch
`
		path := writeTestConfig(t, dir, body)
		_, err := Load(path)
		if c.wantErr && err == nil {
			t.Fatalf("walltime=%q memory=%q: expected error, got none", c.walltime, c.memory)
		}
		if !c.wantErr && err != nil {
			t.Fatalf("walltime=%q memory=%q: unexpected error: %v", c.walltime, c.memory, err)
		}
	}
}

func TestLoad_ClusterCPUsMustBePositive(t *testing.T) {
	dir := t.TempDir()
	mustDir(t, dir, "input")
	mustDir(t, dir, "output")
	mustFile(t, dir, "image.sif")

	body := baseConfigYAML(dir) + `
cluster:
  queue: normal
  walltime: "4:00:00"
  memory: "16G"
  cpus: 0
  job-name-base: job
  submit-cmd: sbatch
`
	path := writeTestConfig(t, dir, body)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for cpus=0")
	}
}

func TestLoad_DatasetPushRequiresOutputRef(t *testing.T) {
	dir := t.TempDir()
	mustDir(t, dir, "input")
	mustDir(t, dir, "output")
	mustFile(t, dir, "image.sif")

	body := baseConfigYAML(dir) + `
dataset:
  input-ref: main
  push: true
`
	path := writeTestConfig(t, dir, body)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error: push without output-ref")
	}

	body2 := baseConfigYAML(dir) + `
dataset:
  input-ref: main
  push: true
  output-ref: results
`
	path2 := writeTestConfig(t, dir, body2)
	cfg, err := Load(path2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ds, ok := cfg.Dataset()
	if !ok || ds.OutputRef != "results" {
		t.Fatalf("dataset section not loaded correctly: %+v", ds)
	}
}

func TestLoad_ExtraMountRequiresAbsoluteTarget(t *testing.T) {
	dir := t.TempDir()
	mustDir(t, dir, "input")
	mustDir(t, dir, "output")
	mustFile(t, dir, "image.sif")
	mountSrc := mustDir(t, dir, "extra")

	body := `
common:
  input-dataset: ` + filepath.Join(dir, "input") + `
  output-root: ` + filepath.Join(dir, "output") + `
  scratch-root: ` + filepath.Join(dir, "scratch") + `
  image: ` + filepath.Join(dir, "image.sif") + `
app:
  analysis-level: participant
  extra-mounts:
    - source: ` + mountSrc + `
      target: relative/path
`
	path := writeTestConfig(t, dir, body)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for relative mount target")
	}
}

func TestLoad_ExtraMountSourceMustExist(t *testing.T) {
	dir := t.TempDir()
	mustDir(t, dir, "input")
	mustDir(t, dir, "output")
	mustFile(t, dir, "image.sif")

	body := `
common:
  input-dataset: ` + filepath.Join(dir, "input") + `
  output-root: ` + filepath.Join(dir, "output") + `
  scratch-root: ` + filepath.Join(dir, "scratch") + `
  image: ` + filepath.Join(dir, "image.sif") + `
app:
  analysis-level: participant
  extra-mounts:
    - source: ` + filepath.Join(dir, "does-not-exist") + `
      target: /data/extra
`
	path := writeTestConfig(t, dir, body)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for nonexistent mount source")
	}
}

func TestLoad_DefaultsLogRootAndReportsDir(t *testing.T) {
	dir := t.TempDir()
	mustDir(t, dir, "input")
	mustDir(t, dir, "output")
	mustFile(t, dir, "image.sif")

	path := writeTestConfig(t, dir, baseConfigYAML(dir))
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	wantLog := filepath.Join(cfg.Common().OutputRoot, ".batchrunner", "logs")
	if cfg.Common().LogRoot != wantLog {
		t.Fatalf("LogRoot = %q, want %q", cfg.Common().LogRoot, wantLog)
	}
	wantReports := filepath.Join(cfg.Common().OutputRoot, ".batchrunner", "reports")
	if cfg.Common().ReportsDir != wantReports {
		t.Fatalf("ReportsDir = %q, want %q", cfg.Common().ReportsDir, wantReports)
	}
}

func TestLoad_RelativePathsResolvedAgainstConfigDir(t *testing.T) {
	dir := t.TempDir()
	mustDir(t, dir, "input")
	mustDir(t, dir, "output")
	mustFile(t, dir, "image.sif")

	body := `
common:
  input-dataset: input
  output-root: output
  scratch-root: scratch
  image: image.sif
app:
  analysis-level: participant
`
	path := writeTestConfig(t, dir, body)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Common().InputDataset != filepath.Join(dir, "input") {
		t.Fatalf("InputDataset not resolved: %q", cfg.Common().InputDataset)
	}
}
