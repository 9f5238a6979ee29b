package dispatch

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/marker"
	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/plan"
	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/runrecord"
	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/unit"
)

// writeFakeProgram writes a stand-in for apptainer/docker: a tiny script
// that exits with the code written into its body so the dispatcher's exit
// classification can be exercised without a real container runtime.
func writeFakeProgram(t *testing.T, dir string, exitCode int, touchOutput bool, outputRoot string) string {
	t.Helper()
	script := filepath.Join(dir, "fake-container.sh")
	body := "#!/bin/sh\n"
	if touchOutput {
		body += "mkdir -p \"" + outputRoot + "/sub-001\"\n"
		body += "touch \"" + outputRoot + "/sub-001/done.html\"\n"
	}
	body += "exit " + itoa(exitCode) + "\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write fake program: %v", err)
	}
	return script
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := ""
	neg := n < 0
	if neg {
		n = -n
	}
	for n > 0 {
		digits = string(rune('0'+n%10)) + digits
		n /= 10
	}
	if neg {
		digits = "-" + digits
	}
	return digits
}

func TestLocalRun_SuccessWritesMarkerAndRecord(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	common := cfg.Common()

	script := writeFakeProgram(t, dir, 0, true, common.OutputRoot)

	if err := Preflight(cfg); err != nil {
		t.Fatalf("Preflight: %v", err)
	}

	l := &Local{Config: cfg, ToolVersion: "test/1.0", Log: &runrecord.Log{}}
	p := &plan.Plan{Units: []unit.Unit{{Subject: "001"}}, Parallelism: 1}

	// Substitute the fake program for the real container program by
	// pointing Program at our script via PATH shadowing: invocation.Build
	// always sets Program to "apptainer", so we shadow it on PATH.
	binDir := t.TempDir()
	shadow := filepath.Join(binDir, "apptainer")
	if err := os.Symlink(script, shadow); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	t.Setenv("PATH", binDir+":"+os.Getenv("PATH"))

	if err := l.Run(context.Background(), p); err != nil {
		t.Fatalf("Run: %v", err)
	}

	records := l.Log.Records()
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].Classification != runrecord.Success {
		t.Fatalf("expected success, got %v", records[0].Classification)
	}
	if !marker.Exists(common.OutputRoot, unit.Unit{Subject: "001"}) {
		t.Fatalf("expected success marker to be written")
	}
}

func TestLocalRun_NonzeroExitFailsContainer(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	common := cfg.Common()

	script := writeFakeProgram(t, dir, 1, false, common.OutputRoot)
	binDir := t.TempDir()
	if err := os.Symlink(script, filepath.Join(binDir, "apptainer")); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	t.Setenv("PATH", binDir+":"+os.Getenv("PATH"))

	if err := Preflight(cfg); err != nil {
		t.Fatalf("Preflight: %v", err)
	}

	l := &Local{Config: cfg, ToolVersion: "test/1.0", Log: &runrecord.Log{}}
	p := &plan.Plan{Units: []unit.Unit{{Subject: "001"}}, Parallelism: 1}

	if err := l.Run(context.Background(), p); err != nil {
		t.Fatalf("Run: %v", err)
	}

	records := l.Log.Records()
	if len(records) != 1 || records[0].Classification != runrecord.FailedContainer {
		t.Fatalf("expected failed_container, got %+v", records)
	}
	if records[0].ScratchDir == "" {
		t.Fatalf("failed unit without force should keep its scratch dir")
	}
}

func TestLocalRun_ZeroExitButMissingOutputFailsOutputCheck(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	common := cfg.Common()

	script := writeFakeProgram(t, dir, 0, false, common.OutputRoot)
	binDir := t.TempDir()
	if err := os.Symlink(script, filepath.Join(binDir, "apptainer")); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	t.Setenv("PATH", binDir+":"+os.Getenv("PATH"))

	if err := Preflight(cfg); err != nil {
		t.Fatalf("Preflight: %v", err)
	}

	l := &Local{Config: cfg, ToolVersion: "test/1.0", Log: &runrecord.Log{}}
	p := &plan.Plan{Units: []unit.Unit{{Subject: "001"}}, Parallelism: 1}

	if err := l.Run(context.Background(), p); err != nil {
		t.Fatalf("Run: %v", err)
	}

	records := l.Log.Records()
	if len(records) != 1 || records[0].Classification != runrecord.FailedOutputCheck {
		t.Fatalf("expected failed_output_check, got %+v", records)
	}
}

func TestLocalRun_CancelledContextMarksRemainingUnitsCancelled(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)

	l := &Local{Config: cfg, ToolVersion: "test/1.0", Log: &runrecord.Log{}}
	p := &plan.Plan{Units: []unit.Unit{{Subject: "001"}, {Subject: "002"}}, Parallelism: 1}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := l.Run(ctx, p); err != nil {
		t.Fatalf("Run: %v", err)
	}

	records := l.Log.Records()
	if len(records) != 2 {
		t.Fatalf("expected a record for every unit, got %d", len(records))
	}
	for _, r := range records {
		if r.Classification != runrecord.Cancelled {
			t.Fatalf("expected all units cancelled, got %v", r.Classification)
		}
		if r.ScratchDir != "" {
			t.Fatalf("cancellation must clean up scratch regardless of force, got kept dir %q", r.ScratchDir)
		}
	}
}
