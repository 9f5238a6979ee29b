// Package state owns the on-disk layout the orchestrator writes into: log
// root, reports directory, success-marker directory, and scratch root, plus
// a package-private atomic-write helper (runrecord and reprocess keep their
// own copies).
package state

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/config"
	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/marker"
)

// EnsureLayout creates every directory a run needs before dispatch begins:
// the log root, the reports directory, the scratch root, and the success-
// marker directory nested under the output root. Called once from the
// orchestrator's Loading→Planning transition, alongside Preflight.
func EnsureLayout(cfg *config.Config) error {
	common := cfg.Common()
	dirs := []string{
		common.LogRoot,
		common.ReportsDir,
		common.ScratchRoot,
		marker.Dir(common.OutputRoot),
	}
	for _, d := range dirs {
		if d == "" {
			continue
		}
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("state: creating %s: %w", d, err)
		}
	}
	return nil
}

// RunLogPath returns the path of the main orchestrator log for a run
// starting at the given timestamp (§6 persisted layout).
func RunLogPath(logRoot string, timestamp string) string {
	return filepath.Join(logRoot, "run_"+timestamp+".log")
}

// ReportPath returns the path a validator report is written to. pipeline
// may be empty (multi-pipeline report).
func ReportPath(reportsDir, pipeline, timestamp string) string {
	name := "report_"
	if pipeline != "" {
		name += pipeline + "_"
	}
	name += timestamp + ".json"
	return filepath.Join(reportsDir, name)
}
