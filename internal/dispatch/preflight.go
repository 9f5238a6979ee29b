package dispatch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/config"
)

// Preflight checks that the output root, scratch root, and log root are
// writable before dispatch begins. This is the one checkpoint where a
// failure is fatal to the whole run rather than attributed to a unit.
func Preflight(cfg *config.Config) error {
	common := cfg.Common()

	var problems []string
	for name, dir := range map[string]string{
		"output root":  common.OutputRoot,
		"scratch root": common.ScratchRoot,
		"log root":     common.LogRoot,
	} {
		if err := ensureWritable(dir); err != nil {
			problems = append(problems, fmt.Sprintf("%s %q: %v", name, dir, err))
		}
	}
	if fi, err := os.Stat(common.Image); err != nil || fi.IsDir() {
		problems = append(problems, fmt.Sprintf("container image %q is not a readable file", common.Image))
	}

	if len(problems) > 0 {
		return fmt.Errorf("preflight failed:\n  %s", strings.Join(problems, "\n  "))
	}
	return nil
}

// ensureWritable creates dir if missing, then probes it with a throwaway
// file to confirm the process can actually write there.
func ensureWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	probe := filepath.Join(dir, ".batchrunner-preflight")
	f, err := os.Create(probe)
	if err != nil {
		return err
	}
	f.Close()
	return os.Remove(probe)
}
