// Package scratch manages per-unit working directories under a shared
// scratch root. Each unit gets a disjoint sub-path keyed on its id, so no
// locking is needed for per-unit writes.
package scratch

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/unit"
)

// Acquire creates a fresh, unique scratch directory for a unit and returns
// its path. The trailing random suffix guards against a stale leftover
// directory from a prior, abnormally terminated run.
func Acquire(scratchRoot string, u unit.Unit) (string, error) {
	dir := filepath.Join(scratchRoot, u.ID()+"-"+uuid.New().String()[:8])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("scratch: creating %s: %w", dir, err)
	}
	return dir, nil
}

// Release removes a unit's scratch directory. Callers keep the directory
// instead of calling Release when the unit failed and force was not set,
// so the contents remain available for debugging.
func Release(dir string) error {
	if dir == "" {
		return nil
	}
	return os.RemoveAll(dir)
}
