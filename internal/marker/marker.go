// Package marker manages the success-marker directory: a shared,
// append-only space keyed by unit id, written with create-exclusive
// semantics so a duplicate dispatch of the same unit fails loudly instead
// of racing.
package marker

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/unit"
)

const reservedDir = ".batchrunner/markers"

// Dir returns the marker directory under the given output root.
func Dir(outputRoot string) string {
	return filepath.Join(outputRoot, reservedDir)
}

// Path returns the on-disk path of a unit's success marker.
func Path(outputRoot string, u unit.Unit) string {
	return filepath.Join(Dir(outputRoot), u.ID()+"_success")
}

// Write creates a unit's success marker with create-exclusive semantics.
// toolVersion is recorded in the marker body alongside an ISO-8601
// timestamp. A pre-existing marker is a programming bug (the same unit
// dispatched twice) and is surfaced as an error rather than silently
// overwritten.
func Write(outputRoot string, u unit.Unit, toolVersion string) error {
	dir := Dir(outputRoot)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("marker: creating %s: %w", dir, err)
	}

	body := fmt.Sprintf("%s\n%s\n", toolVersion, time.Now().UTC().Format(time.RFC3339))
	f, err := os.OpenFile(Path(outputRoot, u), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("marker: success marker for %s already exists (duplicate dispatch): %w", u.ID(), err)
		}
		return fmt.Errorf("marker: writing %s: %w", u.ID(), err)
	}
	defer f.Close()

	if _, err := f.WriteString(body); err != nil {
		return fmt.Errorf("marker: writing %s: %w", u.ID(), err)
	}
	return nil
}

// Exists reports whether a unit's success marker is present.
func Exists(outputRoot string, u unit.Unit) bool {
	_, err := os.Stat(Path(outputRoot, u))
	return err == nil
}
