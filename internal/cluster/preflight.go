package cluster

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/config"
)

// Preflight checks that the configured scheduler commands resolve on PATH
// before submission begins, the cluster-mode counterpart to
// internal/dispatch.Preflight.
func Preflight(cfg *config.Config) error {
	cl, ok := cfg.Cluster()
	if !ok {
		return fmt.Errorf("cluster: no cluster section configured")
	}

	var problems []string
	for name, raw := range map[string]string{
		"submit-cmd": cl.SubmitCmd,
		"status-cmd": cl.StatusCmd,
		"cancel-cmd": cl.CancelCmd,
	} {
		if raw == "" {
			continue
		}
		fields := strings.Fields(raw)
		if _, err := exec.LookPath(fields[0]); err != nil {
			problems = append(problems, fmt.Sprintf("%s %q: %v", name, raw, err))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("cluster preflight failed:\n  %s", strings.Join(problems, "\n  "))
	}
	return nil
}
