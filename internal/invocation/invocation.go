// Package invocation builds the exact argument vector and environment a
// container runtime must execute for one unit. The builder is pure: no I/O,
// no side effects. The dispatcher owns execution, including opening the
// log files named by Command.StdoutPath/StderrPath.
package invocation

import (
	"os"
	"strings"

	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/config"
	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/unit"
)

// envPrefix namespaces runtime-mandatory environment values passed to the
// container, mirroring the teacher's ORC_ convention.
const envPrefix = "BATCHRUNNER_"

// UnitPaths carries the per-run paths the builder needs but does not
// create or open itself.
type UnitPaths struct {
	ScratchDir   string
	LogPath      string // non-debug mode: single combined log
	DebugOutPath string // debug mode: stdout tee target
	DebugErrPath string // debug mode: stderr tee target
}

// Command is a structured, unexecuted invocation descriptor. StdoutPath and
// StderrPath name the file(s) the dispatcher should open and tee output
// into; when empty the dispatcher uses its own default sink.
type Command struct {
	Program    string
	Argv       []string
	Env        []string
	Dir        string
	StdoutPath string
	StderrPath string
	TeeStdout  bool // debug mode: also copy to the process's own stdout
	TeeStderr  bool
}

// Build constructs the Command for running one unit.
func Build(cfg *config.Config, u unit.Unit, paths UnitPaths, debug bool) Command {
	common := cfg.Common()
	app := cfg.App()

	argv := []string{
		"run",
		"--bind", common.InputDataset + ":/data/input",
		"--bind", common.OutputRoot + ":/data/output",
		"--bind", paths.ScratchDir + ":/data/scratch",
	}
	for _, m := range common.AuxMounts {
		argv = append(argv, "--bind", m.Source+":"+m.Target)
	}
	for _, m := range app.ExtraMounts {
		argv = append(argv, "--bind", m.Source+":"+m.Target)
	}

	argv = append(argv, common.Image,
		"/data/input", "/data/output", app.AnalysisLevel,
		"--participant-label", u.Subject,
	)
	if u.Session != "" {
		argv = append(argv, "--session-id", u.Session)
	}
	argv = append(argv, app.Args...)

	env := buildEnv(cfg, paths)

	cmd := Command{
		Program: "apptainer",
		Argv:    argv,
		Env:     env,
		Dir:     paths.ScratchDir,
	}

	if debug {
		cmd.StdoutPath = paths.DebugOutPath
		cmd.StderrPath = paths.DebugErrPath
		cmd.TeeStdout = true
		cmd.TeeStderr = true
	} else {
		cmd.StdoutPath = paths.LogPath
		cmd.StderrPath = paths.LogPath
	}

	return cmd
}

// buildEnv passes through the current process environment minus any
// BATCHRUNNER_-prefixed leftovers, then appends the cluster config's
// allow-listed entries plus the two runtime-mandatory values.
func buildEnv(cfg *config.Config, paths UnitPaths) []string {
	var base []string
	for _, e := range os.Environ() {
		key := strings.SplitN(e, "=", 2)[0]
		if strings.HasPrefix(key, envPrefix) {
			continue
		}
		base = append(base, e)
	}

	if cluster, ok := cfg.Cluster(); ok {
		for k, v := range cluster.Env {
			base = append(base, k+"="+v)
		}
	}

	base = append(base,
		envPrefix+"TEMPLATEFLOW_HOME="+paths.ScratchDir+"/templateflow",
		envPrefix+"SCRATCH="+paths.ScratchDir,
	)
	return base
}
