// Package dispatch executes a plan's units. The local dispatcher runs a
// bounded pool of OS processes on one machine; the cluster dispatcher
// (internal/cluster) delegates to an external scheduler. Both share the
// invocation builder and the completion oracle, so "done" means the same
// thing regardless of backend.
package dispatch

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/config"
	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/invocation"
	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/marker"
	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/oracle"
	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/plan"
	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/runrecord"
	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/scratch"
	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/unit"
)

// GracePeriod is how long a worker waits after sending a terminate signal
// before the process is hard-killed.
const GracePeriod = 10 * time.Second

// DatasetHelper is the narrow pre/post-step interface the dataset-helper
// package satisfies; the dispatcher treats it as optional.
type DatasetHelper interface {
	Prepare(ctx context.Context, u unit.Unit, scratchDir string) error
	Save(ctx context.Context, u unit.Unit, scratchDir string) error
}

// Local runs a plan's units with a bounded worker pool of parallel OS
// processes, one per unit at a time.
type Local struct {
	Config      *config.Config
	ToolVersion string
	Debug       bool
	Dataset     DatasetHelper // nil when no content-addressed dataset is configured
	Log         *runrecord.Log
}

// Run dispatches every unit in p, honoring ctx for cancellation. It never
// returns an error for per-unit failures; those are recorded. It returns
// an error only for a fatal setup problem (none currently exist, but the
// signature mirrors the cluster dispatcher's).
func (l *Local) Run(ctx context.Context, p *plan.Plan) error {
	n := p.Parallelism
	if n > len(p.Units) {
		n = len(p.Units)
	}
	if n < 1 {
		n = 1
	}
	if l.Debug {
		n = 1
	}

	sem := semaphore.NewWeighted(int64(n))
	g, gctx := errgroup.WithContext(ctx)

	for _, u := range p.Units {
		u := u
		if err := sem.Acquire(gctx, 1); err != nil {
			// Context cancelled before this unit could start: record it and move on.
			l.Log.Append(runrecord.Record{Unit: u, Classification: runrecord.Cancelled})
			continue
		}
		g.Go(func() error {
			defer sem.Release(1)
			l.runOne(gctx, u, p.Force)
			return nil
		})
	}

	return g.Wait()
}

// runOne executes the full per-unit procedure described for the local
// dispatcher: scratch acquire, optional pre-step, spawn, oracle confirm,
// marker write, optional post-step, record emit, scratch cleanup.
func (l *Local) runOne(ctx context.Context, u unit.Unit, force bool) {
	common := l.Config.Common()
	start := time.Now()

	scratchDir, err := scratch.Acquire(common.ScratchRoot, u)
	if err != nil {
		l.Log.Append(runrecord.Record{Unit: u, Start: start, Stop: time.Now(), Classification: runrecord.FailedContainer, ExitCode: -1})
		return
	}

	if ctx.Err() != nil {
		scratch.Release(scratchDir)
		l.Log.Append(runrecord.Record{Unit: u, Start: start, Stop: time.Now(), Classification: runrecord.Cancelled})
		return
	}

	if l.Dataset != nil {
		if err := l.Dataset.Prepare(ctx, u, scratchDir); err != nil {
			l.Log.Append(runrecord.Record{Unit: u, Start: start, Stop: time.Now(), Classification: runrecord.FailedContainer, ScratchDir: scratchDir})
			return
		}
	}

	logPath := common.LogRoot + "/" + u.ID() + ".log"
	paths := invocation.UnitPaths{
		ScratchDir:   scratchDir,
		LogPath:      logPath,
		DebugOutPath: common.LogRoot + "/" + u.ID() + ".debug.out",
		DebugErrPath: common.LogRoot + "/" + u.ID() + ".debug.err",
	}
	cmd := invocation.Build(l.Config, u, paths, l.Debug)

	exitCode, cancelled, err := spawn(ctx, cmd)
	stop := time.Now()
	if err != nil {
		l.finish(u, start, stop, scratchDir, force, runrecord.FailedContainer, exitCode, logPath)
		return
	}
	if cancelled {
		l.finish(u, start, stop, scratchDir, force, runrecord.Cancelled, exitCode, logPath)
		return
	}
	if exitCode != 0 {
		l.finish(u, start, stop, scratchDir, force, runrecord.FailedContainer, exitCode, logPath)
		return
	}

	verdict := oracle.Check(u, common.OutputRoot, "", l.Config.App().ExpectedPattern, false, oracle.Options{})
	if verdict != oracle.Done {
		l.finish(u, start, stop, scratchDir, force, runrecord.FailedOutputCheck, exitCode, logPath)
		return
	}

	if err := marker.Write(common.OutputRoot, u, l.ToolVersion); err != nil {
		l.finish(u, start, stop, scratchDir, force, runrecord.FailedOutputCheck, exitCode, logPath)
		return
	}

	if l.Dataset != nil {
		l.Dataset.Save(ctx, u, scratchDir)
	}

	l.finish(u, start, stop, scratchDir, force, runrecord.Success, exitCode, logPath)
}

// finish releases scratch (unless the unit failed and force is unset, in
// which case it is kept for debugging) and appends the run record.
func (l *Local) finish(u unit.Unit, start, stop time.Time, scratchDir string, force bool, class runrecord.Classification, exitCode int, logPath string) {
	kept := scratchDir
	if class == runrecord.Success || class == runrecord.Cancelled || force {
		scratch.Release(scratchDir)
		kept = ""
	}
	l.Log.Append(runrecord.Record{
		Unit:           u,
		Start:          start,
		Stop:           stop,
		ExitCode:       exitCode,
		LogPath:        logPath,
		Classification: class,
		ScratchDir:     kept,
	})
}

// spawn starts the container process described by cmd, honoring ctx for
// cancellation. A cancelled run is signalled with SIGTERM, given
// GracePeriod to exit, then hard-killed.
func spawn(ctx context.Context, cmd invocation.Command) (code int, cancelled bool, err error) {
	var out, errOut *os.File
	if cmd.StdoutPath != "" {
		out, err = os.OpenFile(cmd.StdoutPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return -1, false, fmt.Errorf("dispatch: opening stdout log: %w", err)
		}
		defer out.Close()
	}
	if cmd.StderrPath == cmd.StdoutPath {
		errOut = out
	} else if cmd.StderrPath != "" {
		errOut, err = os.OpenFile(cmd.StderrPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return -1, false, fmt.Errorf("dispatch: opening stderr log: %w", err)
		}
		defer errOut.Close()
	}

	c := exec.CommandContext(ctx, cmd.Program, cmd.Argv...)
	c.Dir = cmd.Dir
	c.Env = cmd.Env
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	c.Cancel = func() error {
		return syscall.Kill(-c.Process.Pid, syscall.SIGTERM)
	}
	c.WaitDelay = GracePeriod

	if cmd.TeeStdout {
		c.Stdout = io.MultiWriter(os.Stdout, out)
	} else {
		c.Stdout = out
	}
	if cmd.TeeStderr {
		c.Stderr = io.MultiWriter(os.Stderr, errOut)
	} else {
		c.Stderr = errOut
	}

	runErr := c.Run()
	wasCancelled := ctx.Err() != nil

	code, err = exitCode(runErr)
	return code, wasCancelled, err
}
