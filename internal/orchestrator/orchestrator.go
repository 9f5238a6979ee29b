// Package orchestrator is the single entry point that composes the
// planner, dispatcher, and validators into one run (C10): Loading →
// Planning → Dispatching → Verifying → (Replanning → Dispatching → ...)? →
// Summarizing → Exiting. Cancellation transitions any state directly to
// Summarizing with whatever partial run records exist.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/config"
	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/dataset"
	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/invocation"
	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/marker"
	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/plan"
	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/reprocess"
	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/runrecord"
	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/state"
	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/unit"
	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/ux"
	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/validate"
)

// ExitCode is the orchestrator's closed set of process exit codes (§4.10).
type ExitCode int

const (
	ExitSuccess       ExitCode = 0
	ExitUnitFailure   ExitCode = 1
	ExitPlanningError ExitCode = 2
)

// Dispatcher is the narrow interface both the local and cluster dispatchers
// satisfy; the orchestrator does not care which backend it was handed.
type Dispatcher interface {
	Run(ctx context.Context, p *plan.Plan) error
}

// Options carries the per-invocation request; everything not here comes
// from Config (§6 command-line surface).
type Options struct {
	Subjects         []string
	FromReport       *reprocess.Report
	Pipeline         string
	Force            bool
	Pilot            bool
	Jobs             int
	Debug            bool
	DryRun           bool
	Validate         bool
	ValidateOnly     bool
	ReprocessMissing bool
	MaxRounds        int // 0 uses Config.Common().ReprocessCap
	Timestamp        string
}

// Summary is the final, user-facing result of a Run call.
type Summary struct {
	Plan       *plan.Plan
	Records    []runrecord.Record
	Findings   []validate.Finding
	ReportPath string
	WallClock  time.Duration
	ExitCode   ExitCode
}

// Orchestrator holds everything a Run needs beyond the per-call Options:
// the loaded config, the dispatcher backend already selected by the
// caller, and the tool version stamped into success markers.
type Orchestrator struct {
	Config      *config.Config
	Dispatcher  Dispatcher
	ToolVersion string
	Log         *runrecord.Log
}

// Run executes the full state machine once, including any reprocess
// rounds requested by Options.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (*Summary, error) {
	start := time.Now()
	common := o.Config.Common()

	if err := state.EnsureLayout(o.Config); err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	candidates, warnings, err := dataset.Walk(common.InputDataset, dataset.WalkOptions{
		SessionAware: o.Config.App().SessionAware,
		Subjects:     opts.Subjects,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: planning: %w", err)
	}
	for _, w := range warnings {
		fmt.Println("warning: " + w)
	}

	filters := plan.Filters{Explicit: opts.Subjects, Pilot: opts.Pilot, Force: opts.Force}
	if opts.FromReport != nil {
		for _, u := range reprocess.ToPlan(opts.FromReport, opts.Pipeline) {
			filters.FromReport = append(filters.FromReport, u.ID())
		}
	}

	markerPath := func(u unit.Unit) string { return marker.Path(common.OutputRoot, u) }
	p, err := plan.Build(candidates, o.Config, filters, markerPath)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: planning: %w", err)
	}
	if opts.Jobs > 0 {
		p.Parallelism = opts.Jobs
	}

	ux.PlanHeader(p)

	if opts.DryRun {
		printDryRun(o.Config, p, opts.Debug)
		return &Summary{Plan: p, WallClock: time.Since(start), ExitCode: ExitSuccess}, nil
	}

	if opts.ValidateOnly {
		findings := validate.Run(common.InputDataset, common.OutputRoot, candidates, nil)
		reportPath := o.writeReport(findings, opts)
		return o.finish(p, nil, findings, reportPath, start), nil
	}

	if ctx.Err() != nil {
		var records []runrecord.Record
		for _, u := range p.Units {
			rec := runrecord.Record{Unit: u, Classification: runrecord.Cancelled}
			if o.Log != nil {
				o.Log.Append(rec)
			}
			records = append(records, rec)
		}
		return o.summarize(p, start, records, ""), nil
	}

	if err := o.Dispatcher.Run(ctx, p); err != nil {
		return nil, fmt.Errorf("orchestrator: dispatching: %w", err)
	}

	records := o.Log.Records()
	if !opts.Validate && !opts.ReprocessMissing {
		return o.finish(p, records, nil, "", start), nil
	}

	findings := validate.Run(common.InputDataset, common.OutputRoot, candidates, nil)
	reportPath := o.writeReport(findings, opts)
	if !opts.ReprocessMissing {
		return o.finish(p, records, findings, reportPath, start), nil
	}

	maxRounds := opts.MaxRounds
	if maxRounds <= 0 {
		maxRounds = common.ReprocessCap
	}

	round := 0
	for len(findings) > 0 && round < maxRounds {
		if ctx.Err() != nil {
			break
		}
		round++
		report := reprocess.BuildReport(findings, o.ToolVersion, common.InputDataset, common.OutputRoot, nil)
		missing := reprocess.ToPlan(report, "")
		ux.Replanning(round, maxRounds, len(missing))

		ids := make([]string, 0, len(missing))
		for _, u := range missing {
			ids = append(ids, u.ID())
		}
		nextPlan, err := plan.Build(candidates, o.Config, plan.Filters{FromReport: ids, Force: true}, markerPath)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: replanning: %w", err)
		}
		if opts.Jobs > 0 {
			nextPlan.Parallelism = opts.Jobs
		}

		if ctx.Err() != nil {
			break
		}
		if err := o.Dispatcher.Run(ctx, nextPlan); err != nil {
			return nil, fmt.Errorf("orchestrator: dispatching (round %d): %w", round, err)
		}

		p = nextPlan
		records = o.Log.Records()
		findings = validate.Run(common.InputDataset, common.OutputRoot, candidates, nil)
		reportPath = o.writeReport(findings, opts)
	}

	return o.finish(p, records, findings, reportPath, start), nil
}

// finish assembles the final summary and prints it.
func (o *Orchestrator) finish(p *plan.Plan, records []runrecord.Record, findings []validate.Finding, reportPath string, start time.Time) *Summary {
	s := o.summarize(p, start, records, reportPath)
	s.Findings = findings
	s.ExitCode = exitCodeFor(records, findings)
	return s
}

func (o *Orchestrator) summarize(p *plan.Plan, start time.Time, records []runrecord.Record, reportPath string) *Summary {
	wallClock := time.Since(start)
	logPath := state.RunLogPath(o.Config.Common().LogRoot, nowTimestamp())
	if o.Log != nil {
		_ = o.Log.WriteJSON(logPath)
	}

	var keptScratch []string
	for _, r := range records {
		if r.ScratchDir != "" {
			keptScratch = append(keptScratch, r.ScratchDir)
		}
	}
	ux.DebugDirsKept(keptScratch)
	ux.Summary(records, wallClock, logPath, reportPath)

	return &Summary{
		Plan:       p,
		Records:    records,
		ReportPath: reportPath,
		WallClock:  wallClock,
		ExitCode:   exitCodeFor(records, nil),
	}
}

func (o *Orchestrator) writeReport(findings []validate.Finding, opts Options) string {
	common := o.Config.Common()
	counts := make(map[string]int)
	for _, f := range findings {
		counts[f.Pipeline]++
	}
	ux.Findings(counts)

	report := reprocess.BuildReport(findings, o.ToolVersion, common.InputDataset, common.OutputRoot, opts.Subjects)
	path := state.ReportPath(common.ReportsDir, opts.Pipeline, nowTimestamp())
	if err := reprocess.WriteReport(path, report); err != nil {
		fmt.Printf("warning: writing report: %v\n", err)
		return ""
	}
	return path
}

// exitCodeFor implements the closed exit-code rule (§4.10): 1 if any
// recorded unit ended in a classification other than success or
// skipped_already_done (failed, cancelled, or a cluster job still
// submitted/running), or any validator findings remain; 0 otherwise. Configuration/planning errors are signalled as Go errors
// before a Summary is ever built, so ExitPlanningError never appears here.
func exitCodeFor(records []runrecord.Record, findings []validate.Finding) ExitCode {
	if len(findings) > 0 {
		return ExitUnitFailure
	}
	for _, r := range records {
		switch r.Classification {
		case runrecord.Success, runrecord.SkippedAlreadyDone:
			continue
		default:
			return ExitUnitFailure
		}
	}
	return ExitSuccess
}

func printDryRun(cfg *config.Config, p *plan.Plan, debug bool) {
	common := cfg.Common()
	for i, u := range p.Units {
		paths := invocation.UnitPaths{
			ScratchDir:   common.ScratchRoot + "/" + u.ID(),
			LogPath:      common.LogRoot + "/" + u.ID() + ".log",
			DebugOutPath: common.LogRoot + "/" + u.ID() + ".debug.out",
			DebugErrPath: common.LogRoot + "/" + u.ID() + ".debug.err",
		}
		cmd := invocation.Build(cfg, u, paths, debug)
		fmt.Printf("  [%d/%d] %s %s\n", i+1, len(p.Units), cmd.Program, joinArgv(cmd.Argv))
	}
}

func joinArgv(argv []string) string {
	out := ""
	for i, a := range argv {
		if i > 0 {
			out += " "
		}
		out += a
	}
	return out
}

// nowTimestamp formats the current time as a filename-safe timestamp. It is
// a thin wrapper so tests can see the exact format the persisted layout
// uses (§6).
func nowTimestamp() string {
	return time.Now().UTC().Format("20060102T150405Z")
}
