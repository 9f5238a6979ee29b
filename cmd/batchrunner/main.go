package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/cluster"
	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/config"
	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/datasethelper"
	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/dataset"
	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/dispatch"
	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/orchestrator"
	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/plan"
	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/reprocess"
	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/runrecord"
	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/state"
	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/unit"
	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/ux"
	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/validate"
)

const toolVersion = "batchrunner/0.1.0"

func main() {
	app := &cli.Command{
		Name:  "batchrunner",
		Usage: "Batch dispatcher for BIDS App containers across a dataset",
		Commands: []*cli.Command{
			planCmd(),
			runCmd(),
			verifyCmd(),
			statusCmd(),
			datasetPrepareCmd(),
			datasetSaveCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%serror:%s %v\n", ux.Red, ux.Reset, err)
		os.Exit(exitCodeForError(err))
	}
}

// sharedFlags is the §6 flag set common to plan and run.
func sharedFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Required: true, Usage: "path to the YAML config document"},
		&cli.StringSliceFlag{Name: "subjects", Usage: "explicit unit filter, with or without the sub- prefix"},
		&cli.StringFlag{Name: "from-report", Usage: "plan from an existing validator report; implies --force"},
		&cli.StringFlag{Name: "pipeline", Usage: "restrict a multi-pipeline report (or validator run) to one pipeline"},
		&cli.BoolFlag{Name: "force", Usage: "ignore oracle done verdicts"},
		&cli.BoolFlag{Name: "pilot", Usage: "one random unit; clamps parallelism to 1"},
		&cli.IntFlag{Name: "jobs", Usage: "parallelism override"},
		&cli.BoolFlag{Name: "debug", Usage: "per-unit stdout/stderr tee files; forces parallelism to 1 locally"},
		&cli.BoolFlag{Name: "validate", Usage: "run pipeline validators after dispatch and write a report"},
		&cli.BoolFlag{Name: "validate-only", Usage: "run pipeline validators without dispatching anything"},
		&cli.BoolFlag{Name: "reprocess-missing", Usage: "loop verify+dispatch until no findings or the iteration cap is reached"},
		&cli.BoolFlag{Name: "local", Usage: "force the local backend"},
		&cli.BoolFlag{Name: "cluster", Usage: "force the cluster backend"},
	}
}

func planCmd() *cli.Command {
	return &cli.Command{
		Name:  "plan",
		Usage: "Compute the plan and print the commands that would run, without dispatching",
		Flags: sharedFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			o, opts, err := build(cmd)
			if err != nil {
				return err
			}
			opts.DryRun = true
			_, err = o.Run(ctx, opts)
			return err
		},
	}
}

func runCmd() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Plan and dispatch a run, optionally verifying and reprocessing",
		Flags: append(sharedFlags(), &cli.BoolFlag{Name: "dry-run", Usage: "compute the plan and print commands without dispatching"}),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			o, opts, err := build(cmd)
			if err != nil {
				return err
			}
			opts.DryRun = cmd.Bool("dry-run")

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			summary, err := o.Run(ctx, opts)
			if err != nil {
				return err
			}
			return exitWith(summary.ExitCode)
		},
	}
}

func verifyCmd() *cli.Command {
	return &cli.Command{
		Name:  "verify",
		Usage: "Run pipeline validators standalone over an existing output root and write a report",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Required: true},
			&cli.StringFlag{Name: "pipeline"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.Load(cmd.String("config"))
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			common := cfg.Common()

			var pipelines []string
			if p := cmd.String("pipeline"); p != "" {
				pipelines = []string{p}
			}

			units, _, err := dataset.Walk(common.InputDataset, dataset.WalkOptions{SessionAware: cfg.App().SessionAware})
			if err != nil {
				return fmt.Errorf("walking dataset: %w", err)
			}

			findings := validate.Run(common.InputDataset, common.OutputRoot, units, pipelines)
			counts := make(map[string]int)
			for _, f := range findings {
				counts[f.Pipeline]++
			}
			ux.Findings(counts)

			report := reprocess.BuildReport(findings, toolVersion, common.InputDataset, common.OutputRoot, nil)
			path := state.ReportPath(common.ReportsDir, cmd.String("pipeline"), time.Now().UTC().Format("20060102T150405Z"))
			if err := reprocess.WriteReport(path, report); err != nil {
				return fmt.Errorf("writing report: %w", err)
			}
			fmt.Printf("report: %s\n", path)

			if len(findings) > 0 {
				return exitWith(orchestrator.ExitUnitFailure)
			}
			return nil
		},
	}
}

func statusCmd() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Print the last run's per-unit classifications from its persisted log",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Required: true},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.Load(cmd.String("config"))
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			logPath, err := latestLog(cfg.Common().LogRoot)
			if err != nil {
				return err
			}
			log, err := runrecord.ReadJSON(logPath)
			if err != nil {
				return fmt.Errorf("reading %s: %w", logPath, err)
			}
			ux.RenderStatus(log.Records())
			return nil
		},
	}
}

// datasetFlags is the flag set shared by the dataset-prepare/dataset-save
// subcommands: which unit, and where its scratch directory lives.
func datasetFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Required: true},
		&cli.StringFlag{Name: "subject", Required: true},
		&cli.StringFlag{Name: "session"},
		&cli.StringFlag{Name: "scratch-dir", Required: true},
	}
}

// datasetPrepareCmd runs the content-addressed dataset's clone/attach and
// per-unit-branch checkout (§4.7 script composition step 3). It is never
// invoked by a user directly; the cluster dispatcher emits a call to it
// from the generated job script so the clone happens on the node the
// scheduler allocated, under the advisory lock, not on the submitting
// host.
func datasetPrepareCmd() *cli.Command {
	return &cli.Command{
		Name:   "dataset-prepare",
		Usage:  "Internal: attach the content-addressed dataset to scratch for one unit",
		Hidden: true,
		Flags:  datasetFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.Load(cmd.String("config"))
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			helper, ok := datasethelper.New(cfg)
			if !ok {
				return nil
			}
			u := unit.Unit{Subject: unit.Normalize(cmd.String("subject")), Session: unit.Normalize(cmd.String("session"))}
			return helper.Prepare(ctx, u, cmd.String("scratch-dir"))
		},
	}
}

// datasetSaveCmd pushes a unit's output branch back (§4.7 script
// composition step 5), under the same advisory lock as the prepare step,
// invoked from the job script after a successful container exit.
func datasetSaveCmd() *cli.Command {
	return &cli.Command{
		Name:   "dataset-save",
		Usage:  "Internal: push a completed unit's branch back to the content-addressed dataset",
		Hidden: true,
		Flags:  datasetFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.Load(cmd.String("config"))
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			helper, ok := datasethelper.New(cfg)
			if !ok {
				return nil
			}
			u := unit.Unit{Subject: unit.Normalize(cmd.String("subject")), Session: unit.Normalize(cmd.String("session"))}
			return helper.Save(ctx, u, cmd.String("scratch-dir"))
		},
	}
}

// build resolves the shared flags into a config, a dispatcher for the
// requested (or auto-detected) backend, and an orchestrator.Options.
func build(cmd *cli.Command) (*orchestrator.Orchestrator, orchestrator.Options, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, orchestrator.Options{}, fmt.Errorf("loading config: %w", err)
	}

	useCluster, err := resolveBackend(cfg, cmd.Bool("local"), cmd.Bool("cluster"))
	if err != nil {
		return nil, orchestrator.Options{}, err
	}

	log := &runrecord.Log{}
	debug := cmd.Bool("debug")

	var dispatcher orchestrator.Dispatcher
	if useCluster {
		if err := cluster.Preflight(cfg); err != nil {
			return nil, orchestrator.Options{}, err
		}
		helper, _ := datasethelper.New(cfg)
		selfPath, err := os.Executable()
		if err != nil {
			return nil, orchestrator.Options{}, fmt.Errorf("resolving own executable path: %w", err)
		}
		dispatcher = &monitoredCluster{
			cluster: &cluster.Cluster{
				Config:      cfg,
				ConfigPath:  cmd.String("config"),
				ToolVersion: toolVersion,
				Debug:       debug,
				Dataset:     helper,
				Log:         log,
				SelfPath:    selfPath,
			},
		}
	} else {
		if err := dispatch.Preflight(cfg); err != nil {
			return nil, orchestrator.Options{}, err
		}
		helper, _ := datasethelper.New(cfg)
		dispatcher = &dispatch.Local{Config: cfg, ToolVersion: toolVersion, Debug: debug, Dataset: helper, Log: log}
	}

	jobs := cmd.Int("jobs")
	if debug {
		jobs = 1
	}

	var fromReport *reprocess.Report
	if path := cmd.String("from-report"); path != "" {
		fromReport, err = reprocess.LoadReport(path)
		if err != nil {
			return nil, orchestrator.Options{}, fmt.Errorf("loading report: %w", err)
		}
	}

	opts := orchestrator.Options{
		Subjects:         cmd.StringSlice("subjects"),
		FromReport:       fromReport,
		Pipeline:         cmd.String("pipeline"),
		Force:            cmd.Bool("force"),
		Pilot:            cmd.Bool("pilot"),
		Jobs:             int(jobs),
		Debug:            debug,
		Validate:         cmd.Bool("validate"),
		ValidateOnly:     cmd.Bool("validate-only"),
		ReprocessMissing: cmd.Bool("reprocess-missing"),
	}

	return &orchestrator.Orchestrator{Config: cfg, Dispatcher: dispatcher, ToolVersion: toolVersion, Log: log}, opts, nil
}

// resolveBackend applies §6's auto-detection rule: cluster iff the
// configuration has a cluster section, unless overridden explicitly.
func resolveBackend(cfg *config.Config, forceLocal, forceCluster bool) (bool, error) {
	if forceLocal && forceCluster {
		return false, fmt.Errorf("--local and --cluster are mutually exclusive")
	}
	if forceLocal {
		return false, nil
	}
	if forceCluster {
		return true, nil
	}
	_, ok := cfg.Cluster()
	return ok, nil
}

// monitoredCluster adapts cluster.Cluster to orchestrator.Dispatcher,
// blocking on Poll after submission when the configuration requests
// monitoring, and issuing Cancel for anything still outstanding if the
// context is cancelled mid-poll.
type monitoredCluster struct {
	cluster *cluster.Cluster
}

func (m *monitoredCluster) Run(ctx context.Context, p *plan.Plan) error {
	if err := m.cluster.Run(ctx, p); err != nil {
		return err
	}

	cl, ok := m.cluster.Config.Cluster()
	if !ok || !cl.Monitor {
		return nil
	}

	outstanding := func() []runrecord.Record {
		var jobs []runrecord.Record
		for _, r := range m.cluster.Log.Records() {
			switch r.Classification {
			case runrecord.Submitted, runrecord.Running:
				jobs = append(jobs, r)
			}
		}
		return jobs
	}

	interval := time.Duration(cl.PollInterval) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	m.cluster.Poll(ctx, interval, splitCmd(cl.StatusCmd), outstanding)

	if ctx.Err() != nil {
		m.cluster.Cancel(context.Background(), splitCmd(cl.CancelCmd), outstanding())
	}
	return nil
}

func splitCmd(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Fields(raw)
}

// latestLog returns the most recently written run log under logRoot,
// relying on the timestamp-named files sorting lexicographically.
func latestLog(logRoot string) (string, error) {
	entries, err := os.ReadDir(logRoot)
	if err != nil {
		return "", fmt.Errorf("status: reading %s: %w", logRoot, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "run_") && strings.HasSuffix(e.Name(), ".log") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", fmt.Errorf("status: no run logs found under %s", logRoot)
	}
	sort.Strings(names)
	return filepath.Join(logRoot, names[len(names)-1]), nil
}

// exitCodeForError maps any error that escapes all the way to main (config
// loading, preflight, planning, or an os.Exit already issued by exitWith)
// to the configuration/planning exit code (§4.10, §7).
func exitCodeForError(err error) int {
	return int(orchestrator.ExitPlanningError)
}

func exitWith(code orchestrator.ExitCode) error {
	if code == orchestrator.ExitSuccess {
		return nil
	}
	os.Exit(int(code))
	return nil
}
