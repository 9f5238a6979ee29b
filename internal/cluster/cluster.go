// Package cluster delegates plan execution to an external job scheduler:
// one generated script per unit, submitted and optionally polled, sharing
// the same invocation builder (C5) and completion oracle (C3) as the
// local dispatcher so "done" means the same thing on either backend.
package cluster

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/config"
	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/datasethelper"
	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/dispatch"
	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/invocation"
	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/plan"
	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/runrecord"
	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/unit"
)

// scriptTemplate renders the job script handed to the scheduler's submit
// command. Sections follow the fixed order the scheduler requires:
// directives, module loads and env exports, optional dataset pre-step, the
// container invocation, optional push step, scratch cleanup. The dataset
// pre/post steps run as "dataset-prepare"/"dataset-save" subcommands of
// this same binary, invoked from the script on whatever node the scheduler
// allocates, not from the submitting dispatcher process — the advisory
// lock they take is therefore held by the job, never across submission.
var scriptTemplate = template.Must(template.New("cluster-job").Parse(
	`#!/bin/bash
#SBATCH --job-name={{.JobName}}
#SBATCH --partition={{.Queue}}
#SBATCH --time={{.Walltime}}
#SBATCH --mem={{.Memory}}
#SBATCH --cpus-per-task={{.CPUs}}
#SBATCH --output={{.StdoutPath}}
#SBATCH --error={{.StderrPath}}

set -euo pipefail
{{range .Modules}}
module load {{.}}
{{- end}}
{{range $k, $v := .Env}}
export {{$k}}={{$v}}
{{- end}}

{{if .HasDataset}}
"{{.SelfPath}}" dataset-prepare -c "{{.ConfigPath}}" --subject "{{.Subject}}" --session "{{.Session}}" --scratch-dir "{{.ScratchDir}}"
{{end}}
CONTAINER_EXIT=0
{{.Program}} {{.Argv}} || CONTAINER_EXIT=$?

{{if .HasDataset}}
if [ "$CONTAINER_EXIT" -eq 0 ]; then
  "{{.SelfPath}}" dataset-save -c "{{.ConfigPath}}" --subject "{{.Subject}}" --session "{{.Session}}" --scratch-dir "{{.ScratchDir}}"
fi
{{end}}
rm -rf {{.ScratchDir}}
exit $CONTAINER_EXIT
`))

type scriptData struct {
	JobName    string
	Queue      string
	Walltime   string
	Memory     string
	CPUs       int
	StdoutPath string
	StderrPath string
	Modules    []string
	Env        map[string]string
	HasDataset bool
	SelfPath   string
	ConfigPath string
	Subject    string
	Session    string
	Program    string
	Argv       string
	ScratchDir string
}

// Cluster submits one script per unit to an external scheduler and,
// when requested, polls for completion.
type Cluster struct {
	Config      *config.Config
	ConfigPath  string // the -c path this process was invoked with; threaded into generated scripts
	ToolVersion string
	Debug       bool
	Dataset     *datasethelper.Helper // nil when no content-addressed dataset is configured; used only to decide whether a script needs dataset steps, never invoked here (see submitOne)
	Log         *runrecord.Log
	ScriptDir   string // where generated job scripts are written; defaults to <log_root>/scripts
	SelfPath    string // path to the batchrunner binary, invoked from the script for the dataset pre/post steps; defaults to os.Executable()
}

// Run submits every unit in p, in plan order, emitting a `submitted` run
// record per unit (or `submit_failed` when the scheduler rejects it).
// Submission does not wait for jobs to complete; call Poll to track them.
func (c *Cluster) Run(ctx context.Context, p *plan.Plan) error {
	common := c.Config.Common()
	cl, ok := c.Config.Cluster()
	if !ok {
		return fmt.Errorf("cluster: no cluster section configured")
	}

	scriptDir := c.ScriptDir
	if scriptDir == "" {
		scriptDir = filepath.Join(common.LogRoot, "scripts")
	}
	if err := os.MkdirAll(scriptDir, 0o755); err != nil {
		return fmt.Errorf("cluster: creating script dir: %w", err)
	}

	for _, u := range p.Units {
		if ctx.Err() != nil {
			c.Log.Append(runrecord.Record{Unit: u, Classification: runrecord.Cancelled})
			continue
		}
		c.submitOne(ctx, u, cl, scriptDir, p.Force)
	}
	return nil
}

func (c *Cluster) submitOne(ctx context.Context, u unit.Unit, cl config.Cluster, scriptDir string, force bool) {
	start := time.Now()
	common := c.Config.Common()

	scratchDir := filepath.Join(common.ScratchRoot, u.ID())
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		c.Log.Append(runrecord.Record{Unit: u, Start: start, Stop: time.Now(), Classification: runrecord.SubmitFailed})
		return
	}

	selfPath := c.SelfPath
	if selfPath == "" {
		resolved, err := os.Executable()
		if err != nil {
			c.Log.Append(runrecord.Record{Unit: u, Start: start, Stop: time.Now(), Classification: runrecord.SubmitFailed, ScratchDir: scratchDir})
			return
		}
		selfPath = resolved
	}

	jobName := fmt.Sprintf("%s_%s", cl.JobNameBase, u.ID())
	paths := invocation.UnitPaths{
		ScratchDir:   scratchDir,
		LogPath:      filepath.Join(common.LogRoot, u.ID()+".log"),
		DebugOutPath: filepath.Join(common.LogRoot, u.ID()+".debug.out"),
		DebugErrPath: filepath.Join(common.LogRoot, u.ID()+".debug.err"),
	}
	cmd := invocation.Build(c.Config, u, paths, c.Debug)

	data := scriptData{
		JobName:    jobName,
		Queue:      cl.Queue,
		Walltime:   cl.Walltime,
		Memory:     cl.Memory,
		CPUs:       cl.CPUs,
		StdoutPath: expandPattern(cl.StdoutPattern, u, jobName),
		StderrPath: expandPattern(cl.StderrPattern, u, jobName),
		Modules:    cl.Modules,
		Env:        expandEnv(cl.Env, u, scratchDir),
		HasDataset: c.Dataset != nil,
		SelfPath:   selfPath,
		ConfigPath: c.ConfigPath,
		Subject:    unit.Render(u.Subject, "sub"),
		Session:    unit.Render(u.Session, "ses"),
		Program:    cmd.Program,
		Argv:       strings.Join(quoteAll(cmd.Argv), " "),
		ScratchDir: scratchDir,
	}

	var buf bytes.Buffer
	if err := scriptTemplate.Execute(&buf, data); err != nil {
		c.Log.Append(runrecord.Record{Unit: u, Start: start, Stop: time.Now(), Classification: runrecord.SubmitFailed, ScratchDir: scratchDir})
		return
	}

	scriptPath := filepath.Join(scriptDir, jobName+".sh")
	if err := os.WriteFile(scriptPath, buf.Bytes(), 0o755); err != nil {
		c.Log.Append(runrecord.Record{Unit: u, Start: start, Stop: time.Now(), Classification: runrecord.SubmitFailed, ScratchDir: scratchDir})
		return
	}

	jobID, err := submit(ctx, strings.Fields(cl.SubmitCmd), scriptPath)
	if err != nil || jobID == "" {
		c.Log.Append(runrecord.Record{Unit: u, Start: start, Stop: time.Now(), Classification: runrecord.SubmitFailed, ScratchDir: scratchDir})
		return
	}

	c.Log.Append(runrecord.Record{
		Unit:           u,
		Start:          start,
		Classification: runrecord.Submitted,
		JobID:          jobID,
		ScratchDir:     scratchDir,
	})
}

// submit invokes the scheduler's submit command with the script path
// appended, and parses the job identifier from the trailing whitespace-
// delimited token of its stdout.
func submit(ctx context.Context, submitCmd []string, scriptPath string) (string, error) {
	if len(submitCmd) == 0 {
		return "", fmt.Errorf("cluster: no submit command configured")
	}
	args := append(append([]string{}, submitCmd[1:]...), scriptPath)
	out, err := exec.CommandContext(ctx, submitCmd[0], args...).Output()
	if err != nil {
		return "", fmt.Errorf("cluster: submit: %w", err)
	}
	fields := strings.Fields(strings.TrimSpace(string(out)))
	if len(fields) == 0 {
		return "", fmt.Errorf("cluster: submit command produced no job id")
	}
	return fields[len(fields)-1], nil
}

// Poll queries the scheduler's status command at interval for every
// outstanding job id, updating run records as states change, until ctx is
// cancelled or no jobs remain outstanding.
func (c *Cluster) Poll(ctx context.Context, interval time.Duration, statusCmd []string, outstanding func() []runrecord.Record) {
	if len(statusCmd) == 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			jobs := outstanding()
			if len(jobs) == 0 {
				return
			}
			statuses, err := queryStatus(ctx, statusCmd, jobs)
			if err != nil {
				continue
			}
			for _, r := range jobs {
				state, ok := statuses[r.JobID]
				if !ok {
					continue
				}
				c.Log.Update(r.Unit, func(rec *runrecord.Record) {
					rec.Classification = state
					if state == runrecord.Success || state == runrecord.FailedContainer {
						rec.Stop = time.Now()
					}
				})
			}
		}
	}
}

// queryStatus invokes the scheduler's status command with every
// outstanding job id and parses "<job_id> <state>" lines from its stdout.
// Unrecognized state tokens map to Running, the conservative choice.
func queryStatus(ctx context.Context, statusCmd []string, jobs []runrecord.Record) (map[string]runrecord.Classification, error) {
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.JobID
	}
	args := append(append([]string{}, statusCmd[1:]...), ids...)
	out, err := exec.CommandContext(ctx, statusCmd[0], args...).Output()
	if err != nil {
		return nil, fmt.Errorf("cluster: status: %w", err)
	}

	result := make(map[string]runrecord.Classification)
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		result[fields[0]] = parseState(fields[1])
	}
	return result, nil
}

func parseState(token string) runrecord.Classification {
	switch strings.ToUpper(token) {
	case "COMPLETED", "COMPLETE", "SUCCESS":
		return runrecord.Success
	case "FAILED", "FAILURE", "TIMEOUT", "NODE_FAIL":
		return runrecord.FailedContainer
	case "CANCELLED", "CANCELED":
		return runrecord.CancelledRunning
	default:
		return runrecord.Running
	}
}

// Cancel issues the scheduler's cancel command for every tracked job, in
// reverse submission order, marking each record cancelled_submitted (the
// cancel won the race before the job started) or cancelled_running.
func (c *Cluster) Cancel(ctx context.Context, cancelCmd []string, jobs []runrecord.Record) {
	if len(cancelCmd) == 0 {
		return
	}
	for i := len(jobs) - 1; i >= 0; i-- {
		r := jobs[i]
		args := append(append([]string{}, cancelCmd[1:]...), r.JobID)
		err := exec.CommandContext(ctx, cancelCmd[0], args...).Run()
		class := runrecord.CancelledRunning
		if err == nil && r.Classification == runrecord.Submitted {
			class = runrecord.CancelledSubmitted
		}
		c.Log.Update(r.Unit, func(rec *runrecord.Record) {
			rec.Classification = class
			rec.Stop = time.Now()
		})
	}
}

// expandEnv resolves "${VAR}" references in cluster-config env values
// against the current unit (so a job script can export e.g.
// SUBJECT=${SUBJECT}) before falling back to the submitting process's own
// environment, via internal/dispatch.ExpandVars. The local invocation
// builder does not apply this substitution; it passes env values as written.
func expandEnv(env map[string]string, u unit.Unit, scratchDir string) map[string]string {
	if len(env) == 0 {
		return env
	}
	vars := map[string]string{
		"SUBJECT":     unit.Render(u.Subject, "sub"),
		"SESSION":     unit.Render(u.Session, "ses"),
		"UNIT_ID":     u.ID(),
		"SCRATCH_DIR": scratchDir,
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = dispatch.ExpandVars(v, vars)
	}
	return out
}

func expandPattern(pattern string, u unit.Unit, jobName string) string {
	r := strings.NewReplacer("{unit}", u.ID(), "{job}", jobName)
	return r.Replace(pattern)
}

func quoteAll(argv []string) []string {
	out := make([]string, len(argv))
	for i, a := range argv {
		if strings.ContainsAny(a, " \t\"'") {
			out[i] = fmt.Sprintf("%q", a)
		} else {
			out[i] = a
		}
	}
	return out
}
