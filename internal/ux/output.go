// Package ux renders the orchestrator's console output: plan headers,
// per-unit progress lines, and the final run summary, in the teacher's
// timestamped, ANSI-colored style.
package ux

import (
	"fmt"
	"time"

	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/plan"
	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/runrecord"
)

// ANSI color helpers.
const (
	Reset  = "\033[0m"
	Bold   = "\033[1m"
	Dim    = "\033[2m"
	Red    = "\033[31m"
	Green  = "\033[32m"
	Yellow = "\033[33m"
	Cyan   = "\033[36m"
)

func timestamp() string {
	return time.Now().Format("15:04:05")
}

// PlanHeader prints the plan that is about to be dispatched: provenance,
// unit count, anything overridden by a higher-priority filter source, and
// units the oracle already considers done.
func PlanHeader(p *plan.Plan) {
	fmt.Printf("\n%s[%s]%s %s══════════════════════════════════════%s\n",
		Dim, timestamp(), Reset, Cyan, Reset)
	fmt.Printf("%s[%s]%s  %sPlan: %d unit(s), source=%s, force=%v%s\n",
		Dim, timestamp(), Reset, Bold, len(p.Units), p.Provenance, p.Force, Reset)
	fmt.Printf("%s[%s]%s %s══════════════════════════════════════%s\n",
		Dim, timestamp(), Reset, Cyan, Reset)

	for _, src := range p.Overridden {
		fmt.Printf("%s[%s]%s  %s– %s filter overridden by a higher-priority source%s\n",
			Dim, timestamp(), Reset, Yellow, src, Reset)
	}
	if len(p.Skipped) > 0 {
		fmt.Printf("%s[%s]%s  %s– %d unit(s) already done, skipped%s\n",
			Dim, timestamp(), Reset, Dim, len(p.Skipped), Reset)
	}
}

// UnitStart prints a one-line header when a unit begins dispatch.
func UnitStart(index, total int, label string) {
	fmt.Printf("%s[%s]%s  %s▶ [%d/%d] %s%s\n", Dim, timestamp(), Reset, Cyan, index+1, total, label, Reset)
}

// UnitDone prints the terminal classification for one unit.
func UnitDone(label string, class runrecord.Classification, duration time.Duration) {
	color := Green
	mark := "✓"
	switch class {
	case runrecord.Success:
	case runrecord.SkippedAlreadyDone:
		color, mark = Dim, "–"
	case runrecord.Cancelled, runrecord.CancelledSubmitted, runrecord.CancelledRunning:
		color, mark = Yellow, "⊘"
	default:
		color, mark = Red, "✗"
	}
	fmt.Printf("%s[%s]%s  %s%s %s (%s, %s)%s\n",
		Dim, timestamp(), Reset, color, mark, label, class, duration.Round(time.Second), Reset)
}

// DebugDirsKept lists scratch directories retained for inspection after a
// run, i.e. those of units whose run record still names a scratch dir
// (§9 supplemented feature).
func DebugDirsKept(dirs []string) {
	if len(dirs) == 0 {
		return
	}
	fmt.Printf("\n%sScratch directories kept for debugging:%s\n", Bold, Reset)
	for _, d := range dirs {
		fmt.Printf("  %s\n", d)
	}
}

// Summary prints the final run summary: counts by classification, wall
// clock, and the locations of logs and any generated report.
func Summary(records []runrecord.Record, wallClock time.Duration, logPath, reportPath string) {
	counts := make(map[runrecord.Classification]int)
	for _, r := range records {
		counts[r.Classification]++
	}

	fmt.Printf("\n%s[%s]%s  %s%s══ Run complete ══%s\n", Dim, timestamp(), Reset, Bold, Green, Reset)
	fmt.Printf("  total planned: %d\n", len(records))
	fmt.Printf("  %ssucceeded: %d%s\n", Green, counts[runrecord.Success], Reset)

	failed := counts[runrecord.FailedContainer] + counts[runrecord.FailedOutputCheck] + counts[runrecord.SubmitFailed]
	if failed > 0 {
		fmt.Printf("  %sfailed: %d (container=%d, output_check=%d, submit=%d)%s\n",
			Red, failed, counts[runrecord.FailedContainer], counts[runrecord.FailedOutputCheck], counts[runrecord.SubmitFailed], Reset)
	}
	if skipped := counts[runrecord.SkippedAlreadyDone]; skipped > 0 {
		fmt.Printf("  %sskipped (already done): %d%s\n", Dim, skipped, Reset)
	}
	cancelled := counts[runrecord.Cancelled] + counts[runrecord.CancelledSubmitted] + counts[runrecord.CancelledRunning]
	if cancelled > 0 {
		fmt.Printf("  %scancelled: %d%s\n", Yellow, cancelled, Reset)
	}
	fmt.Printf("  wall clock: %s\n", wallClock.Round(time.Second))

	if logPath != "" {
		fmt.Printf("  log: %s\n", logPath)
	}
	if reportPath != "" {
		fmt.Printf("  report: %s\n", reportPath)
	}
	fmt.Println()
}

// Findings prints a validator report's findings grouped by pipeline.
func Findings(findingsByPipeline map[string]int) {
	if len(findingsByPipeline) == 0 {
		fmt.Printf("%s[%s]%s  %sno findings%s\n", Dim, timestamp(), Reset, Green, Reset)
		return
	}
	fmt.Printf("%s[%s]%s  %sfindings by pipeline:%s\n", Dim, timestamp(), Reset, Yellow, Reset)
	for pipeline, n := range findingsByPipeline {
		fmt.Printf("    %s: %d\n", pipeline, n)
	}
}

// Replanning announces a reprocess round.
func Replanning(round, max int, unitCount int) {
	fmt.Printf("%s[%s]%s  %s↺ Replanning (round %d/%d): %d unit(s) still missing output%s\n",
		Dim, timestamp(), Reset, Yellow, round, max, unitCount, Reset)
}

// Cancelling prints a one-line notice that cancellation has been requested.
func Cancelling() {
	fmt.Printf("%s[%s]%s  %scancellation requested, winding down...%s\n", Dim, timestamp(), Reset, Yellow, Reset)
}
