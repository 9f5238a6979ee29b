package ux

import (
	"fmt"

	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/runrecord"
)

// RenderStatus prints a persisted run-record log as a per-unit table,
// for the `status` subcommand inspecting a prior run without re-dispatching.
func RenderStatus(records []runrecord.Record) {
	if len(records) == 0 {
		fmt.Printf("%s(no run records)%s\n", Dim, Reset)
		return
	}

	fmt.Printf("%s%-24s %-24s %-10s %-8s%s\n", Bold, "UNIT", "CLASSIFICATION", "EXIT", "JOB", Reset)
	for _, r := range records {
		color := classificationColor(r.Classification)
		jobID := r.JobID
		if jobID == "" {
			jobID = "-"
		}
		fmt.Printf("%s%-24s%s %-24s %-10d %-8s\n",
			color, r.Unit.String(), Reset, r.Classification, r.ExitCode, jobID)
	}

	counts := make(map[runrecord.Classification]int)
	for _, r := range records {
		counts[r.Classification]++
	}
	fmt.Println()
	for class, n := range counts {
		fmt.Printf("  %s: %d\n", class, n)
	}
}

func classificationColor(c runrecord.Classification) string {
	switch c {
	case runrecord.Success:
		return Green
	case runrecord.SkippedAlreadyDone:
		return Dim
	case runrecord.Cancelled, runrecord.CancelledSubmitted, runrecord.CancelledRunning:
		return Yellow
	case runrecord.Submitted, runrecord.Running:
		return Cyan
	default:
		return Red
	}
}
