package validate

import (
	"os"
	"path/filepath"

	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/unit"
)

// inputFiles lists the regular files directly under dir whose name
// contains substr, case-sensitive, mirroring filesMatching but reading the
// input dataset side rather than the output side.
func inputFiles(dir, substr string) []string {
	return filesMatching(dir, substr)
}

// FuncPrep validates fMRIPrep-style functional preprocessing output (§4.8):
// every input BOLD file needs a matching desc-preproc_bold output, surface
// hemisphere files must come in pairs, and surface output is an all-or-
// nothing property across the cohort.
type FuncPrep struct{}

func (FuncPrep) Check(inputRoot, outputRoot string, units []unit.Unit) []Finding {
	var findings []Finding
	hasSurface := make(map[unit.Unit]bool, len(units))

	for _, u := range units {
		subjDir := subjectOutputDir(outputRoot, u)
		if !hasNonEmptySubtree(subjDir) {
			findings = append(findings, Finding{Pipeline: "fmriprep", Unit: u, Reason: MissingSubjectDir, Detail: subjDir})
			continue
		}

		inputBold := inputFiles(modalityDir(inputRoot, u, "func"), "_bold.")
		outputPreproc := filesMatching(modalityDir(outputRoot, u, "func"), "desc-preproc_bold")
		if len(inputBold) > 0 && len(outputPreproc) < len(inputBold) {
			findings = append(findings, Finding{
				Pipeline: "fmriprep", Unit: u, Reason: MissingPreprocessed,
				Detail: modalityDir(outputRoot, u, "func"),
			})
		}

		anatDir := modalityDir(outputRoot, u, "anat")
		lh := filesMatching(anatDir, "hemi-L")
		rh := filesMatching(anatDir, "hemi-R")
		if len(lh) > 0 || len(rh) > 0 {
			hasSurface[u] = true
			if len(lh) == 0 || len(rh) == 0 {
				findings = append(findings, Finding{Pipeline: "fmriprep", Unit: u, Reason: MissingHemispherePair, Detail: anatDir})
			}
		}
	}

	findings = append(findings, crossSubjectSurfaceConsistency("fmriprep", units, hasSurface)...)
	return findings
}

// crossSubjectSurfaceConsistency enforces "if any subject has surface
// outputs, all subjects must have them" (§4.8 functional-preprocessing).
func crossSubjectSurfaceConsistency(pipeline string, units []unit.Unit, hasSurface map[unit.Unit]bool) []Finding {
	anySurface := false
	for _, v := range hasSurface {
		if v {
			anySurface = true
			break
		}
	}
	if !anySurface {
		return nil
	}
	var findings []Finding
	for _, u := range units {
		if !hasSurface[u] {
			findings = append(findings, Finding{
				Pipeline: pipeline, Unit: u, Reason: InconsistentSurfaceAcrossCohort,
				Detail: "no surface output for this unit while other units in the cohort have one",
			})
		}
	}
	return findings
}

// DiffPrep validates qsiprep-style diffusion preprocessing output (§4.8):
// a subject-level output directory, a subject-level HTML report, and a
// desc-preproc_dwi file per input diffusion file.
type DiffPrep struct{}

func (DiffPrep) Check(inputRoot, outputRoot string, units []unit.Unit) []Finding {
	var findings []Finding
	for _, u := range units {
		subjDir := subjectOutputDir(outputRoot, u)
		if !hasNonEmptySubtree(subjDir) {
			findings = append(findings, Finding{Pipeline: "qsiprep", Unit: u, Reason: MissingSubjectDir, Detail: subjDir})
			continue
		}

		if len(filesMatching(subjDir, ".html")) == 0 {
			findings = append(findings, Finding{Pipeline: "qsiprep", Unit: u, Reason: MissingReport, Detail: subjDir})
		}

		inputDwi := inputFiles(modalityDir(inputRoot, u, "dwi"), "_dwi.")
		outputPreproc := filesMatching(modalityDir(outputRoot, u, "dwi"), "desc-preproc_dwi")
		if len(inputDwi) > 0 && len(outputPreproc) < len(inputDwi) {
			findings = append(findings, Finding{
				Pipeline: "qsiprep", Unit: u, Reason: MissingPreprocessed,
				Detail: modalityDir(outputRoot, u, "dwi"),
			})
		}
	}
	return findings
}

const reconAllSentinel = "scripts/recon-all.done"

// StructRecon validates FreeSurfer-style structural reconstruction output
// (§4.8): a subject with N anatomical sessions needs one output folder when
// N=1, or 2N+1 folders (N cross-sectional, one base, N longitudinal) when
// N>=2. Every folder needs the recon-all completion sentinel. Longitudinal
// folders need ".long"-tagged hippocampal/amygdala files; cross-sectional
// folders must not have them.
type StructRecon struct{}

func (StructRecon) Check(_ string, outputRoot string, units []unit.Unit) []Finding {
	var findings []Finding
	for _, subject := range uniqueSubjects(units) {
		sessions := sessionsFor(units, subject)

		if len(sessions) <= 1 {
			u := unit.Unit{Subject: subject}
			if len(sessions) == 1 {
				u.Session = sessions[0]
			}
			dir := subjectOutputDir(outputRoot, u)
			findings = append(findings, checkReconFolder(subject, u, dir, false)...)
			continue
		}

		base := subjectOutputDir(outputRoot, unit.Unit{Subject: subject}) + "_base"
		findings = append(findings, checkReconFolder(subject, unit.Unit{Subject: subject}, base, false)...)

		for _, ses := range sessions {
			u := unit.Unit{Subject: subject, Session: ses}
			cross := subjectOutputDir(outputRoot, u) + "_ses-" + ses
			long := cross + ".long.sub-" + subject + "_base"
			findings = append(findings, checkReconFolder(subject, u, cross, false)...)
			findings = append(findings, checkReconFolder(subject, u, long, true)...)
		}
	}
	return findings
}

func checkReconFolder(subject string, u unit.Unit, dir string, longitudinal bool) []Finding {
	var findings []Finding
	if !hasNonEmptySubtree(dir) {
		findings = append(findings, Finding{Pipeline: "freesurfer", Unit: u, Reason: WrongFolderCount, Detail: dir})
		return findings
	}
	if _, err := os.Stat(filepath.Join(dir, reconAllSentinel)); err != nil {
		findings = append(findings, Finding{Pipeline: "freesurfer", Unit: u, Reason: MissingCompletionSentinel, Detail: dir})
	}

	longFiles := filesMatching(dir, ".long")
	if longitudinal && len(longFiles) == 0 {
		findings = append(findings, Finding{Pipeline: "freesurfer", Unit: u, Reason: MissingLongitudinalFile, Detail: dir})
	}
	if !longitudinal && len(longFiles) > 0 {
		findings = append(findings, Finding{Pipeline: "freesurfer", Unit: u, Reason: LongitudinalFileInCrossSectional, Detail: dir})
	}
	return findings
}

func sessionsFor(units []unit.Unit, subject string) []string {
	var out []string
	for _, u := range units {
		if u.Subject == subject && u.Session != "" {
			out = append(out, u.Session)
		}
	}
	return out
}

// DiffRecon validates diffusion-reconstruction output (§4.8): for every
// sub-*/ses-*/dwi path implied by the input dataset, the matching output
// directory must exist and contain at least one reconstructed file.
type DiffRecon struct{}

func (DiffRecon) Check(inputRoot, outputRoot string, units []unit.Unit) []Finding {
	var findings []Finding
	for _, u := range units {
		inputDwiDir := modalityDir(inputRoot, u, "dwi")
		if !hasNonEmptySubtree(inputDwiDir) {
			continue // nothing implied by the input side for this unit
		}

		outputDwiDir := modalityDir(outputRoot, u, "dwi")
		if _, err := os.Stat(outputDwiDir); err != nil {
			findings = append(findings, Finding{Pipeline: "qsirecon", Unit: u, Reason: MissingSubjectDir, Detail: outputDwiDir})
			continue
		}
		if empty, err := isEmptyDir(outputDwiDir); err == nil && empty {
			findings = append(findings, Finding{Pipeline: "qsirecon", Unit: u, Reason: EmptyOutputDir, Detail: outputDwiDir})
			continue
		}
		if !hasNonEmptySubtree(outputDwiDir) {
			findings = append(findings, Finding{Pipeline: "qsirecon", Unit: u, Reason: MissingReconOutput, Detail: outputDwiDir})
		}
	}
	return findings
}

func isEmptyDir(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, err
	}
	return len(entries) == 0, nil
}
