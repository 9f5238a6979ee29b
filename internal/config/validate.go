package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/go-playground/validator/v10"
)

var (
	walltimeRe = regexp.MustCompile(`^\d{1,2}:\d{2}:\d{2}$`)
	memoryRe   = regexp.MustCompile(`^\d+[MG]$`)
)

var structValidator = validator.New()

// Validate checks a loaded Config against the rules struct tags cannot
// express: existence of paths (write permission is not checked here),
// regex-shaped scheduler fields,
// and cross-field rules. Struct-tag validation runs first; this pass only
// re-checks what tags leave uncovered.
func Validate(cfg *Config) error {
	if err := structValidator.Struct(cfg.common); err != nil {
		return err
	}
	if err := structValidator.Struct(cfg.app); err != nil {
		return err
	}

	if err := checkReadable(cfg.common.InputDataset); err != nil {
		return fmt.Errorf("common.input-dataset: %w", err)
	}
	if err := checkWritableOrCreatable(cfg.common.OutputRoot); err != nil {
		return fmt.Errorf("common.output-root: %w", err)
	}
	if err := checkWritableOrCreatable(cfg.common.ScratchRoot); err != nil {
		return fmt.Errorf("common.scratch-root: %w", err)
	}
	if err := checkReadable(cfg.common.Image); err != nil {
		return fmt.Errorf("common.image: %w", err)
	}

	for _, m := range cfg.common.AuxMounts {
		if err := checkMount(m); err != nil {
			return fmt.Errorf("common.aux-mounts: %w", err)
		}
	}
	for _, m := range cfg.app.ExtraMounts {
		if err := checkMount(m); err != nil {
			return fmt.Errorf("app.extra-mounts: %w", err)
		}
	}

	if cfg.cluster != nil {
		if err := structValidator.Struct(cfg.cluster); err != nil {
			return err
		}
		if !walltimeRe.MatchString(cfg.cluster.Walltime) {
			return fmt.Errorf("cluster.walltime: %q does not match H:MM:SS or HH:MM:SS", cfg.cluster.Walltime)
		}
		if !memoryRe.MatchString(cfg.cluster.Memory) {
			return fmt.Errorf("cluster.memory: %q does not match \\d+[MG]", cfg.cluster.Memory)
		}
	}

	if cfg.dataset != nil {
		if cfg.dataset.InputRef == "" {
			return fmt.Errorf("dataset.input-ref: must be non-empty when dataset section is present")
		}
		if cfg.dataset.Push && cfg.dataset.OutputRef == "" {
			return fmt.Errorf("dataset.output-ref: required when dataset.push is true")
		}
	}

	return nil
}

// checkMount verifies a mount's source exists and its target is an absolute
// in-container path.
func checkMount(m Mount) error {
	if _, err := os.Stat(m.Source); err != nil {
		return fmt.Errorf("source %q: %w", m.Source, err)
	}
	if !filepath.IsAbs(m.Target) {
		return fmt.Errorf("target %q must be an absolute path", m.Target)
	}
	return nil
}

// checkReadable verifies a path exists.
func checkReadable(path string) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	return nil
}

// checkWritableOrCreatable verifies a path exists, or that its parent
// exists and is a directory. Write permission on the path or its parent is
// not checked.
func checkWritableOrCreatable(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	parent := filepath.Dir(path)
	info, err := os.Stat(parent)
	if err != nil {
		return fmt.Errorf("neither %q nor its parent %q exist: %w", path, parent, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("parent %q is not a directory", parent)
	}
	return nil
}
