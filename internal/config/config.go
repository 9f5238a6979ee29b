// Package config loads and validates the engine's configuration document:
// common, app, cluster (optional), and dataset (optional) sections.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Mount is a source->target bind mount pair.
type Mount struct {
	Source string `yaml:"source" validate:"required"`
	Target string `yaml:"target" validate:"required"`
}

// Common holds paths and parallelism settings shared by every run.
type Common struct {
	InputDataset string  `yaml:"input-dataset" validate:"required"`
	OutputRoot   string  `yaml:"output-root" validate:"required"`
	ScratchRoot  string  `yaml:"scratch-root" validate:"required"`
	Image        string  `yaml:"image" validate:"required"`
	ImageLocked  bool    `yaml:"image-locked"`
	AuxMounts    []Mount `yaml:"aux-mounts"`
	Parallelism  int     `yaml:"parallelism" validate:"gte=0"`
	Lock         bool    `yaml:"lock"`
	LogRoot      string  `yaml:"log-root"`
	ReportsDir   string  `yaml:"reports-dir"`
	ReprocessCap int     `yaml:"reprocess-cap" validate:"gte=0"`
}

// App holds pipeline-facing options.
type App struct {
	AnalysisLevel   string   `yaml:"analysis-level" validate:"required,oneof=participant group"`
	Args            []string `yaml:"args"`
	ExtraMounts     []Mount  `yaml:"extra-mounts"`
	ExpectedPattern string   `yaml:"expected-pattern"`
	SessionAware    bool     `yaml:"session-aware"`
	Pilot           bool     `yaml:"pilot"` // legacy config field; ignored with a warning, see Load
	Pipeline        string   `yaml:"pipeline"`
}

// Cluster holds job-scheduler settings. Reported absent via Config.Cluster
// when the document has no cluster section (local-only configuration).
type Cluster struct {
	Queue         string            `yaml:"queue" validate:"required"`
	Walltime      string            `yaml:"walltime" validate:"required"`
	Memory        string            `yaml:"memory" validate:"required"`
	CPUs          int               `yaml:"cpus" validate:"required,gte=1"`
	JobNameBase   string            `yaml:"job-name-base" validate:"required"`
	Modules       []string          `yaml:"modules"`
	Env           map[string]string `yaml:"env"`
	StdoutPattern string            `yaml:"stdout-pattern"`
	StderrPattern string            `yaml:"stderr-pattern"`
	Monitor       bool              `yaml:"monitor"`
	SubmitCmd     string            `yaml:"submit-cmd" validate:"required"`
	StatusCmd     string            `yaml:"status-cmd"`
	CancelCmd     string            `yaml:"cancel-cmd"`
	PollInterval  int               `yaml:"poll-interval-seconds" validate:"gte=0"`
	LockPath      string            `yaml:"lock-path"`
}

// Dataset holds content-addressed dataset references. Reported absent via
// Config.Dataset when the document has no dataset section.
type Dataset struct {
	InputRef      string `yaml:"input-ref" validate:"required"`
	OutputRef     string `yaml:"output-ref"`
	Push          bool   `yaml:"push"`
	PerUnitBranch bool   `yaml:"per-unit-branch"`
}

// Config is the fully loaded, validated, immutable configuration document.
type Config struct {
	common  Common
	app     App
	cluster *Cluster
	dataset *Dataset
}

// document is the raw YAML shape before section presence is resolved into
// the typed views above.
type document struct {
	Common  Common   `yaml:"common" validate:"required"`
	App     App      `yaml:"app" validate:"required"`
	Cluster *Cluster `yaml:"cluster"`
	Dataset *Dataset `yaml:"dataset"`
}

// Common returns the common section.
func (c *Config) Common() Common { return c.common }

// App returns the app section.
func (c *Config) App() App { return c.app }

// Cluster returns the cluster section and whether it was present.
func (c *Config) Cluster() (Cluster, bool) {
	if c.cluster == nil {
		return Cluster{}, false
	}
	return *c.cluster, true
}

// Dataset returns the dataset section and whether it was present.
func (c *Config) Dataset() (Dataset, bool) {
	if c.dataset == nil {
		return Dataset{}, false
	}
	return *c.dataset, true
}

// Load reads a YAML configuration document, resolves relative paths against
// the document's directory, and validates the result. Loader failures are
// always returned before any side effect.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigMissing, err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigMalformed, err)
	}

	warnUnknownKeys(data)

	if doc.App.Pilot {
		logWarning("config: app.pilot is ignored; pilot selection is a --pilot command-line flag only")
	}

	base := filepath.Dir(path)
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	doc.Common.InputDataset = resolve(doc.Common.InputDataset)
	doc.Common.OutputRoot = resolve(doc.Common.OutputRoot)
	doc.Common.ScratchRoot = resolve(doc.Common.ScratchRoot)
	doc.Common.Image = resolve(doc.Common.Image)
	doc.Common.LogRoot = resolve(doc.Common.LogRoot)
	doc.Common.ReportsDir = resolve(doc.Common.ReportsDir)
	for i := range doc.Common.AuxMounts {
		doc.Common.AuxMounts[i].Source = resolve(doc.Common.AuxMounts[i].Source)
	}
	for i := range doc.App.ExtraMounts {
		doc.App.ExtraMounts[i].Source = resolve(doc.App.ExtraMounts[i].Source)
	}
	if doc.Cluster != nil {
		doc.Cluster.LockPath = resolve(doc.Cluster.LockPath)
	}

	cfg := &Config{common: doc.Common, app: doc.App, cluster: doc.Cluster, dataset: doc.Dataset}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigSemantic, err)
	}

	if cfg.common.LogRoot == "" {
		cfg.common.LogRoot = filepath.Join(cfg.common.OutputRoot, ".batchrunner", "logs")
	}
	if cfg.common.ReportsDir == "" {
		cfg.common.ReportsDir = filepath.Join(cfg.common.OutputRoot, ".batchrunner", "reports")
	}
	if cfg.common.ReprocessCap == 0 {
		cfg.common.ReprocessCap = 3
	}

	return cfg, nil
}

func logWarning(msg string) {
	fmt.Fprintln(os.Stderr, "warning: "+msg)
}
