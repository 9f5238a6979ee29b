package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Sentinel errors returned (wrapped) by Load, so callers can distinguish a
// missing file from a malformed document from a semantically invalid one.
var (
	ErrConfigMissing   = errors.New("config: file not found")
	ErrConfigMalformed = errors.New("config: malformed yaml")
	ErrConfigSemantic  = errors.New("config: invalid configuration")
)

// knownTopLevelKeys is the closed set of recognized top-level sections.
var knownTopLevelKeys = map[string]bool{
	"common":  true,
	"app":     true,
	"cluster": true,
	"dataset": true,
}

// warnUnknownKeys logs (to stderr) any top-level document key that Load
// does not recognize. This catches typos like "comon:" without rejecting
// the document outright.
func warnUnknownKeys(data []byte) {
	var raw map[string]yaml.Node
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return
	}
	for key := range raw {
		if !knownTopLevelKeys[key] {
			fmt.Fprintf(os.Stderr, "warning: config: unrecognized top-level key %q\n", key)
		}
	}
}
