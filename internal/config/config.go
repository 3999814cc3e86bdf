// Package config loads and validates pipeline configurations.
//
// Configs are YAML or JSON (picked by file extension). The loader produces
// the validated, strongly-typed Pipeline the rest of the system consumes;
// nothing downstream ever touches raw config text.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Load and ModelSettings.
const (
	DefaultVersion = "0.1"

	DefaultModelTrees    = 20
	DefaultModelMaxDepth = 12
	DefaultModelMinLeaf  = 1
	DefaultModelSeed     = 1
)

// Operation is one step of the pipeline: a registered type name plus its
// parameter mapping. Immutable once parsed.
type Operation struct {
	Type   string `yaml:"type" json:"type"`
	Params Params `yaml:"params" json:"params"`
}

// SplitRatios configures the train/validation partition.
// Each ratio must lie in (0,1) and together they must sum to 1 (±1e-6).
type SplitRatios struct {
	Train      float64 `yaml:"train" json:"train"`
	Validation float64 `yaml:"validation" json:"validation"`
}

// Model overrides classifier settings. Zero fields mean defaults.
type Model struct {
	Trees    int   `yaml:"trees" json:"trees"`
	MaxDepth int   `yaml:"max_depth" json:"max_depth"`
	MinLeaf  int   `yaml:"min_leaf" json:"min_leaf"`
	Seed     int64 `yaml:"seed" json:"seed"`
}

// Pipeline is a full pipeline configuration.
type Pipeline struct {
	Version         string      `yaml:"version" json:"version"`
	DatasetFile     string      `yaml:"dataset_file" json:"dataset_file"`
	DatasetURL      string      `yaml:"dataset_url" json:"dataset_url"`
	DatasetEncoding string      `yaml:"dataset_encoding" json:"dataset_encoding"`
	Target          string      `yaml:"target" json:"target"`
	Operations      []Operation `yaml:"operations" json:"operations"`
	Split           SplitRatios `yaml:"split" json:"split"`
	CheckpointPath  string      `yaml:"checkpoint_path" json:"checkpoint_path"`
	StoreFormat     string      `yaml:"store_format" json:"store_format"`
	Model           *Model      `yaml:"model" json:"model"`

	// Name is the config file's stem (e.g. "fraud" for fraud.yaml), set by
	// Load. It keys checkpoint directories and run records.
	Name string `yaml:"-" json:"-"`
}

// ModelSettings returns the classifier settings with defaults filled in.
func (p *Pipeline) ModelSettings() Model {
	m := Model{
		Trees:    DefaultModelTrees,
		MaxDepth: DefaultModelMaxDepth,
		MinLeaf:  DefaultModelMinLeaf,
		Seed:     DefaultModelSeed,
	}
	if p.Model == nil {
		return m
	}
	if p.Model.Trees > 0 {
		m.Trees = p.Model.Trees
	}
	if p.Model.MaxDepth > 0 {
		m.MaxDepth = p.Model.MaxDepth
	}
	if p.Model.MinLeaf > 0 {
		m.MinLeaf = p.Model.MinLeaf
	}
	if p.Model.Seed != 0 {
		m.Seed = p.Model.Seed
	}
	return m
}

// Load reads a pipeline config from a YAML (.yaml/.yml) or JSON (.json)
// file, fills defaults, and records the file stem as the config Name.
//
// Errors:
//   - unreadable file or unknown extension
//   - malformed YAML/JSON
//
// Load does not validate semantics; call Validate on the result.
func Load(path string) (*Pipeline, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var p Pipeline
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("config: %s: unsupported extension %q (want .yaml, .yml or .json)", path, ext)
	}

	base := filepath.Base(path)
	p.Name = strings.TrimSuffix(base, filepath.Ext(base))
	if p.Version == "" {
		p.Version = DefaultVersion
	}
	return &p, nil
}
