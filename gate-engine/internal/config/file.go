package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the `carbon-gate:` section of carbon-gate.yml. The CI command reads
// the job fields; the service reads the policy and preference fields.
type File struct {
	GPU    string `yaml:"gpu"`
	Org    string `yaml:"org"`
	Repo   string `yaml:"repo"`
	Branch string `yaml:"branch"`
	Server string `yaml:"server"`

	DefaultGPU    string              `yaml:"default_gpu"`
	FallbackModel string              `yaml:"fallback_model"`
	Period        string              `yaml:"period"`
	Preferences   map[string][]string `yaml:"preferences"`
	DefaultPolicy *FilePolicy         `yaml:"default_policy"`
	Policies      []FilePolicy        `yaml:"policies"`
}

type FilePolicy struct {
	Org        string  `yaml:"org"`
	BudgetKg   float64 `yaml:"budget_kg"`
	WarningPct float64 `yaml:"warning_pct"`
}

type fileRoot struct {
	CarbonGate *File `yaml:"carbon-gate"`
}

func LoadFile(path string) (File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read %s: %w", path, err)
	}
	return ParseFile(raw)
}

func ParseFile(raw []byte) (File, error) {
	var root fileRoot
	if err := yaml.Unmarshal(raw, &root); err != nil {
		return File{}, fmt.Errorf("parse carbon-gate config: %w", err)
	}
	if root.CarbonGate == nil {
		return File{}, fmt.Errorf("invalid carbon-gate config: missing 'carbon-gate' root key")
	}
	return *root.CarbonGate, nil
}
