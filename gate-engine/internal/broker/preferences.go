package broker

import (
	"fmt"
	"sort"
	"strings"
)

const DefaultGPUClass = "a100"

// PreferenceTable maps a GPU class to model-family substrings, most preferred
// first. It is copied on construction and never mutated afterwards.
type PreferenceTable struct {
	classes      map[string][]string
	defaultClass string
}

func DefaultPreferences() map[string][]string {
	return map[string][]string{
		"h100": {"llama-3.3-70b", "deepseek", "llama-3.1-70b"},
		"a100": {"llama-3.1-70b", "qwen", "llama-3.3-70b"},
		"v100": {"llama-3.1-8b", "mistral", "qwen"},
		"a10":  {"llama-3.1-8b", "mistral"},
		"a10g": {"llama-3.1-8b", "mistral"},
		"l40s": {"llama-3.1-70b", "qwen", "mistral"},
		"t4":   {"llama-3.1-8b"},
	}
}

func NewPreferenceTable(classes map[string][]string, defaultClass string) (*PreferenceTable, error) {
	defaultClass = strings.ToLower(strings.TrimSpace(defaultClass))
	if defaultClass == "" {
		defaultClass = DefaultGPUClass
	}
	copied := make(map[string][]string, len(classes))
	for class, prefs := range classes {
		key := strings.ToLower(strings.TrimSpace(class))
		if key == "" {
			return nil, fmt.Errorf("preference table: empty gpu class")
		}
		list := make([]string, 0, len(prefs))
		for _, p := range prefs {
			if v := strings.ToLower(strings.TrimSpace(p)); v != "" {
				list = append(list, v)
			}
		}
		copied[key] = list
	}
	if _, ok := copied[defaultClass]; !ok {
		return nil, fmt.Errorf("preference table: default class %q has no entry", defaultClass)
	}
	return &PreferenceTable{classes: copied, defaultClass: defaultClass}, nil
}

// For returns the preference list for gpuType, falling back to the default class.
func (t *PreferenceTable) For(gpuType string) []string {
	if prefs, ok := t.classes[strings.ToLower(strings.TrimSpace(gpuType))]; ok {
		return append([]string(nil), prefs...)
	}
	return append([]string(nil), t.classes[t.defaultClass]...)
}

func (t *PreferenceTable) DefaultClass() string {
	return t.defaultClass
}

func (t *PreferenceTable) Classes() []string {
	out := make([]string, 0, len(t.classes))
	for c := range t.classes {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
