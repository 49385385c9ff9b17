package saga

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

type yamlTarget struct {
	URL     string         `yaml:"url"`
	Payload map[string]any `yaml:"payload"`
}

type yamlStep struct {
	Name       string      `yaml:"name"`
	Execute    yamlTarget  `yaml:"execute"`
	Compensate *yamlTarget `yaml:"compensate"`
}

type yamlDefinition struct {
	Name   string     `yaml:"name"`
	SagaID string     `yaml:"saga_id"`
	Steps  []yamlStep `yaml:"steps"`
}

// ParseDefinition reads a YAML saga template:
//
//	name: booking
//	steps:
//	  - name: create_booking
//	    execute:
//	      url: https://bookings.internal/execute
//	      payload: {customer_id: "{{customer_id}}"}
//	    compensate:
//	      url: https://bookings.internal/compensate
//	      payload: {booking_id: "{{booking_id}}"}
//
// Placeholders are kept; they are resolved at execution time.
func ParseDefinition(data []byte) (Definition, error) {
	var raw yamlDefinition
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Definition{}, fmt.Errorf("parse saga definition: %w", err)
	}
	def := Definition{Name: raw.Name, SagaID: raw.SagaID}
	for _, s := range raw.Steps {
		step := Step{
			Name:    s.Name,
			Execute: Target{URL: s.Execute.URL, Payload: s.Execute.Payload},
		}
		if s.Compensate != nil {
			step.Compensate = Target{URL: s.Compensate.URL, Payload: s.Compensate.Payload}
		}
		def.Steps = append(def.Steps, step)
	}
	if err := def.Validate(); err != nil {
		return Definition{}, err
	}
	return def, nil
}

// LoadDefinitionFile reads a definition from path. The file name without
// extension is used when the document has no name.
func LoadDefinitionFile(path string) (Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("read saga definition: %w", err)
	}
	def, err := ParseDefinition(data)
	if err != nil {
		return Definition{}, fmt.Errorf("%s: %w", path, err)
	}
	if def.Name == "" {
		def.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return def, nil
}

// LoadDefinitions reads every .yaml and .yml file in dir, keyed by name.
func LoadDefinitions(dir string) (map[string]Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read definitions dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	defs := make(map[string]Definition, len(names))
	for _, n := range names {
		def, err := LoadDefinitionFile(filepath.Join(dir, n))
		if err != nil {
			return nil, err
		}
		if _, dup := defs[def.Name]; dup {
			return nil, fmt.Errorf("duplicate saga definition %q in %s", def.Name, n)
		}
		defs[def.Name] = def
	}
	return defs, nil
}
