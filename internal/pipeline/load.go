package pipeline

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads and parses a pipeline definition from a YAML file, then lints
// it. A lint failure fails the build before anything executes.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pipeline file: %w", err)
	}
	return Parse(data)
}

// Parse parses pipeline YAML and lints the result.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parsing pipeline YAML: %w", err)
	}
	applyDefaults(&def)
	if report := Lint(&def); !report.OK() {
		return nil, report
	}
	return &def, nil
}

// applyDefaults fills in step types and docker workdirs that the file omits.
func applyDefaults(def *Definition) {
	fill := func(steps []StepDef) {
		for i := range steps {
			if steps[i].Type == "" {
				steps[i].Type = StepShell
			}
			if steps[i].Type == StepDocker && steps[i].Workdir == "" {
				steps[i].Workdir = "/workspace"
			}
		}
	}
	for i := range def.Stages {
		fill(def.Stages[i].Steps)
	}
	if def.PostActions != nil {
		fill(def.PostActions.Always)
		fill(def.PostActions.OnSuccess)
		fill(def.PostActions.OnFailure)
	}
}
