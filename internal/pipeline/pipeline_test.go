package pipeline

import (
	"strings"
	"testing"
)

const validYAML = `
pipeline_name: build-and-test
stages:
  - stage_name: build
    steps:
      - step_name: compile
        command: make build
  - stage_name: test
    depends_on: [build]
    steps:
      - step_name: unit
        command: make test
      - step_name: integration
        type: docker
        image: golang:1.22
        command: make integration
`

func TestParseValid(t *testing.T) {
	def, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if def.Name != "build-and-test" {
		t.Errorf("name = %q", def.Name)
	}
	if len(def.Stages) != 2 {
		t.Fatalf("stages: %d", len(def.Stages))
	}
	if def.Stages[1].DependsOn[0] != "build" {
		t.Errorf("depends_on = %v", def.Stages[1].DependsOn)
	}
}

func TestParseAppliesDefaults(t *testing.T) {
	def, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if def.Stages[0].Steps[0].Type != StepShell {
		t.Errorf("default step type = %q", def.Stages[0].Steps[0].Type)
	}
	docker := def.Stages[1].Steps[1]
	if docker.Workdir != "/workspace" {
		t.Errorf("default docker workdir = %q", docker.Workdir)
	}
}

func TestParseMalformedYAML(t *testing.T) {
	if _, err := Parse([]byte("stages: [}{")); err == nil {
		t.Fatal("expected error for malformed yaml")
	}
}

func TestLintProblems(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing name", "stages:\n  - stage_name: a\n    steps:\n      - step_name: s\n        command: x\n", "pipeline_name is required"},
		{"no stages", "pipeline_name: p\n", "at least one stage"},
		{"empty stage", "pipeline_name: p\nstages:\n  - stage_name: a\n", "at least one step"},
		{"duplicate stage", "pipeline_name: p\nstages:\n  - stage_name: a\n    steps: [{step_name: s, command: x}]\n  - stage_name: a\n    steps: [{step_name: s, command: x}]\n", "duplicate stage name"},
		{"unknown dep", "pipeline_name: p\nstages:\n  - stage_name: a\n    depends_on: [ghost]\n    steps: [{step_name: s, command: x}]\n", "unknown stage"},
		{"self dep", "pipeline_name: p\nstages:\n  - stage_name: a\n    depends_on: [a]\n    steps: [{step_name: s, command: x}]\n", "depends on itself"},
		{"docker without image", "pipeline_name: p\nstages:\n  - stage_name: a\n    steps: [{step_name: s, type: docker, command: x}]\n", "image is required"},
		{"shell without command", "pipeline_name: p\nstages:\n  - stage_name: a\n    steps: [{step_name: s}]\n", "command is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected lint failure")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q missing %q", err.Error(), tt.want)
			}
		})
	}
}

func TestLintMatrixAndParameters(t *testing.T) {
	yaml := `
pipeline_name: p
matrix:
  axes:
    os: []
  exclude:
    - arch: arm64
parameters:
  - name: mode
    type: enum
  - name: target
    type: choice
stages:
  - stage_name: a
    steps: [{step_name: s, command: x}]
`
	_, err := Parse([]byte(yaml))
	if err == nil {
		t.Fatal("expected lint failure")
	}
	for _, want := range []string{"has no values", "unknown axis", "invalid type", "no choices"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q:\n%s", want, err.Error())
		}
	}
}
