package matrix

import (
	"strings"
	"testing"

	"github.com/chengis/chengis/internal/pipeline"
)

func twoByTwo() *pipeline.MatrixDef {
	return &pipeline.MatrixDef{
		Axes: map[string][]string{
			"os":  {"linux", "mac"},
			"jdk": {"11", "17"},
		},
	}
}

func TestCombinations_CartesianProduct(t *testing.T) {
	combos := Combinations(twoByTwo())
	if len(combos) != 4 {
		t.Fatalf("expected 4 combinations, got %d", len(combos))
	}
	seen := make(map[string]bool)
	for _, c := range combos {
		seen[c.Suffix()] = true
	}
	for _, want := range []string{
		"(jdk=11, os=linux)", "(jdk=17, os=linux)",
		"(jdk=11, os=mac)", "(jdk=17, os=mac)",
	} {
		if !seen[want] {
			t.Errorf("missing combination %s", want)
		}
	}
}

func TestCombinations_Excludes(t *testing.T) {
	def := twoByTwo()
	def.Exclude = []map[string]string{{"os": "mac", "jdk": "11"}}
	combos := Combinations(def)
	if len(combos) != 3 {
		t.Fatalf("expected 3 combinations, got %d", len(combos))
	}
	for _, c := range combos {
		if c["os"] == "mac" && c["jdk"] == "11" {
			t.Error("excluded combination survived")
		}
	}
}

func TestExpand_NamesAndEnv(t *testing.T) {
	stages := []pipeline.StageDef{{
		Name:  "Test",
		Steps: []pipeline.StepDef{{Name: "run", Command: "make test", Env: map[string]string{"CI": "true"}}},
	}}
	expanded, err := Expand(stages, twoByTwo(), 0)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if len(expanded) != 4 {
		t.Fatalf("expected 4 stages, got %d", len(expanded))
	}
	for _, es := range expanded {
		if !strings.Contains(es.Stage.Name, "os=") || !strings.Contains(es.Stage.Name, "jdk=") {
			t.Errorf("stage name missing axis suffix: %s", es.Stage.Name)
		}
		if es.Original != "Test" {
			t.Errorf("original name: %s", es.Original)
		}
		env := es.Stage.Steps[0].Env
		if env["MATRIX_OS"] == "" || env["MATRIX_JDK"] == "" {
			t.Errorf("missing MATRIX_* env: %v", env)
		}
		if env["CI"] != "true" {
			t.Error("step env lost in expansion")
		}
	}
}

func TestExpand_BroadensDependencies(t *testing.T) {
	stages := []pipeline.StageDef{
		{Name: "Build", Steps: []pipeline.StepDef{{Name: "b", Command: "make"}}},
		{Name: "Test", DependsOn: []string{"Build"}, Steps: []pipeline.StepDef{{Name: "t", Command: "make test"}}},
	}
	def := &pipeline.MatrixDef{Axes: map[string][]string{"os": {"linux", "mac"}}}
	expanded, err := Expand(stages, def, 0)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	for _, es := range expanded {
		if es.Original != "Test" {
			continue
		}
		if len(es.Stage.DependsOn) != 2 {
			t.Fatalf("expected 2 broadened deps, got %v", es.Stage.DependsOn)
		}
		for _, d := range es.Stage.DependsOn {
			if !strings.HasPrefix(d, "Build (") {
				t.Errorf("unexpected dependency %q", d)
			}
		}
	}
}

func TestExpand_EnforcesCap(t *testing.T) {
	stages := []pipeline.StageDef{{Name: "S", Steps: []pipeline.StepDef{{Name: "s", Command: "true"}}}}
	if _, err := Expand(stages, twoByTwo(), 3); err == nil {
		t.Fatal("expected cap error")
	}
}
