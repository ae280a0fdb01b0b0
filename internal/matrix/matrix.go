// Package matrix expands pipeline stages over a cartesian product of axis
// values.
package matrix

import (
	"fmt"
	"sort"
	"strings"

	"github.com/chengis/chengis/internal/pipeline"
)

// DefaultMaxStages caps |combinations| x |stages| after expansion.
const DefaultMaxStages = 100

// Combination is one point of the axis product.
type Combination map[string]string

// Suffix renders the combination as it appears in expanded stage names,
// with axis keys sorted for determinism.
func (c Combination) Suffix() string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+c[k])
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// Env returns the MATRIX_* environment variables for the combination.
func (c Combination) Env() map[string]string {
	env := make(map[string]string, len(c))
	for k, v := range c {
		env["MATRIX_"+strings.ToUpper(k)] = v
	}
	return env
}

func (c Combination) matches(pattern map[string]string) bool {
	for k, v := range pattern {
		if c[k] != v {
			return false
		}
	}
	return len(pattern) > 0
}

// Combinations computes the cartesian product of the axes, minus excludes.
// Axis order is sorted so the result is stable.
func Combinations(def *pipeline.MatrixDef) []Combination {
	keys := make([]string, 0, len(def.Axes))
	for k := range def.Axes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	combos := []Combination{{}}
	for _, k := range keys {
		var next []Combination
		for _, c := range combos {
			for _, v := range def.Axes[k] {
				nc := make(Combination, len(c)+1)
				for ck, cv := range c {
					nc[ck] = cv
				}
				nc[k] = v
				next = append(next, nc)
			}
		}
		combos = next
	}

	var out []Combination
	for _, c := range combos {
		excluded := false
		for _, ex := range def.Exclude {
			if c.matches(ex) {
				excluded = true
				break
			}
		}
		if !excluded {
			out = append(out, c)
		}
	}
	return out
}

// ExpandedStage pairs an expanded stage with its combination and the name it
// was expanded from.
type ExpandedStage struct {
	Stage       pipeline.StageDef
	Original    string
	Combination Combination
}

// Expand produces one copy of every stage per combination. Expanded names get
// the combination suffix, steps get MATRIX_* env vars, and depends_on is
// broadened: a copy of stage B depends on every copy of each stage B depended
// on by its original name.
func Expand(stages []pipeline.StageDef, def *pipeline.MatrixDef, maxStages int) ([]ExpandedStage, error) {
	if maxStages <= 0 {
		maxStages = DefaultMaxStages
	}
	combos := Combinations(def)
	if len(combos) == 0 {
		return nil, fmt.Errorf("matrix excludes remove every combination")
	}
	if len(combos)*len(stages) > maxStages {
		return nil, fmt.Errorf("matrix expansion produces %d stages, limit is %d", len(combos)*len(stages), maxStages)
	}

	// Every copy of a dependency satisfies the edge.
	expandedNames := make(map[string][]string)
	for _, s := range stages {
		for _, c := range combos {
			expandedNames[s.Name] = append(expandedNames[s.Name], s.Name+" "+c.Suffix())
		}
	}

	var out []ExpandedStage
	for _, c := range combos {
		for _, s := range stages {
			copied := s
			copied.Name = s.Name + " " + c.Suffix()
			copied.DependsOn = nil
			for _, dep := range s.DependsOn {
				copied.DependsOn = append(copied.DependsOn, expandedNames[dep]...)
			}
			copied.Steps = make([]pipeline.StepDef, len(s.Steps))
			for i, st := range s.Steps {
				stepCopy := st
				stepCopy.Env = make(map[string]string, len(st.Env)+len(c))
				for k, v := range st.Env {
					stepCopy.Env[k] = v
				}
				for k, v := range c.Env() {
					stepCopy.Env[k] = v
				}
				copied.Steps[i] = stepCopy
			}
			out = append(out, ExpandedStage{Stage: copied, Original: s.Name, Combination: c})
		}
	}
	return out, nil
}
