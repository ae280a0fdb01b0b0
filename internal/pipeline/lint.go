package pipeline

import (
	"fmt"
	"strings"
)

// Problem is one structural defect found by the linter.
type Problem struct {
	Stage   string
	Step    string
	Message string
}

// LintReport collects linter problems. It implements error so a failing lint
// can be surfaced directly.
type LintReport struct {
	Problems []Problem
}

// OK reports whether the pipeline passed the lint.
func (r *LintReport) OK() bool { return len(r.Problems) == 0 }

func (r *LintReport) Error() string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("pipeline validation failed (%d problems):", len(r.Problems)))
	for _, p := range r.Problems {
		b.WriteString("\n  - ")
		if p.Stage != "" {
			b.WriteString("stage " + p.Stage + ": ")
		}
		if p.Step != "" {
			b.WriteString("step " + p.Step + ": ")
		}
		b.WriteString(p.Message)
	}
	return b.String()
}

func (r *LintReport) add(stage, step, msg string) {
	r.Problems = append(r.Problems, Problem{Stage: stage, Step: step, Message: msg})
}

// Lint checks the structural validity of a pipeline definition. DAG cycles
// and docker argument safety are validated by their own subsystems; this
// catches everything that can be seen from the definition alone.
func Lint(def *Definition) *LintReport {
	report := &LintReport{}

	if def.Name == "" {
		report.add("", "", "pipeline_name is required")
	}
	if len(def.Stages) == 0 {
		report.add("", "", "at least one stage is required")
	}

	names := make(map[string]bool)
	for _, s := range def.Stages {
		if s.Name == "" {
			report.add("", "", "stage_name is required")
			continue
		}
		if names[s.Name] {
			report.add(s.Name, "", "duplicate stage name")
		}
		names[s.Name] = true
		if len(s.Steps) == 0 {
			report.add(s.Name, "", "at least one step is required")
		}
		for _, st := range s.Steps {
			lintStep(report, s.Name, st)
		}
		if s.Approval != nil && s.Approval.TimeoutMinutes < 0 {
			report.add(s.Name, "", "approval timeout_minutes must not be negative")
		}
	}

	for _, s := range def.Stages {
		for _, dep := range s.DependsOn {
			if !names[dep] {
				report.add(s.Name, "", fmt.Sprintf("depends_on references unknown stage %q", dep))
			}
			if dep == s.Name {
				report.add(s.Name, "", "stage depends on itself")
			}
		}
	}

	if def.Matrix != nil {
		if len(def.Matrix.Axes) == 0 {
			report.add("", "", "matrix declared with no axes")
		}
		for k, vals := range def.Matrix.Axes {
			if len(vals) == 0 {
				report.add("", "", fmt.Sprintf("matrix axis %q has no values", k))
			}
		}
		for _, ex := range def.Matrix.Exclude {
			for k := range ex {
				if _, ok := def.Matrix.Axes[k]; !ok {
					report.add("", "", fmt.Sprintf("matrix exclude references unknown axis %q", k))
				}
			}
		}
	}

	for _, p := range def.Parameters {
		switch p.Type {
		case "text", "choice", "bool", "number":
		default:
			report.add("", "", fmt.Sprintf("parameter %q has invalid type %q", p.Name, p.Type))
		}
		if p.Type == "choice" && len(p.Choices) == 0 {
			report.add("", "", fmt.Sprintf("choice parameter %q has no choices", p.Name))
		}
	}

	if def.PostActions != nil {
		for _, st := range def.PostActions.Always {
			lintStep(report, "post:always", st)
		}
		for _, st := range def.PostActions.OnSuccess {
			lintStep(report, "post:on_success", st)
		}
		for _, st := range def.PostActions.OnFailure {
			lintStep(report, "post:on_failure", st)
		}
	}

	return report
}

func lintStep(report *LintReport, stage string, st StepDef) {
	if st.Name == "" {
		report.add(stage, "", "step_name is required")
	}
	switch st.Type {
	case StepShell, StepCompose, "":
		if st.Command == "" {
			report.add(stage, st.Name, "command is required")
		}
	case StepDocker:
		if st.Image == "" {
			report.add(stage, st.Name, "image is required for docker steps")
		}
	default:
		// Unknown types may be served by a registered plugin; nothing to check.
	}
	if st.TimeoutMs < 0 {
		report.add(stage, st.Name, "timeout must not be negative")
	}
	if st.Condition != nil {
		switch st.Condition.Type {
		case CondAlways, CondBranch, CondParam:
		default:
			report.add(stage, st.Name, fmt.Sprintf("invalid condition type %q", st.Condition.Type))
		}
	}
}
