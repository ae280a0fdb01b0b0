// Package iac drives infrastructure tooling: tool detection, plan/apply
// command construction, plan parsing into a uniform change summary, cost
// estimation, and versioned state storage with per-project locking.
package iac

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Supported tools.
const (
	ToolTerraform      = "terraform"
	ToolPulumi         = "pulumi"
	ToolCloudFormation = "cloudformation"
)

// Detect returns the IaC tool used by a project directory, judged by file
// presence. Empty string when nothing recognizable is found.
func Detect(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", dir, err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tf" {
			return ToolTerraform, nil
		}
	}
	for _, e := range entries {
		switch e.Name() {
		case "Pulumi.yaml":
			return ToolPulumi, nil
		case "template.json", "template.yaml":
			return ToolCloudFormation, nil
		}
	}
	return "", nil
}

// PlanCommand builds the plan/preview command for a tool. stack names the
// pulumi stack or cloudformation stack; terraform ignores it.
func PlanCommand(tool, stack string) ([]string, error) {
	switch tool {
	case ToolTerraform:
		return []string{"terraform", "plan", "-no-color", "-input=false"}, nil
	case ToolPulumi:
		return []string{"pulumi", "preview", "--non-interactive", "--json", "--stack", stack}, nil
	case ToolCloudFormation:
		return []string{
			"aws", "cloudformation", "create-change-set",
			"--stack-name", stack,
			"--change-set-name", stack + "-plan",
			"--template-body", "file://template.json",
			"--output", "json",
		}, nil
	default:
		return nil, fmt.Errorf("unknown iac tool %q", tool)
	}
}

// ApplyCommand builds the apply command for a tool.
func ApplyCommand(tool, stack string) ([]string, error) {
	switch tool {
	case ToolTerraform:
		return []string{"terraform", "apply", "-no-color", "-input=false", "-auto-approve"}, nil
	case ToolPulumi:
		return []string{"pulumi", "up", "--non-interactive", "--json", "--yes", "--stack", stack}, nil
	case ToolCloudFormation:
		return []string{
			"aws", "cloudformation", "deploy",
			"--stack-name", stack,
			"--template-file", "template.json",
			"--output", "json",
		}, nil
	default:
		return nil, fmt.Errorf("unknown iac tool %q", tool)
	}
}

// Resource change actions in the uniform summary.
const (
	ActionCreate  = "create"
	ActionUpdate  = "update"
	ActionDelete  = "delete"
	ActionReplace = "replace"
	ActionNoOp    = "no-op"
)

// ResourceChange is one planned change.
type ResourceChange struct {
	Type   string `json:"resource_type"`
	Name   string `json:"name"`
	Action string `json:"action"`
}

// PlanSummary is the uniform shape all per-tool parsers produce.
type PlanSummary struct {
	Add       int              `json:"resources_add"`
	Change    int              `json:"resources_change"`
	Destroy   int              `json:"resources_destroy"`
	Resources []ResourceChange `json:"resources"`
}

// ParsePlan dispatches to the per-tool parser.
func ParsePlan(tool string, output []byte) (*PlanSummary, error) {
	switch tool {
	case ToolTerraform:
		return parseTerraformPlan(output)
	case ToolPulumi:
		return parsePulumiPlan(output)
	case ToolCloudFormation:
		return parseCloudFormationPlan(output)
	default:
		return nil, fmt.Errorf("unknown iac tool %q", tool)
	}
}

var (
	tfChangeLine  = regexp.MustCompile(`^\s*# ([\w-]+)\.([\w-]+) (?:must be|will be) (created|updated in-place|destroyed|replaced)`)
	tfSummaryLine = regexp.MustCompile(`Plan: (\d+) to add, (\d+) to change, (\d+) to destroy`)
)

// parseTerraformPlan reads the human plan output: per-resource header lines
// plus the trailing "Plan: X to add" summary.
func parseTerraformPlan(output []byte) (*PlanSummary, error) {
	sum := &PlanSummary{}
	sc := bufio.NewScanner(strings.NewReader(string(output)))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if m := tfChangeLine.FindStringSubmatch(line); m != nil {
			action := ActionCreate
			switch m[3] {
			case "updated in-place":
				action = ActionUpdate
			case "destroyed":
				action = ActionDelete
			case "replaced":
				action = ActionReplace
			}
			sum.Resources = append(sum.Resources, ResourceChange{Type: m[1], Name: m[2], Action: action})
			continue
		}
		if m := tfSummaryLine.FindStringSubmatch(line); m != nil {
			sum.Add, _ = strconv.Atoi(m[1])
			sum.Change, _ = strconv.Atoi(m[2])
			sum.Destroy, _ = strconv.Atoi(m[3])
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scanning terraform plan: %w", err)
	}
	if sum.Add == 0 && sum.Change == 0 && sum.Destroy == 0 {
		for _, r := range sum.Resources {
			countChange(sum, r.Action)
		}
	}
	return sum, nil
}

type pulumiStep struct {
	Op       string `json:"op"`
	URN      string `json:"urn"`
	NewState struct {
		Type string `json:"type"`
	} `json:"newState"`
}

func parsePulumiPlan(output []byte) (*PlanSummary, error) {
	var doc struct {
		Steps []pulumiStep `json:"steps"`
	}
	if err := json.Unmarshal(output, &doc); err != nil {
		return nil, fmt.Errorf("parsing pulumi preview json: %w", err)
	}
	sum := &PlanSummary{}
	for _, step := range doc.Steps {
		action := ActionNoOp
		switch step.Op {
		case "create":
			action = ActionCreate
		case "update":
			action = ActionUpdate
		case "delete":
			action = ActionDelete
		case "replace", "create-replacement", "delete-replaced":
			action = ActionReplace
		}
		name := step.URN
		if i := strings.LastIndex(step.URN, "::"); i >= 0 {
			name = step.URN[i+2:]
		}
		sum.Resources = append(sum.Resources, ResourceChange{Type: step.NewState.Type, Name: name, Action: action})
		countChange(sum, action)
	}
	return sum, nil
}

func parseCloudFormationPlan(output []byte) (*PlanSummary, error) {
	var doc struct {
		Changes []struct {
			ResourceChange struct {
				Action            string `json:"Action"`
				LogicalResourceID string `json:"LogicalResourceId"`
				ResourceType      string `json:"ResourceType"`
			} `json:"ResourceChange"`
		} `json:"Changes"`
	}
	if err := json.Unmarshal(output, &doc); err != nil {
		return nil, fmt.Errorf("parsing change set json: %w", err)
	}
	sum := &PlanSummary{}
	for _, c := range doc.Changes {
		action := ActionNoOp
		switch c.ResourceChange.Action {
		case "Add":
			action = ActionCreate
		case "Modify":
			action = ActionUpdate
		case "Remove":
			action = ActionDelete
		}
		sum.Resources = append(sum.Resources, ResourceChange{
			Type:   c.ResourceChange.ResourceType,
			Name:   c.ResourceChange.LogicalResourceID,
			Action: action,
		})
		countChange(sum, action)
	}
	return sum, nil
}

func countChange(sum *PlanSummary, action string) {
	switch action {
	case ActionCreate:
		sum.Add++
	case ActionUpdate:
		sum.Change++
	case ActionDelete:
		sum.Destroy++
	case ActionReplace:
		sum.Add++
		sum.Destroy++
	}
}

// EstimateMonthlyCost prices a plan against a per-resource-type monthly rate
// table. No-ops and deletions are free; unknown types cost zero.
func EstimateMonthlyCost(sum *PlanSummary, rates map[string]float64) float64 {
	var total float64
	for _, r := range sum.Resources {
		if r.Action == ActionNoOp || r.Action == ActionDelete {
			continue
		}
		total += rates[r.Type]
	}
	return total
}
