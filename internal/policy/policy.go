// Package policy evaluates stored policy rules against a build before a
// stage runs. Rules are ordered by ascending priority; the first deny
// short-circuits. Required-approval rules never deny, they tighten the
// stage's approval config instead.
package policy

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/chengis/chengis/internal/clock"
	"github.com/chengis/chengis/internal/store"
)

// Rule types.
const (
	TypeBranchRestriction    = "branch-restriction"
	TypeAuthorRestriction    = "author-restriction"
	TypeTimeWindow           = "time-window"
	TypeParameterRestriction = "parameter-restriction"
	TypeRequiredApproval     = "required-approval"
	TypeOPA                  = "opa"
)

// ApprovalOverride tightens a stage's approval config: max-of for
// MinApprovals, union for ApproverGroup.
type ApprovalOverride struct {
	MinApprovals  int
	ApproverGroup []string
}

// Merge folds another override into o.
func (o *ApprovalOverride) Merge(other ApprovalOverride) {
	if other.MinApprovals > o.MinApprovals {
		o.MinApprovals = other.MinApprovals
	}
	seen := make(map[string]bool, len(o.ApproverGroup))
	for _, g := range o.ApproverGroup {
		seen[g] = true
	}
	for _, g := range other.ApproverGroup {
		if !seen[g] {
			o.ApproverGroup = append(o.ApproverGroup, g)
			seen[g] = true
		}
	}
}

// Decision is the outcome of evaluating all policies for one stage.
type Decision struct {
	Allow    bool
	Reason   string
	PolicyID string
	Override *ApprovalOverride
}

// Input carries the build facts policies are evaluated against.
type Input struct {
	OrgID      string
	BuildID    string
	JobID      string
	Branch     string
	Author     string
	StageName  string
	Parameters map[string]string
}

// Engine evaluates stored policies.
type Engine struct {
	store   store.PolicyStore
	clock   clock.Clock
	opa     OPARunner
	enabled bool
}

// NewEngine creates a policy engine. When enabled is false every evaluation
// allows.
func NewEngine(st store.PolicyStore, c clock.Clock, opa OPARunner, enabled bool) *Engine {
	return &Engine{store: st, clock: c, opa: opa, enabled: enabled}
}

// Evaluate runs every enabled policy in priority order. Every decision is
// recorded in the store for audit.
func (e *Engine) Evaluate(ctx context.Context, in Input) (Decision, error) {
	if !e.enabled {
		return Decision{Allow: true, Reason: "policy engine disabled"}, nil
	}

	rules, err := e.store.ListPolicies(in.OrgID)
	if err != nil {
		return Decision{}, fmt.Errorf("listing policies: %w", err)
	}
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority < rules[j].Priority })

	var override *ApprovalOverride
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		dec := e.evalRule(ctx, rule, in)
		e.record(rule.ID, in, dec)
		if !dec.Allow {
			dec.PolicyID = rule.ID
			return dec, nil
		}
		if dec.Override != nil {
			if override == nil {
				override = &ApprovalOverride{}
			}
			override.Merge(*dec.Override)
		}
	}
	return Decision{Allow: true, Reason: "all policies passed", Override: override}, nil
}

func (e *Engine) record(policyID string, in Input, dec Decision) {
	decision := "allow"
	if !dec.Allow {
		decision = "deny"
	}
	_ = e.store.RecordPolicyEvaluation(&store.PolicyEvaluation{
		BuildID:   in.BuildID,
		StageName: in.StageName,
		PolicyID:  policyID,
		Decision:  decision,
		Reason:    dec.Reason,
		CreatedAt: e.clock.Now(),
	})
}

func (e *Engine) evalRule(ctx context.Context, rule store.PolicyRule, in Input) Decision {
	switch rule.Type {
	case TypeBranchRestriction:
		return evalGlobRestriction(rule.Config, "branches", in.Branch, "branch")
	case TypeAuthorRestriction:
		return evalGlobRestriction(rule.Config, "authors", in.Author, "author")
	case TypeTimeWindow:
		return e.evalTimeWindow(rule.Config)
	case TypeParameterRestriction:
		return evalParameterRestriction(rule.Config, in.Parameters)
	case TypeRequiredApproval:
		return evalRequiredApproval(rule.Config, in.StageName)
	case TypeOPA:
		return e.evalOPA(ctx, rule, in)
	default:
		return Decision{Allow: true, Reason: fmt.Sprintf("unknown policy type %q ignored", rule.Type)}
	}
}

// evalGlobRestriction handles branch and author restrictions: action "allow"
// denies when nothing matches, action "deny" denies when anything matches.
func evalGlobRestriction(cfg map[string]any, listKey, value, what string) Decision {
	patterns := cfgStrings(cfg, listKey)
	action := cfgString(cfg, "action", "allow")
	matched := false
	for _, p := range patterns {
		if ok, _ := path.Match(p, value); ok {
			matched = true
			break
		}
	}
	switch {
	case action == "allow" && !matched:
		return Decision{Allow: false, Reason: fmt.Sprintf("%s %q not in allowed list", what, value)}
	case action == "deny" && matched:
		return Decision{Allow: false, Reason: fmt.Sprintf("%s %q is denied", what, value)}
	default:
		return Decision{Allow: true, Reason: what + " restriction passed"}
	}
}

func (e *Engine) evalTimeWindow(cfg map[string]any) Decision {
	loc := time.UTC
	if tz := cfgString(cfg, "timezone", ""); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	now := e.clock.Now().In(loc)

	days := cfgStrings(cfg, "days")
	dayOK := len(days) == 0
	for _, d := range days {
		if strings.EqualFold(d, now.Weekday().String()) {
			dayOK = true
			break
		}
	}
	start := cfgInt(cfg, "start_hour", 0)
	end := cfgInt(cfg, "end_hour", 24)
	inWindow := dayOK && now.Hour() >= start && now.Hour() < end

	action := cfgString(cfg, "action", "allow")
	switch {
	case action == "allow" && !inWindow:
		return Decision{Allow: false, Reason: fmt.Sprintf("outside deployment window %02d:00-%02d:00", start, end)}
	case action == "deny" && inWindow:
		return Decision{Allow: false, Reason: fmt.Sprintf("inside blocked window %02d:00-%02d:00", start, end)}
	default:
		return Decision{Allow: true, Reason: "time window passed"}
	}
}

func evalParameterRestriction(cfg map[string]any, params map[string]string) Decision {
	name := cfgString(cfg, "parameter", "")
	operator := cfgString(cfg, "operator", "equals")
	value := cfgString(cfg, "value", "")
	action := cfgString(cfg, "action", "deny")
	actual := params[name]

	var matched bool
	switch operator {
	case "equals":
		matched = actual == value
	case "not_equals":
		matched = actual != value
	case "matches":
		matched, _ = path.Match(value, actual)
	}

	switch {
	case action == "deny" && matched:
		return Decision{Allow: false, Reason: fmt.Sprintf("parameter %q %s %q is denied", name, operator, value)}
	case action == "allow" && !matched:
		return Decision{Allow: false, Reason: fmt.Sprintf("parameter %q does not satisfy %s %q", name, operator, value)}
	default:
		return Decision{Allow: true, Reason: "parameter restriction passed"}
	}
}

func evalRequiredApproval(cfg map[string]any, stageName string) Decision {
	stages := cfgStrings(cfg, "stages")
	applies := len(stages) == 0
	for _, s := range stages {
		if s == stageName {
			applies = true
			break
		}
	}
	if !applies {
		return Decision{Allow: true, Reason: "required-approval not applicable to stage"}
	}
	return Decision{
		Allow:  true,
		Reason: "required-approval override applied",
		Override: &ApprovalOverride{
			MinApprovals:  cfgInt(cfg, "min_approvals", 1),
			ApproverGroup: cfgStrings(cfg, "approver_group"),
		},
	}
}

// --- Config helpers ---

func cfgString(cfg map[string]any, key, fallback string) string {
	if v, ok := cfg[key].(string); ok {
		return v
	}
	return fallback
}

func cfgInt(cfg map[string]any, key string, fallback int) int {
	switch v := cfg[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

func cfgStrings(cfg map[string]any, key string) []string {
	switch v := cfg[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
