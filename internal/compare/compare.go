// Package compare produces structural diffs between two builds: stage and
// step outcomes, durations, and artifact sets.
package compare

import (
	"fmt"
	"sort"
	"time"

	"github.com/chengis/chengis/internal/store"
)

// Change kinds.
const (
	ChangeAdded   = "added"
	ChangeRemoved = "removed"
	ChangeChanged = "changed"
)

// EntityDiff is one differing stage, step, or artifact.
type EntityDiff struct {
	Name   string   `json:"name"`
	Change string   `json:"change"`
	Notes  []string `json:"notes,omitempty"`
}

// Report is the full comparison of two builds.
type Report struct {
	BuildA    string       `json:"build_a"`
	BuildB    string       `json:"build_b"`
	Notes     []string     `json:"notes,omitempty"`
	Stages    []EntityDiff `json:"stages,omitempty"`
	Steps     []EntityDiff `json:"steps,omitempty"`
	Artifacts []EntityDiff `json:"artifacts,omitempty"`
}

// Identical reports whether the comparison found no differences.
func (r *Report) Identical() bool {
	return len(r.Notes) == 0 && len(r.Stages) == 0 && len(r.Steps) == 0 && len(r.Artifacts) == 0
}

// Snapshot is everything about one build the comparator looks at. Artifacts
// are supplied by the caller, who knows where the artifact store lives.
type Snapshot struct {
	Build     *store.Build
	Stages    []store.Stage
	Steps     []store.Step
	Artifacts []string
}

// Load gathers a build's snapshot from the Store.
func Load(st store.BuildStore, orgID, buildID string, artifacts []string) (*Snapshot, error) {
	build, err := st.GetBuild(orgID, buildID)
	if err != nil {
		return nil, fmt.Errorf("loading build %s: %w", buildID, err)
	}
	stages, err := st.ListStages(buildID)
	if err != nil {
		return nil, fmt.Errorf("listing stages for %s: %w", buildID, err)
	}
	steps, err := st.ListSteps(buildID)
	if err != nil {
		return nil, fmt.Errorf("listing steps for %s: %w", buildID, err)
	}
	return &Snapshot{Build: build, Stages: stages, Steps: steps, Artifacts: artifacts}, nil
}

// Compare diffs two snapshots. Entities are matched by name; steps by
// "stage/step".
func Compare(a, b *Snapshot) *Report {
	r := &Report{BuildA: a.Build.ID, BuildB: b.Build.ID}

	if a.Build.Status != b.Build.Status {
		r.Notes = append(r.Notes, fmt.Sprintf("status %s -> %s", a.Build.Status, b.Build.Status))
	}
	if a.Build.GitCommit != b.Build.GitCommit {
		r.Notes = append(r.Notes, fmt.Sprintf("commit %s -> %s", short(a.Build.GitCommit), short(b.Build.GitCommit)))
	}
	if a.Build.GitBranch != b.Build.GitBranch {
		r.Notes = append(r.Notes, fmt.Sprintf("branch %s -> %s", a.Build.GitBranch, b.Build.GitBranch))
	}

	r.Stages = diffStages(a.Stages, b.Stages)
	r.Steps = diffSteps(a.Steps, b.Steps)
	r.Artifacts = diffNames(a.Artifacts, b.Artifacts)
	return r
}

func diffStages(old, cur []store.Stage) []EntityDiff {
	oldByName := make(map[string]store.Stage, len(old))
	for _, s := range old {
		oldByName[s.StageName] = s
	}
	curByName := make(map[string]store.Stage, len(cur))
	for _, s := range cur {
		curByName[s.StageName] = s
	}

	var out []EntityDiff
	for name, c := range curByName {
		o, ok := oldByName[name]
		if !ok {
			out = append(out, EntityDiff{Name: name, Change: ChangeAdded})
			continue
		}
		var notes []string
		if o.Status != c.Status {
			notes = append(notes, fmt.Sprintf("status %s -> %s", o.Status, c.Status))
		}
		if note := durationNote(o.StartedAt, o.CompletedAt, c.StartedAt, c.CompletedAt); note != "" {
			notes = append(notes, note)
		}
		if len(notes) > 0 {
			out = append(out, EntityDiff{Name: name, Change: ChangeChanged, Notes: notes})
		}
	}
	for name := range oldByName {
		if _, ok := curByName[name]; !ok {
			out = append(out, EntityDiff{Name: name, Change: ChangeRemoved})
		}
	}
	sortDiffs(out)
	return out
}

func diffSteps(old, cur []store.Step) []EntityDiff {
	key := func(s store.Step) string { return s.StageName + "/" + s.StepName }
	oldByKey := make(map[string]store.Step, len(old))
	for _, s := range old {
		oldByKey[key(s)] = s
	}
	curByKey := make(map[string]store.Step, len(cur))
	for _, s := range cur {
		curByKey[key(s)] = s
	}

	var out []EntityDiff
	for k, c := range curByKey {
		o, ok := oldByKey[k]
		if !ok {
			out = append(out, EntityDiff{Name: k, Change: ChangeAdded})
			continue
		}
		var notes []string
		if o.Status != c.Status {
			notes = append(notes, fmt.Sprintf("status %s -> %s", o.Status, c.Status))
		}
		if o.ExitCode != c.ExitCode {
			notes = append(notes, fmt.Sprintf("exit code %d -> %d", o.ExitCode, c.ExitCode))
		}
		if len(notes) > 0 {
			out = append(out, EntityDiff{Name: k, Change: ChangeChanged, Notes: notes})
		}
	}
	for k := range oldByKey {
		if _, ok := curByKey[k]; !ok {
			out = append(out, EntityDiff{Name: k, Change: ChangeRemoved})
		}
	}
	sortDiffs(out)
	return out
}

func diffNames(old, cur []string) []EntityDiff {
	oldSet := make(map[string]bool, len(old))
	for _, n := range old {
		oldSet[n] = true
	}
	curSet := make(map[string]bool, len(cur))
	for _, n := range cur {
		curSet[n] = true
	}

	var out []EntityDiff
	for n := range curSet {
		if !oldSet[n] {
			out = append(out, EntityDiff{Name: n, Change: ChangeAdded})
		}
	}
	for n := range oldSet {
		if !curSet[n] {
			out = append(out, EntityDiff{Name: n, Change: ChangeRemoved})
		}
	}
	sortDiffs(out)
	return out
}

// durationNote flags stage durations that moved by more than 25% and at
// least a second, to keep noise out of the report.
func durationNote(oStart, oEnd, cStart, cEnd time.Time) string {
	if oStart.IsZero() || oEnd.IsZero() || cStart.IsZero() || cEnd.IsZero() {
		return ""
	}
	od := oEnd.Sub(oStart)
	cd := cEnd.Sub(cStart)
	delta := cd - od
	if delta < 0 {
		delta = -delta
	}
	if delta < time.Second || od == 0 {
		return ""
	}
	if float64(delta)/float64(od) <= 0.25 {
		return ""
	}
	return fmt.Sprintf("duration %s -> %s", od.Round(time.Millisecond), cd.Round(time.Millisecond))
}

func short(commit string) string {
	if len(commit) > 8 {
		return commit[:8]
	}
	return commit
}

func sortDiffs(diffs []EntityDiff) {
	sort.Slice(diffs, func(i, k int) bool {
		if diffs[i].Change != diffs[k].Change {
			return diffs[i].Change < diffs[k].Change
		}
		return diffs[i].Name < diffs[k].Name
	})
}
