// Package executor runs builds: matrix expansion, stage scheduling (linear
// or DAG), policy checks, approval waits, stage caching, step execution,
// post-actions, and terminal status aggregation.
package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chengis/chengis/internal/approval"
	"github.com/chengis/chengis/internal/bus"
	"github.com/chengis/chengis/internal/cache"
	"github.com/chengis/chengis/internal/clock"
	"github.com/chengis/chengis/internal/dag"
	"github.com/chengis/chengis/internal/matrix"
	"github.com/chengis/chengis/internal/pipeline"
	"github.com/chengis/chengis/internal/plugin"
	"github.com/chengis/chengis/internal/policy"
	"github.com/chengis/chengis/internal/step"
	"github.com/chengis/chengis/internal/store"
	"github.com/chengis/chengis/internal/tracing"
	"github.com/chengis/chengis/internal/workspace"
)

// Options tune the executor. Zero values fall back to sane defaults.
type Options struct {
	MaxConcurrentStages    int
	MatrixMaxStages        int
	ApprovalPollInterval   time.Duration
	ParallelStageExecution bool
	BuildResultCache       bool
	ArtifactCache          bool
	Tracer                 *tracing.Tracer
}

// Hooks run after a build completes. All of them are optional and best
// effort; none can change the build's terminal status.
type Hooks struct {
	Downstream   func(job *store.Job, build *store.Build)
	ReportStatus func(ctx context.Context, job *store.Job, build *store.Build)
	Provenance   func(ctx context.Context, job *store.Job, build *store.Build)
	AutoMerge    func(ctx context.Context, job *store.Job, build *store.Build)
}

// Executor owns the top-level build loop.
type Executor struct {
	store      store.Store
	clock      clock.Clock
	bus        *bus.Bus
	workspaces *workspace.Manager
	steps      *step.Runner
	approvals  *approval.Manager
	policies   *policy.Engine
	artifacts  *cache.Artifacts
	tracer     *tracing.Tracer
	opts       Options
	hooks      Hooks

	mu      sync.Mutex
	running map[string]*plugin.Flag
}

// New creates an executor.
func New(st store.Store, c clock.Clock, b *bus.Bus, ws *workspace.Manager, steps *step.Runner, approvals *approval.Manager, policies *policy.Engine, artifacts *cache.Artifacts, opts Options, hooks Hooks) *Executor {
	if opts.MaxConcurrentStages <= 0 {
		opts.MaxConcurrentStages = 4
	}
	if opts.MatrixMaxStages <= 0 {
		opts.MatrixMaxStages = matrix.DefaultMaxStages
	}
	if opts.Tracer == nil {
		// A zero sample rate records nothing; every span call stays valid.
		opts.Tracer = tracing.New(c, "chengis", 0)
	}
	return &Executor{
		store:      st,
		clock:      c,
		bus:        b,
		workspaces: ws,
		steps:      steps,
		approvals:  approvals,
		policies:   policies,
		artifacts:  artifacts,
		tracer:     opts.Tracer,
		opts:       opts,
		hooks:      hooks,
		running:    make(map[string]*plugin.Flag),
	}
}

// Cancel sets the cancellation flag for a running build. Calling it any
// number of times has the same effect as calling once; cancelling an unknown
// build is a no-op.
func (e *Executor) Cancel(buildID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if flag, ok := e.running[buildID]; ok {
		flag.Set()
	}
}

// stageOutcome is the recorded result of one stage.
type stageOutcome struct {
	name   string
	status string
	reason string
}

// Run executes one build to its terminal status. Running the same build id
// twice concurrently is a no-op for the second caller.
func (e *Executor) Run(ctx context.Context, job *store.Job, build *store.Build, def *pipeline.Definition) error {
	e.mu.Lock()
	if _, already := e.running[build.ID]; already {
		e.mu.Unlock()
		return nil
	}
	cancelled := &plugin.Flag{}
	e.running[build.ID] = cancelled
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, build.ID)
		e.mu.Unlock()
	}()

	span := e.tracer.StartTrace("build")
	span.SetAttribute("build_id", build.ID)
	span.SetAttribute("job_id", job.ID)
	defer span.End()

	ws, err := e.workspaces.Allocate(build.ID)
	if err != nil {
		err = fmt.Errorf("allocating workspace: %w", err)
		span.RecordError(err)
		return e.finish(ctx, job, build, store.StatusFailure, err)
	}
	defer ws.Cleanup()

	started := e.clock.Now()
	if err := e.updateBuildStatus(build, store.StatusRunning, &started, nil); err != nil {
		return fmt.Errorf("marking build running: %w", err)
	}
	e.publish("build-started", build.ID, "", "", map[string]string{"job_id": job.ID})

	stages := def.Stages
	var combos map[string]matrix.Combination
	if def.Matrix != nil {
		expanded, err := matrix.Expand(def.Stages, def.Matrix, e.opts.MatrixMaxStages)
		if err != nil {
			span.RecordError(err)
			return e.finish(ctx, job, build, store.StatusFailure, err)
		}
		stages = make([]pipeline.StageDef, len(expanded))
		combos = make(map[string]matrix.Combination, len(expanded))
		for i, es := range expanded {
			stages[i] = es.Stage
			combos[es.Stage.Name] = es.Combination
		}
	}

	bc := e.buildContext(job, build, ws.Path, cancelled)

	var outcomes []stageOutcome
	if dag.HasDAG(stageNodes(stages)) && e.opts.ParallelStageExecution {
		outcomes, err = e.runDAG(ctx, bc, span, job, build, stages, combos)
	} else {
		outcomes, err = e.runLinear(ctx, bc, span, job, build, stages, combos)
	}
	if err != nil {
		span.RecordError(err)
		return e.finish(ctx, job, build, store.StatusFailure, err)
	}

	status := worstStatus(outcomes)
	if cancelled.IsSet() {
		status = store.StatusAborted
	}

	e.runPostActions(ctx, bc, def, status)

	span.SetAttribute("status", status)
	return e.finish(ctx, job, build, status, nil)
}

// --- Stage scheduling ---

func stageNodes(stages []pipeline.StageDef) []dag.Node {
	nodes := make([]dag.Node, len(stages))
	for i, s := range stages {
		nodes[i] = dag.Node{Name: s.Name, DependsOn: s.DependsOn}
	}
	return nodes
}

// runLinear runs stages in declaration order and stops at the first stage
// that does not succeed. Stages after the stop point are not recorded.
func (e *Executor) runLinear(ctx context.Context, bc *plugin.BuildContext, span *tracing.Span, job *store.Job, build *store.Build, stages []pipeline.StageDef, combos map[string]matrix.Combination) ([]stageOutcome, error) {
	var outcomes []stageOutcome
	for _, stage := range stages {
		if bc.Cancelled.IsSet() {
			break
		}
		outcome := e.runStage(ctx, bc, span, job, build, stage, combos[stage.Name])
		outcomes = append(outcomes, outcome)
		if outcome.status == store.StatusFailure || outcome.status == store.StatusAborted {
			break
		}
	}
	return outcomes, nil
}

// runDAG runs stages in topological waves. A stage whose dependency failed
// is recorded aborted without running.
func (e *Executor) runDAG(ctx context.Context, bc *plugin.BuildContext, span *tracing.Span, job *store.Job, build *store.Build, stages []pipeline.StageDef, combos map[string]matrix.Combination) ([]stageOutcome, error) {
	graph, err := dag.Build(stageNodes(stages))
	if err != nil {
		return nil, err
	}
	byName := make(map[string]pipeline.StageDef, len(stages))
	for _, s := range stages {
		byName[s.Name] = s
	}

	completed := make(map[string]bool)
	blocked := make(map[string]bool)
	var outcomes []stageOutcome
	var mu sync.Mutex

	for {
		if bc.Cancelled.IsSet() {
			break
		}
		ready := graph.Ready(completed, blocked)
		if len(ready) == 0 {
			break
		}

		sem := make(chan struct{}, e.opts.MaxConcurrentStages)
		var wg sync.WaitGroup
		waveOutcomes := make(map[string]stageOutcome, len(ready))
		for _, name := range ready {
			if bc.Cancelled.IsSet() {
				break
			}
			wg.Add(1)
			sem <- struct{}{}
			go func(stage pipeline.StageDef) {
				defer wg.Done()
				defer func() { <-sem }()
				outcome := e.runStage(ctx, bc, span, job, build, stage, combos[stage.Name])
				mu.Lock()
				waveOutcomes[stage.Name] = outcome
				mu.Unlock()
			}(byName[name])
		}
		wg.Wait()

		for name, outcome := range waveOutcomes {
			completed[name] = true
			outcomes = append(outcomes, outcome)
			if outcome.status != store.StatusSuccess && outcome.status != store.StatusSkipped {
				for _, dep := range graph.Dependents(name) {
					if !blocked[dep] && !completed[dep] {
						blocked[dep] = true
					}
				}
			}
		}
	}

	// Stages blocked by a failed dependency are aborted without running.
	for name := range blocked {
		if completed[name] {
			continue
		}
		e.recordStage(build, byName[name], combos[name], store.StatusAborted, time.Time{}, time.Time{})
		outcomes = append(outcomes, stageOutcome{name: name, status: store.StatusAborted, reason: "dependency failed"})
	}
	return outcomes, nil
}

// --- Single stage ---

func (e *Executor) runStage(ctx context.Context, bc *plugin.BuildContext, parent *tracing.Span, job *store.Job, build *store.Build, stage pipeline.StageDef, combo matrix.Combination) stageOutcome {
	span := parent.StartChild("stage " + stage.Name)
	defer span.End()

	e.publish("stage-started", build.ID, stage.Name, "", nil)
	startedAt := e.clock.Now()

	fail := func(reason string, status string) stageOutcome {
		span.SetAttribute("status", status)
		e.recordStage(build, stage, combo, status, startedAt, e.clock.Now())
		e.publish("stage-completed", build.ID, stage.Name, "", map[string]string{"status": status, "reason": reason})
		return stageOutcome{name: stage.Name, status: status, reason: reason}
	}

	// Policy gate.
	if e.policies != nil {
		dec, err := e.policies.Evaluate(ctx, policy.Input{
			OrgID:      build.OrgID,
			BuildID:    build.ID,
			JobID:      job.ID,
			Branch:     build.GitBranch,
			Author:     build.GitAuthor,
			StageName:  stage.Name,
			Parameters: build.Parameters,
		})
		if err != nil {
			return fail(fmt.Sprintf("policy evaluation error: %v", err), store.StatusFailure)
		}
		if !dec.Allow {
			return fail("policy denied: "+dec.Reason, store.StatusFailure)
		}
		if dec.Override != nil {
			stage.Approval = applyOverride(stage.Approval, dec.Override)
		}
	}

	// Approval gate.
	if stage.Approval != nil {
		outcome, ok := e.waitForApproval(ctx, bc, build, stage)
		if !ok {
			span.SetAttribute("status", outcome.status)
			e.recordStage(build, stage, combo, outcome.status, startedAt, e.clock.Now())
			e.publish("stage-completed", build.ID, stage.Name, "", map[string]string{"status": outcome.status, "reason": outcome.reason})
			return outcome
		}
	}

	// Stage-result cache.
	env := e.stageEnv(bc, stage)
	fingerprint := cache.Fingerprint(build.GitCommit, stage.Steps, env)
	if e.opts.BuildResultCache {
		if rec, err := e.store.GetStageCache(job.ID, fingerprint); err == nil && rec != nil {
			e.publish("cache-hit", build.ID, stage.Name, "", map[string]string{
				"fingerprint":   fingerprint,
				"cached_build":  rec.BuildID,
				"cached_status": rec.Status,
			})
			return fail("stage result served from cache", rec.Status)
		}
	}

	// Artifact cache restore.
	var resolvedKey string
	if stage.Cache != nil && e.opts.ArtifactCache && e.artifacts != nil {
		resolvedKey = cache.ResolveKey(stage.Cache.Key, bc.Workspace)
		if hit, err := e.artifacts.Restore(job.ID, resolvedKey, bc.Workspace); err == nil && hit {
			e.publish("cache-restored", build.ID, stage.Name, "", map[string]string{"key": resolvedKey})
		}
	}

	e.recordStage(build, stage, combo, store.StatusRunning, startedAt, time.Time{})

	status := e.runSteps(ctx, bc, span, build, stage)

	completedAt := e.clock.Now()
	span.SetAttribute("status", status)
	e.updateStageStatus(build, stage.Name, status, completedAt)

	if status == store.StatusSuccess {
		_ = e.store.SaveStageCache(&store.StageCacheRecord{
			JobID:       job.ID,
			Fingerprint: fingerprint,
			StageName:   stage.Name,
			BuildID:     build.ID,
			Status:      status,
			CreatedAt:   completedAt,
		})
		if stage.Cache != nil && e.opts.ArtifactCache && e.artifacts != nil {
			if path, err := e.artifacts.Save(job.ID, resolvedKey, bc.Workspace, stage.Cache.Paths); err == nil {
				_ = e.store.SaveCacheEntry(&store.CacheEntry{
					JobID:       job.ID,
					ResolvedKey: resolvedKey,
					Path:        path,
					CreatedAt:   completedAt,
				})
			}
		}
	}

	e.publish("stage-completed", build.ID, stage.Name, "", map[string]string{"status": status})
	return stageOutcome{name: stage.Name, status: status}
}

// waitForApproval parks the build on a gate. ok is true when the stage may
// proceed.
func (e *Executor) waitForApproval(ctx context.Context, bc *plugin.BuildContext, build *store.Build, stage pipeline.StageDef) (stageOutcome, bool) {
	gate, err := e.approvals.Create(build.ID, stage.Name, stage.Approval)
	if err != nil {
		return stageOutcome{name: stage.Name, status: store.StatusFailure, reason: err.Error()}, false
	}
	e.publish("approval-requested", build.ID, stage.Name, "", map[string]string{
		"gate_id": gate.ID,
		"message": stage.Approval.Message,
	})

	waiting := store.StatusWaitingApproval
	_ = e.store.UpdateBuild(build.OrgID, build.ID, store.BuildUpdate{Status: &waiting})

	res := e.approvals.Wait(ctx, gate.ID, e.opts.ApprovalPollInterval, bc.Cancelled)

	running := store.StatusRunning
	_ = e.store.UpdateBuild(build.OrgID, build.ID, store.BuildUpdate{Status: &running})

	if res.Proceed {
		return stageOutcome{}, true
	}
	status := store.StatusFailure
	if res.Status == store.GateCancelled {
		status = store.StatusAborted
	}
	return stageOutcome{name: stage.Name, status: status, reason: res.Reason}, false
}

// runSteps executes the stage's steps and aggregates their statuses:
// all-success (or skipped) is success, any failure wins over any abort.
// Sequential stages stop at the first step that does not succeed; a stage
// declared parallel launches every step on a worker pool, so siblings have
// no ordering among them and all of them run regardless of each other.
func (e *Executor) runSteps(ctx context.Context, bc *plugin.BuildContext, span *tracing.Span, build *store.Build, stage pipeline.StageDef) string {
	if stage.Parallel {
		return e.runStepsParallel(ctx, bc, span, build, stage)
	}
	anyFailed := false
	anyAborted := false
	for _, st := range stage.Steps {
		switch e.runOneStep(ctx, bc, span, build, stage.Name, st) {
		case store.StatusFailure, step.StatusTimedOut:
			anyFailed = true
		case store.StatusAborted:
			anyAborted = true
		}
		if anyFailed || anyAborted {
			break
		}
	}
	return aggregateSteps(anyFailed, anyAborted)
}

func (e *Executor) runStepsParallel(ctx context.Context, bc *plugin.BuildContext, span *tracing.Span, build *store.Build, stage pipeline.StageDef) string {
	sem := make(chan struct{}, e.opts.MaxConcurrentStages)
	statuses := make([]string, len(stage.Steps))
	var wg sync.WaitGroup
	for i, st := range stage.Steps {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, st pipeline.StepDef) {
			defer wg.Done()
			defer func() { <-sem }()
			statuses[i] = e.runOneStep(ctx, bc, span, build, stage.Name, st)
		}(i, st)
	}
	wg.Wait()

	anyFailed := false
	anyAborted := false
	for _, s := range statuses {
		switch s {
		case store.StatusFailure, step.StatusTimedOut:
			anyFailed = true
		case store.StatusAborted:
			anyAborted = true
		}
	}
	return aggregateSteps(anyFailed, anyAborted)
}

// runOneStep records a step row around its execution and returns the result
// status.
func (e *Executor) runOneStep(ctx context.Context, bc *plugin.BuildContext, parent *tracing.Span, build *store.Build, stageName string, st pipeline.StepDef) string {
	span := parent.StartChild("step " + st.Name)
	defer span.End()

	stepID := clock.NewID(e.clock)
	_ = e.store.AppendStep(&store.Step{
		ID:        stepID,
		BuildID:   build.ID,
		StageName: stageName,
		StepName:  st.Name,
		Status:    store.StatusRunning,
		StartedAt: e.clock.Now(),
	})

	res := e.steps.Run(ctx, bc, stageName, st)
	_ = e.store.UpdateStep(stepID, res.Status, res.ExitCode, e.clock.Now())
	span.SetAttribute("status", res.Status)
	return res.Status
}

func aggregateSteps(anyFailed, anyAborted bool) string {
	switch {
	case anyFailed:
		return store.StatusFailure
	case anyAborted:
		return store.StatusAborted
	default:
		return store.StatusSuccess
	}
}

// runPostActions runs post-action steps after the stage loop. Their failures
// are recorded but never change the build status.
func (e *Executor) runPostActions(ctx context.Context, bc *plugin.BuildContext, def *pipeline.Definition, buildStatus string) {
	if def.PostActions == nil {
		return
	}
	run := func(group string, steps []pipeline.StepDef) {
		for _, st := range steps {
			res := e.steps.Run(ctx, bc, "post:"+group, st)
			if res.Status == store.StatusFailure {
				e.publish("post-action-failed", bc.BuildID, "post:"+group, st.Name, map[string]string{"status": res.Status})
			}
		}
	}
	run("always", def.PostActions.Always)
	if buildStatus == store.StatusSuccess {
		run("on_success", def.PostActions.OnSuccess)
	}
	if buildStatus == store.StatusFailure {
		run("on_failure", def.PostActions.OnFailure)
	}
}

// --- Completion ---

func (e *Executor) finish(ctx context.Context, job *store.Job, build *store.Build, status string, cause error) error {
	completed := e.clock.Now()
	if err := e.updateBuildStatus(build, status, nil, &completed); err != nil {
		return fmt.Errorf("writing terminal build status: %w", err)
	}
	data := map[string]string{"status": status}
	if cause != nil {
		data["error"] = cause.Error()
	}
	e.publish("build-completed", build.ID, "", "", data)

	if e.hooks.ReportStatus != nil {
		e.hooks.ReportStatus(ctx, job, build)
	}
	if status == store.StatusSuccess {
		if e.hooks.Provenance != nil {
			e.hooks.Provenance(ctx, job, build)
		}
		if e.hooks.AutoMerge != nil {
			e.hooks.AutoMerge(ctx, job, build)
		}
	}
	if e.hooks.Downstream != nil {
		e.hooks.Downstream(job, build)
	}
	return cause
}

func (e *Executor) updateBuildStatus(build *store.Build, status string, startedAt, completedAt *time.Time) error {
	build.Status = status
	upd := store.BuildUpdate{Status: &status}
	if startedAt != nil {
		build.StartedAt = *startedAt
		upd.StartedAt = startedAt
	}
	if completedAt != nil {
		build.CompletedAt = *completedAt
		upd.CompletedAt = completedAt
	}
	return e.store.UpdateBuild(build.OrgID, build.ID, upd)
}

// --- Helpers ---

func (e *Executor) buildContext(job *store.Job, build *store.Build, wsPath string, cancelled *plugin.Flag) *plugin.BuildContext {
	env := map[string]string{
		"BUILD_ID":     build.ID,
		"BUILD_NUMBER": fmt.Sprint(build.BuildNumber),
		"JOB_NAME":     job.Name,
		"WORKSPACE":    wsPath,
		"GIT_BRANCH":   build.GitBranch,
		"GIT_COMMIT":   build.GitCommit,
	}
	for k, v := range build.Parameters {
		env["PARAM_"+strings.ToUpper(k)] = v
	}
	return &plugin.BuildContext{
		BuildID:     build.ID,
		BuildNumber: build.BuildNumber,
		JobID:       job.ID,
		JobName:     job.Name,
		Branch:      build.GitBranch,
		Commit:      build.GitCommit,
		Workspace:   wsPath,
		Parameters:  build.Parameters,
		Env:         env,
		Cancelled:   cancelled,
	}
}

// stageEnv is the environment a stage's fingerprint is computed over: build
// env plus every step env, with the per-build vars stripped inside the
// fingerprint itself.
func (e *Executor) stageEnv(bc *plugin.BuildContext, stage pipeline.StageDef) map[string]string {
	env := make(map[string]string, len(bc.Env))
	for k, v := range bc.Env {
		env[k] = v
	}
	for _, st := range stage.Steps {
		for k, v := range st.Env {
			env[k] = v
		}
	}
	return env
}

func (e *Executor) recordStage(build *store.Build, stage pipeline.StageDef, combo matrix.Combination, status string, startedAt, completedAt time.Time) {
	_ = e.store.AppendStage(&store.Stage{
		ID:                clock.NewID(e.clock),
		BuildID:           build.ID,
		StageName:         stage.Name,
		Status:            status,
		DependsOn:         stage.DependsOn,
		MatrixCombination: combo,
		StartedAt:         startedAt,
		CompletedAt:       completedAt,
	})
}

func (e *Executor) updateStageStatus(build *store.Build, stageName, status string, completedAt time.Time) {
	stages, err := e.store.ListStages(build.ID)
	if err != nil {
		return
	}
	for _, s := range stages {
		if s.StageName == stageName && s.Status == store.StatusRunning {
			_ = e.store.UpdateStage(s.ID, status, completedAt)
			return
		}
	}
}

func (e *Executor) publish(eventType, buildID, stageName, stepName string, data map[string]string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(store.BuildEvent{
		BuildID:   buildID,
		EventType: eventType,
		StageName: stageName,
		StepName:  stepName,
		Data:      data,
	})
}

func applyOverride(def *pipeline.ApprovalDef, o *policy.ApprovalOverride) *pipeline.ApprovalDef {
	merged := pipeline.ApprovalDef{}
	if def != nil {
		merged = *def
	}
	if o.MinApprovals > merged.MinApprovals {
		merged.MinApprovals = o.MinApprovals
	}
	seen := make(map[string]bool, len(merged.ApproverGroup))
	for _, g := range merged.ApproverGroup {
		seen[g] = true
	}
	for _, g := range o.ApproverGroup {
		if !seen[g] {
			merged.ApproverGroup = append(merged.ApproverGroup, g)
		}
	}
	return &merged
}

// worstStatus aggregates stage outcomes: failure > aborted > success >
// skipped. No outcomes at all is a success (empty pipelines are caught by
// the linter long before execution).
func worstStatus(outcomes []stageOutcome) string {
	rank := map[string]int{
		store.StatusSkipped: 0,
		store.StatusSuccess: 1,
		store.StatusAborted: 2,
		store.StatusFailure: 3,
	}
	worst := store.StatusSuccess
	for _, o := range outcomes {
		if rank[o.status] > rank[worst] {
			worst = o.status
		}
	}
	return worst
}
