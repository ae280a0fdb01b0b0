// Package deploy rolls successful builds out to environments. A deployment
// expands a named strategy into ordered steps, holds the environment lock for
// its duration, and records every step transition in the Store.
package deploy

import (
	"context"
	"fmt"
	"sort"

	"github.com/chengis/chengis/internal/clock"
	"github.com/chengis/chengis/internal/store"
)

// Deployment strategies.
const (
	StrategyDirect    = "direct"
	StrategyBlueGreen = "blue-green"
	StrategyCanary    = "canary"
)

// Promotion statuses.
const (
	PromotionPending   = "pending"
	PromotionCompleted = "completed"
)

// StepRunner performs one deployment step against the target environment.
// The engine only cares about success or failure.
type StepRunner interface {
	RunStep(ctx context.Context, d *store.Deployment, env *store.Environment, step string) error
}

// StepRunnerFunc adapts a function to StepRunner.
type StepRunnerFunc func(ctx context.Context, d *store.Deployment, env *store.Environment, step string) error

func (f StepRunnerFunc) RunStep(ctx context.Context, d *store.Deployment, env *store.Environment, step string) error {
	return f(ctx, d, env, step)
}

// Engine executes deployments, rollbacks, and promotions.
type Engine struct {
	store  deployStore
	clock  clock.Clock
	runner StepRunner

	// canary percentages in ascending order, last one is full traffic
	increments []int
}

type deployStore interface {
	store.BuildStore
	store.DeployStore
}

// NewEngine creates a deployment engine. increments configures the canary
// steps; nil means 25/50/100.
func NewEngine(st deployStore, c clock.Clock, runner StepRunner, increments []int) *Engine {
	if len(increments) == 0 {
		increments = []int{25, 50, 100}
	}
	return &Engine{store: st, clock: c, runner: runner, increments: increments}
}

// StrategySteps expands a strategy name into its ordered step names.
func (e *Engine) StrategySteps(strategy string) ([]string, error) {
	switch strategy {
	case StrategyDirect:
		return []string{"deploy"}, nil
	case StrategyBlueGreen:
		return []string{"deploy-green", "warm", "switch", "retire-blue"}, nil
	case StrategyCanary:
		steps := make([]string, 0, len(e.increments))
		for _, pct := range e.increments {
			steps = append(steps, fmt.Sprintf("promote-%d%%", pct))
		}
		return steps, nil
	default:
		return nil, fmt.Errorf("unknown deployment strategy %q", strategy)
	}
}

// Execute deploys a successful build to an environment. It refuses when the
// build is not terminal-success or the environment lock is held by another
// owner. The lock is released on every exit path.
func (e *Engine) Execute(ctx context.Context, orgID, buildID, envID, strategy, owner string) (*store.Deployment, error) {
	return e.execute(ctx, orgID, buildID, envID, strategy, owner, false)
}

func (e *Engine) execute(ctx context.Context, orgID, buildID, envID, strategy, owner string, rollback bool) (*store.Deployment, error) {
	build, err := e.store.GetBuild(orgID, buildID)
	if err != nil {
		return nil, fmt.Errorf("loading build %s: %w", buildID, err)
	}
	if build.Status != store.StatusSuccess {
		return nil, fmt.Errorf("build %s is %s, only successful builds deploy", buildID, build.Status)
	}
	env, err := e.store.GetEnvironment(orgID, envID)
	if err != nil {
		return nil, fmt.Errorf("loading environment %s: %w", envID, err)
	}
	steps, err := e.StrategySteps(strategy)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	n, err := e.store.LockEnvironment(envID, owner, now)
	if err != nil {
		return nil, fmt.Errorf("locking environment %s: %w", envID, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("environment %s is locked by another owner", env.Name)
	}
	defer func() { _ = e.store.UnlockEnvironment(envID, owner) }()

	d := &store.Deployment{
		ID:            clock.NewID(e.clock),
		OrgID:         orgID,
		BuildID:       buildID,
		EnvironmentID: envID,
		Strategy:      strategy,
		Status:        store.DeployRunning,
		Rollback:      rollback,
		CreatedAt:     now,
	}
	if err := e.store.CreateDeployment(d); err != nil {
		return nil, fmt.Errorf("creating deployment: %w", err)
	}

	for i, name := range steps {
		step := &store.DeploymentStep{
			ID:           clock.NewID(e.clock),
			DeploymentID: d.ID,
			Name:         name,
			StepOrder:    i,
			Status:       store.DeployRunning,
		}
		if err := e.store.CreateDeploymentStep(step); err != nil {
			return nil, fmt.Errorf("creating deployment step %s: %w", name, err)
		}
		if err := e.runner.RunStep(ctx, d, env, name); err != nil {
			_ = e.store.UpdateDeploymentStep(step.ID, store.DeployFailed)
			d.Status = store.DeployFailed
			_ = e.store.UpdateDeploymentStatus(d.ID, store.DeployFailed, e.clock.Now())
			return d, fmt.Errorf("deployment step %s: %w", name, err)
		}
		_ = e.store.UpdateDeploymentStep(step.ID, store.DeploySucceeded)
	}

	d.Status = store.DeploySucceeded
	if err := e.store.UpdateDeploymentStatus(d.ID, store.DeploySucceeded, e.clock.Now()); err != nil {
		return d, fmt.Errorf("marking deployment succeeded: %w", err)
	}
	return d, nil
}

// Rollback re-deploys the most recent deployment that succeeded strictly
// before the given one, on the same environment, as a direct rollback
// deployment. It fails when no such deployment exists.
func (e *Engine) Rollback(ctx context.Context, orgID, envID, deployID, owner string) (*store.Deployment, error) {
	deploys, err := e.store.ListDeployments(envID)
	if err != nil {
		return nil, fmt.Errorf("listing deployments for %s: %w", envID, err)
	}
	var current *store.Deployment
	for i := range deploys {
		if deploys[i].ID == deployID {
			current = &deploys[i]
			break
		}
	}
	if current == nil {
		return nil, fmt.Errorf("deployment %s not found on environment %s", deployID, envID)
	}

	sort.Slice(deploys, func(i, k int) bool { return deploys[i].CreatedAt.After(deploys[k].CreatedAt) })
	var target *store.Deployment
	for i := range deploys {
		d := &deploys[i]
		if d.Status == store.DeploySucceeded && d.CreatedAt.Before(current.CreatedAt) {
			target = d
			break
		}
	}
	if target == nil {
		return nil, fmt.Errorf("no earlier succeeded deployment on environment %s to roll back to", envID)
	}
	return e.execute(ctx, orgID, target.BuildID, envID, StrategyDirect, owner, true)
}

// Promote moves a successful build from one environment to the next by
// env order. When the target requires approval the promotion stays pending
// and no artifact is placed; otherwise the artifact lands and a direct
// deployment runs immediately.
func (e *Engine) Promote(ctx context.Context, orgID, buildID, fromEnvID, toEnvID, owner string) (*store.Promotion, error) {
	build, err := e.store.GetBuild(orgID, buildID)
	if err != nil {
		return nil, fmt.Errorf("loading build %s: %w", buildID, err)
	}
	if build.Status != store.StatusSuccess {
		return nil, fmt.Errorf("build %s is %s, only successful builds promote", buildID, build.Status)
	}
	from, err := e.store.GetEnvironment(orgID, fromEnvID)
	if err != nil {
		return nil, fmt.Errorf("loading environment %s: %w", fromEnvID, err)
	}
	to, err := e.store.GetEnvironment(orgID, toEnvID)
	if err != nil {
		return nil, fmt.Errorf("loading environment %s: %w", toEnvID, err)
	}
	if to.EnvOrder <= from.EnvOrder {
		return nil, fmt.Errorf("cannot promote from %s (order %d) to %s (order %d)", from.Name, from.EnvOrder, to.Name, to.EnvOrder)
	}

	p := &store.Promotion{
		ID:        clock.NewID(e.clock),
		OrgID:     orgID,
		BuildID:   buildID,
		FromEnv:   fromEnvID,
		ToEnv:     toEnvID,
		Status:    PromotionPending,
		CreatedAt: e.clock.Now(),
	}
	if to.RequiresApproval {
		if err := e.store.CreatePromotion(p); err != nil {
			return nil, fmt.Errorf("recording promotion: %w", err)
		}
		return p, nil
	}

	p.Status = PromotionCompleted
	if err := e.store.CreatePromotion(p); err != nil {
		return nil, fmt.Errorf("recording promotion: %w", err)
	}
	artifact := &store.EnvironmentArtifact{
		EnvironmentID: toEnvID,
		BuildID:       buildID,
		Name:          fmt.Sprintf("build-%d", build.BuildNumber),
		PlacedAt:      e.clock.Now(),
	}
	if err := e.store.PlaceArtifact(artifact); err != nil {
		return nil, fmt.Errorf("placing artifact in %s: %w", to.Name, err)
	}
	if _, err := e.execute(ctx, orgID, buildID, toEnvID, StrategyDirect, owner, false); err != nil {
		return p, fmt.Errorf("deploying promoted build: %w", err)
	}
	return p, nil
}
