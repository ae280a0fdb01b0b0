// Package step executes single pipeline steps: condition evaluation, event
// emission, and dispatch to the registered executor for the step's type.
package step

import (
	"context"
	"fmt"

	"github.com/chengis/chengis/internal/bus"
	"github.com/chengis/chengis/internal/pipeline"
	"github.com/chengis/chengis/internal/plugin"
	"github.com/chengis/chengis/internal/procexec"
	"github.com/chengis/chengis/internal/store"
)

// StatusTimedOut marks a step killed by its timeout.
const StatusTimedOut = "timed-out"

// Runner dispatches steps through the plugin registry and narrates them on
// the event bus.
type Runner struct {
	registry *plugin.Registry
	bus      *bus.Bus
}

// NewRunner creates a step runner.
func NewRunner(registry *plugin.Registry, b *bus.Bus) *Runner {
	return &Runner{registry: registry, bus: b}
}

// EvalCondition evaluates a step condition against the build context. A nil
// condition and type "always" both pass.
func EvalCondition(cond *pipeline.ConditionDef, bc *plugin.BuildContext) bool {
	if cond == nil {
		return true
	}
	switch cond.Type {
	case pipeline.CondAlways, "":
		return true
	case pipeline.CondBranch:
		return bc.Branch == cond.Branch
	case pipeline.CondParam:
		return bc.Parameters[cond.Param] == cond.Value
	default:
		return false
	}
}

// Run executes one step. A falsy condition skips it, a cancelled build aborts
// it with exit code -2, everything else is dispatched by step type.
func (r *Runner) Run(ctx context.Context, bc *plugin.BuildContext, stageName string, def pipeline.StepDef) plugin.Result {
	if !EvalCondition(def.Condition, bc) {
		return plugin.Result{Status: store.StatusSkipped}
	}
	if bc.Cancelled != nil && bc.Cancelled.IsSet() {
		return plugin.Result{Status: store.StatusAborted, ExitCode: procexec.ExitAborted}
	}

	r.publish("step-started", bc.BuildID, stageName, def.Name, nil)

	stepBC := *bc
	stepBC.LogLine = func(source string, number int, text string) {
		r.publish("log-line", bc.BuildID, stageName, def.Name, map[string]string{
			"source": source,
			"number": fmt.Sprint(number),
			"line":   text,
		})
	}

	res := r.dispatch(ctx, &stepBC, def)

	r.publish("step-completed", bc.BuildID, stageName, def.Name, map[string]string{
		"status":    res.Status,
		"exit_code": fmt.Sprint(res.ExitCode),
	})
	return res
}

func (r *Runner) dispatch(ctx context.Context, bc *plugin.BuildContext, def pipeline.StepDef) plugin.Result {
	exec, ok := r.registry.StepExecutor(def.Type)
	if !ok {
		return plugin.Result{
			Status:   store.StatusFailure,
			ExitCode: 1,
			Stderr:   []string{fmt.Sprintf("no executor registered for step type %q", def.Type)},
		}
	}
	res, err := exec.Run(ctx, bc, def)
	if err != nil {
		return plugin.Result{
			Status:   store.StatusFailure,
			ExitCode: 1,
			Stderr:   []string{err.Error()},
		}
	}
	return res
}

func (r *Runner) publish(eventType, buildID, stageName, stepName string, data map[string]string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(store.BuildEvent{
		BuildID:   buildID,
		EventType: eventType,
		StageName: stageName,
		StepName:  stepName,
		Data:      data,
	})
}

// statusFromResult maps a process result onto a step status.
func statusFromResult(res *procexec.Result) string {
	switch {
	case res.TimedOut:
		return StatusTimedOut
	case res.ExitCode == procexec.ExitAborted:
		return store.StatusAborted
	case res.ExitCode == 0:
		return store.StatusSuccess
	default:
		return store.StatusFailure
	}
}

// mergeEnv overlays step env over build env; step wins.
func mergeEnv(build, step map[string]string) map[string]string {
	out := make(map[string]string, len(build)+len(step))
	for k, v := range build {
		out[k] = v
	}
	for k, v := range step {
		out[k] = v
	}
	return out
}
