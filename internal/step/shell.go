package step

import (
	"context"
	"time"

	"github.com/chengis/chengis/internal/pipeline"
	"github.com/chengis/chengis/internal/plugin"
	"github.com/chengis/chengis/internal/procexec"
)

// ShellExecutor runs shell and compose steps through the process
// sub-executor.
type ShellExecutor struct {
	proc      *procexec.Executor
	chunkSize int
}

// NewShellExecutor creates a shell step executor.
func NewShellExecutor(chunkSize int) *ShellExecutor {
	return &ShellExecutor{proc: procexec.NewExecutor(), chunkSize: chunkSize}
}

// Run executes the step command in the build workspace.
func (e *ShellExecutor) Run(ctx context.Context, bc *plugin.BuildContext, def pipeline.StepDef) (plugin.Result, error) {
	return runCommand(ctx, e.proc, bc, def.Command, def, e.chunkSize)
}

func runCommand(ctx context.Context, proc *procexec.Executor, bc *plugin.BuildContext, command string, def pipeline.StepDef, chunkSize int) (plugin.Result, error) {
	req := procexec.Request{
		Command:    command,
		Dir:        bc.Workspace,
		Env:        mergeEnv(bc.Env, def.Env),
		Timeout:    time.Duration(def.TimeoutMs) * time.Millisecond,
		ChunkSize:  chunkSize,
		MaskValues: bc.Secrets,
	}
	if bc.LogLine != nil {
		req.OnLine = func(l procexec.Line) {
			bc.LogLine(l.Source, l.Number, l.Text)
		}
	}

	res, err := proc.Execute(ctx, req)
	if err != nil {
		return plugin.Result{}, err
	}
	return plugin.Result{
		Status:     statusFromResult(res),
		ExitCode:   res.ExitCode,
		Stdout:     res.StdoutLines,
		Stderr:     res.StderrLines,
		DurationMs: res.DurationMs,
	}, nil
}
