package plugin

import (
	"context"
	"testing"

	"github.com/chengis/chengis/internal/pipeline"
)

type fakeStep struct {
	name   string
	inited bool
}

func (f *fakeStep) Run(ctx context.Context, bc *BuildContext, step pipeline.StepDef) (Result, error) {
	return Result{Status: "success"}, nil
}

func (f *fakeStep) Init(ctx context.Context) error {
	f.inited = true
	return nil
}

func TestRegistry_LastWriteWins(t *testing.T) {
	r := NewRegistry()
	first := &fakeStep{name: "first"}
	second := &fakeStep{name: "second"}

	r.RegisterStepExecutor("shell", first)
	r.RegisterStepExecutor("shell", second)

	got, ok := r.StepExecutor("shell")
	if !ok {
		t.Fatal("executor not found")
	}
	if got.(*fakeStep).name != "second" {
		t.Error("expected last registration to win")
	}
}

func TestRegistry_UnknownLookups(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.StepExecutor("docker"); ok {
		t.Error("unexpected step executor")
	}
	if _, ok := r.Notifier("slack"); ok {
		t.Error("unexpected notifier")
	}
	if _, ok := r.StatusReporter("github"); ok {
		t.Error("unexpected reporter")
	}
}

func TestRegistry_InitRunsHooks(t *testing.T) {
	r := NewRegistry()
	fs := &fakeStep{}
	r.RegisterStepExecutor("shell", fs)
	if err := r.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	if !fs.inited {
		t.Error("init hook not called")
	}
}

func TestFlag_Idempotent(t *testing.T) {
	var f Flag
	if f.IsSet() {
		t.Fatal("new flag should be unset")
	}
	f.Set()
	f.Set()
	f.Set()
	if !f.IsSet() {
		t.Error("flag should be set")
	}
}
