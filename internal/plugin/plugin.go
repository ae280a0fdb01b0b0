// Package plugin holds the capability registry binding step executors,
// notifiers, status reporters, artifact handlers, and pipeline formats to
// their names. One registry instance is built at startup and handed to
// subsystems by reference.
package plugin

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/chengis/chengis/internal/pipeline"
)

// Flag is a build cancellation flag. Setting it any number of times has the
// same effect as setting it once.
type Flag struct {
	v atomic.Bool
}

// Set marks the flag.
func (f *Flag) Set() { f.v.Store(true) }

// IsSet reports whether the flag has been set.
func (f *Flag) IsSet() bool { return f.v.Load() }

// BuildContext carries everything a step plugin needs about the running
// build. It is passed explicitly rather than held in process-wide state.
type BuildContext struct {
	BuildID     string
	BuildNumber int
	JobID       string
	JobName     string
	Branch      string
	Commit      string
	Workspace   string
	Parameters  map[string]string
	Env         map[string]string
	Secrets     []string
	Cancelled   *Flag

	// LogLine, when set, receives every masked output line the running step
	// produces. The step runner points it at the event bus.
	LogLine func(source string, number int, text string)
}

// Result is the outcome of one executed step.
type Result struct {
	Status     string
	ExitCode   int
	Stdout     []string
	Stderr     []string
	DurationMs int64
}

// StepExecutor runs one step of a given type.
type StepExecutor interface {
	Run(ctx context.Context, bc *BuildContext, step pipeline.StepDef) (Result, error)
}

// Notifier delivers a build notification.
type Notifier interface {
	Notify(ctx context.Context, buildID, status, message string) error
}

// StatusReporter pushes a commit status to a source-control provider.
type StatusReporter interface {
	ReportStatus(ctx context.Context, repoURL, commit, state, description string) error
}

// ArtifactHandler post-processes a produced artifact.
type ArtifactHandler interface {
	Handle(ctx context.Context, buildID, path string) error
}

// Format parses a pipeline definition from raw bytes.
type Format interface {
	Parse(data []byte) (*pipeline.Definition, error)
}

// Initializer is implemented by plugins that need startup work.
type Initializer interface {
	Init(ctx context.Context) error
}

// Shutdowner is implemented by plugins that need teardown.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// Registry maps names to capabilities. Registration is last-write-wins, so
// registering the same name twice is idempotent.
type Registry struct {
	mu        sync.RWMutex
	steps     map[string]StepExecutor
	notifiers map[string]Notifier
	reporters map[string]StatusReporter
	artifacts map[string]ArtifactHandler
	formats   map[string]Format
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		steps:     make(map[string]StepExecutor),
		notifiers: make(map[string]Notifier),
		reporters: make(map[string]StatusReporter),
		artifacts: make(map[string]ArtifactHandler),
		formats:   make(map[string]Format),
	}
}

// RegisterStepExecutor binds a step type to its executor.
func (r *Registry) RegisterStepExecutor(typ string, e StepExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps[typ] = e
}

// StepExecutor looks up the executor for a step type.
func (r *Registry) StepExecutor(typ string) (StepExecutor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.steps[typ]
	return e, ok
}

// RegisterNotifier binds a notifier name.
func (r *Registry) RegisterNotifier(name string, n Notifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifiers[name] = n
}

// Notifier looks up a notifier by name.
func (r *Registry) Notifier(name string) (Notifier, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.notifiers[name]
	return n, ok
}

// RegisterStatusReporter binds a provider name to its reporter.
func (r *Registry) RegisterStatusReporter(provider string, s StatusReporter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reporters[provider] = s
}

// StatusReporter looks up the reporter for a provider.
func (r *Registry) StatusReporter(provider string) (StatusReporter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.reporters[provider]
	return s, ok
}

// RegisterArtifactHandler binds an artifact handler name.
func (r *Registry) RegisterArtifactHandler(name string, h ArtifactHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.artifacts[name] = h
}

// ArtifactHandler looks up an artifact handler by name.
func (r *Registry) ArtifactHandler(name string) (ArtifactHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.artifacts[name]
	return h, ok
}

// RegisterFormat binds a pipeline file format (by extension) to its parser.
func (r *Registry) RegisterFormat(ext string, f Format) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.formats[ext] = f
}

// Format looks up a pipeline parser by extension.
func (r *Registry) Format(ext string) (Format, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.formats[ext]
	return f, ok
}

func (r *Registry) all() []any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []any
	for _, e := range r.steps {
		out = append(out, e)
	}
	for _, n := range r.notifiers {
		out = append(out, n)
	}
	for _, s := range r.reporters {
		out = append(out, s)
	}
	for _, h := range r.artifacts {
		out = append(out, h)
	}
	for _, f := range r.formats {
		out = append(out, f)
	}
	return out
}

// Init runs startup hooks on every registered plugin that has one. The first
// error aborts.
func (r *Registry) Init(ctx context.Context) error {
	for _, p := range r.all() {
		if i, ok := p.(Initializer); ok {
			if err := i.Init(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// Shutdown runs teardown hooks on every registered plugin that has one.
// Errors are ignored; shutdown is best effort.
func (r *Registry) Shutdown(ctx context.Context) {
	for _, p := range r.all() {
		if s, ok := p.(Shutdowner); ok {
			_ = s.Shutdown(ctx)
		}
	}
}
