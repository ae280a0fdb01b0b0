package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chengis/chengis/internal/approval"
	"github.com/chengis/chengis/internal/bus"
	"github.com/chengis/chengis/internal/cache"
	"github.com/chengis/chengis/internal/clock"
	"github.com/chengis/chengis/internal/config"
	"github.com/chengis/chengis/internal/db"
	"github.com/chengis/chengis/internal/executor"
	"github.com/chengis/chengis/internal/pipeline"
	"github.com/chengis/chengis/internal/plugin"
	"github.com/chengis/chengis/internal/policy"
	"github.com/chengis/chengis/internal/provenance"
	"github.com/chengis/chengis/internal/scm"
	"github.com/chengis/chengis/internal/step"
	"github.com/chengis/chengis/internal/store"
	"github.com/chengis/chengis/internal/tracing"
	"github.com/chengis/chengis/internal/workspace"
)

// appEnv bundles the configuration and open database every command needs.
type appEnv struct {
	cfg *config.Config
	db  *db.DB
}

func openEnv() (*appEnv, error) {
	cfg, err := config.LoadDefault()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	path, err := db.DefaultDBPath()
	if err != nil {
		return nil, fmt.Errorf("db path: %w", err)
	}
	database, err := db.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &appEnv{cfg: cfg, db: database}, nil
}

func (e *appEnv) Close() {
	e.db.Close()
}

// buildEngine wires the full execution stack: registry, bus, workspaces,
// step runner, approvals, policies, caches, tracing, and post-build hooks.
func buildEngine(e *appEnv) (*executor.Executor, *bus.Bus, *tracing.Tracer) {
	cfg := e.cfg
	c := clock.System{}

	rate := 0.0
	if cfg.Enabled("tracing") {
		rate = cfg.Tracing.SampleRate
	}
	tracer := tracing.New(c, cfg.Tracing.ServiceName, rate)

	registry := plugin.NewRegistry()
	registry.RegisterStepExecutor(pipeline.StepShell, step.NewShellExecutor(0))
	registry.RegisterStepExecutor(pipeline.StepDocker, step.NewDockerExecutor(0))
	registry.RegisterStatusReporter("github", scm.NewGitHubReporter(cfg.SCM.GitHub.BaseURL, cfg.SCM.GitHub.Token))
	registry.RegisterStatusReporter("gitlab", scm.NewGitLabReporter(cfg.SCM.GitLab.BaseURL, cfg.SCM.GitLab.Token))
	registry.RegisterStatusReporter("bitbucket", scm.NewBitbucketReporter(cfg.SCM.Bitbucket.BaseURL, cfg.SCM.Bitbucket.Username, cfg.SCM.Bitbucket.AppPassword))
	if cfg.SCM.Gitea.BaseURL != "" {
		registry.RegisterStatusReporter("gitea", scm.NewGiteaReporter(cfg.SCM.Gitea.BaseURL, cfg.SCM.Gitea.Token))
	}

	b := bus.New(e.db, c, cfg.Events.Buffer, time.Duration(cfg.Events.CriticalTimeoutMs)*time.Millisecond)
	workspaces := workspace.NewManager(cfg.Workspace.Root)
	steps := step.NewRunner(registry, b)
	approvals := approval.NewManager(e.db, c)
	policies := policy.NewEngine(e.db, c, policy.ExecOPARunner{}, cfg.Enabled("policy-engine"))
	artifacts := cache.NewArtifacts(cfg.Cache.Root)

	reporter := scm.NewReporter(registry, cfg.SCM.Gitea.BaseURL)
	chain := provenance.NewChain(e.db, c, provenance.ExecRunner{}, provenance.Config{
		SBOMEnabled:    cfg.Enabled("sbom-generation"),
		SBOMTool:       cfg.SBOM.Tool,
		SBOMFormat:     cfg.SBOM.Format,
		LicenseEnabled: cfg.Enabled("license-scanning"),
		SigningEnabled: cfg.Enabled("artifact-signing"),
		SigningTool:    cfg.Signing.Tool,
		KeyReference:   cfg.Signing.KeyRef,
		AttestEnabled:  cfg.Enabled("slsa-provenance"),
	})
	merger := scm.NewAutoMerger(e.db, scm.MergeConfig{
		GitHubAPI:            cfg.SCM.GitHub.BaseURL,
		GitHubToken:          cfg.SCM.GitHub.Token,
		GitLabAPI:            cfg.SCM.GitLab.BaseURL,
		GitLabToken:          cfg.SCM.GitLab.Token,
		BitbucketAPI:         cfg.SCM.Bitbucket.BaseURL,
		BitbucketUser:        cfg.SCM.Bitbucket.Username,
		BitbucketAppPassword: cfg.SCM.Bitbucket.AppPassword,
		GiteaBaseURL:         cfg.SCM.Gitea.BaseURL,
		GiteaToken:           cfg.SCM.Gitea.Token,
	}, cfg.Enabled("auto-merge"))

	var exec *executor.Executor
	hooks := executor.Hooks{
		Downstream: func(job *store.Job, build *store.Build) {
			if !cfg.Enabled("build-dependencies") {
				return
			}
			triggerDownstream(e, exec, c, job, build)
		},
		ReportStatus: func(ctx context.Context, job *store.Job, build *store.Build) {
			reporter.Report(ctx, job, build, "chengis build")
		},
		Provenance: func(ctx context.Context, job *store.Job, build *store.Build) {
			if build.Status != store.StatusSuccess {
				return
			}
			chain.Run(ctx, job, build, workspaces.Path(build.ID), nil)
		},
		AutoMerge: func(ctx context.Context, job *store.Job, build *store.Build) {
			_, _ = merger.Merge(ctx, job, build)
		},
	}
	exec = executor.New(e.db, c, b, workspaces, steps, approvals, policies, artifacts, executor.Options{
		MaxConcurrentStages:    cfg.Executor.MaxConcurrent,
		MatrixMaxStages:        cfg.Executor.MaxMatrix,
		ApprovalPollInterval:   time.Duration(cfg.Approvals.PollIntervalMs) * time.Millisecond,
		ParallelStageExecution: cfg.Enabled("parallel-stage-execution"),
		BuildResultCache:       cfg.Enabled("build-result-cache"),
		ArtifactCache:          cfg.Enabled("artifact-cache"),
		Tracer:                 tracer,
	}, hooks)
	return exec, b, tracer
}

// exportTraces writes the tracer's finished spans as an OTLP JSON document
// next to the database, one file per build.
func exportTraces(tracer *tracing.Tracer, buildID string) error {
	if len(tracer.Finished()) == 0 {
		return nil
	}
	payload, err := tracer.Export()
	if err != nil {
		return err
	}
	dbPath, err := db.DefaultDBPath()
	if err != nil {
		return err
	}
	dir := filepath.Join(filepath.Dir(dbPath), "traces")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create trace directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, buildID+".json"), payload, 0o644); err != nil {
		return fmt.Errorf("write trace file: %w", err)
	}
	tracer.Reset()
	return nil
}

// triggerDownstream starts builds for jobs that depend on the finished one.
func triggerDownstream(e *appEnv, exec *executor.Executor, c clock.Clock, upstream *store.Job, finished *store.Build) {
	jobs, err := e.db.ListJobs(upstream.OrgID)
	if err != nil {
		return
	}
	for i := range jobs {
		job := &jobs[i]
		if !dependsOn(job, upstream.ID) {
			continue
		}
		if job.TriggerOn != "any" && finished.Status != store.StatusSuccess {
			continue
		}
		def, err := pipeline.Load(job.PipelineSource)
		if err != nil {
			continue
		}
		build := &store.Build{
			ID:          clock.NewID(c),
			OrgID:       job.OrgID,
			JobID:       job.ID,
			Status:      store.StatusQueued,
			TriggerType: "upstream",
			GitBranch:   finished.GitBranch,
			GitCommit:   finished.GitCommit,
			CreatedAt:   c.Now(),
		}
		if err := e.db.CreateBuild(build); err != nil {
			continue
		}
		_ = exec.Run(context.Background(), job, build, def)
	}
}

func dependsOn(job *store.Job, upstreamID string) bool {
	for _, dep := range job.Dependencies {
		if dep == upstreamID {
			return true
		}
	}
	return false
}
