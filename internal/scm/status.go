package scm

import (
	"context"
	"log"

	"github.com/chengis/chengis/internal/plugin"
	"github.com/chengis/chengis/internal/store"
)

// MapStatus translates an internal build status to the SCM commit state.
// Total: anything non-terminal maps to pending.
func MapStatus(buildStatus string) string {
	switch buildStatus {
	case store.StatusSuccess:
		return "success"
	case store.StatusFailure:
		return "failure"
	case store.StatusAborted:
		return "error"
	default:
		return "pending"
	}
}

// Reporter pushes build statuses to the provider registered for the repo.
type Reporter struct {
	registry     *plugin.Registry
	giteaBaseURL string
}

// NewReporter creates a status reporter backed by the plugin registry.
func NewReporter(registry *plugin.Registry, giteaBaseURL string) *Reporter {
	return &Reporter{registry: registry, giteaBaseURL: giteaBaseURL}
}

// Report sends the build's status to its provider. Missing commit, missing
// repo URL, or an unregistered provider all skip silently; a report failure
// is logged and never fails the build.
func (r *Reporter) Report(ctx context.Context, job *store.Job, build *store.Build, description string) {
	if build.GitCommit == "" || job.RepoURL == "" {
		return
	}
	provider := Detect(job.RepoURL, r.giteaBaseURL)
	if provider == "" {
		return
	}
	reporter, ok := r.registry.StatusReporter(provider)
	if !ok {
		return
	}
	state := MapStatus(build.Status)
	if err := reporter.ReportStatus(ctx, job.RepoURL, build.GitCommit, state, description); err != nil {
		log.Printf("warning: status report to %s failed: %v", provider, err)
	}
}
