package scm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chengis/chengis/internal/store"
)

// Merge outcomes.
const (
	MergeMerged   = "merged"
	MergeFailed   = "failed"
	MergeNotReady = "not-ready"
	MergeSkipped  = "skipped"
)

// MergeConfig holds provider endpoints and credentials. API bases default to
// the public endpoints and are overridable for tests and self-hosted
// installs.
type MergeConfig struct {
	GitHubAPI            string
	GitHubToken          string
	GitLabAPI            string
	GitLabToken          string
	BitbucketAPI         string
	BitbucketUser        string
	BitbucketAppPassword string
	GiteaBaseURL         string
	GiteaAPI             string
	GiteaToken           string
}

func (c *MergeConfig) applyDefaults() {
	if c.GitHubAPI == "" {
		c.GitHubAPI = "https://api.github.com"
	}
	if c.GitLabAPI == "" {
		c.GitLabAPI = "https://gitlab.com/api/v4"
	}
	if c.BitbucketAPI == "" {
		c.BitbucketAPI = "https://api.bitbucket.org/2.0"
	}
	if c.GiteaAPI == "" && c.GiteaBaseURL != "" {
		c.GiteaAPI = strings.TrimSuffix(c.GiteaBaseURL, "/") + "/api/v1"
	}
}

// AutoMerger merges pull requests once every required status check passed.
type AutoMerger struct {
	client  *http.Client
	store   store.SCMStore
	cfg     MergeConfig
	enabled bool
}

// NewAutoMerger creates an auto-merger. When enabled is false every merge
// call is skipped.
func NewAutoMerger(st store.SCMStore, cfg MergeConfig, enabled bool) *AutoMerger {
	cfg.applyDefaults()
	return &AutoMerger{
		client:  &http.Client{Timeout: 30 * time.Second},
		store:   st,
		cfg:     cfg,
		enabled: enabled,
	}
}

// Merge merges the build's pull request when the feature flag, the job's
// auto-merge setting, a PR/MR number, and all required checks line up.
func (m *AutoMerger) Merge(ctx context.Context, job *store.Job, build *store.Build) (string, error) {
	if !m.enabled || !job.AutoMerge {
		return MergeSkipped, nil
	}
	number := build.PRNumber
	if number == 0 {
		number = build.MRNumber
	}
	if number == 0 {
		return MergeSkipped, nil
	}

	checks, err := m.store.ListStatusChecks(job.ID, build.ID)
	if err != nil {
		return MergeFailed, fmt.Errorf("listing status checks: %w", err)
	}
	for _, c := range checks {
		if c.Required && c.Status != store.StatusSuccess {
			return MergeNotReady, nil
		}
	}

	provider := Detect(job.RepoURL, m.cfg.GiteaBaseURL)
	repoPath := RepoPath(job.RepoURL)
	var (
		method, endpoint string
		body             map[string]any
	)
	switch provider {
	case ProviderGitHub:
		method = http.MethodPut
		endpoint = fmt.Sprintf("%s/repos/%s/pulls/%d/merge", m.cfg.GitHubAPI, repoPath, number)
		body = map[string]any{"merge_method": mergeMethodOr(job.MergeMethod, "merge")}
	case ProviderGitLab:
		method = http.MethodPut
		endpoint = fmt.Sprintf("%s/projects/%s/merge_requests/%d/merge", m.cfg.GitLabAPI, url.PathEscape(repoPath), number)
		body = map[string]any{
			"squash":                      job.MergeMethod == "squash",
			"should_remove_source_branch": job.DeleteBranch,
		}
	case ProviderBitbucket:
		method = http.MethodPost
		endpoint = fmt.Sprintf("%s/repositories/%s/pullrequests/%d/merge", m.cfg.BitbucketAPI, repoPath, number)
		strategy := "merge_commit"
		switch job.MergeMethod {
		case "squash":
			strategy = "squash"
		case "rebase":
			strategy = "fast_forward"
		}
		body = map[string]any{"merge_strategy": strategy}
		if job.DeleteBranch {
			body["close_source_branch"] = true
		}
	case ProviderGitea:
		method = http.MethodPost
		endpoint = fmt.Sprintf("%s/repos/%s/pulls/%d/merge", m.cfg.GiteaAPI, repoPath, number)
		body = map[string]any{"Do": mergeMethodOr(job.MergeMethod, "merge")}
		if job.DeleteBranch {
			body["delete_branch_after_merge"] = true
		}
	default:
		return MergeSkipped, nil
	}

	status, err := m.do(ctx, provider, method, endpoint, body)
	if err != nil {
		return MergeFailed, err
	}
	if status >= 300 {
		return MergeFailed, nil
	}

	if job.DeleteBranch && provider == ProviderGitHub {
		m.deleteGitHubBranch(ctx, repoPath, build.GitBranch)
	}
	return MergeMerged, nil
}

// deleteGitHubBranch removes the merged head ref. Failure is logged, never
// propagated.
func (m *AutoMerger) deleteGitHubBranch(ctx context.Context, repoPath, branch string) {
	if branch == "" {
		return
	}
	endpoint := fmt.Sprintf("%s/repos/%s/git/refs/heads/%s", m.cfg.GitHubAPI, repoPath, branch)
	if status, err := m.do(ctx, ProviderGitHub, http.MethodDelete, endpoint, nil); err != nil || status >= 300 {
		log.Printf("warning: deleting branch %s failed (status %d, err %v)", branch, status, err)
	}
}

func (m *AutoMerger) do(ctx context.Context, provider, method, endpoint string, body map[string]any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	switch provider {
	case ProviderGitHub:
		if m.cfg.GitHubToken != "" {
			req.Header.Set("Authorization", "Bearer "+m.cfg.GitHubToken)
		}
		req.Header.Set("Accept", "application/vnd.github+json")
	case ProviderGitLab:
		if m.cfg.GitLabToken != "" {
			req.Header.Set("PRIVATE-TOKEN", m.cfg.GitLabToken)
		}
	case ProviderBitbucket:
		if m.cfg.BitbucketUser != "" {
			req.SetBasicAuth(m.cfg.BitbucketUser, m.cfg.BitbucketAppPassword)
		}
	case ProviderGitea:
		if m.cfg.GiteaToken != "" {
			req.Header.Set("Authorization", "token "+m.cfg.GiteaToken)
		}
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func mergeMethodOr(method, fallback string) string {
	if method == "" {
		return fallback
	}
	return method
}
