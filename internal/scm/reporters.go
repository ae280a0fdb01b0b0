package scm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// statusContext names this orchestrator in provider status UIs.
const statusContext = "chengis/build"

func postJSON(ctx context.Context, client *http.Client, endpoint string, headers map[string]string, body map[string]any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("POST %s: status %d", endpoint, resp.StatusCode)
	}
	return nil
}

// GitHubReporter posts commit statuses to the GitHub statuses API.
type GitHubReporter struct {
	API    string
	Token  string
	client *http.Client
}

// NewGitHubReporter creates a reporter; api defaults to the public endpoint.
func NewGitHubReporter(api, token string) *GitHubReporter {
	if api == "" {
		api = "https://api.github.com"
	}
	return &GitHubReporter{API: api, Token: token, client: &http.Client{Timeout: 15 * time.Second}}
}

func (g *GitHubReporter) ReportStatus(ctx context.Context, repoURL, commit, state, description string) error {
	endpoint := fmt.Sprintf("%s/repos/%s/statuses/%s", g.API, RepoPath(repoURL), commit)
	headers := map[string]string{"Accept": "application/vnd.github+json"}
	if g.Token != "" {
		headers["Authorization"] = "Bearer " + g.Token
	}
	return postJSON(ctx, g.client, endpoint, headers, map[string]any{
		"state":       state,
		"description": description,
		"context":     statusContext,
	})
}

// GitLabReporter posts commit statuses to the GitLab statuses API. GitLab
// calls the error state "failed" and pending "running"-adjacent; it accepts
// pending directly.
type GitLabReporter struct {
	API    string
	Token  string
	client *http.Client
}

// NewGitLabReporter creates a reporter; api defaults to the public endpoint.
func NewGitLabReporter(api, token string) *GitLabReporter {
	if api == "" {
		api = "https://gitlab.com/api/v4"
	}
	return &GitLabReporter{API: api, Token: token, client: &http.Client{Timeout: 15 * time.Second}}
}

func (g *GitLabReporter) ReportStatus(ctx context.Context, repoURL, commit, state, description string) error {
	if state == "error" || state == "failure" {
		state = "failed"
	}
	endpoint := fmt.Sprintf("%s/projects/%s/statuses/%s", g.API, url.PathEscape(RepoPath(repoURL)), commit)
	headers := map[string]string{}
	if g.Token != "" {
		headers["PRIVATE-TOKEN"] = g.Token
	}
	return postJSON(ctx, g.client, endpoint, headers, map[string]any{
		"state":       state,
		"description": description,
		"context":     statusContext,
	})
}

// GiteaReporter posts commit statuses to a configured Gitea instance.
type GiteaReporter struct {
	API    string
	Token  string
	client *http.Client
}

// NewGiteaReporter creates a reporter for the given API base
// (e.g. https://git.example.com/api/v1).
func NewGiteaReporter(api, token string) *GiteaReporter {
	return &GiteaReporter{API: api, Token: token, client: &http.Client{Timeout: 15 * time.Second}}
}

func (g *GiteaReporter) ReportStatus(ctx context.Context, repoURL, commit, state, description string) error {
	endpoint := fmt.Sprintf("%s/repos/%s/statuses/%s", g.API, RepoPath(repoURL), commit)
	headers := map[string]string{}
	if g.Token != "" {
		headers["Authorization"] = "token " + g.Token
	}
	return postJSON(ctx, g.client, endpoint, headers, map[string]any{
		"state":       state,
		"description": description,
		"context":     statusContext,
	})
}

// BitbucketReporter posts build statuses to the Bitbucket commit statuses
// API.
type BitbucketReporter struct {
	API         string
	User        string
	AppPassword string
	client      *http.Client
}

// NewBitbucketReporter creates a reporter; api defaults to the public
// endpoint.
func NewBitbucketReporter(api, user, appPassword string) *BitbucketReporter {
	if api == "" {
		api = "https://api.bitbucket.org/2.0"
	}
	return &BitbucketReporter{API: api, User: user, AppPassword: appPassword, client: &http.Client{Timeout: 15 * time.Second}}
}

func (b *BitbucketReporter) ReportStatus(ctx context.Context, repoURL, commit, state, description string) error {
	// Bitbucket states: SUCCESSFUL, FAILED, INPROGRESS, STOPPED.
	bbState := map[string]string{
		"success": "SUCCESSFUL",
		"failure": "FAILED",
		"error":   "STOPPED",
		"pending": "INPROGRESS",
	}[state]
	if bbState == "" {
		bbState = "INPROGRESS"
	}
	endpoint := fmt.Sprintf("%s/repositories/%s/commit/%s/statuses/build", b.API, RepoPath(repoURL), commit)

	data, err := json.Marshal(map[string]any{
		"state":       bbState,
		"key":         statusContext,
		"description": description,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if b.User != "" {
		req.SetBasicAuth(b.User, b.AppPassword)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("POST %s: status %d", endpoint, resp.StatusCode)
	}
	return nil
}
