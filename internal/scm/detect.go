// Package scm talks to source-control providers: provider detection from
// repo URLs, commit status reporting, and pull-request auto-merge.
package scm

import (
	"net/url"
	"strings"
)

// Providers.
const (
	ProviderGitHub    = "github"
	ProviderGitLab    = "gitlab"
	ProviderBitbucket = "bitbucket"
	ProviderGitea     = "gitea"
)

// RepoHost extracts the host from an HTTPS or SSH repo URL. Returns "" when
// the URL is unparsable.
func RepoHost(repoURL string) string {
	if repoURL == "" {
		return ""
	}
	// scp-like SSH form: git@host:owner/repo.git
	if strings.HasPrefix(repoURL, "git@") {
		rest := strings.TrimPrefix(repoURL, "git@")
		if i := strings.IndexByte(rest, ':'); i > 0 {
			return rest[:i]
		}
		return ""
	}
	u, err := url.Parse(repoURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// Detect maps a repo URL to a provider by exact host equality. Look-alike
// hosts never match. An empty or unknown URL returns "".
func Detect(repoURL, giteaBaseURL string) string {
	host := RepoHost(repoURL)
	if host == "" {
		return ""
	}
	switch host {
	case "github.com":
		return ProviderGitHub
	case "gitlab.com":
		return ProviderGitLab
	case "bitbucket.org":
		return ProviderBitbucket
	}
	if giteaBaseURL != "" {
		if gu, err := url.Parse(giteaBaseURL); err == nil && gu.Hostname() == host {
			return ProviderGitea
		}
	}
	return ""
}

// RepoPath extracts the "owner/repo" path from a repo URL, without the .git
// suffix. GitLab subgroups keep their full path.
func RepoPath(repoURL string) string {
	var p string
	if strings.HasPrefix(repoURL, "git@") {
		rest := strings.TrimPrefix(repoURL, "git@")
		if i := strings.IndexByte(rest, ':'); i >= 0 {
			p = rest[i+1:]
		}
	} else if u, err := url.Parse(repoURL); err == nil {
		p = u.Path
	}
	p = strings.Trim(p, "/")
	return strings.TrimSuffix(p, ".git")
}
