package scm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/chengis/chengis/internal/store"
)

func TestDetect_HostEquality(t *testing.T) {
	cases := []struct {
		url  string
		want string
	}{
		{"https://github.com/org/repo.git", ProviderGitHub},
		{"git@github.com:org/repo.git", ProviderGitHub},
		{"https://gitlab.com/group/sub/project", ProviderGitLab},
		{"git@bitbucket.org:ws/repo.git", ProviderBitbucket},
		{"https://evil-github.com/org/repo", ""},
		{"https://github.com.evil.io/org/repo", ""},
		{"", ""},
		{"not a url", ""},
	}
	for _, tc := range cases {
		if got := Detect(tc.url, ""); got != tc.want {
			t.Errorf("Detect(%q) = %q, want %q", tc.url, got, tc.want)
		}
	}
}

func TestDetect_GiteaByConfiguredBase(t *testing.T) {
	if got := Detect("https://git.internal.example/org/repo", "https://git.internal.example"); got != ProviderGitea {
		t.Errorf("configured gitea host should detect, got %q", got)
	}
	if got := Detect("https://git.other.example/org/repo", "https://git.internal.example"); got != "" {
		t.Errorf("other host should not detect as gitea, got %q", got)
	}
}

func TestRepoPath(t *testing.T) {
	cases := []struct{ url, want string }{
		{"https://github.com/org/repo.git", "org/repo"},
		{"git@gitlab.com:group/sub/project.git", "group/sub/project"},
		{"https://bitbucket.org/ws/repo/", "ws/repo"},
	}
	for _, tc := range cases {
		if got := RepoPath(tc.url); got != tc.want {
			t.Errorf("RepoPath(%q) = %q, want %q", tc.url, got, tc.want)
		}
	}
}

func TestMapStatus_Total(t *testing.T) {
	cases := map[string]string{
		store.StatusSuccess:         "success",
		store.StatusFailure:         "failure",
		store.StatusAborted:         "error",
		store.StatusRunning:         "pending",
		store.StatusQueued:          "pending",
		store.StatusWaitingApproval: "pending",
		"anything-else":             "pending",
	}
	for in, want := range cases {
		if got := MapStatus(in); got != want {
			t.Errorf("MapStatus(%q) = %q, want %q", in, got, want)
		}
	}
}

func mergeFixture(repoURL, method string) (*store.Job, *store.Build) {
	job := &store.Job{
		ID: "j1", OrgID: "org1", RepoURL: repoURL,
		AutoMerge: true, MergeMethod: method, DeleteBranch: true,
	}
	build := &store.Build{ID: "b1", JobID: "j1", Status: store.StatusSuccess, MRNumber: 7, GitBranch: "feature/x"}
	return job, build
}

func TestMerge_GitLabSquash(t *testing.T) {
	var gotMethod, gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st := store.NewMemory()
	st.SeedStatusChecks("j1", []store.StatusCheck{
		{JobID: "j1", BuildID: "b1", Name: "ci", Required: true, Status: store.StatusSuccess},
	})
	m := NewAutoMerger(st, MergeConfig{GitLabAPI: srv.URL}, true)

	job, build := mergeFixture("https://gitlab.com/g/p", "squash")
	res, err := m.Merge(context.Background(), job, build)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if res != MergeMerged {
		t.Fatalf("expected merged, got %s", res)
	}
	if gotMethod != http.MethodPut || !strings.HasSuffix(gotPath, "/merge_requests/7/merge") {
		t.Errorf("unexpected request %s %s", gotMethod, gotPath)
	}
	if gotBody["squash"] != true || gotBody["should_remove_source_branch"] != true {
		t.Errorf("unexpected body: %v", gotBody)
	}
}

func TestMerge_HTTPBoundary(t *testing.T) {
	for _, status := range []int{299, 300} {
		status := status
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))

		st := store.NewMemory()
		m := NewAutoMerger(st, MergeConfig{GitLabAPI: srv.URL}, true)
		job, build := mergeFixture("https://gitlab.com/g/p", "merge")
		job.DeleteBranch = false

		res, err := m.Merge(context.Background(), job, build)
		if err != nil {
			t.Fatalf("status %d: %v", status, err)
		}
		want := MergeMerged
		if status >= 300 {
			want = MergeFailed
		}
		if res != want {
			t.Errorf("status %d: got %s, want %s", status, res, want)
		}
		srv.Close()
	}
}

func TestMerge_NotReadyOnFailedRequiredCheck(t *testing.T) {
	st := store.NewMemory()
	st.SeedStatusChecks("j1", []store.StatusCheck{
		{JobID: "j1", BuildID: "b1", Name: "ci", Required: true, Status: store.StatusFailure},
		{JobID: "j1", BuildID: "b1", Name: "lint", Required: false, Status: store.StatusFailure},
	})
	m := NewAutoMerger(st, MergeConfig{}, true)

	job, build := mergeFixture("https://gitlab.com/g/p", "merge")
	res, err := m.Merge(context.Background(), job, build)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if res != MergeNotReady {
		t.Errorf("expected not-ready, got %s", res)
	}
}

func TestMerge_SkippedCases(t *testing.T) {
	st := store.NewMemory()

	// Feature flag off.
	m := NewAutoMerger(st, MergeConfig{}, false)
	job, build := mergeFixture("https://github.com/o/r", "merge")
	if res, _ := m.Merge(context.Background(), job, build); res != MergeSkipped {
		t.Errorf("flag off: got %s", res)
	}

	// Job opted out.
	m = NewAutoMerger(st, MergeConfig{}, true)
	job.AutoMerge = false
	if res, _ := m.Merge(context.Background(), job, build); res != MergeSkipped {
		t.Errorf("job opt-out: got %s", res)
	}

	// No PR/MR number.
	job.AutoMerge = true
	build.MRNumber = 0
	if res, _ := m.Merge(context.Background(), job, build); res != MergeSkipped {
		t.Errorf("no number: got %s", res)
	}
}

func TestMerge_GitHubDeletesBranchBestEffort(t *testing.T) {
	var merged, deleted bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPut && strings.HasSuffix(r.URL.Path, "/pulls/7/merge"):
			merged = true
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodDelete && strings.Contains(r.URL.Path, "/git/refs/heads/"):
			deleted = true
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	st := store.NewMemory()
	m := NewAutoMerger(st, MergeConfig{GitHubAPI: srv.URL}, true)
	job, build := mergeFixture("https://github.com/o/r", "merge")
	build.MRNumber = 0
	build.PRNumber = 7

	res, err := m.Merge(context.Background(), job, build)
	if err != nil || res != MergeMerged {
		t.Fatalf("merge: %s, %v", res, err)
	}
	if !merged || !deleted {
		t.Errorf("merged=%v deleted=%v", merged, deleted)
	}
}
