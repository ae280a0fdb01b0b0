package scm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/chengis/chengis/internal/plugin"
	"github.com/chengis/chengis/internal/store"
)

func TestGitHubReporter_PostsStatus(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	rep := NewGitHubReporter(srv.URL, "tok")
	err := rep.ReportStatus(context.Background(), "https://github.com/o/r.git", "abc123", "success", "build ok")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if gotPath != "/repos/o/r/statuses/abc123" {
		t.Errorf("path: %s", gotPath)
	}
	if gotBody["state"] != "success" || gotBody["context"] != statusContext {
		t.Errorf("body: %v", gotBody)
	}
}

func TestGitLabReporter_TranslatesErrorState(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	rep := NewGitLabReporter(srv.URL, "tok")
	if err := rep.ReportStatus(context.Background(), "https://gitlab.com/g/p", "abc", "error", "aborted"); err != nil {
		t.Fatalf("report: %v", err)
	}
	if gotBody["state"] != "failed" {
		t.Errorf("gitlab state: %v", gotBody["state"])
	}
}

func TestReporter_SkipRules(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	reg := plugin.NewRegistry()
	reg.RegisterStatusReporter(ProviderGitHub, NewGitHubReporter(srv.URL, ""))
	rep := NewReporter(reg, "")

	job := &store.Job{RepoURL: "https://github.com/o/r"}
	build := &store.Build{Status: store.StatusSuccess, GitCommit: "abc"}

	// No commit.
	rep.Report(context.Background(), job, &store.Build{Status: store.StatusSuccess}, "d")
	// No repo URL.
	rep.Report(context.Background(), &store.Job{}, build, "d")
	// Unregistered provider.
	rep.Report(context.Background(), &store.Job{RepoURL: "https://gitlab.com/g/p"}, build, "d")
	if calls != 0 {
		t.Fatalf("expected all skipped, got %d calls", calls)
	}

	rep.Report(context.Background(), job, build, "d")
	if calls != 1 {
		t.Errorf("expected one report, got %d", calls)
	}
}

func TestBitbucketReporter_StateMapping(t *testing.T) {
	var gotBody map[string]any
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	rep := NewBitbucketReporter(srv.URL, "user", "pass")
	if err := rep.ReportStatus(context.Background(), "https://bitbucket.org/ws/r", "abc", "error", "aborted"); err != nil {
		t.Fatalf("report: %v", err)
	}
	if gotBody["state"] != "STOPPED" {
		t.Errorf("bitbucket state: %v", gotBody["state"])
	}
	if !strings.Contains(gotPath, "/commit/abc/statuses/build") {
		t.Errorf("path: %s", gotPath)
	}
}
