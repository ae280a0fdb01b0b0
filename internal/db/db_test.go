package db

import (
	"testing"
	"time"

	"github.com/chengis/chengis/internal/store"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := d.Migrate(); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func t0() time.Time {
	return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
}

func TestMigrate(t *testing.T) {
	d, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close()

	if err := d.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	tables := []string{
		"schema_version", "jobs", "builds", "stages", "steps", "build_logs",
		"build_events", "approval_gates", "audit_log", "cache_entries",
		"stage_cache", "policies", "policy_evaluations", "schedules",
		"status_checks", "webhooks", "signatures", "attestations", "sboms",
		"license_reports", "environments", "deployments", "deployment_steps",
		"promotions", "environment_artifacts", "iac_states", "iac_locks",
	}
	for _, table := range tables {
		var name string
		err := d.conn.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}

	var version int
	if err := d.conn.QueryRow("SELECT version FROM schema_version").Scan(&version); err != nil {
		t.Fatalf("query schema_version: %v", err)
	}
	if version != 1 {
		t.Errorf("expected schema version 1, got %d", version)
	}

	if err := d.Migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestReset(t *testing.T) {
	d := testDB(t)

	if err := d.CreateJob(&store.Job{ID: "j1", OrgID: "o1", Name: "build"}); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := d.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, err := d.GetJob("o1", "j1"); err != store.ErrNotFound {
		t.Errorf("after reset: err = %v, want ErrNotFound", err)
	}
}

func TestBuildNumbersMonotonic(t *testing.T) {
	d := testDB(t)

	if err := d.CreateJob(&store.Job{ID: "j1", OrgID: "o1", Name: "build", Triggers: []string{"push"}}); err != nil {
		t.Fatalf("create job: %v", err)
	}

	for i := 1; i <= 3; i++ {
		b := &store.Build{ID: "b" + string(rune('0'+i)), OrgID: "o1", JobID: "j1", Status: store.StatusQueued, CreatedAt: t0()}
		if err := d.CreateBuild(b); err != nil {
			t.Fatalf("create build %d: %v", i, err)
		}
		if b.BuildNumber != i {
			t.Errorf("build %d: number = %d", i, b.BuildNumber)
		}
	}

	builds, err := d.ListBuilds("o1", "j1")
	if err != nil {
		t.Fatalf("list builds: %v", err)
	}
	if len(builds) != 3 {
		t.Fatalf("got %d builds, want 3", len(builds))
	}
	for i, b := range builds {
		if b.BuildNumber != i+1 {
			t.Errorf("builds[%d].BuildNumber = %d", i, b.BuildNumber)
		}
	}
}

func TestBuildRoundTrip(t *testing.T) {
	d := testDB(t)

	d.CreateJob(&store.Job{ID: "j1", OrgID: "o1", Name: "build"})
	b := &store.Build{
		ID: "b1", OrgID: "o1", JobID: "j1", Status: store.StatusQueued,
		TriggerType: "push", GitBranch: "main", GitCommit: "abcdef1234567890",
		GitCommitShort: "abcdef12", GitAuthor: "dev", GitMessage: "wip",
		Parameters: map[string]string{"env": "staging"},
		CreatedAt:  t0(),
	}
	if err := d.CreateBuild(b); err != nil {
		t.Fatalf("create build: %v", err)
	}

	got, err := d.GetBuild("o1", "b1")
	if err != nil {
		t.Fatalf("get build: %v", err)
	}
	if got.GitCommit != b.GitCommit || got.GitBranch != "main" {
		t.Errorf("git fields: %+v", got)
	}
	if got.Parameters["env"] != "staging" {
		t.Errorf("parameters = %v", got.Parameters)
	}
	if !got.CreatedAt.Equal(t0()) {
		t.Errorf("created_at = %v", got.CreatedAt)
	}

	// Cross-org lookup must miss.
	if _, err := d.GetBuild("o2", "b1"); err != store.ErrNotFound {
		t.Errorf("cross-org: err = %v, want ErrNotFound", err)
	}

	status := store.StatusRunning
	started := t0().Add(time.Minute)
	if err := d.UpdateBuild("o1", "b1", store.BuildUpdate{Status: &status, StartedAt: &started}); err != nil {
		t.Fatalf("update build: %v", err)
	}
	got, _ = d.GetBuild("o1", "b1")
	if got.Status != store.StatusRunning || !got.StartedAt.Equal(started) {
		t.Errorf("after update: status=%s started=%v", got.Status, got.StartedAt)
	}

	if err := d.UpdateBuild("o1", "missing", store.BuildUpdate{Status: &status}); err != store.ErrNotFound {
		t.Errorf("update missing: err = %v, want ErrNotFound", err)
	}
}

func TestFindActiveBuild(t *testing.T) {
	d := testDB(t)

	d.CreateJob(&store.Job{ID: "j1", OrgID: "o1", Name: "build"})
	d.CreateBuild(&store.Build{ID: "b1", OrgID: "o1", JobID: "j1", Status: store.StatusSuccess, GitCommit: "c1", CreatedAt: t0()})
	d.CreateBuild(&store.Build{ID: "b2", OrgID: "o1", JobID: "j1", Status: store.StatusRunning, GitCommit: "c1", CreatedAt: t0()})

	active, err := d.FindActiveBuild("o1", "j1", "c1")
	if err != nil {
		t.Fatalf("find active: %v", err)
	}
	if active == nil || active.ID != "b2" {
		t.Errorf("active = %+v, want b2", active)
	}

	none, err := d.FindActiveBuild("o1", "j1", "c2")
	if err != nil {
		t.Fatalf("find active miss: %v", err)
	}
	if none != nil {
		t.Errorf("expected nil for unknown commit, got %+v", none)
	}
}

func TestDeleteBuildsBefore(t *testing.T) {
	d := testDB(t)

	d.CreateJob(&store.Job{ID: "j1", OrgID: "o1", Name: "build"})
	old := t0().Add(-48 * time.Hour)
	d.CreateBuild(&store.Build{ID: "b-old", OrgID: "o1", JobID: "j1", Status: store.StatusSuccess, CreatedAt: old})
	d.CreateBuild(&store.Build{ID: "b-old-running", OrgID: "o1", JobID: "j1", Status: store.StatusRunning, CreatedAt: old})
	d.CreateBuild(&store.Build{ID: "b-fresh", OrgID: "o1", JobID: "j1", Status: store.StatusFailure, CreatedAt: t0()})

	d.AppendStage(&store.Stage{ID: "s1", BuildID: "b-old", StageName: "build", Status: store.StatusSuccess})
	d.AppendLog(&store.BuildLog{BuildID: "b-old", Message: "done"})

	n, err := d.DeleteBuildsBefore(t0().Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("delete builds: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d, want 1", n)
	}

	if _, err := d.GetBuild("o1", "b-old"); err != store.ErrNotFound {
		t.Error("terminal old build survived sweep")
	}
	if _, err := d.GetBuild("o1", "b-old-running"); err != nil {
		t.Error("running build should survive sweep")
	}
	if _, err := d.GetBuild("o1", "b-fresh"); err != nil {
		t.Error("fresh build should survive sweep")
	}
	stages, _ := d.ListStages("b-old")
	if len(stages) != 0 {
		t.Errorf("orphan stages left: %d", len(stages))
	}
	logs, _ := d.ListLogs("b-old")
	if len(logs) != 0 {
		t.Errorf("orphan logs left: %d", len(logs))
	}
}

func TestEventOrdering(t *testing.T) {
	d := testDB(t)

	// Time-prefixed IDs sort chronologically.
	for _, id := range []string{"001-queued", "002-started", "003-finished"} {
		if err := d.AppendEvent(&store.BuildEvent{ID: id, BuildID: "b1", EventType: "lifecycle", CreatedAt: t0()}); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}
	events, err := d.ListEvents("b1")
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events", len(events))
	}
	if events[0].ID != "001-queued" || events[2].ID != "003-finished" {
		t.Errorf("order: %s, %s, %s", events[0].ID, events[1].ID, events[2].ID)
	}
}

func TestResolveGate_SingleWinner(t *testing.T) {
	d := testDB(t)

	gate := &store.ApprovalGate{ID: "g1", BuildID: "b1", StageName: "deploy", Status: store.GatePending, MinApprovals: 1, CreatedAt: t0()}
	if err := d.CreateGate(gate); err != nil {
		t.Fatalf("create gate: %v", err)
	}

	n, err := d.ResolveGate("g1", store.GateApproved, "alice", t0())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if n != 1 {
		t.Fatalf("first resolve: n = %d, want 1", n)
	}

	n, err = d.ResolveGate("g1", store.GateRejected, "bob", t0())
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if n != 0 {
		t.Errorf("second resolve: n = %d, want 0", n)
	}

	got, err := d.GetGate("g1")
	if err != nil {
		t.Fatalf("get gate: %v", err)
	}
	if got.Status != store.GateApproved || got.ApprovedBy != "alice" {
		t.Errorf("gate: status=%s approved_by=%s", got.Status, got.ApprovedBy)
	}
}

func TestAuditChain(t *testing.T) {
	d := testDB(t)

	last, err := d.LastAudit()
	if err != nil {
		t.Fatalf("last audit empty: %v", err)
	}
	if last != nil {
		t.Fatal("expected nil for empty log")
	}

	e1 := &store.AuditEntry{ID: 1, Username: "alice", Action: "job.create", Timestamp: t0(), Hash: "h1"}
	if _, err := d.AppendAudit(e1); err != nil {
		t.Fatalf("append: %v", err)
	}
	e2 := &store.AuditEntry{ID: 2, Username: "bob", Action: "build.abort", Timestamp: t0(), PrevHash: "h1", Hash: "h2"}
	if _, err := d.AppendAudit(e2); err != nil {
		t.Fatalf("append: %v", err)
	}

	last, err = d.LastAudit()
	if err != nil {
		t.Fatalf("last audit: %v", err)
	}
	if last.ID != 2 || last.Hash != "h2" {
		t.Errorf("last = %+v", last)
	}

	all, err := d.ListAudit()
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(all) != 2 || all[0].ID != 1 || all[1].PrevHash != "h1" {
		t.Errorf("chain: %+v", all)
	}
}

func TestCacheFirstWriterWins(t *testing.T) {
	d := testDB(t)

	if err := d.SaveCacheEntry(&store.CacheEntry{JobID: "j1", ResolvedKey: "k1", Path: "/cache/a", CreatedAt: t0()}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := d.SaveCacheEntry(&store.CacheEntry{JobID: "j1", ResolvedKey: "k1", Path: "/cache/b", CreatedAt: t0()}); err != nil {
		t.Fatalf("second save: %v", err)
	}
	got, err := d.GetCacheEntry("j1", "k1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Path != "/cache/a" {
		t.Errorf("path = %q, want first writer's", got.Path)
	}

	if err := d.SaveStageCache(&store.StageCacheRecord{JobID: "j1", Fingerprint: "f1", StageName: "build", BuildID: "b1", Status: store.StatusSuccess}); err != nil {
		t.Fatalf("save stage cache: %v", err)
	}
	if err := d.SaveStageCache(&store.StageCacheRecord{JobID: "j1", Fingerprint: "f1", StageName: "build", BuildID: "b2", Status: store.StatusSuccess}); err != nil {
		t.Fatalf("second stage cache: %v", err)
	}
	rec, err := d.GetStageCache("j1", "f1")
	if err != nil {
		t.Fatalf("get stage cache: %v", err)
	}
	if rec.BuildID != "b1" {
		t.Errorf("build_id = %q, want b1", rec.BuildID)
	}

	miss, err := d.GetStageCache("j1", "unknown")
	if err != nil || miss != nil {
		t.Errorf("miss: rec=%v err=%v", miss, err)
	}
}

func TestMarkScheduleTick_SingleConsume(t *testing.T) {
	d := testDB(t)

	due := t0().Add(-time.Minute)
	d.conn.Exec(`INSERT INTO schedules (id, org_id, job_id, expr, enabled, next_run_at) VALUES (?, ?, ?, ?, ?, ?)`,
		"sch1", "o1", "j1", "*/5 * * * *", true, tstr(due))

	schedules, err := d.ListDueSchedules("o1", t0())
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(schedules) != 1 || schedules[0].ID != "sch1" {
		t.Fatalf("due schedules: %+v", schedules)
	}

	next := t0().Add(5 * time.Minute)
	n, err := d.MarkScheduleTick("sch1", due, next)
	if err != nil {
		t.Fatalf("mark tick: %v", err)
	}
	if n != 1 {
		t.Fatalf("first tick: n = %d, want 1", n)
	}

	n, err = d.MarkScheduleTick("sch1", due, next)
	if err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if n != 0 {
		t.Errorf("second tick: n = %d, want 0", n)
	}

	schedules, _ = d.ListDueSchedules("o1", t0())
	if len(schedules) != 0 {
		t.Errorf("schedule still due after tick: %+v", schedules)
	}
}

func TestSBOMRoundTrip(t *testing.T) {
	d := testDB(t)

	if _, err := d.GetSBOM("b1"); err != store.ErrNotFound {
		t.Errorf("miss: err = %v, want ErrNotFound", err)
	}

	s := &store.SBOM{ID: "sb1", BuildID: "b1", Format: "cyclonedx", Version: "1.5", ComponentCount: 12, ContentHash: "abc", Content: "{}", CreatedAt: t0()}
	if err := d.SaveSBOM(s); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := d.GetSBOM("b1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Format != "cyclonedx" || got.ComponentCount != 12 {
		t.Errorf("sbom: %+v", got)
	}
}

func TestEnvironmentLock(t *testing.T) {
	d := testDB(t)

	if err := d.CreateEnvironment(&store.Environment{ID: "e1", OrgID: "o1", Name: "staging", EnvOrder: 1}); err != nil {
		t.Fatalf("create env: %v", err)
	}

	n, err := d.LockEnvironment("e1", "deploy-1", t0())
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if n != 1 {
		t.Fatalf("lock: n = %d, want 1", n)
	}

	// Foreign owner is refused; same owner re-acquires.
	n, _ = d.LockEnvironment("e1", "deploy-2", t0())
	if n != 0 {
		t.Errorf("foreign lock: n = %d, want 0", n)
	}
	n, _ = d.LockEnvironment("e1", "deploy-1", t0())
	if n != 1 {
		t.Errorf("reacquire: n = %d, want 1", n)
	}

	// Non-owner unlock is a no-op.
	if err := d.UnlockEnvironment("e1", "deploy-2"); err != nil {
		t.Fatalf("foreign unlock: %v", err)
	}
	env, _ := d.GetEnvironment("o1", "e1")
	if env.LockedBy != "deploy-1" {
		t.Errorf("locked_by = %q after foreign unlock", env.LockedBy)
	}

	if err := d.UnlockEnvironment("e1", "deploy-1"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	env, _ = d.GetEnvironment("o1", "e1")
	if env.LockedBy != "" {
		t.Errorf("locked_by = %q after unlock", env.LockedBy)
	}

	if _, err := d.LockEnvironment("missing", "x", t0()); err != store.ErrNotFound {
		t.Errorf("lock missing env: err = %v, want ErrNotFound", err)
	}
}

func TestDeploymentLifecycle(t *testing.T) {
	d := testDB(t)

	d.CreateEnvironment(&store.Environment{ID: "e1", OrgID: "o1", Name: "prod", EnvOrder: 2})
	dep := &store.Deployment{ID: "d1", OrgID: "o1", BuildID: "b1", EnvironmentID: "e1", Strategy: "direct", Status: store.DeployRunning, CreatedAt: t0()}
	if err := d.CreateDeployment(dep); err != nil {
		t.Fatalf("create deployment: %v", err)
	}
	d.CreateDeploymentStep(&store.DeploymentStep{ID: "ds1", DeploymentID: "d1", Name: "deploy", StepOrder: 0, Status: store.DeployRunning})
	if err := d.UpdateDeploymentStep("ds1", store.DeploySucceeded); err != nil {
		t.Fatalf("update step: %v", err)
	}

	done := t0().Add(time.Minute)
	if err := d.UpdateDeploymentStatus("d1", store.DeploySucceeded, done); err != nil {
		t.Fatalf("update status: %v", err)
	}

	deploys, err := d.ListDeployments("e1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(deploys) != 1 {
		t.Fatalf("got %d deployments", len(deploys))
	}
	if deploys[0].Status != store.DeploySucceeded || !deploys[0].CompletedAt.Equal(done) {
		t.Errorf("deployment: %+v", deploys[0])
	}
}

func TestIaCStateVersioning(t *testing.T) {
	d := testDB(t)

	latest, err := d.LatestIaCState("proj", "default")
	if err != nil {
		t.Fatalf("latest empty: %v", err)
	}
	if latest != nil {
		t.Fatal("expected nil for no state")
	}

	s1 := &store.IaCState{ProjectID: "proj", WorkspaceName: "default", Content: "v1", Hash: "h1", CreatedAt: t0()}
	if err := d.SaveIaCState(s1); err != nil {
		t.Fatalf("save v1: %v", err)
	}
	if s1.Version != 1 {
		t.Errorf("first version = %d, want 1", s1.Version)
	}
	s2 := &store.IaCState{ProjectID: "proj", WorkspaceName: "default", Content: "v2", Hash: "h2", CreatedAt: t0()}
	if err := d.SaveIaCState(s2); err != nil {
		t.Fatalf("save v2: %v", err)
	}
	if s2.Version != 2 {
		t.Errorf("second version = %d, want 2", s2.Version)
	}

	// Workspaces version independently.
	s3 := &store.IaCState{ProjectID: "proj", WorkspaceName: "staging", Content: "x", Hash: "h3", CreatedAt: t0()}
	d.SaveIaCState(s3)
	if s3.Version != 1 {
		t.Errorf("other workspace version = %d, want 1", s3.Version)
	}

	latest, err = d.LatestIaCState("proj", "default")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.Version != 2 || latest.Content != "v2" {
		t.Errorf("latest: %+v", latest)
	}
}

func TestIaCLock(t *testing.T) {
	d := testDB(t)

	n, err := d.AcquireIaCLock("proj", "alice", t0())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if n != 1 {
		t.Fatalf("acquire: n = %d, want 1", n)
	}

	n, _ = d.AcquireIaCLock("proj", "bob", t0())
	if n != 0 {
		t.Errorf("foreign acquire: n = %d, want 0", n)
	}
	n, _ = d.AcquireIaCLock("proj", "alice", t0().Add(time.Minute))
	if n != 1 {
		t.Errorf("reacquire: n = %d, want 1", n)
	}

	// Non-owner release leaves the lock; force removes it regardless.
	if err := d.ReleaseIaCLock("proj", "bob", false); err != nil {
		t.Fatalf("foreign release: %v", err)
	}
	l, _ := d.GetIaCLock("proj")
	if l == nil || l.LockedBy != "alice" {
		t.Errorf("lock after foreign release: %+v", l)
	}

	if err := d.ReleaseIaCLock("proj", "", true); err != nil {
		t.Fatalf("force release: %v", err)
	}
	l, _ = d.GetIaCLock("proj")
	if l != nil {
		t.Errorf("lock survived force release: %+v", l)
	}
}

func TestListStatusChecks_JobLevelWildcard(t *testing.T) {
	d := testDB(t)

	seed := func(buildID, name string, required bool, status string) {
		d.conn.Exec(`INSERT INTO status_checks (job_id, build_id, name, required, status) VALUES (?, ?, ?, ?, ?)`,
			"j1", buildID, name, required, status)
	}
	// An empty build_id is a job-level requirement applying to every build.
	seed("", "lint", true, "pending")
	seed("b1", "ci", true, "success")
	seed("b2", "ci", true, "failure")

	checks, err := d.ListStatusChecks("j1", "b1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	got := map[string]string{}
	for _, c := range checks {
		got[c.Name] = c.Status
	}
	if len(checks) != 2 {
		t.Fatalf("expected job-level + build-scoped checks, got %+v", checks)
	}
	if got["lint"] != "pending" || got["ci"] != "success" {
		t.Errorf("checks for b1: %v", got)
	}
}

func TestWebhookRoundTrip(t *testing.T) {
	d := testDB(t)

	rec := &store.WebhookRecord{
		ID: "wh1", OrgID: "o1", Provider: "github", EventType: "push",
		Headers:    map[string]string{"X-GitHub-Event": "push"},
		Body:       []byte(`{"ref":"refs/heads/main"}`),
		ReceivedAt: t0(),
	}
	if err := d.SaveWebhook(rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := d.GetWebhook("wh1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Provider != "github" || string(got.Body) != `{"ref":"refs/heads/main"}` {
		t.Errorf("webhook: %+v", got)
	}
	if got.Headers["X-GitHub-Event"] != "push" {
		t.Errorf("headers: %v", got.Headers)
	}

	if _, err := d.GetWebhook("missing"); err != store.ErrNotFound {
		t.Errorf("miss: err = %v, want ErrNotFound", err)
	}
}
