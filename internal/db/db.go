// Package db is the SQLite implementation of store.Store. One connection,
// WAL mode, conditional updates expressed as guarded UPDATEs whose
// RowsAffected carry the single-winner semantics the engine relies on.
package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/chengis/chengis/internal/store"
)

// DB wraps the SQLite database connection.
type DB struct {
	conn *sql.DB
	path string
}

var _ store.Store = (*DB)(nil)

// DefaultDBPath returns ~/.chengis/chengis.db, creating the directory if
// needed.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	dir := filepath.Join(home, ".chengis")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create directory %s: %w", dir, err)
	}
	return filepath.Join(dir, "chengis.db"), nil
}

// Open opens or creates the database at the given path.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	return &DB{conn: conn, path: path}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Conn returns the underlying *sql.DB for advanced queries.
func (d *DB) Conn() *sql.DB {
	return d.conn
}

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS jobs (
    id              TEXT PRIMARY KEY,
    org_id          TEXT NOT NULL,
    name            TEXT NOT NULL,
    pipeline_source TEXT NOT NULL DEFAULT '',
    triggers        TEXT NOT NULL DEFAULT '[]',
    dependencies    TEXT NOT NULL DEFAULT '[]',
    trigger_on      TEXT NOT NULL DEFAULT '',
    repo_url        TEXT NOT NULL DEFAULT '',
    auto_merge      BOOLEAN NOT NULL DEFAULT FALSE,
    merge_method    TEXT NOT NULL DEFAULT '',
    delete_branch   BOOLEAN NOT NULL DEFAULT FALSE,
    created_at      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_jobs_org ON jobs(org_id);

CREATE TABLE IF NOT EXISTS builds (
    id               TEXT PRIMARY KEY,
    org_id           TEXT NOT NULL,
    job_id           TEXT NOT NULL,
    build_number     INTEGER NOT NULL,
    status           TEXT NOT NULL,
    trigger_type     TEXT NOT NULL DEFAULT '',
    git_branch       TEXT NOT NULL DEFAULT '',
    git_commit       TEXT NOT NULL DEFAULT '',
    git_commit_short TEXT NOT NULL DEFAULT '',
    git_author       TEXT NOT NULL DEFAULT '',
    git_message      TEXT NOT NULL DEFAULT '',
    pr_number        INTEGER NOT NULL DEFAULT 0,
    mr_number        INTEGER NOT NULL DEFAULT 0,
    parameters       TEXT NOT NULL DEFAULT '{}',
    started_at       TEXT NOT NULL DEFAULT '',
    completed_at     TEXT NOT NULL DEFAULT '',
    created_at       TEXT NOT NULL DEFAULT '',
    UNIQUE(job_id, build_number)
);
CREATE INDEX IF NOT EXISTS idx_builds_job ON builds(org_id, job_id);

CREATE TABLE IF NOT EXISTS stages (
    id           TEXT PRIMARY KEY,
    build_id     TEXT NOT NULL,
    stage_name   TEXT NOT NULL,
    status       TEXT NOT NULL,
    depends_on   TEXT NOT NULL DEFAULT '[]',
    matrix       TEXT NOT NULL DEFAULT '{}',
    started_at   TEXT NOT NULL DEFAULT '',
    completed_at TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_stages_build ON stages(build_id);

CREATE TABLE IF NOT EXISTS steps (
    id               TEXT PRIMARY KEY,
    build_id         TEXT NOT NULL,
    stage_name       TEXT NOT NULL,
    step_name        TEXT NOT NULL,
    status           TEXT NOT NULL,
    exit_code        INTEGER NOT NULL DEFAULT 0,
    stdout_truncated BOOLEAN NOT NULL DEFAULT FALSE,
    stderr_truncated BOOLEAN NOT NULL DEFAULT FALSE,
    started_at       TEXT NOT NULL DEFAULT '',
    completed_at     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_steps_build ON steps(build_id);

CREATE TABLE IF NOT EXISTS build_logs (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    build_id  TEXT NOT NULL,
    timestamp TEXT NOT NULL DEFAULT '',
    level     TEXT NOT NULL DEFAULT 'info',
    source    TEXT NOT NULL DEFAULT '',
    message   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_logs_build ON build_logs(build_id);

CREATE TABLE IF NOT EXISTS build_events (
    id         TEXT PRIMARY KEY,
    build_id   TEXT NOT NULL,
    event_type TEXT NOT NULL,
    stage_name TEXT NOT NULL DEFAULT '',
    step_name  TEXT NOT NULL DEFAULT '',
    data       TEXT NOT NULL DEFAULT '{}',
    created_at TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_events_build ON build_events(build_id, id);

CREATE TABLE IF NOT EXISTS approval_gates (
    id              TEXT PRIMARY KEY,
    build_id        TEXT NOT NULL,
    stage_name      TEXT NOT NULL,
    status          TEXT NOT NULL,
    required_role   TEXT NOT NULL DEFAULT '',
    message         TEXT NOT NULL DEFAULT '',
    timeout_minutes INTEGER NOT NULL DEFAULT 0,
    min_approvals   INTEGER NOT NULL DEFAULT 1,
    approver_group  TEXT NOT NULL DEFAULT '[]',
    approved_by     TEXT NOT NULL DEFAULT '',
    approved_at     TEXT NOT NULL DEFAULT '',
    rejected_by     TEXT NOT NULL DEFAULT '',
    rejected_at     TEXT NOT NULL DEFAULT '',
    created_at      TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS audit_log (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id       TEXT NOT NULL DEFAULT '',
    username      TEXT NOT NULL DEFAULT '',
    action        TEXT NOT NULL,
    resource_type TEXT NOT NULL DEFAULT '',
    resource_id   TEXT NOT NULL DEFAULT '',
    detail        TEXT NOT NULL DEFAULT '',
    ip_address    TEXT NOT NULL DEFAULT '',
    timestamp     TEXT NOT NULL DEFAULT '',
    prev_hash     TEXT NOT NULL DEFAULT '',
    hash          TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS cache_entries (
    job_id       TEXT NOT NULL,
    resolved_key TEXT NOT NULL,
    path         TEXT NOT NULL,
    created_at   TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (job_id, resolved_key)
);

CREATE TABLE IF NOT EXISTS stage_cache (
    job_id      TEXT NOT NULL,
    fingerprint TEXT NOT NULL,
    stage_name  TEXT NOT NULL,
    build_id    TEXT NOT NULL,
    status      TEXT NOT NULL,
    created_at  TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (job_id, fingerprint)
);

CREATE TABLE IF NOT EXISTS policies (
    id       TEXT PRIMARY KEY,
    org_id   TEXT NOT NULL,
    type     TEXT NOT NULL,
    priority INTEGER NOT NULL DEFAULT 0,
    enabled  BOOLEAN NOT NULL DEFAULT TRUE,
    config   TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_policies_org ON policies(org_id, priority);

CREATE TABLE IF NOT EXISTS policy_evaluations (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    build_id   TEXT NOT NULL,
    stage_name TEXT NOT NULL DEFAULT '',
    policy_id  TEXT NOT NULL,
    decision   TEXT NOT NULL,
    reason     TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS schedules (
    id          TEXT PRIMARY KEY,
    org_id      TEXT NOT NULL,
    job_id      TEXT NOT NULL,
    expr        TEXT NOT NULL,
    timezone    TEXT NOT NULL DEFAULT 'UTC',
    enabled     BOOLEAN NOT NULL DEFAULT TRUE,
    next_run_at TEXT NOT NULL DEFAULT '',
    last_tick   TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS status_checks (
    job_id   TEXT NOT NULL,
    build_id TEXT NOT NULL,
    name     TEXT NOT NULL,
    required BOOLEAN NOT NULL DEFAULT FALSE,
    status   TEXT NOT NULL DEFAULT 'pending'
);
CREATE INDEX IF NOT EXISTS idx_checks_build ON status_checks(job_id, build_id);

CREATE TABLE IF NOT EXISTS webhooks (
    id          TEXT PRIMARY KEY,
    org_id      TEXT NOT NULL,
    provider    TEXT NOT NULL,
    event_type  TEXT NOT NULL DEFAULT '',
    headers     TEXT NOT NULL DEFAULT '{}',
    body        BLOB,
    received_at TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS signatures (
    id            TEXT PRIMARY KEY,
    build_id      TEXT NOT NULL,
    artifact      TEXT NOT NULL,
    signer        TEXT NOT NULL DEFAULT '',
    key_reference TEXT NOT NULL DEFAULT '',
    value         TEXT NOT NULL DEFAULT '',
    target_digest TEXT NOT NULL DEFAULT '',
    verified      BOOLEAN NOT NULL DEFAULT FALSE,
    created_at    TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS attestations (
    id           TEXT PRIMARY KEY,
    build_id     TEXT NOT NULL,
    envelope     TEXT NOT NULL,
    predicate    TEXT NOT NULL DEFAULT '',
    subject_json TEXT NOT NULL DEFAULT '',
    repo_url     TEXT NOT NULL DEFAULT '',
    branch       TEXT NOT NULL DEFAULT '',
    commit_sha   TEXT NOT NULL DEFAULT '',
    created_at   TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS sboms (
    id              TEXT PRIMARY KEY,
    build_id        TEXT NOT NULL UNIQUE,
    format          TEXT NOT NULL DEFAULT '',
    version         TEXT NOT NULL DEFAULT '',
    component_count INTEGER NOT NULL DEFAULT 0,
    content_hash    TEXT NOT NULL DEFAULT '',
    tool_name       TEXT NOT NULL DEFAULT '',
    tool_version    TEXT NOT NULL DEFAULT '',
    content         TEXT NOT NULL DEFAULT '',
    created_at      TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS license_reports (
    id         TEXT PRIMARY KEY,
    build_id   TEXT NOT NULL,
    allowed    INTEGER NOT NULL DEFAULT 0,
    denied     INTEGER NOT NULL DEFAULT 0,
    unknown    INTEGER NOT NULL DEFAULT 0,
    passed     BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS environments (
    id                TEXT PRIMARY KEY,
    org_id            TEXT NOT NULL,
    name              TEXT NOT NULL,
    env_order         INTEGER NOT NULL DEFAULT 0,
    requires_approval BOOLEAN NOT NULL DEFAULT FALSE,
    auto_promote      BOOLEAN NOT NULL DEFAULT FALSE,
    locked_by         TEXT NOT NULL DEFAULT '',
    locked_at         TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS deployments (
    id             TEXT PRIMARY KEY,
    org_id         TEXT NOT NULL,
    build_id       TEXT NOT NULL,
    environment_id TEXT NOT NULL,
    strategy       TEXT NOT NULL,
    status         TEXT NOT NULL,
    rollback       BOOLEAN NOT NULL DEFAULT FALSE,
    created_at     TEXT NOT NULL DEFAULT '',
    completed_at   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_deployments_env ON deployments(environment_id);

CREATE TABLE IF NOT EXISTS deployment_steps (
    id            TEXT PRIMARY KEY,
    deployment_id TEXT NOT NULL,
    name          TEXT NOT NULL,
    step_order    INTEGER NOT NULL,
    status        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS promotions (
    id         TEXT PRIMARY KEY,
    org_id     TEXT NOT NULL,
    build_id   TEXT NOT NULL,
    from_env   TEXT NOT NULL,
    to_env     TEXT NOT NULL,
    status     TEXT NOT NULL,
    created_at TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS environment_artifacts (
    environment_id TEXT NOT NULL,
    build_id       TEXT NOT NULL,
    name           TEXT NOT NULL,
    placed_at      TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS iac_states (
    project_id     TEXT NOT NULL,
    workspace_name TEXT NOT NULL,
    version        INTEGER NOT NULL,
    content        TEXT NOT NULL,
    hash           TEXT NOT NULL,
    size           INTEGER NOT NULL DEFAULT 0,
    created_by     TEXT NOT NULL DEFAULT '',
    created_at     TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (project_id, workspace_name, version)
);

CREATE TABLE IF NOT EXISTS iac_locks (
    project_id TEXT PRIMARY KEY,
    locked_by  TEXT NOT NULL,
    locked_at  TEXT NOT NULL DEFAULT ''
);
`

// Migrate applies the database schema.
func (d *DB) Migrate() error {
	var count int
	err := d.conn.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = 1").Scan(&count)
	if err == nil && count > 0 {
		return nil
	}

	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(schemaV1); err != nil {
		return fmt.Errorf("apply schema v1: %w", err)
	}
	if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (1)"); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// Reset drops all tables and re-applies the schema.
func (d *DB) Reset() error {
	tables := []string{
		"iac_locks", "iac_states", "environment_artifacts", "promotions",
		"deployment_steps", "deployments", "environments", "license_reports",
		"sboms", "attestations", "signatures", "webhooks", "status_checks",
		"schedules", "policy_evaluations", "policies", "stage_cache",
		"cache_entries", "audit_log", "approval_gates", "build_events",
		"build_logs", "steps", "stages", "builds", "jobs", "schema_version",
	}
	for _, t := range tables {
		if _, err := d.conn.Exec("DROP TABLE IF EXISTS " + t); err != nil {
			return fmt.Errorf("drop table %s: %w", t, err)
		}
	}
	return d.Migrate()
}

// --- Helpers ---

// timeFormat is fixed-width so stored timestamps sort lexicographically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

func tstr(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeFormat)
}

func tparse(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}
		}
	}
	return t
}

func jenc(v any) string {
	if v == nil {
		return "null"
	}
	out, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(out)
}

func jdecStrings(s string) []string {
	var out []string
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

func jdecMap(s string) map[string]string {
	var out map[string]string
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

func jdecAny(s string) map[string]any {
	var out map[string]any
	_ = json.Unmarshal([]byte(s), &out)
	return out
}
