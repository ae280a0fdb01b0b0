package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/chengis/chengis/internal/store"
)

// --- Approval gates ---

func (d *DB) CreateGate(gate *store.ApprovalGate) error {
	_, err := d.conn.Exec(
		`INSERT INTO approval_gates (id, build_id, stage_name, status, required_role, message, timeout_minutes, min_approvals, approver_group, approved_by, approved_at, rejected_by, rejected_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		gate.ID, gate.BuildID, gate.StageName, gate.Status, gate.RequiredRole, gate.Message,
		gate.TimeoutMinutes, gate.MinApprovals, jenc(gate.ApproverGroup),
		gate.ApprovedBy, tstr(gate.ApprovedAt), gate.RejectedBy, tstr(gate.RejectedAt), tstr(gate.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("create gate: %w", err)
	}
	return nil
}

func (d *DB) GetGate(gateID string) (*store.ApprovalGate, error) {
	row := d.conn.QueryRow(
		`SELECT id, build_id, stage_name, status, required_role, message, timeout_minutes, min_approvals, approver_group, approved_by, approved_at, rejected_by, rejected_at, created_at
		 FROM approval_gates WHERE id = ?`,
		gateID,
	)
	var g store.ApprovalGate
	var group, approvedAt, rejectedAt, createdAt string
	err := row.Scan(&g.ID, &g.BuildID, &g.StageName, &g.Status, &g.RequiredRole, &g.Message,
		&g.TimeoutMinutes, &g.MinApprovals, &group, &g.ApprovedBy, &approvedAt,
		&g.RejectedBy, &rejectedAt, &createdAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get gate: %w", err)
	}
	g.ApproverGroup = jdecStrings(group)
	g.ApprovedAt = tparse(approvedAt)
	g.RejectedAt = tparse(rejectedAt)
	g.CreatedAt = tparse(createdAt)
	return &g, nil
}

// ResolveGate performs the single-winner transition: the UPDATE only matches
// while the gate is still pending, so exactly one concurrent caller sees 1.
func (d *DB) ResolveGate(gateID, status, user string, at time.Time) (int, error) {
	var res sql.Result
	var err error
	switch status {
	case store.GateApproved:
		res, err = d.conn.Exec(
			`UPDATE approval_gates SET status = ?, approved_by = ?, approved_at = ? WHERE id = ? AND status = ?`,
			status, user, tstr(at), gateID, store.GatePending,
		)
	case store.GateRejected:
		res, err = d.conn.Exec(
			`UPDATE approval_gates SET status = ?, rejected_by = ?, rejected_at = ? WHERE id = ? AND status = ?`,
			status, user, tstr(at), gateID, store.GatePending,
		)
	default:
		res, err = d.conn.Exec(
			`UPDATE approval_gates SET status = ? WHERE id = ? AND status = ?`,
			status, gateID, store.GatePending,
		)
	}
	if err != nil {
		return 0, fmt.Errorf("resolve gate: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return int(n), nil
}

// --- Audit ---

func (d *DB) AppendAudit(entry *store.AuditEntry) (int64, error) {
	var res sql.Result
	var err error
	if entry.ID > 0 {
		res, err = d.conn.Exec(
			`INSERT INTO audit_log (id, user_id, username, action, resource_type, resource_id, detail, ip_address, timestamp, prev_hash, hash)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			entry.ID, entry.UserID, entry.Username, entry.Action, entry.ResourceType, entry.ResourceID,
			entry.Detail, entry.IPAddress, tstr(entry.Timestamp), entry.PrevHash, entry.Hash,
		)
	} else {
		res, err = d.conn.Exec(
			`INSERT INTO audit_log (user_id, username, action, resource_type, resource_id, detail, ip_address, timestamp, prev_hash, hash)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			entry.UserID, entry.Username, entry.Action, entry.ResourceType, entry.ResourceID,
			entry.Detail, entry.IPAddress, tstr(entry.Timestamp), entry.PrevHash, entry.Hash,
		)
	}
	if err != nil {
		return 0, fmt.Errorf("append audit: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("audit insert id: %w", err)
	}
	entry.ID = id
	return id, nil
}

const auditCols = `id, user_id, username, action, resource_type, resource_id, detail, ip_address, timestamp, prev_hash, hash`

func scanAudit(row interface{ Scan(...any) error }) (*store.AuditEntry, error) {
	var e store.AuditEntry
	var ts string
	err := row.Scan(&e.ID, &e.UserID, &e.Username, &e.Action, &e.ResourceType, &e.ResourceID,
		&e.Detail, &e.IPAddress, &ts, &e.PrevHash, &e.Hash)
	if err != nil {
		return nil, err
	}
	e.Timestamp = tparse(ts)
	return &e, nil
}

func (d *DB) LastAudit() (*store.AuditEntry, error) {
	row := d.conn.QueryRow(`SELECT ` + auditCols + ` FROM audit_log ORDER BY id DESC LIMIT 1`)
	e, err := scanAudit(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last audit: %w", err)
	}
	return e, nil
}

func (d *DB) ListAudit() ([]store.AuditEntry, error) {
	rows, err := d.conn.Query(`SELECT ` + auditCols + ` FROM audit_log ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var entries []store.AuditEntry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// --- Caches ---

func (d *DB) SaveCacheEntry(entry *store.CacheEntry) error {
	_, err := d.conn.Exec(
		`INSERT OR IGNORE INTO cache_entries (job_id, resolved_key, path, created_at) VALUES (?, ?, ?, ?)`,
		entry.JobID, entry.ResolvedKey, entry.Path, tstr(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("save cache entry: %w", err)
	}
	return nil
}

func (d *DB) GetCacheEntry(jobID, resolvedKey string) (*store.CacheEntry, error) {
	row := d.conn.QueryRow(
		`SELECT job_id, resolved_key, path, created_at FROM cache_entries WHERE job_id = ? AND resolved_key = ?`,
		jobID, resolvedKey,
	)
	var e store.CacheEntry
	var createdAt string
	err := row.Scan(&e.JobID, &e.ResolvedKey, &e.Path, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cache entry: %w", err)
	}
	e.CreatedAt = tparse(createdAt)
	return &e, nil
}

func (d *DB) SaveStageCache(rec *store.StageCacheRecord) error {
	_, err := d.conn.Exec(
		`INSERT OR IGNORE INTO stage_cache (job_id, fingerprint, stage_name, build_id, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.JobID, rec.Fingerprint, rec.StageName, rec.BuildID, rec.Status, tstr(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("save stage cache: %w", err)
	}
	return nil
}

func (d *DB) GetStageCache(jobID, fingerprint string) (*store.StageCacheRecord, error) {
	row := d.conn.QueryRow(
		`SELECT job_id, fingerprint, stage_name, build_id, status, created_at
		 FROM stage_cache WHERE job_id = ? AND fingerprint = ?`,
		jobID, fingerprint,
	)
	var r store.StageCacheRecord
	var createdAt string
	err := row.Scan(&r.JobID, &r.Fingerprint, &r.StageName, &r.BuildID, &r.Status, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get stage cache: %w", err)
	}
	r.CreatedAt = tparse(createdAt)
	return &r, nil
}

// --- Policies ---

func (d *DB) ListPolicies(orgID string) ([]store.PolicyRule, error) {
	rows, err := d.conn.Query(
		`SELECT id, org_id, type, priority, enabled, config FROM policies WHERE org_id = ? ORDER BY priority, id`,
		orgID,
	)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()

	var policies []store.PolicyRule
	for rows.Next() {
		var p store.PolicyRule
		var config string
		if err := rows.Scan(&p.ID, &p.OrgID, &p.Type, &p.Priority, &p.Enabled, &config); err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		p.Config = jdecAny(config)
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

func (d *DB) RecordPolicyEvaluation(eval *store.PolicyEvaluation) error {
	_, err := d.conn.Exec(
		`INSERT INTO policy_evaluations (build_id, stage_name, policy_id, decision, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		eval.BuildID, eval.StageName, eval.PolicyID, eval.Decision, eval.Reason, tstr(eval.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("record policy evaluation: %w", err)
	}
	return nil
}

// --- Schedules ---

func (d *DB) ListDueSchedules(orgID string, now time.Time) ([]store.Schedule, error) {
	rows, err := d.conn.Query(
		`SELECT id, org_id, job_id, expr, timezone, enabled, next_run_at, last_tick
		 FROM schedules
		 WHERE org_id = ? AND enabled = TRUE AND next_run_at != '' AND next_run_at <= ?
		 ORDER BY next_run_at`,
		orgID, tstr(now),
	)
	if err != nil {
		return nil, fmt.Errorf("list due schedules: %w", err)
	}
	defer rows.Close()

	var schedules []store.Schedule
	for rows.Next() {
		var s store.Schedule
		var nextRun, lastTick string
		if err := rows.Scan(&s.ID, &s.OrgID, &s.JobID, &s.Expr, &s.Timezone, &s.Enabled, &nextRun, &lastTick); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		s.NextRunAt = tparse(nextRun)
		s.LastTick = tparse(lastTick)
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

// MarkScheduleTick consumes one (schedule, tick) pair: the guarded UPDATE
// matches only when this tick was not consumed yet.
func (d *DB) MarkScheduleTick(scheduleID string, tick, nextRun time.Time) (int, error) {
	res, err := d.conn.Exec(
		`UPDATE schedules SET last_tick = ?, next_run_at = ? WHERE id = ? AND last_tick != ?`,
		tstr(tick), tstr(nextRun), scheduleID, tstr(tick),
	)
	if err != nil {
		return 0, fmt.Errorf("mark schedule tick: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return int(n), nil
}

// --- SCM ---

// ListStatusChecks returns the checks that apply to a build: rows scoped to
// that build plus job-level rows, which carry an empty build_id.
func (d *DB) ListStatusChecks(jobID, buildID string) ([]store.StatusCheck, error) {
	rows, err := d.conn.Query(
		`SELECT job_id, build_id, name, required, status FROM status_checks WHERE job_id = ? AND (build_id = '' OR build_id = ?) ORDER BY name`,
		jobID, buildID,
	)
	if err != nil {
		return nil, fmt.Errorf("list status checks: %w", err)
	}
	defer rows.Close()

	var checks []store.StatusCheck
	for rows.Next() {
		var c store.StatusCheck
		if err := rows.Scan(&c.JobID, &c.BuildID, &c.Name, &c.Required, &c.Status); err != nil {
			return nil, fmt.Errorf("scan status check: %w", err)
		}
		checks = append(checks, c)
	}
	return checks, rows.Err()
}

func (d *DB) SaveWebhook(rec *store.WebhookRecord) error {
	_, err := d.conn.Exec(
		`INSERT INTO webhooks (id, org_id, provider, event_type, headers, body, received_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.OrgID, rec.Provider, rec.EventType, jenc(rec.Headers), rec.Body, tstr(rec.ReceivedAt),
	)
	if err != nil {
		return fmt.Errorf("save webhook: %w", err)
	}
	return nil
}

func (d *DB) GetWebhook(id string) (*store.WebhookRecord, error) {
	row := d.conn.QueryRow(
		`SELECT id, org_id, provider, event_type, headers, body, received_at FROM webhooks WHERE id = ?`,
		id,
	)
	var w store.WebhookRecord
	var headers, receivedAt string
	err := row.Scan(&w.ID, &w.OrgID, &w.Provider, &w.EventType, &headers, &w.Body, &receivedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook: %w", err)
	}
	w.Headers = jdecMap(headers)
	w.ReceivedAt = tparse(receivedAt)
	return &w, nil
}
