package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/chengis/chengis/internal/store"
)

// --- Provenance ---

func (d *DB) SaveSignature(sig *store.Signature) error {
	_, err := d.conn.Exec(
		`INSERT INTO signatures (id, build_id, artifact, signer, key_reference, value, target_digest, verified, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sig.ID, sig.BuildID, sig.Artifact, sig.Signer, sig.KeyReference, sig.Value,
		sig.TargetDigest, sig.Verified, tstr(sig.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("save signature: %w", err)
	}
	return nil
}

func (d *DB) SaveAttestation(att *store.Attestation) error {
	_, err := d.conn.Exec(
		`INSERT INTO attestations (id, build_id, envelope, predicate, subject_json, repo_url, branch, commit_sha, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		att.ID, att.BuildID, att.Envelope, att.Predicate, att.SubjectJSON,
		att.RepoURL, att.Branch, att.Commit, tstr(att.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("save attestation: %w", err)
	}
	return nil
}

func (d *DB) SaveSBOM(s *store.SBOM) error {
	_, err := d.conn.Exec(
		`INSERT OR REPLACE INTO sboms (id, build_id, format, version, component_count, content_hash, tool_name, tool_version, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.BuildID, s.Format, s.Version, s.ComponentCount, s.ContentHash,
		s.ToolName, s.ToolVersion, s.Content, tstr(s.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("save sbom: %w", err)
	}
	return nil
}

func (d *DB) GetSBOM(buildID string) (*store.SBOM, error) {
	row := d.conn.QueryRow(
		`SELECT id, build_id, format, version, component_count, content_hash, tool_name, tool_version, content, created_at
		 FROM sboms WHERE build_id = ?`,
		buildID,
	)
	var s store.SBOM
	var createdAt string
	err := row.Scan(&s.ID, &s.BuildID, &s.Format, &s.Version, &s.ComponentCount, &s.ContentHash,
		&s.ToolName, &s.ToolVersion, &s.Content, &createdAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sbom: %w", err)
	}
	s.CreatedAt = tparse(createdAt)
	return &s, nil
}

func (d *DB) SaveLicenseReport(rep *store.LicenseReport) error {
	_, err := d.conn.Exec(
		`INSERT INTO license_reports (id, build_id, allowed, denied, unknown, passed, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rep.ID, rep.BuildID, rep.Allowed, rep.Denied, rep.Unknown, rep.Passed, tstr(rep.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("save license report: %w", err)
	}
	return nil
}

// --- Environments and deployments ---

// CreateEnvironment installs a deployment target (seed/admin path).
func (d *DB) CreateEnvironment(e *store.Environment) error {
	_, err := d.conn.Exec(
		`INSERT INTO environments (id, org_id, name, env_order, requires_approval, auto_promote, locked_by, locked_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.OrgID, e.Name, e.EnvOrder, e.RequiresApproval, e.AutoPromote, e.LockedBy, tstr(e.LockedAt),
	)
	if err != nil {
		return fmt.Errorf("create environment: %w", err)
	}
	return nil
}

const envCols = `id, org_id, name, env_order, requires_approval, auto_promote, locked_by, locked_at`

func scanEnv(row interface{ Scan(...any) error }) (*store.Environment, error) {
	var e store.Environment
	var lockedAt string
	err := row.Scan(&e.ID, &e.OrgID, &e.Name, &e.EnvOrder, &e.RequiresApproval, &e.AutoPromote, &e.LockedBy, &lockedAt)
	if err != nil {
		return nil, err
	}
	e.LockedAt = tparse(lockedAt)
	return &e, nil
}

func (d *DB) GetEnvironment(orgID, envID string) (*store.Environment, error) {
	row := d.conn.QueryRow(`SELECT `+envCols+` FROM environments WHERE id = ? AND org_id = ?`, envID, orgID)
	e, err := scanEnv(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get environment: %w", err)
	}
	return e, nil
}

func (d *DB) ListEnvironments(orgID string) ([]store.Environment, error) {
	rows, err := d.conn.Query(`SELECT `+envCols+` FROM environments WHERE org_id = ? ORDER BY env_order`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list environments: %w", err)
	}
	defer rows.Close()

	var envs []store.Environment
	for rows.Next() {
		e, err := scanEnv(rows)
		if err != nil {
			return nil, fmt.Errorf("scan environment: %w", err)
		}
		envs = append(envs, *e)
	}
	return envs, rows.Err()
}

// LockEnvironment is conditional: the UPDATE matches only when the lock is
// free or already held by owner.
func (d *DB) LockEnvironment(envID, owner string, at time.Time) (int, error) {
	res, err := d.conn.Exec(
		`UPDATE environments SET locked_by = ?, locked_at = ? WHERE id = ? AND (locked_by = '' OR locked_by = ?)`,
		owner, tstr(at), envID, owner,
	)
	if err != nil {
		return 0, fmt.Errorf("lock environment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		var exists int
		if err := d.conn.QueryRow(`SELECT COUNT(*) FROM environments WHERE id = ?`, envID).Scan(&exists); err != nil {
			return 0, fmt.Errorf("check environment: %w", err)
		}
		if exists == 0 {
			return 0, store.ErrNotFound
		}
	}
	return int(n), nil
}

func (d *DB) UnlockEnvironment(envID, owner string) error {
	res, err := d.conn.Exec(
		`UPDATE environments SET locked_by = '', locked_at = '' WHERE id = ? AND locked_by = ?`,
		envID, owner,
	)
	if err != nil {
		return fmt.Errorf("unlock environment: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	var exists int
	if err := d.conn.QueryRow(`SELECT COUNT(*) FROM environments WHERE id = ?`, envID).Scan(&exists); err != nil {
		return fmt.Errorf("check environment: %w", err)
	}
	if exists == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (d *DB) CreateDeployment(dep *store.Deployment) error {
	_, err := d.conn.Exec(
		`INSERT INTO deployments (id, org_id, build_id, environment_id, strategy, status, rollback, created_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		dep.ID, dep.OrgID, dep.BuildID, dep.EnvironmentID, dep.Strategy, dep.Status,
		dep.Rollback, tstr(dep.CreatedAt), tstr(dep.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("create deployment: %w", err)
	}
	return nil
}

func (d *DB) UpdateDeploymentStatus(deployID, status string, at time.Time) error {
	completedAt := ""
	if status == store.DeploySucceeded || status == store.DeployFailed {
		completedAt = tstr(at)
	}
	res, err := d.conn.Exec(
		`UPDATE deployments SET status = ?, completed_at = ? WHERE id = ?`,
		status, completedAt, deployID,
	)
	if err != nil {
		return fmt.Errorf("update deployment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (d *DB) ListDeployments(envID string) ([]store.Deployment, error) {
	rows, err := d.conn.Query(
		`SELECT id, org_id, build_id, environment_id, strategy, status, rollback, created_at, completed_at
		 FROM deployments WHERE environment_id = ? ORDER BY created_at, id`,
		envID,
	)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	defer rows.Close()

	var deploys []store.Deployment
	for rows.Next() {
		var dep store.Deployment
		var createdAt, completedAt string
		if err := rows.Scan(&dep.ID, &dep.OrgID, &dep.BuildID, &dep.EnvironmentID, &dep.Strategy,
			&dep.Status, &dep.Rollback, &createdAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan deployment: %w", err)
		}
		dep.CreatedAt = tparse(createdAt)
		dep.CompletedAt = tparse(completedAt)
		deploys = append(deploys, dep)
	}
	return deploys, rows.Err()
}

func (d *DB) CreateDeploymentStep(s *store.DeploymentStep) error {
	_, err := d.conn.Exec(
		`INSERT INTO deployment_steps (id, deployment_id, name, step_order, status) VALUES (?, ?, ?, ?, ?)`,
		s.ID, s.DeploymentID, s.Name, s.StepOrder, s.Status,
	)
	if err != nil {
		return fmt.Errorf("create deployment step: %w", err)
	}
	return nil
}

func (d *DB) UpdateDeploymentStep(stepID, status string) error {
	res, err := d.conn.Exec(`UPDATE deployment_steps SET status = ? WHERE id = ?`, status, stepID)
	if err != nil {
		return fmt.Errorf("update deployment step: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (d *DB) CreatePromotion(p *store.Promotion) error {
	_, err := d.conn.Exec(
		`INSERT INTO promotions (id, org_id, build_id, from_env, to_env, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.OrgID, p.BuildID, p.FromEnv, p.ToEnv, p.Status, tstr(p.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("create promotion: %w", err)
	}
	return nil
}

func (d *DB) PlaceArtifact(a *store.EnvironmentArtifact) error {
	_, err := d.conn.Exec(
		`INSERT INTO environment_artifacts (environment_id, build_id, name, placed_at) VALUES (?, ?, ?, ?)`,
		a.EnvironmentID, a.BuildID, a.Name, tstr(a.PlacedAt),
	)
	if err != nil {
		return fmt.Errorf("place artifact: %w", err)
	}
	return nil
}

// --- IaC ---

func (d *DB) SaveIaCState(st *store.IaCState) error {
	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var maxVer sql.NullInt64
	err = tx.QueryRow(
		`SELECT MAX(version) FROM iac_states WHERE project_id = ? AND workspace_name = ?`,
		st.ProjectID, st.WorkspaceName,
	).Scan(&maxVer)
	if err != nil {
		return fmt.Errorf("next state version: %w", err)
	}
	st.Version = 1
	if maxVer.Valid {
		st.Version = int(maxVer.Int64) + 1
	}

	_, err = tx.Exec(
		`INSERT INTO iac_states (project_id, workspace_name, version, content, hash, size, created_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ProjectID, st.WorkspaceName, st.Version, st.Content, st.Hash, st.Size, st.CreatedBy, tstr(st.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("save iac state: %w", err)
	}
	return tx.Commit()
}

func (d *DB) LatestIaCState(projectID, workspaceName string) (*store.IaCState, error) {
	row := d.conn.QueryRow(
		`SELECT project_id, workspace_name, version, content, hash, size, created_by, created_at
		 FROM iac_states WHERE project_id = ? AND workspace_name = ? ORDER BY version DESC LIMIT 1`,
		projectID, workspaceName,
	)
	var st store.IaCState
	var createdAt string
	err := row.Scan(&st.ProjectID, &st.WorkspaceName, &st.Version, &st.Content, &st.Hash, &st.Size, &st.CreatedBy, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest iac state: %w", err)
	}
	st.CreatedAt = tparse(createdAt)
	return &st, nil
}

// AcquireIaCLock upserts the lock row; the conflict branch only fires when
// the same owner re-acquires, so a foreign holder leaves 0 rows changed.
func (d *DB) AcquireIaCLock(projectID, owner string, at time.Time) (int, error) {
	res, err := d.conn.Exec(
		`INSERT INTO iac_locks (project_id, locked_by, locked_at) VALUES (?, ?, ?)
		 ON CONFLICT(project_id) DO UPDATE SET locked_at = excluded.locked_at
		 WHERE iac_locks.locked_by = excluded.locked_by`,
		projectID, owner, tstr(at),
	)
	if err != nil {
		return 0, fmt.Errorf("acquire iac lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return int(n), nil
}

func (d *DB) ReleaseIaCLock(projectID, owner string, force bool) error {
	var err error
	if force {
		_, err = d.conn.Exec(`DELETE FROM iac_locks WHERE project_id = ?`, projectID)
	} else {
		_, err = d.conn.Exec(`DELETE FROM iac_locks WHERE project_id = ? AND locked_by = ?`, projectID, owner)
	}
	if err != nil {
		return fmt.Errorf("release iac lock: %w", err)
	}
	return nil
}

func (d *DB) GetIaCLock(projectID string) (*store.IaCLock, error) {
	row := d.conn.QueryRow(`SELECT project_id, locked_by, locked_at FROM iac_locks WHERE project_id = ?`, projectID)
	var l store.IaCLock
	var lockedAt string
	err := row.Scan(&l.ProjectID, &l.LockedBy, &lockedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get iac lock: %w", err)
	}
	l.LockedAt = tparse(lockedAt)
	return &l, nil
}
