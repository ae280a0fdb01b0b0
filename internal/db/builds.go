package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/chengis/chengis/internal/store"
)

func (d *DB) CreateJob(job *store.Job) error {
	_, err := d.conn.Exec(
		`INSERT INTO jobs (id, org_id, name, pipeline_source, triggers, dependencies, trigger_on, repo_url, auto_merge, merge_method, delete_branch, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.OrgID, job.Name, job.PipelineSource, jenc(job.Triggers), jenc(job.Dependencies),
		job.TriggerOn, job.RepoURL, job.AutoMerge, job.MergeMethod, job.DeleteBranch, tstr(job.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

const jobCols = `id, org_id, name, pipeline_source, triggers, dependencies, trigger_on, repo_url, auto_merge, merge_method, delete_branch, created_at`

func scanJob(row interface{ Scan(...any) error }) (*store.Job, error) {
	var j store.Job
	var triggers, deps, createdAt string
	err := row.Scan(&j.ID, &j.OrgID, &j.Name, &j.PipelineSource, &triggers, &deps,
		&j.TriggerOn, &j.RepoURL, &j.AutoMerge, &j.MergeMethod, &j.DeleteBranch, &createdAt)
	if err != nil {
		return nil, err
	}
	j.Triggers = jdecStrings(triggers)
	j.Dependencies = jdecStrings(deps)
	j.CreatedAt = tparse(createdAt)
	return &j, nil
}

func (d *DB) GetJob(orgID, jobID string) (*store.Job, error) {
	row := d.conn.QueryRow(`SELECT `+jobCols+` FROM jobs WHERE id = ? AND org_id = ?`, jobID, orgID)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (d *DB) ListJobs(orgID string) ([]store.Job, error) {
	rows, err := d.conn.Query(`SELECT `+jobCols+` FROM jobs WHERE org_id = ? ORDER BY id`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []store.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func (d *DB) CreateBuild(build *store.Build) error {
	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var maxNum sql.NullInt64
	if err := tx.QueryRow(`SELECT MAX(build_number) FROM builds WHERE job_id = ?`, build.JobID).Scan(&maxNum); err != nil {
		return fmt.Errorf("next build number: %w", err)
	}
	build.BuildNumber = 1
	if maxNum.Valid {
		build.BuildNumber = int(maxNum.Int64) + 1
	}

	_, err = tx.Exec(
		`INSERT INTO builds (id, org_id, job_id, build_number, status, trigger_type, git_branch, git_commit, git_commit_short, git_author, git_message, pr_number, mr_number, parameters, started_at, completed_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		build.ID, build.OrgID, build.JobID, build.BuildNumber, build.Status, build.TriggerType,
		build.GitBranch, build.GitCommit, build.GitCommitShort, build.GitAuthor, build.GitMessage,
		build.PRNumber, build.MRNumber, jenc(build.Parameters),
		tstr(build.StartedAt), tstr(build.CompletedAt), tstr(build.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("create build: %w", err)
	}
	return tx.Commit()
}

const buildCols = `id, org_id, job_id, build_number, status, trigger_type, git_branch, git_commit, git_commit_short, git_author, git_message, pr_number, mr_number, parameters, started_at, completed_at, created_at`

func scanBuild(row interface{ Scan(...any) error }) (*store.Build, error) {
	var b store.Build
	var params, startedAt, completedAt, createdAt string
	err := row.Scan(&b.ID, &b.OrgID, &b.JobID, &b.BuildNumber, &b.Status, &b.TriggerType,
		&b.GitBranch, &b.GitCommit, &b.GitCommitShort, &b.GitAuthor, &b.GitMessage,
		&b.PRNumber, &b.MRNumber, &params, &startedAt, &completedAt, &createdAt)
	if err != nil {
		return nil, err
	}
	b.Parameters = jdecMap(params)
	b.StartedAt = tparse(startedAt)
	b.CompletedAt = tparse(completedAt)
	b.CreatedAt = tparse(createdAt)
	return &b, nil
}

func (d *DB) GetBuild(orgID, buildID string) (*store.Build, error) {
	row := d.conn.QueryRow(`SELECT `+buildCols+` FROM builds WHERE id = ? AND org_id = ?`, buildID, orgID)
	b, err := scanBuild(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get build: %w", err)
	}
	return b, nil
}

func (d *DB) UpdateBuild(orgID, buildID string, upd store.BuildUpdate) error {
	set := ""
	var args []any
	if upd.Status != nil {
		set += "status = ?"
		args = append(args, *upd.Status)
	}
	if upd.StartedAt != nil {
		if set != "" {
			set += ", "
		}
		set += "started_at = ?"
		args = append(args, tstr(*upd.StartedAt))
	}
	if upd.CompletedAt != nil {
		if set != "" {
			set += ", "
		}
		set += "completed_at = ?"
		args = append(args, tstr(*upd.CompletedAt))
	}
	if set == "" {
		return nil
	}
	args = append(args, buildID, orgID)
	res, err := d.conn.Exec(`UPDATE builds SET `+set+` WHERE id = ? AND org_id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update build: %w", err)
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

func (d *DB) FindActiveBuild(orgID, jobID, commit string) (*store.Build, error) {
	row := d.conn.QueryRow(
		`SELECT `+buildCols+` FROM builds
		 WHERE org_id = ? AND job_id = ? AND git_commit = ?
		 AND status NOT IN (?, ?, ?) LIMIT 1`,
		orgID, jobID, commit, store.StatusSuccess, store.StatusFailure, store.StatusAborted,
	)
	b, err := scanBuild(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active build: %w", err)
	}
	return b, nil
}

func (d *DB) ListBuilds(orgID, jobID string) ([]store.Build, error) {
	rows, err := d.conn.Query(
		`SELECT `+buildCols+` FROM builds WHERE org_id = ? AND job_id = ? ORDER BY build_number`,
		orgID, jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("list builds: %w", err)
	}
	defer rows.Close()

	var builds []store.Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, fmt.Errorf("scan build: %w", err)
		}
		builds = append(builds, *b)
	}
	return builds, rows.Err()
}

func (d *DB) DeleteBuildsBefore(cutoff time.Time) (int, error) {
	tx, err := d.conn.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		`SELECT id FROM builds WHERE status IN (?, ?, ?) AND created_at != '' AND created_at < ?`,
		store.StatusSuccess, store.StatusFailure, store.StatusAborted, tstr(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("select expired builds: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan build id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range ids {
		for _, table := range []string{"build_events", "build_logs", "steps", "stages", "builds"} {
			col := "build_id"
			if table == "builds" {
				col = "id"
			}
			if _, err := tx.Exec(`DELETE FROM `+table+` WHERE `+col+` = ?`, id); err != nil {
				return 0, fmt.Errorf("delete from %s: %w", table, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// --- Stages, steps, logs ---

func (d *DB) AppendStage(stage *store.Stage) error {
	_, err := d.conn.Exec(
		`INSERT INTO stages (id, build_id, stage_name, status, depends_on, matrix, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		stage.ID, stage.BuildID, stage.StageName, stage.Status,
		jenc(stage.DependsOn), jenc(stage.MatrixCombination), tstr(stage.StartedAt), tstr(stage.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("append stage: %w", err)
	}
	return nil
}

func (d *DB) UpdateStage(stageID string, status string, completedAt time.Time) error {
	res, err := d.conn.Exec(
		`UPDATE stages SET status = ?, completed_at = ? WHERE id = ?`,
		status, tstr(completedAt), stageID,
	)
	if err != nil {
		return fmt.Errorf("update stage: %w", err)
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

func (d *DB) ListStages(buildID string) ([]store.Stage, error) {
	rows, err := d.conn.Query(
		`SELECT id, build_id, stage_name, status, depends_on, matrix, started_at, completed_at
		 FROM stages WHERE build_id = ? ORDER BY rowid`,
		buildID,
	)
	if err != nil {
		return nil, fmt.Errorf("list stages: %w", err)
	}
	defer rows.Close()

	var stages []store.Stage
	for rows.Next() {
		var s store.Stage
		var deps, matrix, startedAt, completedAt string
		if err := rows.Scan(&s.ID, &s.BuildID, &s.StageName, &s.Status, &deps, &matrix, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan stage: %w", err)
		}
		s.DependsOn = jdecStrings(deps)
		s.MatrixCombination = jdecMap(matrix)
		s.StartedAt = tparse(startedAt)
		s.CompletedAt = tparse(completedAt)
		stages = append(stages, s)
	}
	return stages, rows.Err()
}

func (d *DB) AppendStep(step *store.Step) error {
	_, err := d.conn.Exec(
		`INSERT INTO steps (id, build_id, stage_name, step_name, status, exit_code, stdout_truncated, stderr_truncated, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.BuildID, step.StageName, step.StepName, step.Status, step.ExitCode,
		step.StdoutTruncated, step.StderrTruncated, tstr(step.StartedAt), tstr(step.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("append step: %w", err)
	}
	return nil
}

func (d *DB) UpdateStep(stepID string, status string, exitCode int, completedAt time.Time) error {
	res, err := d.conn.Exec(
		`UPDATE steps SET status = ?, exit_code = ?, completed_at = ? WHERE id = ?`,
		status, exitCode, tstr(completedAt), stepID,
	)
	if err != nil {
		return fmt.Errorf("update step: %w", err)
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

func (d *DB) ListSteps(buildID string) ([]store.Step, error) {
	rows, err := d.conn.Query(
		`SELECT id, build_id, stage_name, step_name, status, exit_code, stdout_truncated, stderr_truncated, started_at, completed_at
		 FROM steps WHERE build_id = ? ORDER BY rowid`,
		buildID,
	)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var steps []store.Step
	for rows.Next() {
		var s store.Step
		var startedAt, completedAt string
		if err := rows.Scan(&s.ID, &s.BuildID, &s.StageName, &s.StepName, &s.Status, &s.ExitCode,
			&s.StdoutTruncated, &s.StderrTruncated, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		s.StartedAt = tparse(startedAt)
		s.CompletedAt = tparse(completedAt)
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

func (d *DB) AppendLog(entry *store.BuildLog) error {
	_, err := d.conn.Exec(
		`INSERT INTO build_logs (build_id, timestamp, level, source, message) VALUES (?, ?, ?, ?, ?)`,
		entry.BuildID, tstr(entry.Timestamp), entry.Level, entry.Source, entry.Message,
	)
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

func (d *DB) ListLogs(buildID string) ([]store.BuildLog, error) {
	rows, err := d.conn.Query(
		`SELECT build_id, timestamp, level, source, message FROM build_logs WHERE build_id = ? ORDER BY id`,
		buildID,
	)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	var logs []store.BuildLog
	for rows.Next() {
		var l store.BuildLog
		var ts string
		if err := rows.Scan(&l.BuildID, &ts, &l.Level, &l.Source, &l.Message); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		l.Timestamp = tparse(ts)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// --- Events ---

func (d *DB) AppendEvent(event *store.BuildEvent) error {
	_, err := d.conn.Exec(
		`INSERT INTO build_events (id, build_id, event_type, stage_name, step_name, data, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.BuildID, event.EventType, event.StageName, event.StepName,
		jenc(event.Data), tstr(event.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (d *DB) ListEvents(buildID string) ([]store.BuildEvent, error) {
	rows, err := d.conn.Query(
		`SELECT id, build_id, event_type, stage_name, step_name, data, created_at
		 FROM build_events WHERE build_id = ? ORDER BY id`,
		buildID,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []store.BuildEvent
	for rows.Next() {
		var e store.BuildEvent
		var data, createdAt string
		if err := rows.Scan(&e.ID, &e.BuildID, &e.EventType, &e.StageName, &e.StepName, &data, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Data = jdecMap(data)
		e.CreatedAt = tparse(createdAt)
		events = append(events, e)
	}
	return events, rows.Err()
}
