package db

import (
	"database/sql"
	"time"

	"windlass.sh/core/pipeline/models"
	"windlass.sh/core/pipeline/notifier"
)

// NextBuildNumber increments and returns the shared monotonic build
// counter. Webhook and poll triggers both draw from it, so two runs
// can never share a (build, revision) identity.
func (db *DB) NextBuildNumber() (int64, error) {
	var n int64
	err := db.QueryRow(`
		update build_counter
		set value = value + 1
		where id = 1
		returning value
	`).Scan(&n)
	return n, err
}

func (db *DB) CreateRun(run *models.PipelineRun, n *notifier.Notifier) error {
	_, err := db.Exec(`
		insert into runs (id, branch, revision, build_number, environment, tag, status)
		values (?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.Branch, run.Revision, run.BuildNumber, run.Environment, run.Tag, models.RunPending)
	if err != nil {
		return err
	}
	n.NotifyAll()
	return nil
}

func (db *DB) MarkRunRunning(id string, n *notifier.Notifier) error {
	return db.setStatus(id, models.RunRunning, false, n)
}

func (db *DB) MarkRunSucceeded(id string, n *notifier.Notifier) error {
	return db.setStatus(id, models.RunSucceeded, true, n)
}

func (db *DB) MarkRunFailed(id string, n *notifier.Notifier) error {
	return db.setStatus(id, models.RunFailed, true, n)
}

func (db *DB) MarkRunAborted(id string, n *notifier.Notifier) error {
	return db.setStatus(id, models.RunAborted, true, n)
}

func (db *DB) setStatus(id string, status models.RunStatus, finished bool, n *notifier.Notifier) error {
	var err error
	if finished {
		_, err = db.Exec(`
			update runs
			set status = ?,
			    updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now'),
			    finished_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
			where id = ?
		`, status, id)
	} else {
		_, err = db.Exec(`
			update runs
			set status = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
			where id = ?
		`, status, id)
	}
	if err != nil {
		return err
	}
	n.NotifyAll()
	return nil
}

func (db *DB) AddStageResult(runID string, res models.StageResult, n *notifier.Notifier) error {
	_, err := db.Exec(`
		insert into stage_results (run_id, stage, status, reason, log_ref, started_at, finished_at)
		values (?, ?, ?, ?, ?, ?, ?)
	`, runID, res.Stage, res.Status, res.Reason, res.LogRef,
		res.StartedAt.UTC().Format(time.RFC3339),
		res.FinishedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return err
	}
	n.NotifyAll()
	return nil
}

func (db *DB) GetRun(id string) (*models.PipelineRun, error) {
	var run models.PipelineRun
	var startedAt, updatedAt string
	var finishedAt sql.NullString

	err := db.QueryRow(`
		select id, branch, revision, build_number, environment, tag, status, started_at, updated_at, finished_at
		from runs where id = ?
	`, id).Scan(&run.ID, &run.Branch, &run.Revision, &run.BuildNumber,
		&run.Environment, &run.Tag, &run.Status, &startedAt, &updatedAt, &finishedAt)
	if err != nil {
		return nil, err
	}

	run.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
	if finishedAt.Valid {
		run.FinishedAt, _ = time.Parse(time.RFC3339, finishedAt.String)
	}

	rows, err := db.Query(`
		select stage, status, reason, log_ref, started_at, finished_at
		from stage_results where run_id = ? order by id
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var res models.StageResult
		var s, f string
		if err := rows.Scan(&res.Stage, &res.Status, &res.Reason, &res.LogRef, &s, &f); err != nil {
			return nil, err
		}
		res.StartedAt, _ = time.Parse(time.RFC3339, s)
		res.FinishedAt, _ = time.Parse(time.RFC3339, f)
		run.Results = append(run.Results, res)
	}

	return &run, rows.Err()
}

// LastRevision returns the revision of the most recent run for a
// branch, for the poller to diff remote heads against.
func (db *DB) LastRevision(branch string) (string, error) {
	var rev string
	err := db.QueryRow(`
		select revision from runs
		where branch = ?
		order by build_number desc
		limit 1
	`, branch).Scan(&rev)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return rev, err
}
