package store

import (
	"context"
	"database/sql"
	"strings"

	"studiopipe/internal/domain"
	"studiopipe/internal/errs"
)

const jobColumns = `job_id,event_id,trigger_index,triggering_event_type,due_ns,tool_config_json,event_json,prepared_ns,started_ns,finished_ns,exit_code,attempts,state,scheduled_by_job,created_ns`

func scanJob(row rowScanner) (domain.JobRequest, error) {
	var j domain.JobRequest
	var toolConfig, event string
	err := row.Scan(&j.JobID, &j.EventID, &j.TriggerIndex, &j.TriggeringEventType, &j.DueNS, &toolConfig, &event,
		&j.PreparedNS, &j.StartedNS, &j.FinishedNS, &j.ExitCode, &j.Attempts, &j.State, &j.ScheduledByJob, &j.CreatedNS)
	j.ToolConfig = []byte(toolConfig)
	j.Event = []byte(event)
	return j, err
}

// InsertJobRequest stores j unless a request for the same event, trigger
// and origin exists. It returns the stored request either way.
func (s Store) InsertJobRequest(ctx context.Context, j domain.JobRequest) (domain.JobRequest, bool, error) {
	if j.State == "" {
		j.State = domain.JobPending
	}
	res, err := s.DB.ExecContext(ctx, `INSERT INTO job_requests(job_id,event_id,trigger_index,triggering_event_type,due_ns,tool_config_json,event_json,prepared_ns,started_ns,finished_ns,exit_code,attempts,state,scheduled_by_job,created_ns)
VALUES (?,?,?,?,?,?,?,0,0,0,-1,0,?,?,?)
ON CONFLICT(event_id,trigger_index,scheduled_by_job) DO NOTHING`,
		j.JobID, j.EventID, j.TriggerIndex, j.TriggeringEventType, j.DueNS, string(j.ToolConfig), string(j.Event), j.State, j.ScheduledByJob, j.CreatedNS)
	if err != nil {
		return domain.JobRequest{}, false, err
	}
	inserted := false
	if n, _ := res.RowsAffected(); n > 0 {
		inserted = true
	}
	stored, err := scanJob(s.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM job_requests WHERE event_id=? AND trigger_index=? AND scheduled_by_job=?`,
		j.EventID, j.TriggerIndex, j.ScheduledByJob))
	if err != nil {
		return domain.JobRequest{}, false, notFound(err, "job request for event "+j.EventID)
	}
	return stored, inserted, nil
}

func (s Store) GetJobRequest(ctx context.Context, jobID string) (domain.JobRequest, error) {
	j, err := scanJob(s.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM job_requests WHERE job_id=?`, jobID))
	return j, notFound(err, "job request "+jobID)
}

// DueJobRequests returns unstarted, unfinished requests due at or before
// nowNS, oldest due first.
func (s Store) DueJobRequests(ctx context.Context, nowNS int64, limit int) ([]domain.JobRequest, error) {
	query := `SELECT ` + jobColumns + ` FROM job_requests WHERE due_ns <= ? AND started_ns = 0 AND finished_ns = 0 ORDER BY due_ns, job_id`
	args := []any{nowNS}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.listJobs(ctx, query, args...)
}

// RunningJobRequests returns started requests that are not terminal.
func (s Store) RunningJobRequests(ctx context.Context) ([]domain.JobRequest, error) {
	return s.listJobs(ctx, `SELECT `+jobColumns+` FROM job_requests WHERE started_ns > 0 AND finished_ns = 0 ORDER BY started_ns, job_id`)
}

type JobFilter struct {
	State   string
	EventID string
	Limit   int
	// Cursor pages backwards through created_ns, job_id.
	CursorCreatedNS int64
	CursorJobID     string
}

func (s Store) ListJobRequests(ctx context.Context, f JobFilter) ([]domain.JobRequest, error) {
	var clauses []string
	var args []any
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	if f.EventID != "" {
		clauses = append(clauses, "event_id=?")
		args = append(args, f.EventID)
	}
	if f.CursorCreatedNS > 0 && f.CursorJobID != "" {
		clauses = append(clauses, "(created_ns < ? OR (created_ns = ? AND job_id < ?))")
		args = append(args, f.CursorCreatedNS, f.CursorCreatedNS, f.CursorJobID)
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + jobColumns + ` FROM job_requests` + where + ` ORDER BY created_ns DESC, job_id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return s.listJobs(ctx, query, args...)
}

func (s Store) listJobs(ctx context.Context, query string, args ...any) ([]domain.JobRequest, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.JobRequest
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

// JobUpdate is a guarded transition. The row is only written when it is
// not terminal and its started_ns still equals ExpectStartedNS.
type JobUpdate struct {
	JobID           string
	ExpectStartedNS int64
	State           string
	PreparedNS      *int64
	StartedNS       *int64
	FinishedNS      *int64
	ExitCode        *int
	AddAttempt      bool
}

// TransitionJobRequest applies u. It returns errs.ErrConflict when the guard
// no longer holds, which happens when another loop moved the request first.
func (s Store) TransitionJobRequest(ctx context.Context, tx *sql.Tx, u JobUpdate) error {
	sets := []string{"state=?"}
	args := []any{u.State}
	if u.PreparedNS != nil {
		sets = append(sets, "prepared_ns=?")
		args = append(args, *u.PreparedNS)
	}
	if u.StartedNS != nil {
		sets = append(sets, "started_ns=?")
		args = append(args, *u.StartedNS)
	}
	if u.FinishedNS != nil {
		sets = append(sets, "finished_ns=?")
		args = append(args, *u.FinishedNS)
	}
	if u.ExitCode != nil {
		sets = append(sets, "exit_code=?")
		args = append(args, *u.ExitCode)
	}
	if u.AddAttempt {
		sets = append(sets, "attempts=attempts+1")
	}
	args = append(args, u.JobID, u.ExpectStartedNS)
	res, err := s.q(tx).ExecContext(ctx, `UPDATE job_requests SET `+strings.Join(sets, ",")+` WHERE job_id=? AND finished_ns=0 AND started_ns=?`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetJobRequest(ctx, u.JobID); err != nil {
			return err
		}
		return errs.Conflict("job request %s moved before %s", u.JobID, u.State)
	}
	return nil
}
