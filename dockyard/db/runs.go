package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tangled.sh/tangled.sh/dockyard/dockyard/models"
	"tangled.sh/tangled.sh/dockyard/notifier"
	"tangled.sh/tangled.sh/dockyard/workflow"
)

var ErrRunNotFound = errors.New("run not found")

type Run struct {
	Id      string            `json:"id"`
	Job     string            `json:"job"`
	Trigger workflow.Trigger  `json:"trigger"`
	Status  models.StatusKind `json:"status"`

	// only if failed or timed out
	Error string `json:"error,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func (r Run) RunId() models.RunId {
	return models.RunId{Job: r.Job, Id: r.Id}
}

// CreateRun records a new pending run.
func (d *DB) CreateRun(rid models.RunId, trigger workflow.Trigger, n *notifier.Notifier) error {
	triggerJson, err := json.Marshal(trigger)
	if err != nil {
		return err
	}

	now := time.Now()
	_, err = d.Exec(`
		insert into runs (id, job, trigger, status, created, updated)
		values (?, ?, ?, ?, ?, ?)
	`, rid.Id, rid.Job, string(triggerJson), models.StatusKindPending, formatTime(now), formatTime(now))
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}

	return d.createStatusEvent(rid, models.StatusKindPending, nil, now, n)
}

func (d *DB) StatusRunning(rid models.RunId, n *notifier.Notifier) error {
	return d.setStatus(rid, models.StatusKindRunning, nil, n)
}

func (d *DB) StatusFailed(rid models.RunId, runError string, n *notifier.Notifier) error {
	return d.setStatus(rid, models.StatusKindFailed, &runError, n)
}

func (d *DB) StatusTimeout(rid models.RunId, runError string, n *notifier.Notifier) error {
	return d.setStatus(rid, models.StatusKindTimeout, &runError, n)
}

func (d *DB) StatusCancelled(rid models.RunId, n *notifier.Notifier) error {
	return d.setStatus(rid, models.StatusKindCancelled, nil, n)
}

func (d *DB) StatusSuccess(rid models.RunId, n *notifier.Notifier) error {
	return d.setStatus(rid, models.StatusKindSuccess, nil, n)
}

func (d *DB) setStatus(rid models.RunId, status models.StatusKind, runError *string, n *notifier.Notifier) error {
	now := time.Now()

	var finished *string
	if status.IsFinish() {
		f := formatTime(now)
		finished = &f
	}

	errMsg := ""
	if runError != nil {
		errMsg = *runError
	}

	res, err := d.Exec(`
		update runs
		set status = ?, error = ?, updated = ?, finished = ?
		where id = ?
	`, status, errMsg, formatTime(now), finished, rid.Id)
	if err != nil {
		return fmt.Errorf("updating run: %w", err)
	}

	num, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if num == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, rid.Id)
	}

	return d.createStatusEvent(rid, status, runError, now, n)
}

func (d *DB) GetRun(id string) (Run, error) {
	row := d.QueryRow(`
		select id, job, trigger, status, error, created, updated, finished
		from runs
		where id = ?
	`, id)

	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return r, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return r, err
}

// ListRuns returns the most recent runs first. An empty job lists runs of
// every job.
func (d *DB) ListRuns(job string, limit int) ([]Run, error) {
	whereClause := ""
	args := []any{}
	if job != "" {
		whereClause = "where job = ?"
		args = append(args, job)
	}
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		select id, job, trigger, status, error, created, updated, finished
		from runs
		%s
		order by created desc
		limit ?
	`, whereClause)

	rows, err := d.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return runs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (Run, error) {
	var r Run
	var triggerJson, created, updated string
	var finished sql.NullString

	if err := s.Scan(&r.Id, &r.Job, &triggerJson, &r.Status, &r.Error, &created, &updated, &finished); err != nil {
		return r, err
	}

	if err := json.Unmarshal([]byte(triggerJson), &r.Trigger); err != nil {
		return r, fmt.Errorf("decoding trigger: %w", err)
	}

	if t, err := time.Parse(timeFormat, created); err == nil {
		r.CreatedAt = t
	}
	if t, err := time.Parse(timeFormat, updated); err == nil {
		r.UpdatedAt = t
	}
	if finished.Valid {
		if t, err := time.Parse(timeFormat, finished.String); err == nil {
			r.FinishedAt = &t
		}
	}

	return r, nil
}

// fixed width so that stored times sort lexically
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}
