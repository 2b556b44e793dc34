package db

import (
	"encoding/json"
	"fmt"
	"time"

	"tangled.sh/tangled.sh/dockyard/dockyard/models"
	"tangled.sh/tangled.sh/dockyard/notifier"
)

type Event struct {
	RunId     string `json:"run_id"`
	Created   int64  `json:"created"`
	EventJson string `json:"event"`
}

// StatusEvent is the payload of a status event.
type StatusEvent struct {
	RunId     string            `json:"run_id"`
	Job       string            `json:"job"`
	Status    models.StatusKind `json:"status"`
	Error     *string           `json:"error,omitempty"`
	CreatedAt string            `json:"created_at"`
}

func (d *DB) InsertEvent(event Event, notifier *notifier.Notifier) error {
	_, err := d.Exec(
		`insert into events (run_id, event, created) values (?, ?, ?)`,
		event.RunId,
		event.EventJson,
		event.Created,
	)
	if err != nil {
		return err
	}

	notifier.NotifyAll()

	return nil
}

// GetEvents returns up to 100 events created after cursor, oldest first.
func (d *DB) GetEvents(cursor int64) ([]Event, error) {
	whereClause := ""
	args := []any{}
	if cursor > 0 {
		whereClause = "where created > ?"
		args = append(args, cursor)
	}

	query := fmt.Sprintf(`
		select run_id, event, created
		from events
		%s
		order by created asc
		limit 100
	`, whereClause)

	rows, err := d.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var evts []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.RunId, &ev.EventJson, &ev.Created); err != nil {
			return nil, err
		}
		evts = append(evts, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return evts, nil
}

func (d *DB) createStatusEvent(
	rid models.RunId,
	statusKind models.StatusKind,
	runError *string,
	now time.Time,
	n *notifier.Notifier,
) error {
	s := StatusEvent{
		RunId:     rid.Id,
		Job:       rid.Job,
		Status:    statusKind,
		Error:     runError,
		CreatedAt: now.Format(time.RFC3339),
	}

	eventJson, err := json.Marshal(s)
	if err != nil {
		return err
	}

	event := Event{
		RunId:     rid.Id,
		Created:   now.UnixNano(),
		EventJson: string(eventJson),
	}

	return d.InsertEvent(event, n)
}

// GetStatus returns the latest status event of a run.
func (d *DB) GetStatus(rid models.RunId) (*StatusEvent, error) {
	var eventJson string
	err := d.QueryRow(
		`
		select
			event from events
		where
			run_id = ?
		order by
			created desc
		limit
			1
		`,
		rid.Id,
	).Scan(&eventJson)

	if err != nil {
		return nil, err
	}

	var status StatusEvent
	if err := json.Unmarshal([]byte(eventJson), &status); err != nil {
		return nil, err
	}

	return &status, nil
}
