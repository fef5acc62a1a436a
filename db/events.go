package db

import (
	"encoding/json"
	"fmt"
	"time"

	"tangled.sh/tangled.sh/tandem/notifier"
	"tangled.sh/tangled.sh/tandem/pipeline"
)

// Event is one row of the status stream.
type Event struct {
	ID        int64  `json:"id"`
	RunID     string `json:"run_id"`
	Stage     string `json:"stage,omitempty"`
	Created   int64  `json:"created"`
	EventJson string `json:"event"`
}

// StatusEvent is the JSON payload stored with every event.
type StatusEvent struct {
	RunID       string `json:"run_id"`
	Stage       string `json:"stage,omitempty"`
	State       string `json:"state"`
	Reason      string `json:"reason,omitempty"`
	FailureKind string `json:"failure_kind,omitempty"`
	Error       string `json:"error,omitempty"`
	ExitCode    *int   `json:"exit_code,omitempty"`
	PinnedRef   string `json:"pinned_ref,omitempty"`
	Release     string `json:"release,omitempty"`
	CreatedAt   string `json:"created_at"`
}

func (d *DB) InsertEvent(runID, stage string, s StatusEvent, n *notifier.Notifier) error {
	eventJson, err := json.Marshal(s)
	if err != nil {
		return err
	}

	_, err = d.Exec(
		`insert into events (run_id, stage, event, created) values (?, ?, ?, ?)`,
		runID,
		stage,
		string(eventJson),
		time.Now().UnixNano(),
	)
	if err != nil {
		return err
	}

	n.NotifyAll()
	return nil
}

// GetEvents returns up to 100 events after cursor, oldest first.
func (d *DB) GetEvents(cursor int64) ([]Event, error) {
	rows, err := d.Query(`
		select id, run_id, stage, event, created
		from events
		where id > ?
		order by id asc
		limit 100
	`, cursor)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var evts []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.Stage, &ev.EventJson, &ev.Created); err != nil {
			return nil, err
		}
		evts = append(evts, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return evts, nil
}

// RecordTransition stores a pipeline transition: the run or stage row is
// brought up to date and an event is appended for the stream.
func (d *DB) RecordTransition(t pipeline.Transition, n *notifier.Notifier) error {
	ev := StatusEvent{
		RunID:     t.RunID,
		Stage:     string(t.Stage),
		CreatedAt: t.Time.UTC().Format(time.RFC3339Nano),
	}

	if t.Stage == "" {
		ev.State = string(t.RunState)
		ev.Release = string(t.Release)
		if err := d.recordRun(t); err != nil {
			return err
		}
		return d.InsertEvent(t.RunID, "", ev, n)
	}

	s := Stage{
		Stage:  string(t.Stage),
		State:  string(t.State),
		Reason: t.Reason,
	}
	if r := t.Result; r != nil {
		s.FailureKind = string(r.Kind)
		s.Error = r.Error()
		s.ExitCode = r.ExitCode
		s.Branch = r.Branch.String()
		s.PinnedRef = r.PinnedRef
		s.LogPath = r.LogPath

		exitCode := r.ExitCode
		ev.ExitCode = &exitCode
		ev.FailureKind = s.FailureKind
		ev.Error = s.Error
		ev.PinnedRef = s.PinnedRef
	}
	ev.State = s.State
	ev.Reason = s.Reason

	if err := d.UpsertStage(t.RunID, s, n); err != nil {
		return err
	}
	return d.InsertEvent(t.RunID, s.Stage, ev, n)
}

func (d *DB) recordRun(t pipeline.Transition) error {
	if t.RunState == pipeline.RunInProgress {
		var exists bool
		if err := d.QueryRow(`select exists(select 1 from runs where id = ?)`, t.RunID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return d.CreateRun(t.RunID, t.Event, string(t.RunState), nil)
		}
	}

	if err := d.UpdateRun(t.RunID, string(t.RunState), string(t.Release), nil); err != nil {
		return fmt.Errorf("recording run %s: %w", t.RunID, err)
	}
	return nil
}
