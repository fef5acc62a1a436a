package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tangled.sh/tangled.sh/tandem/notifier"
	"tangled.sh/tangled.sh/tandem/trigger"
)

var ErrRunNotFound = errors.New("run not found")

type Run struct {
	ID      string        `json:"id"`
	Event   trigger.Event `json:"event"`
	State   string        `json:"state"`
	Release string        `json:"release,omitempty"`
	Created time.Time     `json:"created"`
	Updated time.Time     `json:"updated"`
	Stages  []Stage       `json:"stages"`
}

type Stage struct {
	Stage       string    `json:"stage"`
	State       string    `json:"state"`
	Reason      string    `json:"reason,omitempty"`
	FailureKind string    `json:"failure_kind,omitempty"`
	Error       string    `json:"error,omitempty"`
	ExitCode    int       `json:"exit_code"`
	Branch      string    `json:"branch,omitempty"`
	PinnedRef   string    `json:"pinned_ref,omitempty"`
	LogPath     string    `json:"-"`
	Updated     time.Time `json:"updated"`
}

func (d *DB) CreateRun(id string, ev trigger.Event, state string, n *notifier.Notifier) error {
	_, err := d.Exec(`
		insert into runs (id, event_kind, ref, head_ref, state)
		values (?, ?, ?, ?, ?)
	`, id, ev.Kind, ev.Ref, ev.HeadRef, state)
	if err != nil {
		return fmt.Errorf("creating run %s: %w", id, err)
	}
	n.NotifyAll()
	return nil
}

func (d *DB) UpdateRun(id, state, release string, n *notifier.Notifier) error {
	res, err := d.Exec(`
		update runs
		set state = ?, release = ?, updated = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		where id = ?
	`, state, release, id)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	n.NotifyAll()
	return nil
}

func (d *DB) UpsertStage(runID string, s Stage, n *notifier.Notifier) error {
	_, err := d.Exec(`
		insert into stages (run_id, stage, state, reason, failure_kind, error, exit_code, branch, pinned_ref, log_path)
		values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		on conflict(run_id, stage) do update set
			state = excluded.state,
			reason = excluded.reason,
			failure_kind = excluded.failure_kind,
			error = excluded.error,
			exit_code = excluded.exit_code,
			branch = excluded.branch,
			pinned_ref = excluded.pinned_ref,
			log_path = excluded.log_path,
			updated = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
	`, runID, s.Stage, s.State, s.Reason, s.FailureKind, s.Error, s.ExitCode, s.Branch, s.PinnedRef, s.LogPath)
	if err != nil {
		return fmt.Errorf("recording stage %s of %s: %w", s.Stage, runID, err)
	}
	n.NotifyAll()
	return nil
}

func (d *DB) GetRun(id string) (*Run, error) {
	var (
		r                Run
		created, updated string
	)
	err := d.QueryRow(`
		select id, event_kind, ref, head_ref, state, release, created, updated
		from runs
		where id = ?
	`, id).Scan(&r.ID, &r.Event.Kind, &r.Event.Ref, &r.Event.HeadRef, &r.State, &r.Release, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	r.Created = parseTime(created)
	r.Updated = parseTime(updated)

	rows, err := d.Query(`
		select stage, state, reason, failure_kind, error, exit_code, branch, pinned_ref, log_path, updated
		from stages
		where run_id = ?
		order by rowid asc
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var s Stage
		if err := rows.Scan(&s.Stage, &s.State, &s.Reason, &s.FailureKind, &s.Error, &s.ExitCode, &s.Branch, &s.PinnedRef, &s.LogPath, &updated); err != nil {
			return nil, err
		}
		s.Updated = parseTime(updated)
		r.Stages = append(r.Stages, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &r, nil
}

func (d *DB) GetStage(runID, stage string) (*Stage, error) {
	run, err := d.GetRun(runID)
	if err != nil {
		return nil, err
	}
	for _, s := range run.Stages {
		if s.Stage == stage {
			return &s, nil
		}
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrRunNotFound, runID, stage)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

// DeleteRun removes a run that was never started.
func (d *DB) DeleteRun(id string, n *notifier.Notifier) error {
	_, err := d.Exec(`delete from runs where id = ?`, id)
	if err != nil {
		return err
	}
	n.NotifyAll()
	return nil
}
