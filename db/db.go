package db

import (
	"database/sql"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	*sql.DB
}

func Make(dbPath string) (*DB, error) {
	// https://github.com/mattn/go-sqlite3#connection-string
	opts := []string{
		"_foreign_keys=1",
		"_journal_mode=WAL",
		"_synchronous=NORMAL",
		"_busy_timeout=5000",
	}

	db, err := sql.Open("sqlite3", dbPath+"?"+strings.Join(opts, "&"))
	if err != nil {
		return nil, err
	}

	// every pooled connection to :memory: would get its own empty database
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	_, err = db.Exec(`
		create table if not exists runs (
			id text primary key,
			event_kind text not null,
			ref text not null,
			head_ref text not null default '',
			state text not null,
			release text not null default '',
			created text not null default (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			updated text not null default (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
		);

		create table if not exists stages (
			run_id text not null references runs(id) on delete cascade,
			stage text not null,
			state text not null,

			-- set once the stage is terminal
			reason text not null default '',
			failure_kind text not null default '',
			error text not null default '',
			exit_code integer not null default 0,
			branch text not null default '',
			pinned_ref text not null default '',
			log_path text not null default '',

			updated text not null default (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			primary key (run_id, stage)
		);

		-- every transition, in order, for the event stream
		create table if not exists events (
			id integer primary key autoincrement,
			run_id text not null,
			stage text not null default '',
			event text not null, -- json
			created integer not null -- unix nanos
		);
	`)
	if err != nil {
		return nil, err
	}

	return &DB{db}, nil
}
