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
		"_auto_vacuum=incremental",
	}

	db, err := sql.Open("sqlite3", dbPath+"?"+strings.Join(opts, "&"))
	if err != nil {
		return nil, err
	}

	// every connection to :memory: is a fresh database
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	_, err = db.Exec(`
		create table if not exists runs (
			id text primary key,
			job text not null,
			trigger text not null, -- json
			status text not null,
			error text not null default '',
			created text not null,
			updated text not null,
			finished text
		);

		create index if not exists runs_created on runs (created);

		-- status event for a single run
		create table if not exists events (
			run_id text not null references runs(id) on delete cascade,
			event text not null, -- json
			created integer not null -- unix nanos
		);

		create index if not exists events_created on events (created);
	`)
	if err != nil {
		return nil, err
	}

	return &DB{db}, nil
}
