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

	_, err = db.Exec(`
		-- single-row monotonic build counter shared by all triggers
		create table if not exists build_counter (
			id integer primary key check (id = 1),
			value integer not null
		);
		insert or ignore into build_counter (id, value) values (1, 0);

		create table if not exists runs (
			id text primary key,
			branch text not null,
			revision text not null,
			build_number integer not null,
			environment text not null,
			tag text not null default '',
			status text not null,
			started_at text not null default (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			updated_at text not null default (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			finished_at text,

			unique (build_number, revision)
		);

		-- appended as stages reach a terminal state, never edited
		create table if not exists stage_results (
			id integer primary key autoincrement,
			run_id text not null references runs(id),
			stage text not null,
			status text not null,
			reason text not null default '',
			log_ref text not null default '',
			started_at text not null,
			finished_at text not null
		);
	`)
	if err != nil {
		return nil, err
	}

	return &DB{db}, nil
}
