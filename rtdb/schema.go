package rtdb

import (
	"context"

	"github.com/pkg/errors"
)

const (
	sqliteHistoryDDL = `
		CREATE TABLE IF NOT EXISTS history (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			tag_id      TEXT    NOT NULL,
			tag_time    BIGINT  NOT NULL,
			tag_type    TEXT,
			status      INTEGER NOT NULL DEFAULT 0,
			bool_value  BOOLEAN,
			int_value   BIGINT,
			float_value DOUBLE PRECISION,
			str_value   TEXT,
			UNIQUE (tag_id, tag_time)
		)`

	postgresHistoryDDL = `
		CREATE TABLE IF NOT EXISTS history (
			id          BIGSERIAL PRIMARY KEY,
			tag_id      TEXT    NOT NULL,
			tag_time    BIGINT  NOT NULL,
			tag_type    TEXT,
			status      INTEGER NOT NULL DEFAULT 0,
			bool_value  BOOLEAN,
			int_value   BIGINT,
			float_value DOUBLE PRECISION,
			str_value   TEXT,
			UNIQUE (tag_id, tag_time)
		)`
)

var commonDDL = []string{
	`CREATE INDEX IF NOT EXISTS history_tag_time_idx ON history (tag_time)`,

	`CREATE TABLE IF NOT EXISTS current (
		tag_id      TEXT PRIMARY KEY,
		tag_time    BIGINT  NOT NULL,
		status      INTEGER NOT NULL DEFAULT 0,
		bool_value  BOOLEAN,
		int_value   BIGINT,
		float_value DOUBLE PRECISION,
		str_value   TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS state (
		id          TEXT PRIMARY KEY,
		value       TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT ''
	)`,

	`CREATE TABLE IF NOT EXISTS connectors (
		id                TEXT PRIMARY KEY,
		cycle             DOUBLE PRECISION NOT NULL DEFAULT 1,
		connection_string TEXT    NOT NULL DEFAULT '',
		is_read_only      BOOLEAN NOT NULL DEFAULT FALSE,
		description       TEXT    NOT NULL DEFAULT ''
	)`,

	`CREATE TABLE IF NOT EXISTS tags (
		id           TEXT PRIMARY KEY,
		tag_type     TEXT    NOT NULL DEFAULT 'float',
		min_value    DOUBLE PRECISION NOT NULL DEFAULT 0,
		max_value    DOUBLE PRECISION NOT NULL DEFAULT 0,
		is_log       BOOLEAN NOT NULL DEFAULT TRUE,
		connector_id TEXT    NOT NULL DEFAULT '',
		source       TEXT    NOT NULL DEFAULT '',
		value        TEXT    NOT NULL DEFAULT '',
		description  TEXT    NOT NULL DEFAULT ''
	)`,

	`CREATE TABLE IF NOT EXISTS scripts (
		id          TEXT PRIMARY KEY,
		cycle       DOUBLE PRECISION NOT NULL DEFAULT 60,
		body        TEXT    NOT NULL DEFAULT '',
		is_active   BOOLEAN NOT NULL DEFAULT TRUE,
		description TEXT    NOT NULL DEFAULT ''
	)`,
}

// CreateSchema creates every table the store uses. Existing tables are
// left alone, so it is safe to call on every start.
func (s *Store) CreateSchema(ctx context.Context) error {
	historyDDL := sqliteHistoryDDL
	if s.dialect == dialectPostgres {
		historyDDL = postgresHistoryDDL
	}

	for _, stmt := range append([]string{historyDDL}, commonDDL...) {
		if _, err := s.exec(ctx, stmt); err != nil {
			return errors.Wrap(err, "creating schema")
		}
	}
	return nil
}
