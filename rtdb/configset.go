package rtdb

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// ConnectorRow, TagRow and ScriptRow mirror the three configuration
// tables. Cycle columns are in seconds, the way config workbooks write
// them.

type ConnectorRow struct {
	Name             string
	Cycle            float64
	ConnectionString string
	IsReadOnly       bool
	Description      string
}

func (r ConnectorRow) CycleDuration() time.Duration {
	return time.Duration(r.Cycle * float64(time.Second))
}

type TagRow struct {
	Name          string
	Type          string
	Min           float64
	Max           float64
	IsLog         bool
	ConnectorName string
	Source        string
	Value         string
	Description   string
}

type ScriptRow struct {
	Name        string
	Cycle       float64
	Body        string
	IsActive    bool
	Description string
}

func (r ScriptRow) CycleDuration() time.Duration {
	return time.Duration(r.Cycle * float64(time.Second))
}

// ConfigSet is the full tag configuration.
type ConfigSet struct {
	Connectors []ConnectorRow
	Tags       []TagRow
	Scripts    []ScriptRow
}

// ReplaceConfig swaps the whole configuration in one transaction and
// refreshes the counters in the state table. History, current values
// and the producer cursor are untouched.
func (s *Store) ReplaceConfig(ctx context.Context, set ConfigSet) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning config transaction")
	}
	defer tx.Rollback()

	for _, stmt := range []string{`DELETE FROM tags`, `DELETE FROM scripts`, `DELETE FROM connectors`} {
		if _, err := s.execTx(ctx, tx, stmt); err != nil {
			return errors.Wrap(err, "clearing configuration")
		}
	}

	for _, c := range set.Connectors {
		_, err := s.execTx(ctx, tx, `
			INSERT INTO connectors (id, cycle, connection_string, is_read_only, description)
			VALUES (?,?,?,?,?)`,
			c.Name, c.Cycle, c.ConnectionString, c.IsReadOnly, c.Description)
		if err != nil {
			return errors.Wrapf(err, "inserting connector %s", c.Name)
		}
	}

	for _, t := range set.Tags {
		_, err := s.execTx(ctx, tx, `
			INSERT INTO tags (id, tag_type, min_value, max_value, is_log, connector_id, source, value, description)
			VALUES (?,?,?,?,?,?,?,?,?)`,
			t.Name, t.Type, t.Min, t.Max, t.IsLog, t.ConnectorName, t.Source, t.Value, t.Description)
		if err != nil {
			return errors.Wrapf(err, "inserting tag %s", t.Name)
		}
	}

	for _, sc := range set.Scripts {
		_, err := s.execTx(ctx, tx, `
			INSERT INTO scripts (id, cycle, body, is_active, description)
			VALUES (?,?,?,?,?)`,
			sc.Name, sc.Cycle, sc.Body, sc.IsActive, sc.Description)
		if err != nil {
			return errors.Wrapf(err, "inserting script %s", sc.Name)
		}
	}

	states := []StateRow{
		{ID: StateConnectorsCount, Value: strconv.Itoa(len(set.Connectors)), Description: "Configured connectors"},
		{ID: StateTagsCount, Value: strconv.Itoa(len(set.Tags)), Description: "Configured tags"},
		{ID: StateScriptsCount, Value: strconv.Itoa(len(set.Scripts)), Description: "Configured scripts"},
		{ID: StateConfigTime, Value: time.Now().UTC().Format(time.RFC3339), Description: "Configuration load time"},
	}
	for _, st := range states {
		_, err := s.execTx(ctx, tx, `
			INSERT INTO state (id, value, description) VALUES (?,?,?)
			ON CONFLICT (id) DO UPDATE SET value = excluded.value, description = excluded.description`,
			st.ID, st.Value, st.Description)
		if err != nil {
			return errors.Wrapf(err, "setting state %s", st.ID)
		}
	}

	return errors.Wrap(tx.Commit(), "committing configuration")
}

// LoadConfig reads the full configuration, each table in name order.
func (s *Store) LoadConfig(ctx context.Context) (ConfigSet, error) {
	var set ConfigSet

	rows, err := s.query(ctx, `
		SELECT id, cycle, connection_string, is_read_only, description
		FROM connectors ORDER BY id ASC`)
	if err != nil {
		return set, errors.Wrap(err, "querying connectors")
	}
	for rows.Next() {
		var c ConnectorRow
		if err := rows.Scan(&c.Name, &c.Cycle, &c.ConnectionString, &c.IsReadOnly, &c.Description); err != nil {
			rows.Close()
			return set, errors.Wrap(err, "scanning connector row")
		}
		set.Connectors = append(set.Connectors, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return set, errors.Wrap(err, "reading connector rows")
	}

	rows, err = s.query(ctx, `
		SELECT id, tag_type, min_value, max_value, is_log, connector_id, source, value, description
		FROM tags ORDER BY id ASC`)
	if err != nil {
		return set, errors.Wrap(err, "querying tags")
	}
	for rows.Next() {
		var t TagRow
		if err := rows.Scan(&t.Name, &t.Type, &t.Min, &t.Max, &t.IsLog, &t.ConnectorName, &t.Source, &t.Value, &t.Description); err != nil {
			rows.Close()
			return set, errors.Wrap(err, "scanning tag row")
		}
		set.Tags = append(set.Tags, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return set, errors.Wrap(err, "reading tag rows")
	}

	rows, err = s.query(ctx, `
		SELECT id, cycle, body, is_active, description
		FROM scripts ORDER BY id ASC`)
	if err != nil {
		return set, errors.Wrap(err, "querying scripts")
	}
	for rows.Next() {
		var sc ScriptRow
		if err := rows.Scan(&sc.Name, &sc.Cycle, &sc.Body, &sc.IsActive, &sc.Description); err != nil {
			rows.Close()
			return set, errors.Wrap(err, "scanning script row")
		}
		set.Scripts = append(set.Scripts, sc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return set, errors.Wrap(err, "reading script rows")
	}

	return set, nil
}
