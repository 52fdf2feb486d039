package rtdb

import (
	"context"
	"database/sql"
	"strconv"

	"github.com/pkg/errors"
)

// Well-known state row ids.
const (
	StateProducerLastID  = "producer_last_id"
	StateConnectorsCount = "connectors_count"
	StateTagsCount       = "tags_count"
	StateScriptsCount    = "scripts_count"
	StateConfigTime      = "config_time"
)

// StateRow is one entry of the runtime state table.
type StateRow struct {
	ID          string
	Value       string
	Description string
}

// State returns every state row in id order.
func (s *Store) State(ctx context.Context) ([]StateRow, error) {
	rows, err := s.query(ctx, `SELECT id, value, description FROM state ORDER BY id ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "querying state")
	}
	defer rows.Close()

	var out []StateRow
	for rows.Next() {
		var r StateRow
		if err := rows.Scan(&r.ID, &r.Value, &r.Description); err != nil {
			return nil, errors.Wrap(err, "scanning state row")
		}
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "reading state rows")
}

// SetState upserts one state row.
func (s *Store) SetState(ctx context.Context, id, value, description string) error {
	_, err := s.exec(ctx, `
		INSERT INTO state (id, value, description) VALUES (?,?,?)
		ON CONFLICT (id) DO UPDATE SET value = excluded.value, description = excluded.description`,
		id, value, description)
	return errors.Wrapf(err, "setting state %s", id)
}

// ProducerCursor returns the id of the last history row handed to the
// bus. A store that never forwarded anything reports 0.
func (s *Store) ProducerCursor(ctx context.Context) (int64, error) {
	var value string
	err := s.queryRow(ctx, `SELECT value FROM state WHERE id = ?`, StateProducerLastID).Scan(&value)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return 0, nil
	case err != nil:
		return 0, errors.Wrap(err, "querying producer cursor")
	}

	id, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "producer cursor %q is not a row id", value)
	}
	return id, nil
}

// CommitCursor persists the id of the last history row handed to the
// bus.
func (s *Store) CommitCursor(ctx context.Context, id int64) error {
	return s.SetState(ctx, StateProducerLastID, strconv.FormatInt(id, 10), "Last history id sent to the bus")
}
