package rtdb

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/rtds-project/rtds/pkg/model"
)

// CurrentRow is the latest recorded value of one tag. Type comes from
// the tags table on read and is ignored on write.
type CurrentRow struct {
	TagID   string
	TagTime time.Time
	Type    string
	Status  int32
	Bool    sql.NullBool
	Int     sql.NullInt64
	Float   sql.NullFloat64
	Str     sql.NullString
}

func CurrentRowFromValue(v model.Value) CurrentRow {
	h := HistoryRowFromValue(v)
	return CurrentRow{
		TagID:   h.TagID,
		TagTime: h.TagTime,
		Type:    h.Type,
		Status:  h.Status,
		Bool:    h.Bool,
		Int:     h.Int,
		Float:   h.Float,
		Str:     h.Str,
	}
}

// Value returns the populated slot, or nil when every slot is null.
// TypeName returns the joined tag type, falling back to the populated
// slot for rows whose tag no longer exists.
func (r CurrentRow) TypeName() string {
	h := HistoryRow{Type: r.Type, Bool: r.Bool, Int: r.Int, Float: r.Float, Str: r.Str}
	return h.TypeName()
}

func (r CurrentRow) Value() any {
	switch {
	case r.Bool.Valid:
		return r.Bool.Bool
	case r.Int.Valid:
		return r.Int.Int64
	case r.Float.Valid:
		return r.Float.Float64
	case r.Str.Valid:
		return r.Str.String
	}
	return nil
}

// UpsertCurrent records the freshest value per tag. Stale rows in the
// batch and stale batches after a restart lose to whatever newer value
// is already stored.
func (s *Store) UpsertCurrent(ctx context.Context, rows []CurrentRow) error {
	rows = dedupeCurrent(rows)

	for len(rows) > 0 {
		chunk := rows
		if len(chunk) > insertChunkRows {
			chunk = chunk[:insertChunkRows]
		}
		rows = rows[len(chunk):]

		if err := s.upsertCurrentChunk(ctx, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) upsertCurrentChunk(ctx context.Context, rows []CurrentRow) error {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO current (tag_id, tag_time, status, bool_value, int_value, float_value, str_value) VALUES `)

	args := make([]any, 0, len(rows)*7)
	for i, r := range rows {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString("(?,?,?,?,?,?,?)")
		args = append(args, r.TagID, timeToDB(r.TagTime), r.Status, r.Bool, r.Int, r.Float, r.Str)
	}

	sb.WriteString(` ON CONFLICT (tag_id) DO UPDATE SET
		tag_time = excluded.tag_time,
		status = excluded.status,
		bool_value = excluded.bool_value,
		int_value = excluded.int_value,
		float_value = excluded.float_value,
		str_value = excluded.str_value
		WHERE excluded.tag_time >= current.tag_time`)

	_, err := s.exec(ctx, sb.String(), args...)
	return errors.Wrap(err, "upserting current values")
}

// dedupeCurrent keeps the newest row per tag.
func dedupeCurrent(rows []CurrentRow) []CurrentRow {
	seen := make(map[string]int, len(rows))
	out := rows[:0:len(rows)]
	for _, r := range rows {
		if i, ok := seen[r.TagID]; ok {
			if !r.TagTime.Before(out[i].TagTime) {
				out[i] = r
			}
			continue
		}
		seen[r.TagID] = len(out)
		out = append(out, r)
	}
	return out
}

// Current returns the latest value of every tag ever recorded, in tag
// name order.
func (s *Store) Current(ctx context.Context) ([]CurrentRow, error) {
	rows, err := s.query(ctx, `
		SELECT c.tag_id, c.tag_time, COALESCE(t.tag_type, ''), c.status,
		       c.bool_value, c.int_value, c.float_value, c.str_value
		FROM current c LEFT JOIN tags t ON t.id = c.tag_id
		ORDER BY c.tag_id ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "querying current values")
	}
	defer rows.Close()

	var out []CurrentRow
	for rows.Next() {
		var (
			r  CurrentRow
			ns int64
		)
		if err := rows.Scan(&r.TagID, &ns, &r.Type, &r.Status, &r.Bool, &r.Int, &r.Float, &r.Str); err != nil {
			return nil, errors.Wrap(err, "scanning current row")
		}
		r.TagTime = timeFromDB(ns)
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "reading current rows")
}
