package rtdb

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/rtds-project/rtds/pkg/model"
)

// insertChunkRows caps multi-row inserts well below the SQLite
// placeholder limit.
const insertChunkRows = 100

// HistoryRow is one recorded tag value. Exactly one of the value slots
// is set, matching the type.
type HistoryRow struct {
	ID      int64
	TagID   string
	TagTime time.Time
	Type    string
	Status  int32
	Bool    sql.NullBool
	Int     sql.NullInt64
	Float   sql.NullFloat64
	Str     sql.NullString
}

// HistoryRowFromValue maps a scanned value onto its persisted form.
// Arrays are stored comma-joined in the string slot.
func HistoryRowFromValue(v model.Value) HistoryRow {
	r := HistoryRow{
		TagID:   v.Name,
		TagTime: v.Time.UTC(),
		Type:    v.Type.String(),
		Status:  v.Status,
	}
	switch v.Type {
	case model.TypeBool:
		r.Bool = sql.NullBool{Bool: v.Bool, Valid: true}
	case model.TypeInt:
		r.Int = sql.NullInt64{Int64: v.Int, Valid: true}
	case model.TypeFloat:
		r.Float = sql.NullFloat64{Float64: v.Float, Valid: true}
	case model.TypeArray:
		r.Str = sql.NullString{String: model.JoinArray(v.Array), Valid: true}
	}
	return r
}

// Value returns the populated slot, or nil when every slot is null.
func (r HistoryRow) Value() any {
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

// TypeName returns the recorded type, falling back to the populated
// slot for rows written before types were recorded.
func (r HistoryRow) TypeName() string {
	if r.Type != "" {
		return r.Type
	}
	switch {
	case r.Bool.Valid:
		return model.TypeBool.String()
	case r.Int.Valid:
		return model.TypeInt.String()
	case r.Float.Valid:
		return model.TypeFloat.String()
	case r.Str.Valid:
		return model.TypeArray.String()
	}
	return ""
}

// InsertHistory writes a batch of rows. Rows that share (tag_id,
// tag_time) with an existing row overwrite it in place, so redelivered
// batches do not duplicate history. Within the batch the last write
// wins.
func (s *Store) InsertHistory(ctx context.Context, rows []HistoryRow) error {
	rows = dedupeHistory(rows)

	for len(rows) > 0 {
		chunk := rows
		if len(chunk) > insertChunkRows {
			chunk = chunk[:insertChunkRows]
		}
		rows = rows[len(chunk):]

		if err := s.insertHistoryChunk(ctx, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) insertHistoryChunk(ctx context.Context, rows []HistoryRow) error {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO history (tag_id, tag_time, tag_type, status, bool_value, int_value, float_value, str_value) VALUES `)

	args := make([]any, 0, len(rows)*8)
	for i, r := range rows {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString("(?,?,?,?,?,?,?,?)")
		args = append(args, r.TagID, timeToDB(r.TagTime), nullString(r.Type), r.Status, r.Bool, r.Int, r.Float, r.Str)
	}

	sb.WriteString(` ON CONFLICT (tag_id, tag_time) DO UPDATE SET
		tag_type = excluded.tag_type,
		status = excluded.status,
		bool_value = excluded.bool_value,
		int_value = excluded.int_value,
		float_value = excluded.float_value,
		str_value = excluded.str_value`)

	_, err := s.exec(ctx, sb.String(), args...)
	return errors.Wrap(err, "inserting history")
}

// dedupeHistory keeps the last row per (tag_id, tag_time). PostgreSQL
// rejects a multi-row upsert that touches the same key twice.
func dedupeHistory(rows []HistoryRow) []HistoryRow {
	type key struct {
		tag  string
		time int64
	}

	seen := make(map[key]int, len(rows))
	out := rows[:0:len(rows)]
	for _, r := range rows {
		k := key{tag: r.TagID, time: r.TagTime.UnixNano()}
		if i, ok := seen[k]; ok {
			out[i] = r
			continue
		}
		seen[k] = len(out)
		out = append(out, r)
	}
	return out
}

const historySelect = `
	SELECT h.id, h.tag_id, h.tag_time, COALESCE(h.tag_type, t.tag_type, ''), h.status,
	       h.bool_value, h.int_value, h.float_value, h.str_value
	FROM history h LEFT JOIN tags t ON t.id = h.tag_id`

// History returns up to limit rows recorded strictly after the given
// time, oldest first. limit must be positive.
func (s *Store) History(ctx context.Context, after time.Time, limit int) ([]HistoryRow, error) {
	rows, err := s.query(ctx, historySelect+` WHERE h.tag_time > ? ORDER BY h.tag_time ASC, h.id ASC LIMIT ?`,
		timeToDB(after), limit)
	if err != nil {
		return nil, errors.Wrap(err, "querying history")
	}
	return scanHistoryRows(rows)
}

// HistoryAfter returns up to limit rows with id strictly greater than
// the given id, in id order. Row ids only ever grow, which makes the id
// a resumable cursor.
func (s *Store) HistoryAfter(ctx context.Context, id int64, limit int) ([]HistoryRow, error) {
	rows, err := s.query(ctx, historySelect+` WHERE h.id > ? ORDER BY h.id ASC LIMIT ?`, id, limit)
	if err != nil {
		return nil, errors.Wrap(err, "querying history after id")
	}
	return scanHistoryRows(rows)
}

// DeleteOldHistory drops rows recorded before the given time and
// returns how many went away.
func (s *Store) DeleteOldHistory(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM history WHERE tag_time < ?`, timeToDB(before))
	if err != nil {
		return 0, errors.Wrap(err, "deleting old history")
	}
	n, err := res.RowsAffected()
	return n, errors.Wrap(err, "counting deleted history")
}

func scanHistoryRows(rows *sql.Rows) ([]HistoryRow, error) {
	defer rows.Close()

	var out []HistoryRow
	for rows.Next() {
		var (
			r  HistoryRow
			ns int64
		)
		if err := rows.Scan(&r.ID, &r.TagID, &ns, &r.Type, &r.Status, &r.Bool, &r.Int, &r.Float, &r.Str); err != nil {
			return nil, errors.Wrap(err, "scanning history row")
		}
		r.TagTime = timeFromDB(ns)
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "reading history rows")
}

func timeToDB(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func timeFromDB(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
