package rtdb

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// Store is a SQL-backed store for tag history, current values, runtime
// state and the tag configuration. It speaks SQLite and PostgreSQL.
type Store struct {
	db      *sql.DB
	dialect dialect
	echo    bool
	logger  log.Logger
}

// Open connects to the database named by cfg.URL. The schema is not
// touched; call CreateSchema before first use.
func Open(cfg Config, logger log.Logger) (*Store, error) {
	driver, dsn, d, err := parseURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}

	if d == dialectSQLite {
		// The sqlite driver serializes writers per connection. A single
		// connection avoids SQLITE_BUSY and keeps :memory: databases
		// visible across calls.
		db.SetMaxOpenConns(1)
	}

	return &Store{
		db:      db,
		dialect: d,
		echo:    cfg.Echo,
		logger:  logger,
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// parseURL splits a database URL into driver name, driver DSN and
// dialect. SQLite paths follow the three-slash convention:
// sqlite:///rel/path.db is relative, sqlite:////abs/path.db is absolute
// and sqlite:// alone is an in-memory database.
func parseURL(url string) (driver, dsn string, d dialect, err error) {
	switch {
	case strings.HasPrefix(url, "sqlite://"):
		path := strings.TrimPrefix(url, "sqlite://")
		path = strings.TrimPrefix(path, "/")
		if path == "" || path == ":memory:" {
			return "sqlite3", ":memory:", dialectSQLite, nil
		}
		return "sqlite3", "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL", dialectSQLite, nil

	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return "pgx", url, dialectPostgres, nil

	default:
		return "", "", 0, errors.Errorf("unsupported database URL %q, expected sqlite:// or postgres://", url)
	}
}

// rebind rewrites ? placeholders into the $n form PostgreSQL expects.
// SQLite takes ? natively.
func (s *Store) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}

	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r != '?' {
			sb.WriteRune(r)
			continue
		}
		n++
		sb.WriteByte('$')
		sb.WriteString(strconv.Itoa(n))
	}
	return sb.String()
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	query = s.rebind(query)
	start := time.Now()
	res, err := s.db.ExecContext(ctx, query, args...)
	s.logStatement(query, len(args), time.Since(start), err)
	return res, err
}

func (s *Store) execTx(ctx context.Context, tx *sql.Tx, query string, args ...any) (sql.Result, error) {
	query = s.rebind(query)
	start := time.Now()
	res, err := tx.ExecContext(ctx, query, args...)
	s.logStatement(query, len(args), time.Since(start), err)
	return res, err
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	query = s.rebind(query)
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, query, args...)
	s.logStatement(query, len(args), time.Since(start), err)
	return rows, err
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	query = s.rebind(query)
	start := time.Now()
	row := s.db.QueryRowContext(ctx, query, args...)
	s.logStatement(query, len(args), time.Since(start), nil)
	return row
}

func (s *Store) logStatement(query string, args int, elapsed time.Duration, err error) {
	if !s.echo {
		return
	}
	level.Debug(s.logger).Log("msg", "sql", "query", collapseWhitespace(query), "args", args, "duration", elapsed, "err", err)
}

func collapseWhitespace(q string) string {
	return strings.Join(strings.Fields(q), " ")
}
