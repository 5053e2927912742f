package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"unicode/utf8"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Dialect captures the SQL differences between supported databases.
type Dialect struct {
	Name      string
	BlobType  string
	Placehold func(n int) string
}

// DialectSQLite targets mattn/go-sqlite3.
var DialectSQLite = Dialect{
	Name:      "sqlite",
	BlobType:  "BLOB",
	Placehold: func(int) string { return "?" },
}

// DialectPostgres targets Postgres through the pgx stdlib driver.
var DialectPostgres = Dialect{
	Name:      "postgres",
	BlobType:  "BYTEA",
	Placehold: func(n int) string { return fmt.Sprintf("$%d", n) },
}

// SQL stores values in the kv_entries table of a database/sql handle.
type SQL struct {
	db      *sql.DB
	dialect Dialect
	owned   bool

	getQuery  string
	putQuery  string
	keysQuery string
}

// NewSQL wraps db, creating kv_entries if needed. The caller keeps
// ownership of db; Close does not close it.
func NewSQL(ctx context.Context, db *sql.DB, dialect Dialect) (*SQL, error) {
	s := newSQL(db, dialect)
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenPostgres connects to dsn with the pgx driver and owns the handle.
func OpenPostgres(ctx context.Context, dsn string) (*SQL, error) {
	if dsn == "" {
		return nil, fmt.Errorf("kv: postgres dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewSQL(ctx, db, DialectPostgres)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

func newSQL(db *sql.DB, dialect Dialect) *SQL {
	p := dialect.Placehold
	return &SQL{
		db:       db,
		dialect:  dialect,
		getQuery: "SELECT value FROM kv_entries WHERE key = " + p(1),
		putQuery: "INSERT INTO kv_entries (key, value) VALUES (" + p(1) + ", " + p(2) + ") " +
			"ON CONFLICT (key) DO UPDATE SET value = excluded.value",
		keysQuery: "SELECT key FROM kv_entries WHERE substr(key, 1, " + p(1) + ") = " + p(2) + " ORDER BY key",
	}
}

func (s *SQL) ensureSchema(ctx context.Context) error {
	ddl := "CREATE TABLE IF NOT EXISTS kv_entries (key TEXT PRIMARY KEY, value " + s.dialect.BlobType + " NOT NULL)"
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create kv_entries: %w", err)
	}
	return nil
}

func (s *SQL) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, s.getQuery, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", key, err)
	}
	return value, true, nil
}

func (s *SQL) Put(ctx context.Context, key string, value []byte) error {
	if _, err := s.db.ExecContext(ctx, s.putQuery, key, value); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func (s *SQL) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.keysQuery, utf8.RuneCountInString(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keys: %w", err)
	}
	return keys, nil
}

func (s *SQL) Close() error {
	if s.owned {
		return s.db.Close()
	}
	return nil
}
