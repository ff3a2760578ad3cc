package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect selects placeholder style and migration set.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

type Config struct {
	URL          string
	MaxOpenConns int
}

// Conn is an open pool plus the dialect it speaks.
type Conn struct {
	*sql.DB
	Dialect Dialect
}

// Parse resolves a database URL into a driver name, DSN and dialect.
//
// Accepted forms: postgres://..., postgresql://..., sqlite://<path>,
// file:<path>[?query] and bare paths ending in .db or .sqlite.
func Parse(url string) (driver, dsn string, dialect Dialect, err error) {
	url = strings.TrimSpace(url)
	switch {
	case url == "":
		return "", "", "", fmt.Errorf("database url is required")
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return "pgx", url, Postgres, nil
	case strings.HasPrefix(url, "sqlite://"):
		return "sqlite", sqliteDSN(strings.TrimPrefix(url, "sqlite://")), SQLite, nil
	case strings.HasPrefix(url, "file:"):
		return "sqlite", url, SQLite, nil
	case strings.HasSuffix(url, ".db"), strings.HasSuffix(url, ".sqlite"):
		return "sqlite", sqliteDSN(url), SQLite, nil
	}
	return "", "", "", fmt.Errorf("unsupported database url %q", url)
}

func sqliteDSN(path string) string {
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
}

// sqlitePath extracts the file path from a sqlite DSN, or "" for memory databases.
func sqlitePath(dsn string) string {
	p := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" || p == ":memory:" {
		return ""
	}
	return p
}

// Open opens the pool described by cfg. SQLite parent directories are created.
func Open(cfg Config) (*Conn, error) {
	driver, dsn, dialect, err := Parse(cfg.URL)
	if err != nil {
		return nil, err
	}
	if dialect == SQLite {
		if p := sqlitePath(dsn); p != "" {
			if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
				return nil, err
			}
		}
	}
	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	return &Conn{DB: conn, Dialect: dialect}, nil
}

// Rebind rewrites ? placeholders into $n for Postgres.
func Rebind(d Dialect, query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
