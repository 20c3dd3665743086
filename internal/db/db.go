// Package db opens the relay database (PostgreSQL or SQLite) and applies migrations.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/Qwaper/BigD-Gram/internal/config"
)

type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// Conn is a database handle tagged with its SQL dialect.
type Conn struct {
	*sql.DB
	Dialect Dialect
}

// Open connects to the database selected by cfg.DBDriver.
func Open(ctx context.Context, cfg *config.Config) (*Conn, error) {
	switch cfg.DBDriver {
	case string(Postgres):
		return OpenPostgres(ctx, cfg.DatabaseURL)
	case string(SQLite):
		return OpenSQLite(ctx, cfg.SQLitePath)
	}
	return nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.DBDriver)
}

// Rebind rewrites $n placeholders into SQLite's ?n form. Numbering is kept, so a
// parameter may be referenced more than once.
func (c *Conn) Rebind(query string) string {
	if c.Dialect != SQLite {
		return query
	}
	var b strings.Builder
	b.Grow(len(query))
	for i := 0; i < len(query); i++ {
		if query[i] == '$' && i+1 < len(query) && isDigit(query[i+1]) {
			b.WriteByte('?')
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// IsUniqueViolation reports whether err is a unique constraint violation.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
