package db

import (
	"context"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog/log"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrations embed.FS

// Migrate applies all pending migrations for the connection's dialect.
func Migrate(ctx context.Context, conn *Conn) error {
	dir := "migrations/" + string(conn.Dialect)
	fsys, err := fs.Sub(migrations, dir)
	if err != nil {
		return fmt.Errorf("migrations for %s: %w", conn.Dialect, err)
	}

	dialect := goose.DialectPostgres
	if conn.Dialect == SQLite {
		dialect = goose.DialectSQLite3
	}

	provider, err := goose.NewProvider(dialect, conn.DB, fsys)
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	for _, r := range results {
		log.Info().Str("migration", r.Source.Path).Dur("took", r.Duration).Msg("migration applied")
	}
	return nil
}
