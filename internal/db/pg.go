package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// Pool limits for the relay's Postgres handle. Record writes are short transactions, so a
// modest pool is enough for one relay process.
const (
	pgMaxOpen     = 25
	pgMaxIdle     = 5
	pgMaxLifetime = 5 * time.Minute
	pgMaxIdleTime = 10 * time.Minute
)

// redactDSN returns a copy of the DSN with password replaced by **** for logging.
func redactDSN(u *url.URL) string {
	cp := *u
	if cp.User != nil {
		cp.User = url.UserPassword(cp.User.Username(), "****")
	}
	return cp.String()
}

// OpenPostgres connects to databaseURL and configures the connection pool.
func OpenPostgres(ctx context.Context, databaseURL string) (*Conn, error) {
	databaseURL = strings.TrimSpace(databaseURL)
	if databaseURL == "" {
		return nil, errors.New("DATABASE_URL is empty")
	}
	u, err := url.Parse(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return nil, fmt.Errorf("invalid DATABASE_URL: scheme %q, want postgres://", u.Scheme)
	}
	log.Info().Str("dsn", redactDSN(u)).Msg("connecting to postgres")

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	db.SetMaxOpenConns(pgMaxOpen)
	db.SetMaxIdleConns(pgMaxIdle)
	db.SetConnMaxLifetime(pgMaxLifetime)
	db.SetConnMaxIdleTime(pgMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, describePingError(u, err)
	}
	return &Conn{DB: db, Dialect: Postgres}, nil
}

// describePingError names the database and host when the server reports the database as
// missing, the usual symptom of pointing at the wrong instance.
func describePingError(u *url.URL, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "3D000" {
		return fmt.Errorf("database %q not found on %s: %w", strings.TrimPrefix(u.Path, "/"), u.Host, err)
	}
	return fmt.Errorf("failed to ping database: %w", err)
}
