// Package tests starts complete relay servers for integration tests.
package tests

import (
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Qwaper/BigD-Gram/internal/attachment"
	"github.com/Qwaper/BigD-Gram/internal/auth"
	"github.com/Qwaper/BigD-Gram/internal/config"
	"github.com/Qwaper/BigD-Gram/internal/db"
	httphandler "github.com/Qwaper/BigD-Gram/internal/http"
	"github.com/Qwaper/BigD-Gram/internal/http/handlers"
	"github.com/Qwaper/BigD-Gram/internal/relay"
	"github.com/Qwaper/BigD-Gram/internal/repo"
)

const testJWTSecret = "test-jwt-secret-at-least-32-characters-long"

// Relay is a relay server backed by a real database.
type Relay struct {
	Server *httptest.Server
	DB     *db.Conn
	Hub    *relay.Hub
	JWT    *auth.JWTService
	Config *config.Config
}

// SQLiteConfig returns a relay configuration using a fresh SQLite file.
func SQLiteConfig(t testing.TB) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		DBDriver:        "sqlite",
		SQLitePath:      filepath.Join(dir, "relay.db"),
		JWTSecret:       testJWTSecret,
		AccessTokenTTL:  time.Hour,
		RefreshTokenTTL: 24 * time.Hour,
		AttachmentDir:   filepath.Join(dir, "attachments"),
		MaxUploadBytes:  1 << 20,
	}
}

// PostgresConfig returns a relay configuration for DATABASE_URL, skipping the test when
// it is not set.
func PostgresConfig(t testing.TB) *config.Config {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set; skipping Postgres integration test")
	}
	cfg := SQLiteConfig(t)
	cfg.DBDriver = "postgres"
	cfg.DatabaseURL = url
	cfg.SQLitePath = ""
	return cfg
}

// StartRelay opens and migrates the database, wires the full router and serves it.
func StartRelay(t testing.TB, cfg *config.Config) *Relay {
	t.Helper()
	ctx := context.Background()

	conn, err := db.Open(ctx, cfg)
	require.NoError(t, err, "database open must succeed")
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, db.Migrate(ctx, conn), "migrations must run successfully")

	accountRepo := repo.NewAccountRepo(conn)
	jwtService := auth.NewJWTService(cfg.JWTSecret, cfg.AccessTokenTTL)
	authService := auth.NewAuthService(jwtService, accountRepo, repo.NewRefreshRepo(conn), cfg.RefreshTokenTTL)
	hub := relay.NewHub(repo.NewRecordRepo(conn))

	store, err := attachment.NewDiskStore(cfg.AttachmentDir, cfg.MaxUploadBytes)
	require.NoError(t, err)

	// An empty public base URL makes attachment URLs follow the request host.
	router := httphandler.NewRouter(httphandler.Handlers{
		Auth:        handlers.NewAuthHandler(authService),
		Stream:      handlers.NewStreamHandler(hub, nil),
		Attachments: handlers.NewAttachmentHandler(store, cfg.MaxUploadBytes, ""),
	}, jwtService, accountRepo, zerolog.Nop())

	server := httptest.NewServer(router)
	t.Cleanup(func() {
		hub.Shutdown()
		server.Close()
	})

	return &Relay{Server: server, DB: conn, Hub: hub, JWT: jwtService, Config: cfg}
}

func (r *Relay) BaseURL() string { return r.Server.URL }

// StreamURL is the websocket endpoint.
func (r *Relay) StreamURL() string {
	return "ws" + strings.TrimPrefix(r.Server.URL, "http") + "/v1/stream"
}

// Truncate empties every table for a clean test state.
func (r *Relay) Truncate(t testing.TB) {
	t.Helper()
	require.NoError(t, TruncateTables(context.Background(), r.DB), "truncate tables")
}

// TruncateTables deletes all accounts, refresh sessions and records.
func TruncateTables(ctx context.Context, conn *db.Conn) error {
	if conn.Dialect == db.Postgres {
		if _, err := conn.ExecContext(ctx, "TRUNCATE TABLE refresh_sessions, accounts, records"); err != nil {
			return fmt.Errorf("truncate tables: %w", err)
		}
		return nil
	}
	for _, table := range []string{"refresh_sessions", "accounts", "records"} {
		if _, err := conn.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("truncate %s: %w", table, err)
		}
	}
	return nil
}
