package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog/log"
)

// Config holds the relay configuration
type Config struct {
	DBDriver        string        `envconfig:"DB_DRIVER" default:"postgres"`
	DatabaseURL     string        `envconfig:"DATABASE_URL"`
	SQLitePath      string        `envconfig:"SQLITE_PATH" default:"bigd.db"`
	Port            string        `envconfig:"PORT" default:"8080"`
	JWTSecret       string        `envconfig:"JWT_SECRET"`
	AccessTokenTTL  time.Duration `envconfig:"ACCESS_TOKEN_TTL" default:"24h"`
	RefreshTokenTTL time.Duration `envconfig:"REFRESH_TOKEN_TTL" default:"720h"`
	AttachmentDir   string        `envconfig:"ATTACHMENT_DIR" default:"attachments"`
	MaxUploadBytes  int64         `envconfig:"MAX_UPLOAD_BYTES" default:"10485760"`
	PublicBaseURL   string        `envconfig:"PUBLIC_BASE_URL"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info"`
	DevMode         bool          `envconfig:"DEV_MODE" default:"false"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	switch cfg.DBDriver {
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL environment variable is required")
		}
		logDatabaseTarget(cfg.DatabaseURL)
	case "sqlite":
		if cfg.SQLitePath == "" {
			return nil, fmt.Errorf("SQLITE_PATH environment variable is required")
		}
		log.Info().Str("path", cfg.SQLitePath).Msg("DB connect: sqlite")
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q (postgres or sqlite)", cfg.DBDriver)
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}
	if cfg.AccessTokenTTL <= 0 || cfg.RefreshTokenTTL <= 0 {
		return nil, fmt.Errorf("token TTLs must be positive")
	}
	if cfg.MaxUploadBytes <= 0 {
		return nil, fmt.Errorf("MAX_UPLOAD_BYTES must be positive")
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")

	return &cfg, nil
}

// logDatabaseTarget logs connection details with the password left out
func logDatabaseTarget(databaseURL string) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return
	}
	host := u.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := u.Port()
	if port == "" {
		port = "5432"
	}
	dbName := strings.TrimPrefix(u.Path, "/")
	user := u.User.Username()
	if user == "" {
		user = "(none)"
	}
	log.Info().Str("host", host).Str("port", port).Str("db", dbName).Str("user", user).Msg("DB connect")
}
