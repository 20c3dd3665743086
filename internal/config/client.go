package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// ClientConfig configures chatctl and the sync core it drives.
// Variables are read with the BIGD_ prefix, e.g. BIGD_RELAY_URL.
type ClientConfig struct {
	RelayURL      string        `envconfig:"RELAY_URL" default:"http://localhost:8080"`
	Identifier    string        `envconfig:"IDENTIFIER"`
	Secret        string        `envconfig:"SECRET"`
	MessageWindow int           `envconfig:"MESSAGE_WINDOW" default:"200"`
	LogLevel      string        `envconfig:"LOG_LEVEL" default:"warn"`
	MinBackoff    time.Duration `envconfig:"MIN_BACKOFF" default:"250ms"`
	MaxBackoff    time.Duration `envconfig:"MAX_BACKOFF" default:"30s"`
	HTTPTimeout   time.Duration `envconfig:"HTTP_TIMEOUT" default:"15s"`
}

// LoadClient reads the client configuration from the environment.
func LoadClient() (*ClientConfig, error) {
	var cfg ClientConfig
	if err := envconfig.Process("BIGD", &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate normalises RelayURL and checks the values. Call it again after overriding
// fields from flags.
func (c *ClientConfig) Validate() error {
	c.RelayURL = strings.TrimRight(c.RelayURL, "/")
	if !strings.HasPrefix(c.RelayURL, "http://") && !strings.HasPrefix(c.RelayURL, "https://") {
		return fmt.Errorf("BIGD_RELAY_URL must be an http(s) URL, got %q", c.RelayURL)
	}
	if c.MessageWindow <= 0 {
		return fmt.Errorf("BIGD_MESSAGE_WINDOW must be positive")
	}
	if c.MinBackoff <= 0 || c.MaxBackoff < c.MinBackoff {
		return fmt.Errorf("invalid reconnect backoff %v..%v", c.MinBackoff, c.MaxBackoff)
	}
	return nil
}

// StreamURL returns the websocket endpoint of the relay.
func (c *ClientConfig) StreamURL() string {
	u := c.RelayURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/v1/stream"
}
