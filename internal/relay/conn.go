package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/Qwaper/BigD-Gram/internal/remote"
)

const fallbackTimeout = 5 * time.Second

// Conn is one client connection attached to the hub. It owns the disconnect
// fallbacks armed over that connection.
type Conn struct {
	hub    *Hub
	id     uint64
	UserID string
	closer func()

	mu        sync.Mutex
	fallbacks map[string]json.RawMessage
	closed    bool
}

// Connect attaches a connection for userID (empty for anonymous). closer is invoked by
// Shutdown to tear down the underlying transport.
func (h *Hub) Connect(userID string, closer func()) *Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	c := &Conn{
		hub:       h,
		id:        h.nextID,
		UserID:    userID,
		closer:    closer,
		fallbacks: make(map[string]json.RawMessage),
	}
	h.conns[c.id] = c
	connectionsOpen.Inc()
	h.log.Debug().Uint64("conn", c.id).Str("user_id", userID).Msg("connection attached")
	return c
}

// OnDisconnect arms a write of data to path that fires when the connection is lost.
// Registering the same path again replaces the armed value.
func (c *Conn) OnDisconnect(path string, data json.RawMessage) error {
	if err := documentPath(path); err != nil {
		return err
	}
	if _, err := remote.DecodeObject(data); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return remote.ErrDisconnected
	}
	c.fallbacks[path] = data
	return nil
}

// CancelOnDisconnect disarms the fallback for path.
func (c *Conn) CancelOnDisconnect(path string) {
	c.disarm(path)
}

func (c *Conn) disarm(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.fallbacks[path]
	delete(c.fallbacks, path)
	return ok
}

// Set writes data to path on behalf of this connection. Writes made through a
// connection supersede the fallbacks other connections armed for the same path.
func (c *Conn) Set(ctx context.Context, path string, data json.RawMessage, failIfExists bool) error {
	return c.hub.set(ctx, c, path, data, failIfExists)
}

// Merge is Hub.Merge on behalf of this connection.
func (c *Conn) Merge(ctx context.Context, path string, fields map[string]json.RawMessage) error {
	return c.hub.merge(ctx, c, path, fields)
}

// Append is Hub.Append on behalf of this connection.
func (c *Conn) Append(ctx context.Context, collection string, data json.RawMessage) (string, error) {
	return c.hub.append(ctx, c, collection, data)
}

// Close detaches the connection and executes every fallback still armed, exactly once.
// A fallback superseded by another connection's write is skipped. Later calls are no-ops.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	paths := make([]string, 0, len(c.fallbacks))
	for path := range c.fallbacks {
		paths = append(paths, path)
	}
	c.mu.Unlock()

	// The connection stays registered while its fallbacks fire so that a concurrent
	// write from a newer connection can still supersede them.
	h := c.hub
	for _, path := range paths {
		ctx, cancel := context.WithTimeout(context.Background(), fallbackTimeout)
		fired, err := h.fireFallback(ctx, c, path)
		cancel()
		switch {
		case err != nil:
			h.log.Error().Err(err).Uint64("conn", c.id).Str("path", path).Msg("disconnect fallback failed")
		case fired:
			fallbacksFired.Inc()
			h.log.Debug().Uint64("conn", c.id).Str("path", path).Msg("disconnect fallback fired")
		}
	}

	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()
	connectionsOpen.Dec()
}
