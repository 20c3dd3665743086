// Package wsclient implements remote.Store over the relay's websocket stream.
//
// The client keeps one socket open, redialling with exponential backoff when it drops.
// Subscriptions survive reconnects: they are re-sent on every new socket and the relay
// answers each with a fresh full snapshot.
package wsclient

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Qwaper/BigD-Gram/internal/remote"
	"github.com/Qwaper/BigD-Gram/internal/wire"
)

// Options configures Dial. Zero durations take defaults.
type Options struct {
	// URL is the ws(s):// stream endpoint.
	URL          string
	AccessToken  string
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Dialer       *websocket.Dialer
	Logger       *zerolog.Logger

	// Refresh, when set, is called after the relay refuses the handshake with 401. The
	// token it returns is used from the next dial on.
	Refresh func(ctx context.Context) (string, error)
}

var errUnauthorized = errors.New("relay rejected the access token")

func (o *Options) withDefaults() {
	if o.MinBackoff <= 0 {
		o.MinBackoff = 250 * time.Millisecond
	}
	if o.MaxBackoff < o.MinBackoff {
		o.MaxBackoff = 30 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 60 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
}

// Client is a reconnecting relay connection.
type Client struct {
	opts Options
	log  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	kick   chan struct{}

	nextID  atomic.Uint64
	nextSub atomic.Uint64

	mu       sync.Mutex
	token    string
	link     *link
	ready    chan struct{}
	subs     map[string]*subscription
	liveness map[uint64]*remote.Mailbox[bool]
	closed   bool
}

var _ remote.Store = (*Client)(nil)

// link is one live socket and the requests waiting on it.
type link struct {
	ws *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan wire.Frame
	done    bool
}

type subscription struct {
	id      string
	path    string
	query   remote.Query
	box     *remote.Mailbox[remote.Snapshot]
	errBox  *remote.Mailbox[error]
	settled bool
}

// Dial starts the connection loop and returns immediately. Operations block until the
// socket is up or their context ends.
func Dial(opts Options) *Client {
	opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		kick:     make(chan struct{}, 1),
		token:    opts.AccessToken,
		ready:    make(chan struct{}),
		subs:     make(map[string]*subscription),
		liveness: make(map[uint64]*remote.Mailbox[bool]),
	}
	if opts.Logger != nil {
		c.log = opts.Logger.With().Str("component", "wsclient").Logger()
	} else {
		c.log = log.With().Str("component", "wsclient").Logger()
	}
	c.wg.Add(1)
	go c.run()
	return c
}

// SetAccessToken replaces the credentials and reconnects so the relay sees them.
// An empty token makes the socket anonymous.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	if c.token == token {
		c.mu.Unlock()
		return
	}
	c.token = token
	l := c.detachLocked(nil)
	c.mu.Unlock()

	if l != nil {
		_ = l.ws.Close()
	}
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Connected reports whether a socket is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link != nil
}

// Close stops reconnecting, drops the socket and ends every subscription.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	l := c.detachLocked(nil)
	subs := c.subs
	c.subs = make(map[string]*subscription)
	boxes := c.liveness
	c.liveness = make(map[uint64]*remote.Mailbox[bool])
	c.mu.Unlock()

	c.cancel()
	if l != nil {
		l.fail()
		_ = l.ws.Close()
	}
	c.wg.Wait()

	for _, s := range subs {
		s.close()
	}
	for _, b := range boxes {
		b.Close()
	}
	return nil
}

func (c *Client) run() {
	defer c.wg.Done()

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.opts.MinBackoff
	exp.MaxInterval = c.opts.MaxBackoff
	exp.MaxElapsedTime = 0
	exp.Reset()

	for c.ctx.Err() == nil {
		ws, err := c.dial()
		if err != nil {
			if errors.Is(err, errUnauthorized) {
				c.refresh()
			}
			wait := exp.NextBackOff()
			c.log.Debug().Err(err).Dur("retry_in", wait).Msg("dial failed")
			timer := time.NewTimer(wait)
			select {
			case <-c.ctx.Done():
				timer.Stop()
				return
			case <-c.kick:
				timer.Stop()
			case <-timer.C:
			}
			continue
		}
		exp.Reset()
		c.serve(ws)
	}
}

func (c *Client) dial() (*websocket.Conn, error) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ws, resp, err := c.opts.Dialer.DialContext(c.ctx, c.opts.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, errUnauthorized
		}
		return nil, err
	}
	return ws, nil
}

// refresh swaps in a new access token after a refused handshake.
func (c *Client) refresh() {
	if c.opts.Refresh == nil {
		c.log.Warn().Msg("relay rejected the access token and no refresh is configured")
		return
	}
	token, err := c.opts.Refresh(c.ctx)
	if err != nil {
		if c.ctx.Err() == nil {
			c.log.Warn().Err(err).Msg("token refresh failed")
		}
		return
	}
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	c.log.Debug().Msg("access token refreshed")
}

// serve runs one socket until it fails.
func (c *Client) serve(ws *websocket.Conn) {
	l := &link{ws: ws, pending: make(map[uint64]chan wire.Frame)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = ws.Close()
		return
	}
	c.link = l
	close(c.ready)
	resend := make([]*subscription, 0, len(c.subs))
	for _, s := range c.subs {
		if s.settled {
			resend = append(resend, s)
		}
	}
	c.notifyLocked(true)
	c.mu.Unlock()
	c.log.Debug().Int("subscriptions", len(resend)).Msg("connected")

	for _, s := range resend {
		q := s.query
		_ = l.write(wire.Frame{Op: wire.OpSubscribe, Sub: s.id, Path: s.path, Query: &q}, c.opts.WriteTimeout)
	}

	c.readLoop(l)

	l.fail()
	_ = ws.Close()
	c.mu.Lock()
	if c.link == l {
		c.detachLocked(l)
	}
	c.mu.Unlock()
	c.log.Debug().Msg("disconnected")
}

// detachLocked drops the current link, if it is l (or any link when l is nil), and
// publishes the disconnect. c.mu must be held.
func (c *Client) detachLocked(l *link) *link {
	cur := c.link
	if cur == nil || (l != nil && cur != l) {
		return nil
	}
	c.link = nil
	c.ready = make(chan struct{})
	c.notifyLocked(false)
	return cur
}

func (c *Client) notifyLocked(connected bool) {
	for _, b := range c.liveness {
		b.Put(connected)
	}
}

func (c *Client) readLoop(l *link) {
	ws := l.ws
	_ = ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	ws.SetPingHandler(func(data string) error {
		_ = ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.opts.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		var f wire.Frame
		if err := ws.ReadJSON(&f); err != nil {
			if c.ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug().Err(err).Msg("read failed")
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		c.dispatch(l, f)
	}
}

func (c *Client) dispatch(l *link, f wire.Frame) {
	if f.Op == wire.OpSnapshot {
		c.mu.Lock()
		s := c.subs[f.Sub]
		c.mu.Unlock()
		if s != nil {
			s.box.Put(remote.Snapshot{Path: s.path, Records: f.Records})
		}
		return
	}
	if f.ID != 0 {
		l.resolve(f)
		return
	}
	// A resubscription was refused. The subscription stays registered, inert, until
	// its owner stops it.
	if f.Op == wire.OpError && f.Sub != "" {
		c.mu.Lock()
		s := c.subs[f.Sub]
		if s != nil {
			s.settled = false
		}
		c.mu.Unlock()
		if s != nil && s.errBox != nil {
			s.errBox.Put(&remote.SubscriptionError{Path: s.path, Err: f.Err()})
		}
	}
}

// current returns the live link, or the channel closed when one comes up.
func (c *Client) current() (*link, <-chan struct{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, nil, remote.ErrClosed
	}
	return c.link, c.ready, nil
}

// request sends f and waits for its reply, waiting for a socket if there is none.
func (c *Client) request(ctx context.Context, f wire.Frame) (wire.Frame, error) {
	for {
		l, ready, err := c.current()
		if err != nil {
			return wire.Frame{}, err
		}
		if l == nil {
			select {
			case <-ready:
				continue
			case <-ctx.Done():
				return wire.Frame{}, ctx.Err()
			case <-c.ctx.Done():
				return wire.Frame{}, remote.ErrClosed
			}
		}

		f.ID = c.nextID.Add(1)
		ch := make(chan wire.Frame, 1)
		if !l.register(f.ID, ch) {
			continue
		}
		if err := l.write(f, c.opts.WriteTimeout); err != nil {
			l.unregister(f.ID)
			_ = l.ws.Close()
			return wire.Frame{}, remote.ErrDisconnected
		}

		select {
		case reply, ok := <-ch:
			if !ok {
				return wire.Frame{}, remote.ErrDisconnected
			}
			if err := reply.Err(); err != nil {
				return reply, err
			}
			return reply, nil
		case <-ctx.Done():
			l.unregister(f.ID)
			return wire.Frame{}, ctx.Err()
		}
	}
}

func (l *link) register(id uint64, ch chan wire.Frame) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		return false
	}
	l.pending[id] = ch
	return true
}

func (l *link) unregister(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.pending, id)
}

func (l *link) resolve(f wire.Frame) {
	l.mu.Lock()
	ch := l.pending[f.ID]
	delete(l.pending, f.ID)
	l.mu.Unlock()
	if ch != nil {
		ch <- f
	}
}

// fail releases every waiting request with ErrDisconnected.
func (l *link) fail() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		return
	}
	l.done = true
	for id, ch := range l.pending {
		close(ch)
		delete(l.pending, id)
	}
}

func (l *link) write(f wire.Frame, timeout time.Duration) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = l.ws.SetWriteDeadline(time.Now().Add(timeout))
	return l.ws.WriteJSON(f)
}

func (s *subscription) close() {
	s.box.Close()
	if s.errBox != nil {
		s.errBox.Close()
	}
}

func (c *Client) newSubID() string {
	return "s" + strconv.FormatUint(c.nextSub.Add(1), 10)
}
