// Package session is the subscription orchestrator of the sync core. A Client reacts to
// identity session changes by starting the presence tracker and the live subscriptions of
// the signed-in user, reconciles their snapshots into one view and runs user commands.
//
// Every subscription is installed under a generation number. A snapshot is applied only
// while its generation is still the one installed for its name, so nothing a stopped or
// replaced subscription delivers can reach the state.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Qwaper/BigD-Gram/internal/attachment"
	"github.com/Qwaper/BigD-Gram/internal/identity"
	"github.com/Qwaper/BigD-Gram/internal/model"
	"github.com/Qwaper/BigD-Gram/internal/presence"
	"github.com/Qwaper/BigD-Gram/internal/registration"
	"github.com/Qwaper/BigD-Gram/internal/relationship"
	"github.com/Qwaper/BigD-Gram/internal/remote"
)

const (
	defaultMessageWindow = 200
	subscribeTimeout     = 30 * time.Second
	teardownTimeout      = 10 * time.Second
)

var (
	// ErrNotSignedIn is returned by commands that need a session.
	ErrNotSignedIn = errors.New("not signed in")
	// ErrNoActiveConversation is returned by SendMessage before OpenConversation.
	ErrNoActiveConversation = errors.New("no active conversation")
	// ErrEmptyMessage is returned for a message with no text and no attachment.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrNoUploader is returned when an attachment is sent without an uploader.
	ErrNoUploader = errors.New("attachments are not available")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session client closed")
)

// StaleTimestampError reports a message that was stored while the conversation's
// lastMessageAt could not be updated.
type StaleTimestampError struct {
	ConversationID string
	MessageID      string
	Err            error
}

func (e *StaleTimestampError) Error() string {
	return fmt.Sprintf("message %s sent but conversation %s timestamp not updated: %v", e.MessageID, e.ConversationID, e.Err)
}

func (e *StaleTimestampError) Unwrap() error { return e.Err }

type trackerStopper interface {
	Stop(ctx context.Context) error
}

// Options wires a Client to its store, identity provider and uploader.
type Options struct {
	Store    remote.Store
	Identity identity.Provider
	// Uploader is optional; without it SendMessage rejects attachments.
	Uploader attachment.Uploader
	// MessageWindow bounds the messages kept for the active conversation.
	MessageWindow int
	// SetToken is called with the new access token before a session starts and with ""
	// after it ends, so the store transport can switch credentials.
	SetToken func(token string)
	Logger   *zerolog.Logger
}

// Client owns the state of one signed-in user and the subscriptions that feed it.
type Client struct {
	store    remote.Store
	ident    identity.Provider
	uploader attachment.Uploader
	reg      *registration.Service
	rel      *relationship.Manager
	window   int
	setToken func(string)
	log      zerolog.Logger

	cancelIdentity func()
	views          *remote.Mailbox[View]

	lmu     sync.Mutex
	lnext   int
	viewFns map[int]func(View)
	errFns  map[int]func(error)

	mu     sync.Mutex
	state  *state
	gen    uint64
	closed bool
}

// New builds a Client and starts listening for session changes on opts.Identity.
func New(opts Options) *Client {
	c := &Client{
		store:    opts.Store,
		ident:    opts.Identity,
		uploader: opts.Uploader,
		reg:      registration.New(opts.Store, opts.Identity),
		rel:      relationship.New(opts.Store),
		window:   opts.MessageWindow,
		setToken: opts.SetToken,
		viewFns:  make(map[int]func(View)),
		errFns:   make(map[int]func(error)),
	}
	if c.window <= 0 {
		c.window = defaultMessageWindow
	}
	if opts.Logger != nil {
		c.log = opts.Logger.With().Str("component", "session").Logger()
	} else {
		c.log = log.With().Str("component", "session").Logger()
	}
	c.views = remote.NewMailbox(c.fanoutView)
	c.cancelIdentity = opts.Identity.OnSessionChange(c.onSessionChange)
	return c
}

// Subscribe registers fn for view changes and immediately delivers the current view.
// Deliveries are coalesced: fn always sees the newest view, not every intermediate one.
func (c *Client) Subscribe(fn func(View)) (cancel func()) {
	c.lmu.Lock()
	c.lnext++
	id := c.lnext
	c.viewFns[id] = fn
	c.lmu.Unlock()

	c.publish()
	return func() {
		c.lmu.Lock()
		delete(c.viewFns, id)
		c.lmu.Unlock()
	}
}

// OnError registers fn for asynchronous failures: subscription errors and presence
// writes. fn runs on the goroutine that observed the failure.
func (c *Client) OnError(fn func(error)) (cancel func()) {
	c.lmu.Lock()
	defer c.lmu.Unlock()
	c.lnext++
	id := c.lnext
	c.errFns[id] = fn
	return func() {
		c.lmu.Lock()
		delete(c.errFns, id)
		c.lmu.Unlock()
	}
}

func (c *Client) fanoutView(v View) {
	c.lmu.Lock()
	ids := make([]int, 0, len(c.viewFns))
	for id := range c.viewFns {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(View), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.viewFns[id])
	}
	c.lmu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

func (c *Client) report(err error) {
	c.log.Error().Err(err).Msg("session error")
	c.lmu.Lock()
	fns := make([]func(error), 0, len(c.errFns))
	for _, fn := range c.errFns {
		fns = append(fns, fn)
	}
	c.lmu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

// View returns the current derived view.
func (c *Client) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == nil {
		return View{}
	}
	return c.state.snapshot()
}

func (c *Client) Contacts() []ContactView { return c.View().Contacts }

// OnlineUsers lists online users other than the signed-in one.
func (c *Client) OnlineUsers() []OnlineUser { return c.View().Online }

// Messages returns the active conversation in ascending order.
func (c *Client) Messages() []model.Message { return c.View().Messages }

func (c *Client) ChatHeader() ChatHeader { return c.View().Header }

// Me returns the signed-in user, or nil.
func (c *Client) Me() *Me { return c.View().Me }

func (c *Client) onSessionChange(s *identity.Session) {
	if s == nil {
		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		if err := c.teardown(ctx); err != nil {
			c.report(err)
		}
		if c.setToken != nil {
			c.setToken("")
		}
		return
	}

	if c.setToken != nil {
		c.setToken(s.AccessToken)
	}

	// A token refresh for the same user keeps the running session. st.me is never
	// rewritten, commands read it without the lock.
	c.mu.Lock()
	if c.closed || (c.state != nil && c.state.me.UserID == s.UserID) {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := c.teardown(ctx); err != nil {
		c.report(err)
	}
	c.start(*s)
}

// start installs the state for s, then the tracker and the users, status and contacts
// subscriptions.
func (c *Client) start(s identity.Session) {
	st := newState(s)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.state = st
	c.publishLocked()
	c.mu.Unlock()
	c.log.Info().Str("user_id", s.UserID).Msg("session started")

	logger := c.log
	tr, err := presence.Start(c.store, s.UserID, presence.Options{Logger: &logger, OnError: c.report})
	if err != nil {
		c.report(fmt.Errorf("start presence: %w", err))
	} else {
		c.mu.Lock()
		current := c.state == st
		if current {
			st.tracker = tr
		}
		c.mu.Unlock()
		if !current {
			ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
			if err := tr.Stop(ctx); err != nil {
				c.report(fmt.Errorf("stop presence: %w", err))
			}
			cancel()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
	defer cancel()
	c.install(ctx, st, subUsers, model.UsersCollection, remote.Query{}, func(snap remote.Snapshot) func(*state) derivation {
		users := decodeUsers(c.log, snap)
		return func(st *state) derivation {
			st.users = users
			return deriveContacts | deriveOnline | deriveHeader
		}
	})
	c.install(ctx, st, subStatus, model.StatusCollection, remote.Query{}, func(snap remote.Snapshot) func(*state) derivation {
		pres := decodePresence(c.log, snap)
		return func(st *state) derivation {
			st.presence = pres
			return deriveContacts | deriveOnline | deriveHeader
		}
	})
	c.install(ctx, st, subContacts, model.ContactsPath(s.UserID), remote.Query{}, func(snap remote.Snapshot) func(*state) derivation {
		contacts := decodeContacts(c.log, snap)
		return func(st *state) derivation {
			st.contacts = contacts
			return deriveContacts | deriveOnline | deriveHeader
		}
	})
}

// install reserves a generation for name, replacing and stopping any subscription
// installed under it, then subscribes. It reports whether the subscription is live.
func (c *Client) install(ctx context.Context, st *state, name, path string, q remote.Query, decode func(remote.Snapshot) func(*state) derivation) bool {
	c.mu.Lock()
	if c.state != st {
		c.mu.Unlock()
		return false
	}
	c.gen++
	h := &handle{gen: c.gen}
	prev := st.subs[name]
	st.subs[name] = h
	c.mu.Unlock()

	if prev != nil && prev.sub != nil {
		prev.sub.Stop()
	}

	onSnapshot := func(snap remote.Snapshot) {
		mutate := decode(snap)
		c.apply(st, name, h.gen, mutate)
	}
	onError := func(err error) {
		if c.current(st, name, h.gen) {
			c.report(fmt.Errorf("%s subscription: %w", name, err))
		}
	}

	sub, err := c.store.SubscribeCollection(ctx, path, q, onSnapshot, onError)
	if err != nil {
		c.report(fmt.Errorf("subscribe %s: %w", name, err))
		return false
	}

	c.mu.Lock()
	live := c.state == st && st.subs[name] == h
	if live {
		h.sub = sub
	}
	c.mu.Unlock()
	if !live {
		sub.Stop()
	}
	return live
}

func (c *Client) current(st *state, name string, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := st.subs[name]
	return c.state == st && h != nil && h.gen == gen
}

func (c *Client) apply(st *state, name string, gen uint64, mutate func(*state) derivation) {
	c.mu.Lock()
	h := st.subs[name]
	if c.state != st || h == nil || h.gen != gen {
		c.mu.Unlock()
		snapshotsStale.WithLabelValues(name).Inc()
		c.log.Debug().Str("subscription", name).Uint64("gen", gen).Msg("dropped stale snapshot")
		return
	}
	st.derive(mutate(st))
	c.publishLocked()
	c.mu.Unlock()
	snapshotsApplied.WithLabelValues(name).Inc()
}

func (c *Client) publish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishLocked()
}

// publishLocked hands the view to the listeners. It runs under mu so views reach the
// mailbox in state order.
func (c *Client) publishLocked() {
	if c.state == nil {
		c.views.Put(View{})
		return
	}
	c.views.Put(c.state.snapshot())
}

// teardown stops every subscription and the tracker of the current session and clears
// the state. The tracker writes offline on its way out.
func (c *Client) teardown(ctx context.Context) error {
	c.mu.Lock()
	st := c.state
	if st == nil {
		c.mu.Unlock()
		return nil
	}
	c.state = nil
	subs := make([]remote.Subscription, 0, len(st.subs))
	for name, h := range st.subs {
		if h.sub != nil {
			subs = append(subs, h.sub)
		}
		delete(st.subs, name)
	}
	tr := st.tracker
	st.tracker = nil
	c.publishLocked()
	c.mu.Unlock()

	for _, sub := range subs {
		sub.Stop()
	}
	var err error
	if tr != nil {
		if err = tr.Stop(ctx); err != nil {
			err = fmt.Errorf("stop presence: %w", err)
		}
	}
	c.log.Info().Str("user_id", st.me.UserID).Msg("session ended")
	return err
}

// Close ends the running session without signing out of the identity provider and
// releases the client. Later calls are no-ops.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancelIdentity()
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	err := c.teardown(ctx)
	c.views.Close()
	return err
}

func (c *Client) session() (*state, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.state == nil {
		return nil, ErrNotSignedIn
	}
	return c.state, nil
}
