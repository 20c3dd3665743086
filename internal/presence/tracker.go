// Package presence maps store liveness to the signed-in user's status record.
package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Qwaper/BigD-Gram/internal/model"
	"github.com/Qwaper/BigD-Gram/internal/remote"
)

const writeTimeout = 10 * time.Second

// Options configures a Tracker. Both fields are optional.
type Options struct {
	Logger *zerolog.Logger
	// OnError receives failed presence writes. They are logged either way.
	OnError func(error)
}

// Tracker is the only writer of status/{userID} for one session.
type Tracker struct {
	store   remote.Store
	userID  string
	path    string
	log     zerolog.Logger
	onError func(error)

	ctx    context.Context
	cancel context.CancelFunc
	sub    remote.Subscription

	// writeMu keeps a liveness-triggered write from landing after Stop's offline write.
	writeMu sync.Mutex

	mu      sync.Mutex
	stopped bool
}

// Start subscribes to liveness. Every time the connection comes up the tracker arms the
// offline fallback and then writes online.
func Start(store remote.Store, userID string, opts Options) (*Tracker, error) {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Tracker{
		store:   store,
		userID:  userID,
		path:    model.StatusPath(userID),
		onError: opts.OnError,
		ctx:     ctx,
		cancel:  cancel,
	}
	if opts.Logger != nil {
		t.log = opts.Logger.With().Str("component", "presence").Str("user_id", userID).Logger()
	} else {
		t.log = log.With().Str("component", "presence").Str("user_id", userID).Logger()
	}

	sub, err := store.SubscribeLiveness(t.onLiveness)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe liveness: %w", err)
	}
	t.mu.Lock()
	t.sub = sub
	t.mu.Unlock()
	return t, nil
}

func record(state model.PresenceState) map[string]any {
	return map[string]any{"state": state, "lastChangedAt": remote.ServerTimestamp}
}

func (t *Tracker) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *Tracker) onLiveness(connected bool) {
	// Losing the connection needs no local action: the relay fires the armed fallback.
	if !connected {
		t.log.Debug().Msg("connection lost")
		return
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.isStopped() {
		return
	}

	ctx, cancel := context.WithTimeout(t.ctx, writeTimeout)
	defer cancel()
	if err := t.store.OnDisconnect(ctx, t.path, record(model.PresenceOffline)); err != nil {
		t.report(fmt.Errorf("arm offline fallback: %w", err))
		return
	}
	if err := t.store.Set(ctx, t.path, record(model.PresenceOnline), remote.SetOptions{}); err != nil {
		t.report(fmt.Errorf("write online: %w", err))
		return
	}
	t.log.Debug().Msg("online")
}

func (t *Tracker) report(err error) {
	if t.isStopped() && errors.Is(err, context.Canceled) {
		return
	}
	t.log.Warn().Err(err).Msg("presence write failed")
	if t.onError != nil {
		t.onError(err)
	}
}

// Stop ends tracking for a graceful sign-out: it stops the liveness subscription,
// disarms the fallback and writes offline. Later calls are no-ops.
func (t *Tracker) Stop(ctx context.Context) error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	sub := t.sub
	t.mu.Unlock()

	t.cancel()
	if sub != nil {
		sub.Stop()
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	var errs []error
	if err := t.store.CancelOnDisconnect(ctx, t.path); err != nil {
		errs = append(errs, fmt.Errorf("cancel offline fallback: %w", err))
	}
	if err := t.store.Set(ctx, t.path, record(model.PresenceOffline), remote.SetOptions{}); err != nil {
		errs = append(errs, fmt.Errorf("write offline: %w", err))
	}
	t.log.Debug().Msg("offline")
	return errors.Join(errs...)
}
