package wsclient

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Qwaper/BigD-Gram/internal/auth"
	"github.com/Qwaper/BigD-Gram/internal/convid"
	"github.com/Qwaper/BigD-Gram/internal/http/handlers"
	"github.com/Qwaper/BigD-Gram/internal/middleware"
	"github.com/Qwaper/BigD-Gram/internal/model"
	"github.com/Qwaper/BigD-Gram/internal/relay"
	"github.com/Qwaper/BigD-Gram/internal/remote"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type relayServer struct {
	hub *relay.Hub
	jwt *auth.JWTService
	srv *httptest.Server
}

func newRelayServer(t *testing.T) *relayServer {
	t.Helper()
	hub := relay.NewHub(relay.NewMemoryBackend())
	jwt := auth.NewJWTService("test-secret-test-secret", time.Hour)

	r := chi.NewRouter()
	r.With(middleware.OptionalAuth(jwt)).Get("/v1/stream", handlers.NewStreamHandler(hub, nil).ServeHTTP)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		hub.Shutdown()
		srv.Close()
	})
	return &relayServer{hub: hub, jwt: jwt, srv: srv}
}

func (s *relayServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/v1/stream"
}

func (s *relayServer) token(t *testing.T, userID uuid.UUID) string {
	t.Helper()
	tok, err := s.jwt.SignAccessToken(userID, "someone@example.com")
	require.NoError(t, err)
	return tok
}

func (s *relayServer) dial(t *testing.T, token string) *Client {
	t.Helper()
	c := Dial(Options{URL: s.url(), AccessToken: token, MinBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

type snapshots struct {
	mu   sync.Mutex
	last *remote.Snapshot
	n    int
}

func (s *snapshots) put(snap remote.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = &snap
	s.n++
}

func (s *snapshots) keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	out := make([]string, 0, len(s.last.Records))
	for _, r := range s.last.Records {
		out = append(out, r.Key)
	}
	return out
}

func (s *snapshots) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

func TestClient_readWrite(t *testing.T) {
	rs := newRelayServer(t)
	me := uuid.New()
	c := rs.dial(t, rs.token(t, me))
	ctx := ctxT(t)

	path := model.UserPath(me.String())
	require.NoError(t, c.Set(ctx, path, map[string]any{"id": me.String(), "displayName": "Ann"}, remote.SetOptions{}))
	require.NoError(t, c.Merge(ctx, path, map[string]any{"createdAt": remote.ServerTimestamp}))

	rec, found, err := c.Get(ctx, path)
	require.NoError(t, err)
	require.True(t, found)
	var p model.UserProfile
	require.NoError(t, rec.Decode(&p))
	assert.Equal(t, "Ann", p.DisplayName)
	assert.False(t, p.CreatedAt.IsZero())

	_, found, err = c.Get(ctx, model.UserPath(uuid.NewString()))
	require.NoError(t, err)
	assert.False(t, found)
	assert.True(t, c.Connected())
}

func TestClient_failIfExists(t *testing.T) {
	rs := newRelayServer(t)
	me := uuid.New()
	c := rs.dial(t, rs.token(t, me))
	ctx := ctxT(t)

	claim := model.HandleReservation{OwnerID: me.String()}
	require.NoError(t, c.Set(ctx, model.HandlePath("ann"), claim, remote.SetOptions{FailIfExists: true}))

	err := c.Set(ctx, model.HandlePath("ann"), claim, remote.SetOptions{FailIfExists: true})
	assert.ErrorIs(t, err, remote.ErrAlreadyExists)
	assert.True(t, remote.IsWriteError(err))
}

func TestClient_anonymousIsReadOnly(t *testing.T) {
	rs := newRelayServer(t)
	c := rs.dial(t, "")
	ctx := ctxT(t)

	_, found, err := c.Get(ctx, model.HandlePath("nobody"))
	require.NoError(t, err)
	assert.False(t, found)

	err = c.Set(ctx, model.UserPath(uuid.NewString()), map[string]any{"x": 1}, remote.SetOptions{})
	assert.ErrorIs(t, err, remote.ErrPermissionDenied)

	_, err = c.SubscribeCollection(ctx, model.StatusCollection, remote.Query{}, func(remote.Snapshot) {}, nil)
	var subErr *remote.SubscriptionError
	require.True(t, errors.As(err, &subErr))
	assert.ErrorIs(t, err, remote.ErrPermissionDenied)
}

func TestClient_subscribeAndAppend(t *testing.T) {
	rs := newRelayServer(t)
	me, peer := uuid.New(), uuid.New()
	c := rs.dial(t, rs.token(t, me))
	ctx := ctxT(t)

	convID := convid.For(me.String(), peer.String())
	conv := model.Conversation{ID: convID, ParticipantIDs: []string{me.String(), peer.String()}}
	require.NoError(t, c.Set(ctx, model.ConversationPath(convID), conv, remote.SetOptions{}))

	var got snapshots
	sub, err := c.SubscribeCollection(ctx, model.MessagesPath(convID), remote.Query{LimitToLast: 2}, got.put, nil)
	require.NoError(t, err)
	defer sub.Stop()

	var keys []string
	for _, text := range []string{"one", "two", "three"} {
		key, err := c.Append(ctx, model.MessagesPath(convID), map[string]any{"text": text})
		require.NoError(t, err)
		keys = append(keys, key)
	}

	assert.Eventually(t, func() bool {
		k := got.keys()
		return len(k) == 2 && k[0] == keys[1] && k[1] == keys[2]
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClient_resubscribesAfterReconnect(t *testing.T) {
	rs := newRelayServer(t)
	me := uuid.New()
	c := rs.dial(t, rs.token(t, me))
	ctx := ctxT(t)

	var live []bool
	var mu sync.Mutex
	lsub, err := c.SubscribeLiveness(func(up bool) {
		mu.Lock()
		defer mu.Unlock()
		live = append(live, up)
	})
	require.NoError(t, err)
	defer lsub.Stop()

	var got snapshots
	sub, err := c.SubscribeCollection(ctx, model.UsersCollection, remote.Query{}, got.put, nil)
	require.NoError(t, err)
	defer sub.Stop()
	require.Eventually(t, func() bool { return got.count() >= 1 }, 2*time.Second, 10*time.Millisecond)

	before := got.count()

	// Dropping every server-side connection forces a redial; the resent subscription
	// answers with a fresh snapshot.
	rs.hub.Shutdown()
	require.Eventually(t, func() bool { return got.count() > before }, 3*time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(live) > 0 && live[len(live)-1]
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Set(ctx, model.UserPath(me.String()), map[string]any{"id": me.String()}, remote.SetOptions{}))
	assert.Eventually(t, func() bool {
		k := got.keys()
		return len(k) == 1 && k[0] == me.String()
	}, 3*time.Second, 10*time.Millisecond)
}

func TestClient_disconnectFallback(t *testing.T) {
	rs := newRelayServer(t)
	me := uuid.New()
	c := Dial(Options{URL: rs.url(), AccessToken: rs.token(t, me)})
	ctx := ctxT(t)

	status := model.StatusPath(me.String())
	require.NoError(t, c.Set(ctx, status, map[string]any{"state": "online"}, remote.SetOptions{}))
	require.NoError(t, c.OnDisconnect(ctx, status, map[string]any{"state": "offline", "lastChangedAt": remote.ServerTimestamp}))
	require.NoError(t, c.Close())

	assert.Eventually(t, func() bool {
		rec, found, err := rs.hub.Get(context.Background(), status)
		if err != nil || !found {
			return false
		}
		var p model.PresenceRecord
		return rec.Decode(&p) == nil && p.State == model.PresenceOffline
	}, 3*time.Second, 10*time.Millisecond)
}

func TestClient_cancelFallback(t *testing.T) {
	rs := newRelayServer(t)
	me := uuid.New()
	c := Dial(Options{URL: rs.url(), AccessToken: rs.token(t, me)})
	ctx := ctxT(t)

	status := model.StatusPath(me.String())
	require.NoError(t, c.Set(ctx, status, map[string]any{"state": "online"}, remote.SetOptions{}))
	require.NoError(t, c.OnDisconnect(ctx, status, map[string]any{"state": "offline"}))
	require.NoError(t, c.CancelOnDisconnect(ctx, status))
	require.NoError(t, c.Close())

	// Give the relay time to notice the socket is gone.
	time.Sleep(100 * time.Millisecond)
	rec, found, err := rs.hub.Get(context.Background(), status)
	require.NoError(t, err)
	require.True(t, found)
	var p model.PresenceRecord
	require.NoError(t, rec.Decode(&p))
	assert.Equal(t, model.PresenceOnline, p.State)
}

func TestClient_requestsWaitForConnection(t *testing.T) {
	c := Dial(Options{URL: "ws://127.0.0.1:1/v1/stream", MinBackoff: 10 * time.Millisecond, MaxBackoff: 20 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, _, err := c.Get(ctx, model.UserPath("x"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, c.Connected())

	require.NoError(t, c.Close())
	_, _, err = c.Get(context.Background(), model.UserPath("x"))
	assert.ErrorIs(t, err, remote.ErrClosed)
	require.NoError(t, c.Close())
}

func TestClient_refreshesRejectedToken(t *testing.T) {
	rs := newRelayServer(t)
	me := uuid.New()
	expired, err := auth.NewJWTService("test-secret-test-secret", -time.Minute).SignAccessToken(me, "someone@example.com")
	require.NoError(t, err)
	fresh := rs.token(t, me)

	var refreshes atomic.Int32
	c := Dial(Options{
		URL:         rs.url(),
		AccessToken: expired,
		MinBackoff:  10 * time.Millisecond,
		MaxBackoff:  50 * time.Millisecond,
		Refresh: func(ctx context.Context) (string, error) {
			refreshes.Add(1)
			return fresh, nil
		},
	})
	t.Cleanup(func() { _ = c.Close() })
	ctx := ctxT(t)

	// The write needs the caller's identity, so it only succeeds on the refreshed token.
	require.NoError(t, c.Set(ctx, model.StatusPath(me.String()), map[string]any{"state": "online"}, remote.SetOptions{}))
	assert.Equal(t, int32(1), refreshes.Load())
	assert.True(t, c.Connected())
}

func TestClient_failedRefreshKeepsRetrying(t *testing.T) {
	rs := newRelayServer(t)
	expired, err := auth.NewJWTService("test-secret-test-secret", -time.Minute).SignAccessToken(uuid.New(), "someone@example.com")
	require.NoError(t, err)

	var refreshes atomic.Int32
	c := Dial(Options{
		URL:         rs.url(),
		AccessToken: expired,
		MinBackoff:  10 * time.Millisecond,
		MaxBackoff:  20 * time.Millisecond,
		Refresh: func(ctx context.Context) (string, error) {
			refreshes.Add(1)
			return "", errors.New("refresh token revoked")
		},
	})
	t.Cleanup(func() { _ = c.Close() })

	require.Eventually(t, func() bool { return refreshes.Load() >= 2 }, 3*time.Second, 10*time.Millisecond)
	assert.False(t, c.Connected())
}
