package relay

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Qwaper/BigD-Gram/internal/remote"
)

type livenessLog struct {
	mu     sync.Mutex
	states []bool
}

func (l *livenessLog) record(v bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, v)
}

func (l *livenessLog) latest() (bool, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.states) == 0 {
		return false, false
	}
	return l.states[len(l.states)-1], true
}

func TestLocalStore_ReadWrite(t *testing.T) {
	ctx := context.Background()
	s := NewLocalStore(newTestHub())
	defer s.Close()

	require.NoError(t, s.Set(ctx, "users/u1", map[string]string{"displayName": "One"}, remote.SetOptions{}))
	err := s.Set(ctx, "users/u1", map[string]string{"displayName": "Two"}, remote.SetOptions{FailIfExists: true})
	assert.ErrorIs(t, err, remote.ErrAlreadyExists)
	assert.True(t, remote.IsWriteError(err))

	require.NoError(t, s.Merge(ctx, "users/u1", map[string]any{"normalizedHandle": "one"}))
	rec, ok, err := s.Get(ctx, "users/u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"displayName":"One","normalizedHandle":"one"}`, string(rec.Data))

	key, err := s.Append(ctx, "conversations/a__b/messages", map[string]string{"text": "hi"})
	require.NoError(t, err)
	assert.NotEmpty(t, key)
}

func TestLocalStore_DisconnectFiresFallbacks(t *testing.T) {
	ctx := context.Background()
	hub := newTestHub()
	s := NewLocalStore(hub)
	defer s.Close()

	var live livenessLog
	sub, err := s.SubscribeLiveness(live.record)
	require.NoError(t, err)
	defer sub.Stop()
	require.Eventually(t, func() bool { v, ok := live.latest(); return ok && v }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.OnDisconnect(ctx, "status/u1", map[string]any{"state": "offline", "lastChangedAt": remote.ServerTimestamp}))
	require.NoError(t, s.Set(ctx, "status/u1", map[string]string{"state": "online"}, remote.SetOptions{}))

	s.SetConnected(false)
	require.Eventually(t, func() bool { v, ok := live.latest(); return ok && !v }, time.Second, 5*time.Millisecond)

	rec, ok, err := hub.Get(ctx, "status/u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"state":"offline","lastChangedAt":"2024-03-01T12:00:00Z"}`, string(rec.Data))

	_, _, err = s.Get(ctx, "status/u1")
	assert.ErrorIs(t, err, remote.ErrDisconnected)
	assert.ErrorIs(t, s.Set(ctx, "status/u1", json.RawMessage(`{}`), remote.SetOptions{}), remote.ErrDisconnected)

	s.SetConnected(true)
	require.Eventually(t, func() bool { v, ok := live.latest(); return ok && v }, time.Second, 5*time.Millisecond)
	_, _, err = s.Get(ctx, "status/u1")
	assert.NoError(t, err)
}

func TestLocalStore_SubscribeCollection(t *testing.T) {
	ctx := context.Background()
	s := NewLocalStore(newTestHub())
	defer s.Close()

	var c collector
	sub, err := s.SubscribeCollection(ctx, "status", remote.Query{}, c.sink, nil)
	require.NoError(t, err)
	defer sub.Stop()

	require.NoError(t, s.Set(ctx, "status/u1", map[string]string{"state": "online"}, remote.SetOptions{}))
	c.waitKeys(t, "u1")
}

func TestLocalStore_Closed(t *testing.T) {
	s := NewLocalStore(newTestHub())
	s.Close()
	s.Close()

	_, err := s.SubscribeLiveness(func(bool) {})
	assert.ErrorIs(t, err, remote.ErrClosed)
	_, _, err = s.Get(context.Background(), "users/u1")
	assert.ErrorIs(t, err, remote.ErrClosed)
}
