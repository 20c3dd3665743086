package presence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Qwaper/BigD-Gram/internal/model"
	"github.com/Qwaper/BigD-Gram/internal/relay"
	"github.com/Qwaper/BigD-Gram/internal/remote"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func stateOf(t *testing.T, hub *relay.Hub, userID string) model.PresenceRecord {
	t.Helper()
	rec, found, err := hub.Get(context.Background(), model.StatusPath(userID))
	require.NoError(t, err)
	if !found {
		return model.PresenceRecord{}
	}
	var p model.PresenceRecord
	require.NoError(t, rec.Decode(&p))
	return p
}

func waitState(t *testing.T, hub *relay.Hub, userID string, want model.PresenceState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return stateOf(t, hub, userID).State == want
	}, 2*time.Second, 5*time.Millisecond, "want %s", want)
}

func TestTracker_onlineThenFallbackOnDrop(t *testing.T) {
	hub := relay.NewHub(relay.NewMemoryBackend())
	store := relay.NewLocalStore(hub)
	defer store.Close()

	tr, err := Start(store, "u1", Options{})
	require.NoError(t, err)
	defer func() { _ = tr.Stop(context.Background()) }()

	waitState(t, hub, "u1", model.PresenceOnline)

	// Ungraceful loss: the armed fallback writes offline.
	store.SetConnected(false)
	waitState(t, hub, "u1", model.PresenceOffline)
	assert.False(t, stateOf(t, hub, "u1").LastChangedAt.IsZero())

	// Reconnecting re-arms and writes online again.
	store.SetConnected(true)
	waitState(t, hub, "u1", model.PresenceOnline)

	store.SetConnected(false)
	waitState(t, hub, "u1", model.PresenceOffline)
}

func TestTracker_StopWritesOfflineAndDisarms(t *testing.T) {
	ctx := context.Background()
	hub := relay.NewHub(relay.NewMemoryBackend())
	store := relay.NewLocalStore(hub)
	defer store.Close()

	tr, err := Start(store, "u1", Options{})
	require.NoError(t, err)
	waitState(t, hub, "u1", model.PresenceOnline)

	require.NoError(t, tr.Stop(ctx))
	assert.Equal(t, model.PresenceOffline, stateOf(t, hub, "u1").State)
	require.NoError(t, tr.Stop(ctx))

	// Nothing is armed any more: dropping the connection leaves a later value alone.
	other := relay.NewLocalStore(hub)
	defer other.Close()
	require.NoError(t, other.Set(ctx, model.StatusPath("u1"), map[string]any{"state": model.PresenceOnline}, remote.SetOptions{}))
	store.SetConnected(false)
	store.SetConnected(true)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, model.PresenceOnline, stateOf(t, hub, "u1").State, "stopped tracker must not write")
}

func TestTracker_reportsWriteErrors(t *testing.T) {
	hub := relay.NewHub(relay.NewMemoryBackend())
	store := relay.NewLocalStore(hub)

	errs := make(chan error, 4)
	// An invalid user id makes every presence path invalid.
	tr, err := Start(store, "bad/id", Options{OnError: func(err error) { errs <- err }})
	require.NoError(t, err)

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, remote.ErrInvalidPath)
	case <-time.After(2 * time.Second):
		t.Fatal("no error reported")
	}
	assert.Error(t, tr.Stop(context.Background()))
	store.Close()
}

func TestStart_closedStore(t *testing.T) {
	store := relay.NewLocalStore(relay.NewHub(relay.NewMemoryBackend()))
	store.Close()
	_, err := Start(store, "u1", Options{})
	assert.ErrorIs(t, err, remote.ErrClosed)
}
