package registration

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Qwaper/BigD-Gram/internal/identity"
	"github.com/Qwaper/BigD-Gram/internal/model"
	"github.com/Qwaper/BigD-Gram/internal/relay"
	"github.com/Qwaper/BigD-Gram/internal/remote"
)

type world struct {
	hub *relay.Hub
	dir *identity.Directory
}

func newWorld() *world {
	return &world{hub: relay.NewHub(relay.NewMemoryBackend()), dir: identity.NewDirectory()}
}

func (w *world) client(t *testing.T) (*Service, *relay.LocalStore) {
	t.Helper()
	store := relay.NewLocalStore(w.hub)
	t.Cleanup(store.Close)
	return New(store, w.dir.Provider()), store
}

func TestNormalizeHandle(t *testing.T) {
	for _, tc := range []struct {
		in, want string
		ok       bool
	}{
		{"alice_1", "alice_1", true},
		{"  Alice.B ", "alice.b", true},
		{"abc", "abc", true},
		{"ab", "", false},
		{"a-b-c", "", false},
		{"twentyonecharacters_", "twentyonecharacters_", true},
		{"twentyonecharacters_x", "", false},
		{"émile", "", false},
		{"", "", false},
	} {
		got, err := NormalizeHandle(tc.in)
		if !tc.ok {
			assert.ErrorIs(t, err, ErrInvalidHandle, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got)
	}
}

func TestRegister_writesProfileAndReservation(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	svc, store := w.client(t)

	res, err := svc.Register(ctx, "Alice_1", "alice@example.com", "secret1")
	require.NoError(t, err)
	assert.Equal(t, "alice_1", res.Profile.NormalizedHandle)
	assert.Equal(t, "Alice_1", res.Session.DisplayName)

	rec, found, err := store.Get(ctx, model.HandlePath("alice_1"))
	require.NoError(t, err)
	require.True(t, found)
	var claim model.HandleReservation
	require.NoError(t, rec.Decode(&claim))
	assert.Equal(t, res.Session.UserID, claim.OwnerID)

	rec, found, err = store.Get(ctx, model.UserPath(claim.OwnerID))
	require.NoError(t, err)
	require.True(t, found)
	var profile model.UserProfile
	require.NoError(t, rec.Decode(&profile))
	assert.Equal(t, "alice_1", profile.NormalizedHandle)
	assert.Equal(t, "alice@example.com", profile.ContactAddress)
	assert.False(t, profile.CreatedAt.IsZero())

	name, _ := w.dir.DisplayName(res.Session.UserID)
	assert.Equal(t, "Alice_1", name)
}

func TestRegister_invalidHandleDoesNoIO(t *testing.T) {
	w := newWorld()
	svc, store := w.client(t)
	store.Close()

	_, err := svc.Register(context.Background(), "no", "x@example.com", "secret1")
	assert.ErrorIs(t, err, ErrInvalidHandle)
	step, ok := FailedStep(err)
	require.True(t, ok)
	assert.Equal(t, StepValidating, step)
}

func TestRegister_takenHandleStopsBeforeCredential(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	first, _ := w.client(t)
	second, _ := w.client(t)

	_, err := first.Register(ctx, "bob", "bob@example.com", "secret1")
	require.NoError(t, err)

	_, err = second.Register(ctx, "BOB", "other@example.com", "secret1")
	assert.ErrorIs(t, err, ErrHandleTaken)
	step, _ := FailedStep(err)
	assert.Equal(t, StepReservingHandle, step)

	_, err = w.dir.Provider().Authenticate(ctx, "other@example.com", "secret1")
	assert.ErrorIs(t, err, identity.ErrInvalidCredentials, "no account may be created for a taken handle")
}

func TestRegister_identityErrorSurfacesVerbatim(t *testing.T) {
	w := newWorld()
	svc, _ := w.client(t)
	boom := errors.New("identity service unavailable")
	w.dir.FailNext(boom)

	_, err := svc.Register(context.Background(), "carol", "carol@example.com", "secret1")
	assert.ErrorIs(t, err, boom)
	step, _ := FailedStep(err)
	assert.Equal(t, StepCreatingCredential, step)

	_, err = svc.Register(context.Background(), "carol", "carol@example.com", "123")
	assert.ErrorIs(t, err, identity.ErrInvalidInput)
}

// staleHandles hides handle reservations from reads, as if the read raced a concurrent
// claim.
type staleHandles struct {
	remote.Store
}

func (s staleHandles) Get(ctx context.Context, path string) (remote.Record, bool, error) {
	if parent, _ := remote.Split(path); parent == model.HandlesCollection {
		return remote.Record{}, false, nil
	}
	return s.Store.Get(ctx, path)
}

func TestRegister_lostClaimOrphansProfile(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	winner, _ := w.client(t)
	_, err := winner.Register(ctx, "dave", "dave@example.com", "secret1")
	require.NoError(t, err)

	store := relay.NewLocalStore(w.hub)
	defer store.Close()
	loser := New(staleHandles{store}, w.dir.Provider())

	_, err = loser.Register(ctx, "dave", "dave2@example.com", "secret1")
	assert.ErrorIs(t, err, ErrHandleTaken)
	assert.ErrorIs(t, err, remote.ErrAlreadyExists)

	var se *StepError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, StepClaimingHandle, se.Step)
	require.NotEmpty(t, se.UserID)

	_, found, err := store.Get(ctx, model.UserPath(se.UserID))
	require.NoError(t, err)
	assert.True(t, found, "the loser's profile is left behind")
}

func TestRegister_concurrentSameHandle(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	alice, _ := w.client(t)
	bob, _ := w.client(t)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, c := range []struct {
		svc  *Service
		addr string
	}{{alice, "alice@example.com"}, {bob, "bob@example.com"}} {
		wg.Add(1)
		go func(i int, svc *Service, addr string) {
			defer wg.Done()
			_, errs[i] = svc.Register(ctx, "alice_1", addr, "secret1")
		}(i, c.svc, c.addr)
	}
	wg.Wait()

	var ok, taken int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrHandleTaken):
			taken++
			if step, _ := FailedStep(err); step == StepClaimingHandle {
				assert.ErrorIs(t, err, remote.ErrAlreadyExists)
			}
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, taken)
}

func TestSignIn(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	svc, _ := w.client(t)

	res, err := svc.Register(ctx, "erin", "erin@example.com", "secret1")
	require.NoError(t, err)

	byHandle, err := svc.SignIn(ctx, "ERIN", "secret1")
	require.NoError(t, err)
	assert.Equal(t, res.Session.UserID, byHandle.UserID)

	byAddress, err := svc.SignIn(ctx, "erin@example.com", "secret1")
	require.NoError(t, err)
	assert.Equal(t, res.Session.UserID, byAddress.UserID)

	_, err = svc.SignIn(ctx, "erin", "wrong-secret")
	assert.ErrorIs(t, err, identity.ErrInvalidCredentials)

	_, err = svc.SignIn(ctx, "nobody", "secret1")
	assert.ErrorIs(t, err, ErrUnknownHandle)
}

func TestResolve_profileMissing(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	svc, store := w.client(t)

	require.NoError(t, store.Set(ctx, model.HandlePath("ghost"), model.HandleReservation{OwnerID: "u-ghost"}, remote.SetOptions{}))
	_, err := svc.Resolve(ctx, "ghost")
	assert.ErrorIs(t, err, ErrProfileMissing)

	_, err = svc.SignIn(ctx, "ghost", "secret1")
	assert.ErrorIs(t, err, ErrProfileMissing)
}

func TestSearchByHandle(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	svc, _ := w.client(t)

	frank, err := svc.Register(ctx, "frank", "frank@example.com", "secret1")
	require.NoError(t, err)
	grace, err := svc.Register(ctx, "grace", "grace@example.com", "secret1")
	require.NoError(t, err)

	p, err := svc.SearchByHandle(ctx, frank.Session.UserID, "Grace")
	require.NoError(t, err)
	assert.Equal(t, grace.Session.UserID, p.ID)

	_, err = svc.SearchByHandle(ctx, frank.Session.UserID, "frank")
	assert.ErrorIs(t, err, ErrSelf)

	_, err = svc.SearchByHandle(ctx, frank.Session.UserID, "x")
	assert.ErrorIs(t, err, ErrUnknownHandle)
}
