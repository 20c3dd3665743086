package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Qwaper/BigD-Gram/internal/db"
	"github.com/Qwaper/BigD-Gram/internal/model"
	"github.com/Qwaper/BigD-Gram/internal/remote"
)

func openTestDB(t *testing.T) *db.Conn {
	t.Helper()
	ctx := context.Background()
	conn, err := db.OpenSQLite(ctx, filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, db.Migrate(ctx, conn))
	return conn
}

func TestAccountRepo(t *testing.T) {
	ctx := context.Background()
	accounts := NewAccountRepo(openTestDB(t))

	acc, err := accounts.Create(ctx, "  Alice@Example.com ", "hash", "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", acc.ContactAddress)

	_, err = accounts.Create(ctx, "alice@example.com", "other", "")
	assert.ErrorIs(t, err, ErrAccountExists)

	got, err := accounts.GetByContactAddress(ctx, "ALICE@example.com")
	require.NoError(t, err)
	assert.Equal(t, acc.ID, got.ID)
	assert.Equal(t, "hash", got.SecretHash)
	assert.Equal(t, acc.CreatedAt.UnixMilli(), got.CreatedAt.UnixMilli())

	require.NoError(t, accounts.SetDisplayName(ctx, acc.ID, "Alice"))
	got, err = accounts.GetByID(ctx, acc.ID.String())
	require.NoError(t, err)
	assert.Equal(t, "Alice", got.DisplayName)

	_, err = accounts.GetByID(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrAccountNotFound)
	assert.ErrorIs(t, accounts.SetDisplayName(ctx, uuid.New(), "x"), ErrAccountNotFound)
}

func TestRefreshRepo(t *testing.T) {
	ctx := context.Background()
	conn := openTestDB(t)
	acc, err := NewAccountRepo(conn).Create(ctx, "bob@example.com", "hash", "")
	require.NoError(t, err)
	sessions := NewRefreshRepo(conn)
	now := time.Now()

	id, err := sessions.Create(ctx, acc.ID, "h1", now.Add(time.Hour))
	require.NoError(t, err)

	s, err := sessions.FindByTokenHash(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, id, s.ID)
	assert.Equal(t, acc.ID, s.UserID)
	assert.True(t, s.Active(now))
	assert.False(t, s.Active(now.Add(2*time.Hour)), "expired sessions are inactive")

	next, err := sessions.Rotate(ctx, id, acc.ID, "h2", now.Add(time.Hour))
	require.NoError(t, err)

	s, err = sessions.FindByTokenHash(ctx, "h1")
	require.NoError(t, err)
	assert.False(t, s.Active(now))
	require.NotNil(t, s.ReplacedBy)
	assert.Equal(t, next, *s.ReplacedBy)

	// A second rotation of the same session loses and leaves no orphan successor.
	_, err = sessions.Rotate(ctx, id, acc.ID, "h3", now.Add(time.Hour))
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = sessions.FindByTokenHash(ctx, "h3")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	s, err = sessions.FindByTokenHash(ctx, "h2")
	require.NoError(t, err)
	assert.True(t, s.Active(now))

	require.NoError(t, sessions.RevokeAllForUser(ctx, acc.ID))
	s, err = sessions.FindByTokenHash(ctx, "h2")
	require.NoError(t, err)
	assert.False(t, s.Active(now))
	assert.Nil(t, s.ReplacedBy)
	assert.ErrorIs(t, sessions.Revoke(ctx, s.ID), ErrSessionNotFound, "already revoked")

	_, err = sessions.FindByTokenHash(ctx, "unknown")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRefreshRepo_concurrentRotate(t *testing.T) {
	ctx := context.Background()
	conn := openTestDB(t)
	acc, err := NewAccountRepo(conn).Create(ctx, "carol@example.com", "hash", "")
	require.NoError(t, err)
	sessions := NewRefreshRepo(conn)
	id, err := sessions.Create(ctx, acc.ID, "root", time.Now().Add(time.Hour))
	require.NoError(t, err)

	const n = 8
	var wg sync.WaitGroup
	var won atomic.Int32
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := sessions.Rotate(ctx, id, acc.ID, fmt.Sprintf("next-%d", i), time.Now().Add(time.Hour))
			if err == nil {
				won.Add(1)
				return
			}
			assert.ErrorIs(t, err, ErrSessionNotFound)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), won.Load())
}

func record(path, data string, at time.Time) model.Record {
	parent, key := remote.Split(path)
	return model.Record{Path: path, Parent: parent, Key: key, Data: json.RawMessage(data), CreatedAt: at, UpdatedAt: at}
}

func TestRecordRepo(t *testing.T) {
	ctx := context.Background()
	records := NewRecordRepo(openTestDB(t))
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, records.Create(ctx, record("usernames/alice", `{"ownerId":"u1"}`, t0)))
	assert.ErrorIs(t, records.Create(ctx, record("usernames/alice", `{"ownerId":"u2"}`, t0)), remote.ErrAlreadyExists)

	rec, ok, err := records.Get(ctx, "usernames/alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"ownerId":"u1"}`, string(rec.Data))
	assert.Equal(t, "usernames", rec.Parent)
	assert.Equal(t, "alice", rec.Key)

	_, ok, err = records.Get(ctx, "usernames/nobody")
	require.NoError(t, err)
	assert.False(t, ok)

	t1 := t0.Add(time.Minute)
	require.NoError(t, records.Put(ctx, record("usernames/alice", `{"ownerId":"u3"}`, t1)))
	rec, _, err = records.Get(ctx, "usernames/alice")
	require.NoError(t, err)
	assert.JSONEq(t, `{"ownerId":"u3"}`, string(rec.Data))
	assert.Equal(t, t0, rec.CreatedAt)
	assert.Equal(t, t1, rec.UpdatedAt)
}

func TestRecordRepo_Merge(t *testing.T) {
	ctx := context.Background()
	records := NewRecordRepo(openTestDB(t))
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	merged, err := records.Merge(ctx, "users/u1/contacts/u2", map[string]json.RawMessage{
		"peerId": json.RawMessage(`"u2"`),
	}, t0)
	require.NoError(t, err)
	assert.Equal(t, t0, merged.CreatedAt)

	_, err = records.Merge(ctx, "users/u1/contacts/u2", map[string]json.RawMessage{
		"conversationId": json.RawMessage(`"u1__u2"`),
	}, t0.Add(time.Second))
	require.NoError(t, err)

	rec, ok, err := records.Get(ctx, "users/u1/contacts/u2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"peerId":"u2","conversationId":"u1__u2"}`, string(rec.Data))
	assert.Equal(t, "users/u1/contacts", rec.Parent)
}

func TestRecordRepo_ListChildrenOnly(t *testing.T) {
	ctx := context.Background()
	records := NewRecordRepo(openTestDB(t))
	t0 := time.Now().UTC()

	for _, p := range []string{"users/b", "users/a", "users/C", "users/a/contacts/b", "status/a"} {
		require.NoError(t, records.Put(ctx, record(p, `{}`, t0)))
	}
	list, err := records.List(ctx, "users")
	require.NoError(t, err)
	var keys []string
	for _, r := range list {
		keys = append(keys, r.Key)
	}
	assert.Equal(t, []string{"C", "a", "b"}, keys)
}

func TestRecordRepo_ConcurrentCreate(t *testing.T) {
	ctx := context.Background()
	records := NewRecordRepo(openTestDB(t))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if records.Create(ctx, record("usernames/race", `{"ownerId":"x"}`, time.Now())) == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}
