package auth

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Qwaper/BigD-Gram/internal/db"
	"github.com/Qwaper/BigD-Gram/internal/repo"
)

func newTestService(t *testing.T) *AuthService {
	t.Helper()
	ctx := context.Background()
	conn, err := db.OpenSQLite(ctx, filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, db.Migrate(ctx, conn))

	return NewAuthService(
		NewJWTService("test-secret", time.Hour),
		repo.NewAccountRepo(conn),
		repo.NewRefreshRepo(conn),
		24*time.Hour,
	)
}

func TestAuthService_RegisterAndLogin(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	acc, tokens, err := svc.Register(ctx, "alice@example.com", "s3cret!", "alice")
	require.NoError(t, err)
	assert.NotEmpty(t, tokens.AccessToken)
	assert.NotEmpty(t, tokens.RefreshToken)

	claims, err := svc.jwtService.VerifyToken(tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, acc.ID, claims.UserID)

	_, _, err = svc.Register(ctx, "ALICE@example.com", "another1", "")
	assert.ErrorIs(t, err, ErrAccountExists)

	got, _, err := svc.Login(ctx, "alice@example.com", "s3cret!")
	require.NoError(t, err)
	assert.Equal(t, acc.ID, got.ID)

	_, _, err = svc.Login(ctx, "alice@example.com", "wrong-secret")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, _, err = svc.Login(ctx, "nobody@example.com", "s3cret!")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthService_RegisterValidates(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	for _, tc := range []struct{ addr, secret string }{
		{"no-at-sign", "s3cret!"},
		{"@example.com", "s3cret!"},
		{"alice@", "s3cret!"},
		{"alice@example.com", "short"},
	} {
		_, _, err := svc.Register(ctx, tc.addr, tc.secret, "")
		assert.ErrorIs(t, err, ErrInvalidInput, "%s / %s", tc.addr, tc.secret)
	}
}

func TestAuthService_RefreshRotationAndReuse(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	_, first, err := svc.Register(ctx, "bob@example.com", "s3cret!", "")
	require.NoError(t, err)

	second, err := svc.RefreshTokens(ctx, first.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	_, err = svc.RefreshTokens(ctx, first.RefreshToken)
	assert.ErrorIs(t, err, ErrRefreshTokenReuseDetected)

	// Reuse revoked the whole family.
	_, err = svc.RefreshTokens(ctx, second.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)

	_, err = svc.RefreshTokens(ctx, "garbage")
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestAuthService_RefreshExpired(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	_, tokens, err := svc.Register(ctx, "dave@example.com", "s3cret!", "")
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
	_, err = svc.RefreshTokens(ctx, tokens.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
	assert.ErrorIs(t, svc.Logout(ctx, tokens.RefreshToken), ErrInvalidRefreshToken)
}

func TestAuthService_Logout(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	_, tokens, err := svc.Register(ctx, "carol@example.com", "s3cret!", "")
	require.NoError(t, err)

	require.NoError(t, svc.Logout(ctx, tokens.RefreshToken))
	assert.ErrorIs(t, svc.Logout(ctx, tokens.RefreshToken), ErrInvalidRefreshToken)
	_, err = svc.RefreshTokens(ctx, tokens.RefreshToken)
	assert.Error(t, err)
}

func TestAuthService_SetDisplayName(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	acc, _, err := svc.Register(ctx, "dave@example.com", "s3cret!", "")
	require.NoError(t, err)

	require.NoError(t, svc.SetDisplayName(ctx, acc.ID, "  Dave "))
	got, err := svc.accountRepo.GetByID(ctx, acc.ID.String())
	require.NoError(t, err)
	assert.Equal(t, "Dave", got.DisplayName)

	assert.ErrorIs(t, svc.SetDisplayName(ctx, acc.ID, "  "), ErrInvalidInput)
}
