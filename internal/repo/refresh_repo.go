package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Qwaper/BigD-Gram/internal/db"
	"github.com/Qwaper/BigD-Gram/internal/model"
)

// ErrSessionNotFound is returned when no refresh session matches, or when the session to
// rotate was already revoked.
var ErrSessionNotFound = errors.New("refresh session not found")

// RefreshRepo stores refresh sessions. Tokens are only ever stored as hashes.
type RefreshRepo interface {
	Create(ctx context.Context, userID uuid.UUID, tokenHash string, expiresAt time.Time) (uuid.UUID, error)
	// FindByTokenHash returns the session in any state; callers check Active and ReplacedBy.
	FindByTokenHash(ctx context.Context, tokenHash string) (model.RefreshSession, error)
	// Rotate revokes sessionID and creates its successor in one transaction. It fails with
	// ErrSessionNotFound when sessionID is no longer active, so of two concurrent rotations of
	// the same session exactly one succeeds.
	Rotate(ctx context.Context, sessionID, userID uuid.UUID, newHash string, expiresAt time.Time) (uuid.UUID, error)
	Revoke(ctx context.Context, sessionID uuid.UUID) error
	RevokeAllForUser(ctx context.Context, userID uuid.UUID) error
}

type refreshRepo struct {
	db  *db.Conn
	now func() time.Time
}

// NewRefreshRepo creates a new RefreshRepo instance
func NewRefreshRepo(conn *db.Conn) RefreshRepo {
	return &refreshRepo{db: conn, now: time.Now}
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r *refreshRepo) insert(ctx context.Context, ex execer, userID uuid.UUID, tokenHash string, expiresAt time.Time) (uuid.UUID, error) {
	id := uuid.New()
	_, err := ex.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO refresh_sessions (id, user_id, token_hash, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`), id.String(), userID.String(), tokenHash, r.now().UnixMilli(), expiresAt.UnixMilli())
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert refresh session: %w", err)
	}
	return id, nil
}

func (r *refreshRepo) Create(ctx context.Context, userID uuid.UUID, tokenHash string, expiresAt time.Time) (uuid.UUID, error) {
	return r.insert(ctx, r.db, userID, tokenHash, expiresAt)
}

func (r *refreshRepo) FindByTokenHash(ctx context.Context, tokenHash string) (model.RefreshSession, error) {
	var (
		s                    model.RefreshSession
		idStr, userIDStr     string
		createdAt, expiresAt int64
		revokedAt            sql.NullInt64
		replacedBy           sql.NullString
	)
	err := r.db.QueryRowContext(ctx, r.db.Rebind(`
		SELECT id, user_id, token_hash, created_at, expires_at, revoked_at, replaced_by
		FROM refresh_sessions WHERE token_hash = $1
	`), tokenHash).Scan(&idStr, &userIDStr, &s.TokenHash, &createdAt, &expiresAt, &revokedAt, &replacedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return model.RefreshSession{}, ErrSessionNotFound
	}
	if err != nil {
		return model.RefreshSession{}, fmt.Errorf("find refresh session: %w", err)
	}

	if s.ID, err = uuid.Parse(idStr); err != nil {
		return model.RefreshSession{}, fmt.Errorf("refresh session id %q: %w", idStr, err)
	}
	if s.UserID, err = uuid.Parse(userIDStr); err != nil {
		return model.RefreshSession{}, fmt.Errorf("refresh session user %q: %w", userIDStr, err)
	}
	s.CreatedAt = time.UnixMilli(createdAt).UTC()
	s.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	if revokedAt.Valid {
		t := time.UnixMilli(revokedAt.Int64).UTC()
		s.RevokedAt = &t
	}
	if replacedBy.Valid && replacedBy.String != "" {
		if next, err := uuid.Parse(replacedBy.String); err == nil {
			s.ReplacedBy = &next
		}
	}
	return s, nil
}

func (r *refreshRepo) Rotate(ctx context.Context, sessionID, userID uuid.UUID, newHash string, expiresAt time.Time) (uuid.UUID, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return uuid.Nil, fmt.Errorf("begin rotate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	next, err := r.insert(ctx, tx, userID, newHash, expiresAt)
	if err != nil {
		return uuid.Nil, err
	}
	res, err := tx.ExecContext(ctx, r.db.Rebind(`
		UPDATE refresh_sessions SET revoked_at = $1, replaced_by = $2
		WHERE id = $3 AND revoked_at IS NULL
	`), r.now().UnixMilli(), next.String(), sessionID.String())
	if err != nil {
		return uuid.Nil, fmt.Errorf("revoke rotated session: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return uuid.Nil, fmt.Errorf("revoke rotated session: %w", err)
	} else if n == 0 {
		return uuid.Nil, ErrSessionNotFound
	}
	if err := tx.Commit(); err != nil {
		return uuid.Nil, fmt.Errorf("commit rotate: %w", err)
	}
	return next, nil
}

func (r *refreshRepo) Revoke(ctx context.Context, sessionID uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE refresh_sessions SET revoked_at = $1 WHERE id = $2 AND revoked_at IS NULL
	`), r.now().UnixMilli(), sessionID.String())
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// RevokeAllForUser revokes every active session of userID (reuse/theft response)
func (r *refreshRepo) RevokeAllForUser(ctx context.Context, userID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE refresh_sessions SET revoked_at = $1 WHERE user_id = $2 AND revoked_at IS NULL
	`), r.now().UnixMilli(), userID.String())
	if err != nil {
		return fmt.Errorf("revoke all sessions for user: %w", err)
	}
	return nil
}
