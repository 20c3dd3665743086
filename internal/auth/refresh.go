package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Qwaper/BigD-Gram/internal/repo"
)

var (
	// ErrInvalidRefreshToken is returned for unknown, expired or revoked tokens.
	ErrInvalidRefreshToken = errors.New("invalid or expired refresh token")
	// ErrRefreshTokenReuseDetected is returned when an already rotated token is presented again.
	ErrRefreshTokenReuseDetected = errors.New("refresh token reuse detected")
)

// GenerateRefreshToken returns a random Base64URL token (32 bytes) and its SHA256 hash as hex
func GenerateRefreshToken() (token string, hashHex string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}
	token = base64.RawURLEncoding.EncodeToString(b)
	return token, HashRefreshToken(token), nil
}

// HashRefreshToken returns SHA256 hex of the token
func HashRefreshToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// issueRefresh stores a new refresh session for userID and returns its token.
func (s *AuthService) issueRefresh(ctx context.Context, userID uuid.UUID) (string, error) {
	token, hash, err := GenerateRefreshToken()
	if err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}
	if _, err := s.refreshRepo.Create(ctx, userID, hash, s.now().Add(s.refreshTTL)); err != nil {
		return "", err
	}
	return token, nil
}

// reuseDetected revokes every session of userID after a rotated token was presented again.
func (s *AuthService) reuseDetected(ctx context.Context, userID uuid.UUID) error {
	log.Warn().Str("user_id", userID.String()).Msg("refresh token reuse, revoking all sessions")
	if err := s.refreshRepo.RevokeAllForUser(ctx, userID); err != nil {
		return err
	}
	return ErrRefreshTokenReuseDetected
}

// RefreshTokens rotates a refresh token. Presenting a token that was already rotated
// revokes every session of the account.
func (s *AuthService) RefreshTokens(ctx context.Context, refreshToken string) (Tokens, error) {
	session, err := s.refreshRepo.FindByTokenHash(ctx, HashRefreshToken(refreshToken))
	if errors.Is(err, repo.ErrSessionNotFound) {
		return Tokens{}, ErrInvalidRefreshToken
	}
	if err != nil {
		return Tokens{}, err
	}
	if session.ReplacedBy != nil {
		return Tokens{}, s.reuseDetected(ctx, session.UserID)
	}
	if !session.Active(s.now()) {
		return Tokens{}, ErrInvalidRefreshToken
	}

	account, err := s.accountRepo.GetByID(ctx, session.UserID.String())
	if err != nil {
		return Tokens{}, fmt.Errorf("load account: %w", err)
	}

	newToken, newHash, err := GenerateRefreshToken()
	if err != nil {
		return Tokens{}, fmt.Errorf("generate refresh token: %w", err)
	}
	_, err = s.refreshRepo.Rotate(ctx, session.ID, session.UserID, newHash, s.now().Add(s.refreshTTL))
	if errors.Is(err, repo.ErrSessionNotFound) {
		// A concurrent refresh rotated the same token first.
		return Tokens{}, s.reuseDetected(ctx, session.UserID)
	}
	if err != nil {
		return Tokens{}, err
	}

	access, err := s.jwtService.SignAccessToken(account.ID, account.ContactAddress)
	if err != nil {
		return Tokens{}, err
	}
	return Tokens{AccessToken: access, RefreshToken: newToken}, nil
}

// Logout revokes the session behind refreshToken.
func (s *AuthService) Logout(ctx context.Context, refreshToken string) error {
	session, err := s.refreshRepo.FindByTokenHash(ctx, HashRefreshToken(refreshToken))
	if errors.Is(err, repo.ErrSessionNotFound) {
		return ErrInvalidRefreshToken
	}
	if err != nil {
		return err
	}
	if !session.Active(s.now()) {
		return ErrInvalidRefreshToken
	}
	if err := s.refreshRepo.Revoke(ctx, session.ID); err != nil {
		if errors.Is(err, repo.ErrSessionNotFound) {
			return ErrInvalidRefreshToken
		}
		return err
	}
	return nil
}
