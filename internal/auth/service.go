package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Qwaper/BigD-Gram/internal/model"
	"github.com/Qwaper/BigD-Gram/internal/repo"
)

var (
	// ErrInvalidInput is returned for malformed contact addresses or short secrets.
	ErrInvalidInput = errors.New("invalid contact address or secret")
	// ErrInvalidCredentials is returned when login fails. It does not reveal which part was wrong.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountExists is returned when registering an address that is taken.
	ErrAccountExists = repo.ErrAccountExists
)

// Tokens is the credential pair handed to a signed-in client.
type Tokens struct {
	AccessToken  string
	RefreshToken string
}

// AuthService orchestrates account and token operations
type AuthService struct {
	jwtService  *JWTService
	accountRepo repo.AccountRepo
	refreshRepo repo.RefreshRepo
	refreshTTL  time.Duration
	now         func() time.Time
}

// NewAuthService creates a new auth service
func NewAuthService(
	jwtService *JWTService,
	accountRepo repo.AccountRepo,
	refreshRepo repo.RefreshRepo,
	refreshTTL time.Duration,
) *AuthService {
	return &AuthService{
		jwtService:  jwtService,
		accountRepo: accountRepo,
		refreshRepo: refreshRepo,
		refreshTTL:  refreshTTL,
		now:         time.Now,
	}
}

func validateCredentials(contactAddress, secret string) error {
	addr := strings.TrimSpace(contactAddress)
	at := strings.Index(addr, "@")
	if at <= 0 || at == len(addr)-1 || strings.ContainsAny(addr, " \t\n") {
		return fmt.Errorf("%w: contact address %q", ErrInvalidInput, contactAddress)
	}
	if len(secret) < MinSecretLength {
		return fmt.Errorf("%w: secret shorter than %d characters", ErrInvalidInput, MinSecretLength)
	}
	return nil
}

// Register creates an account and signs it in.
func (s *AuthService) Register(ctx context.Context, contactAddress, secret, displayName string) (*model.Account, Tokens, error) {
	if err := validateCredentials(contactAddress, secret); err != nil {
		return nil, Tokens{}, err
	}
	hash, err := HashSecret(secret)
	if err != nil {
		return nil, Tokens{}, err
	}
	account, err := s.accountRepo.Create(ctx, contactAddress, hash, strings.TrimSpace(displayName))
	if err != nil {
		return nil, Tokens{}, err
	}
	tokens, err := s.issue(ctx, account)
	if err != nil {
		return nil, Tokens{}, err
	}
	return &account, tokens, nil
}

// Login verifies the secret of the account registered under contactAddress.
func (s *AuthService) Login(ctx context.Context, contactAddress, secret string) (*model.Account, Tokens, error) {
	account, err := s.accountRepo.GetByContactAddress(ctx, contactAddress)
	if err != nil {
		if errors.Is(err, repo.ErrAccountNotFound) {
			return nil, Tokens{}, ErrInvalidCredentials
		}
		return nil, Tokens{}, err
	}
	ok, err := CheckSecret(account.SecretHash, secret)
	if err != nil {
		return nil, Tokens{}, err
	}
	if !ok {
		return nil, Tokens{}, ErrInvalidCredentials
	}
	tokens, err := s.issue(ctx, account)
	if err != nil {
		return nil, Tokens{}, err
	}
	return &account, tokens, nil
}

// SetDisplayName updates the display name stored with the account.
func (s *AuthService) SetDisplayName(ctx context.Context, userID uuid.UUID, displayName string) error {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return fmt.Errorf("%w: empty display name", ErrInvalidInput)
	}
	return s.accountRepo.SetDisplayName(ctx, userID, displayName)
}

func (s *AuthService) issue(ctx context.Context, account model.Account) (Tokens, error) {
	access, err := s.jwtService.SignAccessToken(account.ID, account.ContactAddress)
	if err != nil {
		return Tokens{}, fmt.Errorf("failed to generate token: %w", err)
	}
	refresh, err := s.issueRefresh(ctx, account.ID)
	if err != nil {
		return Tokens{}, fmt.Errorf("failed to issue refresh token: %w", err)
	}
	return Tokens{AccessToken: access, RefreshToken: refresh}, nil
}
