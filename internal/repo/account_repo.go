package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Qwaper/BigD-Gram/internal/db"
	"github.com/Qwaper/BigD-Gram/internal/model"
)

var (
	// ErrAccountExists is returned when the contact address is already registered.
	ErrAccountExists = errors.New("account already exists")
	// ErrAccountNotFound is returned when no account matches.
	ErrAccountNotFound = errors.New("account not found")
)

// AccountRepo defines the interface for account repository operations
type AccountRepo interface {
	Create(ctx context.Context, contactAddress, secretHash, displayName string) (model.Account, error)
	GetByID(ctx context.Context, id string) (model.Account, error)
	GetByContactAddress(ctx context.Context, contactAddress string) (model.Account, error)
	SetDisplayName(ctx context.Context, id uuid.UUID, displayName string) error
}

type accountRepo struct {
	db *db.Conn
}

// NewAccountRepo creates a new AccountRepo instance
func NewAccountRepo(conn *db.Conn) AccountRepo {
	return &accountRepo{db: conn}
}

// NormalizeContactAddress lowercases and trims a contact address.
func NormalizeContactAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// Create registers a new account. The contact address is stored normalized.
func (r *accountRepo) Create(ctx context.Context, contactAddress, secretHash, displayName string) (model.Account, error) {
	acc := model.Account{
		ID:             uuid.New(),
		ContactAddress: NormalizeContactAddress(contactAddress),
		SecretHash:     secretHash,
		DisplayName:    displayName,
		CreatedAt:      time.Now().UTC().Truncate(time.Millisecond),
	}
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO accounts (id, contact_address, secret_hash, display_name, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`), acc.ID.String(), acc.ContactAddress, acc.SecretHash, acc.DisplayName, acc.CreatedAt.UnixMilli())
	if err != nil {
		if db.IsUniqueViolation(err) {
			return model.Account{}, ErrAccountExists
		}
		return model.Account{}, fmt.Errorf("failed to insert account: %w", err)
	}
	return acc, nil
}

// GetByID retrieves an account by ID
func (r *accountRepo) GetByID(ctx context.Context, id string) (model.Account, error) {
	return r.getOne(ctx, `
		SELECT id, contact_address, secret_hash, display_name, created_at
		FROM accounts
		WHERE id = $1
	`, id)
}

// GetByContactAddress retrieves an account by its normalized contact address
func (r *accountRepo) GetByContactAddress(ctx context.Context, contactAddress string) (model.Account, error) {
	return r.getOne(ctx, `
		SELECT id, contact_address, secret_hash, display_name, created_at
		FROM accounts
		WHERE contact_address = $1
	`, NormalizeContactAddress(contactAddress))
}

func (r *accountRepo) getOne(ctx context.Context, query string, arg string) (model.Account, error) {
	var acc model.Account
	var idStr string
	var createdAt int64
	err := r.db.QueryRowContext(ctx, r.db.Rebind(query), arg).Scan(
		&idStr,
		&acc.ContactAddress,
		&acc.SecretHash,
		&acc.DisplayName,
		&createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Account{}, ErrAccountNotFound
		}
		return model.Account{}, fmt.Errorf("failed to query account: %w", err)
	}
	acc.ID, err = uuid.Parse(idStr)
	if err != nil {
		return model.Account{}, fmt.Errorf("failed to parse account ID: %w", err)
	}
	acc.CreatedAt = time.UnixMilli(createdAt).UTC()
	return acc, nil
}

// SetDisplayName updates the account's display name
func (r *accountRepo) SetDisplayName(ctx context.Context, id uuid.UUID, displayName string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE accounts SET display_name = $1 WHERE id = $2
	`), displayName, id.String())
	if err != nil {
		return fmt.Errorf("update display name: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrAccountNotFound
	}
	return nil
}
