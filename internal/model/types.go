package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Account represents a registered credential on the relay
type Account struct {
	ID             uuid.UUID
	ContactAddress string
	SecretHash     string
	DisplayName    string
	CreatedAt      time.Time
}

// RefreshSession represents a refresh token session
type RefreshSession struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	TokenHash  string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	RevokedAt  *time.Time
	ReplacedBy *uuid.UUID
}

// Active reports whether the session can still be used at now.
func (s RefreshSession) Active(now time.Time) bool {
	return s.RevokedAt == nil && now.Before(s.ExpiresAt)
}

// Record is one stored document. Parent is the collection path and Key the last path segment.
type Record struct {
	Path      string
	Parent    string
	Key       string
	Data      json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}
