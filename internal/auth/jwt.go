package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Issuer is stamped into every access token and required when verifying.
const Issuer = "bigd-relay"

// ErrInvalidToken is returned for tokens that parse but carry no usable subject.
var ErrInvalidToken = errors.New("invalid token")

// JWTClaims represents the access token claims
type JWTClaims struct {
	UserID         uuid.UUID `json:"sub"`
	ContactAddress string    `json:"contact_address,omitempty"`
	jwt.RegisteredClaims
}

// JWTService handles JWT token operations
type JWTService struct {
	secret    []byte
	accessTTL time.Duration
	now       func() time.Time
}

// NewJWTService creates a new JWT service issuing access tokens valid for accessTTL
func NewJWTService(secret string, accessTTL time.Duration) *JWTService {
	return &JWTService{
		secret:    []byte(secret),
		accessTTL: accessTTL,
		now:       time.Now,
	}
}

// SignAccessToken creates a JWT access token for the account
func (s *JWTService) SignAccessToken(userID uuid.UUID, contactAddress string) (string, error) {
	now := s.now()
	claims := &JWTClaims{
		UserID:         userID,
		ContactAddress: contactAddress,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}

	return tokenString, nil
}

// VerifyToken checks the signature, expiry and issuer of an access token and returns its
// claims.
func (s *JWTService) VerifyToken(tokenString string) (*JWTClaims, error) {
	claims := &JWTClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if claims.UserID == uuid.Nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
