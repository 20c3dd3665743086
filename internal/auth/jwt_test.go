package auth

import (
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

func TestJWT_roundTrip(t *testing.T) {
	svc := NewJWTService("test-secret", time.Hour)
	userID := uuid.New()

	token, err := svc.SignAccessToken(userID, "alice@example.com")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	claims, err := svc.VerifyToken(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.UserID != userID {
		t.Errorf("user id = %s, want %s", claims.UserID, userID)
	}
	if claims.ContactAddress != "alice@example.com" {
		t.Errorf("contact address = %q", claims.ContactAddress)
	}
}

func TestJWT_rejectsExpiredAndForeign(t *testing.T) {
	svc := NewJWTService("test-secret", time.Minute)
	token, err := svc.SignAccessToken(uuid.New(), "")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	svc.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, err := svc.VerifyToken(token); err == nil {
		t.Error("expired token should be rejected")
	}

	other := NewJWTService("other-secret", time.Minute)
	if _, err := other.VerifyToken(token); err == nil {
		t.Error("token signed with another secret should be rejected")
	}
}

func TestJWT_rejectsWrongIssuerAndMethod(t *testing.T) {
	svc := NewJWTService("test-secret", time.Hour)
	now := time.Now()

	foreign := jwt.NewWithClaims(jwt.SigningMethodHS256, &JWTClaims{
		UserID: uuid.New(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "someone-else",
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})
	token, err := foreign.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := svc.VerifyToken(token); !errors.Is(err, jwt.ErrTokenInvalidIssuer) {
		t.Errorf("foreign issuer: err = %v", err)
	}

	hs512 := jwt.NewWithClaims(jwt.SigningMethodHS512, &JWTClaims{
		UserID: uuid.New(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})
	token, err = hs512.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := svc.VerifyToken(token); !errors.Is(err, jwt.ErrTokenSignatureInvalid) {
		t.Errorf("HS512 token: err = %v", err)
	}

	noSubject := jwt.NewWithClaims(jwt.SigningMethodHS256, &JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})
	token, err = noSubject.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := svc.VerifyToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("missing subject: err = %v", err)
	}
}

func TestHashRefreshToken(t *testing.T) {
	token, hash, err := GenerateRefreshToken()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if HashRefreshToken(token) != hash {
		t.Error("hash should be deterministic")
	}
	decoded, err := hex.DecodeString(hash)
	if err != nil || len(decoded) != 32 {
		t.Errorf("hash should be 32 bytes of hex, got %q", hash)
	}
	other, _, _ := GenerateRefreshToken()
	if other == token {
		t.Error("tokens should be random")
	}
}

func TestCheckSecret(t *testing.T) {
	hash, err := HashSecret("correct horse")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if ok, err := CheckSecret(hash, "correct horse"); !ok || err != nil {
		t.Errorf("matching secret: ok=%v err=%v", ok, err)
	}
	if ok, err := CheckSecret(hash, "battery staple"); ok || err != nil {
		t.Errorf("wrong secret: ok=%v err=%v", ok, err)
	}
	if _, err := CheckSecret("not-a-hash", "x"); err == nil {
		t.Error("malformed hash should fail")
	}
}
