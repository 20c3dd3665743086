package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/Qwaper/BigD-Gram/internal/auth"
	"github.com/Qwaper/BigD-Gram/internal/model"
	"github.com/Qwaper/BigD-Gram/internal/repo"
)

type contextKey string

const (
	accountKey contextKey = "account"
	userIDKey  contextKey = "user_id"
)

// AuthMiddleware validates JWT tokens, loads the account from DB, and attaches it to context
func AuthMiddleware(jwtService *auth.JWTService, accountRepo repo.AccountRepo) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, msg := bearerToken(r)
			if tokenString == "" {
				respondWithError(w, http.StatusUnauthorized, msg)
				return
			}

			claims, err := jwtService.VerifyToken(tokenString)
			if err != nil {
				respondWithError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			account, err := accountRepo.GetByID(r.Context(), claims.UserID.String())
			if err != nil {
				respondWithError(w, http.StatusUnauthorized, "account not found")
				return
			}

			ctx := context.WithValue(r.Context(), accountKey, &account)
			ctx = context.WithValue(ctx, userIDKey, claims.UserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OptionalAuth attaches the user ID when a valid token is presented and lets anonymous
// requests through. A token that is present but invalid is rejected. Websocket clients
// that cannot set headers may pass the token as the access_token query parameter.
func OptionalAuth(jwtService *auth.JWTService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := r.URL.Query().Get("access_token")
			if tokenString == "" && r.Header.Get("Authorization") != "" {
				var msg string
				if tokenString, msg = bearerToken(r); tokenString == "" {
					respondWithError(w, http.StatusUnauthorized, msg)
					return
				}
			}
			if tokenString == "" {
				next.ServeHTTP(w, r)
				return
			}

			claims, err := jwtService.VerifyToken(tokenString)
			if err != nil {
				respondWithError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}
			ctx := context.WithValue(r.Context(), userIDKey, claims.UserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken extracts the token from the Authorization header. On failure it returns
// an empty token and the error message for the response.
func bearerToken(r *http.Request) (string, string) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", "missing authorization header"
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", "invalid authorization header format"
	}

	tokenString := strings.TrimSpace(parts[1])
	if tokenString == "" {
		return "", "missing token"
	}
	return tokenString, ""
}

// GetAccount returns the account attached to the request context (set by AuthMiddleware)
func GetAccount(ctx context.Context) (*model.Account, bool) {
	a, ok := ctx.Value(accountKey).(*model.Account)
	return a, ok
}

// GetUserID extracts user ID from context
func GetUserID(ctx context.Context) (uuid.UUID, bool) {
	userID, ok := ctx.Value(userIDKey).(uuid.UUID)
	return userID, ok
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]string{"error": message}
	_ = json.NewEncoder(w).Encode(response)
}
